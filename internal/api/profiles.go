package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"

	"github.com/pilehq/pile/internal/auth"
	"github.com/pilehq/pile/internal/db"
	"github.com/pilehq/pile/internal/fanout"
	"github.com/pilehq/pile/internal/telemetry"
)

// slugFormat matches what the public page route will actually serve
var slugFormat = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// reservedSlugs are path segments the mux claims before the public page
// handler ever sees them
var reservedSlugs = map[string]bool{
	"health":  true,
	"metrics": true,
	"ws":      true,
	"v1":      true,
}

// profileResponse is the editor's view of a profile
type profileResponse struct {
	*db.Profile
	HasUnpublishedChanges bool `json:"has_unpublished_changes"`
}

func newProfileResponse(p *db.Profile) profileResponse {
	return profileResponse{Profile: p, HasUnpublishedChanges: p.HasUnpublishedChanges()}
}

// ProfileHandler handles GET and PUT requests to /v1/profile
func (h *Handler) ProfileHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.getProfile(w, r)
	case http.MethodPut:
		h.updateProfile(w, r)
	default:
		MethodNotAllowed(w, r)
	}
}

func (h *Handler) getProfile(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.requireProfile(w, r)
	if !ok {
		return
	}

	WriteSuccess(w, r, newProfileResponse(profile), "")
}

type updateProfileRequest struct {
	Slug      *string `json:"slug"`
	Name      *string `json:"name"`
	Bio       *string `json:"bio"`
	AvatarURL *string `json:"avatar_url"`
}

func (h *Handler) updateProfile(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.requireProfile(w, r)
	if !ok {
		return
	}

	var req updateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid JSON request body")
		return
	}

	if req.Slug == nil && req.Name == nil && req.Bio == nil && req.AvatarURL == nil {
		BadRequest(w, r, "No fields to update")
		return
	}
	if req.Slug != nil {
		if !slugFormat.MatchString(*req.Slug) {
			BadRequest(w, r, "Slug must be lowercase letters, numbers and hyphens, starting with a letter or number")
			return
		}
		if reservedSlugs[*req.Slug] {
			BadRequest(w, r, "Slug is reserved")
			return
		}
	}

	updated, err := h.DB.UpdateProfile(r.Context(), profile.ID, db.ProfileUpdate{
		Slug:      req.Slug,
		Name:      req.Name,
		Bio:       req.Bio,
		AvatarURL: req.AvatarURL,
	})
	if err != nil {
		if errors.Is(err, db.ErrSlugTaken) {
			Conflict(w, r, "Slug already taken")
			return
		}
		DatabaseError(w, r, err)
		return
	}

	h.Events.Emit(profile.ID, fanout.EventProfileDirty, map[string]any{"reason": "profile_updated"})

	WriteSuccess(w, r, newProfileResponse(updated), "Profile updated")
}

// AccountHandler handles DELETE requests to /v1/account. Deletion cascades
// through the profile, its links and any queued or running jobs, so nothing
// keeps referencing the removed rows.
func (h *Handler) AccountHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		MethodNotAllowed(w, r)
		return
	}

	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		Unauthorised(w, r, "Authentication required")
		return
	}

	user, err := h.DB.GetOrCreateUser(r.Context(), claims.UserID, claims.Email)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}

	if err := h.DB.DeleteAccount(r.Context(), user.ID); err != nil {
		DatabaseError(w, r, err)
		return
	}

	WriteNoContent(w, r)
}

// PublishHandler handles POST requests to /v1/profile/publish
func (h *Handler) PublishHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	profile, ok := h.requireProfile(w, r)
	if !ok {
		return
	}

	updated, job, err := h.DB.AcceptPublish(r.Context(), profile.ID)
	if err != nil {
		if errors.Is(err, db.ErrPublishInProgress) {
			Conflict(w, r, "A publish is already in progress")
			return
		}
		DatabaseError(w, r, err)
		return
	}

	telemetry.JobsEnqueued.WithLabelValues(db.JobTypePublish).Inc()

	WriteAccepted(w, r, map[string]any{
		"job_id":  job.ID,
		"profile": newProfileResponse(updated),
	}, "Publish queued")
}
