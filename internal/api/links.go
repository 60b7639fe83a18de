package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/pilehq/pile/internal/db"
	"github.com/pilehq/pile/internal/fanout"
	"github.com/pilehq/pile/internal/telemetry"
)

// LinksHandler handles GET and POST requests to /v1/links
func (h *Handler) LinksHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listLinks(w, r)
	case http.MethodPost:
		h.createLink(w, r)
	default:
		MethodNotAllowed(w, r)
	}
}

func (h *Handler) listLinks(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.requireProfile(w, r)
	if !ok {
		return
	}

	links, err := h.DB.GetLinks(r.Context(), profile.ID)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}

	WriteSuccess(w, r, map[string]any{"links": links}, "")
}

type createLinkRequest struct {
	URL string `json:"url"`
}

func (h *Handler) createLink(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.requireProfile(w, r)
	if !ok {
		return
	}

	var req createLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid JSON request body")
		return
	}

	if !validLinkURL(req.URL) {
		BadRequest(w, r, "A valid http(s) URL is required")
		return
	}

	link, job, err := h.DB.CreateLink(r.Context(), profile.ID, req.URL)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}

	telemetry.JobsEnqueued.WithLabelValues(db.JobTypeMetadata).Inc()

	h.Events.Emit(profile.ID, fanout.EventProfileDirty, map[string]any{"reason": "link_added"})

	WriteCreated(w, r, map[string]any{
		"link":   link,
		"job_id": job.ID,
	}, "Link created")
}

// LinkHandler handles PUT and DELETE requests to /v1/links/:id
func (h *Handler) LinkHandler(w http.ResponseWriter, r *http.Request) {
	linkID := strings.TrimPrefix(r.URL.Path, "/v1/links/")
	if linkID == "" || strings.Contains(linkID, "/") {
		NotFound(w, r, "Link not found")
		return
	}

	profile, ok := h.requireProfile(w, r)
	if !ok {
		return
	}

	link, err := h.DB.GetLink(r.Context(), linkID)
	if err != nil {
		NotFound(w, r, "Link not found")
		return
	}
	// Ownership is checked, not assumed: links of other profiles look absent
	if link.ProfileID != profile.ID {
		NotFound(w, r, "Link not found")
		return
	}

	switch r.Method {
	case http.MethodPut:
		h.updateLink(w, r, profile, link)
	case http.MethodDelete:
		h.deleteLink(w, r, profile, link)
	default:
		MethodNotAllowed(w, r)
	}
}

type updateLinkRequest struct {
	URL              *string `json:"url"`
	DraftTitle       *string `json:"draft_title"`
	DraftDescription *string `json:"draft_description"`
	DraftImage       *string `json:"draft_image"`
	Position         *int    `json:"position"`
	IsActive         *bool   `json:"is_active"`
}

func (h *Handler) updateLink(w http.ResponseWriter, r *http.Request, profile *db.Profile, link *db.Link) {
	var req updateLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid JSON request body")
		return
	}

	if req.URL != nil && !validLinkURL(*req.URL) {
		BadRequest(w, r, "A valid http(s) URL is required")
		return
	}
	if req.Position != nil {
		if *req.Position < 0 {
			BadRequest(w, r, "Position cannot be negative")
			return
		}
		// An upper bound keeps the ordering dense: moving past the end would
		// leave holes the render order cannot express.
		links, err := h.DB.GetLinks(r.Context(), profile.ID)
		if err != nil {
			DatabaseError(w, r, err)
			return
		}
		if *req.Position >= len(links) {
			BadRequest(w, r, "Position is out of range")
			return
		}
	}

	updated, job, err := h.DB.UpdateLink(r.Context(), link, db.LinkUpdate{
		URL:              req.URL,
		DraftTitle:       req.DraftTitle,
		DraftDescription: req.DraftDescription,
		DraftImage:       req.DraftImage,
		Position:         req.Position,
		IsActive:         req.IsActive,
	})
	if err != nil {
		DatabaseError(w, r, err)
		return
	}

	data := map[string]any{"link": updated}
	if job != nil {
		telemetry.JobsEnqueued.WithLabelValues(db.JobTypeMetadata).Inc()
		data["job_id"] = job.ID
	}

	h.Events.Emit(profile.ID, fanout.EventProfileDirty, map[string]any{"reason": "link_updated"})

	WriteSuccess(w, r, data, "Link updated")
}

func (h *Handler) deleteLink(w http.ResponseWriter, r *http.Request, profile *db.Profile, link *db.Link) {
	if err := h.DB.DeleteLink(r.Context(), link); err != nil {
		DatabaseError(w, r, err)
		return
	}

	h.Events.Emit(profile.ID, fanout.EventProfileDirty, map[string]any{"reason": "link_deleted"})

	WriteNoContent(w, r)
}

func validLinkURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
