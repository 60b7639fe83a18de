package api

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"

	"github.com/pilehq/pile/internal/auth"
	"github.com/pilehq/pile/internal/db"
	"github.com/pilehq/pile/internal/fanout"
)

// JobHandler routes requests under /v1/jobs/: status reads and the worker
// notify callback.
func (h *Handler) JobHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")

	if jobID, found := strings.CutSuffix(rest, "/notify"); found {
		if r.Method != http.MethodPost {
			MethodNotAllowed(w, r)
			return
		}
		h.jobNotify(w, r, jobID)
		return
	}

	if strings.Contains(rest, "/") || rest == "" {
		NotFound(w, r, "Job not found")
		return
	}

	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	auth.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.getJob(w, r, rest)
	})).ServeHTTP(w, r)
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request, jobID string) {
	profile, ok := h.requireProfile(w, r)
	if !ok {
		return
	}

	job, err := h.Jobs.GetJob(r.Context(), jobID)
	if err != nil {
		NotFound(w, r, "Job not found")
		return
	}
	// Jobs of other profiles look absent
	if job.ProfileID != profile.ID {
		NotFound(w, r, "Job not found")
		return
	}

	WriteSuccess(w, r, job, "")
}

// jobNotify is pinged by an out-of-process worker after it moves a job. The
// request carries no body: the server reloads the job and derives the event
// to fan out from the job's own status and type, so a caller holding the
// worker token still cannot forge arbitrary events.
func (h *Handler) jobNotify(w http.ResponseWriter, r *http.Request, jobID string) {
	if token := os.Getenv("WORKER_CALLBACK_TOKEN"); token != "" {
		provided := r.Header.Get("X-Worker-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(provided)) != 1 {
			Unauthorised(w, r, "Invalid worker token")
			return
		}
	}

	job, err := h.Jobs.GetJob(r.Context(), jobID)
	if err != nil {
		NotFound(w, r, "Job not found")
		return
	}

	event, data, ok := h.eventForJob(r, job)
	if !ok {
		Conflict(w, r, "Job has not reached a notifiable state")
		return
	}

	h.Events.Emit(job.ProfileID, event, data)

	WriteNoContent(w, r)
}

// eventForJob maps a job's current status and type to the fanout event the
// worker's transition implies, enriched with the rows the event describes.
func (h *Handler) eventForJob(r *http.Request, job *db.Job) (string, map[string]any, bool) {
	data := map[string]any{"jobId": job.ID}
	if job.LinkID != nil {
		data["linkId"] = *job.LinkID
	}

	switch job.Status {
	case db.JobStatusRunning:
		if job.Type == db.JobTypePublish {
			return fanout.EventPublishStarted, data, true
		}
		return fanout.EventMetadataStarted, data, true

	case db.JobStatusCompleted:
		if job.Type == db.JobTypePublish {
			if profile, err := h.DB.GetProfileByID(r.Context(), job.ProfileID); err == nil {
				data["generation"] = profile.PublishedGeneration
			}
			return fanout.EventPublishDone, data, true
		}
		if job.LinkID != nil {
			if link, err := h.DB.GetLink(r.Context(), *job.LinkID); err == nil {
				data["metadata"] = map[string]any{
					"title":       strVal(link.DraftTitle),
					"description": strVal(link.DraftDescription),
					"image":       strVal(link.DraftImage),
				}
			}
		}
		return fanout.EventMetadataUpdated, data, true

	case db.JobStatusFailed:
		data["error"] = job.Error
		if job.Type == db.JobTypePublish {
			return fanout.EventPublishFailed, data, true
		}
		return fanout.EventMetadataFailed, data, true
	}

	// Pending jobs have no transition to announce
	return "", nil, false
}

func strVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
