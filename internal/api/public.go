package api

import (
	"net/http"
	"regexp"

	"github.com/rs/zerolog/log"

	"github.com/pilehq/pile/internal/render"
	"github.com/pilehq/pile/internal/storage"
	"github.com/pilehq/pile/internal/telemetry"
)

var slugPattern = regexp.MustCompile(`^/([a-z0-9][a-z0-9-]{0,62})$`)

// PublicPageHandler serves published profile pages at GET /:slug. The stored
// artifact is served verbatim when it is current; otherwise the page is
// rendered from the published fields on the fly.
func (h *Handler) PublicPageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	match := slugPattern.FindStringSubmatch(r.URL.Path)
	if match == nil {
		NotFound(w, r, "Page not found")
		return
	}
	slug := match[1]

	profile, err := h.DB.GetProfileBySlug(r.Context(), slug)
	if err != nil {
		NotFound(w, r, "Page not found")
		return
	}

	// Serve the artifact only while it is exactly current. A dirty profile or
	// an artifact error falls through to a dynamic render rather than a 500.
	if profile.ArtifactKey != "" && !profile.HasUnpublishedChanges() {
		body, err := h.Artifacts.Get(r.Context(), profile.ArtifactKey)
		if err == nil {
			telemetry.ArtifactServes.WithLabelValues("artifact").Inc()
			w.Header().Set("Content-Type", storage.ArtifactContentType)
			w.Header().Set("Cache-Control", "public, max-age=60")
			w.Write(body)
			return
		}
		log.Warn().
			Err(err).
			Str("slug", slug).
			Str("artifact_key", profile.ArtifactKey).
			Msg("Artifact unavailable, falling back to dynamic render")
	}

	links, err := h.DB.GetActiveLinks(r.Context(), profile.ID)
	if err != nil {
		InternalError(w, r, err)
		return
	}

	body, err := render.Render(profile, links)
	if err != nil {
		InternalError(w, r, err)
		return
	}

	telemetry.ArtifactServes.WithLabelValues("dynamic").Inc()
	w.Header().Set("Content-Type", storage.ArtifactContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Write(body)
}
