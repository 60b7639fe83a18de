package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/pilehq/pile/internal/auth"
	"github.com/pilehq/pile/internal/db"
	"github.com/pilehq/pile/internal/fanout"
	"github.com/pilehq/pile/internal/storage"
	"github.com/pilehq/pile/internal/telemetry"
)

// Version is the current API version (can be set via ldflags at build time)
var Version = "0.2.0"

// DBClient is an interface for database operations
type DBClient interface {
	Ping(ctx context.Context) error
	GetOrCreateUser(ctx context.Context, authUID, email string) (*db.User, error)
	GetProfileByUserID(ctx context.Context, userID string) (*db.Profile, error)
	GetProfileByID(ctx context.Context, profileID string) (*db.Profile, error)
	GetProfileBySlug(ctx context.Context, slug string) (*db.Profile, error)
	CreateProfile(ctx context.Context, userID string) (*db.Profile, error)
	UpdateProfile(ctx context.Context, profileID string, update db.ProfileUpdate) (*db.Profile, error)
	AcceptPublish(ctx context.Context, profileID string) (*db.Profile, *db.Job, error)
	GetLinks(ctx context.Context, profileID string) ([]*db.Link, error)
	GetActiveLinks(ctx context.Context, profileID string) ([]*db.Link, error)
	GetLink(ctx context.Context, linkID string) (*db.Link, error)
	CreateLink(ctx context.Context, profileID, url string) (*db.Link, *db.Job, error)
	UpdateLink(ctx context.Context, link *db.Link, update db.LinkUpdate) (*db.Link, *db.Job, error)
	DeleteLink(ctx context.Context, link *db.Link) error
	DeleteAccount(ctx context.Context, userID string) error
}

// JobsClient is an interface for job queue reads
type JobsClient interface {
	GetJob(ctx context.Context, jobID string) (*db.Job, error)
}

// Events delivers lifecycle events to connected editor sessions
type Events interface {
	Emit(profileID, event string, data map[string]any)
}

// Handler holds dependencies for API handlers
type Handler struct {
	DB        DBClient
	Jobs      JobsClient
	Events    Events
	Artifacts storage.ArtifactStore

	// Hub serves the /ws endpoint; Events is usually the same hub
	Hub http.Handler
}

// NewHandler creates a new API handler with dependencies
func NewHandler(dbClient DBClient, jobsClient JobsClient, hub *fanout.Hub, artifacts storage.ArtifactStore) *Handler {
	return &Handler{
		DB:        dbClient,
		Jobs:      jobsClient,
		Events:    hub,
		Artifacts: artifacts,
		Hub:       hub,
	}
}

// SetupRoutes configures all API routes with proper middleware
func (h *Handler) SetupRoutes(mux *http.ServeMux) {
	// Health check endpoints (no auth required)
	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/health/db", h.DatabaseHealthCheck)

	// Prometheus metrics (no auth required)
	mux.Handle("/metrics", telemetry.Handler())

	// Editor API routes (require auth)
	mux.Handle("/v1/account", auth.AuthMiddleware(http.HandlerFunc(h.AccountHandler)))
	mux.Handle("/v1/profile", auth.AuthMiddleware(http.HandlerFunc(h.ProfileHandler)))
	mux.Handle("/v1/profile/publish", auth.AuthMiddleware(http.HandlerFunc(h.PublishHandler)))
	mux.Handle("/v1/links", auth.AuthMiddleware(http.HandlerFunc(h.LinksHandler)))
	mux.Handle("/v1/links/", auth.AuthMiddleware(http.HandlerFunc(h.LinkHandler))) // For /v1/links/:id

	// Job routes: status reads require auth, the notify callback authenticates
	// with a shared token instead
	mux.HandleFunc("/v1/jobs/", h.JobHandler)

	// WebSocket endpoint for job lifecycle events
	mux.Handle("/ws", h.Hub)

	// Published profile pages
	mux.HandleFunc("/", h.PublicPageHandler)
}

// HealthCheck handles basic health check requests
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	WriteHealthy(w, r, "pile", Version)
}

// DatabaseHealthCheck verifies database connectivity
func (h *Handler) DatabaseHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	if err := h.DB.Ping(r.Context()); err != nil {
		WriteUnhealthy(w, r, "postgresql", err)
		return
	}

	WriteHealthy(w, r, "postgresql", "")
}

// requireProfile resolves the authenticated user's profile, creating user and
// profile rows on first request. Writes the error response itself when it
// returns false.
func (h *Handler) requireProfile(w http.ResponseWriter, r *http.Request) (*db.Profile, bool) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		Unauthorised(w, r, "Authentication required")
		return nil, false
	}

	user, err := h.DB.GetOrCreateUser(r.Context(), claims.UserID, claims.Email)
	if err != nil {
		DatabaseError(w, r, err)
		return nil, false
	}

	profile, err := h.DB.GetProfileByUserID(r.Context(), user.ID)
	if errors.Is(err, sql.ErrNoRows) {
		profile, err = h.DB.CreateProfile(r.Context(), user.ID)
	}
	if err != nil {
		DatabaseError(w, r, err)
		return nil, false
	}

	return profile, true
}
