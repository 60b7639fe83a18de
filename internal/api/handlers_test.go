package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilehq/pile/internal/auth"
	"github.com/pilehq/pile/internal/db"
	"github.com/pilehq/pile/internal/fanout"
	"github.com/pilehq/pile/internal/storage"
)

type mockDB struct {
	user    *db.User
	profile *db.Profile
	links   []*db.Link
	link    *db.Link
	job     *db.Job

	profileByUserErr error
	updateProfileErr error
	acceptPublishErr error

	pingErr error

	createdProfile bool
	deletedLink    bool
	deletedAccount string
}

func (m *mockDB) Ping(_ context.Context) error {
	return m.pingErr
}

func (m *mockDB) GetOrCreateUser(_ context.Context, authUID, email string) (*db.User, error) {
	if m.user == nil {
		m.user = &db.User{ID: "user-1", AuthUID: authUID, Email: email}
	}
	return m.user, nil
}

func (m *mockDB) GetProfileByUserID(_ context.Context, userID string) (*db.Profile, error) {
	if m.profileByUserErr != nil {
		return nil, m.profileByUserErr
	}
	if m.profile == nil {
		return nil, sql.ErrNoRows
	}
	return m.profile, nil
}

func (m *mockDB) GetProfileByID(_ context.Context, profileID string) (*db.Profile, error) {
	if m.profile == nil || m.profile.ID != profileID {
		return nil, sql.ErrNoRows
	}
	return m.profile, nil
}

func (m *mockDB) GetProfileBySlug(_ context.Context, slug string) (*db.Profile, error) {
	if m.profile == nil || m.profile.Slug != slug {
		return nil, sql.ErrNoRows
	}
	return m.profile, nil
}

func (m *mockDB) CreateProfile(_ context.Context, userID string) (*db.Profile, error) {
	m.createdProfile = true
	m.profile = &db.Profile{ID: "profile-1", UserID: userID, Slug: db.DefaultSlug(userID), PublishStatus: db.PublishStatusIdle}
	return m.profile, nil
}

func (m *mockDB) UpdateProfile(_ context.Context, profileID string, update db.ProfileUpdate) (*db.Profile, error) {
	if m.updateProfileErr != nil {
		return nil, m.updateProfileErr
	}
	updated := *m.profile
	updated.DraftGeneration++
	if update.Name != nil {
		updated.Name = *update.Name
	}
	if update.Slug != nil {
		updated.Slug = *update.Slug
	}
	m.profile = &updated
	return m.profile, nil
}

func (m *mockDB) AcceptPublish(_ context.Context, profileID string) (*db.Profile, *db.Job, error) {
	if m.acceptPublishErr != nil {
		return nil, nil, m.acceptPublishErr
	}
	updated := *m.profile
	updated.DraftGeneration++
	updated.PublishStatus = db.PublishStatusRunning
	m.profile = &updated
	m.job = &db.Job{ID: "job-1", Type: db.JobTypePublish, ProfileID: profileID, Status: db.JobStatusPending}
	return m.profile, m.job, nil
}

func (m *mockDB) GetLinks(_ context.Context, profileID string) ([]*db.Link, error) {
	return m.links, nil
}

func (m *mockDB) GetActiveLinks(_ context.Context, profileID string) ([]*db.Link, error) {
	return m.links, nil
}

func (m *mockDB) GetLink(_ context.Context, linkID string) (*db.Link, error) {
	if m.link == nil || m.link.ID != linkID {
		return nil, sql.ErrNoRows
	}
	return m.link, nil
}

func (m *mockDB) CreateLink(_ context.Context, profileID, url string) (*db.Link, *db.Job, error) {
	linkID := "link-1"
	m.link = &db.Link{ID: linkID, ProfileID: profileID, URL: url, IsActive: true}
	job := &db.Job{ID: "job-meta-1", Type: db.JobTypeMetadata, ProfileID: profileID, LinkID: &linkID}
	return m.link, job, nil
}

func (m *mockDB) UpdateLink(_ context.Context, link *db.Link, update db.LinkUpdate) (*db.Link, *db.Job, error) {
	updated := *link
	var job *db.Job
	if update.URL != nil && *update.URL != link.URL {
		updated.URL = *update.URL
		job = &db.Job{ID: "job-meta-2", Type: db.JobTypeMetadata, ProfileID: link.ProfileID, LinkID: &link.ID}
	}
	if update.Position != nil {
		updated.Position = *update.Position
	}
	m.link = &updated
	return m.link, job, nil
}

func (m *mockDB) DeleteLink(_ context.Context, link *db.Link) error {
	m.deletedLink = true
	return nil
}

func (m *mockDB) DeleteAccount(_ context.Context, userID string) error {
	m.deletedAccount = userID
	return nil
}

type mockJobs struct {
	job *db.Job
}

func (m *mockJobs) GetJob(_ context.Context, jobID string) (*db.Job, error) {
	if m.job == nil || m.job.ID != jobID {
		return nil, sql.ErrNoRows
	}
	return m.job, nil
}

type mockEvents struct {
	mu     sync.Mutex
	events []string
	data   []map[string]any
}

func (m *mockEvents) Emit(profileID, event string, data map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	m.data = append(m.data, data)
}

func newTestHandler(mdb *mockDB, jobs *mockJobs) (*Handler, *mockEvents) {
	events := &mockEvents{}
	h := &Handler{
		DB:        mdb,
		Jobs:      jobs,
		Events:    events,
		Artifacts: storage.NewMemoryStore(),
	}
	return h, events
}

func strPtr(s string) *string { return &s }

func authedRequest(method, path string, body []byte) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	claims := &auth.UserClaims{UserID: "auth-uid-1", Email: "alice@example.com"}
	return req.WithContext(context.WithValue(req.Context(), auth.UserKey, claims))
}

func decodeSuccess(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestGetProfileCreatesOnFirstRequest(t *testing.T) {
	t.Parallel()

	mdb := &mockDB{}
	h, _ := newTestHandler(mdb, &mockJobs{})

	rec := httptest.NewRecorder()
	h.ProfileHandler(rec, authedRequest(http.MethodGet, "/v1/profile", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, mdb.createdProfile)

	body := decodeSuccess(t, rec)
	data := body["data"].(map[string]any)
	assert.Equal(t, "user-user1", data["slug"])
	assert.Equal(t, false, data["has_unpublished_changes"])
}

func TestUpdateProfile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		setup      func(*mockDB)
		wantStatus int
		wantEvent  bool
	}{
		{
			name:       "name update succeeds and emits dirty",
			body:       `{"name":"Alice"}`,
			wantStatus: http.StatusOK,
			wantEvent:  true,
		},
		{
			name:       "empty body rejected",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "empty slug rejected",
			body:       `{"slug":""}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "uppercase slug rejected",
			body:       `{"slug":"Alice"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "slug with slash rejected",
			body:       `{"slug":"a/b"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "reserved slug rejected",
			body:       `{"slug":"health"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "taken slug conflicts",
			body:       `{"slug":"taken"}`,
			setup:      func(m *mockDB) { m.updateProfileErr = db.ErrSlugTaken },
			wantStatus: http.StatusConflict,
		},
		{
			name:       "invalid json rejected",
			body:       `{not json`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mdb := &mockDB{profile: &db.Profile{ID: "profile-1", UserID: "user-1", Slug: "alice"}}
			if tt.setup != nil {
				tt.setup(mdb)
			}
			h, events := newTestHandler(mdb, &mockJobs{})

			rec := httptest.NewRecorder()
			h.ProfileHandler(rec, authedRequest(http.MethodPut, "/v1/profile", []byte(tt.body)))

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantEvent {
				assert.Contains(t, events.events, fanout.EventProfileDirty)
			} else {
				assert.Empty(t, events.events)
			}
		})
	}
}

func TestPublishHandler(t *testing.T) {
	t.Parallel()

	t.Run("accepts publish and returns job id", func(t *testing.T) {
		mdb := &mockDB{profile: &db.Profile{ID: "profile-1", UserID: "user-1", Slug: "alice", DraftGeneration: 3}}
		h, _ := newTestHandler(mdb, &mockJobs{})

		rec := httptest.NewRecorder()
		h.PublishHandler(rec, authedRequest(http.MethodPost, "/v1/profile/publish", nil))

		assert.Equal(t, http.StatusAccepted, rec.Code)
		body := decodeSuccess(t, rec)
		data := body["data"].(map[string]any)
		assert.Equal(t, "job-1", data["job_id"])
	})

	t.Run("conflicts while a publish is running", func(t *testing.T) {
		mdb := &mockDB{
			profile:          &db.Profile{ID: "profile-1", UserID: "user-1", Slug: "alice", PublishStatus: db.PublishStatusRunning},
			acceptPublishErr: db.ErrPublishInProgress,
		}
		h, _ := newTestHandler(mdb, &mockJobs{})

		rec := httptest.NewRecorder()
		h.PublishHandler(rec, authedRequest(http.MethodPost, "/v1/profile/publish", nil))

		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("rejects GET", func(t *testing.T) {
		h, _ := newTestHandler(&mockDB{}, &mockJobs{})

		rec := httptest.NewRecorder()
		h.PublishHandler(rec, authedRequest(http.MethodGet, "/v1/profile/publish", nil))

		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestCreateLink(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "valid url", body: `{"url":"https://example.com"}`, wantStatus: http.StatusCreated},
		{name: "missing url", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "non-http scheme", body: `{"url":"ftp://example.com"}`, wantStatus: http.StatusBadRequest},
		{name: "no host", body: `{"url":"https://"}`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mdb := &mockDB{profile: &db.Profile{ID: "profile-1", UserID: "user-1", Slug: "alice"}}
			h, events := newTestHandler(mdb, &mockJobs{})

			rec := httptest.NewRecorder()
			h.LinksHandler(rec, authedRequest(http.MethodPost, "/v1/links", []byte(tt.body)))

			assert.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantStatus == http.StatusCreated {
				body := decodeSuccess(t, rec)
				data := body["data"].(map[string]any)
				assert.Equal(t, "job-meta-1", data["job_id"])
				assert.Contains(t, events.events, fanout.EventProfileDirty)
			}
		})
	}
}

func TestLinkHandlerOwnership(t *testing.T) {
	t.Parallel()

	mdb := &mockDB{
		profile: &db.Profile{ID: "profile-1", UserID: "user-1", Slug: "alice"},
		link:    &db.Link{ID: "link-1", ProfileID: "someone-else", URL: "https://example.com"},
	}
	h, _ := newTestHandler(mdb, &mockJobs{})

	rec := httptest.NewRecorder()
	h.LinkHandler(rec, authedRequest(http.MethodDelete, "/v1/links/link-1", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, mdb.deletedLink)
}

func TestUpdateLinkURLChangeReturnsJob(t *testing.T) {
	t.Parallel()

	mdb := &mockDB{
		profile: &db.Profile{ID: "profile-1", UserID: "user-1", Slug: "alice"},
		link:    &db.Link{ID: "link-1", ProfileID: "profile-1", URL: "https://old.example.com"},
	}
	h, events := newTestHandler(mdb, &mockJobs{})

	rec := httptest.NewRecorder()
	h.LinkHandler(rec, authedRequest(http.MethodPut, "/v1/links/link-1",
		[]byte(`{"url":"https://new.example.com"}`)))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeSuccess(t, rec)
	data := body["data"].(map[string]any)
	assert.Equal(t, "job-meta-2", data["job_id"])
	assert.Contains(t, events.events, fanout.EventProfileDirty)
}

func TestUpdateLinkPositionBounds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "position within range", body: `{"position":1}`, wantStatus: http.StatusOK},
		{name: "negative position rejected", body: `{"position":-1}`, wantStatus: http.StatusBadRequest},
		{name: "position past the end rejected", body: `{"position":2}`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			link := &db.Link{ID: "link-1", ProfileID: "profile-1", URL: "https://example.com"}
			mdb := &mockDB{
				profile: &db.Profile{ID: "profile-1", UserID: "user-1", Slug: "alice"},
				link:    link,
				links: []*db.Link{
					link,
					{ID: "link-2", ProfileID: "profile-1", URL: "https://example.org", Position: 1},
				},
			}
			h, _ := newTestHandler(mdb, &mockJobs{})

			rec := httptest.NewRecorder()
			h.LinkHandler(rec, authedRequest(http.MethodPut, "/v1/links/link-1", []byte(tt.body)))

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestDeleteLink(t *testing.T) {
	t.Parallel()

	mdb := &mockDB{
		profile: &db.Profile{ID: "profile-1", UserID: "user-1", Slug: "alice"},
		link:    &db.Link{ID: "link-1", ProfileID: "profile-1", URL: "https://example.com"},
	}
	h, events := newTestHandler(mdb, &mockJobs{})

	rec := httptest.NewRecorder()
	h.LinkHandler(rec, authedRequest(http.MethodDelete, "/v1/links/link-1", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, mdb.deletedLink)
	assert.Contains(t, events.events, fanout.EventProfileDirty)
}

func TestGetJobOwnership(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		job        *db.Job
		wantStatus int
	}{
		{
			name:       "own job returned",
			job:        &db.Job{ID: "job-1", ProfileID: "profile-1", Type: db.JobTypePublish},
			wantStatus: http.StatusOK,
		},
		{
			name:       "foreign job invisible",
			job:        &db.Job{ID: "job-1", ProfileID: "someone-else", Type: db.JobTypePublish},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "unknown job invisible",
			job:        nil,
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mdb := &mockDB{profile: &db.Profile{ID: "profile-1", UserID: "user-1", Slug: "alice"}}
			h, _ := newTestHandler(mdb, &mockJobs{job: tt.job})

			rec := httptest.NewRecorder()
			h.getJob(rec, authedRequest(http.MethodGet, "/v1/jobs/job-1", nil), "job-1")

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestJobNotify(t *testing.T) {
	linkID := "link-1"

	// The callback carries no body: the emitted event comes from the stored
	// job's status and type, never from the caller.
	tests := []struct {
		name      string
		job       *db.Job
		wantEvent string
	}{
		{
			name:      "running publish announces start",
			job:       &db.Job{ID: "job-1", ProfileID: "profile-1", Type: db.JobTypePublish, Status: db.JobStatusRunning},
			wantEvent: fanout.EventPublishStarted,
		},
		{
			name:      "completed publish announces done",
			job:       &db.Job{ID: "job-1", ProfileID: "profile-1", Type: db.JobTypePublish, Status: db.JobStatusCompleted},
			wantEvent: fanout.EventPublishDone,
		},
		{
			name:      "failed publish announces failure",
			job:       &db.Job{ID: "job-1", ProfileID: "profile-1", Type: db.JobTypePublish, Status: db.JobStatusFailed, Error: "upload timed out"},
			wantEvent: fanout.EventPublishFailed,
		},
		{
			name:      "completed metadata announces update",
			job:       &db.Job{ID: "job-1", ProfileID: "profile-1", Type: db.JobTypeMetadata, LinkID: &linkID, Status: db.JobStatusCompleted},
			wantEvent: fanout.EventMetadataUpdated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mdb := &mockDB{
				profile: &db.Profile{ID: "profile-1", UserID: "user-1", Slug: "alice", DraftGeneration: 7, PublishedGeneration: 7},
				link:    &db.Link{ID: linkID, ProfileID: "profile-1", URL: "https://example.com", DraftTitle: strPtr("Example")},
			}
			h, events := newTestHandler(mdb, &mockJobs{job: tt.job})

			req := httptest.NewRequest(http.MethodPost, "/v1/jobs/job-1/notify", nil)
			rec := httptest.NewRecorder()
			h.JobHandler(rec, req)

			assert.Equal(t, http.StatusNoContent, rec.Code)
			assert.Equal(t, []string{tt.wantEvent}, events.events)
		})
	}

	t.Run("done event carries the committed generation", func(t *testing.T) {
		mdb := &mockDB{profile: &db.Profile{ID: "profile-1", UserID: "user-1", Slug: "alice", DraftGeneration: 7, PublishedGeneration: 7}}
		job := &db.Job{ID: "job-1", ProfileID: "profile-1", Type: db.JobTypePublish, Status: db.JobStatusCompleted}
		h, events := newTestHandler(mdb, &mockJobs{job: job})

		rec := httptest.NewRecorder()
		h.JobHandler(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs/job-1/notify", nil))

		assert.Equal(t, http.StatusNoContent, rec.Code)
		require.Len(t, events.data, 1)
		assert.Equal(t, int64(7), events.data[0]["generation"])
	})

	t.Run("pending job has nothing to announce", func(t *testing.T) {
		job := &db.Job{ID: "job-1", ProfileID: "profile-1", Type: db.JobTypePublish, Status: db.JobStatusPending}
		h, events := newTestHandler(&mockDB{}, &mockJobs{job: job})

		rec := httptest.NewRecorder()
		h.JobHandler(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs/job-1/notify", nil))

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Empty(t, events.events)
	})

	t.Run("unknown job rejected", func(t *testing.T) {
		h, events := newTestHandler(&mockDB{}, &mockJobs{})

		rec := httptest.NewRecorder()
		h.JobHandler(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs/job-1/notify", nil))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Empty(t, events.events)
	})

	t.Run("worker token enforced when configured", func(t *testing.T) {
		t.Setenv("WORKER_CALLBACK_TOKEN", "secret")

		job := &db.Job{ID: "job-1", ProfileID: "profile-1", Type: db.JobTypePublish, Status: db.JobStatusRunning}
		h, _ := newTestHandler(&mockDB{profile: &db.Profile{ID: "profile-1"}}, &mockJobs{job: job})

		req := httptest.NewRequest(http.MethodPost, "/v1/jobs/job-1/notify", nil)
		rec := httptest.NewRecorder()
		h.JobHandler(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		req = httptest.NewRequest(http.MethodPost, "/v1/jobs/job-1/notify", nil)
		req.Header.Set("X-Worker-Token", "secret")
		rec = httptest.NewRecorder()
		h.JobHandler(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestDeleteAccount(t *testing.T) {
	t.Parallel()

	t.Run("deletes the authenticated user's account", func(t *testing.T) {
		mdb := &mockDB{profile: &db.Profile{ID: "profile-1", UserID: "user-1", Slug: "alice"}}
		h, _ := newTestHandler(mdb, &mockJobs{})

		rec := httptest.NewRecorder()
		h.AccountHandler(rec, authedRequest(http.MethodDelete, "/v1/account", nil))

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "user-1", mdb.deletedAccount)
	})

	t.Run("rejects GET", func(t *testing.T) {
		h, _ := newTestHandler(&mockDB{}, &mockJobs{})

		rec := httptest.NewRecorder()
		h.AccountHandler(rec, authedRequest(http.MethodGet, "/v1/account", nil))

		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("requires authentication", func(t *testing.T) {
		mdb := &mockDB{}
		h, _ := newTestHandler(mdb, &mockJobs{})

		rec := httptest.NewRecorder()
		h.AccountHandler(rec, httptest.NewRequest(http.MethodDelete, "/v1/account", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, mdb.deletedAccount)
	})
}
