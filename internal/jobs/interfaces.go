package jobs

import (
	"context"
	"time"

	"github.com/pilehq/pile/internal/db"
	"github.com/pilehq/pile/internal/metadata"
)

// Store is the subset of the profile database the workers depend on
type Store interface {
	GetProfileByID(ctx context.Context, profileID string) (*db.Profile, error)
	GetLink(ctx context.Context, linkID string) (*db.Link, error)
	GetActiveLinks(ctx context.Context, profileID string) ([]*db.Link, error)
	SetDraftMetadata(ctx context.Context, linkID, title, description, image string) error
	SnapshotPublishedFields(ctx context.Context, profileID string) error
	CommitPublish(ctx context.Context, profileID string, generation int64, artifactKey string) error
	ResetPublishStatus(ctx context.Context, profileID string) error
}

// Queue is the subset of the job queue the workers depend on
type Queue interface {
	ClaimNext(ctx context.Context, jobType string, limit int) ([]*db.Job, error)
	CompleteJob(ctx context.Context, jobID string) error
	FailJob(ctx context.Context, jobID string, jobErr error) error
	ScheduleRetry(ctx context.Context, jobID string, retryCount int, retryAt time.Time, jobErr error) error
	RequeueDueRetries(ctx context.Context, jobType string) (int64, error)
	HasRunningPublish(ctx context.Context, profileID, excludeJobID string) (bool, error)
}

// Fetcher retrieves link preview metadata
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*metadata.Metadata, error)
}

// Notifier delivers job lifecycle events towards connected editor sessions
type Notifier interface {
	Notify(ctx context.Context, jobID, profileID, event string, data map[string]any)
}
