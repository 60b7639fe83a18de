package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job types processed by the background workers
const (
	JobTypeMetadata = "metadata"
	JobTypePublish  = "publish"
)

// Job statuses
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Job represents one unit of async work in the queue
type Job struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	ProfileID   string     `json:"profile_id"`
	LinkID      *string    `json:"link_id,omitempty"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retry_count"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
}

// JobQueue is a PostgreSQL implementation of the typed job queue
type JobQueue struct {
	db *sql.DB
}

// NewJobQueue creates a PostgreSQL job queue
func NewJobQueue(db *DB) *JobQueue {
	return &JobQueue{db: db.client}
}

// Execute runs a database operation in a transaction
func (q *JobQueue) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// EnqueueJobTx inserts a pending job inside an existing transaction, so the
// job becomes visible together with the mutation that caused it.
func EnqueueJobTx(ctx context.Context, tx *sql.Tx, jobType, profileID string, linkID *string) (*Job, error) {
	job := &Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		ProfileID: profileID,
		LinkID:    linkID,
		Status:    JobStatusPending,
		CreatedAt: time.Now().UTC(),
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (id, type, profile_id, link_id, status, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
	`, job.ID, job.Type, job.ProfileID, job.LinkID, job.Status, job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	return job, nil
}

// Enqueue inserts a pending job in its own transaction
func (q *JobQueue) Enqueue(ctx context.Context, jobType, profileID string, linkID *string) (*Job, error) {
	var job *Job
	err := q.Execute(ctx, func(tx *sql.Tx) error {
		var err error
		job, err = EnqueueJobTx(ctx, tx, jobType, profileID, linkID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ClaimNext claims up to limit of the oldest pending jobs of the given type,
// marking them running. The claim is a conditional pending->running update
// under FOR UPDATE SKIP LOCKED, so concurrent poller instances never claim
// the same job twice.
func (q *JobQueue) ClaimNext(ctx context.Context, jobType string, limit int) ([]*Job, error) {
	var claimed []*Job

	err := q.Execute(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, type, profile_id, link_id, retry_count, created_at
			FROM jobs
			WHERE status = $1 AND type = $2
			ORDER BY created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		`, JobStatusPending, jobType, limit)
		if err != nil {
			return fmt.Errorf("failed to query pending jobs: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var job Job
			if err := rows.Scan(&job.ID, &job.Type, &job.ProfileID, &job.LinkID, &job.RetryCount, &job.CreatedAt); err != nil {
				return fmt.Errorf("failed to scan job: %w", err)
			}
			claimed = append(claimed, &job)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to read pending jobs: %w", err)
		}

		now := time.Now().UTC()
		for _, job := range claimed {
			if _, err := tx.ExecContext(ctx, `
				UPDATE jobs
				SET status = $1, started_at = $2
				WHERE id = $3
			`, JobStatusRunning, now, job.ID); err != nil {
				return fmt.Errorf("failed to mark job running: %w", err)
			}
			job.Status = JobStatusRunning
			job.StartedAt = now
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

// GetJob loads a single job by id
func (q *JobQueue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	var errText sql.NullString
	var startedAt, completedAt sql.NullTime

	err := q.db.QueryRowContext(ctx, `
		SELECT id, type, profile_id, link_id, status, error, retry_count, next_retry_at,
		       created_at, started_at, completed_at
		FROM jobs
		WHERE id = $1
	`, jobID).Scan(
		&job.ID, &job.Type, &job.ProfileID, &job.LinkID, &job.Status, &errText,
		&job.RetryCount, &job.NextRetryAt, &job.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	if errText.Valid {
		job.Error = errText.String
	}
	if startedAt.Valid {
		job.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = completedAt.Time
	}

	return &job, nil
}

// CompleteJob marks a job as completed
func (q *JobQueue) CompleteJob(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, completed_at = $2, error = NULL
		WHERE id = $3
	`, JobStatusCompleted, time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// FailJob marks a job as permanently failed with the given error message
func (q *JobQueue) FailJob(ctx context.Context, jobID string, jobErr error) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, completed_at = $2, error = $3, next_retry_at = NULL
		WHERE id = $4
	`, JobStatusFailed, time.Now().UTC(), msg, jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}

// ScheduleRetry marks a job failed with a durable next_retry_at, so a later
// poll cycle can flip it back to pending. Surviving a process restart is the
// point of persisting the retry time instead of holding an in-memory timer.
func (q *JobQueue) ScheduleRetry(ctx context.Context, jobID string, retryCount int, retryAt time.Time, jobErr error) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, error = $2, retry_count = $3, next_retry_at = $4
		WHERE id = $5
	`, JobStatusFailed, msg, retryCount, retryAt.UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to schedule job retry: %w", err)
	}
	return nil
}

// RequeueDueRetries flips failed jobs whose next_retry_at has passed back to
// pending. Returns the number of jobs requeued.
func (q *JobQueue) RequeueDueRetries(ctx context.Context, jobType string) (int64, error) {
	result, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, next_retry_at = NULL
		WHERE status = $2 AND type = $3 AND next_retry_at IS NOT NULL AND next_retry_at <= $4
	`, JobStatusPending, JobStatusFailed, jobType, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to requeue due retries: %w", err)
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}

// HasRunningPublish reports whether another publish job for the profile is
// currently running, excluding the given job id. Used for coalescing.
func (q *JobQueue) HasRunningPublish(ctx context.Context, profileID, excludeJobID string) (bool, error) {
	var count int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM jobs
		WHERE profile_id = $1 AND type = $2 AND status = $3 AND id <> $4
	`, profileID, JobTypePublish, JobStatusRunning, excludeJobID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check running publish jobs: %w", err)
	}
	return count > 0, nil
}
