package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pilehq/pile/internal/db"
	"github.com/pilehq/pile/internal/fanout"
	"github.com/pilehq/pile/internal/render"
	"github.com/pilehq/pile/internal/storage"
	"github.com/pilehq/pile/internal/telemetry"
)

const (
	// MaxPublishRetries bounds the retry chain of a publish job
	MaxPublishRetries = 5

	// maxRetryDelay caps the exponential backoff between attempts
	maxRetryDelay = 60 * time.Second
)

// PublishWorker resolves publish jobs: snapshot the draft, render the static
// artifact, upload it and commit the published generation. Render and upload
// failures retry with exponential backoff up to MaxPublishRetries; every
// other failure is terminal. Any failure releases the profile's publish
// status so a fresh publish request is never blocked behind a broken job.
type PublishWorker struct {
	store    Store
	queue    Queue
	artifact storage.ArtifactStore
	notifier Notifier

	// now is replaceable in tests
	now func() time.Time
}

// NewPublishWorker creates a publish worker
func NewPublishWorker(store Store, queue Queue, artifact storage.ArtifactStore, notifier Notifier) *PublishWorker {
	return &PublishWorker{
		store:    store,
		queue:    queue,
		artifact: artifact,
		notifier: notifier,
		now:      time.Now,
	}
}

// RetryDelay returns the backoff before the given attempt number
func RetryDelay(retryCount int) time.Duration {
	delay := time.Duration(1<<uint(retryCount)) * time.Second
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

// Process runs one claimed publish job to a terminal or retry-scheduled
// status.
func (w *PublishWorker) Process(ctx context.Context, job *db.Job) {
	// Coalescing: if another publish for this profile is mid-flight, this
	// job's changes are already covered by the running one reading current
	// state. Complete as a no-op.
	running, err := w.queue.HasRunningPublish(ctx, job.ProfileID, job.ID)
	if err != nil {
		w.terminalFail(ctx, job, err, true)
		return
	}
	if running {
		if err := w.queue.CompleteJob(ctx, job.ID); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to complete coalesced publish job")
			return
		}
		telemetry.PublishesCoalesced.Inc()
		log.Info().
			Str("job_id", job.ID).
			Str("profile_id", job.ProfileID).
			Msg("Publish job coalesced into running publish")
		return
	}

	profile, err := w.store.GetProfileByID(ctx, job.ProfileID)
	if err != nil {
		// Profile deleted; nothing left to publish or reset
		w.terminalFail(ctx, job, err, false)
		return
	}

	w.notifier.Notify(ctx, job.ID, job.ProfileID, fanout.EventPublishStarted, map[string]any{
		"jobId": job.ID,
	})

	// The generation captured here is what a successful upload commits; edits
	// made after this point keep the profile dirty.
	generation := profile.DraftGeneration

	// Snapshot or state-load failures are not worth a retry chain: they mean
	// the profile's rows are broken, not that a transient dependency blinked.
	if err := w.store.SnapshotPublishedFields(ctx, profile.ID); err != nil {
		w.terminalFail(ctx, job, err, true)
		return
	}

	links, err := w.store.GetActiveLinks(ctx, profile.ID)
	if err != nil {
		w.terminalFail(ctx, job, err, true)
		return
	}

	html, err := render.Render(profile, links)
	if err != nil {
		w.retryOrFail(ctx, job, err)
		return
	}

	key := storage.ArtifactKey(profile.Slug)
	if err := w.artifact.Put(ctx, key, html); err != nil {
		w.retryOrFail(ctx, job, err)
		return
	}

	// Upload confirmed; only now does the published generation advance
	if err := w.store.CommitPublish(ctx, profile.ID, generation, key); err != nil {
		w.terminalFail(ctx, job, err, true)
		return
	}

	if err := w.queue.CompleteJob(ctx, job.ID); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark publish job completed")
		return
	}

	telemetry.JobsCompleted.WithLabelValues(db.JobTypePublish).Inc()

	log.Info().
		Str("job_id", job.ID).
		Str("profile_id", profile.ID).
		Int64("generation", generation).
		Str("artifact_key", key).
		Msg("Publish job completed")

	w.notifier.Notify(ctx, job.ID, job.ProfileID, fanout.EventPublishDone, map[string]any{
		"jobId":      job.ID,
		"generation": generation,
	})
}

// retryOrFail schedules the next attempt, or gives up once the retry budget
// is spent. Either way the profile's publish status goes back to idle: a
// scheduled retry must not block a fresh publish request, and if one lands
// before the retry runs, coalescing turns the retry into a no-op.
func (w *PublishWorker) retryOrFail(ctx context.Context, job *db.Job, jobErr error) {
	nextRetry := job.RetryCount + 1
	if nextRetry > MaxPublishRetries {
		w.terminalFail(ctx, job, jobErr, true)
		return
	}

	delay := RetryDelay(nextRetry)
	retryAt := w.now().Add(delay)

	log.Warn().
		Err(jobErr).
		Str("job_id", job.ID).
		Str("profile_id", job.ProfileID).
		Int("retry_count", nextRetry).
		Dur("delay", delay).
		Msg("Publish job failed, scheduling retry")

	if err := w.queue.ScheduleRetry(ctx, job.ID, nextRetry, retryAt, jobErr); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to schedule publish retry")
		return
	}

	if err := w.store.ResetPublishStatus(ctx, job.ProfileID); err != nil {
		log.Error().Err(err).Str("profile_id", job.ProfileID).Msg("Failed to reset publish status")
	}

	telemetry.JobsRetried.Inc()
}

// terminalFail marks the job permanently failed and releases the profile's
// publish status so the user can try again.
func (w *PublishWorker) terminalFail(ctx context.Context, job *db.Job, jobErr error, resetStatus bool) {
	log.Error().
		Err(jobErr).
		Str("job_id", job.ID).
		Str("profile_id", job.ProfileID).
		Int("retry_count", job.RetryCount).
		Msg("Publish job failed permanently")

	if err := w.queue.FailJob(ctx, job.ID, jobErr); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark publish job failed")
	}

	if resetStatus {
		if err := w.store.ResetPublishStatus(ctx, job.ProfileID); err != nil {
			log.Error().Err(err).Str("profile_id", job.ProfileID).Msg("Failed to reset publish status")
		}
	}

	telemetry.JobsFailed.WithLabelValues(db.JobTypePublish).Inc()

	w.notifier.Notify(ctx, job.ID, job.ProfileID, fanout.EventPublishFailed, map[string]any{
		"jobId": job.ID,
		"error": jobErr.Error(),
	})
}
