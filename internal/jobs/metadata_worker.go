package jobs

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/pilehq/pile/internal/db"
	"github.com/pilehq/pile/internal/fanout"
	"github.com/pilehq/pile/internal/telemetry"
)

// MetadataWorker resolves metadata jobs: fetch the linked page, extract its
// preview metadata and write it into the link's draft fields. Metadata jobs
// are never retried; the user can re-trigger one by editing the link's URL.
type MetadataWorker struct {
	store    Store
	queue    Queue
	fetcher  Fetcher
	notifier Notifier
}

// NewMetadataWorker creates a metadata worker
func NewMetadataWorker(store Store, queue Queue, fetcher Fetcher, notifier Notifier) *MetadataWorker {
	return &MetadataWorker{store: store, queue: queue, fetcher: fetcher, notifier: notifier}
}

// Process runs one claimed metadata job to a terminal status
func (w *MetadataWorker) Process(ctx context.Context, job *db.Job) {
	if job.LinkID == nil {
		w.fail(ctx, job, "", fmt.Errorf("metadata job %s has no link id", job.ID))
		return
	}
	linkID := *job.LinkID

	w.notifier.Notify(ctx, job.ID, job.ProfileID, fanout.EventMetadataStarted, map[string]any{
		"jobId":  job.ID,
		"linkId": linkID,
	})

	link, err := w.store.GetLink(ctx, linkID)
	if err != nil {
		// Link deleted between enqueue and claim; the job just dies
		w.fail(ctx, job, linkID, fmt.Errorf("link %s no longer exists: %w", linkID, err))
		return
	}

	meta, err := w.fetcher.Fetch(ctx, link.URL)
	if err != nil {
		w.fail(ctx, job, linkID, err)
		return
	}

	if err := w.store.SetDraftMetadata(ctx, linkID, meta.Title, meta.Description, meta.Image); err != nil {
		w.fail(ctx, job, linkID, err)
		return
	}

	if err := w.queue.CompleteJob(ctx, job.ID); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark metadata job completed")
		return
	}

	telemetry.JobsCompleted.WithLabelValues(db.JobTypeMetadata).Inc()

	log.Info().
		Str("job_id", job.ID).
		Str("link_id", linkID).
		Str("url", link.URL).
		Msg("Metadata job completed")

	w.notifier.Notify(ctx, job.ID, job.ProfileID, fanout.EventMetadataUpdated, map[string]any{
		"jobId":  job.ID,
		"linkId": linkID,
		"metadata": map[string]any{
			"title":       meta.Title,
			"description": meta.Description,
			"image":       meta.Image,
		},
	})
}

func (w *MetadataWorker) fail(ctx context.Context, job *db.Job, linkID string, jobErr error) {
	log.Warn().
		Err(jobErr).
		Str("job_id", job.ID).
		Str("link_id", linkID).
		Msg("Metadata job failed")

	if err := w.queue.FailJob(ctx, job.ID, jobErr); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark metadata job failed")
	}

	telemetry.JobsFailed.WithLabelValues(db.JobTypeMetadata).Inc()

	w.notifier.Notify(ctx, job.ID, job.ProfileID, fanout.EventMetadataFailed, map[string]any{
		"jobId":  job.ID,
		"linkId": linkID,
		"error":  jobErr.Error(),
	})
}
