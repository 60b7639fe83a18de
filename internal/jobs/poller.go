package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/pilehq/pile/internal/db"
)

const (
	// MetadataPollInterval is the wait between metadata claim cycles
	MetadataPollInterval = 5 * time.Second

	// MetadataClaimLimit bounds concurrent metadata fetches per cycle
	MetadataClaimLimit = 5

	// PublishPollInterval is the wait between publish claim cycles
	PublishPollInterval = 10 * time.Second

	// PublishClaimLimit keeps publishes serialised per poller instance
	PublishClaimLimit = 1
)

// Processor runs one claimed job to completion
type Processor interface {
	Process(ctx context.Context, job *db.Job)
}

// Poller claims jobs of one type on a fixed interval and hands them to its
// processor. Cycles never overlap: the next wait starts after the previous
// batch finished.
type Poller struct {
	queue      Queue
	processor  Processor
	jobType    string
	interval   time.Duration
	claimLimit int

	// requeueRetries makes each cycle flip due failed jobs back to pending
	// before claiming
	requeueRetries bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMetadataPoller creates the poller driving the metadata worker
func NewMetadataPoller(queue Queue, worker *MetadataWorker) *Poller {
	return &Poller{
		queue:      queue,
		processor:  worker,
		jobType:    db.JobTypeMetadata,
		interval:   MetadataPollInterval,
		claimLimit: MetadataClaimLimit,
		stopCh:     make(chan struct{}),
	}
}

// NewPublishPoller creates the poller driving the publish worker
func NewPublishPoller(queue Queue, worker *PublishWorker) *Poller {
	return &Poller{
		queue:          queue,
		processor:      worker,
		jobType:        db.JobTypePublish,
		interval:       PublishPollInterval,
		claimLimit:     PublishClaimLimit,
		requeueRetries: true,
		stopCh:         make(chan struct{}),
	}
}

// Start begins polling until Stop is called or the context is cancelled
func (p *Poller) Start(ctx context.Context) {
	log.Info().
		Str("job_type", p.jobType).
		Dur("interval", p.interval).
		Int("claim_limit", p.claimLimit).
		Msg("Starting job poller")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			p.runCycle(ctx)

			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-time.After(p.interval):
			}
		}
	}()
}

// Stop halts polling and waits for the in-flight cycle to finish
func (p *Poller) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	log.Debug().Str("job_type", p.jobType).Msg("Job poller stopped")
}

func (p *Poller) runCycle(ctx context.Context) {
	if p.requeueRetries {
		requeued, err := p.queue.RequeueDueRetries(ctx, p.jobType)
		if err != nil {
			log.Error().Err(err).Str("job_type", p.jobType).Msg("Failed to requeue due retries")
		} else if requeued > 0 {
			log.Info().Int64("requeued", requeued).Str("job_type", p.jobType).Msg("Requeued retry jobs")
		}
	}

	jobs, err := p.queue.ClaimNext(ctx, p.jobType, p.claimLimit)
	if err != nil {
		log.Error().Err(err).Str("job_type", p.jobType).Msg("Failed to claim jobs")
		return
	}
	if len(jobs) == 0 {
		return
	}

	log.Debug().Int("claimed", len(jobs)).Str("job_type", p.jobType).Msg("Claimed jobs")

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			p.processor.Process(gctx, job)
			return nil
		})
	}
	g.Wait()
}
