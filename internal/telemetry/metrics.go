// Package telemetry exposes Prometheus metrics for the job pipeline.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pile_jobs_enqueued_total",
		Help: "Jobs enqueued by type",
	}, []string{"type"})

	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pile_jobs_completed_total",
		Help: "Jobs completed successfully by type",
	}, []string{"type"})

	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pile_jobs_failed_total",
		Help: "Jobs that reached a terminal failure by type",
	}, []string{"type"})

	JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pile_publish_retries_total",
		Help: "Publish jobs scheduled for retry",
	})

	PublishesCoalesced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pile_publishes_coalesced_total",
		Help: "Publish jobs completed as no-ops because another publish was running",
	})

	ArtifactServes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pile_page_serves_total",
		Help: "Public page serves by source (artifact or dynamic)",
	}, []string{"source"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsFailed,
			JobsRetried,
			PublishesCoalesced,
			ArtifactServes,
		)
	})
	return promhttp.Handler()
}
