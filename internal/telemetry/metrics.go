package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RunsStarted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "docsync_runs_started_total", Help: "Sync runs that reached in_progress"})
	RunsSucceeded = prometheus.NewCounter(prometheus.CounterOpts{Name: "docsync_runs_succeeded_total", Help: "Sync runs finished with success"})
	RunsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "docsync_runs_failed_total", Help: "Sync runs finished with failed"})
	RunsCanceled  = prometheus.NewCounter(prometheus.CounterOpts{Name: "docsync_runs_canceled_total", Help: "Sync runs finished with canceled"})
	RunsSkipped   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "docsync_runs_skipped_total", Help: "Run tasks skipped because the pairing was busy"}, []string{"reason"})
	DocsIndexed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "docsync_documents_indexed_total", Help: "Documents forwarded to destinations"})

	StalledRunsReclaimed = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "docsync_stalled_runs_reclaimed_total", Help: "In-progress runs failed by the scheduler"}, []string{"reason"})
	SchedulerDispatches  = prometheus.NewCounter(prometheus.CounterOpts{Name: "docsync_scheduler_dispatches_total", Help: "Run tasks enqueued by the scheduler"})
	SchedulerPassErrors  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "docsync_scheduler_pass_errors_total", Help: "Per-pairing errors during scheduler passes"}, []string{"pass"})

	CredentialRefreshFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "docsync_credential_refresh_failures_total", Help: "Failed credential refresh attempts"})
	CredentialRotations       = prometheus.NewCounter(prometheus.CounterOpts{Name: "docsync_credential_key_rotations_total", Help: "Credentials re-encrypted under the current key"})

	DestinationChunkRetries = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "docsync_destination_chunk_retries_total", Help: "Destination chunk sends retried"}, []string{"destination"})

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "docsync_tasks_enqueued_total", Help: "Run tasks enqueued"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "docsync_rate_limit_rejects_total", Help: "Manual triggers rejected by the rate limiter"})
	WorkerRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "docsync_tasks_retried_total", Help: "Run tasks re-dispatched after failure"})
	WorkerDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "docsync_tasks_dead_letter_total", Help: "Run tasks moved to the DLQ"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "docsync_queue_depth", Help: "Ready run tasks"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "docsync_tasks_inflight", Help: "Run tasks currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RunsStarted,
			RunsSucceeded,
			RunsFailed,
			RunsCanceled,
			RunsSkipped,
			DocsIndexed,
			StalledRunsReclaimed,
			SchedulerDispatches,
			SchedulerPassErrors,
			CredentialRefreshFailures,
			CredentialRotations,
			DestinationChunkRetries,
			EnqueueCounter,
			RateLimitRejects,
			WorkerRetries,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
