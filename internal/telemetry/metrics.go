package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmitCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_submitted_total", Help: "Jobs accepted for execution"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"})
	WorkerRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Failed attempts that were re-queued"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that exhausted their retries"})
	TimeoutCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_timed_out_total", Help: "Running jobs swept by the timeout monitor"})
	RecoveredCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_recovered_total", Help: "Stale jobs re-queued at startup"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Dispatch queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Executor invocations currently admitted"})
	OrphanedGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_orphaned_executions", Help: "Abandoned executor invocations still running past their deadline"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmitCounter,
			RateLimitRejects,
			WorkerSuccess,
			WorkerRetries,
			WorkerFailures,
			TimeoutCounter,
			RecoveredCounter,
			QueueDepthGauge,
			InFlightGauge,
			OrphanedGauge,
		)
	})
	return promhttp.Handler()
}
