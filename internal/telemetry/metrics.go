package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "convert_jobs_submitted_total", Help: "Conversion jobs accepted by the facade"})
	JobsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "convert_jobs_succeeded_total", Help: "Jobs that reached SUCCESS"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "convert_jobs_failed_total", Help: "Jobs that reached FAILURE"})
	JobsRevoked      = prometheus.NewCounter(prometheus.CounterOpts{Name: "convert_jobs_revoked_total", Help: "Jobs cancelled before claim"})
	JobsSwept        = prometheus.NewCounter(prometheus.CounterOpts{Name: "convert_jobs_swept_total", Help: "Jobs deleted by the retention sweeper"})
	SweepErrors      = prometheus.NewCounter(prometheus.CounterOpts{Name: "convert_sweep_errors_total", Help: "Per-job sweep failures (isolated, sweep continues)"})
	HybridFallbacks  = prometheus.NewCounter(prometheus.CounterOpts{Name: "convert_hybrid_fallbacks_total", Help: "Hybrid conversions that fell back to the vision engine"})
	WebhooksSent     = prometheus.NewCounter(prometheus.CounterOpts{Name: "convert_webhooks_sent_total", Help: "Terminal-state callbacks delivered"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "convert_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "convert_queue_depth", Help: "Ready task queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "convert_inflight", Help: "Tasks currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsSucceeded,
			JobsFailed,
			JobsRevoked,
			JobsSwept,
			SweepErrors,
			HybridFallbacks,
			WebhooksSent,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
