package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmittedCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "alt_tasks_submitted_total", Help: "Tasks durably committed by the submission coordinator"})
	PublishFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "alt_publish_failures_total", Help: "Post-commit announce failures leaving tasks PENDING"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "alt_rate_limit_rejects_total", Help: "Uploads rejected by the rate limiter"})
	CompletedCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "alt_tasks_completed_total", Help: "Tasks finished DONE with two candidates"})
	RetriedCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "alt_tasks_retried_total", Help: "Messages republished with an incremented attempt"})
	DeadLetterCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "alt_tasks_dead_lettered_total", Help: "Messages routed to the dead-letter queue"})
	DroppedCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "alt_tasks_dropped_total", Help: "Parseable messages dropped for missing task_id"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "alt_queue_depth", Help: "Ready messages on the main work queue"})
	DLQDepthGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "alt_dlq_depth", Help: "Messages parked on the dead-letter queue"})
	InferenceSeconds   = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "alt_inference_seconds", Help: "Wall time of one two-candidate inference", Buckets: prometheus.ExponentialBuckets(0.5, 2, 10)})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmittedCounter,
			PublishFailures,
			RateLimitRejects,
			CompletedCounter,
			RetriedCounter,
			DeadLetterCounter,
			DroppedCounter,
			QueueDepthGauge,
			DLQDepthGauge,
			InferenceSeconds,
		)
	})
	return promhttp.Handler()
}
