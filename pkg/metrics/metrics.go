package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the queue subsystem
type Metrics struct {
	// Producer metrics
	JobsEnqueued *prometheus.CounterVec

	// Consumer metrics
	JobsCompleted   *prometheus.CounterVec
	JobsFailed      *prometheus.CounterVec
	JobsRetried     *prometheus.CounterVec
	JobsInFlight    *prometheus.GaugeVec
	AttemptDuration *prometheus.HistogramVec

	// Backend metrics
	QueueDepth      *prometheus.GaugeVec
	LeasesReclaimed *prometheus.CounterVec

	// Coordination metrics
	SemaphoreWaiters *prometheus.GaugeVec
	SemaphoreHeld    *prometheus.GaugeVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "shelfmark",
		Enabled:   true,
	}
}

// NewMetrics creates all Prometheus metrics. The vecs are always built,
// so call sites never need nil checks; Enabled only controls whether
// they are registered for export.
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	m := &Metrics{
		JobsEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "queue_jobs_enqueued_total",
				Help:      "Total number of jobs enqueued",
			},
			[]string{"queue", "backend"},
		),
		JobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "queue_jobs_completed_total",
				Help:      "Total number of jobs completed successfully",
			},
			[]string{"queue", "backend"},
		),
		JobsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "queue_jobs_failed_total",
				Help:      "Total number of jobs that failed permanently",
			},
			[]string{"queue", "backend"},
		),
		JobsRetried: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "queue_jobs_retried_total",
				Help:      "Total number of job attempts that were rescheduled",
			},
			[]string{"queue", "backend"},
		),
		JobsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "queue_jobs_in_flight",
				Help:      "Number of jobs currently executing",
			},
			[]string{"queue", "backend"},
		),
		AttemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Name:      "queue_attempt_duration_seconds",
				Help:      "Duration of individual job attempts",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"queue", "backend", "outcome"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "queue_depth",
				Help:      "Number of pending jobs per queue",
			},
			[]string{"queue", "backend"},
		),
		LeasesReclaimed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "queue_leases_reclaimed_total",
				Help:      "Total number of expired leases reclaimed by the recovery sweep",
			},
			[]string{"queue"},
		),
		SemaphoreWaiters: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "queue_semaphore_waiters",
				Help:      "Number of waiters queued on the per-queue semaphore",
			},
			[]string{"queue"},
		),
		SemaphoreHeld: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "queue_semaphore_held",
				Help:      "Number of semaphore slots currently held",
			},
			[]string{"queue"},
		),
	}

	if config.Enabled {
		prometheus.MustRegister(
			m.JobsEnqueued,
			m.JobsCompleted,
			m.JobsFailed,
			m.JobsRetried,
			m.JobsInFlight,
			m.AttemptDuration,
			m.QueueDepth,
			m.LeasesReclaimed,
			m.SemaphoreWaiters,
			m.SemaphoreHeld,
		)
	}

	return m
}

// ObserveAttempt records a single attempt's duration and outcome
func (m *Metrics) ObserveAttempt(queue, backend, outcome string, duration time.Duration) {
	if m.AttemptDuration == nil {
		return
	}
	m.AttemptDuration.WithLabelValues(queue, backend, outcome).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinHandler returns the metrics handler wrapped for gin routers
func GinHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalOnce    sync.Once
)

// GetMetrics returns the global metrics instance, registering on first use
func GetMetrics() *Metrics {
	globalOnce.Do(func() {
		globalMetrics = NewMetrics(DefaultConfig())
	})
	return globalMetrics
}
