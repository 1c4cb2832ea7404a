package retry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RetryAttemptsTotal counts attempts made by the orchestrator.
	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of attempts made by the retry orchestrator",
		},
		[]string{"operation"},
	)

	// RetrySuccessTotal counts operations that eventually succeeded.
	RetrySuccessTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_success_total",
			Help: "Total number of operations that succeeded",
		},
		[]string{"operation"},
	)

	// RetryFailureTotal counts operations that failed terminally.
	RetryFailureTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_failure_total",
			Help: "Total number of operations that failed after retries were exhausted or rejected",
		},
		[]string{"operation"},
	)

	// RetryBackoffDuration measures backoff wait times.
	RetryBackoffDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "retry_backoff_duration_seconds",
			Help:    "Duration of backoff waits in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)
)

func recordAttempt(operation string) {
	RetryAttemptsTotal.WithLabelValues(operation).Inc()
}

func recordSuccess(operation string) {
	RetrySuccessTotal.WithLabelValues(operation).Inc()
}

func recordFailure(operation string) {
	RetryFailureTotal.WithLabelValues(operation).Inc()
}

func recordBackoff(operation string, backoff time.Duration) {
	RetryBackoffDuration.WithLabelValues(operation).Observe(backoff.Seconds())
}
