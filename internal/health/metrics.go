package health

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	healthCheckStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "health_check_status",
			Help: "Result of the last readiness check (1 healthy, 0 failing)",
		},
		[]string{"check"},
	)

	healthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "health_check_duration_seconds",
			Help:    "Duration of readiness checks in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"check"},
	)
)

// recordCheck updates the metrics for one check execution.
func recordCheck(name string, healthy bool, duration time.Duration) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	healthCheckStatus.WithLabelValues(name).Set(value)
	healthCheckDuration.WithLabelValues(name).Observe(duration.Seconds())
}
