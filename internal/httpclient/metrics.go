package httpclient

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OutboundRequestsTotal counts outbound request attempts by result.
	OutboundRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_requests_total",
			Help: "Total number of outbound request attempts",
		},
		[]string{"method", "result"},
	)

	// OutboundRequestDuration measures outbound attempt latency.
	OutboundRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outbound_request_duration_seconds",
			Help:    "Duration of outbound request attempts in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func recordRequest(method, result string) {
	OutboundRequestsTotal.WithLabelValues(method, result).Inc()
}

func recordRequestDuration(method string, d time.Duration) {
	OutboundRequestDuration.WithLabelValues(method).Observe(d.Seconds())
}
