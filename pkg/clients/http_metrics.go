package clients

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nocturne",
			Subsystem: "http_client",
			Name:      "requests_total",
			Help:      "Outbound HTTP requests by host and status",
		},
		[]string{"method", "host", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nocturne",
			Subsystem: "http_client",
			Name:      "request_duration_seconds",
			Help:      "Outbound HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "host"},
	)
)

// HTTPMetrics records outbound request metrics to Prometheus
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewHTTPMetrics returns a recorder bound to the package collectors
func NewHTTPMetrics() *HTTPMetrics {
	return &HTTPMetrics{
		requests: httpRequestsTotal,
		duration: httpRequestDuration,
	}
}

// RecordRequest records one round trip. status is 0 for transport errors.
func (hm *HTTPMetrics) RecordRequest(method, host string, status int, latency time.Duration, err error) {
	label := strconv.Itoa(status)
	if err != nil {
		label = "error"
	}
	hm.requests.WithLabelValues(method, host, label).Inc()
	hm.duration.WithLabelValues(method, host).Observe(latency.Seconds())
}
