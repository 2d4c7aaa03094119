package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder exports operation latency and event counters to a
// Prometheus registry.
type PrometheusRecorder struct {
	duration *prometheus.HistogramVec
	results  *prometheus.CounterVec
	events   *prometheus.CounterVec
}

// NewPrometheusRecorder registers the fieldops collectors with reg. A nil reg
// registers with the default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fieldops",
			Name:      "operation_duration_seconds",
			Help:      "Duration of cache operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"operation"}),
		results: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldops",
			Name:      "operations_total",
			Help:      "Cache operations by outcome.",
		}, []string{"operation", "status"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldops",
			Name:      "events_total",
			Help:      "Discrete cache events such as rollbacks and cache hits.",
		}, []string{"event"}),
	}
}

// Observe implements MetricsRecorder.
func (r *PrometheusRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	r.duration.WithLabelValues(operation).Observe(duration.Seconds())
	r.results.WithLabelValues(operation, status).Inc()
}

// Count implements MetricsRecorder.
func (r *PrometheusRecorder) Count(_ context.Context, event string) {
	if event == "" {
		return
	}
	r.events.WithLabelValues(event).Inc()
}
