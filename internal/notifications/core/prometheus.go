package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"courier/internal/types"
)

var _ NotificationMetrics = (*PrometheusMetrics)(nil)

// PrometheusMetrics exposes pipeline metrics for scraping by /metrics.
type PrometheusMetrics struct {
	deliveries *prometheus.CounterVec
	skips      *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	queueLag   prometheus.Histogram
}

// NewPrometheusMetrics registers the collectors on reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "deliveries_total",
			Help:      "Settled delivery attempts by template, result and error kind.",
		}, []string{"template", "result", "kind"}),
		skips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "notifications_skipped_total",
			Help:      "Notifications suppressed before enqueue.",
		}, []string{"template", "reason"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "courier",
			Name:      "provider_send_seconds",
			Help:      "Provider call duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"template"}),
		queueLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "courier",
			Name:      "queue_lag_seconds",
			Help:      "Time from enqueue to first claim.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
	}
	for _, c := range []prometheus.Collector{m.deliveries, m.skips, m.latency, m.queueLag} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PrometheusMetrics) RecordDelivery(_ context.Context, template string, result MetricResult, kind types.ErrorKind) {
	m.deliveries.WithLabelValues(template, string(result), string(kind)).Inc()
}

func (m *PrometheusMetrics) RecordLatency(_ context.Context, template string, d time.Duration) {
	m.latency.WithLabelValues(template).Observe(d.Seconds())
}

func (m *PrometheusMetrics) RecordQueueLag(_ context.Context, lag time.Duration) {
	m.queueLag.Observe(lag.Seconds())
}

func (m *PrometheusMetrics) RecordSkip(_ context.Context, template string, reason types.SkipReason) {
	m.skips.WithLabelValues(template, string(reason)).Inc()
}
