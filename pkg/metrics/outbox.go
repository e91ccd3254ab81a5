package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OutboxMetrics covers the publisher: how rows were settled, how long a
// drain pass took, and how many rows sit in the dead-letter table.
type OutboxMetrics struct {
	deliveries *prometheus.CounterVec
	passes     prometheus.Histogram
	dlqDepth   prometheus.Gauge
}

func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	m := &OutboxMetrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_deliveries_total",
			Help: "Outbox rows settled by outcome (published, duplicate, retry, dead_lettered).",
		}, []string{"outcome"}),
		passes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outbox_drain_pass_seconds",
			Help:    "Wall time of one drain pass including the transaction commit.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
		dlqDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_dlq_depth",
			Help: "Rows currently in outbox_dlq.",
		}),
	}
	reg.MustRegister(m.deliveries, m.passes, m.dlqDepth)
	return m
}

// AddDeliveries adds n rows settled with outcome.
func (m *OutboxMetrics) AddDeliveries(outcome string, n int) {
	if m == nil || m.deliveries == nil || n <= 0 {
		return
	}
	m.deliveries.WithLabelValues(normalizeLabel(outcome)).Add(float64(n))
}

func (m *OutboxMetrics) ObservePass(took time.Duration) {
	if m == nil || m.passes == nil {
		return
	}
	m.passes.Observe(took.Seconds())
}

func (m *OutboxMetrics) SetDLQDepth(n int64) {
	if m == nil || m.dlqDepth == nil {
		return
	}
	m.dlqDepth.Set(float64(n))
}
