package metrics

import "github.com/prometheus/client_golang/prometheus"

// SettlementMetrics tracks auto-release sweeps.
type SettlementMetrics struct {
	timers *prometheus.CounterVec
	due    prometheus.Gauge
}

// NewSettlementMetrics registers settlement sweep metrics on the provided registerer.
func NewSettlementMetrics(reg prometheus.Registerer) *SettlementMetrics {
	if reg == nil {
		return &SettlementMetrics{}
	}
	timers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_timers_total",
		Help: "Settlement timers processed by outcome (fired, skipped, failed).",
	}, []string{"outcome"})
	due := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_timers_due",
		Help: "Due timers selected by the last sweep.",
	})
	reg.MustRegister(timers, due)
	return &SettlementMetrics{timers: timers, due: due}
}

// AddOutcome increments the counter for outcome by n.
func (m *SettlementMetrics) AddOutcome(outcome string, n int) {
	if m == nil || m.timers == nil || n <= 0 {
		return
	}
	m.timers.WithLabelValues(normalizeLabel(outcome)).Add(float64(n))
}

// SetDue records how many timers the last sweep selected.
func (m *SettlementMetrics) SetDue(n int) {
	if m == nil || m.due == nil {
		return
	}
	m.due.Set(float64(n))
}
