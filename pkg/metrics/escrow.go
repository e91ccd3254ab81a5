package metrics

import "github.com/prometheus/client_golang/prometheus"

// EscrowMetrics counts escrow operations by outcome.
type EscrowMetrics struct {
	operations *prometheus.CounterVec
	halts      prometheus.Counter
}

// NewEscrowMetrics registers escrow metrics on the provided registerer.
func NewEscrowMetrics(reg prometheus.Registerer) *EscrowMetrics {
	if reg == nil {
		return &EscrowMetrics{}
	}
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_operations_total",
		Help: "Escrow operations by kind and outcome.",
	}, []string{"op", "outcome"})
	halts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrow_integrity_halts_total",
		Help: "Escrow accounts halted after a ledger mismatch.",
	})
	reg.MustRegister(operations, halts)
	return &EscrowMetrics{operations: operations, halts: halts}
}

// IncOperation records one escrow operation. Outcome is "ok", "replayed" or an error code.
func (m *EscrowMetrics) IncOperation(op, outcome string) {
	if m == nil || m.operations == nil {
		return
	}
	m.operations.WithLabelValues(normalizeLabel(op), normalizeLabel(outcome)).Inc()
}

// IncHalt records an integrity halt.
func (m *EscrowMetrics) IncHalt() {
	if m == nil || m.halts == nil {
		return
	}
	m.halts.Inc()
}
