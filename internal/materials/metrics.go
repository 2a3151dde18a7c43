package materials

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts ledger writes and rejected drafts.
type Metrics struct {
	writes     *prometheus.CounterVec
	rejections *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	writes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sitestock_material_writes_total",
		Help: "Committed material transaction writes by movement type and operation.",
	}, []string{"movement_type", "op"})
	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sitestock_material_rejections_total",
		Help: "Rejected material transactions by movement type and reason.",
	}, []string{"movement_type", "reason"})
	if reg != nil {
		reg.MustRegister(writes, rejections)
	}
	return &Metrics{writes: writes, rejections: rejections}
}

func (m *Metrics) observeWrite(mt MovementType, op string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(string(mt), op).Inc()
}

func (m *Metrics) observeRejection(mt MovementType, err error) {
	if m == nil || err == nil {
		return
	}
	m.rejections.WithLabelValues(string(mt), RejectionKind(err)).Inc()
}
