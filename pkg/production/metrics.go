package production

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the engine.
// A nil *Metrics is valid and records nothing.
// エンジンのメトリクス
type Metrics struct {
	transfers   *prometheus.CounterVec
	allocations *prometheus.CounterVec
	debtRaised  *prometheus.CounterVec
	debtSettled prometheus.Counter
	explosions  *prometheus.CounterVec
	retries     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg
// メトリクスを作成して登録
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zaiflow",
			Name:      "transfer_transitions_total",
			Help:      "Transfer handshake transitions by resulting state.",
		}, []string{"state"}),
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zaiflow",
			Name:      "material_allocations_total",
			Help:      "Material allocations by status.",
		}, []string{"status"}),
		debtRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zaiflow",
			Name:      "material_debts_raised_total",
			Help:      "Material debts raised or incremented by risk level.",
		}, []string{"risk_level"}),
		debtSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zaiflow",
			Name:      "material_debt_settlements_total",
			Help:      "Material debt settlement entries appended.",
		}),
		explosions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zaiflow",
			Name:      "bom_explosions_total",
			Help:      "BOM explosions by result.",
		}, []string{"result"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zaiflow",
			Name:      "concurrent_modification_retries_total",
			Help:      "Transactions retried after a concurrent modification, by operation.",
		}, []string{"operation"}),
	}
	if reg != nil {
		reg.MustRegister(m.transfers, m.allocations, m.debtRaised, m.debtSettled, m.explosions, m.retries)
	}
	return m
}

func (m *Metrics) transfer(state TransferState) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) allocation(status AllocationStatus) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) debt(level RiskLevel) {
	if m == nil {
		return
	}
	m.debtRaised.WithLabelValues(string(level)).Inc()
}

func (m *Metrics) settlements(n int) {
	if m == nil {
		return
	}
	m.debtSettled.Add(float64(n))
}

func (m *Metrics) explosion(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.explosions.WithLabelValues(result).Inc()
}

func (m *Metrics) retry(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}
