/*
metrics.go - Prometheus counters for settlements and the ledger mirror

A nil *Metrics is valid and drops every observation, so tests and tools
can run engines without a registry.
*/
package loyalty

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	receiptsCommitted prometheus.Counter
	refunds           prometheus.Counter
	quotes            *prometheus.CounterVec
	ledgerEntries     *prometheus.CounterVec
	ledgerAmount      *prometheus.CounterVec
	lotsMatured       prometheus.Counter
	lotsExpired       prometheus.Counter
}

// NewMetrics registers the engine counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		receiptsCommitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "loyalty_receipts_committed_total",
			Help: "Receipts settled by the commit engine.",
		}),
		refunds: factory.NewCounter(prometheus.CounterOpts{
			Name: "loyalty_refunds_total",
			Help: "Receipts compensated by the refund engine.",
		}),
		quotes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loyalty_quotes_total",
			Help: "Quotes computed, by mode.",
		}, []string{"mode"}),
		ledgerEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loyalty_ledger_entries_total",
			Help: "Double-entry mirror rows appended, by type.",
		}, []string{"type"}),
		ledgerAmount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loyalty_ledger_amount_total",
			Help: "Points mirrored to the ledger, by type.",
		}, []string{"type"}),
		lotsMatured: factory.NewCounter(prometheus.CounterOpts{
			Name: "loyalty_earn_lots_matured_total",
			Help: "Deferred earn lots activated by the maturation sweep.",
		}),
		lotsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "loyalty_earn_lots_expired_total",
			Help: "Earn lots burned by the expiry sweep.",
		}),
	}
}

func (m *Metrics) Commit() {
	if m != nil {
		m.receiptsCommitted.Inc()
	}
}

func (m *Metrics) Refund() {
	if m != nil {
		m.refunds.Inc()
	}
}

func (m *Metrics) Quote(mode HoldMode) {
	if m != nil {
		m.quotes.WithLabelValues(string(mode)).Inc()
	}
}

// LotMatured records one PENDING lot activated by the sweep.
func (m *Metrics) LotMatured() {
	if m != nil {
		m.lotsMatured.Inc()
	}
}

// LotExpired records one ACTIVE lot burned by the expiry sweep.
func (m *Metrics) LotExpired() {
	if m != nil {
		m.lotsExpired.Inc()
	}
}

// Ledger records one mirror row of the given type and amount.
func (m *Metrics) Ledger(kind string, amount int64) {
	if m != nil {
		m.ledgerEntries.WithLabelValues(kind).Inc()
		m.ledgerAmount.WithLabelValues(kind).Add(float64(amount))
	}
}
