// Package metrics exposes Prometheus instrumentation for ledger operations.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

type Recorder struct {
	operations     *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	disbursed      prometheus.Counter
	collected      *prometheus.CounterVec
	insufficient   prometheus.Counter
	walletMovement *prometheus.CounterVec
}

// New creates a Recorder and registers its collectors with reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "microlend",
			Name:      "ledger_operations_total",
			Help:      "Ledger operations by name and outcome.",
		}, []string{"operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "microlend",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Latency of ledger units of work.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		disbursed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "microlend",
			Name:      "disbursed_amount_total",
			Help:      "Principal credited to borrower wallets.",
		}),
		collected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "microlend",
			Name:      "payment_amount_total",
			Help:      "Payment amounts applied to loans, by component.",
		}, []string{"component"}),
		insufficient: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "microlend",
			Name:      "insufficient_funds_total",
			Help:      "Debits rejected for insufficient wallet balance.",
		}),
		walletMovement: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "microlend",
			Name:      "wallet_transactions_total",
			Help:      "Wallet transactions appended, by type.",
		}, []string{"type"}),
	}
	reg.MustRegister(r.operations, r.latency, r.disbursed, r.collected, r.insufficient, r.walletMovement)
	return r
}

// Observe records the outcome and duration of one operation.
func (r *Recorder) Observe(operation string, start time.Time, err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.operations.WithLabelValues(operation, outcome).Inc()
	r.latency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (r *Recorder) Disbursed(amount decimal.Decimal) {
	if r == nil {
		return
	}
	r.disbursed.Add(amount.InexactFloat64())
}

func (r *Recorder) PaymentApplied(principal, interest decimal.Decimal) {
	if r == nil {
		return
	}
	r.collected.WithLabelValues("principal").Add(principal.InexactFloat64())
	r.collected.WithLabelValues("interest").Add(interest.InexactFloat64())
}

func (r *Recorder) InsufficientFunds() {
	if r == nil {
		return
	}
	r.insufficient.Inc()
}

func (r *Recorder) WalletTransaction(txType string) {
	if r == nil {
		return
	}
	r.walletMovement.WithLabelValues(txType).Inc()
}
