package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LedgerOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediation",
		Name:      "ledger_operations_total",
		Help:      "Balance operations by type.",
	}, []string{"type"})

	LedgerOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mediation",
		Name:      "ledger_operation_duration_seconds",
		Help:      "Balance operation latency.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 9),
	}, []string{"type"})

	// LedgerRefundedCents sums cents moved back from providers to clients.
	LedgerRefundedCents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mediation",
		Name:      "ledger_refunded_cents_total",
		Help:      "Cents moved from provider to client balances by settled refunds.",
	})
)

// observeOp counts one op and returns the func that records its latency.
// Usage: defer observeOp("credit_client")().
func observeOp(op string) func() {
	LedgerOpsTotal.WithLabelValues(op).Inc()
	timer := prometheus.NewTimer(LedgerOpDuration.WithLabelValues(op))
	return func() { timer.ObserveDuration() }
}

func RecordRefunded(cents int64) {
	if cents > 0 {
		LedgerRefundedCents.Add(float64(cents))
	}
}
