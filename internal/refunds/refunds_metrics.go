package refunds

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RefundsTotal counts refund requests by outcome.
	RefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mediation",
			Name:      "refunds_total",
			Help:      "Refund requests by outcome (requested, completed, rejected, failed).",
		},
		[]string{"outcome"},
	)

	// SettleRetriesTotal counts settlements replayed after a serialization failure.
	SettleRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mediation",
		Name:      "refund_settle_retries_total",
		Help:      "Refund settlements replayed after a SERIALIZABLE conflict.",
	})
)

func init() {
	prometheus.MustRegister(RefundsTotal, SettleRetriesTotal)
}
