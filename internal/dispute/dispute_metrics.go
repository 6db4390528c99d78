package dispute

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// DisputeTransitionsTotal counts lifecycle and session transitions.
	DisputeTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mediation",
			Name:      "dispute_transitions_total",
			Help:      "Total dispute transitions by kind.",
		},
		[]string{"transition"},
	)

	// DisputeConflictsTotal counts writes rejected by the version check.
	DisputeConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mediation",
			Name:      "dispute_version_conflicts_total",
			Help:      "Dispute writes rejected because the row changed underneath.",
		},
	)
)

func init() {
	prometheus.MustRegister(DisputeTransitionsTotal, DisputeConflictsTotal)
}

func recordTransition(kind string) {
	DisputeTransitionsTotal.WithLabelValues(kind).Inc()
}
