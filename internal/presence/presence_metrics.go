package presence

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// PresenceJoinsTotal counts joins by role.
	PresenceJoinsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mediation",
			Name:      "presence_joins_total",
			Help:      "Total mediation room joins by role.",
		},
		[]string{"role"},
	)

	// PresenceHeartbeatsTotal counts accepted heartbeats.
	PresenceHeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mediation",
			Name:      "presence_heartbeats_total",
			Help:      "Total accepted presence heartbeats.",
		},
	)

	// PresenceReapedTotal counts records the reaper marked not present.
	PresenceReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mediation",
			Name:      "presence_reaped_total",
			Help:      "Total stale presence records marked not present by the reaper.",
		},
	)
)

func init() {
	prometheus.MustRegister(PresenceJoinsTotal, PresenceHeartbeatsTotal, PresenceReapedTotal)
}
