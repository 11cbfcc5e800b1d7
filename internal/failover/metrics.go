package failover

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linepool",
			Subsystem: "failover",
			Name:      "runs_total",
			Help:      "Line failover runs by result.",
		},
		[]string{"result"}, // completed, skipped, error
	)

	operatorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linepool",
			Subsystem: "failover",
			Name:      "operators_total",
			Help:      "Operators handled by failover, by outcome.",
		},
		[]string{"outcome"},
	)

	probesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linepool",
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Line connection probes by reported state.",
		},
		[]string{"state"},
	)
)
