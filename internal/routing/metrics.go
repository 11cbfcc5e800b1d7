package routing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linepool",
			Subsystem: "routing",
			Name:      "decisions_total",
			Help:      "Inbound messages routed, by decision reason.",
		},
		[]string{"reason"},
	)

	deliverDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "linepool",
			Subsystem: "routing",
			Name:      "deliver_duration_seconds",
			Help:      "Time to route and persist one inbound message, retries included.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)
