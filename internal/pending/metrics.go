package pending

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	enqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linepool",
			Subsystem: "pending",
			Name:      "enqueued_total",
			Help:      "Inbound messages queued because no operator could take them.",
		},
		[]string{"segment"},
	)

	drainedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linepool",
			Subsystem: "pending",
			Name:      "drained_total",
			Help:      "Pending message replay outcomes.",
		},
		[]string{"outcome"}, // sent, requeued, failed
	)
)
