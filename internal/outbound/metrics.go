package outbound

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sendsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "linepool",
		Subsystem: "outbound",
		Name:      "sends_total",
		Help:      "Operator to contact sends by outcome.",
	},
	[]string{"outcome"}, // sent, rehomed, failed, error
)
