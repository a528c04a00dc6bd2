package escrow

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Subsystem: "escrow",
			Name:      "operations_total",
			Help:      "Escrow lifecycle operations by action.",
		},
		[]string{"action"},
	)
)

func init() {
	prometheus.MustRegister(operationsTotal)
}
