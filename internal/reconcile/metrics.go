package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	outcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Subsystem: "reconcile",
			Name:      "outcomes_total",
			Help:      "Gateway outcomes by provider and verdict.",
		},
		[]string{"provider", "verdict"},
	)

	pollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Subsystem: "reconcile",
			Name:      "polls_total",
			Help:      "Active gateway status polls by provider and result.",
		},
		[]string{"provider", "result"},
	)

	webhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Subsystem: "reconcile",
			Name:      "webhooks_total",
			Help:      "Webhook deliveries by provider and disposition.",
		},
		[]string{"provider", "disposition"},
	)
)

func init() {
	prometheus.MustRegister(outcomesTotal, pollsTotal, webhooksTotal)
}
