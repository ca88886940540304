package rcu

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes domain counters. Pass a registerer to NewMetrics and
// attach the result with WithMetrics.
type Metrics struct {
	GracePeriods prometheus.Counter
	Deferred     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		GracePeriods: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rcuidx",
			Subsystem: "rcu",
			Name:      "grace_periods_total",
			Help:      "Number of completed grace periods.",
		}),
		Deferred: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rcuidx",
			Subsystem: "rcu",
			Name:      "deferred_total",
			Help:      "Number of reclaim callbacks deferred.",
		}),
	}
}
