package jatrie

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes update-side counters. Attach with WithMetrics.
type Metrics struct {
	RecompactionsUp   prometheus.Counter
	RecompactionsDown prometheus.Counter
	Fallbacks         prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		RecompactionsUp: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rcuidx",
			Subsystem: "jatrie",
			Name:      "recompactions_up_total",
			Help:      "Nodes recompacted into a larger class.",
		}),
		RecompactionsDown: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rcuidx",
			Subsystem: "jatrie",
			Name:      "recompactions_down_total",
			Help:      "Nodes recompacted into a smaller class.",
		}),
		Fallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rcuidx",
			Subsystem: "jatrie",
			Name:      "pigeon_fallbacks_total",
			Help:      "Pool nodes that fell back to the pigeon layout.",
		}),
	}
}
