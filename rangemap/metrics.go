package rangemap

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes update-side counters. Attach with WithMetrics.
type Metrics struct {
	Splits  prometheus.Counter
	Merges  prometheus.Counter
	Retries prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		Splits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rcuidx",
			Subsystem: "rangemap",
			Name:      "splits_total",
			Help:      "Free segments split by an allocation.",
		}),
		Merges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rcuidx",
			Subsystem: "rangemap",
			Name:      "merges_total",
			Help:      "Segment runs merged by a deletion.",
		}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rcuidx",
			Subsystem: "rangemap",
			Name:      "retries_total",
			Help:      "Update attempts restarted after losing a race.",
		}),
	}
}

func errorsf(format string, args ...any) error {
	return fmt.Errorf("rangemap: "+format, args...)
}
