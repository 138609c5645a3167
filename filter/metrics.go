package filter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AdamNotts/planefinder-kml/metric"
)

// engineMetrics holds Prometheus metrics for the filter engine.
type engineMetrics struct {
	batchesProcessed prometheus.Counter
	aircraftSeen     prometheus.Counter
	aircraftPassed   prometheus.Counter
	aircraftRejected *prometheus.CounterVec
	consumerErrors   *prometheus.CounterVec
}

// newEngineMetrics creates and registers filter metrics. A nil registry
// returns nil and disables metric recording.
func newEngineMetrics(registry *metric.MetricsRegistry) *engineMetrics {
	if registry == nil {
		return nil
	}

	m := &engineMetrics{
		batchesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "planefinder",
			Subsystem: "filter",
			Name:      "batches_processed_total",
			Help:      "Total decoded batches run through the filter",
		}),
		aircraftSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "planefinder",
			Subsystem: "filter",
			Name:      "aircraft_seen_total",
			Help:      "Total aircraft records evaluated",
		}),
		aircraftPassed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "planefinder",
			Subsystem: "filter",
			Name:      "aircraft_passed_total",
			Help:      "Aircraft records that passed all admission rules",
		}),
		aircraftRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "planefinder",
			Subsystem: "filter",
			Name:      "aircraft_rejected_total",
			Help:      "Aircraft records rejected, by first failing rule",
		}, []string{"reason"}),
		consumerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "planefinder",
			Subsystem: "filter",
			Name:      "consumer_errors_total",
			Help:      "Errors returned by downstream batch consumers",
		}, []string{"consumer"}),
	}

	_ = registry.RegisterCounter("filter", "batches_processed", m.batchesProcessed)
	_ = registry.RegisterCounter("filter", "aircraft_seen", m.aircraftSeen)
	_ = registry.RegisterCounter("filter", "aircraft_passed", m.aircraftPassed)
	_ = registry.RegisterCounterVec("filter", "aircraft_rejected", m.aircraftRejected)
	_ = registry.RegisterCounterVec("filter", "consumer_errors", m.consumerErrors)

	return m
}
