package trackstore

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metricsRegistrar is the subset of the metric registry the store needs.
// Declared locally so the store can be constructed without the metric
// package in tests.
type metricsRegistrar interface {
	RegisterCounter(serviceName, metricName string, counter prometheus.Counter) error
	RegisterGauge(serviceName, metricName string, gauge prometheus.Gauge) error
}

// storeMetrics holds Prometheus metrics for the track store.
type storeMetrics struct {
	updates    prometheus.Counter
	evictions  prometheus.Counter
	liveTracks prometheus.Gauge
}

func newStoreMetrics(registry metricsRegistrar) *storeMetrics {
	if registry == nil {
		return nil
	}

	m := &storeMetrics{
		updates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "planefinder",
			Subsystem: "trackstore",
			Name:      "updates_total",
			Help:      "Accepted batches merged into the store",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "planefinder",
			Subsystem: "trackstore",
			Name:      "evictions_total",
			Help:      "Tracks evicted after exceeding the persistence window",
		}),
		liveTracks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "planefinder",
			Subsystem: "trackstore",
			Name:      "live_tracks",
			Help:      "Tracks currently held in the store",
		}),
	}

	_ = registry.RegisterCounter("trackstore", "updates", m.updates)
	_ = registry.RegisterCounter("trackstore", "evictions", m.evictions)
	_ = registry.RegisterGauge("trackstore", "live_tracks", m.liveTracks)

	return m
}
