package natspub

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AdamNotts/planefinder-kml/metric"
)

// publisherMetrics holds Prometheus metrics for the NATS publisher.
type publisherMetrics struct {
	published prometheus.Counter
	dropped   prometheus.Counter
	failures  prometheus.Counter
}

// newPublisherMetrics creates and registers publisher metrics. A nil
// registry returns nil and disables metric recording.
func newPublisherMetrics(registry *metric.MetricsRegistry) *publisherMetrics {
	if registry == nil {
		return nil
	}

	m := &publisherMetrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "planefinder",
			Subsystem: "natspub",
			Name:      "batches_published_total",
			Help:      "Batches delivered to the NATS subject",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "planefinder",
			Subsystem: "natspub",
			Name:      "batches_dropped_total",
			Help:      "Batches discarded because the publish queue was full",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "planefinder",
			Subsystem: "natspub",
			Name:      "publish_failures_total",
			Help:      "Batches given up on after exhausting publish retries",
		}),
	}

	_ = registry.RegisterCounter("natspub", "batches_published", m.published)
	_ = registry.RegisterCounter("natspub", "batches_dropped", m.dropped)
	_ = registry.RegisterCounter("natspub", "publish_failures", m.failures)

	return m
}
