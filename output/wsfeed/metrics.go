package wsfeed

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AdamNotts/planefinder-kml/metric"
)

// serverMetrics holds Prometheus metrics for the WebSocket feed.
type serverMetrics struct {
	broadcasts       prometheus.Counter
	messagesSent     prometheus.Counter
	bytesSent        prometheus.Counter
	dropped          prometheus.Counter
	connections      prometheus.Counter
	clientsConnected prometheus.Gauge
}

// newServerMetrics creates and registers feed metrics. A nil registry
// returns nil and disables metric recording.
func newServerMetrics(registry *metric.MetricsRegistry) *serverMetrics {
	if registry == nil {
		return nil
	}

	m := &serverMetrics{
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "planefinder",
			Subsystem: "wsfeed",
			Name:      "broadcasts_total",
			Help:      "Accepted batches offered to subscribers",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "planefinder",
			Subsystem: "wsfeed",
			Name:      "messages_sent_total",
			Help:      "Messages written to subscriber connections",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "planefinder",
			Subsystem: "wsfeed",
			Name:      "bytes_sent_total",
			Help:      "Bytes written to subscriber connections",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "planefinder",
			Subsystem: "wsfeed",
			Name:      "messages_dropped_total",
			Help:      "Messages discarded from full subscriber queues",
		}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "planefinder",
			Subsystem: "wsfeed",
			Name:      "client_connections_total",
			Help:      "Subscriber connections accepted since start",
		}),
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "planefinder",
			Subsystem: "wsfeed",
			Name:      "clients_connected",
			Help:      "Currently connected subscribers",
		}),
	}

	_ = registry.RegisterCounter("wsfeed", "broadcasts", m.broadcasts)
	_ = registry.RegisterCounter("wsfeed", "messages_sent", m.messagesSent)
	_ = registry.RegisterCounter("wsfeed", "bytes_sent", m.bytesSent)
	_ = registry.RegisterCounter("wsfeed", "messages_dropped", m.dropped)
	_ = registry.RegisterCounter("wsfeed", "client_connections", m.connections)
	_ = registry.RegisterGauge("wsfeed", "clients_connected", m.clientsConnected)

	return m
}
