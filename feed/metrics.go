package feed

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AdamNotts/planefinder-kml/metric"
)

// sessionMetrics holds Prometheus metrics for the firehose session.
type sessionMetrics struct {
	connected       prometheus.Gauge
	bytesReceived   prometheus.Counter
	framesProcessed prometheus.Counter
	decodeErrors    prometheus.Counter
	reconnects      prometheus.Counter
}

// newSessionMetrics creates and registers session metrics. A nil registry
// returns nil and disables metric recording.
func newSessionMetrics(registry *metric.MetricsRegistry) *sessionMetrics {
	if registry == nil {
		return nil
	}

	m := &sessionMetrics{
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "planefinder",
			Subsystem: "session",
			Name:      "connected",
			Help:      "1 while the session is streaming, 0 otherwise",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "planefinder",
			Subsystem: "session",
			Name:      "bytes_received_total",
			Help:      "Raw bytes read from the firehose socket",
		}),
		framesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "planefinder",
			Subsystem: "session",
			Name:      "frames_processed_total",
			Help:      "Complete frames extracted from the byte stream",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "planefinder",
			Subsystem: "session",
			Name:      "decode_errors_total",
			Help:      "Frames dropped due to decompression or parse failures",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "planefinder",
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Connection attempts made after the initial connect",
		}),
	}

	_ = registry.RegisterGauge("session", "connected", m.connected)
	_ = registry.RegisterCounter("session", "bytes_received", m.bytesReceived)
	_ = registry.RegisterCounter("session", "frames_processed", m.framesProcessed)
	_ = registry.RegisterCounter("session", "decode_errors", m.decodeErrors)
	_ = registry.RegisterCounter("session", "reconnects", m.reconnects)

	return m
}
