// Package filter applies the airborne-aircraft admission rules to decoded
// batches, maintains the running filter statistics, and fans accepted
// batches out to registered consumers.
package filter

import (
	"log/slog"
	"math"
	"sync"

	"github.com/AdamNotts/planefinder-kml/metric"
	"github.com/AdamNotts/planefinder-kml/types"
)

// Thresholds holds the altitude band admitted by the engine, in feet.
type Thresholds struct {
	MinAltitude int `json:"min_altitude" yaml:"min_altitude"`
	MaxAltitude int `json:"max_altitude" yaml:"max_altitude"`
}

// DefaultThresholds returns the altitude band used when none is configured.
func DefaultThresholds() Thresholds {
	return Thresholds{MinAltitude: 100, MaxAltitude: 10000}
}

// Update carries a partial threshold change. Nil fields keep the currently
// active value, so callers can adjust one bound without knowing the other.
type Update struct {
	MinAltitude *int `json:"min_altitude" yaml:"min_altitude"`
	MaxAltitude *int `json:"max_altitude" yaml:"max_altitude"`
}

// Stats holds the running filter counters. Counters only ever increase;
// PassRate is derived as passed/total*100 rounded to one decimal, 0 while
// no aircraft have been seen. Field names on the wire match the feed's
// status vocabulary.
type Stats struct {
	BatchesProcessed int64   `json:"payloads_processed"`
	TotalAircraft    int64   `json:"total_aircraft"`
	PassedAircraft   int64   `json:"filtered_aircraft"`
	GroundFiltered   int64   `json:"ground_filtered"`
	LowAltFiltered   int64   `json:"low_altitude_filtered"`
	PassRate         float64 `json:"filter_pass_rate"`
}

// Consumer receives each non-empty accepted batch synchronously on the
// ingestion path, in registration order. A returned error is logged and
// isolated: it neither stops later consumers nor propagates to the caller.
// A slow consumer backpressures ingestion rather than queueing unboundedly.
type Consumer interface {
	Name() string
	Consume(batch []types.Aircraft) error
}

// Rejection reasons used as metric labels.
const (
	reasonNoPosition   = "no_position"
	reasonOnGround     = "on_ground"
	reasonNoAltitude   = "no_altitude"
	reasonLowAltitude  = "low_altitude"
	reasonHighAltitude = "high_altitude"
)

// Engine applies the admission rules. All exported methods are safe for
// concurrent use; the internal mutex is held only for in-memory mutation,
// never across consumer invocations.
type Engine struct {
	mu         sync.Mutex
	thresholds Thresholds
	stats      Stats
	consumers  []Consumer

	logger  *slog.Logger
	metrics *engineMetrics
}

// Deps holds construction dependencies for the filter engine.
type Deps struct {
	Thresholds      Thresholds
	MetricsRegistry *metric.MetricsRegistry // nil disables metrics
	Logger          *slog.Logger
}

// New creates a filter engine with the given thresholds.
func New(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "filter")
	}

	return &Engine{
		thresholds: deps.Thresholds,
		logger:     logger,
		metrics:    newEngineMetrics(deps.MetricsRegistry),
	}
}

// Register adds a consumer to the fan-out list. Consumers are invoked in
// registration order.
func (e *Engine) Register(c Consumer) {
	e.mu.Lock()
	e.consumers = append(e.consumers, c)
	e.mu.Unlock()
}

// Apply evaluates every record in the batch against the admission rules,
// updates the running statistics, and delivers the accepted subset to all
// registered consumers. It returns the accepted records.
func (e *Engine) Apply(records map[string]types.Aircraft) []types.Aircraft {
	accepted := make([]types.Aircraft, 0, len(records))

	e.mu.Lock()
	e.stats.TotalAircraft += int64(len(records))
	for _, ac := range records {
		if e.admitLocked(ac) {
			accepted = append(accepted, ac)
		}
	}
	e.stats.PassedAircraft += int64(len(accepted))
	if e.stats.TotalAircraft > 0 {
		ratio := float64(e.stats.PassedAircraft) / float64(e.stats.TotalAircraft)
		e.stats.PassRate = math.Round(ratio*1000) / 10
	}
	e.stats.BatchesProcessed++
	consumers := make([]Consumer, len(e.consumers))
	copy(consumers, e.consumers)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.batchesProcessed.Inc()
		e.metrics.aircraftSeen.Add(float64(len(records)))
		e.metrics.aircraftPassed.Add(float64(len(accepted)))
	}

	if len(accepted) == 0 {
		return accepted
	}

	for _, c := range consumers {
		if err := c.Consume(accepted); err != nil {
			e.logger.Warn("consumer failed, continuing",
				"consumer", c.Name(),
				"batch_size", len(accepted),
				"error", err)
			if e.metrics != nil {
				e.metrics.consumerErrors.WithLabelValues(c.Name()).Inc()
			}
		}
	}

	return accepted
}

// admitLocked evaluates the admission rules in fixed order, rejecting on
// the first failing check. Caller holds e.mu.
func (e *Engine) admitLocked(ac types.Aircraft) bool {
	if !ac.HasPosition() {
		e.reject(reasonNoPosition)
		return false
	}
	if ac.OnGround {
		e.stats.GroundFiltered++
		e.reject(reasonOnGround)
		return false
	}
	if ac.Altitude == nil {
		e.reject(reasonNoAltitude)
		return false
	}
	if *ac.Altitude < e.thresholds.MinAltitude {
		e.stats.LowAltFiltered++
		e.reject(reasonLowAltitude)
		return false
	}
	if *ac.Altitude > e.thresholds.MaxAltitude {
		e.reject(reasonHighAltitude)
		return false
	}
	return true
}

func (e *Engine) reject(reason string) {
	if e.metrics != nil {
		e.metrics.aircraftRejected.WithLabelValues(reason).Inc()
	}
}

// UpdateThresholds merges a partial threshold change into the active
// configuration. Ingestion keeps running; the next batch sees the new band.
func (e *Engine) UpdateThresholds(u Update) Thresholds {
	e.mu.Lock()
	if u.MinAltitude != nil {
		e.thresholds.MinAltitude = *u.MinAltitude
	}
	if u.MaxAltitude != nil {
		e.thresholds.MaxAltitude = *u.MaxAltitude
	}
	current := e.thresholds
	e.mu.Unlock()

	e.logger.Info("filter thresholds updated",
		"min_altitude", current.MinAltitude,
		"max_altitude", current.MaxAltitude)
	return current
}

// Thresholds returns the currently active altitude band.
func (e *Engine) Thresholds() Thresholds {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.thresholds
}

// Stats returns a copy of the running counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
