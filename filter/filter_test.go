package filter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AdamNotts/planefinder-kml/types"
)

func f(v float64) *float64 { return &v }
func i(v int) *int         { return &v }

func airborne(id string, altitude int) types.Aircraft {
	return types.Aircraft{
		AdsHex:   id,
		Lat:      f(51.5),
		Lon:      f(-0.1),
		Altitude: i(altitude),
	}
}

func batch(records ...types.Aircraft) map[string]types.Aircraft {
	m := make(map[string]types.Aircraft, len(records))
	for _, r := range records {
		m[r.AdsHex] = r
	}
	return m
}

func newEngine() *Engine {
	return New(Deps{Thresholds: Thresholds{MinAltitude: 100, MaxAltitude: 10000}})
}

func TestApplyAdmitsAirborneAircraft(t *testing.T) {
	e := newEngine()

	accepted := e.Apply(batch(airborne("A", 5000)))
	require.Len(t, accepted, 1)
	assert.Equal(t, "A", accepted[0].AdsHex)

	stats := e.Stats()
	assert.EqualValues(t, 1, stats.BatchesProcessed)
	assert.EqualValues(t, 1, stats.TotalAircraft)
	assert.EqualValues(t, 1, stats.PassedAircraft)
	assert.EqualValues(t, 100.0, stats.PassRate)
}

func TestApplyRejectionRules(t *testing.T) {
	noLat := airborne("X", 5000)
	noLat.Lat = nil
	noLon := airborne("X", 5000)
	noLon.Lon = nil
	grounded := airborne("X", 5000)
	grounded.OnGround = true
	noAlt := airborne("X", 0)
	noAlt.Altitude = nil

	tests := []struct {
		name       string
		record     types.Aircraft
		wantGround int64
		wantLowAlt int64
	}{
		{"missing latitude", noLat, 0, 0},
		{"missing longitude", noLon, 0, 0},
		{"on ground", grounded, 1, 0},
		{"missing altitude", noAlt, 0, 0},
		{"below minimum", airborne("X", 99), 0, 1},
		{"above maximum", airborne("X", 10001), 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine()
			accepted := e.Apply(batch(tt.record))
			assert.Empty(t, accepted)

			stats := e.Stats()
			assert.EqualValues(t, 0, stats.PassedAircraft)
			assert.Equal(t, tt.wantGround, stats.GroundFiltered)
			assert.Equal(t, tt.wantLowAlt, stats.LowAltFiltered)
		})
	}
}

func TestApplyBoundaryAltitudesAdmitted(t *testing.T) {
	e := newEngine()

	accepted := e.Apply(batch(airborne("MIN", 100), airborne("MAX", 10000)))
	assert.Len(t, accepted, 2)
}

// The on-ground check runs before the altitude checks, so a grounded record
// with a low altitude increments only the ground counter.
func TestRejectionOrderFixed(t *testing.T) {
	e := newEngine()

	grounded := airborne("G", 50)
	grounded.OnGround = true
	e.Apply(batch(grounded))

	stats := e.Stats()
	assert.EqualValues(t, 1, stats.GroundFiltered)
	assert.EqualValues(t, 0, stats.LowAltFiltered)
}

func TestPassRateRounding(t *testing.T) {
	e := newEngine()

	// 1 of 3 passes: 33.333... rounds to 33.3.
	e.Apply(batch(airborne("A", 5000), airborne("B", 10001), airborne("C", 99)))

	stats := e.Stats()
	assert.EqualValues(t, 3, stats.TotalAircraft)
	assert.EqualValues(t, 1, stats.PassedAircraft)
	assert.Equal(t, 33.3, stats.PassRate)
}

func TestPassRateZeroWhenNothingSeen(t *testing.T) {
	e := newEngine()

	e.Apply(map[string]types.Aircraft{})

	stats := e.Stats()
	assert.EqualValues(t, 1, stats.BatchesProcessed)
	assert.Zero(t, stats.TotalAircraft)
	assert.Zero(t, stats.PassRate)
}

func TestCountersAccumulateAcrossBatches(t *testing.T) {
	e := newEngine()

	e.Apply(batch(airborne("A", 5000)))
	e.Apply(batch(airborne("B", 20), airborne("C", 6000)))

	stats := e.Stats()
	assert.EqualValues(t, 2, stats.BatchesProcessed)
	assert.EqualValues(t, 3, stats.TotalAircraft)
	assert.EqualValues(t, 2, stats.PassedAircraft)
	assert.EqualValues(t, 1, stats.LowAltFiltered)
	assert.Equal(t, 66.7, stats.PassRate)
}

type recordingConsumer struct {
	name    string
	batches [][]types.Aircraft
	err     error
}

func (c *recordingConsumer) Name() string { return c.name }

func (c *recordingConsumer) Consume(batch []types.Aircraft) error {
	c.batches = append(c.batches, batch)
	return c.err
}

func TestConsumersInvokedInRegistrationOrder(t *testing.T) {
	e := newEngine()

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		e.Register(consumerFunc{name: name, fn: func([]types.Aircraft) error {
			order = append(order, name)
			return nil
		}})
	}

	e.Apply(batch(airborne("A", 5000)))
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestConsumerErrorIsolated(t *testing.T) {
	e := newEngine()

	failing := &recordingConsumer{name: "failing", err: errors.New("sink unavailable")}
	healthy := &recordingConsumer{name: "healthy"}
	e.Register(failing)
	e.Register(healthy)

	accepted := e.Apply(batch(airborne("A", 5000)))
	require.Len(t, accepted, 1)
	assert.Len(t, failing.batches, 1)
	assert.Len(t, healthy.batches, 1)
}

func TestConsumersSkippedForEmptyAcceptedSet(t *testing.T) {
	e := newEngine()

	c := &recordingConsumer{name: "sink"}
	e.Register(c)

	e.Apply(batch(airborne("A", 10001)))
	assert.Empty(t, c.batches)
}

func TestUpdateThresholdsMergesPartialChange(t *testing.T) {
	e := newEngine()

	min := 500
	current := e.UpdateThresholds(Update{MinAltitude: &min})
	assert.Equal(t, Thresholds{MinAltitude: 500, MaxAltitude: 10000}, current)

	// Record at 300ft was admissible before the update, not after.
	accepted := e.Apply(batch(airborne("A", 300)))
	assert.Empty(t, accepted)
	assert.EqualValues(t, 1, e.Stats().LowAltFiltered)

	max := 45000
	current = e.UpdateThresholds(Update{MaxAltitude: &max})
	assert.Equal(t, Thresholds{MinAltitude: 500, MaxAltitude: 45000}, current)
}

// consumerFunc adapts a function to the Consumer interface.
type consumerFunc struct {
	name string
	fn   func([]types.Aircraft) error
}

func (c consumerFunc) Name() string                     { return c.name }
func (c consumerFunc) Consume(b []types.Aircraft) error { return c.fn(b) }
