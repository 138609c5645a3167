// Package trackstore maintains the time-decaying cache of live aircraft
// positions. Accepted batches are merged in by the ingestion pipeline;
// the presentation layer polls Snapshot for a consistent point-in-time
// copy. Entries that go unrefreshed past the persistence window are
// evicted on the sweep that follows every merge.
package trackstore

import (
	"log/slog"
	"sync"
	"time"

	"github.com/AdamNotts/planefinder-kml/errors"
	"github.com/AdamNotts/planefinder-kml/filter"
	"github.com/AdamNotts/planefinder-kml/types"
)

// Ensure the store can be registered as a filter consumer.
var _ filter.Consumer = (*Store)(nil)

// Entry is one live aircraft track together with its freshness.
type Entry struct {
	Aircraft types.Aircraft `json:"aircraft"`
	LastSeen time.Time      `json:"last_seen"`
	// Age is now minus LastSeen, derived at the moment the entry is copied
	// out of the store. It never exceeds the persistence window in a
	// snapshot taken after a sweep.
	Age time.Duration `json:"age"`
}

// Config holds construction parameters for the store.
type Config struct {
	// PersistenceWindow is the maximum age an unrefreshed track may reach
	// before eviction.
	PersistenceWindow time.Duration
	// RefreshInterval is the cadence downstream pollers are expected to
	// re-fetch snapshots at. The store only reports it.
	RefreshInterval time.Duration
}

// DefaultConfig returns the persistence settings used when none are
// configured.
func DefaultConfig() Config {
	return Config{
		PersistenceWindow: 15 * time.Second,
		RefreshInterval:   time.Second,
	}
}

// Validate implements basic sanity checks on the configuration.
func (c Config) Validate() error {
	if c.PersistenceWindow <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"trackstore", "Validate", "persistence window must be positive")
	}
	if c.RefreshInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"trackstore", "Validate", "refresh interval must be positive")
	}
	return nil
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithMetrics registers store metrics with the given registry.
func WithMetrics(registry metricsRegistrar) Option {
	return func(s *Store) {
		s.metrics = newStoreMetrics(registry)
	}
}

// Store is the keyed, age-tracked track cache. Update and Snapshot are
// serialized by one internal mutex so a snapshot never observes a
// partially applied merge. The mutex is held only for the in-memory
// mutation or copy, never across I/O.
type Store struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]Entry

	now     func() time.Time
	logger  *slog.Logger
	metrics *storeMetrics

	evictions int64
}

// New creates a track store. Config is validated by the caller.
func New(cfg Config, opts ...Option) *Store {
	s := &Store{
		cfg:     cfg,
		entries: make(map[string]Entry),
		now:     time.Now,
		logger:  slog.Default().With("component", "trackstore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update merges an accepted batch into the store and then sweeps expired
// entries. The last write for a given id wins; a record with an empty key
// is ignored.
func (s *Store) Update(batch []types.Aircraft) {
	s.mu.Lock()
	now := s.now()

	for _, ac := range batch {
		if ac.AdsHex == "" {
			continue
		}
		s.entries[ac.AdsHex] = Entry{Aircraft: ac, LastSeen: now}
	}

	evicted := s.sweepLocked(now)
	live := len(s.entries)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.updates.Inc()
		s.metrics.evictions.Add(float64(evicted))
		s.metrics.liveTracks.Set(float64(live))
	}
	if evicted > 0 {
		s.logger.Debug("expired tracks evicted", "evicted", evicted, "live", live)
	}
}

// sweepLocked removes every entry older than the persistence window.
// Caller holds s.mu.
func (s *Store) sweepLocked(now time.Time) int {
	evicted := 0
	for id, entry := range s.entries {
		if now.Sub(entry.LastSeen) > s.cfg.PersistenceWindow {
			delete(s.entries, id)
			evicted++
		}
	}
	s.evictions += int64(evicted)
	return evicted
}

// Snapshot returns a consistent copy of all live entries, each carrying its
// age at the moment of the call. Entries past the persistence window are
// excluded even if no sweep has run since they expired.
func (s *Store) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	snapshot := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		entry.Age = now.Sub(entry.LastSeen)
		if entry.Age > s.cfg.PersistenceWindow {
			continue
		}
		snapshot = append(snapshot, entry)
	}
	return snapshot
}

// Count returns the number of entries currently held, including any that
// expired since the last sweep.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Evictions returns the total number of entries removed so far.
func (s *Store) Evictions() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictions
}

// PersistenceWindow returns the configured maximum track age.
func (s *Store) PersistenceWindow() time.Duration {
	return s.cfg.PersistenceWindow
}

// RefreshInterval returns the poll cadence advertised to downstream readers.
func (s *Store) RefreshInterval() time.Duration {
	return s.cfg.RefreshInterval
}

// Name implements filter.Consumer.
func (s *Store) Name() string {
	return "trackstore"
}

// Consume implements filter.Consumer, merging each accepted batch.
func (s *Store) Consume(batch []types.Aircraft) error {
	s.Update(batch)
	return nil
}
