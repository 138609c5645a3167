// Package natspub publishes accepted aircraft batches to a NATS subject.
// It registers as a filter consumer and decouples the broker from the
// ingestion path with a small drop-oldest queue: a slow or unreachable
// broker loses the oldest batches rather than stalling the feed.
package natspub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/AdamNotts/planefinder-kml/errors"
	"github.com/AdamNotts/planefinder-kml/filter"
	"github.com/AdamNotts/planefinder-kml/metric"
	"github.com/AdamNotts/planefinder-kml/pkg/retry"
	"github.com/AdamNotts/planefinder-kml/types"
)

// Ensure the publisher can be registered as a filter consumer.
var _ filter.Consumer = (*Publisher)(nil)

// conn is the subset of *nats.Conn the publisher uses; tests substitute a
// fake.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
	IsConnected() bool
}

// Config holds the NATS publisher settings.
type Config struct {
	URLs          []string
	Subject       string
	Username      string
	Password      string
	Token         string
	MaxReconnects int
	ReconnectWait time.Duration
	// QueueSize bounds how many batches may wait for the broker. Zero
	// uses the default.
	QueueSize int
}

// Validate checks the publisher configuration.
func (c Config) Validate() error {
	if len(c.URLs) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"natspub", "Validate", "urls validation")
	}
	if c.Subject == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"natspub", "Validate", "subject validation")
	}
	return nil
}

// message is the wire envelope published per accepted batch.
type message struct {
	Time     time.Time        `json:"time"`
	Count    int              `json:"count"`
	Aircraft []types.Aircraft `json:"aircraft"`
}

// Deps holds runtime dependencies for the publisher.
type Deps struct {
	Config          Config
	MetricsRegistry *metric.MetricsRegistry // nil disables metrics
	Logger          *slog.Logger
}

// Publisher is a filter consumer that forwards accepted batches to NATS.
type Publisher struct {
	cfg     Config
	logger  *slog.Logger
	metrics *publisherMetrics

	// connect opens the broker connection; replaced by tests.
	connect func() (conn, error)

	queue chan []byte

	running  atomic.Bool
	shutdown chan struct{}
	done     chan struct{}

	mu sync.Mutex
	nc conn

	published atomic.Int64
	dropped   atomic.Int64
	failures  atomic.Int64
}

// New creates a publisher. Call Initialize before Start.
func New(deps Deps) *Publisher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "natspub")
	}

	queueSize := deps.Config.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	p := &Publisher{
		cfg:     deps.Config,
		logger:  logger,
		metrics: newPublisherMetrics(deps.MetricsRegistry),
		queue:   make(chan []byte, queueSize),
	}
	p.connect = p.dialNATS
	return p
}

// Initialize validates the configuration.
func (p *Publisher) Initialize() error {
	return p.cfg.Validate()
}

// Start connects to the broker and begins draining the publish queue.
func (p *Publisher) Start(ctx context.Context) error {
	if p.running.Swap(true) {
		return nil
	}

	nc, err := p.connect()
	if err != nil {
		p.running.Store(false)
		return errors.WrapTransient(err, "natspub", "Start", "broker connect")
	}

	p.mu.Lock()
	p.nc = nc
	p.mu.Unlock()

	p.shutdown = make(chan struct{})
	p.done = make(chan struct{})
	go p.publishLoop(ctx)

	p.logger.Info("publishing accepted batches",
		"subject", p.cfg.Subject,
		"urls", p.cfg.URLs)
	return nil
}

// Stop drains the queue and closes the broker connection.
func (p *Publisher) Stop(timeout time.Duration) error {
	if !p.running.Swap(false) {
		return nil
	}

	close(p.shutdown)

	select {
	case <-p.done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"natspub", "Stop", "graceful shutdown")
	}

	p.mu.Lock()
	nc := p.nc
	p.nc = nil
	p.mu.Unlock()

	if nc != nil {
		if err := nc.Drain(); err != nil {
			p.logger.Warn("broker drain failed", "error", err)
		}
	}
	return nil
}

// Name implements filter.Consumer.
func (p *Publisher) Name() string {
	return "natspub"
}

// Consume implements filter.Consumer. The batch is enveloped and queued;
// when the queue is full the oldest waiting batch is discarded first.
func (p *Publisher) Consume(batch []types.Aircraft) error {
	data, err := json.Marshal(message{
		Time:     time.Now().UTC(),
		Count:    len(batch),
		Aircraft: batch,
	})
	if err != nil {
		return errors.WrapInvalid(err, "natspub", "Consume", "envelope encoding")
	}

	select {
	case p.queue <- data:
		return nil
	default:
	}

	// Full queue: evict the oldest entry to make room for the newest.
	select {
	case <-p.queue:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
	default:
	}
	select {
	case p.queue <- data:
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
	}
	return nil
}

// Published returns the number of batches delivered to the broker.
func (p *Publisher) Published() int64 {
	return p.published.Load()
}

// Dropped returns the number of batches discarded due to backpressure.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// publishLoop drains the queue, retrying transient publish failures with
// backoff before giving a batch up.
func (p *Publisher) publishLoop(ctx context.Context) {
	defer close(p.done)

	retryCfg := retry.DefaultConfig()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			p.drainRemaining()
			return
		case data := <-p.queue:
			p.publish(ctx, retryCfg, data)
		}
	}
}

// drainRemaining makes one delivery attempt per queued batch during
// shutdown.
func (p *Publisher) drainRemaining() {
	for {
		select {
		case data := <-p.queue:
			p.publish(context.Background(), retry.Config{MaxAttempts: 1}, data)
		default:
			return
		}
	}
}

func (p *Publisher) publish(ctx context.Context, retryCfg retry.Config, data []byte) {
	p.mu.Lock()
	nc := p.nc
	p.mu.Unlock()
	if nc == nil {
		return
	}

	err := retry.Do(ctx, retryCfg, func() error {
		return nc.Publish(p.cfg.Subject, data)
	})
	if err != nil {
		p.failures.Add(1)
		if p.metrics != nil {
			p.metrics.failures.Inc()
		}
		p.logger.Warn("batch publish failed",
			"subject", p.cfg.Subject,
			"bytes", len(data),
			"error", err)
		return
	}

	p.published.Add(1)
	if p.metrics != nil {
		p.metrics.published.Inc()
	}
}

// dialNATS opens the real broker connection.
func (p *Publisher) dialNATS() (conn, error) {
	opts := []nats.Option{
		nats.Name("planefinder"),
		nats.MaxReconnects(p.cfg.MaxReconnects),
		nats.ReconnectWait(p.cfg.ReconnectWait),
	}
	if p.cfg.Username != "" {
		opts = append(opts, nats.UserInfo(p.cfg.Username, p.cfg.Password))
	}
	if p.cfg.Token != "" {
		opts = append(opts, nats.Token(p.cfg.Token))
	}

	return nats.Connect(strings.Join(p.cfg.URLs, ","), opts...)
}
