// Package feed implements the firehose client session: TLS connection,
// credential handshake, the bounded-timeout read loop, and unbounded
// reconnection. Bytes flow through the framing codec, the payload decoder,
// and the filter engine synchronously before the next read is issued, so a
// slow downstream consumer backpressures the socket rather than a queue.
package feed

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AdamNotts/planefinder-kml/decode"
	"github.com/AdamNotts/planefinder-kml/errors"
	"github.com/AdamNotts/planefinder-kml/filter"
	"github.com/AdamNotts/planefinder-kml/framing"
	"github.com/AdamNotts/planefinder-kml/metric"
	"github.com/AdamNotts/planefinder-kml/pkg/tlsutil"
)

// State represents the session's connection lifecycle state.
type State int32

const (
	// StateDisconnected indicates no transport is open.
	StateDisconnected State = iota
	// StateConnecting indicates a dial is in progress.
	StateConnecting
	// StateAuthenticating indicates the credential message is being sent.
	StateAuthenticating
	// StateStreaming indicates frames are being read and processed.
	StateStreaming
	// StateStopped is terminal; a stopped session is never restarted.
	StateStopped
)

// String returns a string representation of the session state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config holds the connection parameters for the firehose session.
type Config struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`

	// ReconnectDelay is the fixed pause between connection attempts. There
	// is no backoff and no retry limit; the protocol expects clients to
	// reconnect forever.
	ReconnectDelay time.Duration `json:"-" yaml:"-"`
	// ReadTimeout bounds each blocking socket read. Timeouts with no data
	// are not errors; they bound how promptly a stop request is observed.
	ReadTimeout time.Duration `json:"-" yaml:"-"`
	// DialTimeout bounds the TCP/TLS connection establishment.
	DialTimeout time.Duration `json:"-" yaml:"-"`

	TLS tlsutil.ClientConfig `json:"tls" yaml:"tls"`
}

// DefaultConfig returns the connection defaults for the public firehose
// endpoint.
func DefaultConfig() Config {
	return Config{
		Port:           5555,
		ReconnectDelay: 5 * time.Second,
		ReadTimeout:    30 * time.Second,
		DialTimeout:    10 * time.Second,
	}
}

// Validate implements basic sanity checks on the session configuration.
func (c Config) Validate() error {
	if c.Host == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"session", "Validate", "host validation")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("invalid port %d", c.Port),
			"session", "Validate", "port validation")
	}
	if c.Username == "" || c.Password == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"session", "Validate", "credentials validation")
	}
	if c.ReconnectDelay <= 0 || c.ReadTimeout <= 0 {
		return errors.WrapInvalid(fmt.Errorf("non-positive timing values"),
			"session", "Validate", "timing validation")
	}
	return nil
}

// credentials is the one-shot authentication message, sent newline-terminated
// as the first bytes on every connection. The protocol gives no explicit
// accept/reject signal; a bad credential surfaces as a connection close.
type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Deps holds runtime dependencies for the session.
type Deps struct {
	Config          Config
	Engine          *filter.Engine          // Downstream of the decoder; required
	MetricsRegistry *metric.MetricsRegistry // nil disables metrics
	Logger          *slog.Logger
}

// Session owns the firehose connection and drives the ingestion pipeline on
// one background goroutine. It is the only component touching the network.
type Session struct {
	cfg     Config
	decoder *decode.Decoder
	engine  *filter.Engine
	logger  *slog.Logger
	metrics *sessionMetrics

	// dial opens the transport; replaced by tests to avoid real sockets.
	dial func(ctx context.Context) (net.Conn, error)

	tlsConfig *tls.Config

	state    atomic.Int32
	running  atomic.Bool
	shutdown chan struct{}
	done     chan struct{}

	mu   sync.Mutex
	conn net.Conn

	bytesReceived   atomic.Int64
	framesProcessed atomic.Int64
	decodeErrors    atomic.Int64
	reconnects      atomic.Int64
	lastActivity    atomic.Value // stores time.Time
}

// New creates a session. Call Initialize before Start.
func New(deps Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "session")
	}

	s := &Session{
		cfg:     deps.Config,
		decoder: decode.New(),
		engine:  deps.Engine,
		logger:  logger,
		metrics: newSessionMetrics(deps.MetricsRegistry),
	}
	s.dial = s.dialTLS
	s.lastActivity.Store(time.Time{})
	return s
}

// Initialize validates the configuration and prepares the TLS client config.
func (s *Session) Initialize() error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if s.engine == nil {
		return errors.WrapInvalid(fmt.Errorf("nil filter engine"),
			"session", "Initialize", "engine validation")
	}

	tlsConfig, err := tlsutil.LoadClientTLSConfig(s.cfg.TLS)
	if err != nil {
		return err
	}
	tlsConfig.ServerName = s.cfg.Host
	s.tlsConfig = tlsConfig
	return nil
}

// Start begins the connect/read/decode loop on a background goroutine.
// It is idempotent while running.
func (s *Session) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return nil
	}

	s.shutdown = make(chan struct{})
	s.done = make(chan struct{})

	go s.run(ctx)
	return nil
}

// Stop requests termination and waits for the loop to exit. The request is
// observed at the next loop or read-timeout boundary; closing the transport
// unblocks a pending read immediately.
func (s *Session) Stop(timeout time.Duration) error {
	if !s.running.Swap(false) {
		return nil
	}

	close(s.shutdown)
	s.closeConn()

	select {
	case <-s.done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"session", "Stop", "graceful shutdown")
	}
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Connected reports whether the session is currently streaming.
func (s *Session) Connected() bool {
	return s.State() == StateStreaming
}

// Status is a read-only copy of the session's counters and connectivity.
type Status struct {
	State           string    `json:"state"`
	Connected       bool      `json:"connected"`
	BytesReceived   int64     `json:"bytes_received"`
	FramesProcessed int64     `json:"frames_processed"`
	DecodeErrors    int64     `json:"decode_errors"`
	Reconnects      int64     `json:"reconnects"`
	LastActivity    time.Time `json:"last_activity"`
}

// Status returns a copy of the session's introspection counters.
func (s *Session) Status() Status {
	lastActivity, _ := s.lastActivity.Load().(time.Time)
	return Status{
		State:           s.State().String(),
		Connected:       s.Connected(),
		BytesReceived:   s.bytesReceived.Load(),
		FramesProcessed: s.framesProcessed.Load(),
		DecodeErrors:    s.decodeErrors.Load(),
		Reconnects:      s.reconnects.Load(),
		LastActivity:    lastActivity,
	}
}

// run drives connection attempts until stopped. Reconnection is unbounded
// with a fixed inter-attempt delay.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.setState(StateStopped)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		default:
		}

		err := s.connectAndStream(ctx)
		s.setState(StateDisconnected)
		if s.metrics != nil {
			s.metrics.connected.Set(0)
		}

		if err != nil && !s.stopping(ctx) {
			s.logger.Warn("connection lost",
				"error", err,
				"reconnect_delay", s.cfg.ReconnectDelay)
		}

		timer := time.NewTimer(s.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.shutdown:
			timer.Stop()
			return
		case <-timer.C:
		}
		s.reconnects.Add(1)
		if s.metrics != nil {
			s.metrics.reconnects.Inc()
		}
	}
}

// connectAndStream performs one full connection cycle: dial, authenticate,
// then read frames until the transport fails or a stop is requested.
func (s *Session) connectAndStream(ctx context.Context) error {
	attemptID := uuid.NewString()[:8]
	logger := s.logger.With("attempt", attemptID)

	s.setState(StateConnecting)
	conn, err := s.dial(ctx)
	if err != nil {
		return errors.WrapTransient(err, "session", "connectAndStream", "dial")
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer s.closeConn()

	s.setState(StateAuthenticating)
	if err := s.authenticate(conn); err != nil {
		return err
	}

	s.setState(StateStreaming)
	if s.metrics != nil {
		s.metrics.connected.Set(1)
	}
	logger.Info("streaming from firehose",
		"host", s.cfg.Host,
		"port", s.cfg.Port)

	return s.readLoop(ctx, conn, logger)
}

// dialTLS opens the TLS transport to the configured endpoint.
func (s *Session) dialTLS(ctx context.Context) (net.Conn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: s.cfg.DialTimeout},
		Config:    s.tlsConfig,
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	return dialer.DialContext(ctx, "tcp", addr)
}

// authenticate sends the one-shot newline-terminated credential message.
func (s *Session) authenticate(conn net.Conn) error {
	payload, err := json.Marshal(credentials{
		Username: s.cfg.Username,
		Password: s.cfg.Password,
	})
	if err != nil {
		return errors.WrapInvalid(err, "session", "authenticate", "credential encoding")
	}
	payload = append(payload, '\n')

	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout))
	if _, err := conn.Write(payload); err != nil {
		return errors.WrapTransient(err, "session", "authenticate", "credential send")
	}
	return nil
}

// readLoop reads the socket with a bounded timeout, reassembles frames
// across reads, and pushes each frame through the pipeline before the next
// read is issued. A nil return means a stop was requested.
func (s *Session) readLoop(ctx context.Context, conn net.Conn, logger *slog.Logger) error {
	readBuf := make([]byte, 8192)
	var pending []byte

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.shutdown:
			return nil
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		n, err := conn.Read(readBuf)
		if n > 0 {
			s.bytesReceived.Add(int64(n))
			s.lastActivity.Store(time.Now())
			if s.metrics != nil {
				s.metrics.bytesReceived.Add(float64(n))
			}

			pending = append(pending, readBuf[:n]...)
			var frames [][]byte
			frames, pending = framing.Extract(pending)
			for _, frame := range frames {
				s.handleFrame(frame, logger)
			}
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				// No data within the read timeout; not an error.
				continue
			}
			if !s.running.Load() {
				return nil
			}
			return errors.WrapTransient(err, "session", "readLoop", "socket read")
		}
	}
}

// handleFrame runs one frame through decode and filtering. Decode failures
// are scoped to the frame.
func (s *Session) handleFrame(frame []byte, logger *slog.Logger) {
	s.framesProcessed.Add(1)
	if s.metrics != nil {
		s.metrics.framesProcessed.Inc()
	}

	records, err := s.decoder.Decode(frame)
	if err != nil {
		s.decodeErrors.Add(1)
		if s.metrics != nil {
			s.metrics.decodeErrors.Inc()
		}
		logger.Debug("frame dropped", "frame_bytes", len(frame), "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	s.engine.Apply(records)
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

// stopping reports whether a stop has been requested via either channel.
func (s *Session) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

func (s *Session) closeConn() {
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
}
