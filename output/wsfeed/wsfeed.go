// Package wsfeed exposes accepted aircraft batches to WebSocket subscribers.
// Each accepted batch is broadcast as one JSON message. Every client gets
// its own drop-oldest send queue, so one slow subscriber only loses its own
// messages and never stalls ingestion or other clients.
package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AdamNotts/planefinder-kml/errors"
	"github.com/AdamNotts/planefinder-kml/filter"
	"github.com/AdamNotts/planefinder-kml/metric"
	"github.com/AdamNotts/planefinder-kml/pkg/buffer"
	"github.com/AdamNotts/planefinder-kml/types"
)

// Ensure the server can be registered as a filter consumer.
var _ filter.Consumer = (*Server)(nil)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	// pongWait must exceed pingInterval so a healthy client always answers
	// in time.
	pongWait = 45 * time.Second
)

// Config holds the WebSocket broadcast settings.
type Config struct {
	Addr string
	Path string
	// ClientQueue is the per-client send queue capacity.
	ClientQueue int
}

// Validate checks the server configuration.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"wsfeed", "Validate", "addr validation")
	}
	if c.ClientQueue <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"wsfeed", "Validate", "client queue validation")
	}
	return nil
}

// message is the JSON document broadcast per accepted batch.
type message struct {
	Time     time.Time        `json:"time"`
	Count    int              `json:"count"`
	Aircraft []types.Aircraft `json:"aircraft"`
}

// Deps holds runtime dependencies for the server.
type Deps struct {
	Config          Config
	MetricsRegistry *metric.MetricsRegistry // nil disables metrics
	Logger          *slog.Logger
}

// client is one connected subscriber with its private send queue.
type client struct {
	conn   *websocket.Conn
	queue  *buffer.Ring[[]byte]
	notify chan struct{}
	closed atomic.Bool
	once   sync.Once
	done   chan struct{}
}

// Server is a filter consumer that broadcasts accepted batches over
// WebSocket.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *serverMetrics

	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	clientsMu sync.Mutex
	clients   map[*client]struct{}

	running atomic.Bool
	wg      sync.WaitGroup

	broadcasts atomic.Int64
	dropped    atomic.Int64
}

// New creates a broadcast server. Call Initialize before Start.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "wsfeed")
	}

	return &Server{
		cfg:     deps.Config,
		logger:  logger,
		metrics: newServerMetrics(deps.MetricsRegistry),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The feed is read-only public data.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Initialize validates the configuration.
func (s *Server) Initialize() error {
	return s.cfg.Validate()
}

// Start binds the listen address and begins accepting subscribers.
func (s *Server) Start(_ context.Context) error {
	if s.running.Swap(true) {
		return nil
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.running.Store(false)
		return errors.WrapFatal(err, "wsfeed", "Start", "listen")
	}
	s.listener = listener

	path := s.cfg.Path
	if path == "" {
		path = "/feed"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, s.handleSubscribe)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("websocket server failed", "error", err)
		}
	}()

	s.logger.Info("websocket feed listening",
		"addr", listener.Addr().String(),
		"path", path)
	return nil
}

// Stop closes all subscriber connections and shuts the server down.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.clientsMu.Lock()
	for c := range s.clients {
		s.closeClient(c)
	}
	s.clientsMu.Unlock()

	err := s.server.Shutdown(ctx)

	waitCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-ctx.Done():
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"wsfeed", "Stop", "client shutdown")
	}

	if err != nil {
		return errors.WrapTransient(err, "wsfeed", "Stop", "server shutdown")
	}
	return nil
}

// Addr returns the bound listen address, useful when the configured port
// was 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// ClientCount returns the number of connected subscribers.
func (s *Server) ClientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

// Name implements filter.Consumer.
func (s *Server) Name() string {
	return "wsfeed"
}

// Consume implements filter.Consumer, queueing the batch to every
// connected subscriber.
func (s *Server) Consume(batch []types.Aircraft) error {
	data, err := json.Marshal(message{
		Time:     time.Now().UTC(),
		Count:    len(batch),
		Aircraft: batch,
	})
	if err != nil {
		return errors.WrapInvalid(err, "wsfeed", "Consume", "message encoding")
	}

	s.broadcasts.Add(1)
	if s.metrics != nil {
		s.metrics.broadcasts.Inc()
	}

	s.clientsMu.Lock()
	for c := range s.clients {
		if !c.queue.Push(data) {
			s.dropped.Add(1)
			if s.metrics != nil {
				s.metrics.dropped.Inc()
			}
		}
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
	s.clientsMu.Unlock()
	return nil
}

// handleSubscribe upgrades the HTTP request and services the subscriber
// until it disconnects.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade rejected", "remote", r.RemoteAddr, "error", err)
		return
	}

	queue, err := buffer.NewRing[[]byte](s.cfg.ClientQueue)
	if err != nil {
		_ = conn.Close()
		return
	}

	c := &client{
		conn:   conn,
		queue:  queue,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	connected := len(s.clients)
	s.clientsMu.Unlock()
	if s.metrics != nil {
		s.metrics.connections.Inc()
		s.metrics.clientsConnected.Set(float64(connected))
	}
	s.logger.Info("subscriber connected",
		"remote", conn.RemoteAddr().String(),
		"clients", connected)

	s.wg.Add(2)
	go s.readLoop(c)
	go s.writeLoop(c)
}

// readLoop discards inbound frames; the feed is one-way. It exists to
// service control frames and to notice the peer going away.
func (s *Server) readLoop(c *client) {
	defer s.wg.Done()
	defer s.removeClient(c)

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop drains the client's queue, interleaving pings.
func (s *Server) writeLoop(c *client) {
	defer s.wg.Done()

	pinger := time.NewTicker(pingInterval)
	defer pinger.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-pinger.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.removeClient(c)
				return
			}
		case <-c.notify:
			for {
				data, ok := c.queue.Pop()
				if !ok {
					break
				}
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					s.removeClient(c)
					return
				}
				if s.metrics != nil {
					s.metrics.messagesSent.Inc()
					s.metrics.bytesSent.Add(float64(len(data)))
				}
			}
		}
	}
}

// removeClient closes the connection and drops it from the broadcast set.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	_, present := s.clients[c]
	delete(s.clients, c)
	connected := len(s.clients)
	s.clientsMu.Unlock()

	s.closeClient(c)

	if present {
		if s.metrics != nil {
			s.metrics.clientsConnected.Set(float64(connected))
		}
		s.logger.Info("subscriber disconnected", "clients", connected)
	}
}

// closeClient closes the transport exactly once. Caller may hold clientsMu.
func (s *Server) closeClient(c *client) {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.conn.Close()
	})
}
