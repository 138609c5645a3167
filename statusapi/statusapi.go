// Package statusapi serves the operational HTTP surface: a status document
// aggregating connection, filter, and track-cache state, the live track
// snapshot, and runtime filter threshold adjustment.
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/AdamNotts/planefinder-kml/errors"
	"github.com/AdamNotts/planefinder-kml/feed"
	"github.com/AdamNotts/planefinder-kml/filter"
	"github.com/AdamNotts/planefinder-kml/trackstore"
)

// FeedReporter exposes the session's introspection counters.
type FeedReporter interface {
	Status() feed.Status
}

// Deps holds runtime dependencies for the API server.
type Deps struct {
	Addr   string
	Feed   FeedReporter      // nil leaves the connection section empty
	Engine *filter.Engine    // required
	Store  *trackstore.Store // required
	Logger *slog.Logger
}

// StatusDocument is the GET /status response body.
type StatusDocument struct {
	Connection *feed.Status      `json:"connection,omitempty"`
	Filter     filter.Stats      `json:"filter"`
	Thresholds filter.Thresholds `json:"thresholds"`
	Tracks     TracksSection     `json:"tracks"`
	UptimeSecs float64           `json:"uptime_seconds"`
}

// TracksSection summarizes the track cache in GET /status.
type TracksSection struct {
	Count             int    `json:"count"`
	Evictions         int64  `json:"evictions"`
	PersistenceWindow string `json:"persistence_window"`
	RefreshInterval   string `json:"refresh_interval"`
}

// Server is the HTTP status API.
type Server struct {
	addr   string
	feed   FeedReporter
	engine *filter.Engine
	store  *trackstore.Store
	logger *slog.Logger

	server   *http.Server
	listener net.Listener
	running  atomic.Bool
	started  time.Time
}

// New creates a status API server. Call Initialize before Start.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "statusapi")
	}

	return &Server{
		addr:   deps.Addr,
		feed:   deps.Feed,
		engine: deps.Engine,
		store:  deps.Store,
		logger: logger,
	}
}

// Initialize validates the server's dependencies.
func (s *Server) Initialize() error {
	if s.addr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"statusapi", "Initialize", "addr validation")
	}
	if s.engine == nil || s.store == nil {
		return errors.WrapInvalid(fmt.Errorf("engine and store are required"),
			"statusapi", "Initialize", "dependency validation")
	}
	return nil
}

// Start binds the listen address and serves requests on a background
// goroutine.
func (s *Server) Start(_ context.Context) error {
	if s.running.Swap(true) {
		return nil
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return errors.WrapFatal(err, "statusapi", "Start", "listen")
	}
	s.listener = listener
	s.started = time.Now()

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status api failed", "error", err)
		}
	}()

	s.logger.Info("status api listening", "addr", listener.Addr().String())
	return nil
}

// Stop shuts the server down, letting in-flight requests finish.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "statusapi", "Stop", "server shutdown")
	}
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Handler returns the API routes. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/tracks", s.handleTracks)
	mux.HandleFunc("/filters", s.handleFilters)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	doc := StatusDocument{
		Filter:     s.engine.Stats(),
		Thresholds: s.engine.Thresholds(),
		Tracks: TracksSection{
			Count:             s.store.Count(),
			Evictions:         s.store.Evictions(),
			PersistenceWindow: s.store.PersistenceWindow().String(),
			RefreshInterval:   s.store.RefreshInterval().String(),
		},
		UptimeSecs: time.Since(s.started).Seconds(),
	}
	if s.feed != nil {
		status := s.feed.Status()
		doc.Connection = &status
	}

	s.writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleTracks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot := s.store.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(snapshot),
		"tracks": snapshot,
	})
}

// handleFilters reads the active altitude band on GET and merges a partial
// update on POST. A nil field in the posted body keeps the current value.
func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, s.engine.Thresholds())
	case http.MethodPost:
		var update filter.Update
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&update); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if update.MinAltitude == nil && update.MaxAltitude == nil {
			http.Error(w, "no thresholds supplied", http.StatusBadRequest)
			return
		}

		current := s.engine.Thresholds()
		next := current
		if update.MinAltitude != nil {
			next.MinAltitude = *update.MinAltitude
		}
		if update.MaxAltitude != nil {
			next.MaxAltitude = *update.MaxAltitude
		}
		if next.MinAltitude < 0 || next.MaxAltitude < next.MinAltitude {
			http.Error(w, "invalid altitude band", http.StatusUnprocessableEntity)
			return
		}

		s.writeJSON(w, http.StatusOK, s.engine.UpdateThresholds(update))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encoding failed", "error", err)
	}
}
