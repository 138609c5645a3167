// Package main implements the planefinder feed daemon. It connects to the
// firehose, runs decoded aircraft batches through the altitude filter into
// the live track cache, and serves the status API plus any enabled outputs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/AdamNotts/planefinder-kml/config"
	"github.com/AdamNotts/planefinder-kml/feed"
	"github.com/AdamNotts/planefinder-kml/filter"
	"github.com/AdamNotts/planefinder-kml/metric"
	"github.com/AdamNotts/planefinder-kml/output/natspub"
	"github.com/AdamNotts/planefinder-kml/output/wsfeed"
	"github.com/AdamNotts/planefinder-kml/statusapi"
	"github.com/AdamNotts/planefinder-kml/trackstore"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "planefinder"
)

// statusLogInterval is the cadence of the periodic pipeline summary log.
const statusLogInterval = 15 * time.Second

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

// component is the shared lifecycle shape of everything main starts.
type component interface {
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

func run() error {
	cliCfg := parseFlags()

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printHelp()
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	// CLI flags win over file and environment for logging.
	if cliCfg.LogLevel != "" {
		cfg.Logging.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Logging.Format = cliCfg.LogFormat
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		logger.Info("configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	logger.Info("starting feed daemon",
		"host", cfg.Feed.Host,
		"port", cfg.Feed.Port,
		"min_altitude", cfg.Filter.MinAltitude,
		"max_altitude", cfg.Filter.MaxAltitude,
		"persistence_window", cfg.Tracks.PersistenceWindow.Std())

	var registry *metric.MetricsRegistry
	if cfg.Outputs.MetricsAddr != "" {
		registry = metric.NewMetricsRegistry()
	}

	engine := filter.New(filter.Deps{
		Thresholds:      cfg.Filter,
		MetricsRegistry: registry,
		Logger:          logger.With("component", "filter"),
	})

	storeOpts := []trackstore.Option{
		trackstore.WithLogger(logger.With("component", "trackstore")),
	}
	if registry != nil {
		storeOpts = append(storeOpts, trackstore.WithMetrics(registry))
	}
	store := trackstore.New(cfg.TrackStore(), storeOpts...)
	engine.Register(store)

	var components []component

	if cfg.Outputs.NATS.Enabled {
		publisher := natspub.New(natspub.Deps{
			Config: natspub.Config{
				URLs:          cfg.Outputs.NATS.URLs,
				Subject:       cfg.Outputs.NATS.Subject,
				Username:      cfg.Outputs.NATS.Username,
				Password:      cfg.Outputs.NATS.Password,
				Token:         cfg.Outputs.NATS.Token,
				MaxReconnects: cfg.Outputs.NATS.MaxReconnects,
				ReconnectWait: cfg.Outputs.NATS.ReconnectWait.Std(),
			},
			MetricsRegistry: registry,
			Logger:          logger.With("component", "natspub"),
		})
		engine.Register(publisher)
		components = append(components, publisher)
	}

	if cfg.Outputs.WebSocket.Enabled {
		feedServer := wsfeed.New(wsfeed.Deps{
			Config: wsfeed.Config{
				Addr:        cfg.Outputs.WebSocket.Addr,
				Path:        cfg.Outputs.WebSocket.Path,
				ClientQueue: cfg.Outputs.WebSocket.ClientQueue,
			},
			MetricsRegistry: registry,
			Logger:          logger.With("component", "wsfeed"),
		})
		engine.Register(feedServer)
		components = append(components, feedServer)
	}

	session := feed.New(feed.Deps{
		Config:          cfg.Session(),
		Engine:          engine,
		MetricsRegistry: registry,
		Logger:          logger.With("component", "session"),
	})
	components = append(components, session)

	if cfg.Outputs.StatusAddr != "" {
		api := statusapi.New(statusapi.Deps{
			Addr:   cfg.Outputs.StatusAddr,
			Feed:   session,
			Engine: engine,
			Store:  store,
			Logger: logger.With("component", "statusapi"),
		})
		components = append(components, api)
	}

	for _, c := range components {
		if err := c.Initialize(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var started []component
	for _, c := range components {
		if err := c.Start(ctx); err != nil {
			stopAll(started, cliCfg.ShutdownTimeout, logger)
			return err
		}
		started = append(started, c)
	}

	var metricsServer *metric.Server
	if registry != nil {
		metricsServer = metric.NewServer(cfg.Outputs.MetricsAddr, "/metrics", registry)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("metrics listening", "addr", cfg.Outputs.MetricsAddr)
	}

	waitForShutdown(ctx, logger, session, engine, store)

	cancel()
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Warn("metrics server stop failed", "error", err)
		}
	}
	stopAll(started, cliCfg.ShutdownTimeout, logger)

	logger.Info("shutdown complete")
	return nil
}

// waitForShutdown blocks until a termination signal, logging a pipeline
// summary on a fixed cadence while it waits.
func waitForShutdown(
	ctx context.Context,
	logger *slog.Logger,
	session *feed.Session,
	engine *filter.Engine,
	store *trackstore.Store,
) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(statusLogInterval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := engine.Stats()
			status := session.Status()
			logger.Info("pipeline status",
				"state", status.State,
				"bytes_received", status.BytesReceived,
				"frames_processed", status.FramesProcessed,
				"payloads_processed", stats.BatchesProcessed,
				"total_aircraft", stats.TotalAircraft,
				"filtered_aircraft", stats.PassedAircraft,
				"filter_pass_rate", stats.PassRate,
				"live_tracks", store.Count())
		}
	}
}

// stopAll stops components in reverse start order.
func stopAll(components []component, timeout time.Duration, logger *slog.Logger) {
	for i := len(components) - 1; i >= 0; i-- {
		if err := components[i].Stop(timeout); err != nil {
			logger.Warn("component stop failed", "error", err)
		}
	}
}
