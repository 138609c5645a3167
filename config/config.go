// Package config loads the application configuration from JSON or YAML
// files, applies environment overrides, and hands each component its
// runtime settings. Defaults match the public firehose deployment; a file
// only needs to name the fields it changes.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AdamNotts/planefinder-kml/errors"
	"github.com/AdamNotts/planefinder-kml/feed"
	"github.com/AdamNotts/planefinder-kml/filter"
	"github.com/AdamNotts/planefinder-kml/pkg/tlsutil"
	"github.com/AdamNotts/planefinder-kml/trackstore"
)

// EnvPrefix prefixes every environment override, e.g. PLANEFINDER_USERNAME.
const EnvPrefix = "PLANEFINDER"

// Duration is a time.Duration that unmarshals from human-readable strings
// ("5s", "1m30s") in both JSON and YAML, and from bare numbers as
// nanoseconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts either a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var v any
	if err := value.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val))
	case int:
		*d = Duration(time.Duration(val))
	case int64:
		*d = Duration(time.Duration(val))
	default:
		return fmt.Errorf("invalid duration value %v (%T)", v, v)
	}
	return nil
}

// Config is the complete application configuration.
type Config struct {
	Feed    FeedConfig        `json:"feed" yaml:"feed"`
	Filter  filter.Thresholds `json:"filter" yaml:"filter"`
	Tracks  TracksConfig      `json:"tracks" yaml:"tracks"`
	Outputs OutputsConfig     `json:"outputs" yaml:"outputs"`
	Logging LoggingConfig     `json:"logging" yaml:"logging"`
}

// FeedConfig holds the firehose connection settings.
type FeedConfig struct {
	Host           string               `json:"host" yaml:"host"`
	Port           int                  `json:"port" yaml:"port"`
	Username       string               `json:"username" yaml:"username"`
	Password       string               `json:"password" yaml:"password"`
	ReconnectDelay Duration             `json:"reconnect_delay" yaml:"reconnect_delay"`
	SocketTimeout  Duration             `json:"socket_timeout" yaml:"socket_timeout"`
	DialTimeout    Duration             `json:"dial_timeout" yaml:"dial_timeout"`
	TLS            tlsutil.ClientConfig `json:"tls" yaml:"tls"`
}

// TracksConfig holds the track cache persistence settings.
type TracksConfig struct {
	PersistenceWindow Duration `json:"persistence_window" yaml:"persistence_window"`
	RefreshInterval   Duration `json:"refresh_interval" yaml:"refresh_interval"`
}

// OutputsConfig holds the optional downstream surfaces. Each output is off
// unless enabled.
type OutputsConfig struct {
	NATS      NATSConfig      `json:"nats" yaml:"nats"`
	WebSocket WebSocketConfig `json:"websocket" yaml:"websocket"`
	// StatusAddr is the listen address for the HTTP status API. Empty
	// disables the API.
	StatusAddr string `json:"status_addr" yaml:"status_addr"`
	// MetricsAddr is the listen address for the Prometheus endpoint. Empty
	// disables metrics exposition.
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`
}

// NATSConfig holds the NATS publisher settings.
type NATSConfig struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	URLs          []string `json:"urls" yaml:"urls"`
	Subject       string   `json:"subject" yaml:"subject"`
	Username      string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string   `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string   `json:"token,omitempty" yaml:"token,omitempty"`
	MaxReconnects int      `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
}

// WebSocketConfig holds the websocket broadcast settings.
type WebSocketConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	Path    string `json:"path" yaml:"path"`
	// ClientQueue is the per-client send queue capacity. A client that
	// cannot keep up loses its oldest queued messages.
	ClientQueue int `json:"client_queue" yaml:"client_queue"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level" yaml:"level"`
	// Format is "text" or "json".
	Format string `json:"format" yaml:"format"`
}

// Default returns the configuration used when no file is supplied.
// Credentials have no default and must come from a file or the environment.
func Default() *Config {
	return &Config{
		Feed: FeedConfig{
			Host:           "firehose-test.planefinder.net",
			Port:           5555,
			ReconnectDelay: Duration(5 * time.Second),
			SocketTimeout:  Duration(30 * time.Second),
			DialTimeout:    Duration(10 * time.Second),
		},
		Filter: filter.DefaultThresholds(),
		Tracks: TracksConfig{
			PersistenceWindow: Duration(15 * time.Second),
			RefreshInterval:   Duration(time.Second),
		},
		Outputs: OutputsConfig{
			NATS: NATSConfig{
				URLs:          []string{"nats://localhost:4222"},
				Subject:       "planefinder.tracks",
				MaxReconnects: -1,
				ReconnectWait: Duration(2 * time.Second),
			},
			WebSocket: WebSocketConfig{
				Addr:        ":8081",
				Path:        "/feed",
				ClientQueue: 64,
			},
			StatusAddr:  ":8080",
			MetricsAddr: ":9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration file at path, layered over the defaults, and
// applies environment overrides. The format follows the file extension:
// .yaml/.yml parse as YAML, anything else as JSON. An empty path skips the
// file and uses defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "file read")
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, cfg)
		default:
			err = json.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "file parse")
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies PLANEFINDER_* environment variables on top of
// file values. Credentials are the common case; operators keep them out of
// config files.
func (c *Config) applyEnvOverrides() {
	if val := os.Getenv(EnvPrefix + "_HOST"); val != "" {
		c.Feed.Host = val
	}
	if val := os.Getenv(EnvPrefix + "_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Feed.Port = port
		}
	}
	if val := os.Getenv(EnvPrefix + "_USERNAME"); val != "" {
		c.Feed.Username = val
	}
	if val := os.Getenv(EnvPrefix + "_PASSWORD"); val != "" {
		c.Feed.Password = val
	}
	if val := os.Getenv(EnvPrefix + "_NATS_URLS"); val != "" {
		c.Outputs.NATS.URLs = strings.Split(val, ",")
	}
	if val := os.Getenv(EnvPrefix + "_NATS_TOKEN"); val != "" {
		c.Outputs.NATS.Token = val
	}
	if val := os.Getenv(EnvPrefix + "_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
}

// Validate checks the assembled configuration, delegating to each
// component's own validation where one exists.
func (c *Config) Validate() error {
	if err := c.Session().Validate(); err != nil {
		return err
	}
	if c.Filter.MinAltitude < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"config", "Validate", "negative min_altitude")
	}
	if c.Filter.MaxAltitude < c.Filter.MinAltitude {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"config", "Validate", "max_altitude below min_altitude")
	}
	if err := c.TrackStore().Validate(); err != nil {
		return err
	}
	if c.Outputs.NATS.Enabled {
		if len(c.Outputs.NATS.URLs) == 0 {
			return errors.WrapInvalid(errors.ErrMissingConfig,
				"config", "Validate", "nats urls required when enabled")
		}
		if c.Outputs.NATS.Subject == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig,
				"config", "Validate", "nats subject required when enabled")
		}
	}
	if c.Outputs.WebSocket.Enabled {
		if c.Outputs.WebSocket.Addr == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig,
				"config", "Validate", "websocket addr required when enabled")
		}
		if c.Outputs.WebSocket.ClientQueue <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig,
				"config", "Validate", "websocket client_queue must be positive")
		}
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"config", "Validate", fmt.Sprintf("unknown log level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"config", "Validate", fmt.Sprintf("unknown log format %q", c.Logging.Format))
	}
	return nil
}

// Session converts the feed section into the session's runtime config.
func (c *Config) Session() feed.Config {
	return feed.Config{
		Host:           c.Feed.Host,
		Port:           c.Feed.Port,
		Username:       c.Feed.Username,
		Password:       c.Feed.Password,
		ReconnectDelay: c.Feed.ReconnectDelay.Std(),
		ReadTimeout:    c.Feed.SocketTimeout.Std(),
		DialTimeout:    c.Feed.DialTimeout.Std(),
		TLS:            c.Feed.TLS,
	}
}

// TrackStore converts the tracks section into the store's runtime config.
func (c *Config) TrackStore() trackstore.Config {
	return trackstore.Config{
		PersistenceWindow: c.Tracks.PersistenceWindow.Std(),
		RefreshInterval:   c.Tracks.RefreshInterval.Std(),
	}
}

// String returns an indented JSON rendering with credentials redacted.
func (c *Config) String() string {
	redacted := *c
	if redacted.Feed.Password != "" {
		redacted.Feed.Password = "[redacted]"
	}
	if redacted.Outputs.NATS.Password != "" {
		redacted.Outputs.NATS.Password = "[redacted]"
	}
	if redacted.Outputs.NATS.Token != "" {
		redacted.Outputs.NATS.Token = "[redacted]"
	}
	data, _ := json.MarshalIndent(&redacted, "", "  ")
	return string(data)
}
