package feed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AdamNotts/planefinder-kml/filter"
	"github.com/AdamNotts/planefinder-kml/framing"
	"github.com/AdamNotts/planefinder-kml/trackstore"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Host = "firehose.test"
	cfg.Username = "user"
	cfg.Password = "secret"
	cfg.ReconnectDelay = 50 * time.Millisecond
	cfg.ReadTimeout = 200 * time.Millisecond
	return cfg
}

// newTestSession wires a session to a fake dial backed by net.Pipe. Each
// dial hands the server end to the returned channel.
func newTestSession(t *testing.T, engine *filter.Engine) (*Session, chan net.Conn) {
	t.Helper()

	s := New(Deps{
		Config: testConfig(),
		Engine: engine,
	})
	require.NoError(t, s.Initialize())

	serverConns := make(chan net.Conn, 4)
	s.dial = func(ctx context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		serverConns <- server
		return client, nil
	}
	return s, serverConns
}

// gzipJSON compresses a JSON document the way the firehose does.
func gzipJSON(t *testing.T, doc string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(doc))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// readAuthLine consumes the newline-terminated credential message and
// verifies its contents.
func readAuthLine(t *testing.T, conn net.Conn) {
	t.Helper()
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	require.NoError(t, err)

	var creds credentials
	require.NoError(t, json.Unmarshal(line, &creds))
	assert.Equal(t, "user", creds.Username)
	assert.Equal(t, "secret", creds.Password)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing host", func(c *Config) { c.Host = "" }, true},
		{"bad port", func(c *Config) { c.Port = 0 }, true},
		{"port too high", func(c *Config) { c.Port = 70000 }, true},
		{"missing username", func(c *Config) { c.Username = "" }, true},
		{"missing password", func(c *Config) { c.Password = "" }, true},
		{"zero reconnect delay", func(c *Config) { c.ReconnectDelay = 0 }, true},
		{"zero read timeout", func(c *Config) { c.ReadTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "authenticating", StateAuthenticating.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestInitializeRequiresEngine(t *testing.T) {
	s := New(Deps{Config: testConfig()})
	assert.Error(t, s.Initialize())
}

func TestSessionSendsCredentials(t *testing.T) {
	engine := filter.New(filter.Deps{Thresholds: filter.DefaultThresholds()})
	s, serverConns := newTestSession(t, engine)

	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(time.Second) }()

	server := <-serverConns
	readAuthLine(t, server)

	assert.Eventually(t, s.Connected, time.Second, 10*time.Millisecond)
}

func TestSessionPipelineEndToEnd(t *testing.T) {
	store := trackstore.New(trackstore.Config{
		PersistenceWindow: 300 * time.Millisecond,
		RefreshInterval:   50 * time.Millisecond,
	})
	engine := filter.New(filter.Deps{Thresholds: filter.DefaultThresholds()})
	engine.Register(store)

	s, serverConns := newTestSession(t, engine)
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(time.Second) }()

	server := <-serverConns
	readAuthLine(t, server)

	doc := `{"AC1":{"lat":51.5,"lon":-0.1,"altitude":5000,"is_on_ground":false}}`
	frame := framing.Stuff(gzipJSON(t, doc))
	_, err := server.Write(frame)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return store.Count() == 1 },
		time.Second, 10*time.Millisecond)

	snapshot := store.Snapshot()
	require.Len(t, snapshot, 1)
	entry := snapshot[0]
	assert.Equal(t, "AC1", entry.Aircraft.AdsHex)
	require.NotNil(t, entry.Aircraft.Altitude)
	assert.Equal(t, 5000, *entry.Aircraft.Altitude)
	assert.Less(t, entry.Age, 200*time.Millisecond)

	status := s.Status()
	assert.Equal(t, int64(1), status.FramesProcessed)
	assert.Positive(t, status.BytesReceived)

	// The track expires once nothing refreshes it within the window.
	require.Eventually(t, func() bool { return len(store.Snapshot()) == 0 },
		time.Second, 10*time.Millisecond)
}

func TestSessionSplitFrameAcrossWrites(t *testing.T) {
	store := trackstore.New(trackstore.DefaultConfig())
	engine := filter.New(filter.Deps{Thresholds: filter.DefaultThresholds()})
	engine.Register(store)

	s, serverConns := newTestSession(t, engine)
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(time.Second) }()

	server := <-serverConns
	readAuthLine(t, server)

	doc := `{"AC2":{"lat":48.8,"lon":2.3,"altitude":7000,"is_on_ground":false}}`
	frame := framing.Stuff(gzipJSON(t, doc))
	mid := len(frame) / 2

	_, err := server.Write(frame[:mid])
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = server.Write(frame[mid:])
	require.NoError(t, err)

	require.Eventually(t, func() bool { return store.Count() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestSessionCountsDecodeErrors(t *testing.T) {
	engine := filter.New(filter.Deps{Thresholds: filter.DefaultThresholds()})
	s, serverConns := newTestSession(t, engine)
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(time.Second) }()

	server := <-serverConns
	readAuthLine(t, server)

	// Plain-text frame that is neither gzip nor valid JSON.
	_, err := server.Write(framing.Stuff([]byte("not json")))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.Status().DecodeErrors == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSessionReconnectsAfterClose(t *testing.T) {
	engine := filter.New(filter.Deps{Thresholds: filter.DefaultThresholds()})
	s, serverConns := newTestSession(t, engine)
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(time.Second) }()

	first := <-serverConns
	readAuthLine(t, first)
	require.NoError(t, first.Close())

	// A second dial proves the fixed-delay reconnect loop fired.
	select {
	case second := <-serverConns:
		readAuthLine(t, second)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not reconnect")
	}

	assert.GreaterOrEqual(t, s.Status().Reconnects, int64(1))
}

func TestSessionStopsPromptly(t *testing.T) {
	engine := filter.New(filter.Deps{Thresholds: filter.DefaultThresholds()})
	s, serverConns := newTestSession(t, engine)
	require.NoError(t, s.Start(context.Background()))

	server := <-serverConns
	readAuthLine(t, server)
	assert.Eventually(t, s.Connected, time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, s.Stop(2*time.Second))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateStopped, s.State())

	// Stop on a stopped session is a no-op.
	assert.NoError(t, s.Stop(time.Second))
}

func TestSessionStopsOnContextCancel(t *testing.T) {
	engine := filter.New(filter.Deps{Thresholds: filter.DefaultThresholds()})
	s, serverConns := newTestSession(t, engine)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	server := <-serverConns
	readAuthLine(t, server)

	cancel()
	_ = server.Close()

	require.Eventually(t, func() bool {
		return s.State() == StateStopped
	}, 2*time.Second, 10*time.Millisecond)

	_ = s.Stop(time.Second)
}

func TestSessionDialFailureRetries(t *testing.T) {
	engine := filter.New(filter.Deps{Thresholds: filter.DefaultThresholds()})
	s := New(Deps{Config: testConfig(), Engine: engine})
	require.NoError(t, s.Initialize())

	var attempts atomic.Int64
	s.dial = func(ctx context.Context) (net.Conn, error) {
		attempts.Add(1)
		return nil, net.ErrClosed
	}

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return attempts.Load() >= 3 },
		2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop(time.Second))
}
