package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"drone-relay-server/cache"
	"drone-relay-server/config"
	"drone-relay-server/simulator"
	"drone-relay-server/store"
	"drone-relay-server/telemetry"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// fakeFFmpeg writes a stand-in transcoder that reports one bitrate and
// then idles until signalled.
func fakeFFmpeg(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\necho 'bitrate=1234.5kbits/s' >&2\nexec sleep 60\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake ffmpeg: %v", err)
	}
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Relay.FFmpegPath = fakeFFmpeg(t)
	cfg.Relay.MediaServerURL = "rtmp://media:1935/live"
	cfg.Relay.KillGrace = 500 * time.Millisecond
	cfg.Drone.ReconnectDelay = 50 * time.Millisecond
	cfg.Drone.MaxReconnects = 1
	return cfg
}

func newTestGPS(t *testing.T) *cache.GPSCache {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWithClient: %v", err)
	}
	return c
}

func newTestApp(t *testing.T, cfg *config.Config, records store.Store) *App {
	t.Helper()
	a, err := New(context.Background(), Options{
		Config: cfg,
		Logger: zerolog.Nop(),
		Store:  records,
		GPS:    newTestGPS(t),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func simulatorURL(t *testing.T) string {
	t.Helper()
	ts := httptest.NewServer(simulator.New(simulator.Options{
		DroneID:  "sim",
		Interval: 20 * time.Millisecond,
		Logger:   zerolog.Nop(),
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func processGone(pid int) bool {
	return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

// TestEndToEnd registers a drone over HTTP and follows its video relay and
// telemetry through to the store, the cache and a live WebSocket session.
func TestEndToEnd(t *testing.T) {
	records := store.NewMemory()
	a := newTestApp(t, testConfig(t), records)
	ts := httptest.NewServer(a.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	watcher, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial /ws: %v", err)
	}
	defer watcher.Close()
	waitFor(t, "session subscription", func() bool { return a.hub.Len() == 1 })

	body, _ := json.Marshal(map[string]string{
		"id":       "d1",
		"title":    "Survey",
		"rtmp_url": "rtmp://drone-1/live",
		"ws_url":   simulatorURL(t),
	})
	resp, err := http.Post(ts.URL+"/api/drones", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/drones: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /api/drones = %d", resp.StatusCode)
	}

	rec, ok := a.Relays().Get("d1")
	if !ok || !rec.Active || rec.PID == 0 {
		t.Fatalf("relay = %+v, %v", rec, ok)
	}
	if rec.DestinationURL != "rtmp://media:1935/live/d1" {
		t.Fatalf("relay destination = %q", rec.DestinationURL)
	}

	// The relay's bitrate line lands in the store.
	waitFor(t, "bitrate metric", func() bool {
		m, _ := records.ListMetrics(context.Background(), "d1", 0)
		return len(m) > 0
	})
	code, analytics := getJSON(t, ts.URL+"/api/drones/d1/analytics")
	if code != http.StatusOK || analytics["latest_bitrate"] != float64(1235) {
		t.Fatalf("analytics = %d %v", code, analytics)
	}

	// The drone link stores samples under the registered id.
	waitFor(t, "cached gps sample", func() bool {
		code, _ := getJSON(t, ts.URL+"/api/gps/d1")
		return code == http.StatusOK
	})

	// And the session sees them live.
	_ = watcher.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := watcher.ReadMessage()
		if err != nil {
			t.Fatalf("read session: %v", err)
		}
		m, err := telemetry.Decode(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if u, ok := m.(telemetry.GpsUpdate); ok && u.DroneID == "d1" {
			break
		}
	}

	code, conn := getJSON(t, ts.URL+"/api/drones/d1/connection")
	if code != http.StatusOK || conn["is_connected"] != true {
		t.Fatalf("connection = %d %v", code, conn)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if a.Relays().Len() != 0 || a.Launcher().Conns().Len() != 0 {
		t.Fatal("shutdown left relays or drone links behind")
	}
	waitFor(t, "relay process exit", func() bool { return processGone(rec.PID) })
}

func TestBootstrap(t *testing.T) {
	records := store.NewMemory()
	ctx := context.Background()
	simURL := simulatorURL(t)

	for _, rec := range []store.Record{
		{ID: "with-ws", RTMPURL: "rtmp://a/live", WSURL: simURL},
		{ID: "video-only", RTMPURL: "rtmp://b/live", DestinationURL: "rtmp://elsewhere/b"},
		{ID: "broken", RTMPURL: "not a url"},
	} {
		if _, err := records.AddRecord(ctx, rec); err != nil {
			t.Fatalf("AddRecord: %v", err)
		}
	}

	a := newTestApp(t, testConfig(t), records)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Shutdown(sctx)
	})

	relays, links, err := a.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if relays != 2 || links != 1 {
		t.Fatalf("Bootstrap = %d relays, %d links; want 2, 1", relays, links)
	}
	if rec, _ := a.Relays().Get("video-only"); rec.DestinationURL != "rtmp://elsewhere/b" {
		t.Fatalf("stored destination not reused: %q", rec.DestinationURL)
	}
	if rec, _ := a.Relays().Get("with-ws"); rec.DestinationURL != "rtmp://media:1935/live/with-ws" {
		t.Fatalf("default destination = %q", rec.DestinationURL)
	}
	if !a.Launcher().Conns().IsConnected("with-ws") {
		t.Fatal("drone link not launched")
	}
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	cfg := testConfig(t)

	// Reserve a port for the listener.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg.Server.Port = l.Addr().(*net.TCPAddr).Port
	l.Close()

	records := store.NewMemory()
	if _, err := records.AddRecord(context.Background(), store.Record{ID: "d1", RTMPURL: "rtmp://a/live"}); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	a := newTestApp(t, cfg, records)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	base := "http://" + cfg.Server.Addr()
	waitFor(t, "health endpoint", func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})
	waitFor(t, "bootstrap", func() bool { return a.Relays().Len() == 1 })

	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(raw), "drone_relay_relays 1") {
		t.Fatalf("metrics missing relay gauge:\n%s", raw)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if a.Relays().Len() != 0 {
		t.Fatal("relays survived Run")
	}
}
