package drone

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"drone-relay-server/telemetry"
)

type memSamples struct {
	mu    sync.Mutex
	saved []telemetry.Sample
}

func (m *memSamples) SaveSample(_ context.Context, s telemetry.Sample) (telemetry.Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = fmt.Sprintf("sample-%d", len(m.saved)+1)
	m.saved = append(m.saved, s)
	return s, nil
}

func (m *memSamples) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

// newDroneServer serves a fake drone. handle receives the 1-based
// connection number.
func newDroneServer(t *testing.T, handle func(n int, w http.ResponseWriter, r *http.Request)) string {
	t.Helper()
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handle(int(count.Add(1)), w, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func upgrade(t *testing.T, w http.ResponseWriter, r *http.Request) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.Errorf("upgrade: %v", err)
		return nil
	}
	return c
}

func readInit(t *testing.T, c *websocket.Conn) InitFrame {
	t.Helper()
	var f InitFrame
	if err := c.ReadJSON(&f); err != nil {
		t.Errorf("read init: %v", err)
	}
	return f
}

func closeNormally(c *websocket.Conn) {
	_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	// Drain until the client answers the close.
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func drain(c *websocket.Conn) {
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

type transitionLog struct {
	mu    sync.Mutex
	steps []string
}

func (l *transitionLog) record(from, to State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = append(l.steps, from.String()+">"+to.String())
}

func (l *transitionLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.steps, " ")
}

func newTestWorker(url string, conns *ConnectionManager, token uint64, samples SampleStore, hub Publisher) *Worker {
	return NewWorker(WorkerConfig{
		DroneID:        "d1",
		URL:            url,
		Token:          token,
		Conns:          conns,
		Samples:        samples,
		Hub:            hub,
		ReconnectDelay: 150 * time.Millisecond,
		MaxReconnects:  3,
		DialTimeout:    2 * time.Second,
		Logger:         zerolog.Nop(),
	})
}

func runWithTimeout(t *testing.T, w *Worker, ctx context.Context) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not finish")
		return nil
	}
}

func TestWorker_GPSFramePersistsPublishesAndAcks(t *testing.T) {
	acks := make(chan AckFrame, 1)
	inits := make(chan InitFrame, 1)
	url := newDroneServer(t, func(_ int, w http.ResponseWriter, r *http.Request) {
		c := upgrade(t, w, r)
		if c == nil {
			return
		}
		defer c.Close()
		inits <- readInit(t, c)

		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"gps","latitude":55.75,"longitude":37.61,"altitude":100,"timestamp":"2024-01-01T00:00:00Z","title":"north"}`))
		var ack AckFrame
		if err := c.ReadJSON(&ack); err != nil {
			t.Errorf("read ack: %v", err)
		}
		acks <- ack
		closeNormally(c)
	})

	conns := NewConnectionManager()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	token := conns.Add("d1", cancel)

	samples := &memSamples{}
	hub := telemetry.NewHub(10, nil)
	sub := hub.Subscribe()
	defer sub.Close()

	w := newTestWorker(url, conns, token, samples, hub)
	log := &transitionLog{}
	w.onTransition = log.record

	if err := runWithTimeout(t, w, ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if init := <-inits; init.Type != FrameInit || init.DroneID != "d1" {
		t.Fatalf("init frame = %+v", init)
	}
	ack := <-acks
	if ack.Type != FrameGPSAck || ack.Status != "ok" {
		t.Fatalf("ack = %+v", ack)
	}
	if _, err := time.Parse(time.RFC3339, ack.Timestamp); err != nil {
		t.Fatalf("ack timestamp %q: %v", ack.Timestamp, err)
	}
	if samples.count() != 1 {
		t.Fatalf("persisted %d samples, want 1", samples.count())
	}

	recvCtx, recvCancel := context.WithTimeout(context.Background(), time.Second)
	defer recvCancel()
	got, err := sub.Recv(recvCtx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got.DroneID != "d1" || got.ID != "sample-1" || got.Altitude != 100 || got.Title != "north" {
		t.Fatalf("published sample = %+v", got)
	}

	if w.State() != StateClosed {
		t.Fatalf("State = %v, want closed", w.State())
	}
	want := "connecting>handshaking handshaking>streaming streaming>closed"
	if log.String() != want {
		t.Fatalf("transitions = %q, want %q", log.String(), want)
	}
	if conns.IsConnected("d1") {
		t.Fatal("closed link still registered")
	}
}

func TestWorker_GPSFrameWithLooseOptionalFields(t *testing.T) {
	acks := make(chan AckFrame, 1)
	url := newDroneServer(t, func(_ int, w http.ResponseWriter, r *http.Request) {
		c := upgrade(t, w, r)
		if c == nil {
			return
		}
		defer c.Close()
		readInit(t, c)

		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"gps","latitude":10.0,"longitude":20.0,"altitude":5.0,"timestamp":1700000000,"title":{"name":"x"}}`))
		var ack AckFrame
		if err := c.ReadJSON(&ack); err != nil {
			t.Errorf("read ack: %v", err)
		}
		acks <- ack
		closeNormally(c)
	})

	conns := NewConnectionManager()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	token := conns.Add("d1", cancel)
	samples := &memSamples{}

	w := newTestWorker(url, conns, token, samples, nil)
	if err := runWithTimeout(t, w, ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if ack := <-acks; ack.Type != FrameGPSAck || ack.Status != "ok" {
		t.Fatalf("ack = %+v", ack)
	}
	if samples.count() != 1 {
		t.Fatalf("persisted %d samples, want 1", samples.count())
	}
	samples.mu.Lock()
	got := samples.saved[0]
	samples.mu.Unlock()
	if got.Latitude != 10 || got.Longitude != 20 || got.Altitude != 5 {
		t.Fatalf("sample = %+v", got)
	}
	if got.Timestamp != "" || got.Title != "" {
		t.Fatalf("non-string optional fields kept: %+v", got)
	}
}

func TestWorker_IgnoresBadFrames(t *testing.T) {
	acks := make(chan AckFrame, 4)
	url := newDroneServer(t, func(_ int, w http.ResponseWriter, r *http.Request) {
		c := upgrade(t, w, r)
		if c == nil {
			return
		}
		defer c.Close()
		readInit(t, c)

		for _, frame := range []string{
			`not json`,
			`{"type":"battery","level":80}`,
			`{"type":"gps","latitude":1,"longitude":2}`,
			`{"type":"gps","latitude":"north","longitude":2,"altitude":3}`,
			`{"type":"gps","latitude":1,"longitude":2,"altitude":3}`,
		} {
			_ = c.WriteMessage(websocket.TextMessage, []byte(frame))
		}
		var ack AckFrame
		if err := c.ReadJSON(&ack); err == nil {
			acks <- ack
		}
		closeNormally(c)
	})

	conns := NewConnectionManager()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	samples := &memSamples{}
	w := newTestWorker(url, conns, conns.Add("d1", cancel), samples, nil)

	if err := runWithTimeout(t, w, ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(acks) != 1 {
		t.Fatalf("got %d acks, want 1", len(acks))
	}
	if samples.count() != 1 {
		t.Fatalf("persisted %d samples, want only the valid one", samples.count())
	}
}

func TestWorker_ReadErrorReconnectsAfterDelay(t *testing.T) {
	var (
		mu        sync.Mutex
		droppedAt time.Time
		redialAt  time.Time
	)
	connectedOnRedial := make(chan bool, 1)
	conns := NewConnectionManager()

	url := newDroneServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		c := upgrade(t, w, r)
		if c == nil {
			return
		}
		defer c.Close()

		switch n {
		case 1:
			readInit(t, c)
			mu.Lock()
			droppedAt = time.Now()
			mu.Unlock()
			// Drop the TCP connection without a close frame.
			_ = c.UnderlyingConn().Close()
		default:
			mu.Lock()
			redialAt = time.Now()
			mu.Unlock()
			readInit(t, c)
			connectedOnRedial <- conns.IsConnected("d1")
			closeNormally(c)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := newTestWorker(url, conns, conns.Add("d1", cancel), nil, nil)
	log := &transitionLog{}
	w.onTransition = log.record

	if err := runWithTimeout(t, w, ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	gap := redialAt.Sub(droppedAt)
	mu.Unlock()
	if gap < 150*time.Millisecond {
		t.Fatalf("redialled after %v, want at least the reconnect delay", gap)
	}
	if !<-connectedOnRedial {
		t.Fatal("worker did not re-register after reconnecting")
	}
	if !strings.Contains(log.String(), "streaming>reconnecting reconnecting>connecting") {
		t.Fatalf("transitions = %q", log.String())
	}
}

func TestWorker_FirstDialFailureIsTerminal(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	conns := NewConnectionManager()
	w := newTestWorker(url, conns, conns.Add("d1", func() {}), nil, nil)

	err := runWithTimeout(t, w, context.Background())
	var te *TransportError
	if !errors.As(err, &te) || te.DroneID != "d1" {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if w.State() != StateClosed {
		t.Fatalf("State = %v, want closed", w.State())
	}
}

func TestWorker_ReconnectsExhausted(t *testing.T) {
	url := newDroneServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if n > 1 {
			http.Error(w, "drone offline", http.StatusServiceUnavailable)
			return
		}
		c := upgrade(t, w, r)
		if c == nil {
			return
		}
		defer c.Close()
		readInit(t, c)
		_ = c.UnderlyingConn().Close()
	})

	conns := NewConnectionManager()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWorker(WorkerConfig{
		DroneID:        "d1",
		URL:            url,
		Token:          conns.Add("d1", cancel),
		Conns:          conns,
		ReconnectDelay: 10 * time.Millisecond,
		MaxReconnects:  2,
		Logger:         zerolog.Nop(),
	})

	if err := runWithTimeout(t, w, ctx); !errors.Is(err, ErrReconnectsExhausted) {
		t.Fatalf("expected ErrReconnectsExhausted, got %v", err)
	}
	if conns.IsConnected("d1") || conns.IsReconnecting("d1") {
		t.Fatal("exhausted worker still registered")
	}
}

func TestWorker_CancelStopsStreaming(t *testing.T) {
	connected := make(chan struct{})
	url := newDroneServer(t, func(_ int, w http.ResponseWriter, r *http.Request) {
		c := upgrade(t, w, r)
		if c == nil {
			return
		}
		defer c.Close()
		readInit(t, c)
		close(connected)
		drain(c)
	})

	conns := NewConnectionManager()
	ctx, cancel := context.WithCancel(context.Background())
	w := newTestWorker(url, conns, conns.Add("d1", cancel), nil, nil)

	go func() {
		<-connected
		conns.Remove("d1")
	}()

	if err := runWithTimeout(t, w, ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if w.State() != StateClosed {
		t.Fatalf("State = %v, want closed", w.State())
	}
}

func TestWorker_SupersededWhileReconnecting(t *testing.T) {
	conns := NewConnectionManager()
	parked := make(chan struct{})

	url := newDroneServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		c := upgrade(t, w, r)
		if c == nil {
			return
		}
		defer c.Close()
		if n == 1 {
			readInit(t, c)
			_ = c.UnderlyingConn().Close()
			close(parked)
			return
		}
		drain(c)
	})

	// The worker's registration cancel is a no-op so a replacement does
	// not stop it; it must notice on its own.
	w := newTestWorker(url, conns, conns.Add("d1", func() {}), nil, nil)
	go func() {
		<-parked
		conns.Add("d1", func() {})
	}()

	if err := runWithTimeout(t, w, context.Background()); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
}

func TestGPSFrame_Sample(t *testing.T) {
	t.Parallel()

	var full GPSFrame
	if err := json.Unmarshal([]byte(`{"type":"gps","latitude":0,"longitude":0,"altitude":0}`), &full); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s, ok := full.Sample("d"); !ok || s.DroneID != "d" {
		t.Fatalf("zero coordinates should still be a sample: %+v %v", s, ok)
	}

	for _, raw := range []string{
		`{"type":"gps","latitude":1,"longitude":2,"altitude":3,"timestamp":1700000000}`,
		`{"type":"gps","latitude":1,"longitude":2,"altitude":3,"title":null}`,
		`{"type":"gps","latitude":1,"longitude":2,"altitude":3,"title":["a"],"timestamp":true}`,
	} {
		var g GPSFrame
		if err := json.Unmarshal([]byte(raw), &g); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		s, ok := g.Sample("d")
		if !ok || s.Timestamp != "" || s.Title != "" {
			t.Fatalf("%s: sample = %+v, %v", raw, s, ok)
		}
	}

	var partial GPSFrame
	if err := json.Unmarshal([]byte(`{"type":"gps","latitude":1}`), &partial); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := partial.Sample("d"); ok {
		t.Fatal("missing coordinates should not produce a sample")
	}
}
