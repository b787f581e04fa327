package server

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"drone-relay-server/config"
	"drone-relay-server/telemetry"
)

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	want := e.hub.Len() + 1

	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial /ws: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// The session subscribes right after the upgrade completes.
	deadline := time.Now().Add(5 * time.Second)
	for e.hub.Len() < want {
		if time.Now().After(deadline) {
			t.Fatal("session never subscribed to the hub")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func send(t *testing.T, conn *websocket.Conn, m telemetry.Message) {
	t.Helper()
	data, err := telemetry.Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// next returns the next message of the given type, skipping others.
func next(t *testing.T, conn *websocket.Conn, msgType string) telemetry.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", msgType, err)
		}
		m, err := telemetry.Decode(data)
		if err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if m.MessageType() == msgType {
			return m
		}
	}
}

var testSample = telemetry.Sample{DroneID: "d1", Latitude: 55.751244, Longitude: 37.618423, Altitude: 100}

func TestSession_UpdateIsStoredAckedAndBroadcast(t *testing.T) {
	env := newTestEnv(t, nil)
	sender := env.dial(t)
	watcher := env.dial(t)

	send(t, sender, telemetry.GpsUpdate{Sample: testSample})

	ack := next(t, sender, telemetry.TypeAck).(telemetry.Ack)
	if ack.Status != "ok" || ack.DroneID != "d1" || ack.SampleID == "" {
		t.Fatalf("ack = %+v", ack)
	}
	if _, err := time.Parse(time.RFC3339, ack.Timestamp); err != nil {
		t.Fatalf("ack timestamp %q: %v", ack.Timestamp, err)
	}

	got := next(t, watcher, telemetry.TypeGpsUpdate).(telemetry.GpsUpdate)
	if got.DroneID != "d1" || got.ID != ack.SampleID || got.Latitude != testSample.Latitude {
		t.Fatalf("broadcast = %+v", got.Sample)
	}

	stored, ok, _ := env.gps.GetLatest(context.Background(), "d1")
	if !ok || stored.ID != ack.SampleID {
		t.Fatalf("stored = %+v, %v", stored, ok)
	}
}

func TestSession_HubSamplesAreForwarded(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)

	env.hub.Publish(testSample)

	got := next(t, conn, telemetry.TypeGpsUpdate).(telemetry.GpsUpdate)
	if got.DroneID != "d1" {
		t.Fatalf("forwarded = %+v", got.Sample)
	}
}

func TestSession_GpsRequest(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	for _, id := range []string{"d1", "d2"} {
		s := testSample
		s.DroneID = id
		_, _ = env.gps.SaveSample(ctx, s)
	}
	conn := env.dial(t)

	send(t, conn, telemetry.GpsRequest{DroneID: "d2"})
	if got := next(t, conn, telemetry.TypeGpsUpdate).(telemetry.GpsUpdate); got.DroneID != "d2" {
		t.Fatalf("latest d2 = %+v", got.Sample)
	}

	send(t, conn, telemetry.GpsRequest{DroneID: "ghost"})
	if e := next(t, conn, telemetry.TypeError).(telemetry.Error); !strings.Contains(e.Message, "ghost") {
		t.Fatalf("error = %q", e.Message)
	}

	send(t, conn, telemetry.GpsRequest{})
	seen := map[string]bool{}
	for range 2 {
		seen[next(t, conn, telemetry.TypeGpsUpdate).(telemetry.GpsUpdate).DroneID] = true
	}
	if !seen["d1"] || !seen["d2"] {
		t.Fatalf("all latest = %v", seen)
	}
}

func TestSession_RejectsBadMessages(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"not json", `{"message_type":`, "malformed"},
		{"unknown type", `{"message_type":"teleport","data":{}}`, "unsupported"},
		{"bad latitude", `{"message_type":"gps_update","data":{"drone_id":"d1","latitude":120,"longitude":0,"altitude":0}}`, "latitude"},
		{"missing drone", `{"message_type":"gps_update","data":{"latitude":1,"longitude":1,"altitude":0}}`, "drone_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.raw)); err != nil {
				t.Fatalf("write: %v", err)
			}
			e := next(t, conn, telemetry.TypeError).(telemetry.Error)
			if !strings.Contains(e.Message, tt.want) {
				t.Fatalf("error = %q, want it to mention %q", e.Message, tt.want)
			}
		})
	}
}

func TestSession_RateLimitsUpdates(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.WS.UpdateRate = 0.001
		c.WS.UpdateBurst = 1
	})
	conn := env.dial(t)

	send(t, conn, telemetry.GpsUpdate{Sample: testSample})
	next(t, conn, telemetry.TypeAck)

	send(t, conn, telemetry.GpsUpdate{Sample: testSample})
	if e := next(t, conn, telemetry.TypeError).(telemetry.Error); e.Message != "rate limit exceeded" {
		t.Fatalf("error = %q", e.Message)
	}
}

func TestSession_CacheFailureStillBroadcasts(t *testing.T) {
	env := newTestEnv(t, nil)
	env.gps.fail(errors.New("redis down"))
	conn := env.dial(t)

	send(t, conn, telemetry.GpsUpdate{Sample: testSample})

	// The error reply and the broadcast race each other.
	var gotError, gotUpdate bool
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for !gotError || !gotUpdate {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v (error=%v update=%v)", err, gotError, gotUpdate)
		}
		m, err := telemetry.Decode(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		switch m := m.(type) {
		case telemetry.Error:
			if !strings.Contains(m.Message, "not persisted") {
				t.Fatalf("error = %q", m.Message)
			}
			gotError = true
		case telemetry.GpsUpdate:
			if m.DroneID != "d1" {
				t.Fatalf("broadcast = %+v", m.Sample)
			}
			gotUpdate = true
		}
	}
}

func TestCloseSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.srv.CloseSessions(ctx); err != nil {
		t.Fatalf("CloseSessions: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
				t.Logf("session ended with %v", err)
			}
			break
		}
	}
	if env.hub.Len() != 0 {
		t.Fatalf("hub still has %d subscribers", env.hub.Len())
	}
}
