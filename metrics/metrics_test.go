package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"drone-relay-server/drone"
	"drone-relay-server/relay"
	"drone-relay-server/telemetry"
)

var (
	_ relay.Observer            = (*Metrics)(nil)
	_ drone.Observer            = (*Metrics)(nil)
	_ telemetry.PublishObserver = (*Metrics)(nil)
)

func scrape(t *testing.T, m *Metrics, update func()) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(update).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestMetrics_Exposition(t *testing.T) {
	t.Parallel()
	m := New()

	m.IncRequests()
	m.IncRequests()
	m.IncErrors()
	m.ObserveRelaySpawn(true)
	m.ObserveRelaySpawn(false)
	m.ObserveRelayRestart()
	m.ObserveDroneSample()
	m.ObserveDroneReconnect()
	m.ObservePublish(3, 1)
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()

	body := scrape(t, m, nil)
	for _, want := range []string{
		"drone_relay_http_requests_total 2",
		"drone_relay_http_errors_total 1",
		`drone_relay_relay_spawns_total{result="ok"} 1`,
		`drone_relay_relay_spawns_total{result="error"} 1`,
		"drone_relay_relay_restarts_total 1",
		"drone_relay_drone_samples_total 1",
		"drone_relay_drone_reconnects_total 1",
		"drone_relay_hub_delivered_total 3",
		"drone_relay_hub_dropped_total 1",
		"drone_relay_ws_sessions 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestMetrics_HandlerRefreshesGauges(t *testing.T) {
	t.Parallel()
	m := New()

	body := scrape(t, m, func() {
		m.SetActiveRelays(4)
		m.SetConnectedDrones(2)
	})
	if !strings.Contains(body, "drone_relay_relays 4") {
		t.Error("relay gauge not refreshed before scrape")
	}
	if !strings.Contains(body, "drone_relay_connected_drones 2") {
		t.Error("drone gauge not refreshed before scrape")
	}
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	t.Parallel()
	a, b := New(), New()

	a.IncRequests()
	if strings.Contains(scrape(t, b, nil), "drone_relay_http_requests_total 1") {
		t.Fatal("metrics leaked between instances")
	}
}
