// Package metrics exposes the relay server's Prometheus metrics from a
// private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "drone_relay"

// Metrics holds the server's counters and gauges.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal prometheus.Counter
	errorsTotal   prometheus.Counter

	relaySpawnsTotal   *prometheus.CounterVec
	relayRestartsTotal prometheus.Counter
	activeRelays       prometheus.Gauge

	droneSamplesTotal    prometheus.Counter
	droneReconnectsTotal prometheus.Counter
	connectedDrones      prometheus.Gauge

	hubDeliveredTotal prometheus.Counter
	hubDroppedTotal   prometheus.Counter
	wsSessions        prometheus.Gauge
}

// New creates and registers every metric.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "Total number of HTTP responses with status >= 400",
		}),
		relaySpawnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_spawns_total",
			Help:      "Relay subprocess start attempts by result",
		}, []string{"result"}),
		relayRestartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_restarts_total",
			Help:      "Relays restarted by the monitor",
		}),
		activeRelays: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relays",
			Help:      "Number of registered relays",
		}),
		droneSamplesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drone_samples_total",
			Help:      "GPS samples received from drones",
		}),
		droneReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drone_reconnects_total",
			Help:      "Drone link reconnect attempts",
		}),
		connectedDrones: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_drones",
			Help:      "Number of drones with a live telemetry link",
		}),
		hubDeliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_delivered_total",
			Help:      "Samples delivered to WebSocket subscribers",
		}),
		hubDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_dropped_total",
			Help:      "Samples dropped because a subscriber was full",
		}),
		wsSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_sessions",
			Help:      "Open telemetry WebSocket sessions",
		}),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.relaySpawnsTotal,
		m.relayRestartsTotal,
		m.activeRelays,
		m.droneSamplesTotal,
		m.droneReconnectsTotal,
		m.connectedDrones,
		m.hubDeliveredTotal,
		m.hubDroppedTotal,
		m.wsSessions,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

func (m *Metrics) ObserveRelaySpawn(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.relaySpawnsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRelayRestart() {
	m.relayRestartsTotal.Inc()
}

func (m *Metrics) ObserveDroneSample() {
	m.droneSamplesTotal.Inc()
}

func (m *Metrics) ObserveDroneReconnect() {
	m.droneReconnectsTotal.Inc()
}

// ObservePublish records one hub publish.
func (m *Metrics) ObservePublish(delivered, dropped int) {
	m.hubDeliveredTotal.Add(float64(delivered))
	m.hubDroppedTotal.Add(float64(dropped))
}

func (m *Metrics) SetActiveRelays(n int) {
	m.activeRelays.Set(float64(n))
}

func (m *Metrics) SetConnectedDrones(n int) {
	m.connectedDrones.Set(float64(n))
}

// SessionOpened and SessionClosed track live WebSocket sessions.
func (m *Metrics) SessionOpened() {
	m.wsSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	m.wsSessions.Dec()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
