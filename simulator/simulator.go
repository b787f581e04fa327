// Package simulator is a stand-in drone telemetry endpoint. Every
// connection gets an info greeting, then a gps frame per interval that
// drifts around a base coordinate.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"drone-relay-server/drone"
)

const (
	DefaultDroneID  = "drone-sim-1"
	DefaultInterval = time.Second

	DefaultLatitude  = 55.751244
	DefaultLongitude = 37.618423
	DefaultAltitude  = 100.0

	writeWait = 10 * time.Second
)

// Options configure a Simulator.
type Options struct {
	DroneID  string
	Interval time.Duration

	// Base position; zero values fall back to the defaults.
	Latitude  float64
	Longitude float64
	Altitude  float64

	// Drift is the largest per-frame coordinate step in degrees.
	Drift float64

	// Seed fixes the drift sequence when non-zero.
	Seed uint64

	Logger zerolog.Logger
}

// Simulator serves simulated drone links over WebSocket.
type Simulator struct {
	opts     Options
	log      zerolog.Logger
	upgrader websocket.Upgrader
	now      func() time.Time
}

func New(opts Options) *Simulator {
	if opts.DroneID == "" {
		opts.DroneID = DefaultDroneID
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Latitude == 0 && opts.Longitude == 0 {
		opts.Latitude, opts.Longitude = DefaultLatitude, DefaultLongitude
	}
	if opts.Altitude == 0 {
		opts.Altitude = DefaultAltitude
	}
	if opts.Drift <= 0 {
		opts.Drift = 0.0001
	}
	return &Simulator{
		opts: opts,
		log:  opts.Logger.With().Str("drone_id", opts.DroneID).Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// ListenAndServe serves on addr until ctx ends.
func (s *Simulator) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("drone simulator listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("drone simulator: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// ServeHTTP upgrades the request and runs one simulated link.
func (s *Simulator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket handshake failed")
		return
	}
	s.log.Info().Str("remote", r.RemoteAddr).Msg("server connected")
	newLink(s, conn).run(r.Context())
	s.log.Info().Str("remote", r.RemoteAddr).Msg("server disconnected")
}

// link is one simulated drone connection.
type link struct {
	sim  *Simulator
	conn *websocket.Conn
	rng  *rand.Rand

	writeMu sync.Mutex

	lat, lon, alt float64
}

func newLink(s *Simulator, conn *websocket.Conn) *link {
	seed := s.opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &link{
		sim:  s,
		conn: conn,
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		lat:  s.opts.Latitude,
		lon:  s.opts.Longitude,
		alt:  s.opts.Altitude,
	}
}

func (l *link) run(ctx context.Context) {
	defer l.conn.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := l.write(drone.InfoFrame{
		Type:    drone.FrameInfo,
		DroneID: l.sim.opts.DroneID,
		Message: "Connected to drone simulator",
	}); err != nil {
		l.sim.log.Warn().Err(err).Msg("failed to send greeting")
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		l.readLoop()
	}()

	ticker := time.NewTicker(l.sim.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = l.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			_ = l.conn.Close()
			<-done
			return
		case <-ticker.C:
			if err := l.write(l.step()); err != nil {
				l.sim.log.Warn().Err(err).Msg("failed to send gps frame")
				_ = l.conn.Close()
				<-done
				return
			}
		}
	}
}

// step moves the drone and returns the new position report.
func (l *link) step() drone.GPSFrame {
	d := l.sim.opts.Drift
	l.lat += (l.rng.Float64()*2 - 1) * d
	l.lon += (l.rng.Float64()*2 - 1) * d
	l.alt += l.rng.Float64()*2 - 1

	lat, lon, alt := l.lat, l.lon, l.alt
	return drone.GPSFrame{
		Type:      drone.FrameGPS,
		DroneID:   l.sim.opts.DroneID,
		Latitude:  &lat,
		Longitude: &lon,
		Altitude:  &alt,
		Timestamp: drone.Text(l.sim.now().UTC().Format(time.RFC3339)),
	}
}

func (l *link) readLoop() {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.sim.log.Warn().Err(err).Msg("read failed")
			}
			return
		}

		var f drone.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			l.sim.log.Warn().Err(err).Msg("malformed frame from server")
			continue
		}
		switch f.Type {
		case drone.FrameInit:
			l.sim.log.Info().Msg("init received")
			ack := drone.AckFrame{Type: drone.FrameInitAck, Status: "ok", DroneID: l.sim.opts.DroneID}
			if err := l.write(ack); err != nil {
				l.sim.log.Warn().Err(err).Msg("failed to send init_ack")
			}
		case drone.FrameGPSAck:
			l.sim.log.Debug().Msg("gps_ack received")
		default:
			l.sim.log.Info().Str("type", f.Type).Msg("unknown frame from server")
		}
	}
}

func (l *link) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}
