package drone

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"drone-relay-server/telemetry"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultMaxReconnects  = 12
	DefaultDialTimeout    = 10 * time.Second

	writeWait = 10 * time.Second
)

// State is the phase of a drone link.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateStreaming
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// SampleStore persists GPS samples.
type SampleStore interface {
	SaveSample(ctx context.Context, s telemetry.Sample) (telemetry.Sample, error)
}

// Publisher fans samples out to live subscribers.
type Publisher interface {
	Publish(s telemetry.Sample) int
}

// Observer is notified of link activity.
type Observer interface {
	ObserveDroneSample()
	ObserveDroneReconnect()
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	DroneID string
	URL     string

	// Token is the worker's ConnectionManager registration.
	Token uint64
	Conns *ConnectionManager

	Samples  SampleStore
	Hub      Publisher
	Observer Observer

	ReconnectDelay time.Duration
	// MaxReconnects caps consecutive reconnect attempts; zero disables
	// reconnection.
	MaxReconnects int
	DialTimeout   time.Duration

	Logger zerolog.Logger
}

// Worker owns one drone's telemetry link.
type Worker struct {
	cfg    WorkerConfig
	dialer *websocket.Dialer
	log    zerolog.Logger
	state  atomic.Int32
	now    func() time.Time

	onTransition func(from, to State)
}

func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxReconnects < 0 {
		cfg.MaxReconnects = 0
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Conns == nil {
		cfg.Conns = NewConnectionManager()
	}
	return &Worker{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		log:    cfg.Logger.With().Str("drone_id", cfg.DroneID).Logger(),
		now:    time.Now,
	}
}

// State returns the current phase.
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(to State) {
	from := State(w.state.Swap(int32(to)))
	if from == to {
		return
	}
	w.log.Debug().Stringer("from", from).Stringer("to", to).Msg("drone link state")
	if w.onTransition != nil {
		w.onTransition(from, to)
	}
}

func (w *Worker) reconnectPolicy() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(w.cfg.ReconnectDelay), uint64(w.cfg.MaxReconnects))
}

// Run drives the link until the drone closes it, reconnects are exhausted,
// or ctx ends. A failure of the very first dial is returned as a
// *TransportError.
func (w *Worker) Run(ctx context.Context) error {
	var (
		conn        *websocket.Conn
		stopWatch   func() bool
		policy      = w.reconnectPolicy()
		reconnected bool
	)
	closeConn := func() {
		if stopWatch != nil {
			stopWatch()
			stopWatch = nil
		}
		if conn != nil {
			_ = conn.Close()
			conn = nil
		}
	}
	defer closeConn()

	state := StateConnecting
	for {
		w.setState(state)

		switch state {
		case StateConnecting:
			c, _, err := w.dialer.DialContext(ctx, w.cfg.URL, nil)
			if err != nil {
				if ctx.Err() != nil {
					w.setState(StateClosed)
					return ctx.Err()
				}
				if !reconnected {
					w.setState(StateClosed)
					return &TransportError{DroneID: w.cfg.DroneID, URL: w.cfg.URL, Err: err}
				}
				w.log.Warn().Err(err).Msg("drone reconnect dial failed")
				state = StateReconnecting
				continue
			}
			conn = c
			// Unblock reads when the worker is cancelled.
			stopWatch = context.AfterFunc(ctx, func() { _ = c.Close() })

			if reconnected && !w.cfg.Conns.Resume(w.cfg.DroneID, w.cfg.Token) {
				w.log.Info().Msg("drone link taken over by another worker")
				w.setState(StateClosed)
				return ErrSuperseded
			}
			w.log.Info().Str("url", w.cfg.URL).Msg("connected to drone")
			state = StateHandshaking

		case StateHandshaking:
			if err := w.writeJSON(conn, InitFrame{Type: FrameInit, DroneID: w.cfg.DroneID}); err != nil {
				closeConn()
				if ctx.Err() != nil {
					w.setState(StateClosed)
					return ctx.Err()
				}
				if !reconnected {
					w.cfg.Conns.Release(w.cfg.DroneID, w.cfg.Token)
					w.setState(StateClosed)
					return &TransportError{DroneID: w.cfg.DroneID, URL: w.cfg.URL, Err: err}
				}
				w.cfg.Conns.Park(w.cfg.DroneID, w.cfg.Token)
				state = StateReconnecting
				continue
			}
			policy.Reset()
			state = StateStreaming

		case StateStreaming:
			next, err := w.stream(ctx, conn)
			closeConn()
			if ctx.Err() != nil {
				w.setState(StateClosed)
				return ctx.Err()
			}
			if next == StateReconnecting {
				w.log.Warn().Err(err).Msg("drone link read failed")
			}
			state = next

		case StateReconnecting:
			delay := policy.NextBackOff()
			if delay == backoff.Stop {
				w.cfg.Conns.Release(w.cfg.DroneID, w.cfg.Token)
				w.setState(StateClosed)
				return ErrReconnectsExhausted
			}
			w.log.Info().Dur("delay", delay).Msg("reconnecting to drone")
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				w.setState(StateClosed)
				return ctx.Err()
			case <-t.C:
			}
			if w.cfg.Observer != nil {
				w.cfg.Observer.ObserveDroneReconnect()
			}
			reconnected = true
			state = StateConnecting

		case StateClosed:
			return nil
		}
	}
}

// stream reads frames until the link ends and returns the next state.
func (w *Worker) stream(ctx context.Context, conn *websocket.Conn) (State, error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
				w.log.Info().Int("code", ce.Code).Str("reason", ce.Text).Msg("drone closed the link")
				w.cfg.Conns.Release(w.cfg.DroneID, w.cfg.Token)
				return StateClosed, nil
			}
			w.cfg.Conns.Park(w.cfg.DroneID, w.cfg.Token)
			return StateReconnecting, err
		}
		w.handleFrame(ctx, conn, data)
	}
}

func (w *Worker) handleFrame(ctx context.Context, conn *websocket.Conn, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		w.log.Warn().Err(err).Msg("malformed drone frame")
		return
	}

	switch f.Type {
	case FrameGPS:
		var g GPSFrame
		if err := json.Unmarshal(data, &g); err != nil {
			w.log.Warn().Err(err).Msg("malformed gps frame")
			return
		}
		sample, ok := g.Sample(w.cfg.DroneID)
		if !ok {
			w.log.Warn().Msg("gps frame without full coordinates")
			return
		}
		if err := sample.Validate(); err != nil {
			w.log.Warn().Err(err).Msg("gps frame rejected")
			return
		}
		w.handleSample(ctx, sample)

		ack := AckFrame{Type: FrameGPSAck, Status: "ok", Timestamp: w.now().UTC().Format(time.RFC3339)}
		if err := w.writeJSON(conn, ack); err != nil {
			w.log.Warn().Err(err).Msg("failed to ack gps frame")
		}
	case FrameInfo:
		w.log.Info().RawJSON("frame", data).Msg("drone info")
	case FrameInitAck:
		w.log.Debug().Msg("drone acknowledged init")
	default:
		w.log.Debug().Str("type", f.Type).Msg("ignoring drone frame")
	}
}

func (w *Worker) handleSample(ctx context.Context, sample telemetry.Sample) {
	if w.cfg.Samples != nil {
		saved, err := w.cfg.Samples.SaveSample(ctx, sample)
		if err != nil {
			w.log.Error().Err(err).Msg("failed to persist gps sample")
		} else {
			sample = saved
		}
	}
	if w.cfg.Hub != nil {
		w.cfg.Hub.Publish(sample)
	}
	if w.cfg.Observer != nil {
		w.cfg.Observer.ObserveDroneSample()
	}
	w.log.Debug().
		Float64("latitude", sample.Latitude).
		Float64("longitude", sample.Longitude).
		Float64("altitude", sample.Altitude).
		Msg("gps sample")
}

func (w *Worker) writeJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(w.now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
