package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"drone-relay-server/telemetry"
)

// session is one /ws client. Only writePump writes to conn.
type session struct {
	id      string
	srv     *Server
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	log     zerolog.Logger
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess := &session{
		id:      uuid.NewString(),
		srv:     s,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		limiter: s.newLimiter(),
	}
	sess.log = s.log.With().Str("session_id", sess.id).Logger()

	s.sessions.Add(1)
	defer s.sessions.Done()
	if s.observer != nil {
		s.observer.SessionOpened()
		defer s.observer.SessionClosed()
	}
	sess.log.Info().Str("remote", c.Request.RemoteAddr).Msg("telemetry session opened")

	sess.run(s.base)
	sess.log.Info().Msg("telemetry session closed")
}

// run blocks until the client leaves or ctx ends.
func (s *session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// Subscribe before reading so no sample published after the
	// handshake is missed.
	sub := s.srv.hub.Subscribe()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(ctx)
	}()
	go func() {
		defer wg.Done()
		s.forward(ctx, sub)
	}()

	s.readPump(ctx)
	cancel()
	wg.Wait()
}

// readPump handles inbound envelopes until the connection fails.
func (s *session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Msg("telemetry session read failed")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handle(ctx, data)
	}
}

// writePump drains the send queue and keeps the connection alive with
// pings. It closes the connection when it returns.
func (s *session) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.log.Debug().Err(err).Msg("telemetry session write failed")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// forward relays hub samples to the client. A lagging subscription is
// replaced with a fresh one.
func (s *session) forward(ctx context.Context, sub *telemetry.Subscription) {
	defer func() { sub.Close() }()

	for {
		sample, err := sub.Recv(ctx)
		if err != nil {
			var lagged *telemetry.LaggedError
			if errors.As(err, &lagged) {
				s.log.Warn().Uint64("missed", lagged.Missed).Msg("telemetry session lagged, resubscribing")
				sub.Close()
				sub = s.srv.hub.Subscribe()
				continue
			}
			return
		}
		if !s.enqueue(telemetry.GpsUpdate{Sample: sample}) {
			s.log.Debug().Str("drone_id", sample.DroneID).Msg("send queue full, sample dropped")
		}
	}
}

// enqueue encodes m onto the send queue without blocking.
func (s *session) enqueue(m telemetry.Message) bool {
	data, err := telemetry.Encode(m)
	if err != nil {
		s.log.Error().Err(err).Str("message_type", m.MessageType()).Msg("failed to encode message")
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *session) reply(m telemetry.Message) {
	if !s.enqueue(m) {
		s.log.Warn().Str("message_type", m.MessageType()).Msg("send queue full, reply dropped")
	}
}

func (s *session) fail(format string, args ...any) {
	s.reply(telemetry.Error{Message: fmt.Sprintf(format, args...)})
}

func (s *session) handle(ctx context.Context, data []byte) {
	msg, err := telemetry.Decode(data)
	if err != nil {
		s.log.Debug().Err(err).Msg("malformed telemetry message")
		s.fail("%v", err)
		return
	}

	switch m := msg.(type) {
	case telemetry.GpsUpdate:
		s.handleUpdate(ctx, m.Sample)
	case telemetry.GpsRequest:
		s.handleRequest(ctx, m.DroneID)
	case telemetry.Ack:
		s.log.Debug().Str("status", m.Status).Msg("client ack")
	case telemetry.Error:
		s.log.Warn().Str("message", m.Message).Msg("client reported error")
	case telemetry.Unknown:
		s.fail("unsupported message_type %q", m.Type)
	}
}

// handleUpdate stores a client-pushed sample, republishes it and acks.
func (s *session) handleUpdate(ctx context.Context, sample telemetry.Sample) {
	if !s.limiter.Allow() {
		s.fail("rate limit exceeded")
		return
	}
	if err := sample.Validate(); err != nil {
		s.fail("%v", err)
		return
	}

	if s.srv.gps != nil {
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		saved, err := s.srv.gps.SaveSample(sctx, sample)
		cancel()
		if err != nil {
			s.log.Error().Err(err).Str("drone_id", sample.DroneID).Msg("failed to persist gps sample")
			s.srv.hub.Publish(sample)
			s.fail("sample not persisted: %v", err)
			return
		}
		sample = saved
	}
	s.srv.hub.Publish(sample)

	s.reply(telemetry.Ack{
		Status:    "ok",
		DroneID:   sample.DroneID,
		SampleID:  sample.ID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// handleRequest answers with the latest sample of one drone, or of every
// drone when droneID is empty.
func (s *session) handleRequest(ctx context.Context, droneID string) {
	if s.srv.gps == nil {
		s.fail("gps cache unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if droneID == "" {
		samples, err := s.srv.gps.GetAllLatest(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("gps request failed")
			s.fail("gps lookup failed")
			return
		}
		for _, sample := range samples {
			s.reply(telemetry.GpsUpdate{Sample: sample})
		}
		return
	}

	sample, ok, err := s.srv.gps.GetLatest(ctx, droneID)
	switch {
	case err != nil:
		s.log.Error().Err(err).Str("drone_id", droneID).Msg("gps request failed")
		s.fail("gps lookup failed")
	case !ok:
		s.fail("no gps data for drone %s", droneID)
	default:
		s.reply(telemetry.GpsUpdate{Sample: sample})
	}
}
