package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"drone-relay-server/cache"
	"drone-relay-server/drone"
	"drone-relay-server/relay"
	"drone-relay-server/store"
	"drone-relay-server/telemetry"
)

type addDroneRequest struct {
	ID      string `json:"id"`
	Title   string `json:"title" binding:"required"`
	RTMPURL string `json:"rtmp_url" binding:"required"`
	WSURL   string `json:"ws_url"`
}

type addRelayRequest struct {
	SourceID       string `json:"source_id" binding:"required"`
	SourceURL      string `json:"source_url" binding:"required"`
	DestinationURL string `json:"destination_url"`
}

func abortError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func (s *Server) handleHealth(c *gin.Context) {
	status, code := "healthy", http.StatusOK
	redis := "ok"
	if s.gps != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.gps.Ping(ctx); err != nil {
			s.log.Warn().Err(err).Msg("health check: gps cache unreachable")
			status, code, redis = "degraded", http.StatusServiceUnavailable, "unavailable"
		}
	}

	c.JSON(code, gin.H{
		"status":           status,
		"timestamp":        time.Now().Unix(),
		"relays":           s.relays.Len(),
		"connected_drones": len(s.drones.Conns().ListActive()),
		"sessions":         s.hub.Len(),
		"redis":            redis,
	})
}

func (s *Server) handleFeed(c *gin.Context) {
	records, err := s.records.ListRecords(c.Request.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list drone records")
		abortError(c, http.StatusInternalServerError, "failed to list drones")
		return
	}
	c.JSON(http.StatusOK, gin.H{"videos": records})
}

// handleAddDrone stores the record, starts its relay and, when a ws_url is
// given, launches the telemetry link.
func (s *Server) handleAddDrone(c *gin.Context) {
	var req addDroneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, err.Error())
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	wsURL := strings.TrimSpace(req.WSURL)
	if wsURL != "" {
		if err := drone.ValidateEndpoint(wsURL); err != nil {
			abortError(c, http.StatusBadRequest, err.Error())
			return
		}
	}

	ctx := c.Request.Context()
	rec, err := s.records.AddRecord(ctx, store.Record{
		ID:             req.ID,
		Title:          req.Title,
		RTMPURL:        strings.TrimSpace(req.RTMPURL),
		DestinationURL: s.cfg.Relay.DestinationFor(req.ID),
		WSURL:          wsURL,
	})
	if err != nil {
		if errors.Is(err, store.ErrMissingID) || errors.Is(err, store.ErrMissingSource) {
			abortError(c, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error().Err(err).Str("drone_id", req.ID).Msg("failed to store drone record")
		abortError(c, http.StatusInternalServerError, "failed to store drone")
		return
	}

	outcome, relayErr := s.relays.AddRelay(rec.ID, rec.RTMPURL, rec.DestinationURL)
	if outcome == relay.Rejected {
		if _, err := s.records.DeleteRecord(ctx, rec.ID); err != nil {
			s.log.Error().Err(err).Str("drone_id", rec.ID).Msg("failed to roll back drone record")
		}
		abortError(c, http.StatusBadRequest, relayErr.Error())
		return
	}

	resp := gin.H{
		"drone":     rec,
		"relay":     outcome.String(),
		"telemetry": "none",
	}
	if relayErr != nil {
		resp["relay_error"] = relayErr.Error()
	}
	if rec.HasTelemetry() {
		if err := s.drones.Launch(rec.ID, rec.WSURL); err != nil {
			s.log.Error().Err(err).Str("drone_id", rec.ID).Msg("failed to launch drone link")
			resp["telemetry"] = "failed"
			resp["telemetry_error"] = err.Error()
		} else {
			resp["telemetry"] = "launched"
		}
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleGetDrone(c *gin.Context) {
	rec, err := s.records.GetRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.recordError(c, err, "failed to load drone")
		return
	}
	c.JSON(http.StatusOK, rec)
}

// handleDeleteDrone removes the record, its relay and its telemetry link.
func (s *Server) handleDeleteDrone(c *gin.Context) {
	id := c.Param("id")
	deleted, err := s.records.DeleteRecord(c.Request.Context(), id)
	if err != nil {
		s.log.Error().Err(err).Str("drone_id", id).Msg("failed to delete drone record")
		abortError(c, http.StatusInternalServerError, "failed to delete drone")
		return
	}
	relayRemoved := s.relays.RemoveRelay(id)
	linkStopped := s.drones.Stop(id)

	if !deleted && !relayRemoved && !linkStopped {
		abortError(c, http.StatusNotFound, "drone not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"relay_removed": relayRemoved,
		"link_stopped":  linkStopped,
	})
}

func (s *Server) handleReviveDrone(c *gin.Context) {
	id := c.Param("id")
	err := s.drones.Revive(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"success":  true,
			"message":  fmt.Sprintf("reconnect initiated for drone %s", id),
			"drone_id": id,
		})
	case errors.Is(err, store.ErrNotFound):
		abortError(c, http.StatusNotFound, "drone not found")
	case errors.Is(err, drone.ErrNoTelemetryEndpoint):
		abortError(c, http.StatusConflict, err.Error())
	default:
		s.log.Error().Err(err).Str("drone_id", id).Msg("failed to revive drone link")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success":  false,
			"error":    err.Error(),
			"drone_id": id,
		})
	}
}

func (s *Server) handleDroneAnalytics(c *gin.Context) {
	a, err := store.Analyze(c.Request.Context(), s.records, c.Param("id"))
	if err != nil {
		s.recordError(c, err, "failed to load analytics")
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) handleConnectionStatus(c *gin.Context) {
	id := c.Param("id")
	conns := s.drones.Conns()
	active := conns.ListActive()
	c.JSON(http.StatusOK, gin.H{
		"drone_id":               id,
		"is_connected":           conns.IsConnected(id),
		"is_reconnecting":        conns.IsReconnecting(id),
		"active_connections":     len(active),
		"all_active_connections": active,
	})
}

func (s *Server) handleConnectionDebug(c *gin.Context) {
	ctx := c.Request.Context()
	records, err := s.records.ListRecords(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list drone records")
		abortError(c, http.StatusInternalServerError, "failed to list drones")
		return
	}

	conns := s.drones.Conns()
	active := conns.ListActive()
	drones := make([]gin.H, 0, len(records))
	for _, rec := range records {
		var latest *telemetry.Sample
		if s.gps != nil {
			sample, ok, err := s.gps.GetLatest(ctx, rec.ID)
			if err != nil {
				s.log.Debug().Err(err).Str("drone_id", rec.ID).Msg("latest gps unavailable")
			} else if ok {
				latest = &sample
			}
		}
		drones = append(drones, gin.H{
			"drone_id":        rec.ID,
			"title":           rec.Title,
			"ws_url":          rec.WSURL,
			"has_ws_url":      rec.HasTelemetry(),
			"is_connected":    conns.IsConnected(rec.ID),
			"is_reconnecting": conns.IsReconnecting(rec.ID),
			"latest_gps":      latest,
			"created_at":      rec.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"total_drones":             len(drones),
		"active_connections_count": len(active),
		"active_connection_ids":    active,
		"drones":                   drones,
		"timestamp":                time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListRelays(c *gin.Context) {
	relays := s.relays.List()
	c.JSON(http.StatusOK, gin.H{"relays": relays, "count": len(relays)})
}

func (s *Server) handleAddRelay(c *gin.Context) {
	var req addRelayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, err.Error())
		return
	}
	dst := strings.TrimSpace(req.DestinationURL)
	if dst == "" {
		dst = s.cfg.Relay.DestinationFor(req.SourceID)
	}

	outcome, err := s.relays.AddRelay(req.SourceID, strings.TrimSpace(req.SourceURL), dst)
	switch outcome {
	case relay.Rejected:
		abortError(c, http.StatusBadRequest, err.Error())
		return
	case relay.Retrying:
		rec, _ := s.relays.Get(req.SourceID)
		resp := gin.H{"outcome": outcome.String(), "relay": rec}
		if err != nil {
			resp["error"] = err.Error()
		}
		c.JSON(http.StatusAccepted, resp)
		return
	}
	rec, _ := s.relays.Get(req.SourceID)
	c.JSON(http.StatusCreated, gin.H{"outcome": outcome.String(), "relay": rec})
}

func (s *Server) handleRemoveRelay(c *gin.Context) {
	if !s.relays.RemoveRelay(c.Param("id")) {
		abortError(c, http.StatusNotFound, "relay not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleAllGPS(c *gin.Context) {
	samples, err := s.gps.GetAllLatest(c.Request.Context())
	if err != nil {
		s.cacheError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"samples": samples, "count": len(samples)})
}

func (s *Server) handleDroneGPS(c *gin.Context) {
	sample, ok, err := s.gps.GetLatest(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.cacheError(c, err)
		return
	}
	if !ok {
		abortError(c, http.StatusNotFound, "no gps data for drone")
		return
	}
	c.JSON(http.StatusOK, sample)
}

func (s *Server) recordError(c *gin.Context, err error, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		abortError(c, http.StatusNotFound, "drone not found")
		return
	}
	s.log.Error().Err(err).Str("drone_id", c.Param("id")).Msg(msg)
	abortError(c, http.StatusInternalServerError, msg)
}

func (s *Server) cacheError(c *gin.Context, err error) {
	if errors.Is(err, cache.ErrUnavailable) {
		abortError(c, http.StatusServiceUnavailable, "gps cache unavailable")
		return
	}
	s.log.Error().Err(err).Msg("gps cache query failed")
	abortError(c, http.StatusInternalServerError, "gps cache query failed")
}
