// Package server is the HTTP face of the relay server: the REST API for
// drones and relays, the /ws telemetry sessions and the metrics endpoint.
package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"drone-relay-server/config"
	"drone-relay-server/drone"
	"drone-relay-server/relay"
	"drone-relay-server/store"
	"drone-relay-server/telemetry"
)

// GPSStore is the telemetry cache the API reads and sessions write.
type GPSStore interface {
	SaveSample(ctx context.Context, s telemetry.Sample) (telemetry.Sample, error)
	GetLatest(ctx context.Context, droneID string) (telemetry.Sample, bool, error)
	GetAllLatest(ctx context.Context) ([]telemetry.Sample, error)
	Ping(ctx context.Context) error
}

// Relays is the relay registry.
type Relays interface {
	AddRelay(id, src, dst string) (relay.AddOutcome, error)
	RemoveRelay(id string) bool
	Get(id string) (relay.Record, bool)
	List() []relay.Record
	Len() int
}

// Drones starts and stops drone telemetry links.
type Drones interface {
	Launch(id, wsURL string) error
	Revive(ctx context.Context, id string) error
	Stop(id string) bool
	Conns() *drone.ConnectionManager
}

// Observer records request and session counts.
type Observer interface {
	IncRequests()
	IncErrors()
	SessionOpened()
	SessionClosed()
}

// Options wire a Server to the rest of the application.
type Options struct {
	Config  *config.Config
	Records store.Store
	GPS     GPSStore
	Hub     *telemetry.Hub
	Relays  Relays
	Drones  Drones

	// Observer and Metrics are optional.
	Observer Observer
	Metrics  http.Handler

	Logger zerolog.Logger
}

// Server serves the API and owns the live WebSocket sessions.
type Server struct {
	cfg      *config.Config
	records  store.Store
	gps      GPSStore
	hub      *telemetry.Hub
	relays   Relays
	drones   Drones
	observer Observer
	metrics  http.Handler
	log      zerolog.Logger

	upgrader websocket.Upgrader
	router   *gin.Engine

	// base is the parent of every session context.
	base     context.Context
	cancel   context.CancelFunc
	sessions sync.WaitGroup
}

func New(opts Options) *Server {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		records:  opts.Records,
		gps:      opts.GPS,
		hub:      opts.Hub,
		relays:   opts.Relays,
		drones:   opts.Drones,
		observer: opts.Observer,
		metrics:  opts.Metrics,
		log:      opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		base:   base,
		cancel: cancel,
	}
	s.router = s.routes()
	return s
}

// Handler returns the gin engine.
func (s *Server) Handler() http.Handler {
	return s.router
}

// CloseSessions ends every WebSocket session and waits for them to finish
// or for ctx to end. http.Server.Shutdown does not touch hijacked
// connections, so this runs after it.
func (s *Server) CloseSessions(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.log))
	if s.observer != nil {
		r.Use(requestMetrics(s.observer))
	}
	r.Use(cors(s.cfg.Server.CORSOrigin))

	r.GET("/health", s.handleHealth)

	api := r.Group("/api")
	{
		api.GET("/feed", s.handleFeed)

		api.POST("/drones", s.handleAddDrone)
		api.GET("/drones/:id", s.handleGetDrone)
		api.DELETE("/drones/:id", s.handleDeleteDrone)
		api.POST("/drones/:id/revive", s.handleReviveDrone)
		api.GET("/drones/:id/analytics", s.handleDroneAnalytics)
		api.GET("/drones/:id/connection", s.handleConnectionStatus)
		api.GET("/connections/debug", s.handleConnectionDebug)

		api.GET("/relays", s.handleListRelays)
		api.POST("/relays", s.handleAddRelay)
		api.DELETE("/relays/:id", s.handleRemoveRelay)

		api.GET("/gps", s.handleAllGPS)
		api.GET("/gps/:id", s.handleDroneGPS)
	}

	r.GET("/ws", s.handleWebSocket)

	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
	return r
}

func (s *Server) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(s.cfg.WS.UpdateRate), s.cfg.WS.UpdateBurst)
}
