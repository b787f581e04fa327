// Package app assembles the relay server: it owns every registry, wires
// them together and runs them under a suture supervisor tree.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"drone-relay-server/cache"
	"drone-relay-server/config"
	"drone-relay-server/drone"
	"drone-relay-server/logging"
	"drone-relay-server/metrics"
	"drone-relay-server/relay"
	"drone-relay-server/server"
	"drone-relay-server/store"
	"drone-relay-server/telemetry"
)

// GPSCache is the telemetry cache the app owns.
type GPSCache interface {
	server.GPSStore
	Close() error
}

// Options configure New. Store and GPS replace the configured backends
// when set; the app still closes them on shutdown.
type Options struct {
	Config *config.Config
	Logger zerolog.Logger
	Store  store.Store
	GPS    GPSCache
}

// App holds the running components.
type App struct {
	cfg *config.Config
	log zerolog.Logger

	store    store.Store
	gps      GPSCache
	hub      *telemetry.Hub
	metrics  *metrics.Metrics
	relays   *relay.Registry
	launcher *drone.Launcher
	server   *server.Server
	http     *http.Server
}

// New opens the backends and builds every component. Nothing is started.
func New(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger

	st := opts.Store
	if st == nil {
		var err error
		if st, err = openStore(cfg.Store, logging.WithComponent(log, "store")); err != nil {
			return nil, err
		}
	}

	gps := opts.GPS
	if gps == nil {
		c, err := cache.New(ctx, cache.Options{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
			Logger:   logging.WithComponent(log, "gps-cache"),
		})
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("connect gps cache: %w", err)
		}
		gps = c
	}

	m := metrics.New()
	hub := telemetry.NewHub(cfg.Hub.Capacity, m)

	supervisor := relay.NewSupervisor(relay.SupervisorOptions{
		FFmpegPath: cfg.Relay.FFmpegPath,
		KillGrace:  cfg.Relay.KillGrace,
		Sink:       st,
		Logger:     logging.WithComponent(log, "relay"),
	})
	relays := relay.NewRegistry(supervisor, m, logging.WithComponent(log, "relay-registry"))

	launcher := drone.NewLauncher(drone.LauncherOptions{
		Records:        st,
		Samples:        gps,
		Hub:            hub,
		Observer:       m,
		ReconnectDelay: cfg.Drone.ReconnectDelay,
		MaxReconnects:  cfg.Drone.MaxReconnects,
		DialTimeout:    cfg.Drone.DialTimeout,
		Logger:         logging.WithComponent(log, "drone"),
	})

	a := &App{
		cfg:      cfg,
		log:      log,
		store:    st,
		gps:      gps,
		hub:      hub,
		metrics:  m,
		relays:   relays,
		launcher: launcher,
	}
	a.server = server.New(server.Options{
		Config:   cfg,
		Records:  st,
		GPS:      gps,
		Hub:      hub,
		Relays:   relays,
		Drones:   launcher,
		Observer: m,
		Metrics:  m.Handler(a.updateGauges),
		Logger:   logging.WithComponent(log, "http"),
	})
	a.http = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

func openStore(cfg config.StoreConfig, log zerolog.Logger) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		log.Warn().Msg("using in-memory store, records will not survive a restart")
		return store.NewMemory(), nil
	default:
		s, err := store.OpenBadger(store.BadgerOptions{Path: cfg.Path, Logger: log})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", cfg.Path).Msg("badger store opened")
		return s, nil
	}
}

func (a *App) updateGauges() {
	a.metrics.SetActiveRelays(a.relays.Len())
	a.metrics.SetConnectedDrones(len(a.launcher.Conns().ListActive()))
}

// Handler returns the HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Relays returns the relay registry.
func (a *App) Relays() *relay.Registry {
	return a.relays
}

// Launcher returns the drone link launcher.
func (a *App) Launcher() *drone.Launcher {
	return a.launcher
}

// Bootstrap restores a relay for every stored record and launches drone
// links for records with a ws_url.
func (a *App) Bootstrap(ctx context.Context) (relays, links int, err error) {
	records, err := a.store.ListRecords(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list records: %w", err)
	}

	for _, rec := range records {
		dst := rec.DestinationURL
		if dst == "" {
			dst = a.cfg.Relay.DestinationFor(rec.ID)
		}
		outcome, err := a.relays.AddRelay(rec.ID, rec.RTMPURL, dst)
		log := a.log.With().Str("drone_id", rec.ID).Stringer("outcome", outcome).Logger()
		switch outcome {
		case relay.Started:
			relays++
			log.Info().Msg("relay restored")
		case relay.Retrying:
			relays++
			log.Warn().Err(err).Msg("relay restored, spawn will be retried")
		default:
			log.Error().Err(err).Msg("stored record has an unusable relay")
		}
	}

	links, err = a.launcher.StartAll(ctx)
	if err != nil {
		return relays, links, err
	}
	return relays, links, nil
}

// Run serves until ctx ends, then shuts every component down.
func (a *App) Run(ctx context.Context) error {
	tree := a.tree()

	a.log.Info().Str("addr", a.http.Addr).Msg("relay server starting")
	err := tree.Serve(ctx)
	if ctx.Err() != nil {
		// Cancellation is the normal way out.
		err = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if serr := a.Shutdown(shutdownCtx); serr != nil {
		err = errors.Join(err, serr)
	}
	return err
}

// tree builds the supervisor tree: the relay layer (monitor and
// bootstrap) and the api layer (HTTP server).
func (a *App) tree() *suture.Supervisor {
	slogger := logging.NewSlogLogger(logging.WithComponent(a.log, "supervisor"))
	hook := (&sutureslog.Handler{Logger: slogger}).MustHook()

	spec := suture.Spec{
		EventHook:        hook,
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          a.cfg.Server.ShutdownTimeout,
	}
	root := suture.New("drone-relay-server", spec)

	relayLayer := suture.New("relay-layer", suture.Spec{Timeout: a.cfg.Server.ShutdownTimeout})
	relayLayer.Add(relay.NewMonitor(a.relays, a.cfg.Relay.MonitorInterval, logging.WithComponent(a.log, "relay-monitor")))
	relayLayer.Add(&bootstrapService{app: a})

	apiLayer := suture.New("api-layer", suture.Spec{Timeout: a.cfg.Server.ShutdownTimeout})
	apiLayer.Add(server.NewService(a.http, a.server, a.cfg.Server.ShutdownTimeout))

	root.Add(relayLayer)
	root.Add(apiLayer)
	return root
}

// Shutdown stops every relay and drone link and closes the backends.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error

	stopped := a.relays.StopAll()
	if err := a.launcher.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop drone links: %w", err))
	}
	if err := a.server.CloseSessions(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close sessions: %w", err))
	}
	if err := a.gps.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close gps cache: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	a.log.Info().Int("relays_stopped", stopped).Msg("relay server stopped")
	return errors.Join(errs...)
}

// bootstrapService runs Bootstrap once. A failed bootstrap is retried by
// the supervisor.
type bootstrapService struct {
	app *App
}

func (b *bootstrapService) Serve(ctx context.Context) error {
	relays, links, err := b.app.Bootstrap(ctx)
	if err != nil {
		return err
	}
	b.app.log.Info().Int("relays", relays).Int("drone_links", links).Msg("bootstrap complete")
	return suture.ErrDoNotRestart
}

func (b *bootstrapService) String() string {
	return "bootstrap"
}
