package drone

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"drone-relay-server/store"
)

// RecordSource is the part of the record store the launcher reads.
type RecordSource interface {
	GetRecord(ctx context.Context, id string) (store.Record, error)
	ListRecords(ctx context.Context) ([]store.Record, error)
}

// LauncherOptions configure NewLauncher.
type LauncherOptions struct {
	Records  RecordSource
	Conns    *ConnectionManager
	Samples  SampleStore
	Hub      Publisher
	Observer Observer

	ReconnectDelay time.Duration
	MaxReconnects  int
	DialTimeout    time.Duration

	Logger zerolog.Logger
}

// Launcher starts drone workers and tracks them until they end.
type Launcher struct {
	opts LauncherOptions
	log  zerolog.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLauncher(opts LauncherOptions) *Launcher {
	if opts.Conns == nil {
		opts.Conns = NewConnectionManager()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Launcher{
		opts:   opts,
		log:    opts.Logger,
		base:   base,
		cancel: cancel,
	}
}

// Conns returns the connection manager the launcher registers workers in.
func (l *Launcher) Conns() *ConnectionManager {
	return l.opts.Conns
}

// ValidateEndpoint checks that raw is a ws:// or wss:// URL.
func ValidateEndpoint(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEndpoint, err)
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidEndpoint, raw)
	}
	return nil
}

// Launch starts a worker for id, replacing any worker already running
// for it.
func (l *Launcher) Launch(id, wsURL string) error {
	_, err := l.launch(id, wsURL, true)
	return err
}

// launch reports whether a worker was started.
func (l *Launcher) launch(id, wsURL string, replace bool) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, ErrMissingDroneID
	}
	if err := ValidateEndpoint(wsURL); err != nil {
		return false, err
	}
	if l.base.Err() != nil {
		return false, l.base.Err()
	}

	ctx, cancel := context.WithCancel(l.base)
	var token uint64
	if replace {
		token = l.opts.Conns.Add(id, cancel)
	} else {
		var ok bool
		if token, ok = l.opts.Conns.AddIfAbsent(id, cancel); !ok {
			cancel()
			return false, nil
		}
	}

	w := NewWorker(WorkerConfig{
		DroneID:        id,
		URL:            strings.TrimSpace(wsURL),
		Token:          token,
		Conns:          l.opts.Conns,
		Samples:        l.opts.Samples,
		Hub:            l.opts.Hub,
		Observer:       l.opts.Observer,
		ReconnectDelay: l.opts.ReconnectDelay,
		MaxReconnects:  l.opts.MaxReconnects,
		DialTimeout:    l.opts.DialTimeout,
		Logger:         l.log,
	})

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer cancel()

		err := w.Run(ctx)
		l.opts.Conns.Release(id, token)

		log := l.log.With().Str("drone_id", id).Logger()
		switch {
		case err == nil:
			log.Info().Msg("drone link finished")
		case errors.Is(err, context.Canceled):
			log.Debug().Msg("drone link cancelled")
		default:
			log.Error().Err(err).Msg("drone link ended")
		}
	}()

	l.log.Info().Str("drone_id", id).Str("ws_url", wsURL).Msg("drone link launched")
	return true, nil
}

// StartAll launches a worker for every stored record with a ws_url. Drones
// that already have a worker are left alone.
func (l *Launcher) StartAll(ctx context.Context) (int, error) {
	records, err := l.opts.Records.ListRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("list records: %w", err)
	}

	launched := 0
	for _, rec := range records {
		if !rec.HasTelemetry() {
			l.log.Debug().Str("drone_id", rec.ID).Msg("no ws_url, skipping drone link")
			continue
		}
		started, err := l.launch(rec.ID, rec.WSURL, false)
		if err != nil {
			l.log.Warn().Err(err).Str("drone_id", rec.ID).Msg("failed to launch drone link")
			continue
		}
		if started {
			launched++
		}
	}
	return launched, nil
}

// Revive relaunches the worker for a stored record.
func (l *Launcher) Revive(ctx context.Context, id string) error {
	rec, err := l.opts.Records.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if !rec.HasTelemetry() {
		return ErrNoTelemetryEndpoint
	}
	return l.Launch(rec.ID, rec.WSURL)
}

// Stop cancels the worker for id.
func (l *Launcher) Stop(id string) bool {
	return l.opts.Conns.Remove(id)
}

// Shutdown cancels every worker and waits for them to return or for ctx
// to end.
func (l *Launcher) Shutdown(ctx context.Context) error {
	l.cancel()
	l.opts.Conns.CancelAll()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
