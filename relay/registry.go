// Package relay keeps one ffmpeg subprocess per drone source alive, copying
// the drone's RTMP feed to the media server.
package relay

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Record is a snapshot of one registered relay.
type Record struct {
	SourceID       string     `json:"source_id"`
	SourceURL      string     `json:"source_url"`
	DestinationURL string     `json:"destination_url"`
	Active         bool       `json:"active"`
	PID            int        `json:"pid,omitempty"`
	Restarts       int        `json:"restarts"`
	LastError      string     `json:"last_error,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
}

// AddOutcome is the result of AddRelay.
type AddOutcome int

const (
	// Rejected means the input was invalid and nothing was registered.
	Rejected AddOutcome = iota
	// Started means the relay process is running.
	Started
	// Retrying means the relay is registered but its process failed to
	// start; the monitor will try again.
	Retrying
)

func (o AddOutcome) String() string {
	switch o {
	case Started:
		return "started"
	case Retrying:
		return "retrying"
	default:
		return "rejected"
	}
}

// Spawner starts and stops relay processes.
type Spawner interface {
	Start(rec Record) (*Process, error)
	Stop(p *Process) StopOutcome
}

// Observer is notified of relay lifecycle events.
type Observer interface {
	ObserveRelaySpawn(ok bool)
	ObserveRelayRestart()
}

type entry struct {
	rec  Record
	proc *Process
}

// SweepResult summarises one monitor pass.
type SweepResult struct {
	Checked   int
	Restarted int
	Failed    int
}

// Registry owns the relay processes, keyed by source id.
type Registry struct {
	// opMu serialises mutations so no two spawns for one id overlap.
	opMu sync.Mutex

	mu      sync.RWMutex
	entries map[string]*entry

	spawner  Spawner
	observer Observer
	log      zerolog.Logger
}

func NewRegistry(spawner Spawner, observer Observer, logger zerolog.Logger) *Registry {
	return &Registry{
		entries:  make(map[string]*entry),
		spawner:  spawner,
		observer: observer,
		log:      logger,
	}
}

func validateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidURL, raw, err)
	}
	if u.Scheme == "" || (u.Host == "" && u.Path == "") {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}

// AddRelay registers a relay from src to dst under id, replacing any
// existing relay for id. The old process is stopped before the new one is
// started.
func (r *Registry) AddRelay(id, src, dst string) (AddOutcome, error) {
	if strings.TrimSpace(id) == "" {
		return Rejected, ErrEmptySourceID
	}
	if err := validateURL(src); err != nil {
		return Rejected, fmt.Errorf("source: %w", err)
	}
	if err := validateURL(dst); err != nil {
		return Rejected, fmt.Errorf("destination: %w", err)
	}

	r.opMu.Lock()
	defer r.opMu.Unlock()

	e := &entry{rec: Record{SourceID: id, SourceURL: src, DestinationURL: dst}}

	r.mu.Lock()
	old := r.entries[id]
	r.entries[id] = e
	r.mu.Unlock()

	if old != nil && old.proc != nil {
		outcome := r.spawner.Stop(old.proc)
		r.log.Info().Str("source_id", id).Stringer("outcome", outcome).Msg("replaced relay stopped")
	}

	p, err := r.spawner.Start(e.rec)
	r.install(e, p, err)
	if err != nil {
		r.log.Warn().Err(err).Str("source_id", id).Msg("relay spawn failed, monitor will retry")
		return Retrying, err
	}
	return Started, nil
}

// install records a spawn result on e.
func (r *Registry) install(e *entry, p *Process, err error) {
	if r.observer != nil {
		r.observer.ObserveRelaySpawn(err == nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e.proc = p
	e.rec.Active = err == nil
	if err != nil {
		e.rec.LastError = err.Error()
		return
	}
	e.rec.LastError = ""
	started := p.StartedAt
	e.rec.StartedAt = &started
}

// RemoveRelay stops and forgets the relay for id. It reports false, with
// no side effects, when id is unknown.
func (r *Registry) RemoveRelay(id string) bool {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if !ok {
		return false
	}

	if e.proc != nil {
		outcome := r.spawner.Stop(e.proc)
		r.log.Info().Str("source_id", id).Stringer("outcome", outcome).Msg("relay removed")
	}
	return true
}

// Get returns the relay registered for id.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Record{}, false
	}
	return e.snapshot(), true
}

// List returns every relay ordered by source id.
func (r *Registry) List() []Record {
	r.mu.RLock()
	records := make([]Record, 0, len(r.entries))
	for _, e := range r.entries {
		records = append(records, e.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].SourceID < records[j].SourceID
	})
	return records
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Sweep restarts every relay whose process is missing, has exited, or can
// no longer be inspected. The operation lock is taken per relay, so adds
// and removals interleave with a pass instead of waiting for all of it.
// The map lock is never held while spawning.
func (r *Registry) Sweep(ctx context.Context) SweepResult {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	var res SweepResult
	for _, id := range ids {
		if ctx.Err() != nil {
			return res
		}
		r.sweepOne(id, &res)
	}
	return res
}

func (r *Registry) sweepOne(id string, res *SweepResult) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.RLock()
	e, ok := r.entries[id]
	var proc *Process
	if ok {
		proc = e.proc
	}
	r.mu.RUnlock()
	if !ok {
		return
	}
	res.Checked++

	log := r.log.With().Str("source_id", id).Logger()
	switch exited, err := proc.Poll(); {
	case proc == nil:
		log.Info().Msg("relay not running, starting")
	case err != nil:
		log.Error().Err(err).Msg("relay status check failed, restarting")
		r.spawner.Stop(proc)
	case exited:
		log.Warn().AnErr("exit", proc.ExitErr()).Msg("relay exited, restarting")
	default:
		return
	}

	r.mu.Lock()
	e.rec.Restarts++
	rec := e.rec
	r.mu.Unlock()
	if r.observer != nil {
		r.observer.ObserveRelayRestart()
	}

	p, err := r.spawner.Start(rec)
	r.install(e, p, err)
	if err != nil {
		log.Warn().Err(err).Msg("relay restart failed")
		res.Failed++
		return
	}
	res.Restarted++
}

// StopAll stops every relay and empties the registry.
func (r *Registry) StopAll() int {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for id, e := range entries {
		if e.proc != nil {
			outcome := r.spawner.Stop(e.proc)
			r.log.Info().Str("source_id", id).Stringer("outcome", outcome).Msg("relay stopped")
		}
	}
	return len(entries)
}

func (e *entry) snapshot() Record {
	rec := e.rec
	rec.PID = e.proc.Pid()
	if exited, err := e.proc.Poll(); err == nil && exited {
		rec.Active = false
	}
	return rec
}

// Monitor runs Sweep on a fixed interval. It implements suture.Service.
type Monitor struct {
	registry *Registry
	interval time.Duration
	log      zerolog.Logger
}

// DefaultMonitorInterval is used when NewMonitor gets a non-positive
// interval.
const DefaultMonitorInterval = 30 * time.Second

func NewMonitor(registry *Registry, interval time.Duration, logger zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	return &Monitor{registry: registry, interval: interval, log: logger}
}

func (m *Monitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info().Dur("interval", m.interval).Msg("relay monitor started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			res := m.registry.Sweep(ctx)
			if res.Restarted > 0 || res.Failed > 0 {
				m.log.Info().
					Int("checked", res.Checked).
					Int("restarted", res.Restarted).
					Int("failed", res.Failed).
					Msg("relay sweep")
			}
		}
	}
}

func (m *Monitor) String() string {
	return "relay-monitor"
}
