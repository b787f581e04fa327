package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
	metrics map[string][]Metric
	now     func() time.Time
	closed  bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]Record),
		metrics: make(map[string][]Metric),
		now:     time.Now,
	}
}

func (m *Memory) GetRecord(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Record{}, ErrClosed
	}
	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) AddRecord(_ context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Record{}, ErrClosed
	}
	rec, err := prepareRecord(rec, m.now())
	if err != nil {
		return Record{}, err
	}
	m.records[rec.ID] = rec
	return rec, nil
}

func (m *Memory) DeleteRecord(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.records[id]
	delete(m.records, id)
	delete(m.metrics, id)
	return ok, nil
}

func (m *Memory) ListRecords(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	records := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		records = append(records, rec)
	}
	sortRecords(records)
	return records, nil
}

func (m *Memory) AppendMetric(_ context.Context, id string, bitrate int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.metrics[id] = append(m.metrics[id], Metric{DroneID: id, Bitrate: bitrate, RecordedAt: m.now().UTC()})
	return nil
}

func (m *Memory) ListMetrics(_ context.Context, id string, limit int) ([]Metric, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	src := m.metrics[id]
	if limit > 0 && len(src) > limit {
		src = src[len(src)-limit:]
	}
	out := make([]Metric, len(src))
	copy(out, src)
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
