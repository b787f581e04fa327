// Package drone maintains the outbound telemetry links to drones: one
// WebSocket worker per drone id, tracked by a ConnectionManager.
package drone

import (
	"context"
	"sort"
	"sync"
)

type connection struct {
	cancel context.CancelFunc
	token  uint64
}

// ConnectionManager maps drone ids to the cancel handle of their worker.
// At most one worker is registered per id.
//
// A worker whose link dropped is parked while it waits to reconnect: it no
// longer counts as connected, but Remove and Add can still cancel it.
type ConnectionManager struct {
	mu     sync.Mutex
	conns  map[string]connection
	parked map[string]connection
	next   uint64
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		conns:  make(map[string]connection),
		parked: make(map[string]connection),
	}
}

// Add registers cancel for id, cancelling any worker already registered or
// parked, and returns the registration token.
func (m *ConnectionManager) Add(id string, cancel context.CancelFunc) uint64 {
	m.mu.Lock()
	old, hadActive := m.conns[id]
	parked, hadParked := m.parked[id]
	delete(m.parked, id)
	m.next++
	token := m.next
	m.conns[id] = connection{cancel: cancel, token: token}
	m.mu.Unlock()

	if hadActive && old.cancel != nil {
		old.cancel()
	}
	if hadParked && parked.cancel != nil {
		parked.cancel()
	}
	return token
}

// AddIfAbsent registers cancel only when no worker holds or has parked id.
func (m *ConnectionManager) AddIfAbsent(id string, cancel context.CancelFunc) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[id]; ok {
		return 0, false
	}
	if _, ok := m.parked[id]; ok {
		return 0, false
	}
	m.next++
	m.conns[id] = connection{cancel: cancel, token: m.next}
	return m.next, true
}

// Remove cancels and forgets the worker for id, connected or parked.
func (m *ConnectionManager) Remove(id string) bool {
	m.mu.Lock()
	c, active := m.conns[id]
	p, parked := m.parked[id]
	delete(m.conns, id)
	delete(m.parked, id)
	m.mu.Unlock()

	if active && c.cancel != nil {
		c.cancel()
	}
	if parked && p.cancel != nil {
		p.cancel()
	}
	return active || parked
}

// Release forgets id without cancelling, but only while token is still the
// current registration.
func (m *ConnectionManager) Release(id string, token uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[id]; ok && c.token == token {
		delete(m.conns, id)
		return true
	}
	if p, ok := m.parked[id]; ok && p.token == token {
		delete(m.parked, id)
		return true
	}
	return false
}

// Park moves the registration for token out of the connected set.
func (m *ConnectionManager) Park(id string, token uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok || c.token != token {
		return false
	}
	delete(m.conns, id)
	m.parked[id] = c
	return true
}

// Resume moves a parked registration back to the connected set. It fails
// when the registration was removed or replaced meanwhile.
func (m *ConnectionManager) Resume(id string, token uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[id]; ok {
		return false
	}
	p, ok := m.parked[id]
	if !ok || p.token != token {
		return false
	}
	delete(m.parked, id)
	m.conns[id] = p
	return true
}

func (m *ConnectionManager) IsConnected(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[id]
	return ok
}

// IsReconnecting reports whether id's worker is parked.
func (m *ConnectionManager) IsReconnecting(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.parked[id]
	return ok
}

// ListActive returns the connected ids in sorted order.
func (m *ConnectionManager) ListActive() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (m *ConnectionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// CancelAll cancels every registered worker and empties the manager.
func (m *ConnectionManager) CancelAll() int {
	m.mu.Lock()
	all := make([]connection, 0, len(m.conns)+len(m.parked))
	for _, c := range m.conns {
		all = append(all, c)
	}
	for _, c := range m.parked {
		all = append(all, c)
	}
	m.conns = make(map[string]connection)
	m.parked = make(map[string]connection)
	m.mu.Unlock()

	for _, c := range all {
		if c.cancel != nil {
			c.cancel()
		}
	}
	return len(all)
}
