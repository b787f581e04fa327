package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultCapacity is the per-subscriber buffer when none is configured.
const DefaultCapacity = 100

// ErrSubscriptionClosed is returned by Recv after Close.
var ErrSubscriptionClosed = errors.New("telemetry subscription closed")

// LaggedError reports samples a subscriber missed because its buffer was
// full. The subscription stays usable; callers usually resubscribe.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("telemetry subscriber lagged, %d samples missed", e.Missed)
}

// PublishObserver receives per-publish delivery counts.
type PublishObserver interface {
	ObservePublish(delivered, dropped int)
}

// Hub fans samples out to every live subscription. Publish never blocks:
// a subscriber whose buffer is full misses the sample.
type Hub struct {
	capacity int
	observer PublishObserver

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
}

// NewHub creates a hub whose subscribers buffer up to capacity samples.
func NewHub(capacity int, observer PublishObserver) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		capacity: capacity,
		observer: observer,
		subs:     make(map[uint64]*Subscription),
	}
}

// Subscribe registers a receiver for samples published from now on.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		id:   h.nextID,
		hub:  h,
		ch:   make(chan Sample, h.capacity),
		done: make(chan struct{}),
	}
	h.subs[sub.id] = sub
	return sub
}

// Publish delivers s to every subscriber with buffer room and returns how
// many received it.
func (h *Hub) Publish(s Sample) int {
	h.mu.RLock()
	delivered, dropped := 0, 0
	for _, sub := range h.subs {
		select {
		case sub.ch <- s:
			delivered++
		default:
			sub.missed.Add(1)
			dropped++
		}
	}
	h.mu.RUnlock()

	if h.observer != nil {
		h.observer.ObservePublish(delivered, dropped)
	}
	return delivered
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Subscription is one receiver on a Hub.
type Subscription struct {
	id     uint64
	hub    *Hub
	ch     chan Sample
	missed atomic.Uint64
	done   chan struct{}
	once   sync.Once
}

// Recv returns the next sample in publish order. After drops it returns a
// *LaggedError once, carrying the number of missed samples.
func (s *Subscription) Recv(ctx context.Context) (Sample, error) {
	if n := s.missed.Swap(0); n > 0 {
		return Sample{}, &LaggedError{Missed: n}
	}
	select {
	case sample := <-s.ch:
		return sample, nil
	case <-s.done:
		return Sample{}, ErrSubscriptionClosed
	case <-ctx.Done():
		return Sample{}, ctx.Err()
	}
}

// Close detaches the subscription from its hub. It is safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s.id)
		close(s.done)
	})
}
