// Package events delivers tree-changed notifications to subscribers keyed by
// crop cycle.
package events

import (
	"sync"

	"fieldops/internal/tree"
)

// AllCycles subscribes to changes on every cycle.
const AllCycles = tree.AllCycles

// Notification tells a subscriber that a cycle's subtree changed and should be
// re-read from the store.
type Notification struct {
	BlocID  string
	CycleID string
	Cause   tree.Cause
}

// Hub fans store events out to subscribers. Each subscription buffers a single
// notification; a newer one replaces an unread one, so slow readers never block
// the store.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscription is a live registration returned by Subscribe.
type Subscription struct {
	hub     *Hub
	cycleID string
	ch      chan Notification
	closed  bool
}

// C returns the notification channel. It is closed by Close.
func (s *Subscription) C() <-chan Notification { return s.ch }

// Close unregisters the subscription and closes its channel. It is safe to call
// more than once.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if set, ok := h.subs[s.cycleID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.cycleID)
		}
	}
	close(s.ch)
}

// Subscribe registers interest in cycleID, or in every cycle with AllCycles.
func (h *Hub) Subscribe(cycleID string) *Subscription {
	s := &Subscription{hub: h, cycleID: cycleID, ch: make(chan Notification, 1)}
	h.mu.Lock()
	set, ok := h.subs[cycleID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[cycleID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Subscribers returns the number of live subscriptions for cycleID.
func (h *Hub) Subscribers(cycleID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[cycleID])
}

// Observe publishes a store event. Its signature matches tree.WithObserver.
func (h *Hub) Observe(ev tree.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, cycleID := range ev.CycleIDs {
		n := Notification{BlocID: ev.BlocID, CycleID: cycleID, Cause: ev.Cause}
		for s := range h.subs[cycleID] {
			s.offer(n)
		}
		for s := range h.subs[AllCycles] {
			s.offer(n)
		}
	}
}

// offer runs with the hub lock held.
func (s *Subscription) offer(n Notification) {
	select {
	case s.ch <- n:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- n:
	default:
	}
}
