package notify

import (
	"sync"

	"github.com/example/carpool-booking/internal/models"
	"github.com/example/carpool-booking/internal/observability"
)

const subscriptionBuffer = 16

// Bus is the in-process push channel: per-subscription (table, field
// filter) registration and at-least-once, unordered delivery of change
// signals. Payloads are advisory; subscribers re-query authoritative
// state. Slow subscribers drop signals rather than block publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*Subscription
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscription delivers matching signals on C until Close.
type Subscription struct {
	Table  string            // empty matches every table
	Filter map[string]string // every pair must match the signal's fields
	C      chan models.ChangeSignal

	bus *Bus
	id  int
}

func (b *Bus) Subscribe(table string, filter map[string]string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	s := &Subscription{
		Table:  table,
		Filter: filter,
		C:      make(chan models.ChangeSignal, subscriptionBuffer),
		bus:    b,
		id:     b.next,
	}
	b.subs[s.id] = s
	observability.PushSubscribers.Inc()
	return s
}

func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.id]; ok {
		delete(s.bus.subs, s.id)
		close(s.C)
		observability.PushSubscribers.Dec()
	}
}

func (s *Subscription) matches(sig models.ChangeSignal) bool {
	if s.Table != "" && s.Table != sig.Table {
		return false
	}
	for k, v := range s.Filter {
		if sig.Fields[k] != v {
			return false
		}
	}
	return true
}

func (b *Bus) Publish(sig models.ChangeSignal) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.matches(sig) {
			continue
		}
		select {
		case s.C <- sig:
			observability.PushSignals.Inc()
		default:
			// subscriber is behind; it will re-fetch on the next signal
		}
	}
}
