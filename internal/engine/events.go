package engine

import (
	"sync"
	"time"
)

// Event types fanned out to subscribers.
const (
	EventSession = "session"
	EventDelta   = "delta"
	EventProxy   = "proxy"
)

// Event is a lifecycle or data notification. The web status server
// streams these to connected clients.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Agent     string    `json:"agent,omitempty"`
	Status    string    `json:"status,omitempty"`
	Deltas    int       `json:"deltas,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// bus is a small fan-out broadcaster. Publishing never blocks: a
// subscriber that falls behind misses events rather than stalling the
// extraction path.
type bus struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func newBus() *bus {
	return &bus{subs: make(map[int]chan Event)}
}

func (b *bus) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, 64)
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (b *bus) publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
