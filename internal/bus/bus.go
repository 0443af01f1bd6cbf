// Package bus is the fan-out notification channel between the execution
// engine and its observers (dashboard streams, metrics recorder, log sinks).
// Delivery is per-subscriber FIFO for a given execution id; a slow observer
// overflows its own queue and loses events rather than blocking the engine.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Kind identifies an event type observers can subscribe to.
type Kind string

const (
	ExecutionCreated   Kind = "executionCreated"
	ExecutionUpdated   Kind = "executionUpdated"
	ExecutionCompleted Kind = "executionCompleted"
	ExecutionFailed    Kind = "executionFailed"
	ExecutionCancelled Kind = "executionCancelled"
	LogAdded           Kind = "logAdded"
	ConfigUpdated      Kind = "configUpdated"
)

// Kinds lists every event kind, in a stable order.
func Kinds() []Kind {
	return []Kind{
		ExecutionCreated, ExecutionUpdated, ExecutionCompleted,
		ExecutionFailed, ExecutionCancelled, LogAdded, ConfigUpdated,
	}
}

// Terminal reports whether k announces a terminal state transition.
func (k Kind) Terminal() bool {
	return k == ExecutionCompleted || k == ExecutionFailed || k == ExecutionCancelled
}

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Event is a single notification. Payload carries a kind-specific snapshot:
// an execution copy for lifecycle kinds, the appended log entry for LogAdded,
// the new engine settings for ConfigUpdated.
type Event struct {
	Kind        Kind      `json:"kind"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Time        time.Time `json:"time"`
	Payload     any       `json:"payload,omitempty"`
}

// Subscription is one observer's queue. Read from C until it is closed.
type Subscription struct {
	id    uint64
	kinds map[Kind]struct{}
	ch    chan Event
}

// C returns the receive channel. Events arrive in publication order;
// the channel is closed by Unsubscribe or Bus.Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

func (s *Subscription) wants(k Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// Bus fans events out to subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	bufSize int
	closed  bool
	dropped atomic.Int64
}

// New creates a bus. bufSize is the per-subscriber queue depth.
func New(bufSize int) *Bus {
	if bufSize < 1 {
		bufSize = 256
	}
	return &Bus{
		subs:    make(map[uint64]*Subscription),
		bufSize: bufSize,
	}
}

// Subscribe registers an observer for the given kinds. No kinds means all.
func (b *Bus) Subscribe(kinds ...Kind) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id: b.nextID,
		ch: make(chan Event, b.bufSize),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the observer and closes its channel. Safe to call
// more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish delivers the event to every matching subscriber without blocking.
// A full subscriber queue drops the event for that subscriber only.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if !sub.wants(ev.Kind) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			log.Warn().
				Str("kind", string(ev.Kind)).
				Str("execution_id", ev.ExecutionID).
				Msg("subscriber queue full, event dropped")
		}
	}
}

// Dropped returns the total number of events dropped due to full queues.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
