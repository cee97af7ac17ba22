// Package events carries change notifications for sources and source pages.
//
// Every insert or update of a source or page row produces one Event. The
// producer never debounces: consumers (the status aggregator, UI streams,
// NATS subscribers) rate-limit on their side. In-process delivery is
// non-blocking; a subscriber whose buffer is full loses the event and the
// loss is counted.
package events

import (
	"context"
	"sync"
	"time"
)

// Kind is the change type.
type Kind string

const (
	SourceInserted Kind = "source.inserted"
	SourceUpdated  Kind = "source.updated"
	PageInserted   Kind = "page.inserted"
	PageUpdated    Kind = "page.updated"
)

// IsPage reports whether k concerns a source page.
func (k Kind) IsPage() bool { return k == PageInserted || k == PageUpdated }

// Event is one row change. SourceID is the parent for page events.
type Event struct {
	Kind     Kind      `json:"kind"`
	SourceID string    `json:"source_id"`
	PageID   string    `json:"page_id,omitempty"`
	AgentID  string    `json:"agent_id,omitempty"`
	Status   string    `json:"status"`
	Previous string    `json:"previous,omitempty"`
	Progress int       `json:"progress,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher accepts events. Implementations must not block the caller on
// slow consumers.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Multi fans an event out to several publishers.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, e)
		}
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}

// Subscription receives events for one source, or for all sources when it
// was created with an empty ID.
type Subscription struct {
	C <-chan Event

	ch       chan Event
	sourceID string
	bus      *Bus
	once     sync.Once
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.ch)
	})
}

// Bus is the in-process publisher with per-source subscriptions.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	onDrop func(Event)
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithDropHook is called for every event a full subscriber buffer rejects.
func WithDropHook(fn func(Event)) BusOption {
	return func(b *Bus) { b.onDrop = fn }
}

// NewBus returns an empty Bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{subs: make(map[string]map[*Subscription]struct{})}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a subscriber for sourceID ("" for every source) with
// the given buffer size (minimum 1).
func (b *Bus) Subscribe(sourceID string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, sourceID: sourceID, bus: b}
	b.mu.Lock()
	if b.subs[sourceID] == nil {
		b.subs[sourceID] = make(map[*Subscription]struct{})
	}
	b.subs[sourceID][s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[s.sourceID], s)
	if len(b.subs[s.sourceID]) == 0 {
		delete(b.subs, s.sourceID)
	}
}

// Publish delivers e to the source's subscribers and to the wildcard
// subscribers.
func (b *Bus) Publish(_ context.Context, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, key := range []string{e.SourceID, ""} {
		for s := range b.subs[key] {
			select {
			case s.ch <- e:
			default:
				if b.onDrop != nil {
					b.onDrop(e)
				}
			}
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, m := range b.subs {
		n += len(m)
	}
	return n
}
