// Package bus is a single-process publish/subscribe fan-out feeding the
// dashboard. Delivery is best-effort: a slow subscriber loses its oldest
// queued event, never the ordering of the rest.
package bus

import (
	"sync"
)

// Event kinds broadcast to dashboard subscribers.
const (
	EventTickStart       = "tickStart"
	EventEnqueue         = "enqueue"
	EventEnqueueFallback = "enqueue_fallback"
	EventSubmitStart     = "submitStart"
	EventSubmitSkip      = "submitSkip"
	EventSubmitComplete  = "submitComplete"
	EventVulnReported    = "vulnerabilityReported"
	EventPlayerConnect   = "playerConnect"
	EventAnalyticsUpdate = "analyticsUpdate"
)

// Event is one broadcast message.
type Event struct {
	Kind string `json:"event"`
	Data any    `json:"data"`
}

// Subscriber receives events on a buffered channel.
type Subscriber struct {
	C chan Event

	bus  *Bus
	once sync.Once
}

// Close detaches the subscriber from the bus.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
	})
}

// Bus fans events out to all current subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	buffer int
}

// New creates a bus. Each subscriber gets a queue of the given depth.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[*Subscriber]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{
		C:   make(chan Event, b.buffer),
		bus: b,
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

func (b *Bus) unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	close(sub.C)
}

// Publish delivers the event to every subscriber. When a subscriber's queue
// is full its oldest event is dropped to make room, keeping per-publisher
// FIFO order for what remains.
func (b *Bus) Publish(kind string, data any) {
	e := Event{Kind: kind, Data: data}

	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		for {
			select {
			case sub.C <- e:
			default:
				select {
				case <-sub.C: // drop oldest
				default:
				}
				continue
			}
			break
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
