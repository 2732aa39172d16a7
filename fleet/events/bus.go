package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bionicdonkey/AndroidMulti/fleet/metrics"
	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

// Kind identifies the payload carried by an Event.
type Kind string

const (
	KindStateChange Kind = "state"
	KindProgress    Kind = "progress"
	KindDispatch    Kind = "dispatch"
)

// DispatchReport summarizes one synchronized dispatch.
type DispatchReport struct {
	Event     string   `json:"event"`
	Source    string   `json:"source,omitempty"`
	Delivered []string `json:"delivered"`
	Failed    []string `json:"failed,omitempty"`
}

// Event is a notification published on the Bus.
type Event struct {
	Kind     Kind               `json:"kind"`
	State    *types.StateChange `json:"state,omitempty"`
	Progress *types.Progress    `json:"progress,omitempty"`
	Dispatch *DispatchReport    `json:"dispatch,omitempty"`
	At       time.Time          `json:"at"`
}

// Publisher is implemented by anything that accepts notifications.
type Publisher interface {
	Publish(event Event)
}

// Bus is a simple in-memory event bus. Sinks receive every event
// synchronously; subscribers are best effort.
type Bus struct {
	mu          sync.RWMutex
	sinks       []Publisher
	subscribers []chan Event
	closed      bool
	dropped     atomic.Uint64
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make([]chan Event, 0),
	}
}

// Publish hands the event to every sink, then offers it to every
// subscriber. A subscriber whose buffer is full misses the event and the drop
// is counted; publishing never waits on a subscriber.
func (b *Bus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sink := range b.sinks {
		sink.Publish(event)
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
			metrics.RecordDroppedEvent(string(event.Kind))
		}
	}
}

// Attach registers a sink that sees every event in publish order. Sinks run
// on the publisher's goroutine and must not publish themselves.
func (b *Bus) Attach(sink Publisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Dropped returns how many subscriber deliveries were skipped because a
// buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// PublishProgress is a convenience wrapper for progress notifications.
func (b *Bus) PublishProgress(progress types.Progress) {
	if progress.At.IsZero() {
		progress.At = time.Now()
	}
	b.Publish(Event{Kind: KindProgress, Progress: &progress, At: progress.At})
}

// Subscribe creates a new subscription channel
func (b *Bus) Subscribe(buffer int) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if buffer <= 0 {
		buffer = 100
	}
	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscription channel
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscribers {
		if sub == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(sub)
			break
		}
	}
}

// Close closes every subscription. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.sinks = nil
	for _, sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = nil
}
