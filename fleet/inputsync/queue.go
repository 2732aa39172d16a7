package inputsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

// ErrQueueFull is returned by Submit when the queue cannot take more events.
var ErrQueueFull = errors.New("input queue full")

// ErrQueueClosed is returned by Submit after Close.
var ErrQueueClosed = errors.New("input queue closed")

type queuedEvent struct {
	event  Event
	source string
}

// Queue hands captured events to a single worker so they are dispatched
// back-to-back in submission order without blocking the capturing caller.
type Queue struct {
	synchronizer *Synchronizer
	logger       *slog.Logger

	mu     sync.RWMutex
	closed bool
	events chan queuedEvent
	done   chan struct{}
}

// NewQueue starts a queue worker with room for size pending events.
func NewQueue(s *Synchronizer, size int) *Queue {
	if size <= 0 {
		size = 256
	}
	q := &Queue{
		synchronizer: s,
		logger:       s.logger.With("queue", true),
		events:       make(chan queuedEvent, size),
		done:         make(chan struct{}),
	}
	go q.run()
	return q
}

// Submit enqueues event without blocking.
func (q *Queue) Submit(event Event, source string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.events <- queuedEvent{event: event, source: source}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for the pending ones to be
// dispatched, or for ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.events)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for item := range q.events {
		err := q.synchronizer.Dispatch(context.Background(), item.event, item.source)
		if err != nil && !types.IsKind(err, types.KindPartialDelivery) {
			q.logger.Warn("Queued dispatch failed", "event", item.event.Name(), "error", err)
		}
	}
}
