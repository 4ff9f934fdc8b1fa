package bus

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrBusClosed is returned when publishing to a closed EventBus.
var ErrBusClosed = errors.New("event bus closed")

// EventBus carries the lifecycle events of one transport connection, in order,
// from the transport to the session that consumes them.
type EventBus struct {
	events chan Event
	done   chan struct{}
	closed atomic.Bool
}

func NewEventBus() *EventBus {
	return NewEventBusSize(32)
}

func NewEventBusSize(size int) *EventBus {
	return &EventBus{
		events: make(chan Event, size),
		done:   make(chan struct{}),
	}
}

func (eb *EventBus) Publish(ctx context.Context, ev Event) error {
	if eb.closed.Load() {
		return ErrBusClosed
	}
	select {
	case eb.events <- ev:
		return nil
	case <-eb.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (eb *EventBus) Consume(ctx context.Context) (Event, bool) {
	select {
	case ev, ok := <-eb.events:
		return ev, ok
	case <-eb.done:
		return Event{}, false
	case <-ctx.Done():
		return Event{}, false
	}
}

// Done is closed when the bus is closed.
func (eb *EventBus) Done() <-chan struct{} {
	return eb.done
}

func (eb *EventBus) IsClosed() bool {
	return eb.closed.Load()
}

func (eb *EventBus) Close() {
	if eb.closed.CompareAndSwap(false, true) {
		close(eb.done)
	}
}
