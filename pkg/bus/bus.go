package bus

import (
	"context"
	"sync"
)

// MessageBus fans live events from the gateway to consumers.
type MessageBus struct {
	events chan Event
	closed bool
	mu     sync.RWMutex
}

func NewMessageBus(buffer int) *MessageBus {
	if buffer <= 0 {
		buffer = 100
	}
	return &MessageBus{events: make(chan Event, buffer)}
}

// PublishEvent blocks until the event is queued, ctx is done or the bus is
// closed. It reports whether the event was queued.
func (mb *MessageBus) PublishEvent(ctx context.Context, e Event) bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return false
	}
	select {
	case mb.events <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

// ConsumeEvent waits for the next event. ok is false once the bus is closed
// and drained or ctx is done.
func (mb *MessageBus) ConsumeEvent(ctx context.Context) (Event, bool) {
	select {
	case e, ok := <-mb.events:
		return e, ok
	case <-ctx.Done():
		return Event{}, false
	}
}

func (mb *MessageBus) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.events)
}
