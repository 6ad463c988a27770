package fabric

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Listener handles a local event
type Listener func(ctx context.Context, payload any) error

// ListenerID identifies a registered listener
type ListenerID uint64

type listener struct {
	id ListenerID
	fn Listener
}

// EventBus is the in-process event emitter bindings hang off. Listeners for
// an event run synchronously in registration order.
type EventBus struct {
	logger *slog.Logger

	mu        sync.RWMutex
	next      ListenerID
	listeners map[string][]listener
	events    map[ListenerID]string
}

// NewEventBus creates an empty bus
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		logger:    logger,
		listeners: make(map[string][]listener),
		events:    make(map[ListenerID]string),
	}
}

// On registers fn for event and returns an id for Off.
func (b *EventBus) On(event string, fn Listener) ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	b.listeners[event] = append(b.listeners[event], listener{id: id, fn: fn})
	b.events[id] = event
	return id
}

// Off removes a listener. It reports whether the id was registered.
func (b *EventBus) Off(id ListenerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	event, ok := b.events[id]
	if !ok {
		return false
	}
	delete(b.events, id)

	ls := b.listeners[event]
	for i, l := range ls {
		if l.id == id {
			b.listeners[event] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(b.listeners[event]) == 0 {
		delete(b.listeners, event)
	}
	return true
}

// Emit calls every listener for event. All listeners run even when some
// fail; the failures are joined into the returned error.
func (b *EventBus) Emit(ctx context.Context, event string, payload any) error {
	b.mu.RLock()
	ls := append([]listener(nil), b.listeners[event]...)
	b.mu.RUnlock()

	var errs []error
	for _, l := range ls {
		if err := b.call(ctx, l, payload); err != nil {
			b.logger.Warn("event listener failed", "event", event, "error", err)
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (b *EventBus) call(ctx context.Context, l listener, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return l.fn(ctx, payload)
}

// Listeners returns how many listeners are registered for event
func (b *EventBus) Listeners(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[event])
}

// Events returns the events with at least one listener, sorted
func (b *EventBus) Events() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.listeners))
	for e := range b.listeners {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}
