package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// EventType identifies event variants routed by the Bus.
type EventType string

// Event is anything dispatchable on the Bus.
type Event interface {
	EventType() EventType
}

// HandlerFunc serves one event and returns an optional payload.
type HandlerFunc func(ctx context.Context, evt Event) (any, error)

// HandlerResult is the outcome of one handler invocation during Publish.
type HandlerResult struct {
	Handler string
	Payload any
	Err     error
}

// NoHandlerError reports a Publish for which no handler was registered.
// This is a deliberate hard failure: a missing handler after a bus reset
// is the exact wiring bug the controller must detect and repair.
type NoHandlerError struct {
	Event EventType
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no handler registered for event %q", e.Event)
}

// IsNoHandler reports whether err wraps a NoHandlerError.
func IsNoHandler(err error) bool {
	var nh *NoHandlerError
	return errors.As(err, &nh)
}

var ErrBusClosed = errors.New("event bus is closed")

type subscription struct {
	id         int
	name       string
	generation uint64
	fn         HandlerFunc
}

// Subscription identifies a registered handler and can detach it.
type Subscription struct {
	bus        *Bus
	id         int
	event      EventType
	generation uint64
}

// Unsubscribe removes the handler. Calling it after a Reset is a no-op
// because the reset already discarded the whole registration table.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.remove(s.event, s.id, s.generation)
}

// Bus is an in-process typed publish/subscribe dispatcher. Handlers for
// one event type run in registration order. The generation counter is
// bumped on every Reset so stale references are detectable.
type Bus struct {
	mu         sync.Mutex
	generation uint64
	handlers   map[EventType][]subscription
	nextSubID  int
	closed     bool
}

func New() *Bus {
	return &Bus{
		generation: 1,
		handlers:   make(map[EventType][]subscription),
	}
}

// Generation returns the current bus incarnation.
func (b *Bus) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

// Subscribe registers a named handler for one event type.
func (b *Bus) Subscribe(event EventType, name string, fn HandlerFunc) (*Subscription, error) {
	if fn == nil {
		return nil, errors.New("handler is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	b.nextSubID++
	sub := subscription{
		id:         b.nextSubID,
		name:       name,
		generation: b.generation,
		fn:         fn,
	}
	b.handlers[event] = append(b.handlers[event], sub)
	return &Subscription{bus: b, id: sub.id, event: event, generation: b.generation}, nil
}

// Publish fans evt to every handler registered for its type and collects
// each result. The caller expects at least one result: zero registered
// handlers yields a NoHandlerError instead of a silent no-op.
func (b *Bus) Publish(ctx context.Context, evt Event) ([]HandlerResult, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	subs := append([]subscription(nil), b.handlers[evt.EventType()]...)
	b.mu.Unlock()

	if len(subs) == 0 {
		return nil, &NoHandlerError{Event: evt.EventType()}
	}

	results := make([]HandlerResult, 0, len(subs))
	for _, sub := range subs {
		payload, err := sub.fn(ctx, evt)
		results = append(results, HandlerResult{Handler: sub.name, Payload: payload, Err: err})
	}
	return results, nil
}

// Post dispatches evt to whatever handlers exist. Unlike Publish it
// tolerates zero handlers; used for advisory events nobody has to serve.
func (b *Bus) Post(ctx context.Context, evt Event) []HandlerResult {
	results, err := b.Publish(ctx, evt)
	if err != nil {
		return nil
	}
	return results
}

// HasHandler reports whether at least one handler is registered for event.
func (b *Bus) HasHandler(event EventType) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[event]) > 0
}

// HandledTypes returns the sorted event types with at least one handler.
func (b *Bus) HandledTypes() []EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]EventType, 0, len(b.handlers))
	for event, subs := range b.handlers {
		if len(subs) > 0 {
			out = append(out, event)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// UnsubscribeAll drops every handler while keeping the bus incarnation.
// Unlike Reset the generation is untouched, so subscriptions made
// afterwards still belong to the same generation.
func (b *Bus) UnsubscribeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]subscription)
}

// Reset clears every subscription and bumps the generation. It does not
// re-subscribe anything: the owner must re-attach watchdogs before the
// bus is used again.
func (b *Bus) Reset() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]subscription)
	b.generation++
	return b.generation
}

// Close marks the bus dead. Subscribe and Publish fail afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[EventType][]subscription)
}

func (b *Bus) remove(event EventType, id int, generation uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if generation != b.generation {
		return
	}
	subs := b.handlers[event]
	out := subs[:0]
	for _, sub := range subs {
		if sub.id == id {
			continue
		}
		out = append(out, sub)
	}
	if len(out) == 0 {
		delete(b.handlers, event)
		return
	}
	b.handlers[event] = out
}
