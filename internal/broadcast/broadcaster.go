package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/webpilot/internal/protocol"
)

const defaultListenerBuffer = 256

// Broadcaster fans run-progress events out to connected listeners. Each
// listener owns an independent buffered queue, so a slow consumer drops
// its own backlog instead of blocking the controller or its peers.
type Broadcaster struct {
	mu        sync.Mutex
	listeners map[int]chan protocol.StreamEvent
	nextID    int
	buffer    int
	dropped   atomic.Int64
}

func New() *Broadcaster {
	return &Broadcaster{
		listeners: make(map[int]chan protocol.StreamEvent),
		buffer:    defaultListenerBuffer,
	}
}

// Subscribe registers a listener and returns its delivery channel plus a
// cancel func. The channel is closed on unsubscribe.
func (b *Broadcaster) Subscribe() (<-chan protocol.StreamEvent, func()) {
	ch := make(chan protocol.StreamEvent, b.buffer)
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.listeners[id]; ok {
			delete(b.listeners, id)
			close(c)
		}
	}
}

// Push delivers evt to every connected listener in registration-time
// order. Full listener queues drop the event for that listener only.
func (b *Broadcaster) Push(evt protocol.StreamEvent) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.listeners {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// PushMessage publishes a new transcript message.
func (b *Broadcaster) PushMessage(payload any) {
	b.Push(protocol.StreamEvent{Type: protocol.TypeMessage, Payload: payload})
}

// PushUpdate publishes an edit of an existing transcript message.
func (b *Broadcaster) PushUpdate(payload any) {
	b.Push(protocol.StreamEvent{Type: protocol.TypeUpdate, Payload: payload})
}

// PushStatus publishes a controller status snapshot.
func (b *Broadcaster) PushStatus(snapshot protocol.StatusSnapshot) {
	b.Push(protocol.StreamEvent{Type: protocol.TypeStatus, Payload: snapshot})
}

// PushStep publishes one completed task step.
func (b *Broadcaster) PushStep(payload any) {
	b.Push(protocol.StreamEvent{Type: protocol.TypeStep, Payload: payload})
}

// PushReset tells every listener to clear its local state.
func (b *Broadcaster) PushReset() {
	b.Push(protocol.StreamEvent{Type: protocol.TypeReset})
}

// ListenerCount returns the number of connected listeners.
func (b *Broadcaster) ListenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// Dropped returns the number of events dropped on saturated listeners.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}
