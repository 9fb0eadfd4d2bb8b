package broadcast

import (
	"fmt"
	"testing"
	"time"

	"github.com/ent0n29/webpilot/internal/protocol"
)

func collect(ch <-chan protocol.StreamEvent, n int, t *testing.T) []protocol.StreamEvent {
	t.Helper()
	out := make([]protocol.StreamEvent, 0, n)
	for len(out) < n {
		select {
		case evt := <-ch:
			out = append(out, evt)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestDeliveryPreservesOrderPerListener(t *testing.T) {
	b := New()
	early, cancelEarly := b.Subscribe()
	defer cancelEarly()

	b.PushStep(map[string]int{"step": 1})

	// A listener registered mid-stream still sees later events in order.
	late, cancelLate := b.Subscribe()
	defer cancelLate()

	for i := 2; i <= 5; i++ {
		b.PushStep(map[string]int{"step": i})
	}

	earlyEvents := collect(early, 5, t)
	for i, evt := range earlyEvents {
		step := evt.Payload.(map[string]int)["step"]
		if step != i+1 {
			t.Fatalf("early listener event %d: step = %d, want %d", i, step, i+1)
		}
	}

	lateEvents := collect(late, 4, t)
	for i, evt := range lateEvents {
		step := evt.Payload.(map[string]int)["step"]
		if step != i+2 {
			t.Fatalf("late listener event %d: step = %d, want %d", i, step, i+2)
		}
	}
}

func TestSlowListenerDropsWithoutBlocking(t *testing.T) {
	b := New()
	b.buffer = 2
	slow, cancelSlow := b.Subscribe()
	defer cancelSlow()
	fast, cancelFast := b.Subscribe()
	defer cancelFast()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.PushMessage(fmt.Sprintf("m%d", i))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Push blocked on a saturated listener")
	}

	if b.Dropped() == 0 {
		t.Fatalf("Dropped() = 0, want > 0 for the saturated listener")
	}

	// The fast listener drains everything while the slow one kept only
	// its buffer's worth.
	fastEvents := collect(fast, 10, t)
	if got := fastEvents[9].Payload.(string); got != "m9" {
		t.Fatalf("fast listener last event = %q, want m9", got)
	}
	if got := len(slow); got != 2 {
		t.Fatalf("slow listener queue = %d, want 2", got)
	}
}

func TestResetEventReachesListeners(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe()
	defer cancel()

	b.PushReset()
	evt := collect(ch, 1, t)[0]
	if evt.Type != protocol.TypeReset {
		t.Fatalf("event type = %q, want %q", evt.Type, protocol.TypeReset)
	}
	if evt.At.IsZero() {
		t.Fatalf("event timestamp not set")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe()
	if b.ListenerCount() != 1 {
		t.Fatalf("ListenerCount() = %d, want 1", b.ListenerCount())
	}
	cancel()
	if b.ListenerCount() != 0 {
		t.Fatalf("ListenerCount() after cancel = %d, want 0", b.ListenerCount())
	}
	if _, open := <-ch; open {
		t.Fatalf("channel still open after unsubscribe")
	}
	// A second cancel is harmless.
	cancel()
}
