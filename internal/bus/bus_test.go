package bus

import (
	"context"
	"errors"
	"testing"
)

func TestPublishFansOutInOrder(t *testing.T) {
	b := New()
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		if _, err := b.Subscribe(TypeStep, name, func(_ context.Context, _ Event) (any, error) {
			order = append(order, name)
			return name, nil
		}); err != nil {
			t.Fatalf("Subscribe(%s) error: %v", name, err)
		}
	}

	results, err := b.Publish(context.Background(), Step{StepIndex: 1})
	if err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	want := []string{"first", "second", "third"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("order[%d] = %q, want %q", i, order[i], name)
		}
		if results[i].Handler != name {
			t.Fatalf("results[%d].Handler = %q, want %q", i, results[i].Handler, name)
		}
	}
}

func TestPublishWithoutHandlerFails(t *testing.T) {
	b := New()
	_, err := b.Publish(context.Background(), BrowserStateRequest{})
	if err == nil {
		t.Fatalf("Publish without handler: expected error, got nil")
	}
	if !IsNoHandler(err) {
		t.Fatalf("IsNoHandler(%v) = false, want true", err)
	}
	var nh *NoHandlerError
	if !errors.As(err, &nh) {
		t.Fatalf("error %v is not a *NoHandlerError", err)
	}
	if nh.Event != TypeBrowserStateRequest {
		t.Fatalf("NoHandlerError.Event = %q, want %q", nh.Event, TypeBrowserStateRequest)
	}
}

func TestPostToleratesMissingHandlers(t *testing.T) {
	b := New()
	if results := b.Post(context.Background(), Step{StepIndex: 1}); results != nil {
		t.Fatalf("Post without handler = %v, want nil", results)
	}
}

func TestResetClearsSubscriptionsAndBumpsGeneration(t *testing.T) {
	b := New()
	if _, err := b.Subscribe(TypeCrashDetected, "crash", func(_ context.Context, _ Event) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	if gen := b.Generation(); gen != 1 {
		t.Fatalf("Generation() = %d, want 1", gen)
	}

	newGen := b.Reset()
	if newGen != 2 {
		t.Fatalf("Reset() = %d, want 2", newGen)
	}
	if b.HasHandler(TypeCrashDetected) {
		t.Fatalf("HasHandler after Reset = true, want false")
	}
	if _, err := b.Publish(context.Background(), CrashDetected{}); !IsNoHandler(err) {
		t.Fatalf("Publish after Reset: err = %v, want NoHandlerError", err)
	}
}

func TestUnsubscribeAfterResetIsNoOp(t *testing.T) {
	b := New()
	sub, err := b.Subscribe(TypeStep, "stale", func(_ context.Context, _ Event) (any, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	b.Reset()
	if _, err := b.Subscribe(TypeStep, "fresh", func(_ context.Context, _ Event) (any, error) {
		return "fresh", nil
	}); err != nil {
		t.Fatalf("Subscribe after reset error: %v", err)
	}

	// The stale handle belongs to the previous generation and must not
	// touch the fresh registration.
	sub.Unsubscribe()

	results, err := b.Publish(context.Background(), Step{StepIndex: 1})
	if err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if len(results) != 1 || results[0].Handler != "fresh" {
		t.Fatalf("results = %+v, want single result from fresh handler", results)
	}
}

func TestUnsubscribeRemovesHandler(t *testing.T) {
	b := New()
	sub, err := b.Subscribe(TypeDownloadStarted, "dl", func(_ context.Context, _ Event) (any, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	sub.Unsubscribe()
	if b.HasHandler(TypeDownloadStarted) {
		t.Fatalf("HasHandler after Unsubscribe = true, want false")
	}
}

func TestHandledTypesSorted(t *testing.T) {
	b := New()
	for _, evt := range []EventType{TypeStep, TypeCrashDetected, TypeBrowserStateRequest} {
		if _, err := b.Subscribe(evt, "h", func(_ context.Context, _ Event) (any, error) {
			return nil, nil
		}); err != nil {
			t.Fatalf("Subscribe(%s) error: %v", evt, err)
		}
	}
	types := b.HandledTypes()
	if len(types) != 3 {
		t.Fatalf("len(HandledTypes()) = %d, want 3", len(types))
	}
	for i := 1; i < len(types); i++ {
		if types[i-1] >= types[i] {
			t.Fatalf("HandledTypes() not sorted: %v", types)
		}
	}
}

func TestClosedBusRejectsOperations(t *testing.T) {
	b := New()
	b.Close()
	if _, err := b.Subscribe(TypeStep, "late", func(_ context.Context, _ Event) (any, error) {
		return nil, nil
	}); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("Subscribe on closed bus: err = %v, want ErrBusClosed", err)
	}
	if _, err := b.Publish(context.Background(), Step{}); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("Publish on closed bus: err = %v, want ErrBusClosed", err)
	}
	if results := b.Post(context.Background(), Step{}); results != nil {
		t.Fatalf("Post on closed bus = %v, want nil", results)
	}
}

func TestHandlerErrorsAreCollectedNotPropagated(t *testing.T) {
	b := New()
	boom := errors.New("boom")
	if _, err := b.Subscribe(TypePermissionRequest, "bad", func(_ context.Context, _ Event) (any, error) {
		return nil, boom
	}); err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	if _, err := b.Subscribe(TypePermissionRequest, "good", func(_ context.Context, _ Event) (any, error) {
		return "ok", nil
	}); err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	results, err := b.Publish(context.Background(), PermissionRequest{Permission: "camera"})
	if err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if !errors.Is(results[0].Err, boom) {
		t.Fatalf("results[0].Err = %v, want boom", results[0].Err)
	}
	if results[1].Payload != "ok" {
		t.Fatalf("results[1].Payload = %v, want ok", results[1].Payload)
	}
}

func TestUnsubscribeAllKeepsGeneration(t *testing.T) {
	b := New()
	if _, err := b.Subscribe(TypeStep, "step", func(_ context.Context, _ Event) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	if _, err := b.Subscribe(TypeBrowserStateRequest, "state", func(_ context.Context, _ Event) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	gen := b.Generation()
	b.UnsubscribeAll()

	if b.HasHandler(TypeStep) || b.HasHandler(TypeBrowserStateRequest) {
		t.Fatalf("handlers survived UnsubscribeAll: %v", b.HandledTypes())
	}
	if b.Generation() != gen {
		t.Fatalf("Generation = %d after UnsubscribeAll, want unchanged %d", b.Generation(), gen)
	}

	// The bus stays usable within the same incarnation.
	if _, err := b.Subscribe(TypeStep, "again", func(_ context.Context, _ Event) (any, error) {
		return "ok", nil
	}); err != nil {
		t.Fatalf("Subscribe after UnsubscribeAll error: %v", err)
	}
	results, err := b.Publish(context.Background(), Step{StepIndex: 1})
	if err != nil || len(results) != 1 {
		t.Fatalf("Publish after re-subscribe = %v, %v, want one result", results, err)
	}
}
