package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sagaweave/sagaweave/pkg/clock"
	"github.com/sagaweave/sagaweave/pkg/dispatch"
	"github.com/sagaweave/sagaweave/pkg/saga"
	"github.com/sagaweave/sagaweave/pkg/store"
)

func TestBroadcaster_SubscribeBroadcastUnsubscribe(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(4)

	b.Broadcast(Event{Type: "saga.status_changed", Payload: map[string]any{"saga_id": "saga-1"}})

	select {
	case got := <-ch:
		if got.Type != "saga.status_changed" {
			t.Fatalf("type = %q, want saga.status_changed", got.Type)
		}
		if got.Timestamp.IsZero() {
			t.Fatal("expected timestamp to be stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("expected event on subscriber channel")
	}

	b.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestBroadcaster_SagaHelpers(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	ref := saga.TypeRef{Name: "OrderSaga", Version: 1}
	now := time.Now()
	b.BroadcastStatusChanged("saga-1", ref, saga.StatusRunning, 3, now)
	b.BroadcastStepFinished("saga-1", "Charge", saga.RecordKindStep, saga.RecordOutcomeFailed, "card declined", now)

	status := <-ch
	payload := status.Payload.(map[string]any)
	if payload["saga_id"] != "saga-1" || payload["saga_type"] != "OrderSaga/v1" {
		t.Fatalf("unexpected status payload: %v", payload)
	}
	if payload["status"] != saga.StatusRunning.String() {
		t.Fatalf("status = %v", payload["status"])
	}

	step := <-ch
	if step.Type != "saga.step_finished" {
		t.Fatalf("type = %q, want saga.step_finished", step.Type)
	}
	stepPayload := step.Payload.(map[string]any)
	if stepPayload["step_name"] != "Charge" || stepPayload["reason"] != "card declined" {
		t.Fatalf("unexpected step payload: %v", stepPayload)
	}
}

func TestBroadcastingStore_SaveBroadcasts(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(8)
	defer b.Unsubscribe(ch)

	inner := store.NewMemoryStateStore()
	defer inner.Close()
	wrapped := NewBroadcastingStore(inner, b)

	noop := func(ctx context.Context, payload json.RawMessage, event dispatch.Event) saga.StepOutcome {
		return saga.Completed(1)
	}
	def, err := saga.NewDefinition("OrderSaga", 1).
		Trigger("order.created").
		Step("Reserve").Handler(noop).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	state := saga.NewState("saga-1", def, "corr-1", "", nil, clock.System().Now())
	if _, err := wrapped.Save(context.Background(), state, 0, nil); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	select {
	case got := <-ch:
		if got.Type != "saga.status_changed" {
			t.Fatalf("type = %q, want saga.status_changed", got.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("expected status event after save")
	}

	// The decorated store still round-trips reads through the inner store.
	loaded, err := wrapped.Load(context.Background(), "saga-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.SagaID != "saga-1" {
		t.Fatalf("loaded saga id = %q", loaded.SagaID)
	}
}
