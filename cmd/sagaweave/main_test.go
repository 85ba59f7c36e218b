package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sagaweave/sagaweave/pkg/clock"
	"github.com/sagaweave/sagaweave/pkg/compensation"
	"github.com/sagaweave/sagaweave/pkg/coordinator"
	"github.com/sagaweave/sagaweave/pkg/correlation"
	"github.com/sagaweave/sagaweave/pkg/dispatch"
	"github.com/sagaweave/sagaweave/pkg/logger"
	"github.com/sagaweave/sagaweave/pkg/outbox"
	"github.com/sagaweave/sagaweave/pkg/saga"
	"github.com/sagaweave/sagaweave/pkg/store"
)

func testMainLogger() logger.Logger {
	return logger.New(&logger.Config{
		Level:  logger.ErrorLevel,
		Format: "json",
		Output: "stdout",
	})
}

func TestBuildOverrides(t *testing.T) {
	origName, origPort, origLevel, origDebug := *appName, *serverPort, *logLevel, *debugMode
	t.Cleanup(func() {
		*appName, *serverPort, *logLevel, *debugMode = origName, origPort, origLevel, origDebug
	})

	*appName = "override-test"
	*serverPort = 9999
	*logLevel = "debug"
	*debugMode = true

	overrides := buildOverrides()
	if overrides["app.name"] != "override-test" {
		t.Errorf("app.name = %v", overrides["app.name"])
	}
	if overrides["server.port"] != 9999 {
		t.Errorf("server.port = %v", overrides["server.port"])
	}
	if overrides["log.level"] != "debug" {
		t.Errorf("log.level = %v", overrides["log.level"])
	}
	if overrides["app.debug"] != true {
		t.Errorf("app.debug = %v", overrides["app.debug"])
	}

	*appName, *serverPort, *logLevel, *debugMode = "", 0, "", false
	if got := buildOverrides(); len(got) != 0 {
		t.Errorf("expected empty overrides, got %v", got)
	}
}

func TestEventFromMessage(t *testing.T) {
	msg := dispatch.Message{
		MessageID:     "m1",
		Type:          "order.placed",
		SagaID:        "saga-1",
		CorrelationID: "order-42",
		Payload:       json.RawMessage(`{"sku":"A"}`),
		Headers:       map[string]string{"tenant": "acme"},
	}

	event := eventFromMessage(msg)
	if event.MessageID != "m1" || event.Type != "order.placed" {
		t.Fatalf("unexpected event identity: %+v", event)
	}
	if event.SagaID != "saga-1" || event.CorrelationID != "order-42" {
		t.Fatalf("unexpected event routing: %+v", event)
	}
	if event.OccurredAt.IsZero() {
		t.Fatal("expected OccurredAt to be stamped")
	}
}

func TestCoordinatorSink_BeforeStart(t *testing.T) {
	sink := &coordinatorSink{}
	if err := sink.ProcessEvent(context.Background(), dispatch.Event{Type: "x"}); err == nil {
		t.Fatal("expected error before coordinator is wired")
	}
}

func TestRuntimeChecker(t *testing.T) {
	st := store.NewMemoryStateStore()
	t.Cleanup(func() { _ = st.Close() })

	checker := &runtimeChecker{store: st, sched: nil, started: time.Now()}
	if !checker.Healthy() {
		t.Fatal("expected healthy with reachable store")
	}
	if !checker.Ready() {
		t.Fatal("expected ready with reachable store")
	}
}

func TestRunIngress_MemoryBus(t *testing.T) {
	registry := saga.NewRegistry()
	reserve := func(ctx context.Context, payload json.RawMessage, event dispatch.Event) saga.StepOutcome {
		return saga.Completed(1)
	}
	def, err := saga.NewDefinition("OrderSaga", 1).
		Trigger("order.placed").
		Step("Reserve").Handler(reserve).
		Build()
	if err != nil {
		t.Fatalf("build definition: %v", err)
	}
	if err := registry.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	idx := correlation.NewMemoryIndex()
	// The completion commit stages a record, so the store needs an outbox.
	st := store.NewMemoryStateStore(
		store.WithMemoryOutbox(outbox.NewMemoryStore()),
		store.WithMemoryIndex(idx),
	)
	t.Cleanup(func() { _ = st.Close() })

	comp := compensation.NewEngine(registry, compensation.WithLogger(testMainLogger()))
	coord := coordinator.New(registry, st, comp,
		coordinator.WithCorrelationIndex(idx),
		coordinator.WithClock(clock.System()),
		coordinator.WithLogger(testMainLogger()),
	)

	bus := dispatch.NewMemoryDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go runIngress(ctx, testMainLogger(), coord, registry, bus, nil)

	// Give the ingress loop a moment to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	err = bus.Publish(ctx, dispatch.Message{
		MessageID:     "m1",
		Type:          "order.placed",
		CorrelationID: "order-42",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := idx.FindByCorrelationID("order-42", correlation.QueryOptions{IncludeCompleted: true})
		if err == nil && len(entries) == 1 && entries[0].Status == saga.StatusCompleted {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("saga did not complete via memory bus ingress")
}
