package saga

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sagaweave/sagaweave/pkg/dispatch"
)

func noopHandler(ctx context.Context, payload json.RawMessage, event dispatch.Event) StepOutcome {
	return Completed(0)
}

func noopCompensator(ctx context.Context, payload json.RawMessage, record StepExecutionRecord) ([]dispatch.Message, error) {
	return nil, nil
}

func testDefinition(t *testing.T, name string, version int) *Definition {
	t.Helper()
	def, err := NewDefinition(name, version).
		Trigger("OrderPlaced").
		Step("Reserve").Handles("InventoryReserved").Handler(noopHandler).
		Compensator(noopCompensator).
		Step("Charge").Handles("PaymentCharged").Handler(noopHandler).
		Compensator(noopCompensator).
		Step("Ship").Handles("Shipped").Handler(noopHandler).
		Build()
	if err != nil {
		t.Fatalf("build definition: %v", err)
	}
	return def
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	reg := NewRegistry()
	def := testDefinition(t, "OrderSaga", 1)

	if err := reg.Register(def); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := reg.Register(def)
	if !errors.Is(err, ErrDuplicateDefinition) {
		t.Fatalf("expected ErrDuplicateDefinition, got %v", err)
	}
}

func TestRegistryAllowsMultipleVersions(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(testDefinition(t, "OrderSaga", 1)); err != nil {
		t.Fatalf("register v1: %v", err)
	}
	if err := reg.Register(testDefinition(t, "OrderSaga", 2)); err != nil {
		t.Fatalf("register v2: %v", err)
	}

	latest, err := reg.Latest("OrderSaga")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Version != 2 {
		t.Fatalf("latest version = %d, want 2", latest.Version)
	}
}

func TestRegistryRejectsInvalidDefinition(t *testing.T) {
	reg := NewRegistry()

	_, err := NewDefinition("Broken", 1).Build()
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition for zero steps, got %v", err)
	}

	bad := &Definition{
		Name:    "Broken",
		Version: 1,
		Steps:   []StepDescriptor{{Name: "a", Handler: noopHandler}},
		Compensators: []CompensatorDescriptor{
			{ForStep: "missing", Compensator: noopCompensator, MaxRetries: -1},
		},
	}
	err = reg.Register(bad)
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition for dangling compensator, got %v", err)
	}
}

func TestRegistryResolveByTriggerEvent(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(testDefinition(t, "OrderSaga", 1)); err != nil {
		t.Fatalf("register: %v", err)
	}

	refs := reg.ResolveByTriggerEvent("OrderPlaced")
	if len(refs) != 1 || refs[0].Name != "OrderSaga" {
		t.Fatalf("resolve OrderPlaced = %v", refs)
	}
	if got := reg.ResolveByTriggerEvent("UnrelatedEvent"); len(got) != 0 {
		t.Fatalf("expected no refs for unrelated event, got %v", got)
	}
}

func TestRegistryEventTypes(t *testing.T) {
	reg := NewRegistry()
	if got := reg.EventTypes(); len(got) != 0 {
		t.Fatalf("empty registry event types = %v", got)
	}

	if err := reg.Register(testDefinition(t, "OrderSaga", 1)); err != nil {
		t.Fatalf("register: %v", err)
	}

	want := []string{"InventoryReserved", "OrderPlaced", "PaymentCharged", "Shipped"}
	got := reg.EventTypes()
	if len(got) != len(want) {
		t.Fatalf("EventTypes() = %v, want %v", got, want)
	}
	for i, eventType := range want {
		if got[i] != eventType {
			t.Fatalf("EventTypes()[%d] = %q, want %q", i, got[i], eventType)
		}
	}
}

func TestRegistryGetUnknown(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get(TypeRef{Name: "Nope", Version: 1})
	if !errors.Is(err, ErrDefinitionNotFound) {
		t.Fatalf("expected ErrDefinitionNotFound, got %v", err)
	}
}

func TestCompensationPlanReverseOrder(t *testing.T) {
	def := testDefinition(t, "OrderSaga", 1)

	// Both Reserve and Charge completed; Ship has no compensator.
	plan := def.CompensationPlan(3)
	if len(plan) != 2 {
		t.Fatalf("plan length = %d, want 2", len(plan))
	}
	if plan[0].ForStep != "Charge" || plan[1].ForStep != "Reserve" {
		t.Fatalf("plan order = [%s %s], want [Charge Reserve]", plan[0].ForStep, plan[1].ForStep)
	}

	// Only the first step completed.
	plan = def.CompensationPlan(1)
	if len(plan) != 1 || plan[0].ForStep != "Reserve" {
		t.Fatalf("partial plan = %v", plan)
	}

	if got := def.CompensationPlan(0); len(got) != 0 {
		t.Fatalf("expected empty plan for zero steps, got %v", got)
	}
}

func TestCompensationPlanExplicitOrder(t *testing.T) {
	def, err := NewDefinition("Priority", 1).
		Trigger("Start").
		Step("a").Handler(noopHandler).Compensator(noopCompensator).CompensationOrder(10).
		Step("b").Handler(noopHandler).Compensator(noopCompensator).CompensationOrder(5).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	plan := def.CompensationPlan(2)
	if plan[0].ForStep != "a" || plan[1].ForStep != "b" {
		t.Fatalf("explicit order ignored: [%s %s]", plan[0].ForStep, plan[1].ForStep)
	}
}

func TestRegistryMigratePayload(t *testing.T) {
	reg := NewRegistry()
	err := reg.RegisterMigration("OrderSaga", 1, 2, func(payload []byte) ([]byte, error) {
		return append(payload, []byte(`+v2`)...), nil
	})
	if err != nil {
		t.Fatalf("register migration: %v", err)
	}

	out, err := reg.MigratePayload("OrderSaga", 1, 2, []byte(`{}`))
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if string(out) != `{}+v2` {
		t.Fatalf("migrated payload = %s", out)
	}

	_, err = reg.MigratePayload("OrderSaga", 2, 4, []byte(`{}`))
	if !errors.Is(err, ErrDefinitionNotFound) {
		t.Fatalf("expected ErrDefinitionNotFound for missing migration, got %v", err)
	}

	_, err = reg.MigratePayload("OrderSaga", 2, 1, []byte(`{}`))
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for downgrade, got %v", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusCreated, StatusRunning, true},
		{StatusCreated, StatusCancelled, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusCompensating, true},
		{StatusRunning, StatusCancelled, true},
		{StatusCompensating, StatusCompensatedSuccessfully, true},
		{StatusCompensating, StatusCompensationFailed, true},
		{StatusCreated, StatusCompleted, false},
		{StatusCompensating, StatusRunning, false},
	}
	for _, tc := range cases {
		err := ValidateTransition(tc.from, tc.to)
		if tc.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s -> %s: expected error", tc.from, tc.to)
		}
	}
}

func TestTerminalStatusesAbsorb(t *testing.T) {
	terminals := []Status{
		StatusCompleted,
		StatusCompensatedSuccessfully,
		StatusCompensationFailed,
		StatusCancelled,
	}
	all := []Status{
		StatusCreated, StatusRunning, StatusCompensating,
		StatusCompleted, StatusCompensatedSuccessfully,
		StatusCompensationFailed, StatusCancelled,
	}
	for _, from := range terminals {
		if !from.IsTerminal() {
			t.Errorf("%s should be terminal", from)
		}
		for _, to := range all {
			if err := ValidateTransition(from, to); !errors.Is(err, ErrTerminalState) {
				t.Errorf("%s -> %s: expected ErrTerminalState, got %v", from, to, err)
			}
		}
	}
}

func TestStateTransitionStampsCompletedAt(t *testing.T) {
	def := testDefinition(t, "OrderSaga", 1)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := NewState("saga-1", def, "corr-1", "", nil, now)

	if err := st.TransitionTo(StatusRunning, now); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if st.CompletedAt != nil {
		t.Fatal("running state must not carry CompletedAt")
	}

	done := now.Add(time.Minute)
	st.CurrentStepIndex = st.TotalSteps
	if err := st.TransitionTo(StatusCompleted, done); err != nil {
		t.Fatalf("to completed: %v", err)
	}
	if st.CompletedAt == nil || !st.CompletedAt.Equal(done) {
		t.Fatalf("CompletedAt = %v, want %v", st.CompletedAt, done)
	}

	if err := st.TransitionTo(StatusRunning, done); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState after completion, got %v", err)
	}
}

func TestStateMessageDedup(t *testing.T) {
	def := testDefinition(t, "OrderSaga", 1)
	st := NewState("saga-1", def, "corr-1", "", nil, time.Now())

	st.AppendRecord(StepExecutionRecord{
		StepName:  "Reserve",
		Kind:      RecordKindStep,
		MessageID: "msg-1",
		StartedAt: time.Now(),
		Outcome:   RecordOutcomeSuccess,
		Attempts:  1,
	})

	if !st.HasSeenMessage("msg-1") {
		t.Fatal("msg-1 should be seen")
	}
	if st.HasSeenMessage("msg-2") {
		t.Fatal("msg-2 should not be seen")
	}
	if st.HasSeenMessage("") {
		t.Fatal("empty message id never matches")
	}
}

func TestStateCloneIsDeep(t *testing.T) {
	def := testDefinition(t, "OrderSaga", 1)
	st := NewState("saga-1", def, "corr-1", "tenant-1", json.RawMessage(`{"a":1}`), time.Now())
	st.AppendRecord(StepExecutionRecord{StepName: "Reserve", Kind: RecordKindStep, Outcome: RecordOutcomePending})

	clone := st.Clone()
	clone.StepHistory[0].Outcome = RecordOutcomeSuccess
	clone.Payload[2] = 'b'

	if st.StepHistory[0].Outcome != RecordOutcomePending {
		t.Fatal("clone shares step history")
	}
	if string(st.Payload) != `{"a":1}` {
		t.Fatal("clone shares payload bytes")
	}
}
