package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sagaweave/sagaweave/pkg/clock"
	"github.com/sagaweave/sagaweave/pkg/coordinator"
	"github.com/sagaweave/sagaweave/pkg/dispatch"
)

type recordingSink struct {
	mu     sync.Mutex
	events []dispatch.Event
	fail   bool
}

func (r *recordingSink) ProcessEvent(ctx context.Context, event dispatch.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("sink unavailable")
	}
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) received() []dispatch.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dispatch.Event(nil), r.events...)
}

func TestTickFiresOverdueTimer(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	fake := clock.NewFakeClock(base)
	sink := &recordingSink{}
	s := New(sink, WithClock(fake))

	s.ScheduleStepTimeout("saga-1", "Charge", base.Add(time.Minute))

	// Before the deadline nothing fires.
	s.Tick(context.Background())
	if got := sink.received(); len(got) != 0 {
		t.Fatalf("fired early: %v", got)
	}

	fake.Advance(2 * time.Minute)
	s.Tick(context.Background())

	got := sink.received()
	if len(got) != 1 {
		t.Fatalf("fired %d events, want 1", len(got))
	}
	ev := got[0]
	if ev.Type != coordinator.TimeoutEventType || ev.SagaID != "saga-1" {
		t.Fatalf("event = %+v", ev)
	}
	var payload coordinator.StepTimeout
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.StepName != "Charge" {
		t.Fatalf("step = %s", payload.StepName)
	}

	// The timer is disarmed after firing.
	if s.ArmedCount() != 0 {
		t.Fatalf("armed = %d after firing", s.ArmedCount())
	}
	s.Tick(context.Background())
	if got := sink.received(); len(got) != 1 {
		t.Fatalf("timer fired twice: %v", got)
	}
}

func TestCancelDisarmsTimer(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	fake := clock.NewFakeClock(base)
	sink := &recordingSink{}
	s := New(sink, WithClock(fake))

	s.ScheduleStepTimeout("saga-1", "Charge", base.Add(time.Minute))
	s.CancelSaga("saga-1")

	fake.Advance(time.Hour)
	s.Tick(context.Background())
	if got := sink.received(); len(got) != 0 {
		t.Fatalf("cancelled timer fired: %v", got)
	}
}

func TestReschedulingReplacesTimer(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	fake := clock.NewFakeClock(base)
	sink := &recordingSink{}
	s := New(sink, WithClock(fake))

	s.ScheduleStepTimeout("saga-1", "Reserve", base.Add(time.Minute))
	// The saga advanced; the Charge deadline replaces Reserve's.
	s.ScheduleStepTimeout("saga-1", "Charge", base.Add(time.Hour))

	fake.Advance(2 * time.Minute)
	s.Tick(context.Background())
	if got := sink.received(); len(got) != 0 {
		t.Fatalf("replaced timer fired: %v", got)
	}
	if s.ArmedCount() != 1 {
		t.Fatalf("armed = %d, want 1", s.ArmedCount())
	}
}

func TestUnhealthyThresholdDelaysFiring(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	fake := clock.NewFakeClock(base)
	sink := &recordingSink{}
	s := New(sink,
		WithClock(fake),
		WithDegradedThreshold(0),
		WithUnhealthyThreshold(5*time.Minute),
	)

	s.ScheduleStepTimeout("saga-1", "Charge", base.Add(time.Minute))

	// Past the deadline but inside the unhealthy window: degraded only.
	fake.Advance(2 * time.Minute)
	s.Tick(context.Background())
	if got := sink.received(); len(got) != 0 {
		t.Fatalf("fired inside unhealthy window: %v", got)
	}
	if s.ArmedCount() != 1 {
		t.Fatal("timer dropped while degraded")
	}

	fake.Advance(10 * time.Minute)
	s.Tick(context.Background())
	if got := sink.received(); len(got) != 1 {
		t.Fatalf("fired %d events past unhealthy threshold, want 1", len(got))
	}
}

func TestFailedDeliveryRearms(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	fake := clock.NewFakeClock(base)
	sink := &recordingSink{fail: true}
	s := New(sink, WithClock(fake))

	s.ScheduleStepTimeout("saga-1", "Charge", base.Add(time.Minute))
	fake.Advance(2 * time.Minute)
	s.Tick(context.Background())

	if s.ArmedCount() != 1 {
		t.Fatal("timer not re-armed after delivery failure")
	}

	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()

	s.Tick(context.Background())
	if got := sink.received(); len(got) != 1 {
		t.Fatalf("retry delivered %d events, want 1", len(got))
	}
	if s.ArmedCount() != 0 {
		t.Fatal("timer still armed after successful retry")
	}
}
