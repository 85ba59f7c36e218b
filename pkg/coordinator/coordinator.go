// Package coordinator routes inbound events to saga instances: it starts
// sagas from trigger events, advances running ones through their step
// handlers, drives compensation on failure and enforces idempotent,
// conflict-safe state commits.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sagaweave/sagaweave/pkg/clock"
	"github.com/sagaweave/sagaweave/pkg/compensation"
	"github.com/sagaweave/sagaweave/pkg/correlation"
	"github.com/sagaweave/sagaweave/pkg/dispatch"
	"github.com/sagaweave/sagaweave/pkg/logger"
	"github.com/sagaweave/sagaweave/pkg/outbox"
	"github.com/sagaweave/sagaweave/pkg/saga"
	"github.com/sagaweave/sagaweave/pkg/store"
)

// Message types the coordinator emits or consumes besides business events.
const (
	// SagaCompletedMessageType announces a successful completion.
	SagaCompletedMessageType = "saga.completed"

	// TimeoutEventType is synthesized by the scheduler when a step exceeds
	// its timeout.
	TimeoutEventType = "saga.step_timeout"
)

// ErrSagaTerminal indicates an operation against a saga that already
// reached a terminal status.
var ErrSagaTerminal = errors.New("coordinator: saga is terminal")

// SagaCompleted is the payload of SagaCompletedMessageType messages.
type SagaCompleted struct {
	SagaID      string       `json:"saga_id"`
	SagaType    saga.TypeRef `json:"saga_type"`
	CompletedAt time.Time    `json:"completed_at"`
}

// StepTimeout is the payload of TimeoutEventType events.
type StepTimeout struct {
	StepName string    `json:"step_name"`
	FiredAt  time.Time `json:"fired_at"`
}

// TimeoutScheduler arms and disarms per-step timers. The scheduler package
// implements it; the default is a no-op.
type TimeoutScheduler interface {
	ScheduleStepTimeout(sagaID, stepName string, fireAt time.Time)
	CancelSaga(sagaID string)
}

type nopScheduler struct{}

func (nopScheduler) ScheduleStepTimeout(string, string, time.Time) {}
func (nopScheduler) CancelSaga(string)                             {}

// NotFoundHandler is invoked for events that reference no live saga: an
// unknown ID, a terminal instance, or a non-trigger event with no match.
type NotFoundHandler func(ctx context.Context, event dispatch.Event, reason string)

// MetricsRecorder receives coordinator observations.
type MetricsRecorder interface {
	RecordEventProcessed(eventType, outcome string)
	RecordSagaStarted(sagaType string)
	RecordSagaFinished(sagaType string, status saga.Status, duration time.Duration)
	RecordConflictRetry()
}

type nopMetrics struct{}

func (nopMetrics) RecordEventProcessed(string, string)                   {}
func (nopMetrics) RecordSagaStarted(string)                              {}
func (nopMetrics) RecordSagaFinished(string, saga.Status, time.Duration) {}
func (nopMetrics) RecordConflictRetry()                                  {}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxConcurrency bounds how many events are processed at once.
func WithMaxConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.sem = make(chan struct{}, n)
		}
	}
}

// WithRetryConfig tunes the optimistic-concurrency retry loop.
func WithRetryConfig(cfg store.RetryConfig) Option {
	return func(c *Coordinator) { c.retry = cfg }
}

// WithDefaultStepTimeout sets the timeout for steps without one.
func WithDefaultStepTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.defaultTimeout = d }
}

// WithCorrelationIndex wires the index used to resolve events that carry a
// correlation ID but no saga ID.
func WithCorrelationIndex(idx correlation.Index) Option {
	return func(c *Coordinator) { c.index = idx }
}

// WithScheduler wires the step timeout scheduler.
func WithScheduler(s TimeoutScheduler) Option {
	return func(c *Coordinator) { c.sched = s }
}

// WithNotFoundHandler replaces the default (logging) handler for unroutable
// events.
func WithNotFoundHandler(h NotFoundHandler) Option {
	return func(c *Coordinator) { c.notFound = h }
}

// WithClock sets the clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) { c.clk = clk }
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// Coordinator orchestrates saga instances.
type Coordinator struct {
	registry *saga.Registry
	store    store.StateStore
	comp     *compensation.Engine
	index    correlation.Index
	sched    TimeoutScheduler
	clk      clock.Clock
	log      logger.Logger
	metrics  MetricsRecorder
	notFound NotFoundHandler

	locks          *keyedMutex
	sem            chan struct{}
	retry          store.RetryConfig
	defaultTimeout time.Duration
}

// New creates a coordinator.
func New(registry *saga.Registry, st store.StateStore, comp *compensation.Engine, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry:       registry,
		store:          st,
		comp:           comp,
		sched:          nopScheduler{},
		clk:            clock.System(),
		log:            logger.Global(),
		metrics:        nopMetrics{},
		locks:          newKeyedMutex(),
		sem:            make(chan struct{}, 10),
		retry:          store.RetryConfig{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 250 * time.Millisecond},
		defaultTimeout: 30 * time.Minute,
	}
	c.notFound = func(ctx context.Context, event dispatch.Event, reason string) {
		c.log.Debug("event not routed to any saga",
			"event_type", event.Type, "saga_id", event.SagaID,
			"correlation_id", event.CorrelationID, "reason", reason)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProcessEvent routes one inbound event. It may start new sagas, advance
// existing ones, or both; redelivered messages are absorbed idempotently.
func (c *Coordinator) ProcessEvent(ctx context.Context, event dispatch.Event) error {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	routed := false

	if event.SagaID != "" {
		if err := c.deliverToSaga(ctx, event.SagaID, event); err != nil {
			return err
		}
		routed = true
	} else if event.CorrelationID != "" && c.index != nil {
		entries, err := c.index.FindByCorrelationID(event.CorrelationID, correlation.QueryOptions{})
		if err != nil && !errors.Is(err, correlation.ErrEmptyKey) {
			return err
		}
		for _, entry := range entries {
			if err := c.deliverToSaga(ctx, entry.SagaID, event); err != nil {
				return err
			}
			routed = true
		}
	}

	// Trigger events start new instances. A redelivered trigger whose
	// message ID some instance of the same type already recorded is
	// absorbed instead of starting a duplicate.
	for _, ref := range c.registry.ResolveByTriggerEvent(event.Type) {
		consumed, err := c.triggerConsumed(ctx, ref, event)
		if err != nil {
			return err
		}
		if consumed {
			c.metrics.RecordEventProcessed(event.Type, "duplicate")
			c.log.Debug("duplicate trigger absorbed",
				"event_type", event.Type, "message_id", event.MessageID,
				"correlation_id", event.CorrelationID)
			routed = true
			continue
		}
		if err := c.startSaga(ctx, ref, event); err != nil {
			return err
		}
		routed = true
	}

	if !routed {
		c.notFound(ctx, event, "no matching saga")
		c.metrics.RecordEventProcessed(event.Type, "unrouted")
	}
	return nil
}

// Cancel transitions a saga to Cancelled. Running forward work is not
// interrupted mid-step; compensation is not started.
func (c *Coordinator) Cancel(ctx context.Context, sagaID, reason string) error {
	c.locks.lock(sagaID)
	defer c.locks.unlock(sagaID)

	return store.RetryOnConflict(ctx, c.retry, func() error {
		st, err := c.store.Load(ctx, sagaID)
		if err != nil {
			return err
		}
		if st.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrSagaTerminal, sagaID, st.Status)
		}
		expected := st.Version
		if err := st.TransitionTo(saga.StatusCancelled, c.clk.Now()); err != nil {
			return err
		}
		if _, err := c.store.Save(ctx, st, expected, nil); err != nil {
			if errors.Is(err, store.ErrConcurrencyConflict) {
				c.metrics.RecordConflictRetry()
			}
			return err
		}
		c.sched.CancelSaga(sagaID)
		c.metrics.RecordSagaFinished(st.SagaType.Name, saga.StatusCancelled, c.clk.Now().Sub(st.StartedAt))
		c.log.Info("saga cancelled", "saga_id", sagaID, "reason", reason)
		return nil
	})
}

// triggerConsumed reports whether an instance of ref already recorded the
// trigger's message ID. It needs the correlation index; without one (or
// without a correlation ID on the event) redeliveries cannot be detected.
func (c *Coordinator) triggerConsumed(ctx context.Context, ref saga.TypeRef, event dispatch.Event) (bool, error) {
	if c.index == nil || event.CorrelationID == "" || event.MessageID == "" {
		return false, nil
	}
	entries, err := c.index.FindByCorrelationID(event.CorrelationID, correlation.QueryOptions{IncludeCompleted: true})
	if err != nil {
		if errors.Is(err, correlation.ErrEmptyKey) {
			return false, nil
		}
		return false, err
	}
	for _, entry := range entries {
		if entry.SagaType != ref {
			continue
		}
		st, err := c.store.Load(ctx, entry.SagaID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return false, err
		}
		if st.HasSeenMessage(event.MessageID) {
			return true, nil
		}
	}
	return false, nil
}

func (c *Coordinator) startSaga(ctx context.Context, ref saga.TypeRef, event dispatch.Event) error {
	def, err := c.registry.Get(ref)
	if err != nil {
		return err
	}

	sagaID := clock.NewID()
	now := c.clk.Now()
	st := saga.NewState(sagaID, def, event.CorrelationID, tenantFrom(ctx), event.Payload, now)
	if err := st.TransitionTo(saga.StatusRunning, now); err != nil {
		return err
	}

	c.metrics.RecordSagaStarted(ref.Name)
	c.log.Info("saga started",
		"saga_id", sagaID, "saga_type", ref.String(),
		"trigger", event.Type, "correlation_id", event.CorrelationID)

	c.locks.lock(sagaID)
	defer c.locks.unlock(sagaID)
	return c.executeStep(ctx, def, st, 0, event)
}

func (c *Coordinator) deliverToSaga(ctx context.Context, sagaID string, event dispatch.Event) error {
	c.locks.lock(sagaID)
	defer c.locks.unlock(sagaID)

	return store.RetryOnConflict(ctx, c.retry, func() error {
		st, err := c.store.Load(ctx, sagaID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.notFound(ctx, event, "saga not found")
				c.metrics.RecordEventProcessed(event.Type, "not_found")
				return nil
			}
			return err
		}

		if st.HasSeenMessage(event.MessageID) {
			c.metrics.RecordEventProcessed(event.Type, "duplicate")
			c.log.Debug("duplicate message absorbed",
				"saga_id", sagaID, "message_id", event.MessageID)
			return nil
		}

		if st.Status.IsTerminal() {
			c.notFound(ctx, event, "saga is terminal")
			c.metrics.RecordEventProcessed(event.Type, "terminal")
			return nil
		}

		def, err := c.registry.Get(st.SagaType)
		if err != nil {
			return err
		}

		if event.Type == TimeoutEventType {
			return c.handleTimeout(ctx, def, st, event)
		}

		if st.Status != saga.StatusRunning || !def.HandlesInState(event.Type, st.CurrentStepIndex) {
			c.notFound(ctx, event, "no step handles event in current state")
			c.metrics.RecordEventProcessed(event.Type, "unhandled")
			return nil
		}

		err = c.executeStep(ctx, def, st, st.CurrentStepIndex, event)
		if errors.Is(err, store.ErrConcurrencyConflict) {
			c.metrics.RecordConflictRetry()
		}
		return err
	})
}

// executeStep runs the handler of the step at stepIndex and commits the
// resulting transition. st must be loaded at its current version and the
// caller must hold the saga lock.
func (c *Coordinator) executeStep(ctx context.Context, def *saga.Definition, st *saga.State, stepIndex int, event dispatch.Event) error {
	step := def.StepAt(stepIndex)
	if step == nil {
		return fmt.Errorf("coordinator: saga %s has no step at index %d", st.SagaID, stepIndex)
	}

	startedAt := c.clk.Now()
	outcome := step.Handler(ctx, st.Payload, event)
	completedAt := c.clk.Now()
	expected := st.Version

	switch outcome.Kind {
	case saga.OutcomeCompleted:
		if outcome.Payload != nil {
			st.Payload = outcome.Payload
		}
		st.AppendRecord(saga.StepExecutionRecord{
			StepName:    step.Name,
			Kind:        saga.RecordKindStep,
			MessageID:   event.MessageID,
			StartedAt:   startedAt,
			CompletedAt: &completedAt,
			Outcome:     saga.RecordOutcomeSuccess,
			Attempts:    1,
		})

		nextIndex := outcome.NextIndex
		if nextIndex <= st.CurrentStepIndex {
			nextIndex = stepIndex + 1
		}
		st.CurrentStepIndex = nextIndex

		batch := c.stageMessages(st, outcome.Messages)

		if nextIndex >= st.TotalSteps {
			if err := st.TransitionTo(saga.StatusCompleted, completedAt); err != nil {
				return err
			}
			completed, err := c.completionRecord(st)
			if err != nil {
				return err
			}
			batch = append(batch, completed)
		}

		if _, err := c.store.Save(ctx, st, expected, batch); err != nil {
			return err
		}

		if st.Status == saga.StatusCompleted {
			c.sched.CancelSaga(st.SagaID)
			c.metrics.RecordSagaFinished(st.SagaType.Name, saga.StatusCompleted, completedAt.Sub(st.StartedAt))
			c.log.Info("saga completed", "saga_id", st.SagaID, "saga_type", st.SagaType.String())
		} else {
			c.armTimeout(def, st)
		}
		c.metrics.RecordEventProcessed(event.Type, "completed")
		return nil

	case saga.OutcomeFailed:
		return c.failStep(ctx, def, st, step.Name, outcome.Reason, event, startedAt)

	case saga.OutcomeSuspended:
		if st.Version == 0 {
			// A brand-new saga suspending on its first step must still be
			// committed, or the awaited event would find nothing.
			if _, err := c.store.Save(ctx, st, 0, nil); err != nil {
				return err
			}
			c.armTimeout(def, st)
		}
		c.metrics.RecordEventProcessed(event.Type, "suspended")
		c.log.Debug("step suspended",
			"saga_id", st.SagaID, "step", step.Name, "wait_for", outcome.WaitFor)
		return nil

	default:
		return fmt.Errorf("coordinator: saga %s step %s returned unknown outcome %d",
			st.SagaID, step.Name, outcome.Kind)
	}
}

// failStep records the failure, commits the Compensating transition, then
// runs compensation and commits the terminal result as a second save. The
// intermediate commit makes the failure durable before any compensator runs.
func (c *Coordinator) failStep(ctx context.Context, def *saga.Definition, st *saga.State, stepName, reason string, event dispatch.Event, startedAt time.Time) error {
	now := c.clk.Now()
	st.AppendRecord(saga.StepExecutionRecord{
		StepName:    stepName,
		Kind:        saga.RecordKindStep,
		MessageID:   event.MessageID,
		StartedAt:   startedAt,
		CompletedAt: &now,
		Outcome:     saga.RecordOutcomeFailed,
		Attempts:    1,
		Reason:      reason,
	})

	expected := st.Version
	if st.Status == saga.StatusCreated {
		// A trigger whose first step fails immediately has no committed
		// Running state; pass through Running to keep transitions legal.
		if err := st.TransitionTo(saga.StatusRunning, now); err != nil {
			return err
		}
	}
	if err := st.TransitionTo(saga.StatusCompensating, now); err != nil {
		return err
	}
	if _, err := c.store.Save(ctx, st, expected, nil); err != nil {
		return err
	}
	c.sched.CancelSaga(st.SagaID)
	c.log.Warn("step failed, compensating",
		"saga_id", st.SagaID, "step", stepName, "reason", reason)

	finalStatus, batch, err := c.comp.Compensate(ctx, st, stepName, reason)
	if err != nil {
		return err
	}

	expected = st.Version
	if err := st.TransitionTo(finalStatus, c.clk.Now()); err != nil {
		return err
	}
	if _, err := c.store.Save(ctx, st, expected, batch); err != nil {
		return err
	}

	c.metrics.RecordEventProcessed(event.Type, "failed")
	c.metrics.RecordSagaFinished(st.SagaType.Name, finalStatus, c.clk.Now().Sub(st.StartedAt))
	c.log.Info("saga compensation finished",
		"saga_id", st.SagaID, "status", finalStatus.String())
	return nil
}

func (c *Coordinator) handleTimeout(ctx context.Context, def *saga.Definition, st *saga.State, event dispatch.Event) error {
	var timeout StepTimeout
	if err := json.Unmarshal(event.Payload, &timeout); err != nil {
		return fmt.Errorf("coordinator: decode timeout event: %w", err)
	}

	step := def.StepAt(st.CurrentStepIndex)
	if st.Status != saga.StatusRunning || step == nil || step.Name != timeout.StepName {
		// Stale timer; the saga moved on before it fired.
		c.metrics.RecordEventProcessed(event.Type, "stale")
		return nil
	}

	reason := fmt.Sprintf("step %s timed out", timeout.StepName)
	return c.failStep(ctx, def, st, timeout.StepName, reason, event, timeout.FiredAt)
}

func (c *Coordinator) armTimeout(def *saga.Definition, st *saga.State) {
	step := def.StepAt(st.CurrentStepIndex)
	if step == nil {
		return
	}
	timeout := step.Timeout
	if timeout == 0 {
		timeout = def.DefaultStepTimeout
	}
	if timeout == 0 {
		timeout = c.defaultTimeout
	}
	if timeout <= 0 {
		return
	}
	c.sched.ScheduleStepTimeout(st.SagaID, step.Name, c.clk.Now().Add(timeout))
}

func (c *Coordinator) stageMessages(st *saga.State, msgs []dispatch.Message) []outbox.Record {
	records := make([]outbox.Record, 0, len(msgs))
	now := c.clk.Now()
	for _, msg := range msgs {
		id := msg.MessageID
		if id == "" {
			id = clock.NewID()
		}
		records = append(records, outbox.Record{
			ID:            id,
			SagaID:        st.SagaID,
			CorrelationID: st.CorrelationID,
			MessageType:   msg.Type,
			Payload:       msg.Payload,
			Headers:       msg.Headers,
			CreatedAt:     now,
		})
	}
	return records
}

func (c *Coordinator) completionRecord(st *saga.State) (outbox.Record, error) {
	payload, err := json.Marshal(SagaCompleted{
		SagaID:      st.SagaID,
		SagaType:    st.SagaType,
		CompletedAt: *st.CompletedAt,
	})
	if err != nil {
		return outbox.Record{}, fmt.Errorf("coordinator: marshal completion: %w", err)
	}
	return outbox.Record{
		ID:            clock.NewID(),
		SagaID:        st.SagaID,
		CorrelationID: st.CorrelationID,
		MessageType:   SagaCompletedMessageType,
		Payload:       payload,
		CreatedAt:     c.clk.Now(),
	}, nil
}

func tenantFrom(ctx context.Context) string {
	if mc, ok := dispatch.MessageContextFrom(ctx); ok {
		return mc.TenantID
	}
	return ""
}
