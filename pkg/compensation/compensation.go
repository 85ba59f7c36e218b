// Package compensation executes the reverse path of a failed saga: it walks
// the compensators for every completed step in reverse order, applying the
// per-compensator retry budget and failure strategy.
package compensation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sagaweave/sagaweave/pkg/clock"
	"github.com/sagaweave/sagaweave/pkg/dispatch"
	"github.com/sagaweave/sagaweave/pkg/logger"
	"github.com/sagaweave/sagaweave/pkg/outbox"
	"github.com/sagaweave/sagaweave/pkg/saga"
)

// FaultMessageType is the outbox message type for compensation faults.
const FaultMessageType = "saga.compensation.fault"

// ErrManualInterventionRequired marks a compensator configured to stop the
// saga for an operator instead of retrying.
var ErrManualInterventionRequired = errors.New("compensation: manual intervention required")

// FaultEvent is published when compensation cannot complete. Operators
// subscribe to it; the saga itself parks in CompensationFailed.
type FaultEvent struct {
	SagaID         string            `json:"saga_id"`
	SagaType       saga.TypeRef      `json:"saga_type"`
	FailedStepName string            `json:"failed_step_name"`
	FaultReason    string            `json:"fault_reason"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// MetricsRecorder receives compensation observations.
type MetricsRecorder interface {
	RecordCompensationStep(sagaType, step, outcome string)
	RecordCompensationRun(sagaType string, status saga.Status, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordCompensationStep(string, string, string)            {}
func (nopMetrics) RecordCompensationRun(string, saga.Status, time.Duration) {}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxRetries sets the default retry budget for compensators that
// inherit it (MaxRetries -1).
func WithMaxRetries(n int) Option {
	return func(e *Engine) { e.maxRetries = n }
}

// WithRetryDelay sets the base delay between compensator retries; the delay
// doubles per attempt.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Engine) { e.retryDelay = d }
}

// WithAutoCompensation toggles whether StrategyDefault retries (true) or
// stops for manual intervention (false).
func WithAutoCompensation(enabled bool) Option {
	return func(e *Engine) { e.autoCompensate = enabled }
}

// WithClock sets the clock.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) { e.clk = clk }
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine runs compensation plans.
type Engine struct {
	registry       *saga.Registry
	clk            clock.Clock
	log            logger.Logger
	metrics        MetricsRecorder
	maxRetries     int
	retryDelay     time.Duration
	autoCompensate bool
}

// NewEngine creates a compensation engine over a definition registry.
func NewEngine(registry *saga.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry:       registry,
		clk:            clock.System(),
		log:            logger.Global(),
		metrics:        nopMetrics{},
		maxRetries:     3,
		retryDelay:     time.Minute,
		autoCompensate: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Compensate walks the compensation plan for every successfully completed
// step, newest first. It mutates state by appending compensation records
// and returns the terminal status to transition to plus the outbox batch
// (compensator messages and, on failure, a fault event) to stage with it.
func (e *Engine) Compensate(ctx context.Context, st *saga.State, failedStep, failReason string) (saga.Status, []outbox.Record, error) {
	start := e.clk.Now()
	def, err := e.registry.Get(st.SagaType)
	if err != nil {
		return saga.StatusCompensationFailed, nil, err
	}

	plan := def.CompensationPlan(st.CurrentStepIndex)
	var batch []outbox.Record

	for _, comp := range plan {
		record := st.SuccessfulStepRecord(comp.ForStep)
		if record == nil {
			// The step never completed forward; nothing to undo.
			continue
		}
		if alreadyCompensated(st, comp.ForStep) {
			continue
		}

		msgs, attempts, runErr := e.runCompensator(ctx, comp, st, *record)
		now := e.clk.Now()

		switch {
		case runErr == nil:
			st.AppendRecord(compensationRecord(comp.ForStep, start, now, saga.RecordOutcomeSuccess, "", attempts))
			batch = append(batch, e.stageMessages(st, msgs)...)
			e.metrics.RecordCompensationStep(st.SagaType.Name, comp.ForStep, "success")

		case comp.Strategy == saga.StrategySkip:
			st.AppendRecord(compensationRecord(comp.ForStep, start, now, saga.RecordOutcomeSkipped, runErr.Error(), attempts))
			e.metrics.RecordCompensationStep(st.SagaType.Name, comp.ForStep, "skipped")
			e.log.Warn("compensator failed, skipping by strategy",
				"saga_id", st.SagaID, "step", comp.ForStep, "error", runErr)

		default:
			st.AppendRecord(compensationRecord(comp.ForStep, start, now, saga.RecordOutcomeFailed, runErr.Error(), attempts))
			e.metrics.RecordCompensationStep(st.SagaType.Name, comp.ForStep, "failed")

			fault, faultErr := e.faultRecord(st, failedStep, comp.ForStep, failReason, runErr)
			if faultErr != nil {
				return saga.StatusCompensationFailed, batch, faultErr
			}
			batch = append(batch, fault)
			e.metrics.RecordCompensationRun(st.SagaType.Name, saga.StatusCompensationFailed, e.clk.Now().Sub(start))
			e.log.Error("compensation failed",
				"saga_id", st.SagaID, "step", comp.ForStep, "error", runErr)
			return saga.StatusCompensationFailed, batch, nil
		}
	}

	e.metrics.RecordCompensationRun(st.SagaType.Name, saga.StatusCompensatedSuccessfully, e.clk.Now().Sub(start))
	return saga.StatusCompensatedSuccessfully, batch, nil
}

// runCompensator executes one compensator, honoring its retry budget. It
// returns the attempts consumed alongside the compensator's messages.
func (e *Engine) runCompensator(ctx context.Context, comp saga.CompensatorDescriptor, st *saga.State, record saga.StepExecutionRecord) ([]dispatch.Message, int, error) {
	retries := comp.MaxRetries
	if retries < 0 {
		retries = e.maxRetries
	}
	manualOnly := comp.Strategy == saga.StrategyManualIntervention ||
		(comp.Strategy == saga.StrategyDefault && !e.autoCompensate)
	if manualOnly {
		retries = 0
	}

	var err error
	attempts := 0
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := e.retryDelay
			for i := 1; i < attempt; i++ {
				delay *= 2
			}
			select {
			case <-ctx.Done():
				return nil, attempts, ctx.Err()
			case <-time.After(delay):
			}
		}

		attempts++
		var msgs []dispatch.Message
		msgs, err = comp.Compensator(ctx, st.Payload, record)
		if err == nil {
			return msgs, attempts, nil
		}
		e.log.Warn("compensator attempt failed",
			"saga_id", st.SagaID, "step", comp.ForStep, "attempt", attempts, "error", err)
	}

	if manualOnly {
		return nil, attempts, fmt.Errorf("%w: step %s: %v", ErrManualInterventionRequired, comp.ForStep, err)
	}
	return nil, attempts, err
}

func (e *Engine) stageMessages(st *saga.State, msgs []dispatch.Message) []outbox.Record {
	records := make([]outbox.Record, 0, len(msgs))
	now := e.clk.Now()
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

func (e *Engine) faultRecord(st *saga.State, failedStep, failedCompensator, failReason string, runErr error) (outbox.Record, error) {
	fault := FaultEvent{
		SagaID:         st.SagaID,
		SagaType:       st.SagaType,
		FailedStepName: failedCompensator,
		FaultReason:    runErr.Error(),
		Metadata: map[string]string{
			"trigger_step":   failedStep,
			"trigger_reason": failReason,
		},
	}
	payload, err := json.Marshal(&fault)
	if err != nil {
		return outbox.Record{}, fmt.Errorf("compensation: marshal fault: %w", err)
	}
	return outbox.Record{
		ID:            clock.NewID(),
		SagaID:        st.SagaID,
		CorrelationID: st.CorrelationID,
		MessageType:   FaultMessageType,
		Payload:       payload,
		CreatedAt:     e.clk.Now(),
	}, nil
}

func compensationRecord(step string, startedAt, completedAt time.Time, outcome saga.RecordOutcome, reason string, attempts int) saga.StepExecutionRecord {
	done := completedAt
	return saga.StepExecutionRecord{
		StepName:    step,
		Kind:        saga.RecordKindCompensation,
		StartedAt:   startedAt,
		CompletedAt: &done,
		Outcome:     outcome,
		Attempts:    attempts,
		Reason:      reason,
	}
}

func alreadyCompensated(st *saga.State, step string) bool {
	for _, rec := range st.StepHistory {
		if rec.Kind == saga.RecordKindCompensation && rec.StepName == step &&
			(rec.Outcome == saga.RecordOutcomeSuccess || rec.Outcome == saga.RecordOutcomeSkipped) {
			return true
		}
	}
	return false
}
