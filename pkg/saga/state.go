package saga

import (
	"encoding/json"
	"fmt"
	"time"
)

// RecordKind distinguishes forward step records from compensation records in
// the step history.
type RecordKind string

const (
	RecordKindStep         RecordKind = "step"
	RecordKindCompensation RecordKind = "compensation"
)

// RecordOutcome is the terminal result of one history record.
type RecordOutcome string

const (
	RecordOutcomePending RecordOutcome = "pending"
	RecordOutcomeSuccess RecordOutcome = "success"
	RecordOutcomeFailed  RecordOutcome = "failed"
	RecordOutcomeSkipped RecordOutcome = "skipped"
)

// StepExecutionRecord is one entry in the instance step history.
type StepExecutionRecord struct {
	StepName    string        `json:"step_name"`
	Kind        RecordKind    `json:"kind"`
	MessageID   string        `json:"message_id,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Outcome     RecordOutcome `json:"outcome"`
	Attempts    int           `json:"attempts"`
	Reason      string        `json:"reason,omitempty"`
}

// State is the durable runtime state of one saga instance. The state store
// owns the persisted bytes; the coordinator works on in-memory copies inside
// a single guarded transition.
type State struct {
	SagaID           string                `json:"saga_id"`
	SagaType         TypeRef               `json:"saga_type"`
	Status           Status                `json:"status"`
	CurrentStepIndex int                   `json:"current_step_index"`
	TotalSteps       int                   `json:"total_steps"`
	StartedAt        time.Time             `json:"started_at"`
	CompletedAt      *time.Time            `json:"completed_at,omitempty"`
	CorrelationID    string                `json:"correlation_id,omitempty"`
	TenantID         string                `json:"tenant_id,omitempty"`
	Payload          json.RawMessage       `json:"payload,omitempty"`
	StepHistory      []StepExecutionRecord `json:"step_history"`

	// Version is the optimistic-concurrency tag; it strictly increases on
	// every persisted mutation.
	Version uint64 `json:"version"`
}

// NewState creates the initial state for a new instance.
func NewState(sagaID string, def *Definition, correlationID, tenantID string, payload json.RawMessage, now time.Time) *State {
	return &State{
		SagaID:           sagaID,
		SagaType:         def.Ref(),
		Status:           StatusCreated,
		CurrentStepIndex: 0,
		TotalSteps:       len(def.Steps),
		StartedAt:        now,
		CorrelationID:    correlationID,
		TenantID:         tenantID,
		Payload:          payload,
		StepHistory:      make([]StepExecutionRecord, 0, len(def.Steps)),
	}
}

// TransitionTo applies a status transition, stamping CompletedAt on terminal
// entry.
func (s *State) TransitionTo(next Status, now time.Time) error {
	if err := ValidateTransition(s.Status, next); err != nil {
		return err
	}
	if next.IsTerminal() && s.CompletedAt == nil {
		done := now
		s.CompletedAt = &done
	}
	s.Status = next
	return nil
}

// HasSeenMessage reports whether a history record already references the
// message ID. The coordinator uses this as its idempotence dedup key.
func (s *State) HasSeenMessage(messageID string) bool {
	if messageID == "" {
		return false
	}
	for _, rec := range s.StepHistory {
		if rec.MessageID == messageID {
			return true
		}
	}
	return false
}

// SuccessfulStepRecord returns the forward record for the named step when it
// completed successfully, or nil.
func (s *State) SuccessfulStepRecord(stepName string) *StepExecutionRecord {
	for i := range s.StepHistory {
		rec := &s.StepHistory[i]
		if rec.Kind == RecordKindStep && rec.StepName == stepName && rec.Outcome == RecordOutcomeSuccess {
			return rec
		}
	}
	return nil
}

// HasSuccessfulSteps reports whether any forward step completed successfully.
func (s *State) HasSuccessfulSteps() bool {
	for _, rec := range s.StepHistory {
		if rec.Kind == RecordKindStep && rec.Outcome == RecordOutcomeSuccess {
			return true
		}
	}
	return false
}

// AppendRecord appends one history record.
func (s *State) AppendRecord(rec StepExecutionRecord) {
	s.StepHistory = append(s.StepHistory, rec)
}

// ActiveStep returns the name of the first open forward record, but only
// while the instance is running; otherwise it returns the empty string.
func (s *State) ActiveStep() string {
	if s.Status != StatusRunning {
		return ""
	}
	for _, rec := range s.StepHistory {
		if rec.Kind == RecordKindStep && rec.CompletedAt == nil {
			return rec.StepName
		}
	}
	return ""
}

// Validate checks the structural invariants that must hold for any persisted
// state.
func (s *State) Validate() error {
	if s.SagaID == "" {
		return fmt.Errorf("%w: saga id cannot be empty", ErrInvalidArgument)
	}
	if s.CurrentStepIndex > s.TotalSteps {
		return fmt.Errorf("%w: current step index %d exceeds total steps %d",
			ErrInvalidArgument, s.CurrentStepIndex, s.TotalSteps)
	}
	if s.Status == StatusCompleted {
		if s.CurrentStepIndex != s.TotalSteps {
			return fmt.Errorf("%w: completed saga stopped at step %d of %d",
				ErrInvalidArgument, s.CurrentStepIndex, s.TotalSteps)
		}
		for _, rec := range s.StepHistory {
			if rec.Kind == RecordKindStep && (rec.CompletedAt == nil || rec.Outcome != RecordOutcomeSuccess) {
				return fmt.Errorf("%w: completed saga has open step record %q", ErrInvalidArgument, rec.StepName)
			}
		}
	}
	return nil
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	clone := *s
	clone.StepHistory = make([]StepExecutionRecord, len(s.StepHistory))
	copy(clone.StepHistory, s.StepHistory)
	for i := range clone.StepHistory {
		if s.StepHistory[i].CompletedAt != nil {
			done := *s.StepHistory[i].CompletedAt
			clone.StepHistory[i].CompletedAt = &done
		}
	}
	if s.CompletedAt != nil {
		done := *s.CompletedAt
		clone.CompletedAt = &done
	}
	if s.Payload != nil {
		clone.Payload = make(json.RawMessage, len(s.Payload))
		copy(clone.Payload, s.Payload)
	}
	return &clone
}
