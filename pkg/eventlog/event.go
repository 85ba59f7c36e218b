// Package eventlog provides an append-only, version-checked event log for
// saga instances, with snapshots and replay. Each instance owns one stream;
// replaying the stream reproduces the exact persisted state.
package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sagaweave/sagaweave/pkg/saga"
)

// Event type names as stored in streams.
const (
	TypeSagaStarted       = "saga.started"
	TypeStepCompleted     = "saga.step_completed"
	TypeStepFailed        = "saga.step_failed"
	TypeStateTransitioned = "saga.state_transitioned"
	TypeCompensated       = "saga.compensated"
	TypeFault             = "saga.fault"
)

// ErrUnknownEventType indicates a stored event with no registered decoder.
var ErrUnknownEventType = errors.New("eventlog: unknown event type")

// Event is one stored stream entry. Version is the 1-based position within
// the stream.
type Event struct {
	EventID    string          `json:"event_id"`
	StreamID   string          `json:"stream_id"`
	Version    uint64          `json:"version"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Body       json.RawMessage `json:"body"`
}

// EventData is an event pending append; the log assigns stream and version.
type EventData struct {
	EventID    string
	Type       string
	OccurredAt time.Time
	Body       json.RawMessage
}

// SagaStarted records the creation of an instance.
type SagaStarted struct {
	SagaID        string          `json:"saga_id"`
	SagaType      saga.TypeRef    `json:"saga_type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	TenantID      string          `json:"tenant_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	TotalSteps    int             `json:"total_steps"`
	StartedAt     time.Time       `json:"started_at"`
}

// StepCompleted records a successful forward step.
type StepCompleted struct {
	Record    saga.StepExecutionRecord `json:"record"`
	NextIndex int                      `json:"next_index"`
}

// StepFailed records a business failure of a forward step.
type StepFailed struct {
	Record saga.StepExecutionRecord `json:"record"`
}

// Compensated records the outcome of one compensator run.
type Compensated struct {
	Record saga.StepExecutionRecord `json:"record"`
}

// StateTransitioned closes every commit: it carries the resulting status,
// position and commit version so replay restores them exactly.
type StateTransitioned struct {
	Status           string          `json:"status"`
	CurrentStepIndex int             `json:"current_step_index"`
	CommitVersion    uint64          `json:"commit_version"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// Fault records a compensation failure that needs operator attention.
type Fault struct {
	SagaID         string            `json:"saga_id"`
	FailedStepName string            `json:"failed_step_name"`
	FaultReason    string            `json:"fault_reason"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// DecoderRegistry maps stored event type names to payload factories.
type DecoderRegistry struct {
	mu        sync.RWMutex
	factories map[string]func() any
}

// NewDecoderRegistry creates a registry preloaded with the built-in saga
// event types.
func NewDecoderRegistry() *DecoderRegistry {
	r := &DecoderRegistry{factories: make(map[string]func() any)}
	r.Register(TypeSagaStarted, func() any { return &SagaStarted{} })
	r.Register(TypeStepCompleted, func() any { return &StepCompleted{} })
	r.Register(TypeStepFailed, func() any { return &StepFailed{} })
	r.Register(TypeStateTransitioned, func() any { return &StateTransitioned{} })
	r.Register(TypeCompensated, func() any { return &Compensated{} })
	r.Register(TypeFault, func() any { return &Fault{} })
	return r
}

// Register adds or replaces a decoder for an event type.
func (r *DecoderRegistry) Register(eventType string, factory func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[eventType] = factory
}

// Decode unmarshals an event body into its registered payload type.
func (r *DecoderRegistry) Decode(ev Event) (any, error) {
	r.mu.RLock()
	factory, ok := r.factories[ev.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, ev.Type)
	}
	payload := factory()
	if err := json.Unmarshal(ev.Body, payload); err != nil {
		return nil, fmt.Errorf("eventlog: decode %s: %w", ev.Type, err)
	}
	return payload, nil
}
