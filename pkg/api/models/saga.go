// Package models defines the request and response payloads of the HTTP API.
package models

import "time"

// SagaSummary is one row in the saga list response.
type SagaSummary struct {
	SagaID        string     `json:"saga_id"`
	SagaType      string     `json:"saga_type"`
	Status        string     `json:"status"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// SagaListResponse is a paginated list of saga summaries.
type SagaListResponse struct {
	Items  []SagaSummary `json:"items"`
	Count  int           `json:"count"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// SagaStateResponse returns the durable state of one saga instance.
type SagaStateResponse struct {
	SagaID           string       `json:"saga_id"`
	SagaType         string       `json:"saga_type"`
	Status           string       `json:"status"`
	CurrentStepIndex int          `json:"current_step_index"`
	TotalSteps       int          `json:"total_steps"`
	CorrelationID    string       `json:"correlation_id,omitempty"`
	TenantID         string       `json:"tenant_id,omitempty"`
	StartedAt        time.Time    `json:"started_at"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
	Version          uint64       `json:"version"`
	History          []StepRecord `json:"history"`
}

// StepRecord is one entry in a saga's execution history.
type StepRecord struct {
	StepName    string     `json:"step_name"`
	Kind        string     `json:"kind"`
	Outcome     string     `json:"outcome"`
	Attempts    int        `json:"attempts"`
	Reason      string     `json:"reason,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ActiveStepResponse names the step a running saga is waiting on. ActiveStep
// is empty when the saga is not running.
type ActiveStepResponse struct {
	SagaID     string `json:"saga_id"`
	ActiveStep string `json:"active_step,omitempty"`
}

// DiagramResponse carries a Mermaid state diagram for a saga definition.
type DiagramResponse struct {
	SagaType string `json:"saga_type"`
	Format   string `json:"format"`
	Diagram  string `json:"diagram"`
}

// SagaCancelRequest is the payload for manual cancellation.
type SagaCancelRequest struct {
	Reason string `json:"reason,omitempty" validate:"omitempty,max=500"`
}

// SagaCancelResponse is returned when cancellation succeeds.
type SagaCancelResponse struct {
	SagaID string `json:"saga_id"`
	Status string `json:"status"`
}
