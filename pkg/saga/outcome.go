package saga

import (
	"encoding/json"

	"github.com/sagaweave/sagaweave/pkg/dispatch"
)

// OutcomeKind tags the result of a forward step execution.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeFailed
	OutcomeSuspended
)

// String returns the string form of the outcome kind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// StepOutcome is the tagged result a step handler returns. Handler failures
// are values, not panics; only infrastructure faults surface as errors.
type StepOutcome struct {
	Kind      OutcomeKind
	NextIndex int
	Messages  []dispatch.Message
	Payload   json.RawMessage
	Reason    string
	WaitFor   string
}

// Completed reports a successful step, the index the saga advances to, and
// the messages to stage in the outbox.
func Completed(nextIndex int, messages ...dispatch.Message) StepOutcome {
	return StepOutcome{Kind: OutcomeCompleted, NextIndex: nextIndex, Messages: messages}
}

// Failed reports a business failure that triggers compensation.
func Failed(reason string) StepOutcome {
	return StepOutcome{Kind: OutcomeFailed, Reason: reason}
}

// Suspended reports that the step is waiting for a later event.
func Suspended(waitFor string) StepOutcome {
	return StepOutcome{Kind: OutcomeSuspended, WaitFor: waitFor}
}

// WithPayload attaches a replacement saga payload to the outcome.
func (o StepOutcome) WithPayload(payload json.RawMessage) StepOutcome {
	o.Payload = payload
	return o
}
