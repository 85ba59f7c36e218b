package saga

import "fmt"

// Status defines the lifecycle of a saga instance.
type Status int

const (
	StatusCreated Status = iota
	StatusRunning
	StatusCompensating
	StatusCompleted
	StatusCompensatedSuccessfully
	StatusCompensationFailed
	StatusCancelled
)

var validTransitions = map[Status]map[Status]struct{}{
	StatusCreated: {
		StatusRunning:   {},
		StatusCancelled: {},
	},
	StatusRunning: {
		StatusCompleted:    {},
		StatusCompensating: {},
		StatusCancelled:    {},
	},
	StatusCompensating: {
		StatusCompensatedSuccessfully: {},
		StatusCompensationFailed:      {},
	},
}

// String returns the wire form of the status.
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusRunning:
		return "running"
	case StatusCompensating:
		return "compensating"
	case StatusCompleted:
		return "completed"
	case StatusCompensatedSuccessfully:
		return "compensated-successfully"
	case StatusCompensationFailed:
		return "compensation-failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParseStatus parses the wire form back into a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "created":
		return StatusCreated, nil
	case "running":
		return StatusRunning, nil
	case "compensating":
		return StatusCompensating, nil
	case "completed":
		return StatusCompleted, nil
	case "compensated-successfully":
		return StatusCompensatedSuccessfully, nil
	case "compensation-failed":
		return StatusCompensationFailed, nil
	case "cancelled":
		return StatusCancelled, nil
	default:
		return StatusCreated, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, s)
	}
}

// IsTerminal reports whether the status is absorbing.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensatedSuccessfully, StatusCompensationFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks whether a status transition is valid. Terminal
// statuses absorb: nothing transitions out of them, not even to themselves.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	if s == next {
		return true
	}
	validNext, ok := validTransitions[s]
	if !ok {
		return false
	}
	_, ok = validNext[next]
	return ok
}

// ValidateTransition validates transition semantics.
func ValidateTransition(current, next Status) error {
	if current.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrTerminalState, current, next)
	}
	if !current.CanTransitionTo(next) {
		return fmt.Errorf("invalid saga status transition: %s -> %s", current, next)
	}
	return nil
}
