// Package outbox implements a transactional outbox: outbound messages are
// staged in the same commit as the saga state mutation that produced them,
// then published asynchronously by a drainer with at-least-once semantics.
package outbox

import (
	"errors"
	"time"
)

var (
	// ErrRecordNotFound indicates the outbox record does not exist.
	ErrRecordNotFound = errors.New("outbox: record not found")

	// ErrNotConfigured indicates the outbox store was not wired in, so
	// messages cannot be staged durably.
	ErrNotConfigured = errors.New("outbox: store not configured")
)

// RecordStatus is the lifecycle status of an outbox record. Records are
// never deleted; published records age into archived.
type RecordStatus string

const (
	StatusPending   RecordStatus = "pending"
	StatusPublished RecordStatus = "published"
	StatusArchived  RecordStatus = "archived"
)

// Record is one staged outbound message.
type Record struct {
	ID            string            `json:"id"`
	SagaID        string            `json:"saga_id"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	MessageType   string            `json:"message_type"`
	Payload       []byte            `json:"payload,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Status        RecordStatus      `json:"status"`
	Attempts      int               `json:"attempts"`
	CreatedAt     time.Time         `json:"created_at"`
	NextAttemptAt time.Time         `json:"next_attempt_at"`
	PublishedAt   *time.Time        `json:"published_at,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
}

// Store persists outbox records. Append is called from inside the state
// store commit path; backends that share a storage handle with the state
// store make the two writes atomic.
type Store interface {
	// Append stages records as pending.
	Append(records ...Record) error

	// Get returns one record by ID.
	Get(id string) (*Record, error)

	// Pending returns up to limit pending records whose NextAttemptAt is at
	// or before now, oldest first.
	Pending(now time.Time, limit int) ([]Record, error)

	// MarkPublished transitions a record to published.
	MarkPublished(id string, at time.Time) error

	// MarkFailed records a failed publish attempt and schedules the next one.
	MarkFailed(id string, reason string, nextAttempt time.Time) error

	// Archive transitions published records older than cutoff to archived
	// and returns how many it moved. Nothing is ever deleted.
	Archive(cutoff time.Time) (int, error)

	// Close releases backend resources.
	Close() error
}

// Backoff computes the delay before publish attempt n (1-based) using
// exponential growth from base, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
