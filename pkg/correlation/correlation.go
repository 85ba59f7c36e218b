// Package correlation maintains a secondary index from business identifiers
// to saga instances, so inbound events and operators can find the sagas a
// given order, payment or customer belongs to.
package correlation

import (
	"errors"
	"time"

	"github.com/sagaweave/sagaweave/pkg/saga"
)

var (
	// ErrEmptyKey indicates a lookup or index call with an empty identifier.
	ErrEmptyKey = errors.New("correlation: empty key")

	// ErrEntryNotFound indicates the saga has no index entry.
	ErrEntryNotFound = errors.New("correlation: entry not found")
)

// Entry is the indexed projection of one saga instance.
type Entry struct {
	SagaID        string       `json:"saga_id"`
	SagaType      saga.TypeRef `json:"saga_type"`
	Status        saga.Status  `json:"status"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	StartedAt     time.Time    `json:"started_at"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
}

// QueryOptions shape lookup results.
type QueryOptions struct {
	// IncludeCompleted also returns sagas in terminal statuses.
	IncludeCompleted bool

	// MaxResults caps the result set; 0 means unlimited.
	MaxResults int
}

// ListFilter selects entries for a full index listing. The zero value lists
// every saga.
type ListFilter struct {
	// Status keeps only sagas in the given status when set.
	Status *saga.Status

	// Offset skips that many entries from the front of the ordered result.
	Offset int

	// Limit caps the result set; 0 means unlimited.
	Limit int
}

// Index maps correlation IDs and indexed properties to saga instances.
type Index interface {
	// IndexSaga registers or refreshes the entry for a saga.
	IndexSaga(entry Entry) error

	// IndexProperty adds a secondary key=value lookup for a saga.
	IndexProperty(sagaID, key, value string) error

	// UpdateStatus refreshes the indexed status of a saga.
	UpdateStatus(sagaID string, status saga.Status, completedAt *time.Time) error

	// FindByCorrelationID returns sagas indexed under a correlation ID.
	// Terminal sagas are excluded unless opts.IncludeCompleted is set.
	FindByCorrelationID(correlationID string, opts QueryOptions) ([]Entry, error)

	// FindByProperty returns sagas indexed under key=value.
	FindByProperty(key, value string, opts QueryOptions) ([]Entry, error)

	// List returns all indexed sagas matching the filter, ordered by start
	// time then saga ID.
	List(filter ListFilter) ([]Entry, error)

	// Clear removes all index entries for a saga.
	Clear(sagaID string) error
}

func applyListFilter(entries []Entry, filter ListFilter) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if filter.Status != nil && e.Status != *filter.Status {
			continue
		}
		out = append(out, e)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []Entry{}
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func filterEntries(entries []Entry, opts QueryOptions) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !opts.IncludeCompleted && e.Status.IsTerminal() {
			continue
		}
		out = append(out, e)
		if opts.MaxResults > 0 && len(out) >= opts.MaxResults {
			break
		}
	}
	return out
}
