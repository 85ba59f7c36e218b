// Package store persists saga instance state with optimistic concurrency.
// Saves carry an expected version; a mismatch means another writer committed
// first and the caller must reload and retry. Outbound messages and
// correlation index entries ride in the same commit as the state.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sagaweave/sagaweave/pkg/outbox"
	"github.com/sagaweave/sagaweave/pkg/saga"
)

var (
	// ErrNotFound indicates no state exists for the saga ID.
	ErrNotFound = errors.New("store: saga not found")

	// ErrConcurrencyConflict indicates the expected version did not match
	// the persisted version. The caller reloads and retries.
	ErrConcurrencyConflict = errors.New("store: concurrency conflict")

	// ErrAlreadyExists indicates a create (expected version 0) hit an
	// existing instance.
	ErrAlreadyExists = errors.New("store: saga already exists")

	// ErrAtomicBatchUnsupported indicates the backend cannot commit state
	// and outbox records atomically.
	ErrAtomicBatchUnsupported = errors.New("store: atomic outbox batch unsupported")
)

// StateStore persists saga instance state.
type StateStore interface {
	// Load returns the current state of a saga. The returned state is a
	// private copy; mutating it does not affect the store.
	Load(ctx context.Context, sagaID string) (*saga.State, error)

	// Save commits state at expectedVersion and stages the outbox batch in
	// the same commit. expectedVersion 0 creates a new instance. On success
	// the new version (expectedVersion+1) is returned and stamped on state.
	Save(ctx context.Context, state *saga.State, expectedVersion uint64, batch []outbox.Record) (uint64, error)

	// Delete removes a saga instance. Retention cleanup uses it; outbox
	// records are untouched.
	Delete(ctx context.Context, sagaID string) error

	// CompletedBefore returns IDs of terminal sagas whose CompletedAt is
	// before cutoff, up to limit.
	CompletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	// Close releases backend resources.
	Close() error
}
