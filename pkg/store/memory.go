package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sagaweave/sagaweave/pkg/correlation"
	"github.com/sagaweave/sagaweave/pkg/outbox"
	"github.com/sagaweave/sagaweave/pkg/saga"
)

// MemoryOption configures a MemoryStateStore.
type MemoryOption func(*MemoryStateStore)

// WithMemoryOutbox stages outbox batches into the given store inside the
// save critical section.
func WithMemoryOutbox(ob *outbox.MemoryStore) MemoryOption {
	return func(m *MemoryStateStore) { m.outbox = ob }
}

// WithMemoryIndex updates the correlation index inside the save critical
// section.
func WithMemoryIndex(idx *correlation.MemoryIndex) MemoryOption {
	return func(m *MemoryStateStore) { m.index = idx }
}

// MemoryStateStore keeps saga state in memory. States are cloned on both
// read and write so callers never share bytes with the store.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]*saga.State
	outbox *outbox.MemoryStore
	index  *correlation.MemoryIndex
}

// NewMemoryStateStore creates an empty in-memory state store.
func NewMemoryStateStore(opts ...MemoryOption) *MemoryStateStore {
	m := &MemoryStateStore{states: make(map[string]*saga.State)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load returns a copy of the saga state.
func (m *MemoryStateStore) Load(ctx context.Context, sagaID string) (*saga.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[sagaID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sagaID)
	}
	return st.Clone(), nil
}

// Save commits state at expectedVersion with its outbox batch.
func (m *MemoryStateStore) Save(ctx context.Context, state *saga.State, expectedVersion uint64, batch []outbox.Record) (uint64, error) {
	if len(batch) > 0 && m.outbox == nil {
		return 0, outbox.ErrNotConfigured
	}
	if err := state.Validate(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.states[state.SagaID]
	if expectedVersion == 0 {
		if exists {
			return 0, fmt.Errorf("%w: %s", ErrAlreadyExists, state.SagaID)
		}
	} else {
		if !exists {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, state.SagaID)
		}
		if current.Version != expectedVersion {
			return 0, fmt.Errorf("%w: saga %s expected version %d, have %d",
				ErrConcurrencyConflict, state.SagaID, expectedVersion, current.Version)
		}
	}

	newVersion := expectedVersion + 1
	stored := state.Clone()
	stored.Version = newVersion
	m.states[state.SagaID] = stored

	if m.outbox != nil && len(batch) > 0 {
		if err := m.outbox.Append(batch...); err != nil {
			// Roll the state write back so the commit stays all-or-nothing.
			if exists {
				m.states[state.SagaID] = current
			} else {
				delete(m.states, state.SagaID)
			}
			return 0, err
		}
	}

	if m.index != nil {
		entry := correlation.Entry{
			SagaID:        stored.SagaID,
			SagaType:      stored.SagaType,
			Status:        stored.Status,
			CorrelationID: stored.CorrelationID,
			StartedAt:     stored.StartedAt,
			CompletedAt:   stored.CompletedAt,
		}
		if err := m.index.IndexSaga(entry); err != nil {
			return 0, err
		}
	}

	state.Version = newVersion
	return newVersion, nil
}

// Delete removes a saga instance and its index entries.
func (m *MemoryStateStore) Delete(ctx context.Context, sagaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[sagaID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sagaID)
	}
	delete(m.states, sagaID)
	if m.index != nil {
		return m.index.Clear(sagaID)
	}
	return nil
}

// CompletedBefore returns terminal sagas completed before cutoff.
func (m *MemoryStateStore) CompletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, st := range m.states {
		if !st.Status.IsTerminal() || st.CompletedAt == nil {
			continue
		}
		if st.CompletedAt.Before(cutoff) {
			ids = append(ids, id)
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
	}
	return ids, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStateStore) Close() error {
	return nil
}
