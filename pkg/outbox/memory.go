package outbox

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory outbox for tests and single-process runs.
// The state store calls Append inside its own critical section, which makes
// the state write and the staged messages atomic with respect to readers.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory outbox.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Append stages records as pending.
func (m *MemoryStore) Append(records ...Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		if rec.ID == "" {
			return fmt.Errorf("outbox: record missing id")
		}
		stored := rec
		stored.Status = StatusPending
		if stored.NextAttemptAt.IsZero() {
			stored.NextAttemptAt = stored.CreatedAt
		}
		m.records[stored.ID] = &stored
	}
	return nil
}

// Get returns one record by ID.
func (m *MemoryStore) Get(id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	clone := *rec
	return &clone, nil
}

// Pending returns due pending records, oldest first.
func (m *MemoryStore) Pending(now time.Time, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []Record
	for _, rec := range m.records {
		if rec.Status == StatusPending && !rec.NextAttemptAt.After(now) {
			due = append(due, *rec)
		}
	}
	sort.Slice(due, func(a, b int) bool {
		return due[a].CreatedAt.Before(due[b].CreatedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// MarkPublished transitions a record to published.
func (m *MemoryStore) MarkPublished(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	rec.Status = StatusPublished
	rec.PublishedAt = &at
	rec.LastError = ""
	return nil
}

// MarkFailed records a failed attempt and reschedules the record.
func (m *MemoryStore) MarkFailed(id string, reason string, nextAttempt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	rec.Attempts++
	rec.LastError = reason
	rec.NextAttemptAt = nextAttempt
	return nil
}

// Archive ages published records older than cutoff into archived.
func (m *MemoryStore) Archive(cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	moved := 0
	for _, rec := range m.records {
		if rec.Status == StatusPublished && rec.PublishedAt != nil && rec.PublishedAt.Before(cutoff) {
			rec.Status = StatusArchived
			moved++
		}
	}
	return moved, nil
}

// PendingCount reports the number of pending records regardless of due time.
func (m *MemoryStore) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.records {
		if rec.Status == StatusPending {
			n++
		}
	}
	return n
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
