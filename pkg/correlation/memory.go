package correlation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sagaweave/sagaweave/pkg/saga"
)

// MemoryIndex is an in-memory correlation index. The memory state store
// updates it inside its own critical section so lookups never observe a
// saved state without its index entry.
type MemoryIndex struct {
	mu       sync.RWMutex
	entries  map[string]*Entry          // sagaID -> entry
	byCorrID map[string]map[string]bool // correlationID -> sagaIDs
	byProp   map[string]map[string]bool // key=value -> sagaIDs
	props    map[string][]string        // sagaID -> key=value list, for Clear
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		entries:  make(map[string]*Entry),
		byCorrID: make(map[string]map[string]bool),
		byProp:   make(map[string]map[string]bool),
		props:    make(map[string][]string),
	}
}

// IndexSaga registers or refreshes the entry for a saga.
func (m *MemoryIndex) IndexSaga(entry Entry) error {
	if entry.SagaID == "" {
		return fmt.Errorf("%w: saga id", ErrEmptyKey)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.indexLocked(entry)
}

func (m *MemoryIndex) indexLocked(entry Entry) error {
	stored := entry
	m.entries[entry.SagaID] = &stored
	if entry.CorrelationID != "" {
		set, ok := m.byCorrID[entry.CorrelationID]
		if !ok {
			set = make(map[string]bool)
			m.byCorrID[entry.CorrelationID] = set
		}
		set[entry.SagaID] = true
	}
	return nil
}

// IndexProperty adds a secondary key=value lookup for a saga.
func (m *MemoryIndex) IndexProperty(sagaID, key, value string) error {
	if sagaID == "" || key == "" {
		return fmt.Errorf("%w: saga id and property key required", ErrEmptyKey)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prop := key + "=" + value
	set, ok := m.byProp[prop]
	if !ok {
		set = make(map[string]bool)
		m.byProp[prop] = set
	}
	set[sagaID] = true
	m.props[sagaID] = append(m.props[sagaID], prop)
	return nil
}

// UpdateStatus refreshes the indexed status of a saga.
func (m *MemoryIndex) UpdateStatus(sagaID string, status saga.Status, completedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[sagaID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, sagaID)
	}
	entry.Status = status
	entry.CompletedAt = completedAt
	return nil
}

// FindByCorrelationID returns sagas indexed under a correlation ID.
func (m *MemoryIndex) FindByCorrelationID(correlationID string, opts QueryOptions) ([]Entry, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("%w: correlation id", ErrEmptyKey)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectLocked(m.byCorrID[correlationID], opts), nil
}

// FindByProperty returns sagas indexed under key=value.
func (m *MemoryIndex) FindByProperty(key, value string, opts QueryOptions) ([]Entry, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: property key", ErrEmptyKey)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectLocked(m.byProp[key+"="+value], opts), nil
}

func (m *MemoryIndex) collectLocked(ids map[string]bool, opts QueryOptions) []Entry {
	entries := make([]Entry, 0, len(ids))
	for id := range ids {
		if entry, ok := m.entries[id]; ok {
			entries = append(entries, *entry)
		}
	}
	sort.Slice(entries, func(a, b int) bool {
		if entries[a].StartedAt.Equal(entries[b].StartedAt) {
			return entries[a].SagaID < entries[b].SagaID
		}
		return entries[a].StartedAt.Before(entries[b].StartedAt)
	})
	return filterEntries(entries, opts)
}

// List returns all indexed sagas matching the filter.
func (m *MemoryIndex) List(filter ListFilter) ([]Entry, error) {
	m.mu.RLock()
	entries := make([]Entry, 0, len(m.entries))
	for _, entry := range m.entries {
		entries = append(entries, *entry)
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(a, b int) bool {
		if entries[a].StartedAt.Equal(entries[b].StartedAt) {
			return entries[a].SagaID < entries[b].SagaID
		}
		return entries[a].StartedAt.Before(entries[b].StartedAt)
	})
	return applyListFilter(entries, filter), nil
}

// Clear removes all index entries for a saga.
func (m *MemoryIndex) Clear(sagaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[sagaID]
	if ok && entry.CorrelationID != "" {
		delete(m.byCorrID[entry.CorrelationID], sagaID)
		if len(m.byCorrID[entry.CorrelationID]) == 0 {
			delete(m.byCorrID, entry.CorrelationID)
		}
	}
	for _, prop := range m.props[sagaID] {
		delete(m.byProp[prop], sagaID)
		if len(m.byProp[prop]) == 0 {
			delete(m.byProp, prop)
		}
	}
	delete(m.props, sagaID)
	delete(m.entries, sagaID)
	return nil
}
