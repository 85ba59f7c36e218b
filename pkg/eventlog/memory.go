package eventlog

import (
	"context"
	"fmt"
	"sync"
)

// MemoryLog is an in-memory event log for tests and single-process runs.
type MemoryLog struct {
	mu      sync.RWMutex
	streams map[string][]Event
}

// NewMemoryLog creates an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{streams: make(map[string][]Event)}
}

// Append adds events at expectedVersion.
func (m *MemoryLog) Append(ctx context.Context, streamID string, expectedVersion uint64, events ...EventData) (uint64, error) {
	if len(events) == 0 {
		return 0, ErrEmptyAppend
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stream := m.streams[streamID]
	current := uint64(len(stream))
	if current != expectedVersion {
		return 0, fmt.Errorf("%w: stream %s expected version %d, have %d",
			ErrVersionConflict, streamID, expectedVersion, current)
	}

	for _, data := range events {
		current++
		stream = append(stream, Event{
			EventID:    data.EventID,
			StreamID:   streamID,
			Version:    current,
			Type:       data.Type,
			OccurredAt: data.OccurredAt,
			Body:       data.Body,
		})
	}
	m.streams[streamID] = stream
	return current, nil
}

// Read returns events from fromVersion onward.
func (m *MemoryLog) Read(ctx context.Context, streamID string, fromVersion uint64) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stream, ok := m.streams[streamID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}
	if fromVersion < 1 {
		fromVersion = 1
	}
	if fromVersion > uint64(len(stream)) {
		return []Event{}, nil
	}

	out := make([]Event, len(stream[fromVersion-1:]))
	copy(out, stream[fromVersion-1:])
	return out, nil
}

// StreamVersion returns the current version of a stream.
func (m *MemoryLog) StreamVersion(ctx context.Context, streamID string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.streams[streamID])), nil
}

// Close is a no-op for the in-memory log.
func (m *MemoryLog) Close() error {
	return nil
}

// MemorySnapshotStore keeps the latest snapshot per stream in memory.
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

// NewMemorySnapshotStore creates an empty snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: make(map[string]Snapshot)}
}

// Save stores the snapshot, replacing any older one.
func (m *MemorySnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.snaps[snap.StreamID]; ok && existing.Version > snap.Version {
		return nil
	}
	stored := snap
	stored.State = append([]byte(nil), snap.State...)
	m.snaps[snap.StreamID] = stored
	return nil
}

// Load returns the latest snapshot for a stream.
func (m *MemorySnapshotStore) Load(ctx context.Context, streamID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snaps[streamID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, streamID)
	}
	clone := snap
	clone.State = append([]byte(nil), snap.State...)
	return &clone, nil
}

// Delete removes the snapshot for a stream.
func (m *MemorySnapshotStore) Delete(ctx context.Context, streamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, streamID)
	return nil
}
