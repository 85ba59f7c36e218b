package eventlog

import (
	"context"
	"errors"
	"time"
)

// DefaultStreamPrefix namespaces saga streams in shared logs.
const DefaultStreamPrefix = "saga-"

var (
	// ErrVersionConflict indicates the expected stream version did not
	// match; another writer appended first.
	ErrVersionConflict = errors.New("eventlog: stream version conflict")

	// ErrStreamNotFound indicates the stream has no events.
	ErrStreamNotFound = errors.New("eventlog: stream not found")

	// ErrEmptyAppend indicates an append with no events.
	ErrEmptyAppend = errors.New("eventlog: empty append")

	// ErrSnapshotNotFound indicates the stream has no snapshot.
	ErrSnapshotNotFound = errors.New("eventlog: snapshot not found")
)

// StreamID derives the stream name for a saga.
func StreamID(prefix, sagaID string) string {
	if prefix == "" {
		prefix = DefaultStreamPrefix
	}
	return prefix + sagaID
}

// Log is an append-only event store with optimistic stream versioning.
type Log interface {
	// Append adds events at expectedVersion (the current stream version, 0
	// for a new stream) and returns the new stream version.
	Append(ctx context.Context, streamID string, expectedVersion uint64, events ...EventData) (uint64, error)

	// Read returns events from fromVersion (1-based, inclusive) onward.
	Read(ctx context.Context, streamID string, fromVersion uint64) ([]Event, error)

	// StreamVersion returns the current version of a stream, 0 if absent.
	StreamVersion(ctx context.Context, streamID string) (uint64, error)

	// Close releases backend resources.
	Close() error
}

// Snapshot is a point-in-time projection of a stream.
type Snapshot struct {
	StreamID string    `json:"stream_id"`
	Version  uint64    `json:"version"`
	State    []byte    `json:"state"`
	TakenAt  time.Time `json:"taken_at"`
}

// SnapshotStore persists stream snapshots. Only the latest snapshot per
// stream is kept.
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, streamID string) (*Snapshot, error)
	Delete(ctx context.Context, streamID string) error
}
