package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v4"
)

// BadgerLog persists streams in Badger on a shared handle; the handle's
// owner closes it.
type BadgerLog struct {
	db *badger.DB
}

// NewBadgerLog creates a log over an open Badger handle.
func NewBadgerLog(db *badger.DB) *BadgerLog {
	return &BadgerLog{db: db}
}

func eventKey(streamID string, version uint64) []byte {
	return []byte(fmt.Sprintf("evt:stream:%s:%020d", streamID, version))
}

func streamVersionKey(streamID string) []byte {
	return []byte(fmt.Sprintf("evt:ver:%s", streamID))
}

func snapshotKey(streamID string) []byte {
	return []byte(fmt.Sprintf("evt:snap:%s", streamID))
}

func (b *BadgerLog) versionInTxn(txn *badger.Txn, streamID string) (uint64, error) {
	item, err := txn.Get(streamVersionKey(streamID))
	if err == badger.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var version uint64
	err = item.Value(func(val []byte) error {
		v, parseErr := strconv.ParseUint(string(val), 10, 64)
		if parseErr != nil {
			return parseErr
		}
		version = v
		return nil
	})
	return version, err
}

// Append adds events at expectedVersion.
func (b *BadgerLog) Append(ctx context.Context, streamID string, expectedVersion uint64, events ...EventData) (uint64, error) {
	if len(events) == 0 {
		return 0, ErrEmptyAppend
	}

	var newVersion uint64
	err := b.db.Update(func(txn *badger.Txn) error {
		current, err := b.versionInTxn(txn, streamID)
		if err != nil {
			return err
		}
		if current != expectedVersion {
			return fmt.Errorf("%w: stream %s expected version %d, have %d",
				ErrVersionConflict, streamID, expectedVersion, current)
		}

		for _, data := range events {
			current++
			ev := Event{
				EventID:    data.EventID,
				StreamID:   streamID,
				Version:    current,
				Type:       data.Type,
				OccurredAt: data.OccurredAt,
				Body:       data.Body,
			}
			raw, err := json.Marshal(&ev)
			if err != nil {
				return fmt.Errorf("eventlog: marshal event %s: %w", data.EventID, err)
			}
			if err := txn.Set(eventKey(streamID, current), raw); err != nil {
				return err
			}
		}
		newVersion = current
		return txn.Set(streamVersionKey(streamID), []byte(strconv.FormatUint(current, 10)))
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// Read returns events from fromVersion onward.
func (b *BadgerLog) Read(ctx context.Context, streamID string, fromVersion uint64) ([]Event, error) {
	if fromVersion < 1 {
		fromVersion = 1
	}

	var events []Event
	err := b.db.View(func(txn *badger.Txn) error {
		current, err := b.versionInTxn(txn, streamID)
		if err != nil {
			return err
		}
		if current == 0 {
			return fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(fmt.Sprintf("evt:stream:%s:", streamID))

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(eventKey(streamID, fromVersion)); it.Valid(); it.Next() {
			var ev Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			}); err != nil {
				return err
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []Event{}
	}
	return events, nil
}

// StreamVersion returns the current version of a stream.
func (b *BadgerLog) StreamVersion(ctx context.Context, streamID string) (uint64, error) {
	var version uint64
	err := b.db.View(func(txn *badger.Txn) error {
		v, err := b.versionInTxn(txn, streamID)
		if err != nil {
			return err
		}
		version = v
		return nil
	})
	return version, err
}

// Close is a no-op; the shared Badger handle is closed by its owner.
func (b *BadgerLog) Close() error {
	return nil
}

// BadgerSnapshotStore keeps the latest snapshot per stream in Badger.
type BadgerSnapshotStore struct {
	db *badger.DB
}

// NewBadgerSnapshotStore creates a snapshot store over an open handle.
func NewBadgerSnapshotStore(db *badger.DB) *BadgerSnapshotStore {
	return &BadgerSnapshotStore{db: db}
}

// Save stores the snapshot, replacing any older one.
func (b *BadgerSnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("eventlog: marshal snapshot %s: %w", snap.StreamID, err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(snap.StreamID))
		if err == nil {
			var existing Snapshot
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); err == nil && existing.Version > snap.Version {
				return nil
			}
		}
		return txn.Set(snapshotKey(snap.StreamID), data)
	})
}

// Load returns the latest snapshot for a stream.
func (b *BadgerSnapshotStore) Load(ctx context.Context, streamID string) (*Snapshot, error) {
	var snap Snapshot
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(streamID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return fmt.Errorf("%w: %s", ErrSnapshotNotFound, streamID)
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Delete removes the snapshot for a stream.
func (b *BadgerSnapshotStore) Delete(ctx context.Context, streamID string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(snapshotKey(streamID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}
