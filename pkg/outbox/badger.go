package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore persists outbox records in Badger. It operates on a shared
// database handle so the state store can stage records in the same
// transaction that commits the saga state; the handle's owner closes it.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates an outbox store over an open Badger handle.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func recordKey(id string) []byte {
	return []byte(fmt.Sprintf("outbox:rec:%s", id))
}

func pendingIndexKey(createdAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("outbox:index:pending:%020d:%s", createdAt.UnixNano(), id))
}

func publishedIndexKey(publishedAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("outbox:index:published:%020d:%s", publishedAt.UnixNano(), id))
}

func indexKeyID(key string) string {
	parts := strings.SplitN(key, ":", 5)
	if len(parts) < 5 {
		return ""
	}
	return parts[4]
}

// Append stages records as pending in a single transaction.
func (b *BadgerStore) Append(records ...Record) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for _, rec := range records {
			if err := b.AppendTxn(txn, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// AppendTxn stages one record inside an existing transaction. The state
// store uses this to commit state and outbox rows atomically.
func (b *BadgerStore) AppendTxn(txn *badger.Txn, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("outbox: record missing id")
	}
	rec.Status = StatusPending
	if rec.NextAttemptAt.IsZero() {
		rec.NextAttemptAt = rec.CreatedAt
	}

	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("outbox: marshal record %s: %w", rec.ID, err)
	}
	if err := txn.Set(recordKey(rec.ID), data); err != nil {
		return err
	}
	return txn.Set(pendingIndexKey(rec.CreatedAt, rec.ID), []byte{})
}

// Get returns one record by ID.
func (b *BadgerStore) Get(id string) (*Record, error) {
	var rec Record
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (b *BadgerStore) getInTxn(txn *badger.Txn, id string) (*Record, error) {
	item, err := txn.Get(recordKey(id))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		return nil, err
	}
	var rec Record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (b *BadgerStore) putInTxn(txn *badger.Txn, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("outbox: marshal record %s: %w", rec.ID, err)
	}
	return txn.Set(recordKey(rec.ID), data)
}

// Pending walks the pending index in creation order and returns up to limit
// records that are due at now.
func (b *BadgerStore) Pending(now time.Time, limit int) ([]Record, error) {
	var due []Record
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("outbox:index:pending:")
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(due) >= limit {
				break
			}
			id := indexKeyID(string(it.Item().Key()))
			if id == "" {
				continue
			}
			rec, err := b.getInTxn(txn, id)
			if err != nil {
				continue
			}
			if rec.Status != StatusPending || rec.NextAttemptAt.After(now) {
				continue
			}
			due = append(due, *rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return due, nil
}

// MarkPublished transitions a record to published and moves its index entry.
func (b *BadgerStore) MarkPublished(id string, at time.Time) error {
	return b.db.Update(func(txn *badger.Txn) error {
		rec, err := b.getInTxn(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete(pendingIndexKey(rec.CreatedAt, rec.ID)); err != nil {
			return err
		}
		rec.Status = StatusPublished
		rec.PublishedAt = &at
		rec.LastError = ""
		if err := b.putInTxn(txn, rec); err != nil {
			return err
		}
		return txn.Set(publishedIndexKey(at, rec.ID), []byte{})
	})
}

// MarkFailed records a failed attempt and reschedules the record. The
// pending index entry stays in place; due-ness is filtered on read.
func (b *BadgerStore) MarkFailed(id string, reason string, nextAttempt time.Time) error {
	return b.db.Update(func(txn *badger.Txn) error {
		rec, err := b.getInTxn(txn, id)
		if err != nil {
			return err
		}
		rec.Attempts++
		rec.LastError = reason
		rec.NextAttemptAt = nextAttempt
		return b.putInTxn(txn, rec)
	})
}

// Archive ages published records older than cutoff into archived.
func (b *BadgerStore) Archive(cutoff time.Time) (int, error) {
	moved := 0
	err := b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("outbox:index:published:")
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			id := indexKeyID(key)
			if id == "" {
				continue
			}
			rec, err := b.getInTxn(txn, id)
			if err != nil {
				continue
			}
			if rec.PublishedAt == nil || !rec.PublishedAt.Before(cutoff) {
				// Index is ordered by publish time, nothing further is older.
				break
			}
			rec.Status = StatusArchived
			if err := b.putInTxn(txn, rec); err != nil {
				return err
			}
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// Close is a no-op; the shared Badger handle is closed by its owner.
func (b *BadgerStore) Close() error {
	return nil
}
