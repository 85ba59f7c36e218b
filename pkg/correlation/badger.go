package correlation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/sagaweave/sagaweave/pkg/saga"
)

// BadgerIndex persists the correlation index in Badger. It operates on a
// shared database handle so the state store can update the index in the
// same transaction that commits the saga state.
type BadgerIndex struct {
	db *badger.DB
}

// NewBadgerIndex creates an index over an open Badger handle.
func NewBadgerIndex(db *badger.DB) *BadgerIndex {
	return &BadgerIndex{db: db}
}

func entryKey(sagaID string) []byte {
	return []byte(fmt.Sprintf("corr:entry:%s", sagaID))
}

func corrIDKey(correlationID, sagaID string) []byte {
	return []byte(fmt.Sprintf("corr:index:cid:%s:%s", correlationID, sagaID))
}

func propKey(key, value, sagaID string) []byte {
	return []byte(fmt.Sprintf("corr:index:prop:%s=%s:%s", key, value, sagaID))
}

func lastSegment(key string) string {
	i := strings.LastIndex(key, ":")
	if i < 0 {
		return ""
	}
	return key[i+1:]
}

// IndexSaga registers or refreshes the entry for a saga.
func (b *BadgerIndex) IndexSaga(entry Entry) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return b.IndexSagaTxn(txn, entry)
	})
}

// IndexSagaTxn registers an entry inside an existing transaction. The state
// store uses this to commit state and index atomically.
func (b *BadgerIndex) IndexSagaTxn(txn *badger.Txn, entry Entry) error {
	if entry.SagaID == "" {
		return fmt.Errorf("%w: saga id", ErrEmptyKey)
	}
	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("correlation: marshal entry %s: %w", entry.SagaID, err)
	}
	if err := txn.Set(entryKey(entry.SagaID), data); err != nil {
		return err
	}
	if entry.CorrelationID != "" {
		return txn.Set(corrIDKey(entry.CorrelationID, entry.SagaID), []byte{})
	}
	return nil
}

// IndexProperty adds a secondary key=value lookup for a saga.
func (b *BadgerIndex) IndexProperty(sagaID, key, value string) error {
	if sagaID == "" || key == "" {
		return fmt.Errorf("%w: saga id and property key required", ErrEmptyKey)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(propKey(key, value, sagaID), []byte{})
	})
}

// UpdateStatus refreshes the indexed status of a saga.
func (b *BadgerIndex) UpdateStatus(sagaID string, status saga.Status, completedAt *time.Time) error {
	return b.db.Update(func(txn *badger.Txn) error {
		entry, err := b.getEntryTxn(txn, sagaID)
		if err != nil {
			return err
		}
		entry.Status = status
		entry.CompletedAt = completedAt
		return b.IndexSagaTxn(txn, *entry)
	})
}

func (b *BadgerIndex) getEntryTxn(txn *badger.Txn, sagaID string) (*Entry, error) {
	item, err := txn.Get(entryKey(sagaID))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, sagaID)
		}
		return nil, err
	}
	var entry Entry
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &entry)
	}); err != nil {
		return nil, err
	}
	return &entry, nil
}

// FindByCorrelationID returns sagas indexed under a correlation ID.
func (b *BadgerIndex) FindByCorrelationID(correlationID string, opts QueryOptions) ([]Entry, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("%w: correlation id", ErrEmptyKey)
	}
	prefix := []byte(fmt.Sprintf("corr:index:cid:%s:", correlationID))
	return b.scan(prefix, opts)
}

// FindByProperty returns sagas indexed under key=value.
func (b *BadgerIndex) FindByProperty(key, value string, opts QueryOptions) ([]Entry, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: property key", ErrEmptyKey)
	}
	prefix := []byte(fmt.Sprintf("corr:index:prop:%s=%s:", key, value))
	return b.scan(prefix, opts)
}

func (b *BadgerIndex) scan(prefix []byte, opts QueryOptions) ([]Entry, error) {
	var entries []Entry
	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		iterOpts.PrefetchValues = false

		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			sagaID := lastSegment(string(it.Item().Key()))
			if sagaID == "" {
				continue
			}
			entry, err := b.getEntryTxn(txn, sagaID)
			if err != nil {
				continue
			}
			entries = append(entries, *entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(a, c int) bool {
		if entries[a].StartedAt.Equal(entries[c].StartedAt) {
			return entries[a].SagaID < entries[c].SagaID
		}
		return entries[a].StartedAt.Before(entries[c].StartedAt)
	})
	return filterEntries(entries, opts), nil
}

// List returns all indexed sagas matching the filter.
func (b *BadgerIndex) List(filter ListFilter) ([]Entry, error) {
	var entries []Entry
	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = []byte("corr:entry:")

		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var entry Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(a, c int) bool {
		if entries[a].StartedAt.Equal(entries[c].StartedAt) {
			return entries[a].SagaID < entries[c].SagaID
		}
		return entries[a].StartedAt.Before(entries[c].StartedAt)
	})
	return applyListFilter(entries, filter), nil
}

// Clear removes all index entries for a saga.
func (b *BadgerIndex) Clear(sagaID string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		entry, err := b.getEntryTxn(txn, sagaID)
		if err == nil && entry.CorrelationID != "" {
			if err := txn.Delete(corrIDKey(entry.CorrelationID, sagaID)); err != nil {
				return err
			}
		}

		// Property index keys end in the saga ID; scan and match.
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = []byte("corr:index:prop:")
		iterOpts.PrefetchValues = false

		it := txn.NewIterator(iterOpts)
		var doomed [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if lastSegment(string(key)) == sagaID {
				doomed = append(doomed, key)
			}
		}
		it.Close()

		for _, key := range doomed {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return txn.Delete(entryKey(sagaID))
	})
}
