package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/sagaweave/sagaweave/pkg/correlation"
	"github.com/sagaweave/sagaweave/pkg/outbox"
	"github.com/sagaweave/sagaweave/pkg/saga"
)

// BadgerConfig holds configuration for the Badger state store.
type BadgerConfig struct {
	Path             string
	SyncWrites       bool
	ValueLogFileSize int64
}

// BadgerOption configures a BadgerStateStore.
type BadgerOption func(*BadgerStateStore)

// WithBadgerOutbox stages outbox batches through the given store in the
// same transaction as the state write.
func WithBadgerOutbox(ob *outbox.BadgerStore) BadgerOption {
	return func(b *BadgerStateStore) { b.outbox = ob }
}

// WithBadgerIndex updates the correlation index in the same transaction as
// the state write.
func WithBadgerIndex(idx *correlation.BadgerIndex) BadgerOption {
	return func(b *BadgerStateStore) { b.index = idx }
}

// BadgerStateStore persists saga state in Badger. State, outbox batch and
// correlation index commit in one transaction, so a crash can never leave a
// saved state without its staged messages.
type BadgerStateStore struct {
	db     *badger.DB
	ownsDB bool
	outbox *outbox.BadgerStore
	index  *correlation.BadgerIndex
}

// NewBadgerStateStore opens a Badger database at the configured path.
func NewBadgerStateStore(cfg *BadgerConfig, opts ...BadgerOption) (*BadgerStateStore, error) {
	badgerOpts := badger.DefaultOptions(cfg.Path)
	badgerOpts.SyncWrites = cfg.SyncWrites
	if cfg.ValueLogFileSize > 0 {
		badgerOpts.ValueLogFileSize = cfg.ValueLogFileSize
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger at %s: %w", cfg.Path, err)
	}

	b := &BadgerStateStore{db: db, ownsDB: true}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// NewBadgerStateStoreWithDB wraps an already open handle. The caller keeps
// ownership and closes it.
func NewBadgerStateStoreWithDB(db *badger.DB, opts ...BadgerOption) *BadgerStateStore {
	b := &BadgerStateStore{db: db}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// DB exposes the underlying handle so the outbox store and correlation
// index can share it.
func (b *BadgerStateStore) DB() *badger.DB {
	return b.db
}

func stateKey(sagaID string) []byte {
	return []byte(fmt.Sprintf("saga:state:%s", sagaID))
}

func completedIndexKey(completedAt time.Time, sagaID string) []byte {
	return []byte(fmt.Sprintf("saga:index:completed:%020d:%s", completedAt.UnixNano(), sagaID))
}

// Load returns the saga state.
func (b *BadgerStateStore) Load(ctx context.Context, sagaID string) (*saga.State, error) {
	var st saga.State
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(sagaID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return fmt.Errorf("%w: %s", ErrNotFound, sagaID)
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &st)
		})
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Save commits state at expectedVersion with its outbox batch, all in one
// Badger transaction.
func (b *BadgerStateStore) Save(ctx context.Context, state *saga.State, expectedVersion uint64, batch []outbox.Record) (uint64, error) {
	if len(batch) > 0 && b.outbox == nil {
		return 0, outbox.ErrNotConfigured
	}
	if err := state.Validate(); err != nil {
		return 0, err
	}

	newVersion := expectedVersion + 1
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(state.SagaID))
		switch {
		case err == badger.ErrKeyNotFound:
			if expectedVersion != 0 {
				return fmt.Errorf("%w: %s", ErrNotFound, state.SagaID)
			}
		case err != nil:
			return err
		default:
			if expectedVersion == 0 {
				return fmt.Errorf("%w: %s", ErrAlreadyExists, state.SagaID)
			}
			var current saga.State
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &current)
			}); err != nil {
				return err
			}
			if current.Version != expectedVersion {
				return fmt.Errorf("%w: saga %s expected version %d, have %d",
					ErrConcurrencyConflict, state.SagaID, expectedVersion, current.Version)
			}
		}

		stored := state.Clone()
		stored.Version = newVersion
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("store: marshal saga %s: %w", state.SagaID, err)
		}
		if err := txn.Set(stateKey(state.SagaID), data); err != nil {
			return err
		}

		if stored.Status.IsTerminal() && stored.CompletedAt != nil {
			if err := txn.Set(completedIndexKey(*stored.CompletedAt, stored.SagaID), []byte{}); err != nil {
				return err
			}
		}

		for _, rec := range batch {
			if err := b.outbox.AppendTxn(txn, rec); err != nil {
				return err
			}
		}

		if b.index != nil {
			entry := correlation.Entry{
				SagaID:        stored.SagaID,
				SagaType:      stored.SagaType,
				Status:        stored.Status,
				CorrelationID: stored.CorrelationID,
				StartedAt:     stored.StartedAt,
				CompletedAt:   stored.CompletedAt,
			}
			if err := b.index.IndexSagaTxn(txn, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	state.Version = newVersion
	return newVersion, nil
}

// Delete removes a saga instance, its completed index entry and its
// correlation entries.
func (b *BadgerStateStore) Delete(ctx context.Context, sagaID string) error {
	st, err := b.Load(ctx, sagaID)
	if err != nil {
		return err
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(stateKey(sagaID)); err != nil {
			return err
		}
		if st.CompletedAt != nil {
			if err := txn.Delete(completedIndexKey(*st.CompletedAt, sagaID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if b.index != nil {
		return b.index.Clear(sagaID)
	}
	return nil
}

// CompletedBefore walks the completed index in time order and returns saga
// IDs finished before cutoff.
func (b *BadgerStateStore) CompletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var ids []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("saga:index:completed:")
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			parts := strings.SplitN(key, ":", 5)
			if len(parts) < 5 {
				continue
			}
			nanos, err := strconv.ParseInt(parts[3], 10, 64)
			if err != nil {
				continue
			}
			if !time.Unix(0, nanos).Before(cutoff) {
				// Index is time ordered, nothing further is older.
				break
			}
			ids = append(ids, parts[4])
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Close closes the database when this store owns it.
func (b *BadgerStateStore) Close() error {
	if !b.ownsDB {
		return nil
	}
	if err := b.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
		return b.db.Close()
	}
	return b.db.Close()
}
