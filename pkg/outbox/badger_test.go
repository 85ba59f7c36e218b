package outbox

import (
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
)

func setupBadgerStore(t *testing.T) *BadgerStore {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir())
	opts.SyncWrites = false
	opts.ValueLogFileSize = 1 << 20
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return NewBadgerStore(db)
}

func TestBadgerStorePendingOrderAndDueFilter(t *testing.T) {
	store := setupBadgerStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	stageRecord(t, store, "rec-2", base.Add(time.Second))
	stageRecord(t, store, "rec-1", base)
	stageRecord(t, store, "rec-3", base.Add(2*time.Second))

	if err := store.MarkFailed("rec-3", "broker down", base.Add(time.Hour)); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	due, err := store.Pending(base.Add(10*time.Second), 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due count = %d, want 2", len(due))
	}
	if due[0].ID != "rec-1" || due[1].ID != "rec-2" {
		t.Fatalf("due order = [%s %s], want [rec-1 rec-2]", due[0].ID, due[1].ID)
	}
}

func TestBadgerStorePublishAndArchive(t *testing.T) {
	store := setupBadgerStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	stageRecord(t, store, "rec-1", base)

	publishedAt := base.Add(time.Minute)
	if err := store.MarkPublished("rec-1", publishedAt); err != nil {
		t.Fatalf("mark published: %v", err)
	}

	due, err := store.Pending(base.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("published record still pending: %v", due)
	}

	moved, err := store.Archive(publishedAt)
	if err != nil {
		t.Fatalf("archive inside retention: %v", err)
	}
	if moved != 0 {
		t.Fatalf("archived %d records inside retention", moved)
	}

	moved, err = store.Archive(publishedAt.Add(7 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if moved != 1 {
		t.Fatalf("archived = %d, want 1", moved)
	}

	rec, err := store.Get("rec-1")
	if err != nil {
		t.Fatalf("get archived: %v", err)
	}
	if rec.Status != StatusArchived {
		t.Fatalf("status = %s, want archived", rec.Status)
	}
}

func TestBadgerStoreGetUnknown(t *testing.T) {
	store := setupBadgerStore(t)
	if _, err := store.Get("nope"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestBadgerStoreAppendTxnAtomic(t *testing.T) {
	opts := badger.DefaultOptions(t.TempDir())
	opts.SyncWrites = false
	opts.ValueLogFileSize = 1 << 20
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := NewBadgerStore(db)
	base := time.Now()

	// A rolled-back transaction must leave no trace of the record.
	err = db.Update(func(txn *badger.Txn) error {
		if err := store.AppendTxn(txn, Record{ID: "rec-doomed", MessageType: "x", CreatedAt: base}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	if err == nil {
		t.Fatal("expected update to fail")
	}
	if _, err := store.Get("rec-doomed"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("rolled-back record visible: %v", err)
	}

	err = db.Update(func(txn *badger.Txn) error {
		return store.AppendTxn(txn, Record{ID: "rec-kept", MessageType: "x", CreatedAt: base})
	})
	if err != nil {
		t.Fatalf("append txn: %v", err)
	}
	if _, err := store.Get("rec-kept"); err != nil {
		t.Fatalf("committed record missing: %v", err)
	}
}
