package correlation

import (
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/sagaweave/sagaweave/pkg/saga"
)

func newBadgerIndex(t *testing.T) *BadgerIndex {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir())
	opts.SyncWrites = false
	opts.ValueLogFileSize = 1 << 20
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewBadgerIndex(db)
}

func indexBackends(t *testing.T) map[string]Index {
	return map[string]Index{
		"memory": NewMemoryIndex(),
		"badger": newBadgerIndex(t),
	}
}

func sampleEntry(sagaID, correlationID string, status saga.Status, startedAt time.Time) Entry {
	return Entry{
		SagaID:        sagaID,
		SagaType:      saga.TypeRef{Name: "OrderSaga", Version: 1},
		Status:        status,
		CorrelationID: correlationID,
		StartedAt:     startedAt,
	}
}

func TestIndexFindByCorrelationID(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for name, idx := range indexBackends(t) {
		t.Run(name, func(t *testing.T) {
			if err := idx.IndexSaga(sampleEntry("saga-2", "order-42", saga.StatusRunning, base.Add(time.Second))); err != nil {
				t.Fatalf("index saga-2: %v", err)
			}
			if err := idx.IndexSaga(sampleEntry("saga-1", "order-42", saga.StatusRunning, base)); err != nil {
				t.Fatalf("index saga-1: %v", err)
			}
			if err := idx.IndexSaga(sampleEntry("saga-3", "order-99", saga.StatusRunning, base)); err != nil {
				t.Fatalf("index saga-3: %v", err)
			}

			got, err := idx.FindByCorrelationID("order-42", QueryOptions{})
			if err != nil {
				t.Fatalf("find: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("found %d entries, want 2", len(got))
			}
			if got[0].SagaID != "saga-1" || got[1].SagaID != "saga-2" {
				t.Fatalf("order = [%s %s], want [saga-1 saga-2]", got[0].SagaID, got[1].SagaID)
			}
		})
	}
}

func TestIndexExcludesTerminalByDefault(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for name, idx := range indexBackends(t) {
		t.Run(name, func(t *testing.T) {
			if err := idx.IndexSaga(sampleEntry("saga-1", "order-42", saga.StatusRunning, base)); err != nil {
				t.Fatalf("index: %v", err)
			}
			done := base.Add(time.Minute)
			if err := idx.UpdateStatus("saga-1", saga.StatusCompleted, &done); err != nil {
				t.Fatalf("update status: %v", err)
			}

			got, err := idx.FindByCorrelationID("order-42", QueryOptions{})
			if err != nil {
				t.Fatalf("find: %v", err)
			}
			if len(got) != 0 {
				t.Fatalf("terminal saga returned by default: %v", got)
			}

			got, err = idx.FindByCorrelationID("order-42", QueryOptions{IncludeCompleted: true})
			if err != nil {
				t.Fatalf("find with completed: %v", err)
			}
			if len(got) != 1 || got[0].Status != saga.StatusCompleted {
				t.Fatalf("completed saga missing: %v", got)
			}
		})
	}
}

func TestIndexFindByProperty(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for name, idx := range indexBackends(t) {
		t.Run(name, func(t *testing.T) {
			if err := idx.IndexSaga(sampleEntry("saga-1", "order-42", saga.StatusRunning, base)); err != nil {
				t.Fatalf("index: %v", err)
			}
			if err := idx.IndexProperty("saga-1", "customer_id", "cust-7"); err != nil {
				t.Fatalf("index property: %v", err)
			}

			got, err := idx.FindByProperty("customer_id", "cust-7", QueryOptions{})
			if err != nil {
				t.Fatalf("find: %v", err)
			}
			if len(got) != 1 || got[0].SagaID != "saga-1" {
				t.Fatalf("property lookup = %v", got)
			}

			if got, err := idx.FindByProperty("customer_id", "cust-8", QueryOptions{}); err != nil || len(got) != 0 {
				t.Fatalf("unexpected match: %v, %v", got, err)
			}
		})
	}
}

func TestIndexMaxResults(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for name, idx := range indexBackends(t) {
		t.Run(name, func(t *testing.T) {
			for i, id := range []string{"saga-1", "saga-2", "saga-3"} {
				if err := idx.IndexSaga(sampleEntry(id, "order-42", saga.StatusRunning, base.Add(time.Duration(i)*time.Second))); err != nil {
					t.Fatalf("index %s: %v", id, err)
				}
			}
			got, err := idx.FindByCorrelationID("order-42", QueryOptions{MaxResults: 2})
			if err != nil {
				t.Fatalf("find: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("got %d entries, want 2", len(got))
			}
		})
	}
}

func TestIndexList(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for name, idx := range indexBackends(t) {
		t.Run(name, func(t *testing.T) {
			if err := idx.IndexSaga(sampleEntry("saga-1", "order-1", saga.StatusRunning, base)); err != nil {
				t.Fatalf("index saga-1: %v", err)
			}
			if err := idx.IndexSaga(sampleEntry("saga-2", "order-2", saga.StatusCompleted, base.Add(time.Second))); err != nil {
				t.Fatalf("index saga-2: %v", err)
			}
			if err := idx.IndexSaga(sampleEntry("saga-3", "order-3", saga.StatusRunning, base.Add(2*time.Second))); err != nil {
				t.Fatalf("index saga-3: %v", err)
			}

			all, err := idx.List(ListFilter{})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(all) != 3 || all[0].SagaID != "saga-1" || all[2].SagaID != "saga-3" {
				t.Fatalf("list = %v", all)
			}

			running := saga.StatusRunning
			got, err := idx.List(ListFilter{Status: &running})
			if err != nil {
				t.Fatalf("list running: %v", err)
			}
			if len(got) != 2 || got[0].SagaID != "saga-1" || got[1].SagaID != "saga-3" {
				t.Fatalf("running list = %v", got)
			}

			got, err = idx.List(ListFilter{Offset: 1, Limit: 1})
			if err != nil {
				t.Fatalf("list page: %v", err)
			}
			if len(got) != 1 || got[0].SagaID != "saga-2" {
				t.Fatalf("page = %v", got)
			}

			got, err = idx.List(ListFilter{Offset: 10})
			if err != nil {
				t.Fatalf("list past end: %v", err)
			}
			if len(got) != 0 {
				t.Fatalf("past-end page = %v", got)
			}
		})
	}
}

func TestIndexEmptyKeyRejected(t *testing.T) {
	for name, idx := range indexBackends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := idx.FindByCorrelationID("", QueryOptions{}); !errors.Is(err, ErrEmptyKey) {
				t.Fatalf("expected ErrEmptyKey, got %v", err)
			}
			if _, err := idx.FindByProperty("", "x", QueryOptions{}); !errors.Is(err, ErrEmptyKey) {
				t.Fatalf("expected ErrEmptyKey, got %v", err)
			}
			if err := idx.IndexSaga(Entry{}); !errors.Is(err, ErrEmptyKey) {
				t.Fatalf("expected ErrEmptyKey, got %v", err)
			}
		})
	}
}

func TestIndexClear(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for name, idx := range indexBackends(t) {
		t.Run(name, func(t *testing.T) {
			if err := idx.IndexSaga(sampleEntry("saga-1", "order-42", saga.StatusRunning, base)); err != nil {
				t.Fatalf("index: %v", err)
			}
			if err := idx.IndexProperty("saga-1", "customer_id", "cust-7"); err != nil {
				t.Fatalf("index property: %v", err)
			}
			if err := idx.Clear("saga-1"); err != nil {
				t.Fatalf("clear: %v", err)
			}

			got, err := idx.FindByCorrelationID("order-42", QueryOptions{IncludeCompleted: true})
			if err != nil {
				t.Fatalf("find: %v", err)
			}
			if len(got) != 0 {
				t.Fatalf("cleared saga still indexed: %v", got)
			}
			got, err = idx.FindByProperty("customer_id", "cust-7", QueryOptions{IncludeCompleted: true})
			if err != nil {
				t.Fatalf("find property: %v", err)
			}
			if len(got) != 0 {
				t.Fatalf("cleared property still indexed: %v", got)
			}
		})
	}
}
