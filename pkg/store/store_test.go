package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/sagaweave/sagaweave/pkg/correlation"
	"github.com/sagaweave/sagaweave/pkg/outbox"
	"github.com/sagaweave/sagaweave/pkg/saga"
)

type backend struct {
	store  StateStore
	outbox outbox.Store
	index  correlation.Index
}

func memoryBackend(t *testing.T) backend {
	ob := outbox.NewMemoryStore()
	idx := correlation.NewMemoryIndex()
	return backend{
		store:  NewMemoryStateStore(WithMemoryOutbox(ob), WithMemoryIndex(idx)),
		outbox: ob,
		index:  idx,
	}
}

func badgerBackend(t *testing.T) backend {
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

	ob := outbox.NewBadgerStore(db)
	idx := correlation.NewBadgerIndex(db)
	return backend{
		store:  NewBadgerStateStoreWithDB(db, WithBadgerOutbox(ob), WithBadgerIndex(idx)),
		outbox: ob,
		index:  idx,
	}
}

func backends(t *testing.T) map[string]backend {
	return map[string]backend{
		"memory": memoryBackend(t),
		"badger": badgerBackend(t),
	}
}

func testState(sagaID string, startedAt time.Time) *saga.State {
	return &saga.State{
		SagaID:           sagaID,
		SagaType:         saga.TypeRef{Name: "OrderSaga", Version: 1},
		Status:           saga.StatusCreated,
		CurrentStepIndex: 0,
		TotalSteps:       3,
		StartedAt:        startedAt,
		CorrelationID:    "order-42",
		Payload:          json.RawMessage(`{"order_id":"42"}`),
		StepHistory:      []saga.StepExecutionRecord{},
	}
}

func TestSaveCreateAndLoad(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for name, be := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := testState("saga-1", base)

			version, err := be.store.Save(ctx, st, 0, nil)
			if err != nil {
				t.Fatalf("save: %v", err)
			}
			if version != 1 || st.Version != 1 {
				t.Fatalf("version = %d (state %d), want 1", version, st.Version)
			}

			loaded, err := be.store.Load(ctx, "saga-1")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if loaded.Version != 1 || loaded.CorrelationID != "order-42" {
				t.Fatalf("loaded = %+v", loaded)
			}

			// Create again must fail.
			if _, err := be.store.Save(ctx, testState("saga-1", base), 0, nil); !errors.Is(err, ErrAlreadyExists) {
				t.Fatalf("expected ErrAlreadyExists, got %v", err)
			}
		})
	}
}

func TestSaveConcurrencyConflict(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for name, be := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := testState("saga-1", base)
			if _, err := be.store.Save(ctx, st, 0, nil); err != nil {
				t.Fatalf("create: %v", err)
			}

			// Two writers load version 1; the first commits, the second
			// must conflict.
			first, _ := be.store.Load(ctx, "saga-1")
			second, _ := be.store.Load(ctx, "saga-1")

			first.Status = saga.StatusRunning
			if _, err := be.store.Save(ctx, first, 1, nil); err != nil {
				t.Fatalf("first save: %v", err)
			}

			second.Status = saga.StatusRunning
			_, err := be.store.Save(ctx, second, 1, nil)
			if !errors.Is(err, ErrConcurrencyConflict) {
				t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
			}

			// The winning write is intact.
			loaded, err := be.store.Load(ctx, "saga-1")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if loaded.Version != 2 {
				t.Fatalf("version = %d, want 2", loaded.Version)
			}
		})
	}
}

func TestSaveStagesOutboxAtomically(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for name, be := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := testState("saga-1", base)
			batch := []outbox.Record{{
				ID:            "rec-1",
				SagaID:        "saga-1",
				CorrelationID: "order-42",
				MessageType:   "ReserveInventory",
				Payload:       []byte(`{"sku":"A"}`),
				CreatedAt:     base,
			}}

			if _, err := be.store.Save(ctx, st, 0, batch); err != nil {
				t.Fatalf("save with batch: %v", err)
			}

			rec, err := be.outbox.Get("rec-1")
			if err != nil {
				t.Fatalf("outbox record missing after save: %v", err)
			}
			if rec.Status != outbox.StatusPending {
				t.Fatalf("record status = %s, want pending", rec.Status)
			}

			// A conflicting save must not stage its batch.
			stale, _ := be.store.Load(ctx, "saga-1")
			stale.Status = saga.StatusRunning
			_, err = be.store.Save(ctx, stale, 99, []outbox.Record{{
				ID:          "rec-2",
				SagaID:      "saga-1",
				MessageType: "ChargePayment",
				CreatedAt:   base,
			}})
			if !errors.Is(err, ErrConcurrencyConflict) {
				t.Fatalf("expected conflict, got %v", err)
			}
			if _, err := be.outbox.Get("rec-2"); !errors.Is(err, outbox.ErrRecordNotFound) {
				t.Fatalf("batch staged despite conflict: %v", err)
			}
		})
	}
}

func TestSaveUpdatesCorrelationIndex(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for name, be := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := testState("saga-1", base)
			if _, err := be.store.Save(ctx, st, 0, nil); err != nil {
				t.Fatalf("save: %v", err)
			}

			found, err := be.index.FindByCorrelationID("order-42", correlation.QueryOptions{})
			if err != nil {
				t.Fatalf("find: %v", err)
			}
			if len(found) != 1 || found[0].SagaID != "saga-1" {
				t.Fatalf("index entries = %v", found)
			}
		})
	}
}

func TestLoadUnknown(t *testing.T) {
	ctx := context.Background()
	for name, be := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := be.store.Load(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if _, err := be.store.Save(ctx, testState("nope", time.Now()), 7, nil); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound on update of missing saga, got %v", err)
			}
		})
	}
}

func TestCompletedBeforeAndSweep(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for name, be := range backends(t) {
		t.Run(name, func(t *testing.T) {
			old := testState("saga-old", base.Add(-40*24*time.Hour))
			old.Status = saga.StatusCompleted
			old.CurrentStepIndex = old.TotalSteps
			doneOld := base.Add(-35 * 24 * time.Hour)
			old.CompletedAt = &doneOld

			fresh := testState("saga-fresh", base)
			fresh.Status = saga.StatusCompleted
			fresh.CurrentStepIndex = fresh.TotalSteps
			doneFresh := time.Now()
			fresh.CompletedAt = &doneFresh

			running := testState("saga-running", base)

			for _, st := range []*saga.State{old, fresh, running} {
				if _, err := be.store.Save(ctx, st, 0, nil); err != nil {
					t.Fatalf("save %s: %v", st.SagaID, err)
				}
			}

			ids, err := be.store.CompletedBefore(ctx, time.Now().Add(-30*24*time.Hour), 10)
			if err != nil {
				t.Fatalf("completed before: %v", err)
			}
			if len(ids) != 1 || ids[0] != "saga-old" {
				t.Fatalf("expired ids = %v, want [saga-old]", ids)
			}

			sweeper := NewSweeper(be.store, WithRetention(30*24*time.Hour))
			removed, err := sweeper.Sweep(ctx)
			if err != nil {
				t.Fatalf("sweep: %v", err)
			}
			if removed != 1 {
				t.Fatalf("removed = %d, want 1", removed)
			}
			if _, err := be.store.Load(ctx, "saga-old"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expired saga still present: %v", err)
			}
			if _, err := be.store.Load(ctx, "saga-running"); err != nil {
				t.Fatalf("running saga removed: %v", err)
			}
		})
	}
}

func TestRetryOnConflictEventuallySucceeds(t *testing.T) {
	attempts := 0
	err := RetryOnConflict(context.Background(), RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, func() error {
		attempts++
		if attempts < 3 {
			return ErrConcurrencyConflict
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRetryOnConflictGivesUp(t *testing.T) {
	attempts := 0
	err := RetryOnConflict(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, func() error {
		attempts++
		return ErrConcurrencyConflict
	})
	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("expected conflict after exhaustion, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRetryOnConflictStopsOnOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	attempts := 0
	err := RetryOnConflict(context.Background(), DefaultRetryConfig(), func() error {
		attempts++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}
