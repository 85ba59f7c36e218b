package store

import (
	"context"
	"sync"
	"time"

	"github.com/sagaweave/sagaweave/pkg/logger"
)

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets how often the sweeper scans for expired sagas.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.interval = d }
}

// WithRetention sets how long terminal sagas are kept before deletion.
func WithRetention(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.retention = d }
}

// WithSweepBatchSize caps deletions per cycle.
func WithSweepBatchSize(n int) SweeperOption {
	return func(s *Sweeper) { s.batchSize = n }
}

// WithSweeperLogger sets the sweeper logger.
func WithSweeperLogger(log logger.Logger) SweeperOption {
	return func(s *Sweeper) { s.log = log }
}

// Sweeper deletes terminal sagas past the retention window. Only states go;
// event streams and outbox records keep their own retention.
type Sweeper struct {
	store     StateStore
	log       logger.Logger
	interval  time.Duration
	retention time.Duration
	batchSize int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper over a state store.
func NewSweeper(store StateStore, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:     store,
		log:       logger.Global(),
		interval:  time.Hour,
		retention: 30 * 24 * time.Hour,
		batchSize: 500,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop terminates the sweep loop.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("retention sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one cleanup cycle and returns how many sagas were removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.retention)
	ids, err := s.store.CompletedBefore(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := s.store.Delete(ctx, id); err != nil {
			s.log.Warn("retention delete failed", "saga_id", id, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.log.Info("retention sweep removed expired sagas", "count", removed)
	}
	return removed, nil
}
