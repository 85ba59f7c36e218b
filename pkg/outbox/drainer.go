package outbox

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sagaweave/sagaweave/pkg/dispatch"
	"github.com/sagaweave/sagaweave/pkg/logger"
)

// MetricsRecorder receives drainer observations. The metrics package
// provides a Prometheus implementation; the default is a no-op.
type MetricsRecorder interface {
	RecordPublished(messageType string)
	RecordPublishFailure(messageType string)
	RecordArchived(count int)
	ObservePendingDepth(depth int)
	ObserveDrainCycle(duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordPublished(string)          {}
func (nopMetrics) RecordPublishFailure(string)     {}
func (nopMetrics) RecordArchived(int)              {}
func (nopMetrics) ObservePendingDepth(int)         {}
func (nopMetrics) ObserveDrainCycle(time.Duration) {}

// DrainerOption configures a Drainer.
type DrainerOption func(*Drainer)

// WithInterval sets the polling interval between drain cycles.
func WithInterval(d time.Duration) DrainerOption {
	return func(dr *Drainer) { dr.interval = d }
}

// WithBatchSize caps how many records one cycle publishes.
func WithBatchSize(n int) DrainerOption {
	return func(dr *Drainer) { dr.batchSize = n }
}

// WithBackoff sets the retry backoff bounds for failed publishes.
func WithBackoff(base, max time.Duration) DrainerOption {
	return func(dr *Drainer) {
		dr.backoffBase = base
		dr.backoffMax = max
	}
}

// WithArchiveAfter sets how long published records stay before archival.
func WithArchiveAfter(d time.Duration) DrainerOption {
	return func(dr *Drainer) { dr.archiveAfter = d }
}

// WithLease sets the cross-process lease. Default is NopLease.
func WithLease(l Lease) DrainerOption {
	return func(dr *Drainer) { dr.lease = l }
}

// WithRateLimit caps publishes per second.
func WithRateLimit(perSecond float64, burst int) DrainerOption {
	return func(dr *Drainer) { dr.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithLogger sets the drainer logger.
func WithLogger(log logger.Logger) DrainerOption {
	return func(dr *Drainer) { dr.log = log }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) DrainerOption {
	return func(dr *Drainer) { dr.metrics = m }
}

// Drainer polls the outbox for due pending records and publishes them.
// Delivery is at-least-once: a record is marked published only after the
// dispatcher accepts it, so a crash between publish and mark causes a
// redelivery, never a loss.
type Drainer struct {
	store      Store
	dispatcher dispatch.Dispatcher
	lease      Lease
	limiter    *rate.Limiter
	log        logger.Logger
	metrics    MetricsRecorder

	interval     time.Duration
	batchSize    int
	backoffBase  time.Duration
	backoffMax   time.Duration
	archiveAfter time.Duration

	leaseHeld bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDrainer creates a drainer over a store and dispatcher.
func NewDrainer(store Store, dispatcher dispatch.Dispatcher, opts ...DrainerOption) *Drainer {
	d := &Drainer{
		store:        store,
		dispatcher:   dispatcher,
		lease:        NopLease{},
		limiter:      rate.NewLimiter(rate.Limit(200), 50),
		log:          logger.Global(),
		metrics:      nopMetrics{},
		interval:     time.Second,
		batchSize:    100,
		backoffBase:  time.Second,
		backoffMax:   5 * time.Minute,
		archiveAfter: 7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the drain loop. It returns immediately.
func (d *Drainer) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(ctx)
}

// Stop terminates the drain loop and releases the lease.
func (d *Drainer) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel = nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (d *Drainer) run(ctx context.Context) {
	defer close(d.done)
	defer func() {
		if d.leaseHeld {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := d.lease.Release(releaseCtx); err != nil {
				d.log.Warn("outbox lease release failed", "error", err)
			}
		}
	}()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Drain(ctx); err != nil && ctx.Err() == nil {
				d.log.Error("outbox drain cycle failed", "error", err)
			}
		}
	}
}

// Drain runs one cycle: acquire or renew the lease, publish due records,
// archive old published ones. Exported so tests and the CLI can drive it
// without the background loop.
func (d *Drainer) Drain(ctx context.Context) error {
	start := time.Now()

	if d.leaseHeld {
		if err := d.lease.Renew(ctx); err != nil {
			d.log.Warn("outbox lease renew failed, dropping lease", "error", err)
			d.leaseHeld = false
			return nil
		}
	} else {
		ok, err := d.lease.Acquire(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		d.leaseHeld = true
		d.log.Debug("outbox lease acquired")
	}

	now := time.Now()
	due, err := d.store.Pending(now, d.batchSize)
	if err != nil {
		return err
	}
	d.metrics.ObservePendingDepth(len(due))

	for i := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.publishOne(ctx, &due[i])
	}

	if d.archiveAfter > 0 {
		moved, err := d.store.Archive(now.Add(-d.archiveAfter))
		if err != nil {
			d.log.Warn("outbox archive failed", "error", err)
		} else if moved > 0 {
			d.metrics.RecordArchived(moved)
			d.log.Debug("outbox records archived", "count", moved)
		}
	}

	d.metrics.ObserveDrainCycle(time.Since(start))
	return nil
}

func (d *Drainer) publishOne(ctx context.Context, rec *Record) {
	if err := d.limiter.Wait(ctx); err != nil {
		return
	}

	msg := dispatch.Message{
		MessageID:     rec.ID,
		Type:          rec.MessageType,
		SagaID:        rec.SagaID,
		CorrelationID: rec.CorrelationID,
		Payload:       rec.Payload,
		Headers:       rec.Headers,
	}

	if err := d.dispatcher.Publish(ctx, msg); err != nil {
		next := time.Now().Add(Backoff(rec.Attempts+1, d.backoffBase, d.backoffMax))
		if markErr := d.store.MarkFailed(rec.ID, err.Error(), next); markErr != nil {
			d.log.Error("outbox mark failed", "record_id", rec.ID, "error", markErr)
		}
		d.metrics.RecordPublishFailure(rec.MessageType)
		d.log.Warn("outbox publish failed",
			"record_id", rec.ID,
			"message_type", rec.MessageType,
			"attempts", rec.Attempts+1,
			"error", err,
		)
		return
	}

	if err := d.store.MarkPublished(rec.ID, time.Now()); err != nil {
		// The message went out but the mark did not stick; the next cycle
		// republishes it. At-least-once allows that.
		d.log.Warn("outbox mark published failed", "record_id", rec.ID, "error", err)
		return
	}
	d.metrics.RecordPublished(rec.MessageType)
}
