// Package relay delivers committed outbox entries to the broker. Entries are
// pushed to a worker pool right after commit; a periodic sweep picks up
// whatever the workers could not deliver.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	audit "github.com/kafeiih/audit-trail"
	"github.com/kafeiih/audit-trail/internal/logging"
	"github.com/kafeiih/audit-trail/internal/metrics"
	"github.com/kafeiih/audit-trail/internal/retry"
)

// ErrClosed is returned by Run when called after Close.
var ErrClosed = errors.New("relay closed")

// Store is the outbox as seen by the relay.
type Store interface {
	Claim(ctx context.Context, id uuid.UUID, lease time.Duration) (bool, error)
	ClaimStale(ctx context.Context, grace time.Duration, limit int, lease time.Duration) ([]audit.OutboxEntry, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error)
	Release(ctx context.Context, id uuid.UUID, cause error) error
}

// PendingCounter is implemented by stores that can report their backlog.
type PendingCounter interface {
	PendingCount(ctx context.Context) (int, error)
}

// Publisher sends one record to the broker and returns once it is confirmed.
type Publisher interface {
	Publish(ctx context.Context, r audit.Record) error
}

// Config tunes delivery.
type Config struct {
	Workers         int
	QueueSize       int
	PublishAttempts int
	RetryDelay      time.Duration
	MaxRetryDelay   time.Duration
	SweepInterval   time.Duration
	SweepGrace      time.Duration
	SweepBatch      int
	ClaimLease      time.Duration
}

// DefaultConfig returns the settings used for unset fields.
func DefaultConfig() Config {
	p := retry.DefaultPolicy()
	return Config{
		Workers:         4,
		QueueSize:       256,
		PublishAttempts: p.Attempts,
		RetryDelay:      p.BaseDelay,
		MaxRetryDelay:   p.MaxDelay,
		SweepInterval:   30 * time.Second,
		SweepGrace:      time.Minute,
		SweepBatch:      100,
		ClaimLease:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.PublishAttempts <= 0 {
		c.PublishAttempts = d.PublishAttempts
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.SweepGrace < 0 {
		c.SweepGrace = 0
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = d.SweepBatch
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = d.ClaimLease
	}
	return c
}

// finishTimeout bounds the bookkeeping writes that follow a publish attempt
// so they still run while the relay shuts down.
const finishTimeout = 5 * time.Second

// Relay implements capture.Dispatcher.
type Relay struct {
	store     Store
	publisher Publisher
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics

	queue chan audit.OutboxEntry
	stop  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// Option configures a Relay.
type Option func(*Relay)

// WithMetrics attaches pipeline metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// New creates a Relay. Call Run to start delivering.
func New(store Store, publisher Publisher, cfg Config, logger *slog.Logger, opts ...Option) *Relay {
	cfg = cfg.withDefaults()
	r := &Relay{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		logger:    logging.OrDefault(logger),
		queue:     make(chan audit.OutboxEntry, cfg.QueueSize),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dispatch enqueues committed entries without blocking. Entries that do not
// fit in the queue stay undelivered in the outbox for the sweep.
func (r *Relay) Dispatch(entries []audit.OutboxEntry) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range entries {
		if r.closed {
			r.overflow(e, "relay closed")
			continue
		}
		select {
		case r.queue <- e:
		default:
			r.overflow(e, "work queue full")
		}
	}
}

func (r *Relay) overflow(e audit.OutboxEntry, reason string) {
	r.metrics.IncrementQueueOverflow()
	r.logger.Warn("audit entry left for sweep",
		"record_id", e.Record.ID,
		"reason", reason,
	)
}

// Run starts the workers and the sweeper and blocks until ctx is done or
// Close has been called and the queue is drained.
func (r *Relay) Run(ctx context.Context) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Workers; i++ {
		g.Go(func() error {
			r.work(gctx)
			return nil
		})
	}
	g.Go(func() error {
		r.sweepLoop(gctx)
		return nil
	})

	err := g.Wait()
	r.logger.Info("relay stopped")
	return err
}

// Close stops accepting entries. Running workers finish what is queued.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.stop)
	close(r.queue)
}

func (r *Relay) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-r.queue:
			if !ok {
				return
			}
			r.deliver(ctx, e, false)
		}
	}
}

func (r *Relay) sweepLoop(ctx context.Context) {
	t := time.NewTicker(r.cfg.SweepInterval)
	defer t.Stop()

	for {
		if _, err := r.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("outbox sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-t.C:
		}
	}
}

// SweepOnce claims stale undelivered entries and delivers them. It returns
// how many entries were claimed.
func (r *Relay) SweepOnce(ctx context.Context) (int, error) {
	entries, err := r.store.ClaimStale(ctx, r.cfg.SweepGrace, r.cfg.SweepBatch, r.cfg.ClaimLease)
	if err != nil {
		return 0, err
	}
	if len(entries) > 0 {
		r.logger.Info("recovering stale outbox entries", "count", len(entries))
		r.metrics.AddSwept(len(entries))
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		r.deliver(ctx, e, true)
	}

	if pc, ok := r.store.(PendingCounter); ok {
		if n, err := pc.PendingCount(ctx); err == nil {
			r.metrics.SetOutboxPending(n)
		}
	}
	return len(entries), nil
}

// deliver publishes e unless another worker holds it. Failures are recorded
// on the entry and never reach the producer.
func (r *Relay) deliver(ctx context.Context, e audit.OutboxEntry, claimed bool) {
	id := e.Record.ID
	logger := r.logger.With("record_id", id, "entity", e.Record.EntityName, "operation", e.Record.Operation)

	if !claimed {
		ok, err := r.store.Claim(ctx, id, r.cfg.ClaimLease)
		if err != nil {
			logger.Warn("claiming outbox entry failed", "error", err)
			return
		}
		if !ok {
			logger.Debug("outbox entry already claimed or delivered")
			return
		}
	}

	policy := retry.Policy{
		Attempts:  r.cfg.PublishAttempts,
		BaseDelay: r.cfg.RetryDelay,
		MaxDelay:  r.cfg.MaxRetryDelay,
	}
	pubErr := retry.Do(ctx, policy, func(ctx context.Context) error {
		return r.publisher.Publish(ctx, e.Record)
	})

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if pubErr != nil {
		r.metrics.IncrementPublishFailed()
		logger.Warn("publishing audit record failed, left for sweep",
			"attempts", e.Attempts+1,
			"error", pubErr,
		)
		if err := r.store.Release(fctx, id, pubErr); err != nil {
			logger.Error("releasing outbox entry failed", "error", err)
		}
		return
	}

	delivered, err := r.store.MarkDelivered(fctx, id)
	if err != nil {
		logger.Error("marking outbox entry delivered failed, it will be published again", "error", err)
		return
	}
	if delivered {
		r.metrics.IncrementPublished()
		logger.Debug("audit record delivered")
	}
}
