// Package indexer consumes audit envelopes from the broker and writes them to
// the search store. Every delivery ends acknowledged or dead-lettered; nothing
// is requeued.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	audit "github.com/kafeiih/audit-trail"
	"github.com/kafeiih/audit-trail/internal/logging"
	"github.com/kafeiih/audit-trail/internal/metrics"
)

// ComponentName labels the consumer in metrics and readiness reports.
const ComponentName = "indexer"

// Subscriber opens a manual-ack subscription on the audit queue.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan amqp.Delivery, io.Closer, error)
}

// State reports what the consumer is doing.
type State string

const (
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
	StateDegraded     State = "degraded"
)

// Outcome is the final state of one delivery.
type Outcome string

const (
	Acked  Outcome = "acked"
	Nacked Outcome = "nacked"
)

// Nack reasons, used as metric labels.
const (
	ReasonDecode  = "decode"
	ReasonService = "service"
	ReasonIndex   = "index"
)

// Consumer indexes deliveries one at a time.
type Consumer struct {
	source         Subscriber
	store          audit.IndexWriter
	allow          audit.ServiceAllowList
	logger         *slog.Logger
	metrics        *metrics.Metrics
	reconnectDelay time.Duration
	indexTimeout   time.Duration

	mu    sync.RWMutex
	state State
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithAllowList restricts the source services accepted for indexing.
func WithAllowList(l audit.ServiceAllowList) Option {
	return func(c *Consumer) { c.allow = l }
}

// WithMetrics attaches pipeline metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Consumer) { c.metrics = m }
}

// WithReconnectDelay sets the pause before resubscribing after the broker
// closes the subscription.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Consumer) { c.reconnectDelay = d }
}

// WithIndexTimeout bounds a single write to the store.
func WithIndexTimeout(d time.Duration) Option {
	return func(c *Consumer) { c.indexTimeout = d }
}

// New creates a Consumer.
func New(source Subscriber, store audit.IndexWriter, logger *slog.Logger, opts ...Option) *Consumer {
	c := &Consumer{
		source:         source,
		store:          store,
		logger:         logging.OrDefault(logger),
		reconnectDelay: 5 * time.Second,
		indexTimeout:   10 * time.Second,
		state:          StateStarting,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current consumer state.
func (c *Consumer) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.metrics.SetComponentUp(ComponentName, s == StateRunning)
}

// Run subscribes and handles deliveries until ctx is done. When the broker
// closes the subscription it resubscribes after the reconnect delay. If the
// broker cannot be reached within the subscriber's readiness budget Run
// returns that error and the consumer stays degraded.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if c.State() != StateDegraded {
			c.setState(StateStopped)
		}
	}()

	for {
		deliveries, sub, err := c.source.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.setState(StateDegraded)
			c.logger.Error("indexer cannot reach the broker, not running", "error", err)
			return fmt.Errorf("subscribing to audit queue: %w", err)
		}

		c.setState(StateRunning)
		c.consume(ctx, deliveries)
		if err := sub.Close(); err != nil && ctx.Err() == nil {
			c.logger.Debug("closing subscription", "error", err)
		}

		if ctx.Err() != nil {
			return nil
		}

		c.setState(StateReconnecting)
		c.logger.Warn("audit subscription closed, reconnecting", "delay", c.reconnectDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Consumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.Handle(ctx, d)
		}
	}
}

// Handle indexes one delivery. Decoding failures, invalid records,
// disallowed services and store errors nack the message without requeue so
// the broker dead-letters it; everything else is acknowledged after the
// write.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) Outcome {
	logger := c.logger.With("message_id", d.MessageId, "delivery_tag", d.DeliveryTag)

	r, err := audit.UnmarshalEnvelope(d.Body)
	if err != nil {
		return c.reject(d, logger, ReasonDecode, err)
	}

	service, err := c.allow.Check(r.SourceService)
	if err != nil {
		return c.reject(d, logger, ReasonService, err)
	}
	r.SourceService = service

	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.indexTimeout)
	defer cancel()
	if err := c.store.Index(ictx, *r); err != nil {
		return c.reject(d, logger, ReasonIndex, err)
	}

	if err := d.Ack(false); err != nil {
		// the broker will redeliver; indexing is idempotent on the record id
		logger.Error("acknowledging audit message", "error", err)
	}
	c.metrics.IncrementIndexed()
	logger.Debug("audit record indexed",
		"record_id", r.ID,
		"entity", r.EntityName,
		"service", service,
	)
	return Acked
}

func (c *Consumer) reject(d amqp.Delivery, logger *slog.Logger, reason string, cause error) Outcome {
	c.metrics.IncrementNacked(reason)
	logger.Error("audit message rejected to dead-letter queue",
		"reason", reason,
		"error", cause,
		"redelivered", d.Redelivered,
	)
	if err := d.Nack(false, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
		logger.Error("nacking audit message", "error", err)
	}
	return Nacked
}
