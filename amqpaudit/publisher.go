package amqpaudit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	audit "github.com/kafeiih/audit-trail"
	"github.com/kafeiih/audit-trail/internal/logging"
	"github.com/kafeiih/audit-trail/internal/retry"
)

// DefaultConfirmTimeout bounds the wait for a broker confirm.
const DefaultConfirmTimeout = 5 * time.Second

// MessageType is set on every published envelope.
const MessageType = "audit.record"

// Option configures a Publisher or a Source.
type Option func(*options)

type options struct {
	dial           Dialer
	topology       Topology
	ready          retry.Readiness
	confirmTimeout time.Duration
	logger         *slog.Logger
	consumerTag    string
}

func defaultOptions() options {
	return options{
		dial:           Dial,
		topology:       DefaultTopology(),
		ready:          retry.DefaultReadiness(),
		confirmTimeout: DefaultConfirmTimeout,
		logger:         slog.Default(),
		consumerTag:    "audit-indexer",
	}
}

// WithDialer replaces the broker dialer.
func WithDialer(d Dialer) Option { return func(o *options) { o.dial = d } }

// WithTopology overrides the exchange and queue names.
func WithTopology(t Topology) Option { return func(o *options) { o.topology = t } }

// WithReadiness sets the connect budget.
func WithReadiness(r retry.Readiness) Option { return func(o *options) { o.ready = r } }

// WithConfirmTimeout sets how long Publish waits for a confirm.
func WithConfirmTimeout(d time.Duration) Option { return func(o *options) { o.confirmTimeout = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = logging.OrDefault(l) } }

// WithConsumerTag names the consumer registered by Source.
func WithConsumerTag(tag string) Option { return func(o *options) { o.consumerTag = tag } }

// Publisher publishes audit envelopes on a single confirm-mode channel. The
// connection is opened lazily and re-opened after it drops.
type Publisher struct {
	url  string
	opts options

	mu       sync.Mutex
	conn     Connection
	ch       Channel
	confirms chan amqp.Confirmation
	closed   chan *amqp.Error
}

// NewPublisher creates a Publisher for url. No connection is made until
// Ready or Publish is called.
func NewPublisher(url string, opts ...Option) *Publisher {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Publisher{url: url, opts: o}
}

// Ready connects within the readiness budget and declares the topology.
func (p *Publisher) Ready(ctx context.Context) error {
	err := p.opts.ready.Wait(ctx, func(context.Context) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.ensureChannel()
	}, func(attempt int, err error) {
		p.opts.logger.Warn("broker not ready", "attempt", attempt, "max_attempts", p.opts.ready.Attempts, "error", err)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	return nil
}

// Publish sends r as a persistent message and waits for the broker confirm.
// A nack, a confirm timeout or a closed channel is an error; the channel is
// then discarded so the next call starts clean.
func (p *Publisher) Publish(ctx context.Context, r audit.Record) error {
	body, err := audit.MarshalEnvelope(r)
	if err != nil {
		return retry.Permanent(err)
	}

	msg := amqp.Publishing{
		ContentType:   audit.ContentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     r.ID.String(),
		CorrelationId: r.CorrelationID,
		Timestamp:     r.Timestamp,
		Type:          MessageType,
		AppId:         r.SourceService,
		Body:          body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureChannel(); err != nil {
		return err
	}

	t := p.opts.topology
	if err := p.ch.PublishWithContext(ctx, t.Exchange, t.RoutingKey, false, false, msg); err != nil {
		p.reset()
		return fmt.Errorf("publishing record %s: %w", r.ID, err)
	}

	timer := time.NewTimer(p.opts.confirmTimeout)
	defer timer.Stop()

	select {
	case c, ok := <-p.confirms:
		if !ok {
			p.reset()
			return fmt.Errorf("record %s: %w", r.ID, ErrChannelClosed)
		}
		if !c.Ack {
			return fmt.Errorf("record %s: %w", r.ID, ErrPublishNacked)
		}
		return nil
	case <-timer.C:
		// a late confirm would be matched to the next publish
		p.reset()
		return fmt.Errorf("record %s: %w after %s", r.ID, ErrConfirmTimeout, p.opts.confirmTimeout)
	case <-ctx.Done():
		p.reset()
		return ctx.Err()
	}
}

// Close releases the channel and the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}

// ensureChannel must be called with p.mu held.
func (p *Publisher) ensureChannel() error {
	if p.ch != nil {
		select {
		case <-p.closed:
			p.opts.logger.Warn("broker channel closed, reconnecting")
			p.reset()
		default:
			return nil
		}
	}

	if p.conn == nil || p.conn.IsClosed() {
		conn, err := p.opts.dial(p.url)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
		}
		p.conn = conn
	}

	ch, err := p.conn.Channel()
	if err != nil {
		p.reset()
		return fmt.Errorf("opening channel: %w", err)
	}
	if err := p.opts.topology.Declare(ch); err != nil {
		_ = ch.Close()
		p.reset()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		p.reset()
		return fmt.Errorf("enabling publisher confirms: %w", err)
	}

	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	p.closed = ch.NotifyClose(make(chan *amqp.Error, 1))
	return nil
}

// reset must be called with p.mu held.
func (p *Publisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.ch, p.conn, p.confirms, p.closed = nil, nil, nil, nil
}
