package amqpaudit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Source opens consumer subscriptions on the audit queue.
type Source struct {
	url  string
	opts options
}

// NewSource creates a Source for url.
func NewSource(url string, opts ...Option) *Source {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Source{url: url, opts: o}
}

// Topology returns the topology the source declares.
func (s *Source) Topology() Topology { return s.opts.topology }

// Subscription is an open consumer. Deliveries is closed by the client
// library when the channel or the connection goes away.
type Subscription struct {
	conn Connection
	ch   Channel
}

// Close cancels the consumer and closes the connection.
func (s *Subscription) Close() error {
	return errors.Join(s.ch.Close(), s.conn.Close())
}

// Subscribe connects within the readiness budget, declares the topology,
// limits the channel to one unacknowledged message and starts consuming
// with manual acknowledgement.
func (s *Source) Subscribe(ctx context.Context) (<-chan amqp.Delivery, io.Closer, error) {
	conn, ch, err := s.open(ctx)
	if err != nil {
		return nil, nil, err
	}

	if err := ch.Qos(1, 0, false); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("setting prefetch: %w", err)
	}

	t := s.opts.topology
	deliveries, err := ch.Consume(t.Queue, s.opts.consumerTag, false, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("consuming %s: %w", t.Queue, err)
	}

	s.opts.logger.Info("consuming audit queue", "queue", t.Queue, "consumer", s.opts.consumerTag)
	return deliveries, &Subscription{conn: conn, ch: ch}, nil
}

func (s *Source) open(ctx context.Context) (Connection, Channel, error) {
	conn, err := Connect(ctx, s.opts.dial, s.url, s.opts.ready, s.opts.logger)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("opening channel: %w", err)
	}
	if err := s.opts.topology.Declare(ch); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

// DeadLetter is a message parked in the dead-letter queue.
type DeadLetter struct {
	MessageID     string
	CorrelationID string
	Timestamp     time.Time
	Reason        string
	Queue         string
	Body          []byte
}

// InspectDeadLetters reads up to limit messages from the dead-letter queue
// without acknowledging them. They return to the queue when the channel
// closes.
func (s *Source) InspectDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	conn, ch, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	defer ch.Close()

	var out []DeadLetter
	for len(out) < limit {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		d, ok, err := ch.Get(s.opts.topology.DeadLetterQueue, false)
		if err != nil {
			return out, fmt.Errorf("reading %s: %w", s.opts.topology.DeadLetterQueue, err)
		}
		if !ok {
			break
		}
		reason, queue := deathInfo(d.Headers)
		out = append(out, DeadLetter{
			MessageID:     d.MessageId,
			CorrelationID: d.CorrelationId,
			Timestamp:     d.Timestamp,
			Reason:        reason,
			Queue:         queue,
			Body:          d.Body,
		})
	}
	return out, nil
}

// deathInfo reads the first x-death entry the broker adds when it
// dead-letters a message.
func deathInfo(h amqp.Table) (reason, queue string) {
	deaths, ok := h["x-death"].([]any)
	if !ok || len(deaths) == 0 {
		return "", ""
	}
	first, ok := deaths[0].(amqp.Table)
	if !ok {
		return "", ""
	}
	reason, _ = first["reason"].(string)
	queue, _ = first["queue"].(string)
	return reason, queue
}
