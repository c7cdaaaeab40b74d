// Package amqpaudit carries audit records over RabbitMQ: topology
// declaration, a confirmed publisher for the relay and a consumer source for
// the indexer.
package amqpaudit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kafeiih/audit-trail/internal/retry"
)

const (
	DefaultExchange             = "audit-events"
	DefaultQueue                = "audit-queue"
	DefaultRoutingKey           = "audit"
	DefaultDeadLetterQueue      = "audit-error-queue"
	DefaultDeadLetterRoutingKey = "audit.error"
)

var (
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrPublishNacked     = errors.New("publish nacked by broker")
	ErrConfirmTimeout    = errors.New("publish confirm timed out")
	ErrChannelClosed     = errors.New("broker channel closed")
)

// Declarer is the subset of *amqp.Channel needed to declare the topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Channel is the subset of *amqp.Channel used by this package.
type Channel interface {
	Declarer
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Close() error
}

// Connection is the subset of *amqp.Connection used by this package.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection.
type Dialer func(url string) (Connection, error)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Dial connects to a real broker.
func Dial(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// Connect dials url until it succeeds or ready runs out of attempts.
func Connect(ctx context.Context, dial Dialer, url string, ready retry.Readiness, logger *slog.Logger) (Connection, error) {
	var conn Connection
	err := ready.Wait(ctx, func(context.Context) error {
		c, err := dial(url)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, func(attempt int, err error) {
		logger.Warn("broker not ready",
			"attempt", attempt,
			"max_attempts", ready.Attempts,
			"error", err,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	return conn, nil
}

// Topology names the exchange and queues of the audit stream. Rejected
// messages on Queue are dead-lettered through Exchange to DeadLetterQueue.
type Topology struct {
	Exchange             string
	Queue                string
	RoutingKey           string
	DeadLetterQueue      string
	DeadLetterRoutingKey string
}

// DefaultTopology returns the standard audit topology.
func DefaultTopology() Topology {
	return Topology{
		Exchange:             DefaultExchange,
		Queue:                DefaultQueue,
		RoutingKey:           DefaultRoutingKey,
		DeadLetterQueue:      DefaultDeadLetterQueue,
		DeadLetterRoutingKey: DefaultDeadLetterRoutingKey,
	}
}

// QueueArgs returns the arguments of the main queue.
func (t Topology) QueueArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    t.Exchange,
		"x-dead-letter-routing-key": t.DeadLetterRoutingKey,
	}
}

// Declare creates the exchange and both queues. It is safe to call on every
// connect; redeclaring with the same arguments is a no-op on the broker.
func (t Topology) Declare(ch Declarer) error {
	if err := ch.ExchangeDeclare(t.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring exchange %s: %w", t.Exchange, err)
	}

	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", t.DeadLetterQueue, err)
	}
	if err := ch.QueueBind(t.DeadLetterQueue, t.DeadLetterRoutingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("binding queue %s: %w", t.DeadLetterQueue, err)
	}

	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, t.QueueArgs()); err != nil {
		return fmt.Errorf("declaring queue %s: %w", t.Queue, err)
	}
	if err := ch.QueueBind(t.Queue, t.RoutingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("binding queue %s: %w", t.Queue, err)
	}
	return nil
}
