package amqpaudit

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type binding struct {
	queue, key, exchange string
}

type declaredQueue struct {
	name string
	args amqp.Table
}

type confirmMode int

const (
	confirmAck confirmMode = iota
	confirmNack
	confirmNone
)

type fakeChannel struct {
	mu sync.Mutex

	exchanges []string
	queues    []declaredQueue
	bindings  []binding
	declErr   error

	confirmOn  bool
	mode       confirmMode
	publishErr error
	published  []amqp.Publishing
	routed     []string
	confirms   chan amqp.Confirmation
	closeNote  chan *amqp.Error
	tag        uint64

	prefetch   int
	consumed   string
	autoAck    bool
	deliveries chan amqp.Delivery

	deadLetters []amqp.Delivery

	closed bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 8)}
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	if c.declErr != nil {
		return c.declErr
	}
	c.exchanges = append(c.exchanges, name+":"+kind)
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	c.queues = append(c.queues, declaredQueue{name: name, args: args})
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	c.bindings = append(c.bindings, binding{queue: name, key: key, exchange: exchange})
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	c.prefetch = prefetchCount
	return nil
}

func (c *fakeChannel) Confirm(bool) error {
	c.confirmOn = true
	return nil
}

func (c *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	c.confirms = confirm
	return confirm
}

func (c *fakeChannel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.closeNote = ch
	return ch
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, msg)
	c.routed = append(c.routed, exchange+"/"+key)
	c.tag++
	switch c.mode {
	case confirmAck:
		c.confirms <- amqp.Confirmation{DeliveryTag: c.tag, Ack: true}
	case confirmNack:
		c.confirms <- amqp.Confirmation{DeliveryTag: c.tag, Ack: false}
	}
	return nil
}

func (c *fakeChannel) Consume(queue, _ string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	c.consumed = queue
	c.autoAck = autoAck
	return c.deliveries, nil
}

func (c *fakeChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	if queue != DefaultDeadLetterQueue || autoAck {
		return amqp.Delivery{}, false, errors.New("unexpected get")
	}
	if len(c.deadLetters) == 0 {
		return amqp.Delivery{}, false, nil
	}
	d := c.deadLetters[0]
	c.deadLetters = c.deadLetters[1:]
	return d, true, nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// drop simulates the broker closing the channel.
func (c *fakeChannel) drop() {
	c.closeNote <- &amqp.Error{Code: amqp.ChannelError, Reason: "channel closed by broker"}
}

func (c *fakeChannel) publishedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

type fakeConn struct {
	ch     *fakeChannel
	closed bool
}

func (c *fakeConn) Channel() (Channel, error) { return c.ch, nil }
func (c *fakeConn) IsClosed() bool            { return c.closed }
func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

// fakeBroker hands out a fresh channel per dial and can refuse the first
// dials.
type fakeBroker struct {
	mu       sync.Mutex
	refuse   int
	dials    int
	channels []*fakeChannel
	setup    func(*fakeChannel)
}

func (b *fakeBroker) dial(string) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.refuse > 0 {
		b.refuse--
		return nil, errors.New("dial tcp: connection refused")
	}
	ch := newFakeChannel()
	if b.setup != nil {
		b.setup(ch)
	}
	b.channels = append(b.channels, ch)
	return &fakeConn{ch: ch}, nil
}

func (b *fakeBroker) last() *fakeChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channels[len(b.channels)-1]
}

// countingAcker records acknowledgements of test deliveries.
type countingAcker struct {
	acks, nacks, rejects int
}

func (a *countingAcker) Ack(uint64, bool) error        { a.acks++; return nil }
func (a *countingAcker) Nack(uint64, bool, bool) error { a.nacks++; return nil }
func (a *countingAcker) Reject(uint64, bool) error     { a.rejects++; return nil }
