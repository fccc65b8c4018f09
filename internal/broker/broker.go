// Package broker narrows the amqp091 client to the operations the library
// uses, so connection, producer and worker code can run against an in-memory
// broker in tests.
package broker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Confirmation is a pending publisher confirm.
type Confirmation interface {
	// WaitContext blocks until the broker acks or nacks the publish, or ctx ends.
	WaitContext(ctx context.Context) (bool, error)
}

// Channel is an AMQP channel.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	// Publish sends msg. The confirmation is nil when the channel is not in confirm mode.
	Publish(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (Confirmation, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Conn is an AMQP connection.
type Conn interface {
	Channel() (Channel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	NotifyBlocked(c chan amqp.Blocking) chan amqp.Blocking
	IsClosed() bool
	Close() error
}

// Dialer opens a connection to url.
type Dialer func(url string, cfg amqp.Config) (Conn, error)

// Dial connects to a real broker with amqp091.
func Dial(url string, cfg amqp.Config) (Conn, error) {
	c, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return &conn{Connection: c}, nil
}

type conn struct {
	*amqp.Connection
}

func (c *conn) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return &channel{Channel: ch}, nil
}

type channel struct {
	*amqp.Channel
}

func (c *channel) Publish(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (Confirmation, error) {
	dc, err := c.Channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, mandatory, immediate, msg)
	if err != nil {
		return nil, err
	}
	// Avoid returning a typed nil when the channel is not in confirm mode.
	if dc == nil {
		return nil, nil
	}
	return dc, nil
}
