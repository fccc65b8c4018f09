// Package worker settles AMQP deliveries: acknowledgement, retry through a
// republish and dead-lettering. Each delivery is settled at most once.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrSettled is returned when a delivery was already acknowledged, requeued or rejected.
	ErrSettled = errors.New("delivery already settled")
	// ErrClaimed is returned by Abandon when the job's outcome is being settled.
	ErrClaimed = errors.New("delivery claimed")
)

const (
	stateOpen int32 = iota
	stateClaimed
	stateSettled
)

// Delivery wraps an AMQP delivery so it can be settled only once, whether by
// the job's own outcome or by shutdown requeueing. The job side claims the
// delivery before it publishes a retry or dead-letter copy; shutdown only
// requeues deliveries nobody has claimed.
type Delivery struct {
	amqp.Delivery
	once  sync.Once
	state atomic.Int32
}

// New wraps d.
func New(d amqp.Delivery) *Delivery {
	return &Delivery{Delivery: d}
}

// Settled reports whether the delivery has been settled.
func (d *Delivery) Settled() bool { return d.state.Load() == stateSettled }

// Claim reserves the delivery for settlement by the job's outcome. It returns
// false when shutdown already requeued it.
func (d *Delivery) Claim() bool {
	return d.state.CompareAndSwap(stateOpen, stateClaimed)
}

// Abandon requeues a delivery that has not been claimed. It returns
// ErrClaimed or ErrSettled otherwise.
func (d *Delivery) Abandon() error {
	if !d.state.CompareAndSwap(stateOpen, stateSettled) {
		if d.state.Load() == stateClaimed {
			return ErrClaimed
		}
		return ErrSettled
	}
	return d.settle(func() error { return d.Delivery.Nack(false, true) })
}

// Ack acknowledges the delivery.
func (d *Delivery) Ack() error {
	return d.settle(func() error { return d.Delivery.Ack(false) })
}

// Requeue returns the delivery to its queue.
func (d *Delivery) Requeue() error {
	return d.settle(func() error { return d.Delivery.Nack(false, true) })
}

// Reject drops the delivery; the broker dead-letters it when the queue has a
// dead-letter exchange.
func (d *Delivery) Reject() error {
	return d.settle(func() error { return d.Delivery.Reject(false) })
}

func (d *Delivery) settle(fn func() error) error {
	err := ErrSettled
	d.once.Do(func() {
		d.state.Store(stateSettled)
		err = fn()
	})
	return err
}

// Publish sends msg and returns once the broker has accepted it.
type Publish func(ctx context.Context, exchange, key string, msg amqp.Publishing) error

// Retry republishes msg, the next attempt of d, then acknowledges d. When the
// republish fails d is requeued so the job is not lost.
func Retry(ctx context.Context, d *Delivery, pub Publish, exchange, key string, msg amqp.Publishing) error {
	if err := pub(ctx, exchange, key, msg); err != nil {
		if rerr := d.Requeue(); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	return d.Ack()
}

// DeadLetter publishes msg to dlx then acknowledges d. Without a dlx, or when
// that publish fails, d is rejected without requeue.
func DeadLetter(ctx context.Context, d *Delivery, pub Publish, dlx string, msg amqp.Publishing) error {
	if dlx != "" {
		err := pub(ctx, dlx, d.RoutingKey, msg)
		if err == nil {
			return d.Ack()
		}
		if rerr := d.Reject(); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	return d.Reject()
}
