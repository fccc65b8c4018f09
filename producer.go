package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"

	"github.com/UniQw/batch-go/internal/broker"
)

const (
	defaultConfirmTimeout = 5 * time.Second
	maxPublishAttempts    = 3
)

// ProducerConfig configures a Producer.
type ProducerConfig struct {
	// Exchange and RoutingKey are used when neither the job definition nor
	// the publish options name a destination.
	Exchange   string
	RoutingKey string
	// Queue is the work queue jobs land in. It namespaces Tracker records.
	Queue string
	// MaxRetries is the default retry budget of published jobs.
	MaxRetries int
	// Priority is the default priority of jobs published with Publish.
	Priority Priority
	// DisableConfirms publishes without waiting for broker confirms.
	DisableConfirms bool
	// ConfirmTimeout bounds the wait for a publisher confirm. Zero means 5s.
	ConfirmTimeout time.Duration
	// Encoder serializes payloads. Nil means JSONEncoder.
	Encoder Encoder
	// Limiter throttles publishes when set.
	Limiter *rate.Limiter
	// Tracker records pending statuses and enables Unique publishes.
	Tracker *Tracker
	// Logger is used for producer events.
	Logger Logger
}

// Producer publishes jobs. It is safe for concurrent use.
type Producer struct {
	conn *Connection
	cfg  ProducerConfig
	enc  Encoder
	log  Logger

	mu     sync.Mutex
	ch     broker.Channel
	lost   chan *amqp.Error
	closed bool
}

// NewProducer creates a Producer publishing through conn.
func NewProducer(conn *Connection, cfg ProducerConfig) *Producer {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	enc := cfg.Encoder
	if enc == nil {
		enc = &JSONEncoder{}
	}
	return &Producer{conn: conn, cfg: cfg, enc: enc, log: loggerOrDefault(cfg.Logger)}
}

// Publish encodes payload and publishes it as a job of type typeID. It returns
// the job ID once the broker has confirmed the message. Every failure is a
// *PublishError.
func (p *Producer) Publish(ctx context.Context, typeID string, payload any, opts ...Option) (string, error) {
	return p.publish(ctx, typeID, DefaultJobOptions(), payload, opts)
}

// PublishJob publishes payload as an instance of def, using the definition's
// options as defaults for opts.
func PublishJob[T any](ctx context.Context, p *Producer, def *Definition[T], payload T, opts ...Option) (string, error) {
	return p.publish(ctx, def.TypeID(), def.Options(), payload, opts)
}

func (p *Producer) publish(ctx context.Context, typeID string, jo JobOptions, payload any, opts []Option) (string, error) {
	if typeID == "" {
		return "", &PublishError{Op: "validate", Err: errors.New("empty type id")}
	}
	o := p.resolve(jo, opts)
	if o.priority > MaxPriority {
		return "", &PublishError{Op: "validate", Err: ErrInvalidPriority}
	}
	if o.unique && p.cfg.Tracker == nil {
		return "", &PublishError{Op: "validate", Err: &ConfigError{What: "unique publish", Err: errors.New("no tracker configured")}}
	}

	data, err := p.enc.Encode(payload)
	if err != nil {
		return "", &PublishError{Op: "encode", Err: err}
	}
	id := o.id
	if id == "" {
		id = uuid.NewString()
	}

	if p.cfg.Limiter != nil {
		if err := p.cfg.Limiter.Wait(ctx); err != nil {
			return "", &PublishError{Op: "rate limit", Err: err}
		}
	}
	if p.conn.Blocked() {
		if o.nonBlocking {
			return "", &PublishError{Op: "wait unblocked", Err: ErrBlocked}
		}
		if err := p.conn.WaitUnblocked(ctx); err != nil {
			return "", &PublishError{Op: "wait unblocked", Err: err}
		}
	}

	if o.unique {
		if err := p.cfg.Tracker.Reserve(ctx, p.cfg.Queue, id); err != nil {
			return "", &PublishError{Op: "reserve", Err: err}
		}
	}

	env := &Envelope{
		ID:          id,
		TypeID:      typeID,
		Payload:     data,
		ContentType: p.enc.ContentType(),
		MaxRetries:  o.maxRetries,
		Priority:    uint8(o.priority),
		Timeout:     o.timeout,
		EnqueuedAt:  time.Now(),
	}
	// Pending is written before the message is visible, so it cannot
	// overwrite a status a fast worker has already recorded.
	if p.cfg.Tracker != nil {
		if err := p.cfg.Tracker.MarkPending(ctx, p.cfg.Queue, env); err != nil {
			p.log.Warnf("track pending failed: id=%s type=%s err=%v", id, typeID, err)
		}
	}
	if err := p.send(ctx, o, env.Publishing()); err != nil {
		if p.cfg.Tracker != nil {
			if rerr := p.cfg.Tracker.Forget(ctx, p.cfg.Queue, id); rerr != nil {
				p.log.Warnf("track rollback failed: id=%s queue=%s err=%v", id, p.cfg.Queue, rerr)
			}
		}
		if o.unique {
			if rerr := p.cfg.Tracker.Release(ctx, p.cfg.Queue, id); rerr != nil {
				p.log.Warnf("unique rollback failed: id=%s queue=%s err=%v", id, p.cfg.Queue, rerr)
			}
		}
		return "", err
	}
	p.log.Debugf("published: id=%s type=%s exchange=%s key=%s delay=%s", id, typeID, o.exchange, o.routingKey, o.delay)
	return id, nil
}

// resolve applies opts over the job defaults and the producer configuration.
func (p *Producer) resolve(jo JobOptions, opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.exchange == "" {
		o.exchange = jo.Exchange
	}
	if o.exchange == "" {
		o.exchange = p.cfg.Exchange
	}
	if o.routingKey == "" {
		o.routingKey = jo.RoutingKey
	}
	if o.routingKey == "" {
		o.routingKey = p.cfg.RoutingKey
	}
	if !o.retriesSet {
		o.maxRetries = jo.MaxRetries
		if o.maxRetries < 0 {
			o.maxRetries = p.cfg.MaxRetries
		}
	}
	if o.maxRetries < 0 {
		o.maxRetries = 0
	}
	if !o.prioritySet {
		o.priority = p.cfg.Priority
		if jo.prioritySet {
			o.priority = jo.Priority
		}
	}
	if !o.timeoutSet {
		o.timeout = jo.Timeout
	}
	if !o.delaySet {
		o.delay = jo.Delay
	}
	return o
}

// send publishes msg, through a delay queue when o asks for a delay. A
// channel lost mid-publish is replaced and the publish retried, unless the
// caller asked not to block.
func (p *Producer) send(ctx context.Context, o *options, msg amqp.Publishing) error {
	mode := WaitBlock
	if o.nonBlocking {
		mode = WaitFailFast
	}
	exchange, key := o.exchange, o.routingKey
	var delayQ *QueueDecl
	if o.delay > 0 {
		q := DelayQueue(exchange, key, o.delay)
		delayQ = &q
		exchange, key = "", q.Name
	}

	var lastErr error
	for attempt := 0; attempt < maxPublishAttempts; attempt++ {
		ch, err := p.channel(ctx, mode)
		if err != nil {
			return &PublishError{Op: "channel", Err: err}
		}
		if delayQ != nil {
			// Redeclaring renews the queue's idle expiry.
			if err := declareQueue(ch, *delayQ); err != nil {
				var ce *ConfigError
				if errors.As(err, &ce) {
					p.invalidate(ch)
					return &PublishError{Op: "declare delay queue", Err: err}
				}
				lastErr = err
				p.invalidate(ch)
				if mode == WaitFailFast || ctx.Err() != nil {
					break
				}
				continue
			}
		}
		err = publishConfirmed(ctx, ch, exchange, key, msg, !p.cfg.DisableConfirms, p.cfg.ConfirmTimeout)
		if err == nil {
			return nil
		}
		lastErr = err
		if !channelLost(err) || mode == WaitFailFast || ctx.Err() != nil {
			break
		}
		p.invalidate(ch)
	}
	if errors.Is(lastErr, ErrPublishNotConfirmed) || errors.Is(lastErr, ErrPublishNacked) {
		return &PublishError{Op: "confirm", Err: lastErr}
	}
	return &PublishError{Op: "publish", Err: lastErr}
}

// channel returns the producer's cached channel, opening a new one when the
// previous one was closed.
func (p *Producer) channel(ctx context.Context, mode WaitMode) (broker.Channel, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if p.ch != nil {
		select {
		case <-p.lost:
			p.ch = nil
		default:
			ch := p.ch
			p.mu.Unlock()
			return ch, nil
		}
	}
	p.mu.Unlock()

	ch, err := p.conn.Channel(ctx, mode)
	if err != nil {
		return nil, err
	}
	if !p.cfg.DisableConfirms {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, err
		}
	}
	lost := ch.NotifyClose(make(chan *amqp.Error, 1))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = ch.Close()
		return nil, ErrClosed
	}
	if p.ch != nil {
		_ = ch.Close()
		return p.ch, nil
	}
	p.ch, p.lost = ch, lost
	return ch, nil
}

func (p *Producer) invalidate(ch broker.Channel) {
	p.mu.Lock()
	if p.ch == ch {
		p.ch = nil
	}
	p.mu.Unlock()
	_ = ch.Close()
}

// Close closes the producer's channel. Publishing afterwards returns ErrClosed.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ch := p.ch
	p.ch = nil
	p.mu.Unlock()
	if ch != nil {
		return ch.Close()
	}
	return nil
}

// publishConfirmed publishes msg on ch and, when confirms are on, waits up to
// timeout for the broker to acknowledge it.
func publishConfirmed(ctx context.Context, ch broker.Channel, exchange, key string, msg amqp.Publishing, confirms bool, timeout time.Duration) error {
	conf, err := ch.Publish(ctx, exchange, key, false, false, msg)
	if err != nil {
		return err
	}
	if !confirms {
		return nil
	}
	if conf == nil {
		return ErrPublishNotConfirmed
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ok, err := conf.WaitContext(cctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrPublishNotConfirmed
	}
	if !ok {
		return ErrPublishNacked
	}
	return nil
}

// channelLost reports whether err came from a closed channel or connection.
func channelLost(err error) bool {
	var ae *amqp.Error
	return errors.As(err, &ae)
}
