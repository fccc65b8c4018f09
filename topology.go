package batch

import (
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/UniQw/batch-go/internal/broker"
)

// ExchangeDecl describes an exchange to declare.
type ExchangeDecl struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Args       amqp.Table
}

// QueueDecl describes a queue to declare.
type QueueDecl struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       amqp.Table
}

// BindingDecl binds Queue to Exchange with RoutingKey.
type BindingDecl struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Args       amqp.Table
}

// Topology is a set of broker entities declared together. Declaration is
// idempotent and is repeated after every reconnect.
type Topology struct {
	Exchanges []ExchangeDecl
	Queues    []QueueDecl
	Bindings  []BindingDecl
}

var exchangeKinds = map[string]bool{
	amqp.ExchangeDirect:  true,
	amqp.ExchangeFanout:  true,
	amqp.ExchangeTopic:   true,
	amqp.ExchangeHeaders: true,
}

// Validate rejects empty names, unknown exchange kinds and bindings that
// reference entities not declared in t.
func (t Topology) Validate() error {
	exchanges := make(map[string]bool, len(t.Exchanges))
	for _, ex := range t.Exchanges {
		if ex.Name == "" {
			return invalidTopology("exchange with empty name")
		}
		if !exchangeKinds[ex.Kind] {
			return invalidTopology(fmt.Sprintf("exchange %q has unknown kind %q", ex.Name, ex.Kind))
		}
		exchanges[ex.Name] = true
	}
	queues := make(map[string]bool, len(t.Queues))
	for _, q := range t.Queues {
		if q.Name == "" {
			return invalidTopology("queue with empty name")
		}
		queues[q.Name] = true
	}
	for _, b := range t.Bindings {
		if !queues[b.Queue] {
			return invalidTopology(fmt.Sprintf("binding to undeclared queue %q", b.Queue))
		}
		if !exchanges[b.Exchange] {
			return invalidTopology(fmt.Sprintf("binding to undeclared exchange %q", b.Exchange))
		}
	}
	return nil
}

func invalidTopology(msg string) error {
	return &ConfigError{What: "topology", Err: fmt.Errorf("%w: %s", ErrInvalidTopology, msg)}
}

// merge adds the entities of o that t does not already hold. Exchanges and
// queues are keyed by name, bindings by (queue, exchange, key).
func (t *Topology) merge(o Topology) {
	for _, ex := range o.Exchanges {
		if !t.hasExchange(ex.Name) {
			t.Exchanges = append(t.Exchanges, ex)
		}
	}
	for _, q := range o.Queues {
		if !t.hasQueue(q.Name) {
			t.Queues = append(t.Queues, q)
		}
	}
	for _, b := range o.Bindings {
		if !t.hasBinding(b) {
			t.Bindings = append(t.Bindings, b)
		}
	}
}

func (t *Topology) hasExchange(name string) bool {
	for _, ex := range t.Exchanges {
		if ex.Name == name {
			return true
		}
	}
	return false
}

func (t *Topology) hasQueue(name string) bool {
	for _, q := range t.Queues {
		if q.Name == name {
			return true
		}
	}
	return false
}

func (t *Topology) hasBinding(b BindingDecl) bool {
	for _, cur := range t.Bindings {
		if cur.Queue == b.Queue && cur.Exchange == b.Exchange && cur.RoutingKey == b.RoutingKey {
			return true
		}
	}
	return false
}

func (t Topology) clone() Topology {
	return Topology{
		Exchanges: append([]ExchangeDecl(nil), t.Exchanges...),
		Queues:    append([]QueueDecl(nil), t.Queues...),
		Bindings:  append([]BindingDecl(nil), t.Bindings...),
	}
}

// declare declares exchanges, then queues, then bindings on ch.
func declare(ch broker.Channel, t Topology) error {
	for _, ex := range t.Exchanges {
		if err := ch.ExchangeDeclare(ex.Name, ex.Kind, ex.Durable, ex.AutoDelete, false, false, ex.Args); err != nil {
			return declareError("exchange "+ex.Name, err)
		}
	}
	for _, q := range t.Queues {
		if err := declareQueue(ch, q); err != nil {
			return err
		}
	}
	for _, b := range t.Bindings {
		if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, b.Args); err != nil {
			return declareError(fmt.Sprintf("binding %s->%s", b.Exchange, b.Queue), err)
		}
	}
	return nil
}

func declareQueue(ch broker.Channel, q QueueDecl) error {
	if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Args); err != nil {
		return declareError("queue "+q.Name, err)
	}
	return nil
}

// declareError turns broker refusals of a declaration into configuration
// errors. Transport failures are returned as is so the caller can reconnect.
func declareError(what string, err error) error {
	var ae *amqp.Error
	if errors.As(err, &ae) {
		switch ae.Code {
		case amqp.PreconditionFailed, amqp.NotFound, amqp.CommandInvalid, amqp.AccessRefused, amqp.NotAllowed:
			return &ConfigError{What: "declare " + what, Err: err}
		}
	}
	return fmt.Errorf("declare %s: %w", what, err)
}

// DefaultTopology returns the work exchange and queue described by cfg and,
// when cfg names a dead-letter exchange, the dead-letter exchange and queue.
func DefaultTopology(cfg Config) Topology {
	kind := cfg.ExchangeKind
	if kind == "" {
		kind = amqp.ExchangeDirect
	}
	work := QueueDecl{
		Name:    cfg.Queue,
		Durable: true,
		Args:    amqp.Table{"x-max-priority": int32(MaxPriority)},
	}
	t := Topology{
		Exchanges: []ExchangeDecl{{Name: cfg.Exchange, Kind: kind, Durable: true}},
		Bindings:  []BindingDecl{{Queue: cfg.Queue, Exchange: cfg.Exchange, RoutingKey: cfg.RoutingKey}},
	}
	if cfg.DeadLetterExchange != "" {
		work.Args["x-dead-letter-exchange"] = cfg.DeadLetterExchange
		t.Exchanges = append(t.Exchanges, ExchangeDecl{Name: cfg.DeadLetterExchange, Kind: amqp.ExchangeFanout, Durable: true})
		if cfg.DeadLetterQueue != "" {
			t.Queues = append(t.Queues, QueueDecl{Name: cfg.DeadLetterQueue, Durable: true})
			t.Bindings = append(t.Bindings, BindingDecl{Queue: cfg.DeadLetterQueue, Exchange: cfg.DeadLetterExchange})
		}
	}
	t.Queues = append([]QueueDecl{work}, t.Queues...)
	return t
}

// minDelayQueueExpiry keeps short-lived delay queues around between bursts.
const minDelayQueueExpiry = time.Minute

// DelayQueue describes the TTL queue holding messages for d before the broker
// dead-letters them to exchange with routingKey. An empty exchange targets the
// default exchange, so routingKey is then a queue name. Idle delay queues
// expire on their own; publishers declare them right before each use instead
// of registering them with the Connection.
func DelayQueue(exchange, routingKey string, d time.Duration) QueueDecl {
	ttl := d.Milliseconds()
	if ttl < 0 {
		ttl = 0
	}
	expires := 2*d + minDelayQueueExpiry
	return QueueDecl{
		Name:    delayQueueName(exchange, routingKey, ttl),
		Durable: true,
		Args: amqp.Table{
			"x-message-ttl":             ttl,
			"x-dead-letter-exchange":    exchange,
			"x-dead-letter-routing-key": routingKey,
			"x-expires":                 expires.Milliseconds(),
		},
	}
}

func delayQueueName(exchange, routingKey string, ttlMs int64) string {
	if exchange == "" {
		exchange = "amq.default"
	}
	var b strings.Builder
	b.WriteString("batch.delay.")
	b.WriteString(exchange)
	b.WriteByte('.')
	b.WriteString(routingKey)
	b.WriteByte('.')
	fmt.Fprintf(&b, "%d", ttlMs)
	return b.String()
}
