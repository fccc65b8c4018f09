// Package brokertest is an in-memory AMQP 0-9-1 broker for tests. It models
// the subset of RabbitMQ behaviour the library relies on: idempotent
// declarations, direct/fanout/topic routing, per-queue TTL with
// dead-lettering, priorities, prefetch, acknowledgements, publisher confirms,
// forced disconnects and connection blocking.
package brokertest

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/UniQw/batch-go/internal/broker"
)

// Message is a snapshot of a queued message.
type Message struct {
	Exchange    string
	RoutingKey  string
	Redelivered bool
	amqp.Publishing
}

type message struct {
	Message
	timer *time.Timer
}

type exchange struct {
	name       string
	kind       string
	durable    bool
	autoDelete bool
	args       amqp.Table
	bindings   []binding
}

type binding struct {
	queue string
	key   string
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	args       amqp.Table
	msgs       []*message
	consumers  int
}

// Broker is an in-memory broker. The zero value is not usable; call New.
type Broker struct {
	mu        sync.Mutex
	cond      *sync.Cond
	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     map[*Conn]struct{}

	down          bool
	holdConfirms  bool
	nackPublishes bool
	blocked       bool

	dials     int
	acks      int
	nacks     int
	published []Message
	gen       int
}

// New creates an empty broker.
func New() *Broker {
	b := &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		conns:     make(map[*Conn]struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Dial implements broker.Dialer.
func (b *Broker) Dial(_ string, _ amqp.Config) (broker.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.down {
		return nil, &amqp.Error{Code: amqp.ConnectionForced, Reason: "broker unavailable", Recover: true}
	}
	c := &Conn{b: b, channels: make(map[*Channel]struct{})}
	b.conns[c] = struct{}{}
	if b.blocked {
		c.pendingBlock = true
	}
	return c, nil
}

// SetDown makes subsequent dials fail (true) or succeed (false).
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

// Disconnect force-closes every open connection, as a broker restart would.
// Unacknowledged deliveries are requeued.
func (b *Broker) Disconnect() {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true, Recover: true})
	}
}

// Block sends connection.blocked (true) or connection.unblocked (false) to every connection.
func (b *Broker) Block(active bool) {
	b.mu.Lock()
	b.blocked = active
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.notifyBlocked(amqp.Blocking{Active: active, Reason: "low on memory"})
	}
}

// HoldConfirms keeps publisher confirms pending forever while set.
func (b *Broker) HoldConfirms(hold bool) {
	b.mu.Lock()
	b.holdConfirms = hold
	b.mu.Unlock()
}

// NackPublishes makes the broker refuse (nack) published messages while set.
func (b *Broker) NackPublishes(nack bool) {
	b.mu.Lock()
	b.nackPublishes = nack
	b.mu.Unlock()
}

// Dials returns the number of dial attempts.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Acks returns the number of acknowledged deliveries.
func (b *Broker) Acks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks
}

// Nacks returns the number of nacked or rejected deliveries.
func (b *Broker) Nacks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nacks
}

// Published returns every message accepted by Publish, in order.
func (b *Broker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// Connections returns the number of open connections.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// HasExchange reports whether an exchange is declared.
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// Queues returns the names of declared queues.
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.queues))
	for name := range b.queues {
		out = append(out, name)
	}
	return out
}

// QueueArgs returns the arguments a queue was declared with.
func (b *Broker) QueueArgs(name string) (amqp.Table, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil, false
	}
	return q.args, true
}

// Bindings returns the number of bindings on an exchange.
func (b *Broker) Bindings(exchange string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[exchange]
	if !ok {
		return 0
	}
	return len(ex.bindings)
}

// QueueLen returns the number of ready (undelivered) messages in a queue.
func (b *Broker) QueueLen(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	return len(q.msgs)
}

// Messages returns a snapshot of the ready messages in a queue.
func (b *Broker) Messages(name string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(q.msgs))
	for _, m := range q.msgs {
		out = append(out, m.Message)
	}
	return out
}

// Inject routes a raw message as if a client had published it.
func (b *Broker) Inject(exchange, key string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.routeLocked(exchange, key, msg, false)
}

func (b *Broker) routeLocked(exchangeName, key string, msg amqp.Publishing, redelivered bool) error {
	if exchangeName == "" {
		if q, ok := b.queues[key]; ok {
			b.enqueueLocked(q, Message{Exchange: exchangeName, RoutingKey: key, Redelivered: redelivered, Publishing: msg})
		}
		return nil
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName)}
	}
	seen := make(map[string]bool)
	for _, bd := range ex.bindings {
		if seen[bd.queue] || !matches(ex.kind, bd.key, key) {
			continue
		}
		seen[bd.queue] = true
		if q, ok := b.queues[bd.queue]; ok {
			b.enqueueLocked(q, Message{Exchange: exchangeName, RoutingKey: key, Redelivered: redelivered, Publishing: msg})
		}
	}
	return nil
}

func matches(kind, pattern, key string) bool {
	switch kind {
	case amqp.ExchangeFanout, amqp.ExchangeHeaders:
		return true
	case amqp.ExchangeTopic:
		return topicMatch(strings.Split(pattern, "."), strings.Split(key, "."))
	default:
		return pattern == key
	}
}

func topicMatch(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if topicMatch(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && topicMatch(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && topicMatch(pattern[1:], key[1:])
	}
}

func (b *Broker) enqueueLocked(q *queue, m Message) {
	msg := &message{Message: m}
	q.msgs = append(q.msgs, msg)
	if ttl, ok := intArg(q.args, "x-message-ttl"); ok && ttl >= 0 {
		msg.timer = time.AfterFunc(time.Duration(ttl)*time.Millisecond, func() { b.expire(q, msg) })
	}
	b.cond.Broadcast()
}

func (b *Broker) requeueLocked(q *queue, m *message) {
	m.Redelivered = true
	q.msgs = append([]*message{m}, q.msgs...)
	b.cond.Broadcast()
}

func (b *Broker) expire(q *queue, m *message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range q.msgs {
		if cur == m {
			q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
			b.deadLetterLocked(q, m)
			return
		}
	}
}

// deadLetterLocked routes m according to the queue's dead-letter arguments,
// dropping it when none are set.
func (b *Broker) deadLetterLocked(q *queue, m *message) {
	dlx, ok := q.args["x-dead-letter-exchange"].(string)
	if !ok {
		return
	}
	key := m.RoutingKey
	if k, ok := q.args["x-dead-letter-routing-key"].(string); ok {
		key = k
	}
	pub := m.Publishing
	h := amqp.Table{}
	for k, v := range pub.Headers {
		h[k] = v
	}
	h["x-first-death-queue"] = q.name
	pub.Headers = h
	_ = b.routeLocked(dlx, key, pub, false)
}

// popLocked removes the next message, honouring priorities on priority queues.
func (q *queue) popLocked() *message {
	idx := 0
	if maxP, ok := intArg(q.args, "x-max-priority"); ok && maxP > 0 {
		best := -1
		for i, m := range q.msgs {
			p := int64(m.Priority)
			if p > maxP {
				p = maxP
			}
			if int(p) > best {
				best, idx = int(p), i
			}
		}
	}
	m := q.msgs[idx]
	q.msgs = append(q.msgs[:idx], q.msgs[idx+1:]...)
	if m.timer != nil {
		m.timer.Stop()
	}
	return m
}

func intArg(t amqp.Table, key string) (int64, bool) {
	switch v := t[key].(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	default:
		return 0, false
	}
}

func sameArgs(a, b amqp.Table) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// Conn is an in-memory connection.
type Conn struct {
	b            *Broker
	closed       bool
	channels     map[*Channel]struct{}
	closeNotify  []chan *amqp.Error
	blockNotify  []chan amqp.Blocking
	pendingBlock bool
}

// Channel opens a channel.
func (c *Conn) Channel() (broker.Channel, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{b: c.b, conn: c, unacked: make(map[uint64]*inflight), consumers: make(map[string]*consumer)}
	c.channels[ch] = struct{}{}
	return ch, nil
}

func (c *Conn) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		close(ch)
		return ch
	}
	c.closeNotify = append(c.closeNotify, ch)
	return ch
}

func (c *Conn) NotifyBlocked(ch chan amqp.Blocking) chan amqp.Blocking {
	c.b.mu.Lock()
	c.blockNotify = append(c.blockNotify, ch)
	pending := c.pendingBlock
	c.pendingBlock = false
	c.b.mu.Unlock()
	if pending {
		c.notifyBlocked(amqp.Blocking{Active: true, Reason: "low on memory"})
	}
	return ch
}

func (c *Conn) notifyBlocked(bl amqp.Blocking) {
	c.b.mu.Lock()
	listeners := append([]chan amqp.Blocking(nil), c.blockNotify...)
	c.b.mu.Unlock()
	for _, l := range listeners {
		select {
		case l <- bl:
		default:
		}
	}
}

func (c *Conn) IsClosed() bool {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.closed
}

// Close closes the connection gracefully.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(reason *amqp.Error) {
	c.b.mu.Lock()
	if c.closed {
		c.b.mu.Unlock()
		return
	}
	c.closed = true
	delete(c.b.conns, c)
	channels := make([]*Channel, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	notify := c.closeNotify
	c.closeNotify = nil
	blocks := c.blockNotify
	c.blockNotify = nil
	c.b.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(reason)
	}
	for _, l := range notify {
		if reason != nil {
			select {
			case l <- reason:
			default:
			}
		}
		close(l)
	}
	for _, l := range blocks {
		close(l)
	}
}

type inflight struct {
	q *queue
	m *message
}

type consumer struct {
	tag       string
	q         *queue
	out       chan amqp.Delivery
	done      chan struct{}
	cancelled bool
}

// Channel is an in-memory channel.
type Channel struct {
	b           *Broker
	conn        *Conn
	closed      bool
	confirm     bool
	prefetch    int
	nextTag     uint64
	unacked     map[uint64]*inflight
	consumers   map[string]*consumer
	closeNotify []chan *amqp.Error
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, _, _ bool, args amqp.Table) error {
	b := ch.b
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	switch kind {
	case amqp.ExchangeDirect, amqp.ExchangeFanout, amqp.ExchangeTopic, amqp.ExchangeHeaders:
	default:
		b.mu.Unlock()
		err := &amqp.Error{Code: amqp.CommandInvalid, Reason: fmt.Sprintf("COMMAND_INVALID - unknown exchange type '%s'", kind)}
		ch.shutdown(err)
		return err
	}
	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable || ex.autoDelete != autoDelete || !sameArgs(ex.args, args) {
			b.mu.Unlock()
			err := &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for exchange '%s'", name)}
			ch.shutdown(err)
			return err
		}
		b.mu.Unlock()
		return nil
	}
	b.exchanges[name] = &exchange{name: name, kind: kind, durable: durable, autoDelete: autoDelete, args: args}
	b.mu.Unlock()
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, _ bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.b
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		b.gen++
		name = fmt.Sprintf("amq.gen-%d", b.gen)
	}
	if q, ok := b.queues[name]; ok {
		if q.durable != durable || q.autoDelete != autoDelete || q.exclusive != exclusive || !sameArgs(q.args, args) {
			b.mu.Unlock()
			err := &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for queue '%s'", name)}
			ch.shutdown(err)
			return amqp.Queue{}, err
		}
		out := amqp.Queue{Name: name, Messages: len(q.msgs), Consumers: q.consumers}
		b.mu.Unlock()
		return out, nil
	}
	b.queues[name] = &queue{name: name, durable: durable, autoDelete: autoDelete, exclusive: exclusive, args: args}
	b.mu.Unlock()
	return amqp.Queue{Name: name}, nil
}

func (ch *Channel) QueueBind(name, key, exchangeName string, _ bool, _ amqp.Table) error {
	b := ch.b
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	ex, ok := b.exchanges[exchangeName]
	_, qok := b.queues[name]
	if !ok || !qok {
		b.mu.Unlock()
		err := &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange or queue"}
		ch.shutdown(err)
		return err
	}
	for _, bd := range ex.bindings {
		if bd.queue == name && bd.key == key {
			b.mu.Unlock()
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: name, key: key})
	b.mu.Unlock()
	return nil
}

func (ch *Channel) Qos(prefetchCount, _ int, _ bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	ch.b.cond.Broadcast()
	return nil
}

func (ch *Channel) Confirm(_ bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirm = true
	return nil
}

type confirmation struct {
	ack   bool
	ready chan struct{}
}

func (c *confirmation) WaitContext(ctx context.Context) (bool, error) {
	select {
	case <-c.ready:
		return c.ack, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (ch *Channel) Publish(ctx context.Context, exchangeName, key string, _, _ bool, msg amqp.Publishing) (broker.Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	var conf *confirmation
	if ch.confirm {
		conf = &confirmation{ready: make(chan struct{})}
	}
	if b.nackPublishes {
		if conf != nil {
			close(conf.ready)
			return conf, nil
		}
		return nil, nil
	}
	if err := b.routeLocked(exchangeName, key, msg, false); err != nil {
		return nil, err
	}
	b.published = append(b.published, Message{Exchange: exchangeName, RoutingKey: key, Publishing: msg})
	if conf == nil {
		return nil, nil
	}
	conf.ack = true
	if !b.holdConfirms {
		close(conf.ready)
	}
	return conf, nil
}

func (ch *Channel) Consume(queueName, tag string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName)}
	}
	if tag == "" {
		b.gen++
		tag = fmt.Sprintf("ctag-%d", b.gen)
	}
	c := &consumer{tag: tag, q: q, out: make(chan amqp.Delivery), done: make(chan struct{})}
	ch.consumers[tag] = c
	q.consumers++
	go ch.deliver(c, autoAck)
	return c.out, nil
}

func (ch *Channel) deliver(c *consumer, autoAck bool) {
	b := ch.b
	defer close(c.out)
	for {
		b.mu.Lock()
		for !c.cancelled && (len(c.q.msgs) == 0 || (ch.prefetch > 0 && len(ch.unacked) >= ch.prefetch)) {
			b.cond.Wait()
		}
		if c.cancelled {
			b.mu.Unlock()
			return
		}
		m := c.q.popLocked()
		ch.nextTag++
		tag := ch.nextTag
		if !autoAck {
			ch.unacked[tag] = &inflight{q: c.q, m: m}
		}
		d := amqp.Delivery{
			Acknowledger:    ch,
			Headers:         m.Headers,
			ContentType:     m.ContentType,
			ContentEncoding: m.ContentEncoding,
			DeliveryMode:    m.DeliveryMode,
			Priority:        m.Priority,
			CorrelationId:   m.CorrelationId,
			ReplyTo:         m.ReplyTo,
			Expiration:      m.Expiration,
			MessageId:       m.MessageId,
			Timestamp:       m.Timestamp,
			Type:            m.Type,
			UserId:          m.UserId,
			AppId:           m.AppId,
			ConsumerTag:     c.tag,
			DeliveryTag:     tag,
			Redelivered:     m.Redelivered,
			Exchange:        m.Exchange,
			RoutingKey:      m.RoutingKey,
			Body:            m.Body,
		}
		b.mu.Unlock()

		select {
		case c.out <- d:
		case <-c.done:
			b.mu.Lock()
			if in, ok := ch.unacked[tag]; ok {
				delete(ch.unacked, tag)
				b.requeueLocked(in.q, in.m)
			}
			b.mu.Unlock()
			return
		}
	}
}

func (ch *Channel) Cancel(tag string, _ bool) error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if c, ok := ch.consumers[tag]; ok {
		ch.cancelLocked(c)
	}
	return nil
}

func (ch *Channel) cancelLocked(c *consumer) {
	if c.cancelled {
		return
	}
	c.cancelled = true
	c.q.consumers--
	close(c.done)
	delete(ch.consumers, c.tag)
	ch.b.cond.Broadcast()
}

func (ch *Channel) NotifyClose(l chan *amqp.Error) chan *amqp.Error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		close(l)
		return l
	}
	ch.closeNotify = append(ch.closeNotify, l)
	return l
}

// Close closes the channel; unacknowledged deliveries are requeued.
func (ch *Channel) Close() error {
	ch.shutdown(nil)
	return nil
}

func (ch *Channel) shutdown(reason *amqp.Error) {
	b := ch.b
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return
	}
	ch.closed = true
	delete(ch.conn.channels, ch)
	for _, c := range ch.consumers {
		ch.cancelLocked(c)
	}
	for tag := uint64(1); tag <= ch.nextTag; tag++ {
		if in, ok := ch.unacked[tag]; ok {
			delete(ch.unacked, tag)
			b.requeueLocked(in.q, in.m)
		}
	}
	notify := ch.closeNotify
	ch.closeNotify = nil
	b.mu.Unlock()

	for _, l := range notify {
		if reason != nil {
			select {
			case l <- reason:
			default:
			}
		}
		close(l)
	}
}

// Ack implements amqp.Acknowledger.
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	tags, err := ch.settleLocked(tag, multiple)
	if err != nil {
		return err
	}
	b.acks += len(tags)
	b.cond.Broadcast()
	return nil
}

// Nack implements amqp.Acknowledger.
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	settled, err := ch.settleLocked(tag, multiple)
	if err != nil {
		return err
	}
	b.nacks += len(settled)
	for _, in := range settled {
		if requeue {
			b.requeueLocked(in.q, in.m)
		} else {
			b.deadLetterLocked(in.q, in.m)
		}
	}
	b.cond.Broadcast()
	return nil
}

// Reject implements amqp.Acknowledger.
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *Channel) settleLocked(tag uint64, multiple bool) ([]*inflight, error) {
	if !multiple {
		in, ok := ch.unacked[tag]
		if !ok {
			return nil, &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag)}
		}
		delete(ch.unacked, tag)
		return []*inflight{in}, nil
	}
	var out []*inflight
	for t := uint64(1); t <= tag; t++ {
		if in, ok := ch.unacked[t]; ok {
			delete(ch.unacked, t)
			out = append(out, in)
		}
	}
	return out, nil
}
