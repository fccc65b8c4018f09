// Package runtime runs the consume loop of a worker: subscription with a
// bounded prefetch, a concurrency limit on executions, re-subscription after
// a lost channel and graceful shutdown.
package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"

	"github.com/UniQw/batch-go/internal/broker"
	"github.com/UniQw/batch-go/internal/worker"
)

// Logger is a minimal logging interface used internally by the runtime.
// It mirrors the public logger in the root package to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// Config configures a Runtime.
type Config struct {
	Queue       string
	Concurrency int
	// Prefetch defaults to Concurrency.
	Prefetch int
	// ConsumerTag identifies the subscription. A random tag is used when empty.
	ConsumerTag string

	// ShutdownGrace is how long in-flight jobs may run after shutdown starts.
	ShutdownGrace time.Duration
	// ResubscribeDelay is the pause between failed subscription attempts.
	ResubscribeDelay time.Duration

	Logger Logger
}

// Acquire returns a channel to consume from, blocking until one is available.
type Acquire func(ctx context.Context) (broker.Channel, error)

// Process executes and settles one delivery received on ch.
type Process func(ctx context.Context, ch broker.Channel, d *worker.Delivery)

// Runtime consumes one queue with a bounded number of concurrent executions.
type Runtime struct {
	cfg     Config
	acquire Acquire
	process Process
	log     Logger

	mu       sync.Mutex
	inflight map[*worker.Delivery]struct{}
}

// New creates a runtime consuming cfg.Queue.
func New(cfg Config, acquire Acquire, process Process) *Runtime {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = cfg.Concurrency
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "batch-" + uuid.NewString()
	}
	if cfg.ResubscribeDelay <= 0 {
		cfg.ResubscribeDelay = time.Second
	}
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	return &Runtime{
		cfg:      cfg,
		acquire:  acquire,
		process:  process,
		log:      lg,
		inflight: make(map[*worker.Delivery]struct{}),
	}
}

// Run consumes until ctx ends, then stops the subscription, lets in-flight
// jobs finish within ShutdownGrace, requeues whatever is still unsettled and
// cancels the remaining job contexts.
func (rt *Runtime) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(rt.cfg.Concurrency))
	// Jobs outlive ctx until the grace period ends.
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	var (
		wg      sync.WaitGroup
		chans   []broker.Channel
		current broker.Channel
	)
	for ctx.Err() == nil {
		ch, deliveries, err := rt.subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			rt.log.Warnf("subscribe failed: queue=%s err=%v", rt.cfg.Queue, err)
			rt.pause(ctx)
			continue
		}
		chans = append(chans, ch)
		rt.log.Infof("consuming: queue=%s concurrency=%d prefetch=%d", rt.cfg.Queue, rt.cfg.Concurrency, rt.cfg.Prefetch)
		rt.consume(ctx, ch, deliveries, sem, &wg, jobCtx)
		if ctx.Err() != nil {
			current = ch
			break
		}
		rt.log.Warnf("subscription lost: queue=%s in_flight=%d", rt.cfg.Queue, rt.InFlight())
	}

	rt.shutdown(current, &wg, cancelJobs)
	for _, ch := range chans {
		_ = ch.Close()
	}
	rt.log.Infof("runtime stopped: queue=%s", rt.cfg.Queue)
	return nil
}

func (rt *Runtime) subscribe(ctx context.Context) (broker.Channel, <-chan amqp.Delivery, error) {
	ch, err := rt.acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := ch.Qos(rt.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	deliveries, err := ch.Consume(rt.cfg.Queue, rt.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	return ch, deliveries, nil
}

// consume reads deliveries while a semaphore slot is free, so at most
// Concurrency jobs execute at once. It returns when ctx ends or the
// subscription closes.
func (rt *Runtime) consume(ctx context.Context, ch broker.Channel, deliveries <-chan amqp.Delivery, sem *semaphore.Weighted, wg *sync.WaitGroup, jobCtx context.Context) {
	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			sem.Release(1)
			return
		case d, ok := <-deliveries:
			if !ok {
				sem.Release(1)
				return
			}
			wd := worker.New(d)
			rt.track(wd)
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				defer rt.untrack(wd)
				rt.process(jobCtx, ch, wd)
			}()
		}
	}
}

func (rt *Runtime) shutdown(current broker.Channel, wg *sync.WaitGroup, cancelJobs context.CancelFunc) {
	if current != nil {
		if err := current.Cancel(rt.cfg.ConsumerTag, false); err != nil {
			rt.log.Debugf("cancel consumer failed: queue=%s err=%v", rt.cfg.Queue, err)
		}
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(rt.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
	}

	// Requeue before cancelling so a handler returning ctx.Err() finds its
	// delivery settled and does not schedule a retry as well. Claimed
	// deliveries are being settled by their job and are left alone.
	pending := rt.unsettled()
	rt.log.Warnf("shutdown grace elapsed: queue=%s requeueing=%d", rt.cfg.Queue, len(pending))
	for _, d := range pending {
		err := d.Abandon()
		if err != nil && !errors.Is(err, worker.ErrSettled) && !errors.Is(err, worker.ErrClaimed) {
			rt.log.Warnf("requeue failed: id=%s queue=%s err=%v", d.MessageId, rt.cfg.Queue, err)
		}
	}
	cancelJobs()
	<-done
}

func (rt *Runtime) pause(ctx context.Context) {
	t := time.NewTimer(rt.cfg.ResubscribeDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (rt *Runtime) track(d *worker.Delivery) {
	rt.mu.Lock()
	rt.inflight[d] = struct{}{}
	rt.mu.Unlock()
}

func (rt *Runtime) untrack(d *worker.Delivery) {
	rt.mu.Lock()
	delete(rt.inflight, d)
	rt.mu.Unlock()
}

func (rt *Runtime) unsettled() []*worker.Delivery {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]*worker.Delivery, 0, len(rt.inflight))
	for d := range rt.inflight {
		if !d.Settled() {
			out = append(out, d)
		}
	}
	return out
}

// InFlight returns the number of deliveries currently being processed.
func (rt *Runtime) InFlight() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.inflight)
}

// CfgConcurrency exposes configured worker concurrency.
func (rt *Runtime) CfgConcurrency() int { return rt.cfg.Concurrency }

// CfgPrefetch exposes the effective prefetch count.
func (rt *Runtime) CfgPrefetch() int { return rt.cfg.Prefetch }
