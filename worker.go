package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/UniQw/batch-go/internal/broker"
	"github.com/UniQw/batch-go/internal/hctx"
	rtm "github.com/UniQw/batch-go/internal/runtime"
	"github.com/UniQw/batch-go/internal/wire"
	iworker "github.com/UniQw/batch-go/internal/worker"
)

const defaultShutdownGrace = 30 * time.Second

var errWorkerRunning = errors.New("batch: worker already running")

// WorkerConfig defines the configuration for a Worker.
type WorkerConfig struct {
	// Queue is the work queue to consume.
	Queue string
	// Concurrency is the maximum number of jobs executing at once.
	Concurrency int
	// Prefetch is the broker prefetch count. Zero means Concurrency.
	Prefetch int
	// ConsumerTag identifies the subscription. A random tag is used when empty.
	ConsumerTag string
	// ShutdownGrace is how long in-flight jobs may run once shutdown starts
	// before they are cancelled and requeued. Zero means 30s.
	ShutdownGrace time.Duration
	// Policy decides between ack, retry and dead-letter.
	Policy RetryPolicy
	// ConfirmTimeout bounds the wait for confirms of retry and dead-letter
	// publishes. Zero means 5s.
	ConfirmTimeout time.Duration
	// Tracker records job statuses when set.
	Tracker *Tracker
	// Logger is the logger used for worker events.
	Logger Logger
}

// Worker consumes jobs from a queue and executes them through a Mux.
type Worker struct {
	conn *Connection
	cfg  WorkerConfig
	mux  *Mux
	rt   *rtm.Runtime
	log  Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWorker creates a Worker consuming cfg.Queue through conn.
func NewWorker(conn *Connection, cfg WorkerConfig, mux *Mux) *Worker {
	l := loggerOrDefault(cfg.Logger)
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	w := &Worker{conn: conn, cfg: cfg, mux: mux, log: l}
	w.rt = rtm.New(rtm.Config{
		Queue:         cfg.Queue,
		Concurrency:   cfg.Concurrency,
		Prefetch:      cfg.Prefetch,
		ConsumerTag:   cfg.ConsumerTag,
		ShutdownGrace: cfg.ShutdownGrace,
		Logger:        rtLogger{Logger: l},
	}, w.acquire, w.process)
	return w
}

// Run consumes until ctx is cancelled or Stop is called, then shuts down
// gracefully. It blocks until every in-flight job is settled.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	done, ok := w.begin(cancel)
	if !ok {
		cancel()
		return errWorkerRunning
	}
	return w.run(ctx, done)
}

// Start launches the worker in the background. It is idempotent and non-blocking.
func (w *Worker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	done, ok := w.begin(cancel)
	if !ok {
		cancel()
		w.log.Warnf("worker already started; ignoring Start()")
		return
	}
	w.log.Infof("starting worker: queue=%s concurrency=%d types=%d", w.cfg.Queue, w.rt.CfgConcurrency(), len(w.mux.TypeIDs()))
	go func() {
		if err := w.run(ctx, done); err != nil {
			w.log.Errorf("worker stopped: queue=%s err=%v", w.cfg.Queue, err)
		}
	}()
}

// Stop gracefully shuts down the worker and waits until in-flight jobs are
// settled or ctx ends.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.log.Warnf("worker not started; ignoring Stop()")
		w.mu.Unlock()
		return nil
	}
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	w.log.Infof("stopping worker: queue=%s", w.cfg.Queue)
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) begin(cancel context.CancelFunc) (chan struct{}, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil, false
	}
	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})
	return w.done, true
}

func (w *Worker) run(ctx context.Context, done chan struct{}) error {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.cancel = nil
		close(done)
		w.mu.Unlock()
	}()
	return w.rt.Run(ctx)
}

func (w *Worker) acquire(ctx context.Context) (broker.Channel, error) {
	ch, err := w.conn.Channel(ctx, WaitBlock)
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}

// process decodes, executes and settles one delivery.
func (w *Worker) process(ctx context.Context, ch broker.Channel, d *iworker.Delivery) {
	env, err := wire.Decode(&d.Delivery)
	if err != nil {
		out := Fatal(&DecodeError{TypeID: d.Type, Err: err}, FailureDecode)
		dec := Decision{Action: ActionDeadLetter, Failure: out.Failure, Reason: out.Reason()}
		if !d.Claim() {
			return
		}
		w.settle(ctx, ch, d, nil, nil, dec)
		return
	}

	st := hctx.New(hctx.Job{
		ID:         env.ID,
		TypeID:     env.TypeID,
		Queue:      w.cfg.Queue,
		Attempt:    env.Attempt,
		MaxRetries: env.MaxRetries,
	})
	st.ContentType = env.ContentType
	if w.cfg.Tracker != nil {
		if err := w.cfg.Tracker.MarkStarted(ctx, w.cfg.Queue, env); err != nil {
			w.log.Warnf("track started failed: id=%s queue=%s err=%v", env.ID, w.cfg.Queue, err)
		}
	}

	out := w.mux.Dispatch(hctx.WithState(ctx, st), env)
	if !d.Claim() {
		// Requeued by shutdown while the handler ran.
		w.log.Infof("requeued during shutdown: id=%s type=%s queue=%s", env.ID, env.TypeID, w.cfg.Queue)
		return
	}
	w.settle(ctx, ch, d, env, st, w.cfg.Policy.Decide(env, out))
}

func (w *Worker) settle(ctx context.Context, ch broker.Channel, d *iworker.Delivery, env *Envelope, st *hctx.State, dec Decision) {
	q := w.cfg.Queue
	pub := func(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
		return publishConfirmed(ctx, ch, exchange, key, msg, true, w.cfg.ConfirmTimeout)
	}
	var progress int
	var result []byte
	if st != nil {
		progress, result = st.Progress, st.Result
	}

	switch dec.Action {
	case ActionAck:
		if err := d.Ack(); err != nil {
			w.log.Errorf("ack failed: id=%s type=%s queue=%s err=%v", env.ID, env.TypeID, q, err)
			return
		}
		w.log.Debugf("processed: id=%s type=%s queue=%s attempt=%d", env.ID, env.TypeID, q, env.Attempt)
		if w.cfg.Tracker != nil {
			if err := w.cfg.Tracker.MarkSucceeded(ctx, q, env.ID, progress, result); err != nil {
				w.log.Warnf("track succeeded failed: id=%s queue=%s err=%v", env.ID, q, err)
			}
			// Release de-dup lock on success so IDs do not accumulate forever.
			if err := w.cfg.Tracker.Release(ctx, q, env.ID); err != nil {
				w.log.Warnf("unique unlock failed: id=%s queue=%s err=%v", env.ID, q, err)
			}
		}

	case ActionRetry:
		next := *env
		next.Attempt++
		key := q
		if dec.Delay > 0 {
			dq := DelayQueue("", q, dec.Delay)
			if err := declareQueue(ch, dq); err != nil {
				w.log.Errorf("retry queue declare failed: id=%s type=%s queue=%s err=%v", env.ID, env.TypeID, q, err)
				_ = d.Requeue()
				return
			}
			key = dq.Name
		}
		if err := iworker.Retry(ctx, d, pub, "", key, next.Publishing()); err != nil {
			w.log.Errorf("retry transition failed: id=%s type=%s queue=%s err=%v", env.ID, env.TypeID, q, err)
			return
		}
		w.log.Warnf("handler error: id=%s type=%s queue=%s attempt=%d failure=%s retry_in=%s err=%s",
			env.ID, env.TypeID, q, env.Attempt, dec.Failure, dec.Delay, dec.Reason)
		if w.cfg.Tracker != nil {
			if err := w.cfg.Tracker.MarkRetrying(ctx, q, env, dec, progress); err != nil {
				w.log.Warnf("track retrying failed: id=%s queue=%s err=%v", env.ID, q, err)
			}
		}

	case ActionDeadLetter:
		msg := wire.DeadLetter(&d.Delivery, string(dec.Failure), dec.Reason, q, time.Now())
		if err := iworker.DeadLetter(ctx, d, pub, w.cfg.Policy.DeadLetterExchange, msg); err != nil {
			w.log.Errorf("deadletter failed: id=%s type=%s queue=%s err=%v", d.MessageId, d.Type, q, err)
		}
		w.log.Warnf("dead-lettered: id=%s type=%s queue=%s failure=%s err=%s", d.MessageId, d.Type, q, dec.Failure, dec.Reason)
		if w.cfg.Tracker != nil {
			if err := w.cfg.Tracker.MarkFailed(ctx, q, d.MessageId, dec, progress, result); err != nil {
				w.log.Warnf("track failed failed: id=%s queue=%s err=%v", d.MessageId, q, err)
			}
		}
	}
}

// InFlight returns the number of jobs currently executing or awaiting settlement.
func (w *Worker) InFlight() int { return w.rt.InFlight() }

// rtLogger adapts the public Logger to the internal runtime logger interface.
type rtLogger struct{ Logger }
