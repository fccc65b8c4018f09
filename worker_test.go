package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UniQw/batch-go/internal/brokertest"
	"github.com/UniQw/batch-go/internal/wire"
)

func newWorker(t *testing.T, conn *Connection, cfg Config, mux *Mux, tr *Tracker) *Worker {
	t.Helper()
	return NewWorker(conn, cfg.WorkerConfig(tr, noopLogger{}), mux)
}

func TestWorker_RetriesThenSucceeds(t *testing.T) {
	b := brokertest.New()
	cfg := testConfig()
	conn := newConn(t, b, cfg)
	p := newProducer(t, conn, cfg, nil)

	var mu sync.Mutex
	var attempts []int
	mux := NewMux()
	def := NewJob("send_email", func(ctx context.Context, _ emailPayload) error {
		j, _ := JobInfo(ctx)
		mu.Lock()
		attempts = append(attempts, j.Attempt)
		mu.Unlock()
		if j.Attempt < 2 {
			return errors.New("smtp unavailable")
		}
		return nil
	}, WithRetries(2))
	require.NoError(t, Register(mux, def))

	_, err := PublishJob(context.Background(), p, def, emailPayload{To: "a@example.com"})
	require.NoError(t, err)

	stop := runWorker(t, newWorker(t, conn, cfg, mux, nil))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 3
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, []int{0, 1, 2}, attempts)
	assert.Zero(t, b.QueueLen("batch.jobs"))
	assert.Zero(t, b.QueueLen("batch.dead"), "a job that eventually succeeds is never dead-lettered")
	assert.Contains(t, b.Queues(), "batch.delay.amq.default.batch.jobs.10")
}

func TestWorker_DeadLettersAfterRetries(t *testing.T) {
	b := brokertest.New()
	cfg := testConfig()
	conn := newConn(t, b, cfg)
	p := newProducer(t, conn, cfg, nil)

	var calls atomic.Int32
	mux := NewMux()
	require.NoError(t, mux.Handle("send_email", func(context.Context, []byte) error {
		calls.Add(1)
		return errors.New("boom")
	}))

	id, err := p.Publish(context.Background(), "send_email", emailPayload{}, MaxRetries(1))
	require.NoError(t, err)

	runWorker(t, newWorker(t, conn, cfg, mux, nil))
	require.Eventually(t, func() bool { return b.QueueLen("batch.dead") == 1 }, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(2), calls.Load())
	m := b.Messages("batch.dead")[0]
	assert.Equal(t, id, m.MessageId)
	assert.Equal(t, "error", header(t, m, wire.HeaderFailure))
	assert.Equal(t, "boom", header(t, m, wire.HeaderError))
	assert.Equal(t, "batch.jobs", header(t, m, wire.HeaderQueue))
	assert.Equal(t, int64(1), header(t, m, wire.HeaderAttempt))
	assert.Zero(t, b.QueueLen("batch.jobs"))
}

func TestWorker_NonRetryableIsDeadLetteredOnce(t *testing.T) {
	b := brokertest.New()
	cfg := testConfig()
	conn := newConn(t, b, cfg)
	p := newProducer(t, conn, cfg, nil)

	var calls atomic.Int32
	mux := NewMux()
	require.NoError(t, mux.Handle("send_email", func(context.Context, []byte) error {
		calls.Add(1)
		return NonRetryable(errors.New("invalid address"))
	}))
	_, err := p.Publish(context.Background(), "send_email", emailPayload{})
	require.NoError(t, err)

	runWorker(t, newWorker(t, conn, cfg, mux, nil))
	require.Eventually(t, func() bool { return b.QueueLen("batch.dead") == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWorker_MalformedEnvelopeIsDeadLettered(t *testing.T) {
	b := brokertest.New()
	cfg := testConfig()
	conn := newConn(t, b, cfg)

	var calls atomic.Int32
	mux := NewMux()
	require.NoError(t, mux.Handle("send_email", func(context.Context, []byte) error {
		calls.Add(1)
		return nil
	}))
	// No attempt headers.
	require.NoError(t, b.Inject("batch", "jobs", amqp.Publishing{Type: "send_email", MessageId: "bad", Body: []byte("{}")}))

	runWorker(t, newWorker(t, conn, cfg, mux, nil))
	require.Eventually(t, func() bool { return b.QueueLen("batch.dead") == 1 }, 3*time.Second, 10*time.Millisecond)

	assert.Zero(t, calls.Load(), "handler must not run for undecodable deliveries")
	m := b.Messages("batch.dead")[0]
	assert.Equal(t, "decode", header(t, m, wire.HeaderFailure))
	assert.Equal(t, "bad", m.MessageId)
}

func TestWorker_UndecodablePayloadIsDeadLettered(t *testing.T) {
	b := brokertest.New()
	cfg := testConfig()
	conn := newConn(t, b, cfg)
	p := newProducer(t, conn, cfg, nil)

	var calls atomic.Int32
	mux := NewMux()
	require.NoError(t, Register(mux, NewJob("send_email", func(context.Context, emailPayload) error {
		calls.Add(1)
		return nil
	})))
	// A string cannot decode into emailPayload.
	_, err := p.Publish(context.Background(), "send_email", "not an object")
	require.NoError(t, err)

	runWorker(t, newWorker(t, conn, cfg, mux, nil))
	require.Eventually(t, func() bool { return b.QueueLen("batch.dead") == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.Equal(t, "decode", header(t, b.Messages("batch.dead")[0], wire.HeaderFailure))
}

func TestWorker_UnknownTypeIsDeadLettered(t *testing.T) {
	b := brokertest.New()
	cfg := testConfig()
	conn := newConn(t, b, cfg)
	p := newProducer(t, conn, cfg, nil)

	_, err := p.Publish(context.Background(), "resize_image", map[string]int{"w": 10})
	require.NoError(t, err)

	runWorker(t, newWorker(t, conn, cfg, NewMux(), nil))
	require.Eventually(t, func() bool { return b.QueueLen("batch.dead") == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "unknown_type", header(t, b.Messages("batch.dead")[0], wire.HeaderFailure))
}

func TestWorker_RejectsWithoutDeadLetterExchange(t *testing.T) {
	b := brokertest.New()
	cfg := testConfig()
	conn := newConn(t, b, cfg)
	p := newProducer(t, conn, cfg, nil)

	wc := cfg.WorkerConfig(nil, noopLogger{})
	wc.Policy.DeadLetterExchange = ""
	w := NewWorker(conn, wc, NewMux())

	_, err := p.Publish(context.Background(), "resize_image", nil)
	require.NoError(t, err)

	runWorker(t, w)
	// The work queue's own x-dead-letter-exchange routes the rejected delivery.
	require.Eventually(t, func() bool { return b.QueueLen("batch.dead") == 1 }, 3*time.Second, 10*time.Millisecond)
	m := b.Messages("batch.dead")[0]
	assert.Equal(t, "batch.jobs", header(t, m, "x-first-death-queue"))
	assert.Equal(t, 1, b.Nacks())
}

func TestWorker_ConcurrencyBound(t *testing.T) {
	b := brokertest.New()
	cfg := testConfig()
	cfg.Concurrency = 2
	conn := newConn(t, b, cfg)
	p := newProducer(t, conn, cfg, nil)

	var active, peak, done atomic.Int32
	mux := NewMux()
	require.NoError(t, mux.Handle("send_email", func(context.Context, []byte) error {
		n := active.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		active.Add(-1)
		done.Add(1)
		return nil
	}))
	for i := 0; i < 6; i++ {
		_, err := p.Publish(context.Background(), "send_email", emailPayload{})
		require.NoError(t, err)
	}

	runWorker(t, newWorker(t, conn, cfg, mux, nil))
	require.Eventually(t, func() bool { return done.Load() == 6 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), peak.Load())
	require.Eventually(t, func() bool { return b.Acks() == 6 }, time.Second, 10*time.Millisecond)
}

func TestWorker_PriorityOrder(t *testing.T) {
	b := brokertest.New()
	cfg := testConfig()
	cfg.Concurrency = 1
	conn := newConn(t, b, cfg)
	p := newProducer(t, conn, cfg, nil)

	var mu sync.Mutex
	var order []string
	mux := NewMux()
	require.NoError(t, mux.Handle("send_email", func(ctx context.Context, _ []byte) error {
		j, _ := JobInfo(ctx)
		mu.Lock()
		order = append(order, j.ID)
		mu.Unlock()
		return nil
	}))
	ctx := context.Background()
	_, err := p.Publish(ctx, "send_email", nil, JobID("low"), WithPriority(PriorityLow))
	require.NoError(t, err)
	_, err = p.Publish(ctx, "send_email", nil, JobID("critical"), WithPriority(PriorityCritical))
	require.NoError(t, err)
	_, err = p.Publish(ctx, "send_email", nil, JobID("normal"))
	require.NoError(t, err)

	runWorker(t, newWorker(t, conn, cfg, mux, nil))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"critical", "normal", "low"}, order)
}

func TestWorker_RedeliveredAfterDisconnect(t *testing.T) {
	b := brokertest.New()
	cfg := testConfig()
	cfg.Concurrency = 5
	conn := newConn(t, b, cfg)
	p := newProducer(t, conn, cfg, nil)

	gate := make(chan struct{})
	var mu sync.Mutex
	seen := map[string]int{}
	mux := NewMux()
	require.NoError(t, mux.Handle("send_email", func(ctx context.Context, _ []byte) error {
		j, _ := JobInfo(ctx)
		mu.Lock()
		seen[j.ID]++
		mu.Unlock()
		<-gate
		return nil
	}))
	for i := 0; i < 5; i++ {
		_, err := p.Publish(context.Background(), "send_email", emailPayload{})
		require.NoError(t, err)
	}

	w := newWorker(t, conn, cfg, mux, nil)
	runWorker(t, w)
	require.Eventually(t, func() bool { return w.InFlight() == 5 }, 3*time.Second, 10*time.Millisecond)

	// The broker requeues unacknowledged deliveries when the connection drops.
	b.Disconnect()
	close(gate)

	require.Eventually(t, func() bool { return b.Acks() == 5 }, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, b.QueueLen("batch.jobs"))
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 5)
	for id, n := range seen {
		assert.GreaterOrEqual(t, n, 2, "job %s should have been redelivered", id)
	}
}

func TestWorker_ShutdownGraceRequeues(t *testing.T) {
	b := brokertest.New()
	cfg := testConfig()
	cfg.ShutdownGrace = 50 * time.Millisecond
	conn := newConn(t, b, cfg)
	p := newProducer(t, conn, cfg, nil)

	started := make(chan struct{})
	mux := NewMux()
	require.NoError(t, mux.Handle("send_email", func(ctx context.Context, _ []byte) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	_, err := p.Publish(context.Background(), "send_email", emailPayload{})
	require.NoError(t, err)
	published := len(b.Published())

	stop := runWorker(t, newWorker(t, conn, cfg, mux, nil))
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("handler did not start")
	}
	require.NoError(t, stop())

	assert.Equal(t, 1, b.QueueLen("batch.jobs"), "unfinished job is requeued")
	assert.Len(t, b.Published(), published, "no retry is scheduled for a requeued job")
	assert.Zero(t, b.Acks())
}

func TestWorker_ShutdownWaitsForInFlight(t *testing.T) {
	b := brokertest.New()
	cfg := testConfig()
	conn := newConn(t, b, cfg)
	p := newProducer(t, conn, cfg, nil)

	started := make(chan struct{})
	var finished atomic.Bool
	mux := NewMux()
	require.NoError(t, mux.Handle("send_email", func(context.Context, []byte) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	}))
	_, err := p.Publish(context.Background(), "send_email", emailPayload{})
	require.NoError(t, err)

	stop := runWorker(t, newWorker(t, conn, cfg, mux, nil))
	<-started
	require.NoError(t, stop())
	assert.True(t, finished.Load())
	assert.Equal(t, 1, b.Acks())
	assert.Zero(t, b.QueueLen("batch.jobs"))
}

func TestWorker_TracksStatus(t *testing.T) {
	b := brokertest.New()
	cfg := testConfig()
	conn := newConn(t, b, cfg)
	tr, _ := newTracker(t)
	p := newProducer(t, conn, cfg, tr)

	mux := NewMux()
	require.NoError(t, mux.Handle("ok", func(ctx context.Context, _ []byte) error {
		SetProgress(ctx, 100)
		return SetResult(ctx, map[string]string{"message_id": "m-1"})
	}))
	require.NoError(t, mux.Handle("fail", func(ctx context.Context, _ []byte) error {
		SetProgress(ctx, 40)
		return NonRetryable(errors.New("mailbox full"))
	}))

	ctx := context.Background()
	_, err := p.Publish(ctx, "ok", nil, JobID("j-ok"), Unique())
	require.NoError(t, err)
	_, err = p.Publish(ctx, "fail", nil, JobID("j-fail"))
	require.NoError(t, err)

	runWorker(t, newWorker(t, conn, cfg, mux, tr))

	require.Eventually(t, func() bool {
		st, err := tr.Get(ctx, cfg.Queue, "j-ok")
		return err == nil && st.Status == StatusSucceeded
	}, 3*time.Second, 10*time.Millisecond)
	st, err := tr.Get(ctx, cfg.Queue, "j-ok")
	require.NoError(t, err)
	assert.Equal(t, 100, st.Progress)
	assert.JSONEq(t, `{"message_id":"m-1"}`, string(st.Result))
	assert.False(t, st.StartedAt.IsZero())
	assert.False(t, st.CompletedAt.IsZero())

	// Success releases the unique reservation.
	require.Eventually(t, func() bool {
		_, err := p.Publish(ctx, "ok", nil, JobID("j-ok"), Unique())
		return err == nil
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		st, err := tr.Get(ctx, cfg.Queue, "j-fail")
		return err == nil && st.Status == StatusFailed
	}, 3*time.Second, 10*time.Millisecond)
	st, err = tr.Get(ctx, cfg.Queue, "j-fail")
	require.NoError(t, err)
	assert.Equal(t, FailureError, st.Failure)
	assert.Equal(t, "mailbox full", st.LastError)
	assert.Equal(t, 40, st.Progress)
}

func TestWorker_StartStop(t *testing.T) {
	b := brokertest.New()
	cfg := testConfig()
	conn := newConn(t, b, cfg)
	p := newProducer(t, conn, cfg, nil)

	var calls atomic.Int32
	mux := NewMux()
	require.NoError(t, mux.Handle("send_email", func(context.Context, []byte) error {
		calls.Add(1)
		return nil
	}))
	w := newWorker(t, conn, cfg, mux, nil)

	require.NoError(t, w.Stop(context.Background()), "Stop before Start is a no-op")
	w.Start()
	w.Start()
	require.ErrorIs(t, w.Run(context.Background()), errWorkerRunning)

	_, err := p.Publish(context.Background(), "send_email", emailPayload{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 3*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
	require.NoError(t, w.Stop(ctx))
}
