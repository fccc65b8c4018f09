package batch

import (
	"context"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/UniQw/batch-go/backoff"
	"github.com/UniQw/batch-go/internal/brokertest"
)

// testConfig is DefaultConfig with timings short enough for unit tests.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReconnectBase = 5 * time.Millisecond
	cfg.ReconnectCap = 20 * time.Millisecond
	cfg.ReconnectTimeout = 2 * time.Second
	cfg.ConfirmTimeout = 200 * time.Millisecond
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffCap = 10 * time.Millisecond
	cfg.ShutdownGrace = time.Second
	return cfg
}

// newConn opens a Connection to b with the default topology of cfg declared.
func newConn(t *testing.T, b *brokertest.Broker, cfg Config) *Connection {
	t.Helper()
	cc := cfg.ConnConfig(noopLogger{})
	cc.Reconnect = backoff.NewConstant(5 * time.Millisecond)
	conn := NewConnection(cc, withDialer(b.Dial))
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Declare(ctx, DefaultTopology(cfg)))
	require.NoError(t, conn.Open(ctx))
	return conn
}

func newProducer(t *testing.T, conn *Connection, cfg Config, tr *Tracker) *Producer {
	t.Helper()
	p := NewProducer(conn, cfg.ProducerConfig(tr, noopLogger{}))
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func newTracker(t *testing.T) (*Tracker, *mrd.Miniredis) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewTracker(rdb, time.Hour), s
}

// runWorker runs w until the test ends and returns a function that stops it
// and waits for Run to return.
func runWorker(t *testing.T, w *Worker) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	var stopped bool
	var runErr error
	stop = func() error {
		if stopped {
			return runErr
		}
		stopped = true
		cancel()
		select {
		case runErr = <-errc:
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
		}
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func header(t *testing.T, m brokertest.Message, key string) any {
	t.Helper()
	v, ok := m.Headers[key]
	require.True(t, ok, "missing header %s", key)
	return v
}
