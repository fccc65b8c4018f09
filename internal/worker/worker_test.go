package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

type ackRecorder struct {
	mu     sync.Mutex
	calls  []string
	failed bool
}

func (a *ackRecorder) record(s string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, s)
	if a.failed {
		return errors.New("channel closed")
	}
	return nil
}

func (a *ackRecorder) Ack(uint64, bool) error { return a.record("ack") }
func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	if requeue {
		return a.record("requeue")
	}
	return a.record("nack")
}
func (a *ackRecorder) Reject(uint64, bool) error { return a.record("reject") }

func newDelivery(rec *ackRecorder) *Delivery {
	return New(amqp.Delivery{Acknowledger: rec, DeliveryTag: 1, RoutingKey: "jobs"})
}

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

func recordingPublish(out *[]published, err error) Publish {
	return func(_ context.Context, exchange, key string, msg amqp.Publishing) error {
		if err != nil {
			return err
		}
		*out = append(*out, published{exchange, key, msg})
		return nil
	}
}

func TestDelivery_SettlesOnce(t *testing.T) {
	rec := &ackRecorder{}
	d := newDelivery(rec)
	require.False(t, d.Settled())
	require.NoError(t, d.Ack())
	require.True(t, d.Settled())
	require.ErrorIs(t, d.Requeue(), ErrSettled)
	require.ErrorIs(t, d.Reject(), ErrSettled)
	require.Equal(t, []string{"ack"}, rec.calls)
}

func TestDelivery_ConcurrentSettle(t *testing.T) {
	rec := &ackRecorder{}
	d := newDelivery(rec)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = d.Ack()
			} else {
				_ = d.Requeue()
			}
		}(i)
	}
	wg.Wait()
	require.Len(t, rec.calls, 1)
}

func TestRetry_PublishesThenAcks(t *testing.T) {
	rec := &ackRecorder{}
	d := newDelivery(rec)
	var out []published
	msg := amqp.Publishing{Type: "send_email"}
	require.NoError(t, Retry(context.Background(), d, recordingPublish(&out, nil), "", "batch.delay.x", msg))
	require.Len(t, out, 1)
	require.Equal(t, "batch.delay.x", out[0].key)
	require.Equal(t, []string{"ack"}, rec.calls)
}

func TestRetry_RequeuesOnPublishFailure(t *testing.T) {
	rec := &ackRecorder{}
	d := newDelivery(rec)
	boom := errors.New("boom")
	err := Retry(context.Background(), d, recordingPublish(nil, boom), "", "q", amqp.Publishing{})
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"requeue"}, rec.calls)
}

func TestDeadLetter_ToExchange(t *testing.T) {
	rec := &ackRecorder{}
	d := newDelivery(rec)
	var out []published
	require.NoError(t, DeadLetter(context.Background(), d, recordingPublish(&out, nil), "dlx", amqp.Publishing{}))
	require.Len(t, out, 1)
	require.Equal(t, "dlx", out[0].exchange)
	require.Equal(t, "jobs", out[0].key)
	require.Equal(t, []string{"ack"}, rec.calls)
}

func TestDeadLetter_RejectsWithoutExchange(t *testing.T) {
	rec := &ackRecorder{}
	d := newDelivery(rec)
	var out []published
	require.NoError(t, DeadLetter(context.Background(), d, recordingPublish(&out, nil), "", amqp.Publishing{}))
	require.Empty(t, out)
	require.Equal(t, []string{"reject"}, rec.calls)
}

func TestDeadLetter_RejectsOnPublishFailure(t *testing.T) {
	rec := &ackRecorder{}
	d := newDelivery(rec)
	boom := errors.New("boom")
	err := DeadLetter(context.Background(), d, recordingPublish(nil, boom), "dlx", amqp.Publishing{})
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"reject"}, rec.calls)
}

func TestRetry_AckFailureSurfaces(t *testing.T) {
	rec := &ackRecorder{failed: true}
	d := newDelivery(rec)
	var out []published
	err := Retry(context.Background(), d, recordingPublish(&out, nil), "", "q", amqp.Publishing{})
	require.Error(t, err)
	require.True(t, d.Settled())
}

func TestDelivery_ClaimedIsNotAbandoned(t *testing.T) {
	rec := &ackRecorder{}
	d := newDelivery(rec)
	require.True(t, d.Claim())
	require.False(t, d.Claim())
	require.ErrorIs(t, d.Abandon(), ErrClaimed)
	require.False(t, d.Settled())

	var out []published
	require.NoError(t, Retry(context.Background(), d, recordingPublish(&out, nil), "", "q", amqp.Publishing{}))
	require.Len(t, out, 1)
	require.Equal(t, []string{"ack"}, rec.calls)
}

func TestDelivery_AbandonedCannotBeClaimed(t *testing.T) {
	rec := &ackRecorder{}
	d := newDelivery(rec)
	require.NoError(t, d.Abandon())
	require.True(t, d.Settled())
	require.False(t, d.Claim(), "the job must not publish a copy of a requeued delivery")
	require.ErrorIs(t, d.Abandon(), ErrSettled)
	require.Equal(t, []string{"requeue"}, rec.calls)
}
