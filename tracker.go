package batch

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	ikeys "github.com/UniQw/batch-go/internal/keys"
)

const defaultStatusRetention = 24 * time.Hour

// JobStatus is the tracked state of one job.
type JobStatus struct {
	ID          string
	Queue       string
	TypeID      string
	Status      Status
	Attempt     int
	MaxRetries  int
	Progress    int
	Result      []byte
	LastError   string
	Failure     Failure
	EnqueuedAt  time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	UpdatedAt   time.Time
}

// Tracker records job statuses and uniqueness reservations in Redis. The
// broker stays the source of truth for delivery; the tracker is a read model
// for inspection and de-duplication.
type Tracker struct {
	rdb       redis.UniversalClient
	retention time.Duration
}

// NewTracker creates a Tracker. Status records expire retention after their
// last update; zero or negative means 24h.
func NewTracker(rdb redis.UniversalClient, retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = defaultStatusRetention
	}
	return &Tracker{rdb: rdb, retention: retention}
}

// forgetPendingScript deletes a status record only while it is still pending.
// KEYS[1] = job hash
var forgetPendingScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Reserve claims id in queue. It returns ErrDuplicateJob if id is already
// reserved. A reservation expires with the job's status record.
func (t *Tracker) Reserve(ctx context.Context, queue, id string) error {
	ok, err := t.rdb.SetNX(ctx, ikeys.Unique(queue, id), 1, t.retention).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrDuplicateJob
	}
	return nil
}

// Release drops the reservation of id so it can be published again.
func (t *Tracker) Release(ctx context.Context, queue, id string) error {
	return t.rdb.Del(ctx, ikeys.Unique(queue, id)).Err()
}

// Forget removes the record of a job whose publish failed. A record a worker
// has already moved past pending is kept.
func (t *Tracker) Forget(ctx context.Context, queue, id string) error {
	return forgetPendingScript.Run(ctx, t.rdb, []string{ikeys.Job(queue, id)}, string(StatusPending)).Err()
}

// MarkPending records a freshly published job.
func (t *Tracker) MarkPending(ctx context.Context, queue string, env *Envelope) error {
	return t.write(ctx, queue, env.ID,
		"status", string(StatusPending),
		"type", env.TypeID,
		"attempt", env.Attempt,
		"max_retries", env.MaxRetries,
		"enqueued_at", env.EnqueuedAt.UnixMilli(),
	)
}

// MarkStarted records that a worker began executing env.
func (t *Tracker) MarkStarted(ctx context.Context, queue string, env *Envelope) error {
	return t.write(ctx, queue, env.ID,
		"status", string(StatusStarted),
		"type", env.TypeID,
		"attempt", env.Attempt,
		"max_retries", env.MaxRetries,
		"enqueued_at", env.EnqueuedAt.UnixMilli(),
		"started_at", time.Now().UnixMilli(),
	)
}

// MarkRetrying records a failed attempt with a retry scheduled.
func (t *Tracker) MarkRetrying(ctx context.Context, queue string, env *Envelope, d Decision, progress int) error {
	return t.write(ctx, queue, env.ID,
		"status", string(StatusRetrying),
		"attempt", env.Attempt+1,
		"progress", progress,
		"error", d.Reason,
		"failure", string(d.Failure),
	)
}

// MarkSucceeded records a completed job with the handler's progress and result.
func (t *Tracker) MarkSucceeded(ctx context.Context, queue, id string, progress int, result []byte) error {
	return t.write(ctx, queue, id,
		"status", string(StatusSucceeded),
		"progress", progress,
		"result", result,
		"completed_at", time.Now().UnixMilli(),
	)
}

// MarkFailed records a dead-lettered job.
func (t *Tracker) MarkFailed(ctx context.Context, queue, id string, d Decision, progress int, result []byte) error {
	return t.write(ctx, queue, id,
		"status", string(StatusFailed),
		"progress", progress,
		"result", result,
		"error", d.Reason,
		"failure", string(d.Failure),
		"completed_at", time.Now().UnixMilli(),
	)
}

func (t *Tracker) write(ctx context.Context, queue, id string, fields ...any) error {
	if id == "" {
		return nil
	}
	key := ikeys.Job(queue, id)
	fields = append(fields, "updated_at", time.Now().UnixMilli())
	_, err := t.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, fields...)
		p.PExpire(ctx, key, t.retention)
		// No-op unless the job was published unique.
		p.PExpire(ctx, ikeys.Unique(queue, id), t.retention)
		return nil
	})
	return err
}

// Get returns the tracked status of id, or ErrJobNotFound.
func (t *Tracker) Get(ctx context.Context, queue, id string) (*JobStatus, error) {
	m, err := t.rdb.HGetAll(ctx, ikeys.Job(queue, id)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrJobNotFound
	}
	st, err := ParseStatus(m["status"])
	if err != nil {
		return nil, err
	}
	js := &JobStatus{
		ID:          id,
		Queue:       queue,
		TypeID:      m["type"],
		Status:      st,
		Attempt:     atoi(m["attempt"]),
		MaxRetries:  atoi(m["max_retries"]),
		Progress:    atoi(m["progress"]),
		LastError:   m["error"],
		Failure:     Failure(m["failure"]),
		EnqueuedAt:  msTime(m["enqueued_at"]),
		StartedAt:   msTime(m["started_at"]),
		CompletedAt: msTime(m["completed_at"]),
		UpdatedAt:   msTime(m["updated_at"]),
	}
	if r := m["result"]; r != "" {
		js.Result = []byte(r)
	}
	return js, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func msTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
