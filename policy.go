package batch

import (
	"time"

	"github.com/UniQw/batch-go/backoff"
)

// Action is what the worker does with a delivery after execution.
type Action uint8

const (
	// ActionAck acknowledges the delivery, removing it from the queue.
	ActionAck Action = iota
	// ActionRetry republishes the job with attempt+1 after Delay, then acknowledges the original.
	ActionRetry
	// ActionDeadLetter routes the job to the dead-letter exchange, or rejects it without requeue.
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionRetry:
		return "retry"
	case ActionDeadLetter:
		return "dead-letter"
	default:
		return "unknown"
	}
}

// Decision is the policy verdict for one executed delivery.
type Decision struct {
	Action Action
	// Delay before the retried job becomes visible again.
	Delay time.Duration
	// Failure and Reason describe why the job did not succeed.
	Failure Failure
	Reason  string
}

// RetryPolicy decides between acknowledging, retrying and dead-lettering.
// Retry delays are realised by the broker (TTL queues dead-lettering back to
// the work queue), so no failed job is held in worker memory.
type RetryPolicy struct {
	// Backoff computes the delay before retry n. Nil means backoff.DefaultStrategy.
	Backoff backoff.Strategy
	// DeadLetterExchange receives dead-lettered jobs with failure headers.
	// When empty, deliveries are rejected and the broker's own dead-lettering
	// of the work queue applies.
	DeadLetterExchange string
}

// Decide maps an outcome to an action. A retryable failure is retried while
// env.Attempt < env.MaxRetries; after that, and for every fatal failure, the
// job is dead-lettered.
func (p RetryPolicy) Decide(env *Envelope, out Outcome) Decision {
	switch out.Kind {
	case OutcomeSuccess:
		return Decision{Action: ActionAck}
	case OutcomeRetryable:
		if env.Attempt < env.MaxRetries {
			bo := p.Backoff
			if bo == nil {
				bo = backoff.DefaultStrategy()
			}
			return Decision{
				Action:  ActionRetry,
				Delay:   bo.Delay(env.Attempt + 1),
				Failure: out.Failure,
				Reason:  out.Reason(),
			}
		}
	}
	return Decision{Action: ActionDeadLetter, Failure: out.Failure, Reason: out.Reason()}
}
