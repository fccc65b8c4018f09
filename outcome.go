package batch

import (
	"context"
	"errors"
)

// OutcomeKind classifies the result of executing one job.
type OutcomeKind uint8

const (
	// OutcomeSuccess means the job completed and the delivery is acknowledged.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRetryable means the job failed and may succeed on a later attempt.
	OutcomeRetryable
	// OutcomeFatal means the job can never succeed and is dead-lettered.
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Failure stores the reason a job did not succeed.
type Failure string

const (
	// FailureNone is set on successful outcomes.
	FailureNone Failure = ""
	// FailureError means the handler returned an error.
	FailureError Failure = "error"
	// FailureTimeout means the handler did not complete within the job timeout.
	FailureTimeout Failure = "timeout"
	// FailureCrash means the handler panicked.
	FailureCrash Failure = "crash"
	// FailureDecode means the envelope or payload could not be decoded.
	FailureDecode Failure = "decode"
	// FailureUnknownType means no handler is registered for the job type.
	FailureUnknownType Failure = "unknown_type"
)

// Outcome is the result of executing a job. It drives the RetryPolicy and is
// never persisted beyond the processing of one delivery.
type Outcome struct {
	Kind    OutcomeKind
	Err     error
	Failure Failure
}

// Succeeded returns a success outcome.
func Succeeded() Outcome { return Outcome{Kind: OutcomeSuccess} }

// Retryable returns a retryable failure outcome.
func Retryable(err error, f Failure) Outcome {
	return Outcome{Kind: OutcomeRetryable, Err: err, Failure: f}
}

// Fatal returns a non-retryable failure outcome.
func Fatal(err error, f Failure) Outcome {
	return Outcome{Kind: OutcomeFatal, Err: err, Failure: f}
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool { return o.Kind == OutcomeSuccess }

// Reason returns the failure message, or "" on success.
func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// classify maps a handler error to an Outcome. jobCtx is the context the
// handler ran under; it distinguishes the job's own timeout from an error
// that merely wraps context.DeadlineExceeded.
func classify(jobCtx context.Context, err error) Outcome {
	if err == nil {
		return Succeeded()
	}
	var de *DecodeError
	switch {
	case errors.As(err, &de):
		return Fatal(err, FailureDecode)
	case IsNonRetryable(err):
		return Fatal(err, FailureError)
	case errors.Is(err, context.DeadlineExceeded) && errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		return Retryable(err, FailureTimeout)
	default:
		return Retryable(err, FailureError)
	}
}
