package batch

import (
	"errors"
	"fmt"
)

// ErrDuplicateType is returned when a job type is registered twice on the same Mux.
var ErrDuplicateType = errors.New("batch: duplicate job type")

// ErrUnknownType is the failure reason for deliveries whose type has no registered handler.
var ErrUnknownType = errors.New("batch: unknown job type")

// ErrNotConnected is returned by fail-fast operations while the broker connection is down.
var ErrNotConnected = errors.New("batch: not connected")

// ErrClosed is returned by operations on a closed Connection, Producer or Worker.
var ErrClosed = errors.New("batch: closed")

// ErrBlocked is returned by non-blocking publishes while the broker has blocked the connection.
var ErrBlocked = errors.New("batch: broker blocked publishing")

// ErrPublishNotConfirmed is returned when the broker did not confirm a publish in time.
var ErrPublishNotConfirmed = errors.New("batch: publish not confirmed")

// ErrPublishNacked is returned when the broker explicitly refused a publish.
var ErrPublishNacked = errors.New("batch: publish nacked by broker")

// ErrInvalidPriority is returned when parsing an unknown priority name.
var ErrInvalidPriority = errors.New("batch: invalid priority")

// ErrInvalidTopology is returned when a topology declaration is malformed.
var ErrInvalidTopology = errors.New("batch: invalid topology")

// ErrInvalidConfig is matched by every *ConfigError.
var ErrInvalidConfig = errors.New("batch: invalid configuration")

// ErrDuplicateJob is returned when a unique publish reuses a reserved job ID.
var ErrDuplicateJob = errors.New("batch: duplicate job id")

// ErrJobNotFound is returned when the tracker holds no status for a job.
var ErrJobNotFound = errors.New("batch: job not found")

// ErrUnknownStatus is returned when parsing an invalid status.
var ErrUnknownStatus = errors.New("batch: unknown status")

// ConfigError reports a configuration mistake detected at startup: duplicate
// registrations, malformed topology or invalid settings. It is not recoverable.
type ConfigError struct {
	What string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("batch: configuration error: %s: %v", e.What, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Is makes every ConfigError match ErrInvalidConfig.
func (e *ConfigError) Is(target error) bool { return target == ErrInvalidConfig }

// DecodeError reports a payload or envelope that cannot be decoded. It is
// permanent: redelivering the same bytes can never succeed.
type DecodeError struct {
	TypeID string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.TypeID == "" {
		return fmt.Sprintf("batch: decode envelope: %v", e.Err)
	}
	return fmt.Sprintf("batch: decode payload of %q: %v", e.TypeID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// PublishError wraps every failure surfaced by Producer.Publish.
type PublishError struct {
	Op  string
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("batch: publish: %s: %v", e.Op, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

type nonRetryableError struct{ err error }

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks err as fatal: the job is dead-lettered instead of retried.
// It returns nil when err is nil.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err, or any error it wraps, was marked with NonRetryable.
func IsNonRetryable(err error) bool {
	var nr *nonRetryableError
	return errors.As(err, &nr)
}

var errNilDefinition = errors.New("nil definition or handler")
