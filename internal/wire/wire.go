// Package wire maps job envelopes onto AMQP messages.
// It is kept internal so header names do not leak into the public API.
package wire

import (
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Header names carried on every job message.
const (
	HeaderAttempt    = "x-batch-attempt"
	HeaderMaxRetries = "x-batch-max-retries"
	HeaderTimeoutMs  = "x-batch-timeout-ms"
	HeaderEnqueuedAt = "x-batch-enqueued-at"

	// Set on dead-lettered copies only.
	HeaderFailure  = "x-batch-failure"
	HeaderError    = "x-batch-error"
	HeaderFailedAt = "x-batch-failed-at"
	HeaderQueue    = "x-batch-original-queue"
)

var (
	errMissingType   = errors.New("missing type")
	errMissingHeader = errors.New("missing header")
	errBadHeader     = errors.New("malformed header")
)

// Envelope is the wire record wrapping a job for transport.
type Envelope struct {
	// ID is the job identifier (AMQP MessageId).
	ID string
	// TypeID selects the handler (AMQP Type).
	TypeID string
	// Payload holds the encoded job payload (message body).
	Payload []byte
	// ContentType names the payload codec.
	ContentType string
	// Attempt starts at 0 and is incremented on each retry the library schedules.
	Attempt int
	// MaxRetries bounds Attempt; the job is dead-lettered once Attempt reaches it.
	MaxRetries int
	// Priority is the AMQP priority (0..4).
	Priority uint8
	// Timeout bounds a single execution. Zero means no limit.
	Timeout time.Duration
	// EnqueuedAt is when the job was first published.
	EnqueuedAt time.Time
}

// Publishing converts the envelope into a persistent AMQP message.
func (e *Envelope) Publishing() amqp.Publishing {
	h := amqp.Table{
		HeaderAttempt:    int64(e.Attempt),
		HeaderMaxRetries: int64(e.MaxRetries),
		HeaderEnqueuedAt: e.EnqueuedAt.UnixMilli(),
	}
	if e.Timeout > 0 {
		h[HeaderTimeoutMs] = e.Timeout.Milliseconds()
	}
	return amqp.Publishing{
		Headers:      h,
		ContentType:  e.ContentType,
		DeliveryMode: amqp.Persistent,
		Priority:     e.Priority,
		MessageId:    e.ID,
		Timestamp:    e.EnqueuedAt,
		Type:         e.TypeID,
		Body:         e.Payload,
	}
}

// Decode rebuilds an envelope from a delivery. Missing or malformed metadata
// is reported as an error; the caller treats it as permanent.
func Decode(d *amqp.Delivery) (*Envelope, error) {
	if d.Type == "" {
		return nil, errMissingType
	}
	attempt, err := intHeader(d.Headers, HeaderAttempt, true)
	if err != nil {
		return nil, err
	}
	maxRetries, err := intHeader(d.Headers, HeaderMaxRetries, true)
	if err != nil {
		return nil, err
	}
	if attempt < 0 || maxRetries < 0 {
		return nil, fmt.Errorf("%w: negative attempt or max retries", errBadHeader)
	}
	timeoutMs, err := intHeader(d.Headers, HeaderTimeoutMs, false)
	if err != nil {
		return nil, err
	}
	enqueuedMs, err := intHeader(d.Headers, HeaderEnqueuedAt, false)
	if err != nil {
		return nil, err
	}
	enqueuedAt := d.Timestamp
	if enqueuedMs > 0 {
		enqueuedAt = time.UnixMilli(enqueuedMs)
	}
	return &Envelope{
		ID:          d.MessageId,
		TypeID:      d.Type,
		Payload:     d.Body,
		ContentType: d.ContentType,
		Attempt:     int(attempt),
		MaxRetries:  int(maxRetries),
		Priority:    d.Priority,
		Timeout:     time.Duration(timeoutMs) * time.Millisecond,
		EnqueuedAt:  enqueuedAt,
	}, nil
}

// intHeader reads an integer header. AMQP tables may carry any integer width
// depending on the publishing client.
func intHeader(t amqp.Table, key string, required bool) (int64, error) {
	v, ok := t[key]
	if !ok || v == nil {
		if required {
			return 0, fmt.Errorf("%w %s", errMissingHeader, key)
		}
		return 0, nil
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("%w %s: %T", errBadHeader, key, v)
	}
}

// DeadLetter copies d into a persistent message annotated with why it failed.
// The original headers, including attempt counters, are preserved.
func DeadLetter(d *amqp.Delivery, failure, reason, queue string, at time.Time) amqp.Publishing {
	h := make(amqp.Table, len(d.Headers)+4)
	for k, v := range d.Headers {
		h[k] = v
	}
	h[HeaderFailure] = failure
	h[HeaderError] = reason
	h[HeaderFailedAt] = at.UnixMilli()
	h[HeaderQueue] = queue
	return amqp.Publishing{
		Headers:         h,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    amqp.Persistent,
		Priority:        d.Priority,
		CorrelationId:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		AppId:           d.AppId,
		Body:            d.Body,
	}
}
