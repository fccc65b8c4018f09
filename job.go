package batch

import (
	"context"
	"time"
)

// Job is the capability a job definition exposes to producers: a stable
// type id and its default routing and retry options.
type Job interface {
	TypeID() string
	Options() JobOptions
}

// JobOptions are the per-type defaults applied when a job is published.
// Zero strings and durations inherit the producer's configuration.
type JobOptions struct {
	// Exchange the job is published to.
	Exchange string
	// RoutingKey associated to the job.
	RoutingKey string
	// MaxRetries is the number of retries after the first attempt.
	// A negative value inherits the producer default.
	MaxRetries int
	// Priority of published instances. Set it with WithDefaultPriority;
	// otherwise the producer's default priority applies.
	Priority    Priority
	prioritySet bool
	// Timeout allowed for one execution of the handler.
	Timeout time.Duration
	// Delay before a published instance becomes visible to workers.
	Delay time.Duration
}

// DefaultJobOptions returns options that inherit every producer default.
func DefaultJobOptions() JobOptions {
	return JobOptions{MaxRetries: -1, Priority: PriorityNormal}
}

// JobOption configures a job definition.
type JobOption func(*JobOptions)

// OnExchange sets the exchange the job is published to.
func OnExchange(name string) JobOption {
	return func(o *JobOptions) { o.Exchange = name }
}

// WithRoutingKey sets the routing key the job is published with.
func WithRoutingKey(key string) JobOption {
	return func(o *JobOptions) { o.RoutingKey = key }
}

// WithRetries sets how many times a failing job is retried.
func WithRetries(n int) JobOption {
	return func(o *JobOptions) { o.MaxRetries = n }
}

// WithDefaultPriority sets the priority of published instances.
func WithDefaultPriority(p Priority) JobOption {
	return func(o *JobOptions) {
		o.Priority = p
		o.prioritySet = true
	}
}

// WithTimeout bounds a single execution of the handler.
func WithTimeout(d time.Duration) JobOption {
	return func(o *JobOptions) { o.Timeout = d }
}

// WithDelay delays the first delivery of published instances.
func WithDelay(d time.Duration) JobOption {
	return func(o *JobOptions) { o.Delay = d }
}

// Definition is a typed job definition with a handler function.
// T is the payload type; it must be serializable by the configured Encoder.
type Definition[T any] struct {
	// Name is the type id used for dispatch.
	Name string
	// Handler processes one decoded payload.
	Handler func(ctx context.Context, payload T) error
	// Opts configures routing, retries, priority and timeout.
	Opts JobOptions
}

// NewJob creates a typed job definition.
func NewJob[T any](typeID string, handler func(ctx context.Context, payload T) error, opts ...JobOption) *Definition[T] {
	def := &Definition[T]{
		Name:    typeID,
		Handler: handler,
		Opts:    DefaultJobOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}

// TypeID returns the definition's type id.
func (d *Definition[T]) TypeID() string { return d.Name }

// Options returns the definition's publish defaults.
func (d *Definition[T]) Options() JobOptions { return d.Opts }

// Register binds a typed definition to m. The payload is decoded with the
// encoder matching the delivery's content type; a decoding failure is a
// *DecodeError and the job is dead-lettered without running the handler.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Register[T any](m *Mux, def *Definition[T]) error {
	if def == nil || def.Handler == nil {
		return &ConfigError{What: "register definition", Err: errNilDefinition}
	}
	return m.Handle(def.Name, func(ctx context.Context, payload []byte) error {
		var v T
		if err := m.decoderFor(ctx).Decode(payload, &v); err != nil {
			return &DecodeError{TypeID: def.Name, Err: err}
		}
		return def.Handler(ctx, v)
	})
}
