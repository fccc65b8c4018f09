package batch

import "time"

type options struct {
	id          string
	delay       time.Duration
	delaySet    bool
	maxRetries  int
	retriesSet  bool
	priority    Priority
	prioritySet bool
	timeout     time.Duration
	timeoutSet  bool
	exchange    string
	routingKey  string
	nonBlocking bool
	unique      bool
}

// Option is a function that configures a single Publish call.
type Option func(*options)

// JobID sets a custom ID for the job. If not provided, a random UUID will be generated.
func JobID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// Delay schedules the job to be delivered after the specified duration.
func Delay(d time.Duration) Option {
	return func(o *options) {
		o.delay = d
		o.delaySet = true
	}
}

// MaxRetries sets how many times the job is retried after its first attempt.
func MaxRetries(n int) Option {
	return func(o *options) {
		o.maxRetries = n
		o.retriesSet = true
	}
}

// WithPriority sets the broker priority of the job.
func WithPriority(p Priority) Option {
	return func(o *options) {
		o.priority = p
		o.prioritySet = true
	}
}

// Timeout bounds a single execution of the job. Zero disables the limit.
func Timeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
		o.timeoutSet = true
	}
}

// Exchange overrides the exchange the job is published to.
func Exchange(name string) Option {
	return func(o *options) {
		o.exchange = name
	}
}

// RoutingKey overrides the routing key the job is published with.
func RoutingKey(key string) Option {
	return func(o *options) {
		o.routingKey = key
	}
}

// NonBlocking makes Publish fail with ErrNotConnected instead of waiting
// while the broker connection is down, and with ErrBlocked while the broker
// blocks publishing.
func NonBlocking() Option {
	return func(o *options) {
		o.nonBlocking = true
	}
}

// Unique rejects the publish with ErrDuplicateJob if the job ID was already
// published to the same queue. It requires a Tracker.
func Unique() Option {
	return func(o *options) {
		o.unique = true
	}
}
