package hctx

import "context"

// Job describes the job currently executing.
type Job struct {
	ID         string
	TypeID     string
	Queue      string
	Attempt    int
	MaxRetries int
}

// State holds per-execution, handler-provided metadata that the runtime
// can capture after handler returns.
type State struct {
	Job Job
	// ContentType of the payload, used by typed handlers to pick a decoder.
	ContentType string
	Progress    int
	Result      []byte
}

// New creates a fresh handler state container for job j.
func New(j Job) *State { return &State{Job: j} }

type ctxKey struct{}

// WithState returns a child context carrying the given handler state.
func WithState(parent context.Context, s *State) context.Context {
	return context.WithValue(parent, ctxKey{}, s)
}

// From extracts the handler state from context if present.
func From(ctx context.Context) (*State, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	st, ok := v.(*State)
	return st, ok
}
