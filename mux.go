package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/UniQw/batch-go/internal/hctx"
)

// HandlerFunc is the function signature for processing a job payload.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Middleware is a function that wraps a HandlerFunc to provide cross-cutting concerns.
type Middleware func(HandlerFunc) HandlerFunc

type handler struct {
	exec HandlerFunc
}

// Mux is the job registry: it routes jobs to their handlers by type id.
// Register every type before starting a Worker; a type id can be bound once.
type Mux struct {
	mu          sync.RWMutex
	handlers    map[string]handler
	encoder     Encoder
	middlewares []Middleware
}

// NewMux creates a new job Mux.
func NewMux() *Mux {
	return &Mux{
		handlers:    make(map[string]handler),
		encoder:     &JSONEncoder{},
		middlewares: []Middleware{},
	}
}

// SetEncoder sets the fallback encoder used by typed handlers when a delivery
// carries no recognised content type.
func (m *Mux) SetEncoder(enc Encoder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if enc != nil {
		m.encoder = enc
	}
}

// Handle registers a handler for a specific job type. It returns a
// *ConfigError wrapping ErrDuplicateType if the type is already bound.
func (m *Mux) Handle(typeID string, fn HandlerFunc) error {
	if typeID == "" {
		return &ConfigError{What: "register handler", Err: errors.New("empty type id")}
	}
	if fn == nil {
		return &ConfigError{What: "register " + typeID, Err: errors.New("nil handler")}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[typeID]; ok {
		return &ConfigError{What: "register " + typeID, Err: ErrDuplicateType}
	}
	m.handlers[typeID] = handler{exec: fn}
	return nil
}

// Use adds middleware(s) to the mux. Middlewares are executed in the order they are added.
func (m *Mux) Use(mw Middleware) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.middlewares = append(m.middlewares, mw)
}

// TypeIDs returns the registered job types in sorted order.
func (m *Mux) TypeIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.handlers))
	for id := range m.handlers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Dispatch executes the handler registered for env.TypeID and classifies the
// result. It never panics: unknown types are fatal, handler panics and
// timeouts are retryable, and handlers opt into fatal failures with
// NonRetryable.
func (m *Mux) Dispatch(ctx context.Context, env *Envelope) Outcome {
	m.mu.RLock()
	h, ok := m.handlers[env.TypeID]
	m.mu.RUnlock()
	if !ok {
		return Fatal(fmt.Errorf("%w %q", ErrUnknownType, env.TypeID), FailureUnknownType)
	}

	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		st = hctx.New(hctx.Job{ID: env.ID, TypeID: env.TypeID, Attempt: env.Attempt, MaxRetries: env.MaxRetries})
		ctx = hctx.WithState(ctx, st)
	}
	st.ContentType = env.ContentType

	jobCtx := ctx
	if env.Timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, env.Timeout)
		defer cancel()
	}

	err := m.execute(jobCtx, m.wrapHandler(h.exec), env.Payload)
	var pe *panicError
	if errors.As(err, &pe) {
		return Retryable(err, FailureCrash)
	}
	return classify(jobCtx, err)
}

func (m *Mux) execute(ctx context.Context, fn HandlerFunc, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return fn(ctx, payload)
}

func (m *Mux) wrapHandler(h HandlerFunc) HandlerFunc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.middlewares) - 1; i >= 0; i-- {
		h = m.middlewares[i](h)
	}
	return h
}

func (m *Mux) decoderFor(ctx context.Context) Encoder {
	m.mu.RLock()
	fallback := m.encoder
	m.mu.RUnlock()
	if st, ok := hctx.From(ctx); ok && st != nil {
		return EncoderFor(st.ContentType, fallback)
	}
	return fallback
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }
