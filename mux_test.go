package batch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMux_MiddlewareOrder(t *testing.T) {
	m := NewMux()

	order := []int{}
	mw1 := func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, b []byte) error {
			order = append(order, 1)
			return next(ctx, b)
		}
	}
	mw2 := func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, b []byte) error {
			order = append(order, 2)
			return next(ctx, b)
		}
	}
	m.Use(mw1)
	m.Use(mw2)

	called := 0
	require.NoError(t, m.Handle("t", func(ctx context.Context, b []byte) error { called++; return nil }))

	out := m.Dispatch(context.Background(), &Envelope{TypeID: "t"})
	require.True(t, out.OK())
	require.Equal(t, 1, called)
	// middleware applied in registration order: mw1 outer, then mw2
	require.Equal(t, []int{1, 2}, order)
}

func TestMux_DuplicateType(t *testing.T) {
	m := NewMux()
	h := func(context.Context, []byte) error { return nil }
	require.NoError(t, m.Handle("t", h))

	err := m.Handle("t", h)
	require.ErrorIs(t, err, ErrDuplicateType)
	require.ErrorIs(t, err, ErrInvalidConfig)

	require.Error(t, m.Handle("", h))
	require.Error(t, m.Handle("x", nil))
	require.Equal(t, []string{"t"}, m.TypeIDs())
}

func TestMux_UnknownTypeIsFatal(t *testing.T) {
	out := NewMux().Dispatch(context.Background(), &Envelope{TypeID: "nope"})
	require.Equal(t, OutcomeFatal, out.Kind)
	require.Equal(t, FailureUnknownType, out.Failure)
	require.ErrorIs(t, out.Err, ErrUnknownType)
}

func TestMux_Classification(t *testing.T) {
	m := NewMux()
	require.NoError(t, m.Handle("err", func(context.Context, []byte) error { return errors.New("boom") }))
	require.NoError(t, m.Handle("fatal", func(context.Context, []byte) error { return NonRetryable(errors.New("bad input")) }))
	require.NoError(t, m.Handle("panic", func(context.Context, []byte) error { panic("kaboom") }))
	require.NoError(t, m.Handle("slow", func(ctx context.Context, _ []byte) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, m.Handle("wrapped", func(context.Context, []byte) error {
		return fmt.Errorf("upstream: %w", context.DeadlineExceeded)
	}))

	tests := []struct {
		typeID  string
		timeout time.Duration
		kind    OutcomeKind
		failure Failure
	}{
		{"err", 0, OutcomeRetryable, FailureError},
		{"fatal", 0, OutcomeFatal, FailureError},
		{"panic", 0, OutcomeRetryable, FailureCrash},
		{"slow", 20 * time.Millisecond, OutcomeRetryable, FailureTimeout},
		{"wrapped", time.Minute, OutcomeRetryable, FailureError},
	}
	for _, tt := range tests {
		t.Run(tt.typeID, func(t *testing.T) {
			out := m.Dispatch(context.Background(), &Envelope{TypeID: tt.typeID, Timeout: tt.timeout})
			assert.Equal(t, tt.kind, out.Kind)
			assert.Equal(t, tt.failure, out.Failure)
			assert.NotEmpty(t, out.Reason())
		})
	}
}

func TestRegister_TypedDecode(t *testing.T) {
	m := NewMux()
	var got encPayload
	def := NewJob("typed", func(_ context.Context, p encPayload) error {
		got = p
		return nil
	})
	require.NoError(t, Register(m, def))

	body, err := (&MsgpackEncoder{}).Encode(encPayload{A: 3, B: "z"})
	require.NoError(t, err)
	out := m.Dispatch(context.Background(), &Envelope{TypeID: "typed", ContentType: ContentTypeMsgpack, Payload: body})
	require.True(t, out.OK(), "%v", out.Err)
	require.Equal(t, encPayload{A: 3, B: "z"}, got)

	out = m.Dispatch(context.Background(), &Envelope{TypeID: "typed", ContentType: ContentTypeJSON, Payload: []byte("{")})
	require.Equal(t, OutcomeFatal, out.Kind)
	require.Equal(t, FailureDecode, out.Failure)
	var de *DecodeError
	require.ErrorAs(t, out.Err, &de)
	require.Equal(t, "typed", de.TypeID)
}

func TestRegister_NilDefinition(t *testing.T) {
	require.ErrorIs(t, Register[encPayload](NewMux(), nil), ErrInvalidConfig)
}
