package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned by [Call] when fn does not return within the
// timeout. It wraps [context.DeadlineExceeded].
var ErrTimeout = fmt.Errorf("resilience: call timed out: %w", context.DeadlineExceeded)

// ErrEnginePanic is returned by [Call] when fn panics. The panic value is
// part of the message.
var ErrEnginePanic = errors.New("resilience: engine panicked")

// Call runs fn with a context bounded by timeout and returns as soon as fn
// returns, the timeout elapses, or ctx is done, whichever comes first. fn runs
// on its own goroutine so an engine that ignores its context cannot hold the
// caller past the deadline; such a goroutine finishes in the background and
// its result is discarded.
//
// A timeout <= 0 calls fn on the caller's goroutine. A panic in fn is
// recovered on either path and returned as [ErrEnginePanic].
func Call[R any](ctx context.Context, timeout time.Duration, fn func(context.Context) (R, error)) (R, error) {
	if timeout <= 0 {
		return guarded(ctx, fn)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		val R
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := guarded(callCtx, fn)
		done <- outcome{v, err}
	}()

	var zero R
	select {
	case o := <-done:
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, ErrTimeout
		}
		return o.val, o.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, ErrTimeout
	}
}

// guarded runs fn and converts a panic into an error.
func guarded[R any](ctx context.Context, fn func(context.Context) (R, error)) (v R, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero R
			v, err = zero, fmt.Errorf("%w: %v", ErrEnginePanic, r)
		}
	}()
	return fn(ctx)
}
