// Package mock provides a test double for [stt.Engine].
//
// Engine records every Transcribe call and returns either a scripted result,
// a scripted error, or the output of TranscribeFunc. It can also block until
// its context is done to simulate a hung backend.
//
// Example:
//
//	eng := &mock.Engine{EngineName: "offline", Result: &stt.Result{Text: "hello"}}
//	res, err := eng.Transcribe(ctx, stt.Request{Samples: pcm})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/gemos/pkg/provider/stt"
)

// Compile-time interface assertions.
var (
	_ stt.Engine = (*Engine)(nil)
	_ stt.Warmer = (*Engine)(nil)
)

// Engine is a mock implementation of [stt.Engine].
type Engine struct {
	mu sync.Mutex

	// EngineName is returned by Name.
	EngineName string

	// Result is returned by Transcribe when Err is nil. A copy is returned
	// with Engine set to EngineName if empty.
	Result *stt.Result

	// Err is returned by Transcribe when non-nil.
	Err error

	// TranscribeFunc, if set, overrides Result and Err.
	TranscribeFunc func(ctx context.Context, req stt.Request) (*stt.Result, error)

	// Hang makes Transcribe block until ctx is done.
	Hang bool

	// WarmupErr is returned by Warmup.
	WarmupErr error

	// Calls records every request passed to Transcribe.
	Calls []stt.Request

	// CloseCount records how many times Close was called.
	CloseCount int
}

// Name implements [stt.Engine].
func (e *Engine) Name() string { return e.EngineName }

// Transcribe records the request and returns the scripted outcome.
func (e *Engine) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	e.mu.Lock()
	e.Calls = append(e.Calls, req)
	fn, hang, res, err := e.TranscribeFunc, e.Hang, e.Result, e.Err
	e.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &stt.Result{Engine: e.EngineName}, nil
	}
	out := *res
	if out.Engine == "" {
		out.Engine = e.EngineName
	}
	return &out, nil
}

// Warmup implements [stt.Warmer].
func (e *Engine) Warmup(context.Context) error {
	return e.WarmupErr
}

// Close records the call.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CloseCount++
	return nil
}

// CallCount returns how many times Transcribe was called.
func (e *Engine) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Calls)
}

// Reset clears recorded calls.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls = nil
	e.CloseCount = 0
}
