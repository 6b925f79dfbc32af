package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails, is
// disabled, or has an open circuit breaker.
var ErrAllFailed = errors.New("resilience: all engines failed")

// ErrNoEntries is returned when a [FallbackGroup] has no enabled entries.
var ErrNoEntries = errors.New("resilience: no engines registered")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for the per-entry breakers. Name is
	// replaced by the entry name.
	CircuitBreaker CircuitBreakerConfig

	// Timeout bounds every single attempt. Zero means no per-attempt bound
	// beyond the caller's context.
	Timeout time.Duration
}

// Attempt describes one try against one entry of a [FallbackGroup].
type Attempt struct {
	Name    string
	Err     error
	Elapsed time.Duration
}

// fallbackEntry pairs a named value with its dedicated circuit breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	enabled bool
	breaker *CircuitBreaker
}

// FallbackGroup holds named values of the same type in registration order,
// each guarded by its own circuit breaker. An execution starts at a chosen
// entry and continues with the remaining entries in registration order.
//
// FallbackGroup is safe for concurrent use.
type FallbackGroup[T any] struct {
	mu      sync.RWMutex
	entries []*fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates an empty [FallbackGroup].
func NewFallbackGroup[T any](cfg FallbackConfig) *FallbackGroup[T] {
	return &FallbackGroup[T]{cfg: cfg}
}

// Add appends an enabled entry. Adding a name twice replaces the value and
// resets its breaker while keeping its position.
func (fg *FallbackGroup[T]) Add(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	e := &fallbackEntry[T]{
		name:    name,
		value:   value,
		enabled: true,
		breaker: NewCircuitBreaker(cbCfg),
	}

	fg.mu.Lock()
	defer fg.mu.Unlock()
	for i, old := range fg.entries {
		if old.name == name {
			fg.entries[i] = e
			return
		}
	}
	fg.entries = append(fg.entries, e)
}

// SetEnabled includes or excludes name from executions. Returns false for an
// unknown name.
func (fg *FallbackGroup[T]) SetEnabled(name string, enabled bool) bool {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	for _, e := range fg.entries {
		if e.name == name {
			e.enabled = enabled
			return true
		}
	}
	return false
}

// Enabled reports whether name is registered and enabled.
func (fg *FallbackGroup[T]) Enabled(name string) bool {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	for _, e := range fg.entries {
		if e.name == name {
			return e.enabled
		}
	}
	return false
}

// Get returns the value registered under name.
func (fg *FallbackGroup[T]) Get(name string) (T, bool) {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	for _, e := range fg.entries {
		if e.name == name {
			return e.value, true
		}
	}
	var zero T
	return zero, false
}

// Breaker returns the circuit breaker of name, or nil.
func (fg *FallbackGroup[T]) Breaker(name string) *CircuitBreaker {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	for _, e := range fg.entries {
		if e.name == name {
			return e.breaker
		}
	}
	return nil
}

// Names returns all entry names in registration order.
func (fg *FallbackGroup[T]) Names() []string {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	out := make([]string, 0, len(fg.entries))
	for _, e := range fg.entries {
		out = append(out, e.name)
	}
	return out
}

// Len returns the number of entries.
func (fg *FallbackGroup[T]) Len() int {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	return len(fg.entries)
}

// order returns the enabled entries starting with first, followed by the rest
// in registration order. An empty or unknown first keeps registration order.
func (fg *FallbackGroup[T]) order(first string) []*fallbackEntry[T] {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	out := make([]*fallbackEntry[T], 0, len(fg.entries))
	for _, e := range fg.entries {
		if e.name == first && e.enabled {
			out = append(out, e)
		}
	}
	for _, e := range fg.entries {
		if e.name != first && e.enabled {
			out = append(out, e)
		}
	}
	return out
}

// Execute tries fn against each enabled entry, starting at first, until one
// succeeds. See [ExecuteFrom].
func (fg *FallbackGroup[T]) Execute(ctx context.Context, first string, fn func(context.Context, T) error) ([]Attempt, error) {
	_, attempts, err := ExecuteFrom(ctx, fg, first, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, v)
	})
	return attempts, err
}

// ExecuteFrom tries fn against each enabled entry, starting at first and
// continuing in registration order, until one returns a nil error. Each
// attempt runs through the entry's circuit breaker and is bounded by the
// configured Timeout via [Call]. Entries whose breaker is open are skipped.
//
// The attempts slice records every entry tried; on success the last attempt
// is the winner. When every entry fails the error wraps [ErrAllFailed] and the
// last attempt error. A done ctx stops the chain early.
//
// This is a package-level function because Go does not support method-level
// type parameters.
func ExecuteFrom[T any, R any](ctx context.Context, fg *FallbackGroup[T], first string, fn func(context.Context, T) (R, error)) (R, []Attempt, error) {
	var (
		zero     R
		lastErr  error
		attempts []Attempt
	)
	entries := fg.order(first)
	if len(entries) == 0 {
		return zero, nil, ErrNoEntries
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return zero, attempts, fmt.Errorf("%w: %w", ErrAllFailed, err)
		}

		var result R
		start := time.Now()
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = Call(ctx, fg.cfg.Timeout, func(ctx context.Context) (R, error) {
				return fn(ctx, entry.value)
			})
			return innerErr
		})
		attempts = append(attempts, Attempt{Name: entry.name, Err: err, Elapsed: time.Since(start)})
		if err == nil {
			return result, attempts, nil
		}

		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping engine (circuit open)", "engine", entry.name)
		} else {
			slog.Warn("engine failed, trying next",
				"engine", entry.name, "error", err)
		}
	}
	return zero, attempts, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
