package speech

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/gemos/internal/resilience"
)

// named carries the registry name into fallback executions.
type named[E any] struct {
	name string
	eng  E
}

// Entry is one registered engine.
type Entry[E any] struct {
	Name        string
	Engine      E
	Available   bool
	QualityHint float64
	LatencyHint time.Duration
}

// Registry is an ordered name → engine mapping with one current engine. The
// fallback order is the registration order with the current engine moved to
// the front. Each engine is guarded by its own circuit breaker.
//
// A Registry is owned by one service; other packages only read it.
type Registry[E any] struct {
	group *resilience.FallbackGroup[named[E]]

	mu      sync.RWMutex
	meta    map[string]*Entry[E]
	current string
}

// NewRegistry returns an empty registry whose executions use cfg.
func NewRegistry[E any](cfg resilience.FallbackConfig) *Registry[E] {
	return &Registry[E]{
		group: resilience.NewFallbackGroup[named[E]](cfg),
		meta:  make(map[string]*Entry[E]),
	}
}

// Register adds an available engine. The first registered engine becomes
// current.
func (r *Registry[E]) Register(name string, eng E, quality float64, latency time.Duration) {
	r.group.Add(name, named[E]{name: name, eng: eng})

	r.mu.Lock()
	defer r.mu.Unlock()
	r.meta[name] = &Entry[E]{
		Name:        name,
		Engine:      eng,
		Available:   true,
		QualityHint: quality,
		LatencyHint: latency,
	}
	if r.current == "" {
		r.current = name
	}
}

// SetAvailable marks name as usable or not. The current engine cannot be made
// unavailable while another available engine exists; the next available one
// takes over. Returns false for an unknown name.
func (r *Registry[E]) SetAvailable(name string, available bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.meta[name]
	if !ok {
		return false
	}
	e.Available = available
	r.group.SetEnabled(name, available)
	if !available && r.current == name {
		for _, n := range r.group.Names() {
			if m := r.meta[n]; m != nil && m.Available {
				r.current = n
				break
			}
		}
	}
	return true
}

// Get returns a copy of the entry registered under name.
func (r *Registry[E]) Get(name string) (Entry[E], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.meta[name]
	if !ok {
		return Entry[E]{}, false
	}
	return *e, true
}

// Entries returns copies of all entries in registration order.
func (r *Registry[E]) Entries() []Entry[E] {
	names := r.group.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry[E], 0, len(names))
	for _, n := range names {
		if e, ok := r.meta[n]; ok {
			out = append(out, *e)
		}
	}
	return out
}

// Names returns every registered name in registration order.
func (r *Registry[E]) Names() []string {
	return r.group.Names()
}

// Available returns the names of available engines in registration order.
func (r *Registry[E]) Available() []string {
	var out []string
	for _, e := range r.Entries() {
		if e.Available {
			out = append(out, e.Name)
		}
	}
	return out
}

// Len returns the number of registered engines.
func (r *Registry[E]) Len() int {
	return r.group.Len()
}

// Current returns the name of the current engine, or "" when empty.
func (r *Registry[E]) Current() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// SetCurrent makes name the current engine. Only available, registered
// engines can become current.
func (r *Registry[E]) SetCurrent(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.meta[name]
	if !ok || !e.Available {
		return false
	}
	r.current = name
	return true
}

// Order returns the available engines in the order a call tries them: the
// current engine first, then the rest in registration order.
func (r *Registry[E]) Order() []string {
	cur := r.Current()
	avail := r.Available()
	out := make([]string, 0, len(avail))
	for _, n := range avail {
		if n == cur {
			out = append(out, n)
		}
	}
	for _, n := range avail {
		if n != cur {
			out = append(out, n)
		}
	}
	return out
}

// Breaker returns the circuit breaker guarding name, or nil.
func (r *Registry[E]) Breaker(name string) *resilience.CircuitBreaker {
	return r.group.Breaker(name)
}

// execute runs fn over the registry in [Registry.Order], passing the engine
// name alongside the engine.
func execute[E any, R any](ctx context.Context, r *Registry[E], fn func(ctx context.Context, name string, eng E) (R, error)) (R, []resilience.Attempt, error) {
	return resilience.ExecuteFrom(ctx, r.group, r.Current(), func(ctx context.Context, n named[E]) (R, error) {
		return fn(ctx, n.name, n.eng)
	})
}
