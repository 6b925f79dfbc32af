package resilience

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/MrWong99/gemos/pkg/provider/llm"
)

// ErrEmptyReply is recorded against a backend that answered with no text.
// Nothing could be spoken from such a reply, so the next backend is tried.
var ErrEmptyReply = errors.New("resilience: empty llm reply")

// LLMFallback is an [llm.Provider] that fails over across several backends.
// The primary is always tried first; every backend sits behind its own
// circuit breaker.
type LLMFallback struct {
	group   *FallbackGroup[llm.Provider]
	primary string
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback wraps primary under primaryName.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	g := NewFallbackGroup[llm.Provider](cfg)
	g.Add(primaryName, primary)
	return &LLMFallback{group: g, primary: primaryName}
}

// AddFallback appends a backend tried after the primary, in call order.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.Add(name, provider)
}

// Backends returns all backend names, primary first.
func (f *LLMFallback) Backends() []string { return f.group.Names() }

// Available returns the backends whose breaker currently lets calls through.
func (f *LLMFallback) Available() []string {
	var out []string
	for _, name := range f.group.Names() {
		if !f.group.Enabled(name) {
			continue
		}
		if cb := f.group.Breaker(name); cb != nil && cb.State() == StateOpen {
			continue
		}
		out = append(out, name)
	}
	return out
}

// Complete implements [llm.Provider].
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, attempts, err := ExecuteFrom(ctx, f.group, f.primary, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		r, err := p.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		if r == nil || strings.TrimSpace(r.Content) == "" {
			return nil, ErrEmptyReply
		}
		return r, nil
	})
	if err == nil && len(attempts) > 1 {
		slog.Info("llm reply served by fallback",
			"backend", attempts[len(attempts)-1].Name, "attempts", len(attempts))
	}
	return resp, err
}
