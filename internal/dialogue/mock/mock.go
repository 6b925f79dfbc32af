// Package mock provides a test double for [dialogue.Handler].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/gemos/internal/dialogue"
	"github.com/MrWong99/gemos/internal/history"
)

var _ dialogue.Handler = (*Handler)(nil)

// Call records one GenerateReply invocation.
type Call struct {
	Text   string
	Recent []history.Entry
}

// Handler returns Reply or Err and records every call.
type Handler struct {
	mu sync.Mutex

	Reply string
	Err   error

	// ReplyFunc, if set, overrides Reply and Err.
	ReplyFunc func(ctx context.Context, text string) (string, error)

	Calls []Call
}

// GenerateReply implements [dialogue.Handler].
func (h *Handler) GenerateReply(ctx context.Context, text string, recent []history.Entry) (string, error) {
	h.mu.Lock()
	h.Calls = append(h.Calls, Call{Text: text, Recent: append([]history.Entry(nil), recent...)})
	fn, reply, err := h.ReplyFunc, h.Reply, h.Err
	h.mu.Unlock()

	if fn != nil {
		return fn(ctx, text)
	}
	return reply, err
}

// CallCount returns how many times GenerateReply was called.
func (h *Handler) CallCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.Calls)
}
