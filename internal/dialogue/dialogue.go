// Package dialogue turns a recognized utterance into a spoken reply.
//
// The [Handler] contract is the only consumer of final transcripts. [LLM] is
// the default implementation: it sends the system prompt, the recent
// transcript and the new utterance to an [llm.Provider] and returns the
// trimmed completion.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/gemos/internal/history"
	"github.com/MrWong99/gemos/internal/observe"
	"github.com/MrWong99/gemos/pkg/provider/llm"
)

// DefaultSystemPrompt frames the assistant for spoken, accessible replies.
const DefaultSystemPrompt = "You are GEM, a friendly voice assistant for people with visual " +
	"impairments. Answer in one to three short spoken sentences. Do not use " +
	"markdown, lists, emojis or URLs. Reply in the language the user speaks."

// Defaults for [LLMConfig].
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 256
	DefaultTimeout     = 20 * time.Second
)

// ErrEmptyReply is returned when the model produced no text.
var ErrEmptyReply = errors.New("dialogue: empty reply")

// Handler generates replies.
type Handler interface {
	// GenerateReply answers text given the recent transcript, oldest first.
	GenerateReply(ctx context.Context, text string, recent []history.Entry) (string, error)
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, text string, recent []history.Entry) (string, error)

// GenerateReply implements [Handler].
func (f HandlerFunc) GenerateReply(ctx context.Context, text string, recent []history.Entry) (string, error) {
	return f(ctx, text, recent)
}

// LLMConfig configures an [LLM] handler.
type LLMConfig struct {
	// SystemPrompt defaults to [DefaultSystemPrompt].
	SystemPrompt string

	// Temperature defaults to [DefaultTemperature]. Negative sends no
	// temperature so the backend default applies.
	Temperature float64

	// MaxTokens defaults to [DefaultMaxTokens].
	MaxTokens int

	// Timeout bounds one completion. Default: [DefaultTimeout].
	Timeout time.Duration

	// Metrics receives latency measurements. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

var _ Handler = (*LLM)(nil)

// LLM is a [Handler] backed by a chat completion model.
type LLM struct {
	provider llm.Provider
	cfg      LLMConfig
}

// NewLLM returns a handler that completes through p.
func NewLLM(p llm.Provider, cfg LLMConfig) *LLM {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.Temperature < 0 {
		cfg.Temperature = 0
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &LLM{provider: p, cfg: cfg}
}

// GenerateReply implements [Handler].
func (h *LLM) GenerateReply(ctx context.Context, text string, recent []history.Entry) (string, error) {
	ctx, span := observe.StartSpan(ctx, "dialogue.reply")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := h.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: h.cfg.SystemPrompt,
		Messages:     BuildMessages(text, recent),
		Temperature:  h.cfg.Temperature,
		MaxTokens:    h.cfg.MaxTokens,
	})
	elapsed := time.Since(start)
	h.cfg.Metrics.DialogueDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.Bool("error", err != nil)))
	if err != nil {
		observe.FailSpan(span, err)
		return "", fmt.Errorf("dialogue: complete: %w", err)
	}

	reply := ""
	if resp != nil {
		reply = strings.TrimSpace(resp.Content)
	}
	if reply == "" {
		return "", ErrEmptyReply
	}
	if resp.Usage.TotalTokens > 0 {
		span.SetAttributes(attribute.Int("tokens", resp.Usage.TotalTokens))
	}
	observe.Logger(ctx).Debug("dialogue: reply generated", "latency", elapsed, "chars", len(reply))
	return reply, nil
}

// BuildMessages converts the transcript into chat messages and appends text
// as the final user message. Entries with unknown roles or blank content are
// skipped.
func BuildMessages(text string, recent []history.Entry) []llm.Message {
	msgs := make([]llm.Message, 0, len(recent)+1)
	for _, e := range recent {
		if strings.TrimSpace(e.Content) == "" {
			continue
		}
		switch e.Role {
		case history.RoleUser:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: e.Content})
		case history.RoleAssistant:
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: e.Content})
		}
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: text})
}
