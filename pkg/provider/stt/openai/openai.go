// Package openai provides an STT engine backed by the OpenAI audio
// transcription API.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/gemos/pkg/audio"
	"github.com/MrWong99/gemos/pkg/provider/stt"
)

// Name is the registry name of the engine.
const Name = "openai"

// DefaultConfidence is reported for every result. The transcription API
// returns no confidence score.
const DefaultConfidence = 0.8

var _ stt.Engine = (*Engine)(nil)

// config holds optional configuration for the engine.
type config struct {
	baseURL string
	model   string
	timeout time.Duration
	prompt  string
}

// Option is a functional option for Engine.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel sets the transcription model. Defaults to "whisper-1".
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithPrompt sets a prompt that biases recognition toward expected
// vocabulary.
func WithPrompt(prompt string) Option {
	return func(c *config) { c.prompt = prompt }
}

// Engine implements stt.Engine using the OpenAI API.
type Engine struct {
	client oai.Client
	model  string
	prompt string
}

// New constructs a new OpenAI STT Engine.
func New(apiKey string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	cfg := &config{model: string(oai.AudioModelWhisper1)}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Engine{
		client: oai.NewClient(reqOpts...),
		model:  cfg.model,
		prompt: cfg.prompt,
	}, nil
}

// Name implements stt.Engine.
func (e *Engine) Name() string { return Name }

// buildParams converts a Request into SDK params. wav is the encoded
// utterance.
func (e *Engine) buildParams(req stt.Request, wav []byte) oai.AudioTranscriptionNewParams {
	params := oai.AudioTranscriptionNewParams{
		File:           oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model:          oai.AudioModel(e.model),
		ResponseFormat: oai.AudioResponseFormatJSON,
	}
	if lang := primaryLanguage(req.Language); lang != "" {
		params.Language = oai.String(lang)
	}
	if e.prompt != "" {
		params.Prompt = oai.String(e.prompt)
	}
	return params
}

// Transcribe implements stt.Engine.
func (e *Engine) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	if len(req.Samples) == 0 {
		return nil, stt.ErrEmptyAudio
	}
	start := time.Now()

	wav, err := audio.EncodeWAV(req.Samples, req.Rate())
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	resp, err := e.client.Audio.Transcriptions.New(ctx, e.buildParams(req, wav))
	if err != nil {
		return nil, fmt.Errorf("openai: transcription: %w", err)
	}

	return &stt.Result{
		Text:           strings.TrimSpace(resp.Text),
		Confidence:     DefaultConfidence,
		Language:       req.Language,
		Engine:         Name,
		ProcessingTime: time.Since(start),
	}, nil
}

// Close implements stt.Engine.
func (e *Engine) Close() error { return nil }

// primaryLanguage returns the ISO-639-1 part of a BCP-47 tag.
func primaryLanguage(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		return tag[:i]
	}
	return tag
}
