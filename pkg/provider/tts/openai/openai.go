// Package openai provides a TTS engine backed by the OpenAI speech API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/gemos/pkg/audio"
	"github.com/MrWong99/gemos/pkg/provider/tts"
)

// Name is the registry name of the engine.
const Name = "openai"

var _ tts.Engine = (*Engine)(nil)

// builtinVoices are the voices offered by the speech API. The API does not
// expose a catalogue endpoint.
var builtinVoices = []tts.Voice{
	{ID: "alloy", Name: "Alloy", Gender: "", Styles: []string{"natural"}},
	{ID: "echo", Name: "Echo", Gender: "male"},
	{ID: "fable", Name: "Fable", Gender: "male"},
	{ID: "onyx", Name: "Onyx", Gender: "male"},
	{ID: "nova", Name: "Nova", Gender: "female", Styles: []string{"natural"}},
	{ID: "shimmer", Name: "Shimmer", Gender: "female", Styles: []string{"soft", "calm"}},
}

type config struct {
	baseURL string
	model   string
	voice   string
	timeout time.Duration
}

// Option is a functional option for Engine.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel sets the speech model. Defaults to "tts-1".
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithDefaultVoice sets the voice used when a request names none. Defaults
// to "nova".
func WithDefaultVoice(voice string) Option {
	return func(c *config) { c.voice = voice }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Engine implements tts.Engine using the OpenAI API.
type Engine struct {
	client oai.Client
	model  string
	voice  string
}

// New constructs a new OpenAI TTS Engine.
func New(apiKey string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	cfg := &config{model: string(oai.SpeechModelTTS1), voice: "nova"}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return &Engine{
		client: oai.NewClient(reqOpts...),
		model:  cfg.model,
		voice:  cfg.voice,
	}, nil
}

// Name implements tts.Engine.
func (e *Engine) Name() string { return Name }

// Voices returns the fixed voice list of the speech API. The voices are
// multilingual, so Language is left empty.
func (e *Engine) Voices(context.Context) ([]tts.Voice, error) {
	return append([]tts.Voice(nil), builtinVoices...), nil
}

// buildParams converts a Request into SDK params.
func (e *Engine) buildParams(req tts.Request) oai.AudioSpeechNewParams {
	voice := req.Voice
	if voice == "" {
		voice = e.voice
	}
	// The API accepts speeds in [0.25, 4.0]; SpeedFactor stays inside it.
	return oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(e.model),
		Input:          strings.TrimSpace(req.Text),
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatWAV,
		Speed:          oai.Float(tts.SpeedFactor(req.EffectiveRate())),
	}
}

// Synthesize implements tts.Engine.
func (e *Engine) Synthesize(ctx context.Context, req tts.Request) (*tts.Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, tts.ErrEmptyText
	}
	resp, err := e.client.Audio.Speech.New(ctx, e.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("openai: speech: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read speech: %w", err)
	}
	_, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	return &tts.Audio{Data: data, SampleRate: rate, Format: "wav"}, nil
}

// Close implements tts.Engine.
func (e *Engine) Close() error { return nil }
