// Package coqui provides a TTS engine backed by a locally running Coqui TTS
// server.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): targets the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is performed via GET /api/tts with
//     URL query parameters; the voice catalogue is retrieved from GET /details.
//
//   - APIModeXTTS: targets the Coqui XTTS v2 API server. Synthesis is
//     performed via POST /tts_to_audio/ with a JSON body; the voice catalogue
//     is retrieved from GET /studio_speakers.
//
// Typical usage:
//
//	e, err := coqui.New("http://localhost:5002", coqui.WithLanguage("pt"))
//	a, err := e.Synthesize(ctx, tts.Request{Text: "Olá"})
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/MrWong99/gemos/pkg/audio"
	"github.com/MrWong99/gemos/pkg/provider/tts"
)

// Name is the registry name of the engine.
const Name = "coqui"

// Compile-time interface assertions.
var (
	_ tts.Engine = (*Engine)(nil)
	_ tts.Warmer = (*Engine)(nil)
)

const (
	defaultLanguage        = "en"
	defaultTimeout         = 30 * time.Second
	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"
)

// APIMode selects which Coqui server API the engine targets.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	APIModeStandard APIMode = "standard"
)

// Option is a functional option for configuring a Coqui Engine.
type Option func(*Engine)

// WithLanguage sets the language code sent to the TTS server when a request
// carries none. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.language = lang }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.httpClient.Timeout = d }
}

// WithAPIMode sets the server API mode.
func WithAPIMode(mode APIMode) Option {
	return func(e *Engine) { e.apiMode = mode }
}

// WithDefaultSpeaker sets the speaker used when a request names no voice.
// Required for XTTS mode unless every request carries a voice.
func WithDefaultSpeaker(id string) Option {
	return func(e *Engine) { e.defaultSpeaker = id }
}

// Engine implements tts.Engine backed by a Coqui TTS server. It is safe for
// concurrent use.
type Engine struct {
	serverURL      string
	language       string
	defaultSpeaker string
	httpClient     *http.Client
	apiMode        APIMode
}

// New creates an Engine that targets the TTS server at serverURL
// (e.g., "http://localhost:5002"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Engine, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	e := &Engine{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		apiMode:   APIModeStandard,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Name implements tts.Engine.
func (e *Engine) Name() string { return Name }

// Warmup fetches the voice catalogue so that an unreachable server keeps the
// engine out of the registry.
func (e *Engine) Warmup(ctx context.Context) error {
	_, err := e.Voices(ctx)
	return err
}

// ttsRequest is the JSON body sent to POST /tts_to_audio/ (XTTS mode).
type ttsRequest struct {
	Text       string  `json:"text"`
	SpeakerWav string  `json:"speaker_wav"`
	Language   string  `json:"language"`
	Speed      float64 `json:"speed,omitempty"`
}

// studioSpeakersResponse represents the map[name]any returned by
// GET /studio_speakers. Only the keys are used.
type studioSpeakersResponse map[string]json.RawMessage

// detailsResponse is the JSON body returned by GET /details (standard mode).
// Speakers is nil for single-speaker models.
type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// Synthesize implements tts.Engine.
func (e *Engine) Synthesize(ctx context.Context, req tts.Request) (*tts.Audio, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, tts.ErrEmptyText
	}
	speaker := req.Voice
	if speaker == "" {
		speaker = e.defaultSpeaker
	}
	lang := primaryLanguage(req.Language)
	if lang == "" {
		lang = e.language
	}

	var (
		httpReq *http.Request
		err     error
		path    string
	)
	if e.apiMode == APIModeXTTS {
		if speaker == "" {
			return nil, errors.New("coqui: a voice is required in XTTS mode")
		}
		path = ttsEndpoint
		body, merr := json.Marshal(ttsRequest{
			Text:       text,
			SpeakerWav: speaker,
			Language:   lang,
			Speed:      tts.SpeedFactor(req.EffectiveRate()),
		})
		if merr != nil {
			return nil, fmt.Errorf("coqui: marshal tts request: %w", merr)
		}
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, e.serverURL+path, bytes.NewReader(body))
		if err == nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
	} else {
		path = apiTTSEndpoint
		params := url.Values{}
		params.Set("text", text)
		if speaker != "" {
			params.Set("speaker_id", speaker)
		}
		if lang != "" {
			params.Set("language_id", lang)
		}
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, e.serverURL+path+"?"+params.Encode(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	httpReq.Header.Set("Accept", "audio/wav")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", httpReq.Method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s returned status %d", httpReq.Method, path, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	_, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	return &tts.Audio{Data: data, SampleRate: rate, Format: "wav"}, nil
}

// Voices retrieves the voices available on the server.
//
// In APIModeXTTS, it calls GET /studio_speakers. In APIModeStandard, it
// calls GET /details and returns one voice per speaker for multi-speaker
// models, or a single voice named after the model.
func (e *Engine) Voices(ctx context.Context) ([]tts.Voice, error) {
	if e.apiMode == APIModeStandard {
		return e.voicesStandard(ctx)
	}
	return e.voicesXTTS(ctx)
}

// getJSON issues a GET against the server and decodes the JSON body into v.
func (e *Engine) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.serverURL+path, nil)
	if err != nil {
		return fmt.Errorf("coqui: create list-voices request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coqui: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coqui: GET %s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("coqui: decode %s: %w", path, err)
	}
	return nil
}

func (e *Engine) voicesXTTS(ctx context.Context) ([]tts.Voice, error) {
	var raw studioSpeakersResponse
	if err := e.getJSON(ctx, studioSpeakersEndpoint, &raw); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	voices := make([]tts.Voice, 0, len(names))
	for _, name := range names {
		voices = append(voices, tts.Voice{
			ID:          name,
			Name:        name,
			Language:    e.language,
			Styles:      []string{"natural"},
			Description: "XTTS studio speaker",
		})
	}
	return voices, nil
}

func (e *Engine) voicesStandard(ctx context.Context) ([]tts.Voice, error) {
	var details detailsResponse
	if err := e.getJSON(ctx, detailsEndpoint, &details); err != nil {
		return nil, err
	}
	lang := details.Language
	if lang == "" {
		lang = e.language
	}

	if len(details.Speakers) > 0 {
		speakers := append([]string(nil), details.Speakers...)
		sort.Strings(speakers)

		voices := make([]tts.Voice, 0, len(speakers))
		for _, spk := range speakers {
			voices = append(voices, tts.Voice{
				ID:          spk,
				Name:        spk,
				Language:    lang,
				Description: details.ModelName,
			})
		}
		return voices, nil
	}

	name := details.ModelName
	if name == "" {
		name = "default"
	}
	// Single-speaker models take no speaker_id, so the voice ID stays empty.
	return []tts.Voice{{Name: name, Language: lang, Description: name}}, nil
}

// Close implements tts.Engine.
func (e *Engine) Close() error {
	e.httpClient.CloseIdleConnections()
	return nil
}

// primaryLanguage returns the primary subtag of a BCP-47 tag.
func primaryLanguage(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		return tag[:i]
	}
	return tag
}
