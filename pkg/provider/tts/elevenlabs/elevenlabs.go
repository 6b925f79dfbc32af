// Package elevenlabs provides an ElevenLabs-backed TTS engine using the
// ElevenLabs stream-input WebSocket API.
//
// The whole request text is sent in one message followed by a flush; the
// PCM chunks that come back are collected until the final message and then
// wrapped in a WAV container.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/gemos/pkg/audio"
	"github.com/MrWong99/gemos/pkg/provider/tts"
)

// Name is the registry name of the engine.
const Name = "elevenlabs"

const (
	defaultWSBase    = "wss://api.elevenlabs.io"
	defaultAPIBase   = "https://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

var (
	_ tts.Engine = (*Engine)(nil)
	_ tts.Warmer = (*Engine)(nil)
)

// Option is a functional option for configuring the ElevenLabs Engine.
type Option func(*Engine)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(e *Engine) { e.model = model }
}

// WithOutputFormat sets the PCM output format ("pcm_16000", "pcm_22050",
// "pcm_24000" or "pcm_44100").
func WithOutputFormat(format string) Option {
	return func(e *Engine) { e.outputFormat = format }
}

// WithDefaultVoice sets the voice used when a request names none.
func WithDefaultVoice(voiceID string) Option {
	return func(e *Engine) { e.defaultVoice = voiceID }
}

// WithBaseURLs overrides the WebSocket and REST base URLs. Used in tests.
func WithBaseURLs(wsBase, apiBase string) Option {
	return func(e *Engine) {
		e.wsBase = strings.TrimRight(wsBase, "/")
		e.apiBase = strings.TrimRight(apiBase, "/")
	}
}

// Engine implements tts.Engine backed by the ElevenLabs streaming API.
type Engine struct {
	apiKey       string
	model        string
	outputFormat string
	defaultVoice string
	wsBase       string
	apiBase      string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Engine. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	e := &Engine{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		wsBase:       defaultWSBase,
		apiBase:      defaultAPIBase,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(e)
	}
	if _, err := sampleRateOf(e.outputFormat); err != nil {
		return nil, err
	}
	return e, nil
}

// Name implements tts.Engine.
func (e *Engine) Name() string { return Name }

// Warmup lists voices to verify the API key.
func (e *Engine) Warmup(ctx context.Context) error {
	_, err := e.Voices(ctx)
	return err
}

// sampleRateOf parses the rate out of a "pcm_<rate>" output format.
func sampleRateOf(format string) (int, error) {
	rate, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: unsupported output format %q", format)
	}
	n, err := strconv.Atoi(rate)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("elevenlabs: unsupported output format %q", format)
	}
	return n, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent for each text fragment. An empty Text
// flushes the stream.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// boiMessage is the initial "begin of input" message.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// buildURL constructs the stream-input WebSocket URL for a voice.
func (e *Engine) buildURL(voiceID string) string {
	q := url.Values{}
	q.Set("model_id", e.model)
	q.Set("output_format", e.outputFormat)
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?%s", e.wsBase, url.PathEscape(voiceID), q.Encode())
}

// Synthesize implements tts.Engine.
func (e *Engine) Synthesize(ctx context.Context, req tts.Request) (*tts.Audio, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, tts.ErrEmptyText
	}
	voiceID := req.Voice
	if voiceID == "" {
		voiceID = e.defaultVoice
	}
	if voiceID == "" {
		return nil, errors.New("elevenlabs: voice ID must not be empty")
	}
	rate, err := sampleRateOf(e.outputFormat)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, e.buildURL(voiceID), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	conn.SetReadLimit(8 << 20)

	speed := min(max(tts.SpeedFactor(req.EffectiveRate()), 0.7), 1.2)
	msgs := []any{
		boiMessage{
			Text:          " ",
			VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75, Speed: speed},
			XiAPIKey:      e.apiKey,
		},
		textMessage{Text: text + " "},
		textMessage{Text: ""},
	}
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("elevenlabs: marshal message: %w", err)
		}
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			return nil, fmt.Errorf("elevenlabs: write: %w", err)
		}
	}

	var pcm []byte
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && len(pcm) > 0 {
				break
			}
			return nil, fmt.Errorf("elevenlabs: read: %w", err)
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("elevenlabs: %s: %s", resp.Error, resp.Message)
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				return nil, fmt.Errorf("elevenlabs: decode audio: %w", err)
			}
			pcm = append(pcm, chunk...)
		}
		if resp.IsFinal {
			break
		}
	}
	if len(pcm) == 0 {
		return nil, errors.New("elevenlabs: no audio received")
	}

	data, err := audio.EncodeWAV(audio.BytesToInt16(pcm), rate)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %w", err)
	}
	return &tts.Audio{Data: data, SampleRate: rate, Format: "wav"}, nil
}

// ---- Voices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID     string            `json:"voice_id"`
	Name        string            `json:"name"`
	Category    string            `json:"category"`
	Description string            `json:"description"`
	Labels      map[string]string `json:"labels"`
}

// Voices returns all voices available for the configured API key.
func (e *Engine) Voices(ctx context.Context) ([]tts.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.apiBase+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return convertVoices(vr.Voices), nil
}

// convertVoices maps API voices to tts.Voice. The "descriptive" and
// "use_case" labels become styles.
func convertVoices(in []elevenLabsVoice) []tts.Voice {
	voices := make([]tts.Voice, 0, len(in))
	for _, v := range in {
		out := tts.Voice{
			ID:          v.VoiceID,
			Name:        v.Name,
			Language:    v.Labels["language"],
			Gender:      tts.NormalizeGender(v.Labels["gender"]),
			Description: v.Description,
		}
		if out.Description == "" {
			out.Description = v.Labels["description"]
		}
		for _, key := range []string{"descriptive", "use_case"} {
			if s := v.Labels[key]; s != "" {
				out.Styles = append(out.Styles, s)
			}
		}
		voices = append(voices, out)
	}
	return voices
}

// Close implements tts.Engine.
func (e *Engine) Close() error {
	e.httpClient.CloseIdleConnections()
	return nil
}
