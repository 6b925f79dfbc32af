// Package whisper provides speech-to-text engines backed by whisper.cpp.
//
// Two engines are available:
//
//   - [Engine] talks to a running whisper-server binary over its REST API
//     (POST /inference) and needs no CGO.
//   - [NativeEngine] links the whisper.cpp library directly via the Go
//     bindings and loads the model in-process.
//
// Both accept one complete utterance per call and return segments, the
// detected language, and a confidence estimate.
//
// Usage:
//
//	e, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	res, err := e.Transcribe(ctx, stt.Request{Samples: pcm, SampleRate: 16000})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/gemos/pkg/audio"
	"github.com/MrWong99/gemos/pkg/provider/stt"
)

// Name is the registry name of the HTTP engine.
const Name = "whisper"

// DefaultConfidence is reported when the server response carries no
// per-segment log probabilities.
const DefaultConfidence = 0.85

const defaultTimeout = 30 * time.Second

// Compile-time assertion that Engine implements stt.Engine.
var _ stt.Engine = (*Engine)(nil)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with.
func WithModel(model string) Option {
	return func(e *Engine) { e.model = model }
}

// WithLanguage sets the default language sent to the server when a request
// carries none. Empty lets the server auto-detect.
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.language = lang }
}

// WithHTTPClient replaces the HTTP client. Defaults to a client with a 30 s
// timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		if c != nil {
			e.httpClient = c
		}
	}
}

// Engine implements stt.Engine backed by a whisper.cpp HTTP server.
type Engine struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates an Engine for the whisper.cpp HTTP server at serverURL
// (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Engine, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	e := &Engine{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Name implements stt.Engine.
func (e *Engine) Name() string { return Name }

// Warmup probes the server root so that an unreachable server keeps the
// engine out of the registry.
func (e *Engine) Warmup(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.serverURL+"/", nil)
	if err != nil {
		return fmt.Errorf("whisper: create probe request: %w", err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whisper: probe server: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("whisper: probe server: HTTP %d", resp.StatusCode)
	}
	return nil
}

// inferenceResponse is the verbose_json body of the whisper.cpp server.
type inferenceResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		Start      float64  `json:"start"`
		End        float64  `json:"end"`
		Text       string   `json:"text"`
		AvgLogprob *float64 `json:"avg_logprob"`
	} `json:"segments"`
}

// Transcribe encodes the utterance as WAV and POSTs it to /inference as
// multipart/form-data.
func (e *Engine) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	if len(req.Samples) == 0 {
		return nil, stt.ErrEmptyAudio
	}
	start := time.Now()

	wav, err := audio.EncodeWAV(req.Samples, req.Rate())
	if err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, fmt.Errorf("whisper: write wav data: %w", err)
	}
	fields := map[string]string{"response_format": "verbose_json"}
	lang := normalizeLanguage(req.Language)
	if lang == "" {
		lang = e.language
	}
	if lang != "" {
		fields["language"] = lang
	}
	if e.model != "" {
		fields["model"] = e.model
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.serverURL+"/inference", &body)
	if err != nil {
		return nil, fmt.Errorf("whisper: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	var parsed inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	res := &stt.Result{
		Text:           strings.TrimSpace(parsed.Text),
		Confidence:     DefaultConfidence,
		Language:       parsed.Language,
		Engine:         Name,
		ProcessingTime: time.Since(start),
	}
	if res.Language == "" {
		res.Language = req.Language
	}

	var (
		logprobSum float64
		logprobN   int
	)
	for _, s := range parsed.Segments {
		res.Segments = append(res.Segments, stt.Segment{
			Start: time.Duration(s.Start * float64(time.Second)),
			End:   time.Duration(s.End * float64(time.Second)),
			Text:  strings.TrimSpace(s.Text),
		})
		if s.AvgLogprob != nil {
			logprobSum += *s.AvgLogprob
			logprobN++
		}
	}
	if logprobN > 0 {
		res.Confidence = math.Exp(logprobSum / float64(logprobN))
	}
	return res, nil
}

// Close implements stt.Engine. The HTTP engine holds no resources.
func (e *Engine) Close() error {
	e.httpClient.CloseIdleConnections()
	return nil
}
