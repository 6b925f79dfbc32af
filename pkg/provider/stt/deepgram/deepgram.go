// Package deepgram provides a Deepgram-backed STT engine using the
// pre-recorded REST API. Each utterance is uploaded as a WAV body and the
// best alternative of the first channel is returned.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/gemos/pkg/audio"
	"github.com/MrWong99/gemos/pkg/provider/stt"
)

// Name is the registry name of the engine.
const Name = "deepgram"

const (
	defaultEndpoint = "https://api.deepgram.com/v1/listen"
	defaultModel    = "nova-3"
	defaultTimeout  = 30 * time.Second
)

var _ stt.Engine = (*Engine)(nil)

// Option is a functional option for configuring the Deepgram Engine.
type Option func(*Engine)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(e *Engine) { e.model = model }
}

// WithLanguage sets the default BCP-47 language. When empty, and a request
// carries no language either, Deepgram detects it.
func WithLanguage(language string) Option {
	return func(e *Engine) { e.language = language }
}

// WithKeywords boosts recognition of the given terms, such as wake phrases.
func WithKeywords(keywords ...string) Option {
	return func(e *Engine) { e.keywords = append(e.keywords, keywords...) }
}

// WithEndpoint overrides the REST endpoint. Used in tests.
func WithEndpoint(endpoint string) Option {
	return func(e *Engine) { e.endpoint = endpoint }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		if c != nil {
			e.httpClient = c
		}
	}
}

// Engine implements stt.Engine backed by the Deepgram REST API.
type Engine struct {
	apiKey     string
	model      string
	language   string
	keywords   []string
	endpoint   string
	httpClient *http.Client
}

// New creates a new Deepgram Engine. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	e := &Engine{
		apiKey:     apiKey,
		model:      defaultModel,
		endpoint:   defaultEndpoint,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Name implements stt.Engine.
func (e *Engine) Name() string { return Name }

// buildURL constructs the endpoint URL for a request in language lang.
func (e *Engine) buildURL(lang string) (string, error) {
	u, err := url.Parse(e.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", e.model)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	if lang != "" {
		q.Set("language", lang)
	} else {
		q.Set("detect_language", "true")
	}
	for _, kw := range e.keywords {
		q.Add("keywords", kw)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// listenResponse is the subset of the Deepgram response that is used.
type listenResponse struct {
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
				Words      []struct {
					Word           string  `json:"word"`
					Start          float64 `json:"start"`
					End            float64 `json:"end"`
					PunctuatedWord string  `json:"punctuated_word"`
				} `json:"words"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe uploads the utterance and returns Deepgram's top alternative.
func (e *Engine) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	if len(req.Samples) == 0 {
		return nil, stt.ErrEmptyAudio
	}
	start := time.Now()

	lang := req.Language
	if lang == "" {
		lang = e.language
	}
	endpoint, err := e.buildURL(lang)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	wav, err := audio.EncodeWAV(req.Samples, req.Rate())
	if err != nil {
		return nil, fmt.Errorf("deepgram: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(wav))
	if err != nil {
		return nil, fmt.Errorf("deepgram: create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Token "+e.apiKey)
	httpReq.Header.Set("Content-Type", "audio/wav")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("deepgram: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("deepgram: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed listenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("deepgram: parse response: %w", err)
	}

	res := &stt.Result{
		Engine:   Name,
		Language: lang,
	}
	if len(parsed.Results.Channels) > 0 {
		ch := parsed.Results.Channels[0]
		if ch.DetectedLanguage != "" {
			res.Language = ch.DetectedLanguage
		}
		if len(ch.Alternatives) > 0 {
			alt := ch.Alternatives[0]
			res.Text = strings.TrimSpace(alt.Transcript)
			res.Confidence = alt.Confidence
			for _, w := range alt.Words {
				text := w.PunctuatedWord
				if text == "" {
					text = w.Word
				}
				res.Segments = append(res.Segments, stt.Segment{
					Start: time.Duration(w.Start * float64(time.Second)),
					End:   time.Duration(w.End * float64(time.Second)),
					Text:  text,
				})
			}
		}
	}
	res.ProcessingTime = time.Since(start)
	return res, nil
}

// Close implements stt.Engine.
func (e *Engine) Close() error {
	e.httpClient.CloseIdleConnections()
	return nil
}
