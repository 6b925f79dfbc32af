// This file contains the NativeEngine implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/gemos/pkg/audio"
	"github.com/MrWong99/gemos/pkg/provider/stt"
)

// NativeName is the registry name of the native engine.
const NativeName = "whisper-native"

// DefaultNativeConfidence is reported when whisper.cpp returns no token
// probabilities for a transcription.
const DefaultNativeConfidence = 0.9

// whisperRate is the only sample rate whisper.cpp accepts.
const whisperRate = 16000

// Compile-time assertion that NativeEngine satisfies stt.Engine.
var _ stt.Engine = (*NativeEngine)(nil)

// NativeEngine implements stt.Engine using the whisper.cpp Go bindings. The
// model is loaded once and shared; every Transcribe call creates its own
// whisper context, so calls may run concurrently.
type NativeEngine struct {
	model    whisperlib.Model
	language string
	threads  uint
	prompt   string

	closeOnce sync.Once
	closeErr  error
}

// NativeOption is a functional option for configuring a NativeEngine.
type NativeOption func(*NativeEngine)

// WithNativeLanguage sets the default language ("en", "pt", or "auto").
// Defaults to "auto".
func WithNativeLanguage(lang string) NativeOption {
	return func(e *NativeEngine) { e.language = lang }
}

// WithNativeThreads sets the number of inference threads. Defaults to the
// number of CPUs.
func WithNativeThreads(n int) NativeOption {
	return func(e *NativeEngine) {
		if n > 0 {
			e.threads = uint(n)
		}
	}
}

// WithNativePrompt sets an initial prompt that biases recognition toward
// expected vocabulary, such as the assistant's name.
func WithNativePrompt(prompt string) NativeOption {
	return func(e *NativeEngine) { e.prompt = prompt }
}

// NewNative loads the whisper.cpp model at modelPath. The caller must call
// Close when the engine is no longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeEngine, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	e := &NativeEngine{
		model:    model,
		language: "auto",
		threads:  uint(runtime.NumCPU()),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Name implements stt.Engine.
func (e *NativeEngine) Name() string { return NativeName }

// Transcribe runs whisper.cpp over the whole buffer. Audio at other rates is
// resampled to 16 kHz first. Inference itself cannot be interrupted; ctx is
// checked before inference and between segments.
func (e *NativeEngine) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	if len(req.Samples) == 0 {
		return nil, stt.ErrEmptyAudio
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}
	start := time.Now()

	samples := audio.ToFloat32(audio.Resample(req.Samples, req.Rate(), whisperRate))

	wctx, err := e.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w", err)
	}

	lang := normalizeLanguage(req.Language)
	if lang == "" {
		lang = e.language
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using auto", "language", lang, "err", err)
		_ = wctx.SetLanguage("auto")
	}
	wctx.SetThreads(e.threads)
	if e.prompt != "" {
		wctx.SetInitialPrompt(e.prompt)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: process audio: %w", err)
	}

	var (
		parts    []string
		segments []stt.Segment
		probSum  float64
		probN    int
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("whisper: %w", err)
		}
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		segments = append(segments, stt.Segment{Start: seg.Start, End: seg.End, Text: text})
		for _, tok := range seg.Tokens {
			if strings.HasPrefix(tok.Text, "[") || strings.HasPrefix(tok.Text, "<|") {
				continue
			}
			probSum += float64(tok.P)
			probN++
		}
	}

	confidence := DefaultNativeConfidence
	if probN > 0 {
		confidence = probSum / float64(probN)
	}
	detected := wctx.DetectedLanguage()
	if detected == "" {
		detected = req.Language
	}

	return &stt.Result{
		Text:           strings.Join(parts, " "),
		Confidence:     confidence,
		Language:       detected,
		Engine:         NativeName,
		ProcessingTime: time.Since(start),
		Segments:       segments,
	}, nil
}

// Close releases the whisper model.
func (e *NativeEngine) Close() error {
	e.closeOnce.Do(func() {
		if e.model != nil {
			e.closeErr = e.model.Close()
		}
	})
	return e.closeErr
}

// normalizeLanguage reduces a BCP-47 tag to the two-letter code whisper
// expects ("pt-BR" → "pt").
func normalizeLanguage(tag string) string {
	tag = strings.TrimSpace(strings.ToLower(tag))
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return tag
}
