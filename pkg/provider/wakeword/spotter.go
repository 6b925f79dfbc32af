package wakeword

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/gemos/internal/resilience"
	"github.com/MrWong99/gemos/pkg/audio"
	"github.com/MrWong99/gemos/pkg/provider/stt"
	"github.com/MrWong99/gemos/pkg/provider/vad"
)

const (
	// DefaultWindow bounds the audio buffered for one evaluation.
	DefaultWindow = 2 * time.Second

	// DefaultEndSilence is the silence that ends a voiced burst.
	DefaultEndSilence = 300 * time.Millisecond

	// DefaultMinVoiced is the shortest burst worth transcribing.
	DefaultMinVoiced = 200 * time.Millisecond

	// DefaultTranscribeTimeout bounds one burst transcription, even for an
	// engine that ignores its context.
	DefaultTranscribeTimeout = 3 * time.Second
)

// Compile-time interface assertion.
var _ Detector = (*Spotter)(nil)

// SpotterOption configures a Spotter.
type SpotterOption func(*Spotter)

// WithWindow sets the maximum burst length. A full window is evaluated
// immediately.
func WithWindow(d time.Duration) SpotterOption {
	return func(s *Spotter) { s.window = d }
}

// WithEndSilence sets how much trailing silence ends a burst.
func WithEndSilence(d time.Duration) SpotterOption {
	return func(s *Spotter) { s.endSilence = d }
}

// WithMinVoiced sets the minimum voiced audio a burst needs to be
// transcribed.
func WithMinVoiced(d time.Duration) SpotterOption {
	return func(s *Spotter) { s.minVoiced = d }
}

// WithTranscribeTimeout bounds each burst transcription.
func WithTranscribeTimeout(d time.Duration) SpotterOption {
	return func(s *Spotter) { s.timeout = d }
}

// WithLanguage sets the language hint passed to the STT engine.
func WithLanguage(lang string) SpotterOption {
	return func(s *Spotter) { s.language = lang }
}

// Spotter is a keyword spotter built from a VAD, an STT engine and a
// PhraseMatcher. It buffers voiced frames into a bounded window and, at the
// end of each burst, transcribes the window and looks for a wake phrase.
// The window is cleared after every evaluation.
type Spotter struct {
	vad     vad.Detector
	engine  stt.Engine
	matcher *PhraseMatcher

	window     time.Duration
	endSilence time.Duration
	minVoiced  time.Duration
	timeout    time.Duration
	language   string

	mu      sync.Mutex
	buf     []int16
	rate    int
	voiced  time.Duration
	silence time.Duration
}

// NewSpotter creates a Spotter. All three collaborators are required.
func NewSpotter(detector vad.Detector, engine stt.Engine, matcher *PhraseMatcher, opts ...SpotterOption) (*Spotter, error) {
	if detector == nil || engine == nil || matcher == nil {
		return nil, errors.New("wakeword: spotter needs a VAD, an STT engine and a matcher")
	}
	s := &Spotter{
		vad:        detector,
		engine:     engine,
		matcher:    matcher,
		window:     DefaultWindow,
		endSilence: DefaultEndSilence,
		minVoiced:  DefaultMinVoiced,
		timeout:    DefaultTranscribeTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Name implements Detector.
func (s *Spotter) Name() string { return "spotter/" + s.engine.Name() }

// Reset implements Detector.
func (s *Spotter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Spotter) resetLocked() {
	s.buf = s.buf[:0]
	s.voiced = 0
	s.silence = 0
}

// Buffered returns the number of samples currently held.
func (s *Spotter) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Process implements Detector.
func (s *Spotter) Process(ctx context.Context, frame audio.Frame) (*Detection, error) {
	speech, err := s.vad.IsSpeech(frame)
	if err != nil {
		return nil, fmt.Errorf("wakeword: vad: %w", err)
	}

	s.mu.Lock()
	if s.rate != 0 && s.rate != frame.Rate() {
		s.resetLocked()
	}
	s.rate = frame.Rate()
	maxSamples := int(s.window.Seconds() * float64(s.rate))

	switch {
	case speech:
		s.silence = 0
		s.voiced += frame.Duration()
		s.buf = appendBounded(s.buf, frame.Samples, maxSamples)
	case len(s.buf) > 0:
		s.silence += frame.Duration()
		s.buf = appendBounded(s.buf, frame.Samples, maxSamples)
	default:
		s.mu.Unlock()
		return nil, nil
	}

	full := len(s.buf) >= maxSamples
	ended := !speech && s.silence >= s.endSilence
	if !full && !ended {
		s.mu.Unlock()
		return nil, nil
	}
	if s.voiced < s.minVoiced {
		s.resetLocked()
		s.mu.Unlock()
		return nil, nil
	}
	burst := append([]int16(nil), s.buf...)
	rate := s.rate
	matcher := s.matcher
	s.resetLocked()
	s.mu.Unlock()

	return s.evaluate(ctx, matcher, burst, rate, frame.Timestamp)
}

// SetMatcher swaps the phrase matcher, e.g. after the wake words were
// reloaded. A nil matcher is ignored.
func (s *Spotter) SetMatcher(m *PhraseMatcher) {
	if m == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matcher = m
}

// Matcher returns the phrase matcher in use.
func (s *Spotter) Matcher() *PhraseMatcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matcher
}

// evaluate transcribes one burst and matches the transcript.
func (s *Spotter) evaluate(ctx context.Context, matcher *PhraseMatcher, burst []int16, rate int, at time.Time) (*Detection, error) {
	req := stt.Request{Samples: burst, SampleRate: rate, Language: s.language}
	// Native engines cannot interrupt inference, so the bound is enforced
	// here rather than left to the engine's ctx handling.
	res, err := resilience.Call(ctx, s.timeout, func(ctx context.Context) (*stt.Result, error) {
		return s.engine.Transcribe(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("wakeword: transcribe burst: %w", err)
	}
	if res == nil || res.Text == "" {
		return nil, nil
	}
	m, ok := matcher.Match(res.Text)
	if !ok {
		slog.Debug("wakeword: burst without wake phrase", "transcript", res.Text)
		return nil, nil
	}
	return &Detection{
		Keyword:    m.Phrase,
		Confidence: m.Confidence,
		At:         at,
		Transcript: res.Text,
		Remainder:  m.Remainder,
	}, nil
}

// appendBounded appends samples to buf without growing it past max.
func appendBounded(buf, samples []int16, max int) []int16 {
	room := max - len(buf)
	if room <= 0 {
		return buf
	}
	if len(samples) > room {
		samples = samples[:room]
	}
	return append(buf, samples...)
}
