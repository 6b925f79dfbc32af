package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/gemos/internal/observe"
	"github.com/MrWong99/gemos/internal/resilience"
	"github.com/MrWong99/gemos/pkg/audio"
	"github.com/MrWong99/gemos/pkg/provider/tts"
)

// Synthesizer defaults.
const (
	DefaultTTSTimeout   = 10 * time.Second
	DefaultPauseBetween = 500 * time.Millisecond

	// EmergencyBoost scales rate and volume of emergency requests.
	EmergencyBoost = 1.3

	// SlowSpeechFactor scales the configured rate when slow speech is on.
	SlowSpeechFactor = 0.8
)

// ErrNoSink is reported by Speak when no audio sink is configured.
var ErrNoSink = errors.New("speech: no audio sink configured")

// SynthesizerConfig configures a [Synthesizer].
type SynthesizerConfig struct {
	// Preferred names the engine to make current. Empty uses the first engine
	// that initializes in [TTSPreference] order.
	Preferred string

	// Engines lists the engine factories in configuration order.
	Engines []EngineSpec[tts.Engine]

	// Timeout bounds each synthesis call. Playback is bounded by Timeout plus
	// the clip length. Default: [DefaultTTSTimeout].
	Timeout time.Duration

	// Rate in words per minute. Default: [tts.DefaultRate].
	Rate int

	// Volume in [0, 1]. Default: [tts.DefaultVolume].
	Volume float64

	// Language is the default request language.
	Language string

	// Voice steers voice selection. An empty Voice.Language uses Language.
	Voice VoicePrefs

	// PauseBetween delays normal-priority speech. Zero uses
	// [DefaultPauseBetween]; negative disables the pause.
	PauseBetween time.Duration

	// SlowSpeech scales the rate by [SlowSpeechFactor].
	SlowSpeech bool

	// Sink plays synthesized audio for Speak.
	Sink audio.Sink

	// Breaker is the template for the per-engine circuit breakers.
	Breaker resilience.CircuitBreakerConfig

	// Metrics receives engine metrics. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// SynthesisResult is the outcome of one synthesis.
type SynthesisResult struct {
	// Success is true when an engine produced audio (and, for Speak, the
	// audio was played).
	Success bool

	// Engine names the engine that produced the audio.
	Engine string

	// AudioWritten is true when the audio reached its file or writer.
	AudioWritten bool

	// Err describes the failure, if any.
	Err error
}

// Synthesizer speaks text with the current engine and falls back through the
// other registered engines on failure.
//
// All methods are safe for concurrent use. At most one Speak is in flight at
// a time.
type Synthesizer struct {
	cfg     SynthesizerConfig
	reg     *Registry[tts.Engine]
	stats   *statsBook
	metrics *observe.Metrics

	voiceMu sync.RWMutex
	voices  map[string][]tts.Voice
	chosen  map[string]tts.Voice

	speakMu sync.Mutex

	initOnce  sync.Once
	initErr   error
	ready     chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewSynthesizer returns an uninitialized Synthesizer.
func NewSynthesizer(cfg SynthesizerConfig) *Synthesizer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTTSTimeout
	}
	if cfg.Rate <= 0 {
		cfg.Rate = tts.DefaultRate
	}
	if cfg.Volume <= 0 {
		cfg.Volume = tts.DefaultVolume
	}
	if cfg.PauseBetween == 0 {
		cfg.PauseBetween = DefaultPauseBetween
	}
	if cfg.Voice.Language == "" {
		cfg.Voice.Language = cfg.Language
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Synthesizer{
		cfg: cfg,
		// Synthesis and playback carry their own timeouts.
		reg:     NewRegistry[tts.Engine](resilience.FallbackConfig{CircuitBreaker: cfg.Breaker}),
		stats:   newStatsBook(),
		metrics: cfg.Metrics,
		voices:  make(map[string][]tts.Voice),
		chosen:  make(map[string]tts.Voice),
		ready:   make(chan struct{}),
	}
}

// Initialize constructs the configured engines and resolves each engine's
// voice list once. It fails with [ErrNoEngines] only when none of the
// engines initializes. Calls after the first return the first call's result.
func (s *Synthesizer) Initialize(ctx context.Context) error {
	s.initOnce.Do(func() {
		s.initErr = initEngines(ctx, "tts", s.reg, s.cfg.Engines, s.cfg.Preferred, TTSPreference)
		if s.initErr != nil {
			return
		}
		for _, e := range s.reg.Entries() {
			s.loadVoices(ctx, e.Name, e.Engine)
		}
		slog.Info("speech: synthesizer ready",
			"current", s.reg.Current(), "engines", s.reg.Names())
		close(s.ready)
	})
	return s.initErr
}

// loadVoices caches the voice list of one engine and picks its default voice.
func (s *Synthesizer) loadVoices(ctx context.Context, name string, eng tts.Engine) {
	voices, err := resilience.Call(ctx, s.cfg.Timeout, eng.Voices)
	if err != nil {
		slog.Warn("speech: could not list voices, using engine default",
			"engine", name, "error", err)
		return
	}
	s.voiceMu.Lock()
	defer s.voiceMu.Unlock()
	s.voices[name] = voices
	if v, ok := SelectVoice(voices, s.cfg.Voice); ok {
		s.chosen[name] = v
		slog.Debug("speech: selected voice", "engine", name, "voice", v.ID, "language", v.Language)
	}
}

func (s *Synthesizer) initialized() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// Voices returns the cached voice list of engine name.
func (s *Synthesizer) Voices(name string) []tts.Voice {
	s.voiceMu.RLock()
	defer s.voiceMu.RUnlock()
	return append([]tts.Voice(nil), s.voices[name]...)
}

// SelectedVoice returns the default voice picked for engine name.
func (s *Synthesizer) SelectedVoice(name string) (tts.Voice, bool) {
	s.voiceMu.RLock()
	defer s.voiceMu.RUnlock()
	v, ok := s.chosen[name]
	return v, ok
}

// voiceFor returns the voice ID engine name should use for lang. An empty
// result leaves the choice to the engine.
func (s *Synthesizer) voiceFor(name, lang string) string {
	s.voiceMu.RLock()
	defer s.voiceMu.RUnlock()
	if lang == "" || normLang(lang) == normLang(s.cfg.Voice.Language) {
		return s.chosen[name].ID
	}
	prefs := s.cfg.Voice
	prefs.Language = lang
	v, _ := SelectVoice(s.voices[name], prefs)
	return v.ID
}

// prepare fills request defaults and applies the emergency boost.
func (s *Synthesizer) prepare(req tts.Request) tts.Request {
	if req.Rate <= 0 {
		req.Rate = s.cfg.Rate
		if s.cfg.SlowSpeech {
			req.Rate = int(math.Round(float64(req.Rate) * SlowSpeechFactor))
		}
	}
	if req.Volume <= 0 {
		req.Volume = s.cfg.Volume
	}
	if req.Language == "" {
		req.Language = s.cfg.Language
	}
	if req.Priority == tts.PriorityEmergency {
		req.Rate = int(math.Round(float64(req.Rate) * EmergencyBoost))
		req.Volume = min(1, req.Volume*EmergencyBoost)
	}
	return req
}

// deliverFunc consumes synthesized audio inside the fallback chain. An error
// moves on to the next engine.
type deliverFunc func(ctx context.Context, a *tts.Audio) error

// synthesize runs req through the fallback chain.
func (s *Synthesizer) synthesize(ctx context.Context, req tts.Request, deliver deliverFunc) (*tts.Audio, SynthesisResult) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, SynthesisResult{Err: tts.ErrEmptyText}
	}
	if !s.initialized() {
		return nil, SynthesisResult{Err: ErrNotInitialized}
	}
	req = s.prepare(req)

	ctx, span := observe.StartSpan(ctx, "speech.synthesize")
	defer span.End()
	span.SetAttributes(attribute.String("priority", req.Priority.String()))

	a, attempts, err := execute(ctx, s.reg, func(ctx context.Context, name string, eng tts.Engine) (*tts.Audio, error) {
		r := req
		if r.Voice == "" {
			r.Voice = s.voiceFor(name, r.Language)
		}
		a, err := resilience.Call(ctx, s.cfg.Timeout, func(ctx context.Context) (*tts.Audio, error) {
			return eng.Synthesize(ctx, r)
		})
		if err != nil {
			return nil, err
		}
		if a == nil || len(a.Data) == 0 {
			return nil, fmt.Errorf("%s: no audio", name)
		}
		if deliver != nil {
			if err := deliver(ctx, a); err != nil {
				return nil, fmt.Errorf("%s: deliver: %w", name, err)
			}
		}
		return a, nil
	})
	s.record(ctx, attempts)

	if err != nil {
		observe.Logger(ctx).Error("speech: all tts engines failed", "attempts", len(attempts), "error", err)
		observe.FailSpan(span, err)
		return nil, SynthesisResult{Err: fmt.Errorf("%w: %w", ErrAllEnginesFailed, err)}
	}

	winner := attempts[len(attempts)-1]
	s.metrics.TTSDuration.Record(ctx, winner.Elapsed.Seconds(),
		metric.WithAttributes(attribute.String("engine", winner.Name)))
	span.SetAttributes(attribute.String("engine", winner.Name))
	return a, SynthesisResult{Success: true, Engine: winner.Name}
}

// record updates stats and metrics for every attempt that reached an engine.
func (s *Synthesizer) record(ctx context.Context, attempts []resilience.Attempt) {
	for _, a := range attempts {
		if errors.Is(a.Err, resilience.ErrCircuitOpen) {
			continue
		}
		if a.Err != nil {
			s.stats.failure(a.Name, a.Elapsed)
			s.metrics.RecordProviderRequest(ctx, a.Name, "tts", "error")
			s.metrics.RecordProviderError(ctx, a.Name, "tts")
			continue
		}
		s.stats.success(a.Name, a.Elapsed, 0)
		s.metrics.RecordProviderRequest(ctx, a.Name, "tts", "ok")
	}
}

// Speak synthesizes text at normal priority and plays it.
func (s *Synthesizer) Speak(ctx context.Context, text string) bool {
	return s.SpeakRequest(ctx, tts.Request{Text: text, Priority: tts.PriorityNormal})
}

// SpeakRequest synthesizes and plays req and reports whether some engine
// succeeded. Blank text returns false without touching any engine.
func (s *Synthesizer) SpeakRequest(ctx context.Context, req tts.Request) bool {
	return s.SpeakResult(ctx, req).Success
}

// SpeakResult is SpeakRequest with the full outcome.
//
// Normal requests wait PauseBetween first. Emergency requests skip the pause
// and are spoken faster and louder. Either way only one request plays at a
// time.
func (s *Synthesizer) SpeakResult(ctx context.Context, req tts.Request) SynthesisResult {
	if strings.TrimSpace(req.Text) == "" {
		return SynthesisResult{Err: tts.ErrEmptyText}
	}
	if s.cfg.Sink == nil {
		return SynthesisResult{Err: ErrNoSink}
	}

	s.speakMu.Lock()
	defer s.speakMu.Unlock()

	if req.Priority != tts.PriorityEmergency && s.cfg.PauseBetween > 0 {
		t := time.NewTimer(s.cfg.PauseBetween)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return SynthesisResult{Err: ctx.Err()}
		}
	}

	_, res := s.synthesize(ctx, req, s.play)
	res.AudioWritten = res.Success
	return res
}

// play writes a to the sink, bounded by the timeout plus the clip length.
func (s *Synthesizer) play(ctx context.Context, a *tts.Audio) error {
	limit := s.cfg.Timeout + clipDuration(a)
	_, err := resilience.Call(ctx, limit, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.cfg.Sink.Play(ctx, bytes.NewReader(a.Data))
	})
	return err
}

// clipDuration returns the playback length of a, or zero if the WAV cannot
// be parsed.
func clipDuration(a *tts.Audio) time.Duration {
	samples, rate, err := audio.DecodeWAV(a.Data)
	if err != nil {
		return 0
	}
	return audio.SamplesDuration(len(samples), rate)
}

// SynthesizeToFile runs the fallback chain for text and writes the WAV to
// path instead of playing it.
func (s *Synthesizer) SynthesizeToFile(ctx context.Context, text, path string) SynthesisResult {
	a, res := s.synthesize(ctx, tts.Request{Text: text}, nil)
	if !res.Success {
		return res
	}
	if err := os.WriteFile(path, a.Data, 0o644); err != nil {
		res.Err = fmt.Errorf("speech: write %s: %w", path, err)
		return res
	}
	res.AudioWritten = true
	return res
}

// SynthesizeToBuffer runs the fallback chain for text and writes the WAV to w.
func (s *Synthesizer) SynthesizeToBuffer(ctx context.Context, text string, w io.Writer) SynthesisResult {
	a, res := s.synthesize(ctx, tts.Request{Text: text}, nil)
	if !res.Success {
		return res
	}
	if _, err := w.Write(a.Data); err != nil {
		res.Err = fmt.Errorf("speech: write buffer: %w", err)
		return res
	}
	res.AudioWritten = true
	return res
}

// SwitchEngine makes name the current engine. It returns false unless name
// is registered and available.
func (s *Synthesizer) SwitchEngine(name string) bool {
	if !s.reg.SetCurrent(name) {
		slog.Warn("speech: tts engine switch refused", "engine", name)
		return false
	}
	slog.Info("speech: switched tts engine", "engine", name)
	s.metrics.RecordEngineSwitch(context.Background(), "tts", name, "manual")
	return true
}

// SetVoicePrefs replaces the voice preferences and reselects every engine's
// default voice from the cached lists.
func (s *Synthesizer) SetVoicePrefs(prefs VoicePrefs) {
	if prefs.Language == "" {
		prefs.Language = s.cfg.Language
	}
	s.voiceMu.Lock()
	defer s.voiceMu.Unlock()
	s.cfg.Voice = prefs
	for name, voices := range s.voices {
		if v, ok := SelectVoice(voices, prefs); ok {
			s.chosen[name] = v
		}
	}
}

// AvailableEngines returns the available engine names in registry order.
func (s *Synthesizer) AvailableEngines() []string { return s.reg.Available() }

// CurrentEngine returns the name of the current engine.
func (s *Synthesizer) CurrentEngine() string { return s.reg.Current() }

// Registry exposes the engine registry for inspection.
func (s *Synthesizer) Registry() *Registry[tts.Engine] { return s.reg }

// Stats returns per-engine usage statistics.
func (s *Synthesizer) Stats() map[string]EngineStats { return s.stats.snapshot() }

// Close closes every registered engine once. The sink is not closed.
func (s *Synthesizer) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = closeAll(s.reg)
	})
	return s.closeErr
}
