// Package speech provides the two engine-agnostic speech services of GEM OS:
//
//   - [Recognizer] presents one Transcribe call over any number of
//     speech-to-text engines.
//   - [Synthesizer] presents one Speak call over any number of text-to-speech
//     engines.
//
// Both services build their engines from [EngineSpec] factories at
// initialization, register every engine whose constructor (and optional
// warm-up) succeeds, and fall back through the registered engines in a fixed
// order when the current one fails, times out, or has an open circuit breaker.
// Engine failures never escape the service boundary as Go errors: the
// Recognizer reports them in [stt.Result.Err] and the Synthesizer as a false
// return or a failed [SynthesisResult].
package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"
)

var (
	// ErrNoEngines is returned by Initialize when not a single engine could
	// be constructed.
	ErrNoEngines = errors.New("speech: no engines available")

	// ErrAllEnginesFailed is wrapped into the result of a call for which every
	// registered engine failed.
	ErrAllEnginesFailed = errors.New("speech: all engines failed")

	// ErrNotInitialized is reported by calls made before Initialize.
	ErrNotInitialized = errors.New("speech: service not initialized")
)

// STTPreference is the fixed fallback order of speech-to-text engines.
// Engines not listed follow in configuration order.
var STTPreference = []string{"whisper-native", "whisper", "deepgram", "openai"}

// TTSPreference is the fixed fallback order of text-to-speech engines.
// Engines not listed follow in configuration order.
var TTSPreference = []string{"espeak", "piper", "coqui", "openai", "elevenlabs"}

// EngineSpec describes how to construct one engine of type E.
type EngineSpec[E any] struct {
	// Name is the registry name, e.g. "whisper" or "piper".
	Name string

	// New constructs the engine. It is called once by Initialize.
	New func(ctx context.Context) (E, error)

	// QualityHint is an informational accuracy or quality score in [0, 1].
	QualityHint float64

	// LatencyHint is the typical latency of one call.
	LatencyHint time.Duration
}

// orderSpecs returns specs with preferred first, then the names in pref in
// that order, then the remaining specs in their given order.
func orderSpecs[E any](specs []EngineSpec[E], preferred string, pref []string) []EngineSpec[E] {
	rank := func(name string) int {
		if name == preferred && preferred != "" {
			return -1
		}
		if i := slices.Index(pref, name); i >= 0 {
			return i
		}
		return len(pref)
	}
	out := slices.Clone(specs)
	slices.SortStableFunc(out, func(a, b EngineSpec[E]) int {
		return rank(a.Name) - rank(b.Name)
	})
	return out
}

// warmer matches both stt.Warmer and tts.Warmer.
type warmer interface {
	Warmup(ctx context.Context) error
}

// initEngines constructs every spec in order and registers the ones that
// succeed. The preferred engine, or else the first success, becomes current.
// It returns ErrNoEngines when none succeeds.
func initEngines[E any](ctx context.Context, kind string, reg *Registry[E], specs []EngineSpec[E], preferred string, pref []string) error {
	for _, spec := range orderSpecs(specs, preferred, pref) {
		if spec.New == nil {
			slog.Warn("speech: engine has no constructor, skipping", "kind", kind, "engine", spec.Name)
			continue
		}
		eng, err := spec.New(ctx)
		if err != nil {
			slog.Warn("speech: engine construction failed, skipping",
				"kind", kind, "engine", spec.Name, "error", err)
			continue
		}
		if w, ok := any(eng).(warmer); ok {
			if err := w.Warmup(ctx); err != nil {
				slog.Warn("speech: engine warm-up failed, skipping",
					"kind", kind, "engine", spec.Name, "error", err)
				closeEngine(eng)
				continue
			}
		}
		reg.Register(spec.Name, eng, spec.QualityHint, spec.LatencyHint)
		slog.Info("speech: engine registered", "kind", kind, "engine", spec.Name)
	}

	if reg.Len() == 0 {
		return fmt.Errorf("%s: %w", kind, ErrNoEngines)
	}
	if preferred != "" && reg.SetCurrent(preferred) {
		return nil
	}
	if preferred != "" {
		slog.Warn("speech: preferred engine unavailable, using fallback",
			"kind", kind, "preferred", preferred, "current", reg.Current())
	}
	return nil
}

// closeEngine closes eng if it implements io.Closer.
func closeEngine[E any](eng E) error {
	if c, ok := any(eng).(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// closeAll closes every registered engine and joins the errors.
func closeAll[E any](reg *Registry[E]) error {
	var errs []error
	for _, e := range reg.Entries() {
		if err := closeEngine(e.Engine); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", e.Name, err))
		}
	}
	return errors.Join(errs...)
}
