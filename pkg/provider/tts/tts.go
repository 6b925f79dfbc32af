// Package tts defines the Engine interface for Text-to-Speech backends.
//
// An engine turns one complete piece of text into one WAV buffer. Engines
// never play audio themselves; playback and fallback across engines are the
// caller's concern.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"strings"
)

// ErrEmptyText is returned by engines when the request text is blank.
var ErrEmptyText = errors.New("tts: empty text")

// DefaultRate is the default speaking rate in words per minute. It is slower
// than most engine defaults to favour intelligibility.
const DefaultRate = 110

// NormalRate is the words-per-minute rate that maps to a speed factor of 1.0
// for engines that take a relative speed.
const NormalRate = 150

// DefaultVolume is the default output volume in [0, 1].
const DefaultVolume = 0.75

// Priority orders speech requests.
type Priority int

const (
	// PriorityNormal requests are paced and serialized.
	PriorityNormal Priority = iota

	// PriorityEmergency requests skip pacing and are spoken faster and louder.
	PriorityEmergency
)

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "normal"
	case PriorityEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Request is a single synthesis job.
type Request struct {
	Text     string
	Priority Priority

	// Voice is the engine-specific voice ID. Empty uses the engine default.
	Voice string

	// Language is a BCP-47 tag ("en", "pt-BR").
	Language string

	// Rate is the speaking rate in words per minute. Zero means DefaultRate.
	Rate int

	// Volume is in [0, 1]. Engines without native volume control ignore it.
	// Zero means DefaultVolume.
	Volume float64
}

// EffectiveRate returns Rate with the default substituted for zero.
func (r Request) EffectiveRate() int {
	if r.Rate <= 0 {
		return DefaultRate
	}
	return r.Rate
}

// EffectiveVolume returns Volume clamped to [0, 1], with the default
// substituted for zero.
func (r Request) EffectiveVolume() float64 {
	switch {
	case r.Volume <= 0:
		return DefaultVolume
	case r.Volume > 1:
		return 1
	default:
		return r.Volume
	}
}

// SpeedFactor maps a words-per-minute rate to a relative speed, clamped to
// [0.5, 2.0]. NormalRate maps to 1.0.
func SpeedFactor(rate int) float64 {
	if rate <= 0 {
		rate = DefaultRate
	}
	f := float64(rate) / NormalRate
	return min(max(f, 0.5), 2.0)
}

// Voice describes one voice offered by an engine.
type Voice struct {
	ID          string
	Name        string
	Language    string
	Gender      string
	Styles      []string
	Description string
}

// MatchesStyle reports whether keyword appears in the voice name,
// description or styles. The comparison is case-insensitive.
func (v Voice) MatchesStyle(keyword string) bool {
	kw := strings.ToLower(strings.TrimSpace(keyword))
	if kw == "" {
		return false
	}
	if strings.Contains(strings.ToLower(v.Name), kw) || strings.Contains(strings.ToLower(v.Description), kw) {
		return true
	}
	for _, s := range v.Styles {
		if strings.EqualFold(s, kw) {
			return true
		}
	}
	return false
}

// Audio is synthesized speech.
type Audio struct {
	// Data is a complete WAV file.
	Data []byte

	SampleRate int

	// Format is always "wav".
	Format string
}

// Engine is the abstraction over any TTS backend.
type Engine interface {
	// Name returns the registry name of the engine.
	Name() string

	// Voices returns the voices the engine can speak with. Engines that
	// cannot enumerate voices return a single default voice.
	Voices(ctx context.Context) ([]Voice, error)

	// Synthesize renders req.Text to WAV. Blank text returns ErrEmptyText.
	Synthesize(ctx context.Context, req Request) (*Audio, error)

	// Close releases engine resources.
	Close() error
}

// Warmer is implemented by engines that can verify their backend before
// they are registered, such as checking that a binary exists.
type Warmer interface {
	Warmup(ctx context.Context) error
}

// NormalizeGender maps engine-specific gender labels to "female", "male"
// or "".
func NormalizeGender(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f", "female", "woman":
		return "female"
	case "m", "male", "man":
		return "male"
	default:
		return ""
	}
}
