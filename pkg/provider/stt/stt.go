// Package stt defines the Engine interface for speech-to-text backends.
//
// An engine turns one finalized utterance into a [Result]. Engines are batch
// by design: the caller always hands over a complete buffer, never a growing
// one, and receives exactly one result per call.
//
// Engines report failures through the returned error. A successful call that
// recognised nothing returns a Result with empty Text and a nil error; callers
// must treat that as "no speech", not as failure.
//
// Implementations must be safe for concurrent use and should honour ctx
// cancellation where the backend allows it.
package stt

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/gemos/pkg/audio"
)

// ErrEmptyAudio is returned by engines when a request carries no samples.
var ErrEmptyAudio = errors.New("stt: empty audio buffer")

// Request is a single transcription job.
type Request struct {
	// Samples is mono 16-bit PCM.
	Samples []int16

	// SampleRate of Samples in Hz. Zero means [audio.DefaultSampleRate].
	SampleRate int

	// Language is a BCP-47 hint ("en", "pt-BR"). Empty lets the engine detect
	// the language if it can.
	Language string
}

// Rate returns the request sample rate, substituting the default for zero.
func (r Request) Rate() int {
	if r.SampleRate <= 0 {
		return audio.DefaultSampleRate
	}
	return r.SampleRate
}

// Duration returns the audio length of the request.
func (r Request) Duration() time.Duration {
	return audio.SamplesDuration(len(r.Samples), r.Rate())
}

// Segment is a timed span of recognised text.
type Segment struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// Result is the outcome of a transcription.
type Result struct {
	// Text is the recognised text. Empty with a nil Err means no speech.
	Text string

	// Confidence is in [0, 1]. Engines without a native confidence report a
	// fixed, documented default.
	Confidence float64

	// Language is the detected or forced language. Advisory only.
	Language string

	// Engine names the engine that produced the result.
	Engine string

	// ProcessingTime is the wall-clock duration of the engine call.
	ProcessingTime time.Duration

	// Segments optionally breaks Text down by time. May be nil.
	Segments []Segment

	// Err is set when no engine could produce a result. Engines themselves
	// return errors directly; Err is filled in by the calling service.
	Err error
}

// Failed reports whether the result represents a failure rather than a
// (possibly empty) recognition.
func (r *Result) Failed() bool {
	return r == nil || r.Err != nil
}

// Engine is the abstraction over any speech-to-text backend.
type Engine interface {
	// Name returns the registry name of the engine (e.g. "whisper-native").
	Name() string

	// Transcribe recognises the complete utterance in req.
	Transcribe(ctx context.Context, req Request) (*Result, error)

	// Close releases models, connections, and other resources. Calling Close
	// more than once is safe.
	Close() error
}

// Warmer is implemented by engines that can pre-load models or probe their
// backend. Services call Warmup once at registration; an error keeps the
// engine out of the registry.
type Warmer interface {
	Warmup(ctx context.Context) error
}
