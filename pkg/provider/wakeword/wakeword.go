// Package wakeword defines the Detector interface for wake-phrase detection
// and ships the detectors used by GEM OS:
//
//   - [Spotter] transcribes short voiced bursts with an STT engine and
//     matches the transcript against the configured phrases.
//   - [Energy] is a weak loudness-based signal used when no spotter is
//     available or the spotter fails.
//   - [Chain] runs a primary detector and falls back to a secondary one on
//     error.
//
// Detectors are fed one frame at a time from a single goroutine and keep
// only bounded state.
package wakeword

import (
	"context"
	"time"

	"github.com/MrWong99/gemos/pkg/audio"
)

// DefaultPhrases are the wake phrases used when none are configured.
var DefaultPhrases = []string{"hey gem", "hi gem", "gem", "oi gem", "olá gem"}

// Detection is a positive wake-phrase detection.
type Detection struct {
	// Keyword is the configured phrase that matched.
	Keyword string

	// Confidence is in [0, 1].
	Confidence float64

	// At is the capture time of the frame that completed the detection.
	At time.Time

	// Transcript is the recognised text of the burst, when the detector
	// transcribes audio.
	Transcript string

	// Remainder is the part of Transcript that followed the wake phrase
	// ("hey gem what time is it" → "what time is it").
	Remainder string
}

// Detector consumes audio frames and reports wake-phrase detections.
type Detector interface {
	// Process feeds one frame. It returns a non-nil Detection when the wake
	// phrase completes on this frame, and nil otherwise.
	Process(ctx context.Context, frame audio.Frame) (*Detection, error)

	// Reset discards any buffered state.
	Reset()

	// Name returns a short identifier used in logs and metrics.
	Name() string
}
