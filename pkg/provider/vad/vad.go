// Package vad defines the Detector interface for voice activity detection and
// ships the two detection tiers used by GEM OS:
//
//   - [WebRTC]: the WebRTC model-based detector, evaluated over 10/20/30 ms
//     sub-frames and voting on the fraction that are voiced.
//   - [Energy]: a mean-squared-amplitude threshold, used whenever the model
//     tier is unavailable or cannot handle the frame's sample rate.
//
// [Tiered] composes the two. All detectors are deterministic: the same frame
// and configuration always produce the same decision.
package vad

import (
	"errors"

	"github.com/MrWong99/gemos/pkg/audio"
)

var (
	// ErrUnsupportedRate is returned when a detector cannot process frames at
	// the given sample rate.
	ErrUnsupportedRate = errors.New("vad: unsupported sample rate")

	// ErrFrameTooShort is returned when a frame holds fewer samples than one
	// analysis sub-frame.
	ErrFrameTooShort = errors.New("vad: frame shorter than one sub-frame")
)

// Detector classifies a single frame as speech or silence.
//
// Implementations must be safe for concurrent use and must not block.
type Detector interface {
	// IsSpeech reports whether frame contains speech.
	IsSpeech(frame audio.Frame) (bool, error)

	// Name returns a short identifier used in logs and metrics.
	Name() string
}
