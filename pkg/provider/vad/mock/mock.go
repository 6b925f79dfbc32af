// Package mock provides a scripted [vad.Detector] for tests.
//
// Set Decide to classify frames programmatically, or leave it nil to classify
// by the frame's first sample (non-zero means speech).
package mock

import (
	"sync"

	"github.com/MrWong99/gemos/pkg/audio"
	"github.com/MrWong99/gemos/pkg/provider/vad"
)

// Compile-time interface assertion.
var _ vad.Detector = (*Detector)(nil)

// Detector is a mock implementation of [vad.Detector].
type Detector struct {
	mu sync.Mutex

	// Decide, if set, is called for every frame.
	Decide func(audio.Frame) (bool, error)

	// Frames records every frame passed to IsSpeech.
	Frames []audio.Frame
}

// IsSpeech records the frame and returns the scripted decision.
func (d *Detector) IsSpeech(frame audio.Frame) (bool, error) {
	d.mu.Lock()
	d.Frames = append(d.Frames, frame)
	decide := d.Decide
	d.mu.Unlock()

	if decide != nil {
		return decide(frame)
	}
	return len(frame.Samples) > 0 && frame.Samples[0] != 0, nil
}

// Name implements [vad.Detector].
func (d *Detector) Name() string { return "mock" }

// CallCount returns how many frames were classified.
func (d *Detector) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Frames)
}
