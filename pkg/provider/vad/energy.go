package vad

import "github.com/MrWong99/gemos/pkg/audio"

// DefaultEnergyThreshold is the mean squared amplitude (on samples normalised
// to [-1, 1]) above which a frame counts as speech.
const DefaultEnergyThreshold = 0.01

// Compile-time interface assertion.
var _ Detector = (*Energy)(nil)

// Energy is the fallback detector. It never fails and holds no state.
type Energy struct {
	threshold float64
}

// NewEnergy returns an energy detector. A threshold <= 0 selects
// [DefaultEnergyThreshold].
func NewEnergy(threshold float64) *Energy {
	if threshold <= 0 {
		threshold = DefaultEnergyThreshold
	}
	return &Energy{threshold: threshold}
}

// Threshold returns the configured threshold.
func (e *Energy) Threshold() float64 { return e.threshold }

// IsSpeech reports whether the frame's mean squared amplitude exceeds the
// threshold. Empty frames are silence.
func (e *Energy) IsSpeech(frame audio.Frame) (bool, error) {
	return audio.MeanSquare(frame.Samples) > e.threshold, nil
}

// Name implements [Detector].
func (e *Energy) Name() string { return "energy" }
