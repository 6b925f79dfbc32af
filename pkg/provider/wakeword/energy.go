package wakeword

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/gemos/pkg/audio"
	"github.com/MrWong99/gemos/pkg/provider/vad"
)

const (
	// DefaultVolumeThreshold is the mean-square level a frame must exceed.
	DefaultVolumeThreshold = 0.01

	// DefaultMinFrames is how many consecutive loud speech frames trigger.
	DefaultMinFrames = 3

	// EnergyConfidence is the confidence reported by Energy detections.
	EnergyConfidence = 0.5
)

// Compile-time interface assertion.
var _ Detector = (*Energy)(nil)

// Energy is a weak wake signal: any sufficiently loud, sustained speech
// counts as the wake phrase. It holds only a counter.
type Energy struct {
	vad       vad.Detector
	keyword   string
	threshold float64
	minFrames int

	mu  sync.Mutex
	run int
}

// NewEnergy creates an Energy detector. keyword is reported in detections.
// Zero threshold and minFrames select the defaults.
func NewEnergy(detector vad.Detector, keyword string, threshold float64, minFrames int) *Energy {
	if threshold <= 0 {
		threshold = DefaultVolumeThreshold
	}
	if minFrames <= 0 {
		minFrames = DefaultMinFrames
	}
	return &Energy{vad: detector, keyword: keyword, threshold: threshold, minFrames: minFrames}
}

// Name implements Detector.
func (e *Energy) Name() string { return "energy" }

// Reset implements Detector.
func (e *Energy) Reset() {
	e.mu.Lock()
	e.run = 0
	e.mu.Unlock()
}

// Process implements Detector.
func (e *Energy) Process(_ context.Context, frame audio.Frame) (*Detection, error) {
	speech := true
	if e.vad != nil {
		var err error
		if speech, err = e.vad.IsSpeech(frame); err != nil {
			return nil, fmt.Errorf("wakeword: vad: %w", err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !speech || audio.MeanSquare(frame.Samples) <= e.threshold {
		e.run = 0
		return nil, nil
	}
	e.run++
	if e.run < e.minFrames {
		return nil, nil
	}
	e.run = 0
	return &Detection{Keyword: e.keyword, Confidence: EnergyConfidence, At: frame.Timestamp}, nil
}
