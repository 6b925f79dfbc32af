package vad

import (
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/gemos/pkg/audio"
)

// Compile-time interface assertion.
var _ Detector = (*Tiered)(nil)

// Tiered runs a model detector and falls back to an energy detector when the
// model is absent or returns an error for a frame (unsupported rate, frame
// too short, internal failure). The fallback never errors.
type Tiered struct {
	model    Detector
	fallback Detector

	fallbacks atomic.Int64
}

// NewTiered composes model and fallback. model may be nil, in which case
// every frame goes to fallback. A nil fallback is replaced with
// [NewEnergy] at the default threshold.
func NewTiered(model, fallback Detector) *Tiered {
	if fallback == nil {
		fallback = NewEnergy(DefaultEnergyThreshold)
	}
	return &Tiered{model: model, fallback: fallback}
}

// IsSpeech implements [Detector].
func (t *Tiered) IsSpeech(frame audio.Frame) (bool, error) {
	if t.model != nil {
		speech, err := t.model.IsSpeech(frame)
		if err == nil {
			return speech, nil
		}
		if t.fallbacks.Add(1) == 1 {
			slog.Warn("vad: model tier failed, using fallback",
				"model", t.model.Name(), "fallback", t.fallback.Name(), "err", err)
		}
	}
	return t.fallback.IsSpeech(frame)
}

// Fallbacks returns how many frames were classified by the fallback after a
// model error.
func (t *Tiered) Fallbacks() int64 { return t.fallbacks.Load() }

// Name implements [Detector].
func (t *Tiered) Name() string {
	if t.model == nil {
		return t.fallback.Name()
	}
	return t.model.Name() + "+" + t.fallback.Name()
}
