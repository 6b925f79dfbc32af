// Package mock provides a test double for [wakeword.Detector].
//
// Detector fires on the frames chosen by Trigger (or, by default, on the
// first frame whose first sample equals TriggerSample) and records every
// frame it sees.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/gemos/pkg/audio"
	"github.com/MrWong99/gemos/pkg/provider/wakeword"
)

var _ wakeword.Detector = (*Detector)(nil)

// Detector is a mock implementation of [wakeword.Detector].
type Detector struct {
	mu sync.Mutex

	// Trigger decides whether frame n (0-based) completes a detection.
	Trigger func(n int, frame audio.Frame) bool

	// TriggerSample fires when Trigger is nil and a frame's first sample
	// equals it. Zero never fires.
	TriggerSample int16

	// Detection is the template returned on a trigger.
	Detection wakeword.Detection

	// Err is returned for every frame when non-nil.
	Err error

	Frames     int
	ResetCount int
}

// Name implements [wakeword.Detector].
func (d *Detector) Name() string { return "mock" }

// Process implements [wakeword.Detector].
func (d *Detector) Process(_ context.Context, frame audio.Frame) (*wakeword.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.Frames
	d.Frames++
	if d.Err != nil {
		return nil, d.Err
	}
	fire := false
	switch {
	case d.Trigger != nil:
		fire = d.Trigger(n, frame)
	case d.TriggerSample != 0 && len(frame.Samples) > 0:
		fire = frame.Samples[0] == d.TriggerSample
	}
	if !fire {
		return nil, nil
	}
	det := d.Detection
	if det.Keyword == "" {
		det.Keyword = "hey gem"
	}
	if det.Confidence == 0 {
		det.Confidence = 1
	}
	det.At = frame.Timestamp
	return &det, nil
}

// Reset implements [wakeword.Detector].
func (d *Detector) Reset() {
	d.mu.Lock()
	d.ResetCount++
	d.mu.Unlock()
}

// FrameCount returns how many frames were processed.
func (d *Detector) FrameCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Frames
}
