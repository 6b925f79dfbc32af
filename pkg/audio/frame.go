// Package audio defines the audio data types shared by the capture, detection,
// recognition, and playback layers of GEM OS.
//
// The two data types are:
//
//   - [Frame]: one immutable block of mono 16-bit PCM captured from an input
//     device.
//   - [Utterance]: an ordered, append-only run of frames that is sealed with
//     [Utterance.Finalize] before it may be handed to speech recognition.
//
// Capture devices implement [FrameSource]; playback devices implement [Sink].
// This package lives under pkg/ because device adapters are expected to be
// provided outside of the core.
package audio

import (
	"errors"
	"sync"
	"time"
)

// DefaultSampleRate is the capture rate used when none is configured. Most
// speech engines expect 16 kHz mono input.
const DefaultSampleRate = 16000

var (
	// ErrUtteranceFinalized is returned by [Utterance.Append] once the
	// utterance has been sealed.
	ErrUtteranceFinalized = errors.New("audio: utterance already finalized")

	// ErrOutOfOrder is returned by [Utterance.Append] when a frame carries a
	// timestamp earlier than the previously appended frame.
	ErrOutOfOrder = errors.New("audio: frame out of capture order")
)

// Frame is a single block of captured audio. A Frame is never mutated after
// capture; consumers that need to modify samples must copy them first.
type Frame struct {
	// Samples holds mono signed 16-bit PCM.
	Samples []int16

	// SampleRate in Hz. Zero means [DefaultSampleRate].
	SampleRate int

	// Timestamp is the wall-clock capture time of the first sample.
	Timestamp time.Time

	// DeviceID identifies the capture device the frame came from.
	DeviceID string
}

// Rate returns the frame's sample rate, substituting [DefaultSampleRate] for
// zero.
func (f Frame) Rate() int {
	if f.SampleRate <= 0 {
		return DefaultSampleRate
	}
	return f.SampleRate
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.Rate())
}

// SamplesDuration converts a sample count at rate Hz into a duration.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

// Utterance accumulates frames between speech start and speech end.
// It is safe for concurrent use, although the orchestrator only ever touches
// an utterance from its single consumer goroutine.
type Utterance struct {
	mu        sync.Mutex
	frames    []Frame
	samples   int
	rate      int
	speech    int
	finalized bool
	started   time.Time
}

// NewUtterance returns an empty, open utterance.
func NewUtterance() *Utterance {
	return &Utterance{}
}

// Append adds frame to the end of the utterance. speech records whether the
// VAD classified the frame as voiced; the count is used to tell real speech
// apart from a buffer of trailing silence.
func (u *Utterance) Append(frame Frame, speech bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.finalized {
		return ErrUtteranceFinalized
	}
	if n := len(u.frames); n > 0 && frame.Timestamp.Before(u.frames[n-1].Timestamp) {
		return ErrOutOfOrder
	}
	if len(u.frames) == 0 {
		u.started = frame.Timestamp
		u.rate = frame.Rate()
	}
	u.frames = append(u.frames, frame)
	u.samples += len(frame.Samples)
	if speech {
		u.speech++
	}
	return nil
}

// Len returns the number of frames appended so far.
func (u *Utterance) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.frames)
}

// SpeechFrames returns the number of appended frames that were voiced.
func (u *Utterance) SpeechFrames() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.speech
}

// Duration returns the total audio length currently held.
func (u *Utterance) Duration() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	return SamplesDuration(u.samples, u.rate)
}

// SampleRate returns the rate of the first appended frame, or
// [DefaultSampleRate] for an empty utterance.
func (u *Utterance) SampleRate() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.rate == 0 {
		return DefaultSampleRate
	}
	return u.rate
}

// Started returns the timestamp of the first frame.
func (u *Utterance) Started() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.started
}

// Finalized reports whether [Utterance.Finalize] has been called.
func (u *Utterance) Finalized() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.finalized
}

// Finalize seals the utterance and returns all samples as one contiguous
// buffer in capture order. Subsequent calls return the same content.
func (u *Utterance) Finalize() []int16 {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.finalized = true
	out := make([]int16, 0, u.samples)
	for _, f := range u.frames {
		out = append(out, f.Samples...)
	}
	return out
}
