// Package speaker implements [audio.Sink] on the default system output device
// using github.com/faiface/beep.
package speaker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/effects"
	beepspeaker "github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"

	"github.com/MrWong99/gemos/pkg/audio"
)

// ErrClosed is returned by Play after Close.
var ErrClosed = errors.New("speaker: closed")

// Compile-time interface assertion.
var _ audio.Sink = (*Speaker)(nil)

// Speaker plays WAV audio on the system output device. The beep speaker is a
// process-wide resource; it is initialised once at the output rate and every
// clip is resampled to that rate.
type Speaker struct {
	rate   beep.SampleRate
	buffer time.Duration
	volume float64

	initOnce sync.Once
	initErr  error
	started  bool

	mu     sync.Mutex
	closed bool
}

// Option is a functional option for [Speaker].
type Option func(*Speaker)

// WithSampleRate sets the output device rate. Defaults to 44100 Hz.
func WithSampleRate(rate int) Option {
	return func(s *Speaker) {
		if rate > 0 {
			s.rate = beep.SampleRate(rate)
		}
	}
}

// WithBufferDuration sets the output buffer length. Defaults to 100 ms.
func WithBufferDuration(d time.Duration) Option {
	return func(s *Speaker) {
		if d > 0 {
			s.buffer = d
		}
	}
}

// WithVolume sets a gain in the range [0, 1] applied to every clip.
// Defaults to 1 (unchanged).
func WithVolume(v float64) Option {
	return func(s *Speaker) {
		if v >= 0 && v <= 1 {
			s.volume = v
		}
	}
}

// New returns a Speaker. The output device is opened lazily on first Play.
func New(opts ...Option) *Speaker {
	s := &Speaker{
		rate:   44100,
		buffer: 100 * time.Millisecond,
		volume: 1,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Play decodes r as WAV and blocks until playback finishes. When ctx is
// cancelled the clip is cut off and ctx.Err() is returned. Playback is
// serialised: concurrent calls queue behind each other.
func (s *Speaker) Play(ctx context.Context, r io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	s.initOnce.Do(func() {
		s.initErr = beepspeaker.Init(s.rate, s.rate.N(s.buffer))
		s.started = s.initErr == nil
	})
	if s.initErr != nil {
		return fmt.Errorf("speaker: init output: %w", s.initErr)
	}

	stream, format, err := wav.Decode(r)
	if err != nil {
		return fmt.Errorf("speaker: decode wav: %w", err)
	}
	defer stream.Close()

	var clip beep.Streamer = stream
	if format.SampleRate != s.rate {
		clip = beep.Resample(4, format.SampleRate, s.rate, clip)
	}
	if s.volume < 1 {
		clip = &effects.Volume{
			Streamer: clip,
			Base:     2,
			Volume:   gainToExponent(s.volume),
			Silent:   s.volume == 0,
		}
	}

	done := make(chan struct{})
	beepspeaker.Play(beep.Seq(clip, beep.Callback(func() { close(done) })))

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		beepspeaker.Clear()
		return ctx.Err()
	}
}

// Close stops any playback and releases the output device.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.started {
		beepspeaker.Clear()
	}
	return nil
}

// gainToExponent maps a linear gain in (0, 1] to the base-2 exponent used by
// effects.Volume.
func gainToExponent(g float64) float64 {
	if g <= 0 {
		return 0
	}
	return math.Log2(g)
}
