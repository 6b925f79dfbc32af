package orchestrator

import (
	"log/slog"
	"time"

	"github.com/MrWong99/gemos/pkg/audio"
)

// Accumulator defaults.
const (
	DefaultSilenceTimeout = time.Second
	DefaultMaxUtterance   = 15 * time.Second
	DefaultMinUtterance   = 300 * time.Millisecond
)

// Decision is the outcome of [Accumulator.Push].
type Decision int

const (
	// Waiting means no speech has been heard yet; the frame was discarded.
	Waiting Decision = iota

	// Accumulating means the frame was appended to the open utterance.
	Accumulating

	// Ready means the utterance is complete and must be collected with
	// [Accumulator.Take].
	Ready
)

// Segment is a finalized utterance.
type Segment struct {
	Samples      []int16
	SampleRate   int
	Duration     time.Duration
	SpeechFrames int
	Started      time.Time
}

// Accumulator turns a stream of VAD-classified frames into utterances.
//
// Speech frames are appended. Silence shorter than the silence timeout is
// appended too; the silent frame that reaches the timeout finalizes the
// utterance without being appended. An utterance reaching the maximum
// duration is finalized as well.
//
// Accumulator is not safe for concurrent use; the orchestrator owns it from
// its single consumer goroutine.
type Accumulator struct {
	silenceTimeout time.Duration
	maxDuration    time.Duration

	utt     *audio.Utterance
	last    time.Time // timestamp of the newest accepted frame
	silence time.Duration
	ready   bool
}

// NewAccumulator returns an Accumulator. Zero durations use the defaults.
func NewAccumulator(silenceTimeout, maxDuration time.Duration) *Accumulator {
	if silenceTimeout <= 0 {
		silenceTimeout = DefaultSilenceTimeout
	}
	if maxDuration <= 0 {
		maxDuration = DefaultMaxUtterance
	}
	return &Accumulator{silenceTimeout: silenceTimeout, maxDuration: maxDuration}
}

// Started reports whether speech has been heard since the last reset.
func (a *Accumulator) Started() bool { return a.utt != nil }

// Push feeds one frame. Once Push returns [Ready] further frames are ignored
// until [Accumulator.Take] or [Accumulator.Reset].
func (a *Accumulator) Push(f audio.Frame, speech bool) Decision {
	if a.ready {
		return Ready
	}
	if a.utt == nil {
		if !speech {
			return Waiting
		}
		a.utt = audio.NewUtterance()
	}

	// A frame older than the newest accepted one is dropped before it can
	// touch the silence count.
	if !a.last.IsZero() && f.Timestamp.Before(a.last) {
		slog.Debug("orchestrator: frame dropped from utterance", "error", audio.ErrOutOfOrder)
		return Accumulating
	}

	if speech {
		a.silence = 0
	} else {
		a.silence += f.Duration()
		if a.silence >= a.silenceTimeout {
			a.ready = true
			return Ready
		}
	}

	if err := a.utt.Append(f, speech); err != nil {
		slog.Debug("orchestrator: frame dropped from utterance", "error", err)
		return Accumulating
	}
	a.last = f.Timestamp
	if a.utt.Duration() >= a.maxDuration {
		a.ready = true
		return Ready
	}
	return Accumulating
}

// Take finalizes the open utterance, returns it and resets the accumulator.
// It returns false when no speech was heard.
func (a *Accumulator) Take() (Segment, bool) {
	utt := a.utt
	a.Reset()
	if utt == nil {
		return Segment{}, false
	}
	return Segment{
		Samples:      utt.Finalize(),
		SampleRate:   utt.SampleRate(),
		Duration:     utt.Duration(),
		SpeechFrames: utt.SpeechFrames(),
		Started:      utt.Started(),
	}, true
}

// Reset discards any open utterance.
func (a *Accumulator) Reset() {
	a.utt = nil
	a.last = time.Time{}
	a.silence = 0
	a.ready = false
}
