// Package mock provides in-memory implementations of [audio.FrameSource] and
// [audio.Sink] for use in unit tests.
//
// Both mocks are safe for concurrent use and record every call so tests can
// assert on call counts.
//
// Typical usage:
//
//	src := &mock.Source{Frames: frames}
//	err := src.Start(ctx, func(f audio.Frame) { ... })
//	<-src.Done()
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/gemos/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.FrameSource = (*Source)(nil)
	_ audio.Sink        = (*Sink)(nil)
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source replays a fixed list of frames to the handler on its own goroutine,
// simulating a capture thread.
type Source struct {
	// Frames is the scripted capture, delivered in order.
	Frames []audio.Frame

	// StartError is returned by Start when non-nil.
	StartError error

	// Step, when non-nil, is received from before each frame is delivered.
	// Tests use it to pace delivery.
	Step chan struct{}

	mu              sync.Mutex
	done            chan struct{}
	stopped         bool
	CallCountStart  int
	CallCountStop   int
	CallCountClose  int
	DeliveredFrames int
}

// Start launches replay of Frames. It returns StartError if set.
func (s *Source) Start(ctx context.Context, handler func(audio.Frame)) error {
	s.mu.Lock()
	s.CallCountStart++
	if s.StartError != nil {
		s.mu.Unlock()
		return s.StartError
	}
	s.done = make(chan struct{})
	done := s.done
	frames := s.Frames
	s.mu.Unlock()

	go func() {
		defer close(done)
		for _, f := range frames {
			if s.Step != nil {
				select {
				case <-s.Step:
				case <-ctx.Done():
					return
				}
			}
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped || ctx.Err() != nil {
				return
			}
			handler(f)
			s.mu.Lock()
			s.DeliveredFrames++
			s.mu.Unlock()
		}
	}()
	return nil
}

// Done returns a channel that is closed once every frame has been delivered
// or replay was stopped. It returns nil before Start.
func (s *Source) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Stop halts replay.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.stopped = true
	return nil
}

// Close records the call and stops replay.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.stopped = true
	return nil
}

// Counts returns the Start, Stop, and Close call counts.
func (s *Source) Counts() (start, stop, closeCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountStart, s.CallCountStop, s.CallCountClose
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink records every clip passed to Play.
type Sink struct {
	// PlayError is returned by Play when non-nil.
	PlayError error

	mu             sync.Mutex
	Played         [][]byte
	CallCountClose int
}

// Play reads the whole clip and records it.
func (s *Sink) Play(_ context.Context, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PlayError != nil {
		return s.PlayError
	}
	s.Played = append(s.Played, data)
	return nil
}

// Close records the call.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return nil
}

// PlayCount returns how many clips were played successfully.
func (s *Sink) PlayCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Played)
}
