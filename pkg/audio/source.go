package audio

import (
	"context"
	"io"
)

// FrameSource is an input device that delivers captured frames to a callback.
//
// Start begins capture and returns once the device is streaming. The handler
// is invoked on the device's own capture goroutine or thread and must not
// block. Stop halts capture without releasing the device; Close releases all
// OS-level handles. Both Stop and Close are safe to call more than once.
type FrameSource interface {
	Start(ctx context.Context, handler func(Frame)) error
	Stop() error
	Close() error
}

// Sink is an output device that plays encoded audio.
//
// Play blocks until playback finishes or ctx is cancelled. wav must be a
// complete RIFF/WAV stream.
type Sink interface {
	Play(ctx context.Context, wav io.Reader) error
	Close() error
}
