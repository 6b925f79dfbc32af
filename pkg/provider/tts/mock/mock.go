// Package mock provides test doubles for [tts.Engine] and [tts.Runner].
//
// Engine records every Synthesize call and returns either scripted audio, a
// scripted error, or the output of SynthesizeFunc. Without scripted audio it
// returns a short silent WAV so callers can play the result.
//
// Example:
//
//	eng := &mock.Engine{
//	    EngineName: "espeak",
//	    VoiceList:  []tts.Voice{{ID: "en", Language: "en", Gender: "female"}},
//	}
//	a, err := eng.Synthesize(ctx, tts.Request{Text: "hello"})
package mock

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"

	"github.com/MrWong99/gemos/pkg/audio"
	"github.com/MrWong99/gemos/pkg/provider/tts"
)

// Compile-time interface assertions.
var (
	_ tts.Engine = (*Engine)(nil)
	_ tts.Runner = (*Runner)(nil)
)

// Engine is a mock implementation of [tts.Engine].
type Engine struct {
	mu sync.Mutex

	// EngineName is returned by Name.
	EngineName string

	// VoiceList is returned by Voices.
	VoiceList []tts.Voice

	// VoicesErr is returned by Voices when non-nil.
	VoicesErr error

	// Audio is returned by Synthesize when Err is nil.
	Audio *tts.Audio

	// Err is returned by Synthesize when non-nil.
	Err error

	// SynthesizeFunc, if set, overrides Audio and Err.
	SynthesizeFunc func(ctx context.Context, req tts.Request) (*tts.Audio, error)

	// Hang makes Synthesize block until ctx is done.
	Hang bool

	// Calls records every request passed to Synthesize.
	Calls []tts.Request

	// CloseCount records how many times Close was called.
	CloseCount int
}

// Name implements [tts.Engine].
func (e *Engine) Name() string { return e.EngineName }

// Voices implements [tts.Engine].
func (e *Engine) Voices(context.Context) ([]tts.Voice, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.VoicesErr != nil {
		return nil, e.VoicesErr
	}
	return append([]tts.Voice(nil), e.VoiceList...), nil
}

// Synthesize records the request and returns the scripted outcome.
func (e *Engine) Synthesize(ctx context.Context, req tts.Request) (*tts.Audio, error) {
	e.mu.Lock()
	e.Calls = append(e.Calls, req)
	fn, hang, a, err := e.SynthesizeFunc, e.Hang, e.Audio, e.Err
	e.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, tts.ErrEmptyText
	}
	if a != nil {
		out := *a
		return &out, nil
	}
	return SilentAudio(), nil
}

// Close records the call.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CloseCount++
	return nil
}

// CallCount returns how many times Synthesize was called.
func (e *Engine) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Calls)
}

// LastRequest returns the most recent Synthesize request.
func (e *Engine) LastRequest() (tts.Request, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.Calls) == 0 {
		return tts.Request{}, false
	}
	return e.Calls[len(e.Calls)-1], true
}

// SilentAudio returns 10 ms of silent 16 kHz WAV.
func SilentAudio() *tts.Audio {
	data, _ := audio.EncodeWAV(make([]int16, 160), audio.DefaultSampleRate)
	return &tts.Audio{Data: data, SampleRate: audio.DefaultSampleRate, Format: "wav"}
}

// RunCall records one invocation of Runner.Run.
type RunCall struct {
	Name  string
	Args  []string
	Stdin string
}

// Runner is a fake [tts.Runner]. RunFunc, when set, produces the outcome;
// otherwise Stdout and Err are returned.
type Runner struct {
	mu sync.Mutex

	RunFunc func(name string, args []string, stdin string) ([]byte, error)
	Stdout  []byte
	Err     error

	Calls []RunCall
}

// Run implements [tts.Runner].
func (r *Runner) Run(_ context.Context, name string, args []string, stdin io.Reader) ([]byte, error) {
	var in string
	if stdin != nil {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, stdin)
		in = buf.String()
	}
	r.mu.Lock()
	r.Calls = append(r.Calls, RunCall{Name: name, Args: append([]string(nil), args...), Stdin: in})
	fn, out, err := r.RunFunc, r.Stdout, r.Err
	r.mu.Unlock()

	if fn != nil {
		return fn(name, args, in)
	}
	return out, err
}

// CallCount returns how many commands were run.
func (r *Runner) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Calls)
}
