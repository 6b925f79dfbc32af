// Package orchestrator drives voice turns end to end.
//
// An [Orchestrator] owns one capture loop. Frames from the
// [audio.FrameSource] are handed to a single consumer goroutine through a
// bounded channel. Depending on the session state the consumer feeds frames
// to the wake-word detector or to the utterance [Accumulator]. A finalized
// utterance is transcribed, answered by the [dialogue.Handler] and spoken,
// all in-line on the consumer goroutine:
//
//	WAKE_WORD_DETECTION → LISTENING → PROCESSING → SPEAKING → LISTENING
//
// The capture callback never blocks. When the channel is full the frame is
// dropped and counted.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/gemos/internal/dialogue"
	"github.com/MrWong99/gemos/internal/history"
	"github.com/MrWong99/gemos/internal/observe"
	"github.com/MrWong99/gemos/internal/session"
	"github.com/MrWong99/gemos/pkg/audio"
	"github.com/MrWong99/gemos/pkg/provider/stt"
	"github.com/MrWong99/gemos/pkg/provider/tts"
	"github.com/MrWong99/gemos/pkg/provider/vad"
	"github.com/MrWong99/gemos/pkg/provider/wakeword"
)

// Defaults for [Config].
const (
	DefaultListenTimeout = 8 * time.Second
	DefaultFrameQueue    = 256
	DefaultHistoryTurns  = 6

	DefaultNotUnderstood = "I didn't understand"
	DefaultFallbackReply = "I'm sorry, I'm having trouble answering right now."
)

// ReturnTo selects the state entered after a reply has been spoken.
type ReturnTo string

const (
	ReturnToListening ReturnTo = "listening"
	ReturnToIdle      ReturnTo = "idle"
)

var (
	// ErrAlreadyRunning is returned by a second concurrent Run.
	ErrAlreadyRunning = errors.New("orchestrator: already running")

	// ErrClosed is returned by Run after Shutdown.
	ErrClosed = errors.New("orchestrator: shut down")
)

// Transcriber is the speech-to-text side of a turn. *speech.Recognizer
// satisfies it.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []int16) *stt.Result
	Close() error
}

// Speaker is the text-to-speech side of a turn. *speech.Synthesizer
// satisfies it.
type Speaker interface {
	SpeakRequest(ctx context.Context, req tts.Request) bool
	Close() error
}

// Config tunes an [Orchestrator]. Zero values use the package defaults.
type Config struct {
	SilenceTimeout time.Duration
	MaxUtterance   time.Duration
	MinUtterance   time.Duration
	ListenTimeout  time.Duration

	// ReturnTo defaults to [ReturnToListening].
	ReturnTo ReturnTo

	// FrameQueue is the capacity of the frame channel.
	FrameQueue int

	// HistoryTurns is how many transcript entries are passed to the
	// dialogue handler.
	HistoryTurns int

	NotUnderstood string
	FallbackReply string

	// Greeting is spoken once when Run starts. Empty disables it.
	Greeting string

	// DumpDir, when set, receives every finalized utterance as a WAV file.
	DumpDir string

	Metrics *observe.Metrics
}

func (c *Config) applyDefaults() {
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = DefaultSilenceTimeout
	}
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = DefaultMaxUtterance
	}
	if c.MinUtterance <= 0 {
		c.MinUtterance = DefaultMinUtterance
	}
	if c.ListenTimeout <= 0 {
		c.ListenTimeout = DefaultListenTimeout
	}
	if c.ReturnTo == "" {
		c.ReturnTo = ReturnToListening
	}
	if c.FrameQueue <= 0 {
		c.FrameQueue = DefaultFrameQueue
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = DefaultHistoryTurns
	}
	if c.NotUnderstood == "" {
		c.NotUnderstood = DefaultNotUnderstood
	}
	if c.FallbackReply == "" {
		c.FallbackReply = DefaultFallbackReply
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
}

// Deps are the collaborators of an [Orchestrator]. All fields are required.
type Deps struct {
	Machine  *session.Machine
	Source   audio.FrameSource
	VAD      vad.Detector
	Wake     wakeword.Detector
	STT      Transcriber
	TTS      Speaker
	Dialogue dialogue.Handler
	History  history.Store
}

func (d Deps) validate() error {
	var errs []error
	check := func(ok bool, name string) {
		if !ok {
			errs = append(errs, fmt.Errorf("orchestrator: %s is required", name))
		}
	}
	check(d.Machine != nil, "session machine")
	check(d.Source != nil, "frame source")
	check(d.VAD != nil, "vad")
	check(d.Wake != nil, "wake detector")
	check(d.STT != nil, "transcriber")
	check(d.TTS != nil, "speaker")
	check(d.Dialogue != nil, "dialogue handler")
	check(d.History != nil, "history store")
	return errors.Join(errs...)
}

// Orchestrator runs the capture loop and voice turns.
type Orchestrator struct {
	cfg  Config
	deps Deps

	acc         *Accumulator
	listenStart time.Time
	frames      chan audio.Frame
	dropped     atomic.Int64
	turns       atomic.Int64

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}

	shutdownOnce sync.Once
}

// New validates deps and returns an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		acc:    NewAccumulator(cfg.SilenceTimeout, cfg.MaxUtterance),
		frames: make(chan audio.Frame, cfg.FrameQueue),
		done:   make(chan struct{}),
	}, nil
}

// Dropped returns how many captured frames were discarded because the
// queue was full.
func (o *Orchestrator) Dropped() int64 { return o.dropped.Load() }

// Turns returns how many utterances reached PROCESSING.
func (o *Orchestrator) Turns() int64 { return o.turns.Load() }

// Run starts capture and processes frames until ctx is cancelled or
// Shutdown is called. It returns nil on a clean stop.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	switch {
	case o.closed:
		o.mu.Unlock()
		return ErrClosed
	case o.started:
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.started = true
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	defer close(o.done)
	defer cancel()

	if o.cfg.Greeting != "" {
		if !o.deps.TTS.SpeakRequest(ctx, tts.Request{Text: o.cfg.Greeting}) {
			slog.Warn("orchestrator: greeting could not be spoken")
		}
	}
	o.enterWake()

	err := o.deps.Source.Start(ctx, func(f audio.Frame) {
		select {
		case o.frames <- f:
		default:
			o.dropped.Add(1)
			o.cfg.Metrics.FramesDropped.Add(ctx, 1)
		}
	})
	if err != nil {
		o.deps.Machine.TransitionTo(session.Error, nil, err.Error())
		return fmt.Errorf("orchestrator: start capture: %w", err)
	}
	slog.Info("orchestrator: listening for wake word")

	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-o.frames:
			o.handleFrame(ctx, f)
		}
	}
}

// handleFrame routes one frame by session state. A panic on this goroutine,
// for example in the dialogue handler, is turned into an ERROR → IDLE
// recovery. Engine panics never reach here: resilience.Call recovers them
// and the fallback chain moves on.
func (o *Orchestrator) handleFrame(ctx context.Context, f audio.Frame) {
	defer func() {
		if r := recover(); r != nil {
			o.fail(fmt.Errorf("orchestrator: panic in turn: %v", r))
		}
	}()

	switch o.deps.Machine.Current() {
	case session.Idle, session.WakeWordDetection:
		o.detectWake(ctx, f)
	case session.Listening:
		o.listen(ctx, f)
	}
}

func (o *Orchestrator) detectWake(ctx context.Context, f audio.Frame) {
	det, err := o.deps.Wake.Process(ctx, f)
	if err != nil {
		slog.Warn("orchestrator: wake detector error", "detector", o.deps.Wake.Name(), "error", err)
		return
	}
	if det == nil {
		return
	}
	o.cfg.Metrics.RecordWakeDetection(ctx, det.Keyword, o.deps.Wake.Name())
	slog.Info("orchestrator: wake word detected",
		"keyword", det.Keyword, "confidence", det.Confidence, "detector", o.deps.Wake.Name())

	if !o.deps.Machine.TransitionTo(session.Listening, map[string]any{
		"keyword":    det.Keyword,
		"confidence": det.Confidence,
	}, "") {
		return
	}
	o.deps.Wake.Reset()
	o.startListening()

	if rem := strings.TrimSpace(det.Remainder); rem != "" {
		slog.Debug("orchestrator: using text after wake word", "text", rem)
		o.processText(ctx, rem)
	}
}

func (o *Orchestrator) startListening() {
	o.acc.Reset()
	o.listenStart = time.Time{}
}

func (o *Orchestrator) listen(ctx context.Context, f audio.Frame) {
	at := frameTime(f)
	if o.listenStart.IsZero() {
		o.listenStart = at
	}

	speech, err := o.deps.VAD.IsSpeech(f)
	if err != nil {
		slog.Debug("orchestrator: vad error, treating frame as silence", "error", err)
		speech = false
	}

	switch o.acc.Push(f, speech) {
	case Waiting:
		if at.Sub(o.listenStart) >= o.cfg.ListenTimeout {
			slog.Info("orchestrator: no speech after wake word", "timeout", o.cfg.ListenTimeout)
			o.toIdle("listen_timeout")
		}
	case Ready:
		seg, ok := o.acc.Take()
		if !ok {
			o.startListening()
			return
		}
		o.processSegment(ctx, seg)
	}
}

// processSegment runs one turn for a finalized utterance.
func (o *Orchestrator) processSegment(ctx context.Context, seg Segment) {
	if seg.SpeechFrames == 0 || seg.Duration < o.cfg.MinUtterance {
		slog.Debug("orchestrator: no input", "duration", seg.Duration, "speech_frames", seg.SpeechFrames)
		o.startListening()
		return
	}
	o.dump(seg)

	if !o.deps.Machine.TransitionTo(session.Processing, map[string]any{
		"utterance_ms": seg.Duration.Milliseconds(),
	}, "") {
		o.fail(errors.New("orchestrator: cannot enter PROCESSING"))
		return
	}
	o.turns.Add(1)

	res := o.deps.STT.Transcribe(ctx, seg.Samples)
	if res.Failed() || res.Text == "" {
		if res.Failed() {
			slog.Warn("orchestrator: transcription failed", "error", res.Err)
		} else {
			slog.Debug("orchestrator: empty transcription", "engine", res.Engine)
		}
		o.respond(ctx, o.cfg.NotUnderstood)
		return
	}
	slog.Info("orchestrator: heard", "text", res.Text, "engine", res.Engine, "confidence", res.Confidence)
	o.reply(ctx, res.Text)
}

// processText runs one turn for text that needs no transcription.
func (o *Orchestrator) processText(ctx context.Context, text string) {
	if !o.deps.Machine.TransitionTo(session.Processing, map[string]any{"source": "wake_remainder"}, "") {
		o.fail(errors.New("orchestrator: cannot enter PROCESSING"))
		return
	}
	o.turns.Add(1)
	o.reply(ctx, text)
}

func (o *Orchestrator) reply(ctx context.Context, text string) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "orchestrator.turn")
	defer span.End()

	recent, err := o.deps.History.Recent(ctx, o.cfg.HistoryTurns)
	if err != nil {
		observe.Logger(ctx).Warn("orchestrator: could not load history", "error", err)
		recent = nil
	}
	o.record(ctx, history.RoleUser, text)

	answer, err := o.deps.Dialogue.GenerateReply(ctx, text, recent)
	if err != nil || strings.TrimSpace(answer) == "" {
		observe.Logger(ctx).Warn("orchestrator: dialogue failed, using fallback reply", "error", err)
		span.SetAttributes(attribute.Bool("fallback", true))
		answer = o.cfg.FallbackReply
	}
	o.record(ctx, history.RoleAssistant, answer)

	o.respond(ctx, answer)
	o.cfg.Metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
}

func (o *Orchestrator) record(ctx context.Context, role, content string) {
	if err := o.deps.History.Record(ctx, role, content); err != nil {
		observe.Logger(ctx).Warn("orchestrator: could not record history", "role", role, "error", err)
	}
}

// respond speaks text from PROCESSING and then leaves SPEAKING.
func (o *Orchestrator) respond(ctx context.Context, text string) {
	if !o.deps.Machine.TransitionTo(session.Speaking, nil, "") {
		o.fail(errors.New("orchestrator: cannot enter SPEAKING"))
		return
	}
	if !o.deps.TTS.SpeakRequest(ctx, tts.Request{Text: text}) {
		observe.Logger(ctx).Error("orchestrator: reply could not be spoken", "text", text)
	}
	if n := o.drain(); n > 0 {
		slog.Debug("orchestrator: discarded frames captured while speaking", "frames", n)
	}
	if ctx.Err() != nil {
		return
	}

	if o.cfg.ReturnTo == ReturnToIdle {
		o.toIdle("turn_complete")
		return
	}
	if o.deps.Machine.TransitionTo(session.Listening, nil, "") {
		o.startListening()
	}
}

// drain discards queued frames so the assistant does not hear itself.
func (o *Orchestrator) drain() int {
	n := 0
	for {
		select {
		case <-o.frames:
			n++
		default:
			return n
		}
	}
}

func (o *Orchestrator) toIdle(reason string) {
	o.deps.Machine.TransitionTo(session.Idle, map[string]any{"reason": reason}, "")
	o.enterWake()
}

// enterWake moves from IDLE to WAKE_WORD_DETECTION with a fresh detector.
func (o *Orchestrator) enterWake() {
	o.acc.Reset()
	o.deps.Wake.Reset()
	o.deps.Machine.TransitionTo(session.WakeWordDetection, nil, "")
}

// fail records err in ERROR and recovers to wake-word detection.
func (o *Orchestrator) fail(err error) {
	slog.Error("orchestrator: turn failed", "error", err)
	o.deps.Machine.TransitionTo(session.Error, nil, err.Error())
	if !o.deps.Machine.TransitionTo(session.Idle, map[string]any{"reason": "recover"}, "") {
		o.deps.Machine.ResetToIdle()
	}
	o.enterWake()
}

// dump writes seg to the dump directory when one is configured.
func (o *Orchestrator) dump(seg Segment) {
	if o.cfg.DumpDir == "" {
		return
	}
	name := fmt.Sprintf("utterance-%s.wav", seg.Started.UTC().Format("20060102T150405.000"))
	path := filepath.Join(o.cfg.DumpDir, name)
	if err := os.MkdirAll(o.cfg.DumpDir, 0o755); err != nil {
		slog.Warn("orchestrator: cannot create dump dir", "dir", o.cfg.DumpDir, "error", err)
		return
	}
	if err := audio.WriteWAVFile(path, seg.Samples, seg.SampleRate); err != nil {
		slog.Warn("orchestrator: cannot dump utterance", "path", path, "error", err)
	}
}

// Shutdown stops capture, waits for the run loop, enters SHUTDOWN and closes
// the speech services. Only the first call does any work; later calls
// return nil.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var err error
	o.shutdownOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		started, cancel := o.started, o.cancel
		o.mu.Unlock()

		var errs []error
		if e := o.deps.Source.Stop(); e != nil {
			errs = append(errs, fmt.Errorf("orchestrator: stop capture: %w", e))
		}
		if cancel != nil {
			cancel()
		}
		if started {
			select {
			case <-o.done:
			case <-ctx.Done():
				errs = append(errs, fmt.Errorf("orchestrator: wait for run loop: %w", ctx.Err()))
			}
		}
		if e := o.deps.Source.Close(); e != nil {
			errs = append(errs, fmt.Errorf("orchestrator: close capture: %w", e))
		}

		o.deps.Machine.TransitionTo(session.Shutdown, nil, "")

		if e := o.deps.STT.Close(); e != nil {
			errs = append(errs, fmt.Errorf("orchestrator: close stt: %w", e))
		}
		if e := o.deps.TTS.Close(); e != nil {
			errs = append(errs, fmt.Errorf("orchestrator: close tts: %w", e))
		}
		slog.Info("orchestrator: shut down", "turns", o.turns.Load(), "dropped_frames", o.dropped.Load())
		err = errors.Join(errs...)
	})
	return err
}

func frameTime(f audio.Frame) time.Time {
	if f.Timestamp.IsZero() {
		return time.Now()
	}
	return f.Timestamp
}
