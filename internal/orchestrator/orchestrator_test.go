package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	dialoguemock "github.com/MrWong99/gemos/internal/dialogue/mock"
	"github.com/MrWong99/gemos/internal/history"
	historymock "github.com/MrWong99/gemos/internal/history/mock"
	"github.com/MrWong99/gemos/internal/session"
	"github.com/MrWong99/gemos/internal/speech"
	"github.com/MrWong99/gemos/pkg/audio"
	audiomock "github.com/MrWong99/gemos/pkg/audio/mock"
	"github.com/MrWong99/gemos/pkg/provider/stt"
	sttmock "github.com/MrWong99/gemos/pkg/provider/stt/mock"
	"github.com/MrWong99/gemos/pkg/provider/tts"
	ttsmock "github.com/MrWong99/gemos/pkg/provider/tts/mock"
	vadmock "github.com/MrWong99/gemos/pkg/provider/vad/mock"
	wakemock "github.com/MrWong99/gemos/pkg/provider/wakeword/mock"
)

const wakeSample = 7

// script builds a capture of consecutive 20 ms frames.
type script struct {
	frames []audio.Frame
}

func (s *script) add(n int, v int16) *script {
	for range n {
		s.frames = append(s.frames, frame20(len(s.frames), v))
	}
	return s
}

func (s *script) wake() *script { return s.add(1, wakeSample) }

// heyGem is a wake word, 400 ms of speech and one second of silence.
func heyGem() []audio.Frame {
	return new(script).wake().add(20, 100).add(50, 0).frames
}

type harness struct {
	t *testing.T

	machine *session.Machine
	events  <-chan session.Transition
	src     *audiomock.Source
	vad     *vadmock.Detector
	wake    *wakemock.Detector
	sttEng  *sttmock.Engine
	ttsEng  *ttsmock.Engine
	sink    *audiomock.Sink
	dlg     *dialoguemock.Handler
	hist    *historymock.Store
	cfg     Config

	o      *Orchestrator
	runErr chan error
}

// newHarness wires an orchestrator around mocks. setup may adjust the mocks
// and config before the orchestrator is built.
func newHarness(t *testing.T, frames []audio.Frame, setup func(h *harness)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		machine: session.New(),
		src:     &audiomock.Source{Frames: frames},
		vad:     &vadmock.Detector{},
		wake:    &wakemock.Detector{TriggerSample: wakeSample},
		sttEng:  &sttmock.Engine{EngineName: "whisper", Result: &stt.Result{Text: "what time is it", Confidence: 0.9}},
		ttsEng:  &ttsmock.Engine{EngineName: "espeak"},
		sink:    &audiomock.Sink{},
		dlg:     &dialoguemock.Handler{Reply: "It is noon."},
		hist:    &historymock.Store{},
		runErr:  make(chan error, 1),
	}
	if setup != nil {
		setup(h)
	}
	h.events = h.machine.Subscribe(64)

	rec := speech.NewRecognizer(speech.RecognizerConfig{
		Engines: []speech.EngineSpec[stt.Engine]{{
			Name: h.sttEng.EngineName,
			New:  func(context.Context) (stt.Engine, error) { return h.sttEng, nil },
		}},
	})
	if err := rec.Initialize(context.Background()); err != nil {
		t.Fatalf("recognizer Initialize: %v", err)
	}
	syn := speech.NewSynthesizer(speech.SynthesizerConfig{
		PauseBetween: -1,
		Sink:         h.sink,
		Engines: []speech.EngineSpec[tts.Engine]{{
			Name: h.ttsEng.EngineName,
			New:  func(context.Context) (tts.Engine, error) { return h.ttsEng, nil },
		}},
	})
	if err := syn.Initialize(context.Background()); err != nil {
		t.Fatalf("synthesizer Initialize: %v", err)
	}

	o, err := New(Deps{
		Machine:  h.machine,
		Source:   h.src,
		VAD:      h.vad,
		Wake:     h.wake,
		STT:      rec,
		TTS:      syn,
		Dialogue: h.dlg,
		History:  h.hist,
	}, h.cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.o = o
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return h
}

func (h *harness) start() {
	go func() { h.runErr <- h.o.Run(context.Background()) }()
}

// next returns the next n target states.
func (h *harness) next(n int) []session.State {
	h.t.Helper()
	var got []session.State
	timeout := time.After(3 * time.Second)
	for len(got) < n {
		select {
		case tr, ok := <-h.events:
			if !ok {
				h.t.Fatalf("events closed after %v", got)
			}
			got = append(got, tr.To)
		case <-timeout:
			h.t.Fatalf("timed out after transitions %v, want %d", got, n)
		}
	}
	return got
}

func (h *harness) expect(want ...session.State) {
	h.t.Helper()
	if got := h.next(len(want)); !slices.Equal(got, want) {
		h.t.Fatalf("transitions = %v, want %v", got, want)
	}
}

func (h *harness) shutdown() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.o.Shutdown(ctx); err != nil {
		h.t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-h.runErr:
		if err != nil {
			h.t.Fatalf("Run = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		h.t.Fatal("Run did not return after Shutdown")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func lastSpoken(t *testing.T, e *ttsmock.Engine) string {
	t.Helper()
	req, ok := e.LastRequest()
	if !ok {
		t.Fatal("nothing was synthesized")
	}
	return req.Text
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{}, Config{})
	if err == nil {
		t.Fatal("New(Deps{}) = nil error")
	}
	for _, name := range []string{"session machine", "frame source", "transcriber", "history store"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not mention %q", err, name)
		}
	}
}

func TestOrchestrator_HeyGem(t *testing.T) {
	h := newHarness(t, heyGem(), nil)
	h.start()

	h.expect(
		session.WakeWordDetection,
		session.Listening,
		session.Processing,
		session.Speaking,
		session.Listening,
	)

	if h.sttEng.CallCount() != 1 {
		t.Fatalf("stt calls = %d, want 1", h.sttEng.CallCount())
	}
	// 20 speech frames plus 49 silent frames below the one second timeout.
	if got, want := len(h.sttEng.Calls[0].Samples), 69*320; got != want {
		t.Errorf("transcribed samples = %d, want %d", got, want)
	}
	if h.dlg.CallCount() != 1 || h.dlg.Calls[0].Text != "What time is it" {
		t.Errorf("dialogue calls = %+v", h.dlg.Calls)
	}
	if got := lastSpoken(t, h.ttsEng); got != "It is noon." {
		t.Errorf("spoken = %q, want %q", got, "It is noon.")
	}
	if h.sink.PlayCount() != 1 {
		t.Errorf("sink plays = %d, want 1", h.sink.PlayCount())
	}

	entries := h.hist.Snapshot()
	if len(entries) != 2 ||
		entries[0].Role != history.RoleUser || entries[0].Content != "What time is it" ||
		entries[1].Role != history.RoleAssistant || entries[1].Content != "It is noon." {
		t.Errorf("history = %+v", entries)
	}
	if h.o.Turns() != 1 {
		t.Errorf("Turns() = %d, want 1", h.o.Turns())
	}

	h.shutdown()
	h.expect(session.Shutdown)
}

func TestOrchestrator_TwoSecondUtterance(t *testing.T) {
	// Two seconds of speech, then 1.5 s of silence against the default
	// one second timeout.
	frames := new(script).wake().add(100, 100).add(75, 0).frames
	h := newHarness(t, frames, nil)
	h.start()

	h.expect(
		session.WakeWordDetection,
		session.Listening,
		session.Processing,
		session.Speaking,
		session.Listening,
	)
	h.shutdown()

	if h.sttEng.CallCount() != 1 {
		t.Fatalf("stt calls = %d, want 1", h.sttEng.CallCount())
	}
	if got, want := len(h.sttEng.Calls[0].Samples), (100+49)*320; got != want {
		t.Errorf("transcribed samples = %d, want %d", got, want)
	}
}

func TestOrchestrator_PassesRecentHistory(t *testing.T) {
	h := newHarness(t, heyGem(), func(h *harness) {
		h.cfg.HistoryTurns = 2
		h.hist.Entries = []history.Entry{
			{Role: history.RoleUser, Content: "a"},
			{Role: history.RoleAssistant, Content: "b"},
			{Role: history.RoleUser, Content: "c"},
		}
	})
	h.start()
	h.expect(session.WakeWordDetection, session.Listening, session.Processing, session.Speaking, session.Listening)

	recent := h.dlg.Calls[0].Recent
	if len(recent) != 2 || recent[0].Content != "b" || recent[1].Content != "c" {
		t.Errorf("recent = %+v, want [b c]", recent)
	}
}

func TestOrchestrator_STTFailureSpeaksNotUnderstood(t *testing.T) {
	h := newHarness(t, heyGem(), func(h *harness) {
		h.sttEng.Err = errors.New("model crashed")
	})
	h.start()
	h.expect(session.WakeWordDetection, session.Listening, session.Processing, session.Speaking, session.Listening)

	if h.dlg.CallCount() != 0 {
		t.Errorf("dialogue calls = %d, want 0", h.dlg.CallCount())
	}
	if got := lastSpoken(t, h.ttsEng); got != DefaultNotUnderstood {
		t.Errorf("spoken = %q, want %q", got, DefaultNotUnderstood)
	}
	if len(h.hist.Snapshot()) != 0 {
		t.Errorf("history = %+v, want empty", h.hist.Snapshot())
	}
}

func TestOrchestrator_STTPanicSpeaksNotUnderstood(t *testing.T) {
	h := newHarness(t, heyGem(), func(h *harness) {
		h.sttEng.TranscribeFunc = func(context.Context, stt.Request) (*stt.Result, error) {
			panic("engine boom")
		}
	})
	h.start()
	h.expect(session.WakeWordDetection, session.Listening, session.Processing, session.Speaking, session.Listening)

	if got := lastSpoken(t, h.ttsEng); got != DefaultNotUnderstood {
		t.Errorf("spoken = %q, want %q", got, DefaultNotUnderstood)
	}
	if h.dlg.CallCount() != 0 {
		t.Errorf("dialogue calls = %d, want 0", h.dlg.CallCount())
	}
}

func TestOrchestrator_EmptyTranscriptSpeaksNotUnderstood(t *testing.T) {
	h := newHarness(t, heyGem(), func(h *harness) {
		h.sttEng.Result = &stt.Result{Text: "   "}
		h.cfg.NotUnderstood = "Sorry, say that again?"
	})
	h.start()
	h.expect(session.WakeWordDetection, session.Listening, session.Processing, session.Speaking, session.Listening)

	if got := lastSpoken(t, h.ttsEng); got != "Sorry, say that again?" {
		t.Errorf("spoken = %q", got)
	}
}

func TestOrchestrator_DialogueFailureUsesFallback(t *testing.T) {
	h := newHarness(t, heyGem(), func(h *harness) {
		h.dlg.Err = errors.New("llm offline")
	})
	h.start()
	h.expect(session.WakeWordDetection, session.Listening, session.Processing, session.Speaking, session.Listening)

	if got := lastSpoken(t, h.ttsEng); got != DefaultFallbackReply {
		t.Errorf("spoken = %q, want %q", got, DefaultFallbackReply)
	}
	entries := h.hist.Snapshot()
	if len(entries) != 2 || entries[1].Content != DefaultFallbackReply {
		t.Errorf("history = %+v", entries)
	}
}

func TestOrchestrator_TTSFailureReturnsToListening(t *testing.T) {
	h := newHarness(t, heyGem(), func(h *harness) {
		h.ttsEng.Err = errors.New("no voice")
	})
	h.start()
	h.expect(session.WakeWordDetection, session.Listening, session.Processing, session.Speaking, session.Listening)

	if h.sink.PlayCount() != 0 {
		t.Errorf("sink plays = %d, want 0", h.sink.PlayCount())
	}
}

func TestOrchestrator_HistoryFailureIgnored(t *testing.T) {
	h := newHarness(t, heyGem(), func(h *harness) {
		h.hist.RecordErr = errors.New("db down")
		h.hist.RecentErr = errors.New("db down")
	})
	h.start()
	h.expect(session.WakeWordDetection, session.Listening, session.Processing, session.Speaking, session.Listening)

	if got := lastSpoken(t, h.ttsEng); got != "It is noon." {
		t.Errorf("spoken = %q", got)
	}
}

func TestOrchestrator_ShortUtteranceIsNoInput(t *testing.T) {
	// 100 ms of speech and 80 ms of kept silence stay below 300 ms.
	frames := new(script).wake().add(5, 100).add(5, 0).frames
	h := newHarness(t, frames, func(h *harness) {
		h.cfg.SilenceTimeout = 100 * time.Millisecond
	})
	h.start()
	h.expect(session.WakeWordDetection, session.Listening)

	waitFor(t, "all listening frames", func() bool { return h.vad.CallCount() == 10 })
	if h.sttEng.CallCount() != 0 {
		t.Errorf("stt calls = %d, want 0", h.sttEng.CallCount())
	}
	if h.machine.Current() != session.Listening {
		t.Errorf("state = %v, want LISTENING", h.machine.Current())
	}
	if h.o.Turns() != 0 {
		t.Errorf("Turns() = %d, want 0", h.o.Turns())
	}
}

func TestOrchestrator_MaxUtteranceFinalizes(t *testing.T) {
	// Speech is cut at 200 ms; the trailing frames never join it.
	frames := new(script).wake().add(10, 100).add(10, 0).frames
	h := newHarness(t, frames, func(h *harness) {
		h.cfg.MaxUtterance = 200 * time.Millisecond
		h.cfg.MinUtterance = 100 * time.Millisecond
	})
	h.start()
	h.expect(session.WakeWordDetection, session.Listening, session.Processing, session.Speaking, session.Listening)

	if got := len(h.sttEng.Calls[0].Samples); got != 10*320 {
		t.Errorf("transcribed samples = %d, want %d", got, 10*320)
	}
}

func TestOrchestrator_ListenTimeout(t *testing.T) {
	frames := new(script).wake().add(15, 0).frames
	h := newHarness(t, frames, func(h *harness) {
		h.cfg.ListenTimeout = 200 * time.Millisecond
	})
	h.start()
	h.expect(session.WakeWordDetection, session.Listening, session.Idle, session.WakeWordDetection)

	if h.sttEng.CallCount() != 0 {
		t.Errorf("stt calls = %d, want 0", h.sttEng.CallCount())
	}
}

func TestOrchestrator_ReturnToIdle(t *testing.T) {
	h := newHarness(t, heyGem(), func(h *harness) {
		h.cfg.ReturnTo = ReturnToIdle
	})
	h.start()
	h.expect(
		session.WakeWordDetection,
		session.Listening,
		session.Processing,
		session.Speaking,
		session.Idle,
		session.WakeWordDetection,
	)
}

func TestOrchestrator_WakeRemainder(t *testing.T) {
	h := newHarness(t, new(script).wake().frames, func(h *harness) {
		h.wake.Detection.Remainder = "what time is it"
	})
	h.start()
	h.expect(session.WakeWordDetection, session.Listening, session.Processing, session.Speaking, session.Listening)

	if h.sttEng.CallCount() != 0 {
		t.Errorf("stt calls = %d, want 0", h.sttEng.CallCount())
	}
	if h.dlg.Calls[0].Text != "what time is it" {
		t.Errorf("dialogue text = %q", h.dlg.Calls[0].Text)
	}
}

func TestOrchestrator_PanicRecovers(t *testing.T) {
	h := newHarness(t, heyGem(), func(h *harness) {
		h.dlg.ReplyFunc = func(context.Context, string) (string, error) {
			panic("boom")
		}
	})
	h.start()
	h.expect(
		session.WakeWordDetection,
		session.Listening,
		session.Processing,
		session.Error,
		session.Idle,
		session.WakeWordDetection,
	)
	hist := h.machine.History()
	errTr := hist[len(hist)-3]
	if errTr.To != session.Error {
		t.Fatalf("history = %+v", hist)
	}
}

func TestOrchestrator_Greeting(t *testing.T) {
	h := newHarness(t, nil, func(h *harness) {
		h.cfg.Greeting = "Hello, I am GEM."
	})
	h.start()
	h.expect(session.WakeWordDetection)

	if h.ttsEng.CallCount() != 1 || h.ttsEng.Calls[0].Text != "Hello, I am GEM." {
		t.Errorf("tts calls = %+v", h.ttsEng.Calls)
	}
	if h.sink.PlayCount() != 1 {
		t.Errorf("sink plays = %d, want 1", h.sink.PlayCount())
	}
}

func TestOrchestrator_DumpDir(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, heyGem(), func(h *harness) {
		h.cfg.DumpDir = dir
	})
	h.start()
	h.expect(session.WakeWordDetection, session.Listening, session.Processing, session.Speaking, session.Listening)

	files, err := filepath.Glob(filepath.Join(dir, "utterance-*.wav"))
	if err != nil || len(files) != 1 {
		t.Fatalf("dumped files = %v, %v; want one", files, err)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	samples, rate, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if len(samples) != 69*320 || rate != 16000 {
		t.Errorf("dump = %d samples at %d Hz", len(samples), rate)
	}
}

func TestOrchestrator_DropsFramesWhenQueueFull(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	frames := new(script).add(100, 1).frames

	h := newHarness(t, frames, func(h *harness) {
		h.cfg.FrameQueue = 2
		h.wake.Trigger = func(n int, _ audio.Frame) bool {
			if n == 0 {
				close(entered)
				<-release
			}
			return false
		}
	})
	h.start()

	<-entered
	select {
	case <-h.src.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("source did not finish")
	}
	// One frame is held by the consumer, two sit in the queue.
	if d := h.o.Dropped(); d < 97 || d > 98 {
		t.Errorf("Dropped() = %d, want 97 or 98", d)
	}
}

func TestOrchestrator_ShutdownIdempotent(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start()
	h.expect(session.WakeWordDetection)

	h.shutdown()
	h.expect(session.Shutdown)

	if err := h.o.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown = %v, want nil", err)
	}
	_, stops, closes := h.src.Counts()
	if stops != 1 || closes != 1 {
		t.Errorf("source stop/close = %d/%d, want 1/1", stops, closes)
	}
	if h.sttEng.CloseCount != 1 || h.ttsEng.CloseCount != 1 {
		t.Errorf("engine closes = %d/%d, want 1/1", h.sttEng.CloseCount, h.ttsEng.CloseCount)
	}
	if h.machine.Current() != session.Shutdown {
		t.Errorf("state = %v, want SHUTDOWN", h.machine.Current())
	}
	if err := h.o.Run(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Run after Shutdown = %v, want ErrClosed", err)
	}
}

func TestOrchestrator_ShutdownWithoutRun(t *testing.T) {
	h := newHarness(t, nil, nil)
	if err := h.o.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown = %v", err)
	}
	if h.machine.Current() != session.Shutdown {
		t.Errorf("state = %v, want SHUTDOWN", h.machine.Current())
	}
}

func TestOrchestrator_StartError(t *testing.T) {
	errDevice := errors.New("no input device")
	h := newHarness(t, nil, func(h *harness) {
		h.src.StartError = errDevice
	})
	err := h.o.Run(context.Background())
	if !errors.Is(err, errDevice) {
		t.Fatalf("Run = %v, want %v", err, errDevice)
	}
	if h.machine.Current() != session.Error {
		t.Errorf("state = %v, want ERROR", h.machine.Current())
	}
}

func TestOrchestrator_RunTwice(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start()
	h.expect(session.WakeWordDetection)
	if err := h.o.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run = %v, want ErrAlreadyRunning", err)
	}
	h.shutdown()
}
