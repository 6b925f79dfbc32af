package speech

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/gemos/pkg/provider/stt"
	sttmock "github.com/MrWong99/gemos/pkg/provider/stt/mock"
)

func newTestRecognizer(t *testing.T, cfg RecognizerConfig) *Recognizer {
	t.Helper()
	r := NewRecognizer(cfg)
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRecognizer_InitializeOrder(t *testing.T) {
	openai := &sttmock.Engine{EngineName: "openai"}
	whisper := &sttmock.Engine{EngineName: "whisper"}
	native := &sttmock.Engine{EngineName: "whisper-native"}

	r := newTestRecognizer(t, RecognizerConfig{
		Engines: []EngineSpec[stt.Engine]{sttSpec(openai), sttSpec(whisper), sttSpec(native)},
	})

	if got := r.Registry().Names(); !slices.Equal(got, []string{"whisper-native", "whisper", "openai"}) {
		t.Fatalf("Names() = %v, want [whisper-native whisper openai]", got)
	}
	if r.CurrentEngine() != "whisper-native" {
		t.Errorf("CurrentEngine() = %q, want whisper-native", r.CurrentEngine())
	}
}

func TestRecognizer_InitializePreferred(t *testing.T) {
	openai := &sttmock.Engine{EngineName: "openai"}
	whisper := &sttmock.Engine{EngineName: "whisper"}

	r := newTestRecognizer(t, RecognizerConfig{
		Preferred: "openai",
		Engines:   []EngineSpec[stt.Engine]{sttSpec(whisper), sttSpec(openai)},
	})
	if r.CurrentEngine() != "openai" {
		t.Errorf("CurrentEngine() = %q, want openai", r.CurrentEngine())
	}
}

func TestRecognizer_InitializeSkipsBrokenEngines(t *testing.T) {
	cold := &sttmock.Engine{EngineName: "deepgram", WarmupErr: errEngine}
	ok := &sttmock.Engine{EngineName: "openai"}

	r := newTestRecognizer(t, RecognizerConfig{
		Preferred: "whisper",
		Engines: []EngineSpec[stt.Engine]{
			failingSpec[stt.Engine]("whisper"),
			sttSpec(cold),
			sttSpec(ok),
			{Name: "nil-constructor"},
		},
	})

	if got := r.AvailableEngines(); !slices.Equal(got, []string{"openai"}) {
		t.Fatalf("AvailableEngines() = %v, want [openai]", got)
	}
	if r.CurrentEngine() != "openai" {
		t.Errorf("CurrentEngine() = %q, want openai", r.CurrentEngine())
	}
	if cold.CloseCount != 1 {
		t.Errorf("failed warm-up engine closed %d times, want 1", cold.CloseCount)
	}
}

func TestRecognizer_InitializeNoEngines(t *testing.T) {
	r := NewRecognizer(RecognizerConfig{
		Engines: []EngineSpec[stt.Engine]{failingSpec[stt.Engine]("whisper")},
	})
	err := r.Initialize(context.Background())
	if !errors.Is(err, ErrNoEngines) {
		t.Fatalf("Initialize error = %v, want ErrNoEngines", err)
	}
	if err2 := r.Initialize(context.Background()); err2 != err {
		t.Errorf("second Initialize = %v, want first result %v", err2, err)
	}
}

func TestRecognizer_InitializeOnce(t *testing.T) {
	builds := 0
	spec := EngineSpec[stt.Engine]{
		Name: "whisper",
		New: func(context.Context) (stt.Engine, error) {
			builds++
			return &sttmock.Engine{EngineName: "whisper"}, nil
		},
	}
	r := NewRecognizer(RecognizerConfig{Engines: []EngineSpec[stt.Engine]{spec}})
	for range 3 {
		if err := r.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
	}
	if builds != 1 {
		t.Errorf("constructor called %d times, want 1", builds)
	}
}

func TestRecognizer_NotInitialized(t *testing.T) {
	r := NewRecognizer(RecognizerConfig{})
	res := r.Transcribe(context.Background(), []int16{1, 2, 3})
	if !errors.Is(res.Err, ErrNotInitialized) {
		t.Fatalf("Err = %v, want ErrNotInitialized", res.Err)
	}
}

func TestRecognizer_FallbackCompleteness(t *testing.T) {
	a := &sttmock.Engine{EngineName: "a", Err: errEngine}
	b := &sttmock.Engine{EngineName: "b", Result: &stt.Result{Err: errEngine}}
	c := &sttmock.Engine{EngineName: "c", Result: &stt.Result{Text: "  what   time is it ", Confidence: 1.4}}

	r := newTestRecognizer(t, RecognizerConfig{
		Engines: []EngineSpec[stt.Engine]{sttSpec(a), sttSpec(b), sttSpec(c)},
	})

	res := r.Transcribe(context.Background(), []int16{1, 2, 3})
	if res.Err != nil {
		t.Fatalf("Err = %v, want nil", res.Err)
	}
	if res.Text != "What time is it" {
		t.Errorf("Text = %q, want %q", res.Text, "What time is it")
	}
	if res.Engine != "c" {
		t.Errorf("Engine = %q, want c", res.Engine)
	}
	if res.Confidence != 1 {
		t.Errorf("Confidence = %v, want 1", res.Confidence)
	}
	for _, e := range []*sttmock.Engine{a, b, c} {
		if e.CallCount() != 1 {
			t.Errorf("engine %s called %d times, want 1", e.EngineName, e.CallCount())
		}
	}

	stats := r.Stats()
	if stats["a"].Failures != 1 || stats["b"].Failures != 1 || stats["c"].Successes != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestRecognizer_AllFail(t *testing.T) {
	a := &sttmock.Engine{EngineName: "a", Err: errEngine}
	b := &sttmock.Engine{EngineName: "b", Err: errEngine}

	r := newTestRecognizer(t, RecognizerConfig{
		Engines: []EngineSpec[stt.Engine]{sttSpec(a), sttSpec(b)},
	})
	res := r.Transcribe(context.Background(), []int16{1})
	if !errors.Is(res.Err, ErrAllEnginesFailed) {
		t.Fatalf("Err = %v, want ErrAllEnginesFailed", res.Err)
	}
	if !errors.Is(res.Err, errEngine) {
		t.Errorf("Err = %v, want it to wrap the last engine error", res.Err)
	}
	if res.Text != "" {
		t.Errorf("Text = %q, want empty", res.Text)
	}
}

func TestRecognizer_EmptyTextWins(t *testing.T) {
	a := &sttmock.Engine{EngineName: "a", Result: &stt.Result{Text: ""}}
	b := &sttmock.Engine{EngineName: "b", Result: &stt.Result{Text: "never"}}

	r := newTestRecognizer(t, RecognizerConfig{
		Engines: []EngineSpec[stt.Engine]{sttSpec(a), sttSpec(b)},
	})
	res := r.Transcribe(context.Background(), []int16{1})
	if res.Err != nil || res.Text != "" || res.Engine != "a" {
		t.Fatalf("result = %+v, want empty text from a", res)
	}
	if b.CallCount() != 0 {
		t.Errorf("b called %d times, want 0", b.CallCount())
	}
}

func TestRecognizer_TimeoutFallsBack(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	// Ignores its context entirely.
	stuck := &sttmock.Engine{
		EngineName: "stuck",
		TranscribeFunc: func(context.Context, stt.Request) (*stt.Result, error) {
			<-release
			return &stt.Result{Text: "late"}, nil
		},
	}
	fast := &sttmock.Engine{EngineName: "fast", Result: &stt.Result{Text: "on time", Confidence: 0.9}}

	r := newTestRecognizer(t, RecognizerConfig{
		Timeout: 30 * time.Millisecond,
		Engines: []EngineSpec[stt.Engine]{sttSpec(stuck), sttSpec(fast)},
	})

	start := time.Now()
	res := r.Transcribe(context.Background(), []int16{1})
	if res.Engine != "fast" || res.Text != "On time" {
		t.Fatalf("result = %+v, want fast engine", res)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Transcribe took %v, want bounded by the timeout", elapsed)
	}
}

func TestRecognizer_SwitchEngine(t *testing.T) {
	online := &sttmock.Engine{EngineName: "whisper", Result: &stt.Result{Text: "online"}}
	offline := &sttmock.Engine{EngineName: "offline", Result: &stt.Result{Text: "offline"}}

	r := newTestRecognizer(t, RecognizerConfig{
		Engines: []EngineSpec[stt.Engine]{sttSpec(online), sttSpec(offline)},
	})

	if r.SwitchEngine("missing") {
		t.Fatal("SwitchEngine(missing) = true, want false")
	}
	if !r.SwitchEngine("offline") {
		t.Fatal("SwitchEngine(offline) = false, want true")
	}
	for range 3 {
		if res := r.Transcribe(context.Background(), []int16{1}); res.Engine != "offline" {
			t.Fatalf("Engine = %q, want offline", res.Engine)
		}
	}
	if online.CallCount() != 0 {
		t.Errorf("whisper called %d times after switch, want 0", online.CallCount())
	}
}

func TestRecognizer_LanguageFallback(t *testing.T) {
	e := &sttmock.Engine{EngineName: "a", Result: &stt.Result{Text: "olá"}}
	r := newTestRecognizer(t, RecognizerConfig{
		Language: "pt-BR",
		Engines:  []EngineSpec[stt.Engine]{sttSpec(e)},
	})

	res := r.Transcribe(context.Background(), []int16{1})
	if res.Language != "pt-BR" {
		t.Errorf("Language = %q, want pt-BR", res.Language)
	}
	if got := e.Calls[0]; got.Language != "pt-BR" || got.SampleRate != 16000 {
		t.Errorf("request = %+v, want pt-BR at 16000 Hz", got)
	}
}

func TestRecognizer_AutoSelect(t *testing.T) {
	weak := &sttmock.Engine{EngineName: "weak", Result: &stt.Result{Text: "meh", Confidence: 0.5}}
	strong := &sttmock.Engine{EngineName: "strong", Result: &stt.Result{Text: "yes", Confidence: 0.95}}

	r := newTestRecognizer(t, RecognizerConfig{
		AutoSelect: true,
		Engines:    []EngineSpec[stt.Engine]{sttSpec(weak), sttSpec(strong)},
	})
	if r.CurrentEngine() != "weak" {
		t.Fatalf("CurrentEngine() = %q, want weak", r.CurrentEngine())
	}

	r.SwitchEngine("strong")
	for range autoSelectCalls {
		r.Transcribe(context.Background(), []int16{1})
	}
	r.SwitchEngine("weak")

	// One more call on the weak engine triggers reselection.
	if res := r.Transcribe(context.Background(), []int16{1}); res.Engine != "weak" {
		t.Fatalf("Engine = %q, want weak", res.Engine)
	}
	if r.CurrentEngine() != "strong" {
		t.Errorf("CurrentEngine() = %q, want strong", r.CurrentEngine())
	}
}

func TestRecognizer_AutoSelectNeedsHistory(t *testing.T) {
	weak := &sttmock.Engine{EngineName: "weak", Result: &stt.Result{Confidence: 0.5}}
	strong := &sttmock.Engine{EngineName: "strong", Result: &stt.Result{Confidence: 0.95}}

	r := newTestRecognizer(t, RecognizerConfig{
		AutoSelect: true,
		Engines:    []EngineSpec[stt.Engine]{sttSpec(weak), sttSpec(strong)},
	})
	r.SwitchEngine("strong")
	for range 3 {
		r.Transcribe(context.Background(), []int16{1})
	}
	r.SwitchEngine("weak")
	r.Transcribe(context.Background(), []int16{1})

	if r.CurrentEngine() != "weak" {
		t.Errorf("CurrentEngine() = %q, want weak (strong score too low)", r.CurrentEngine())
	}
}

func TestRecognizer_CloseOnce(t *testing.T) {
	e := &sttmock.Engine{EngineName: "a"}
	r := NewRecognizer(RecognizerConfig{Engines: []EngineSpec[stt.Engine]{sttSpec(e)}})
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	_ = r.Close()
	_ = r.Close()
	if e.CloseCount != 1 {
		t.Errorf("CloseCount = %d, want 1", e.CloseCount)
	}
}
