package app_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/gemos/internal/app"
	"github.com/MrWong99/gemos/internal/config"
	dialoguemock "github.com/MrWong99/gemos/internal/dialogue/mock"
	"github.com/MrWong99/gemos/internal/observe"
	"github.com/MrWong99/gemos/internal/session"
	"github.com/MrWong99/gemos/internal/speech"
	audiomock "github.com/MrWong99/gemos/pkg/audio/mock"
	"github.com/MrWong99/gemos/pkg/provider/llm"
	llmmock "github.com/MrWong99/gemos/pkg/provider/llm/mock"
	"github.com/MrWong99/gemos/pkg/provider/stt"
	sttmock "github.com/MrWong99/gemos/pkg/provider/stt/mock"
	"github.com/MrWong99/gemos/pkg/provider/tts"
	ttsmock "github.com/MrWong99/gemos/pkg/provider/tts/mock"
	vadmock "github.com/MrWong99/gemos/pkg/provider/vad/mock"
)

// testConfig returns a defaulted config with one mock engine per kind.
func testConfig() *config.Config {
	cfg := &config.Config{
		STT: config.STTConfig{Engines: []config.ProviderEntry{{Name: "mock-stt"}}},
		TTS: config.TTSConfig{
			Engines:      []config.ProviderEntry{{Name: "mock-tts"}},
			PauseBetween: -1,
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

type fixture struct {
	reg  *config.Registry
	src  *audiomock.Source
	sink *audiomock.Sink
	dlg  *dialoguemock.Handler
	stt  *sttmock.Engine
	tts  *ttsmock.Engine
}

func newFixture() *fixture {
	f := &fixture{
		reg:  config.NewRegistry(),
		src:  &audiomock.Source{},
		sink: &audiomock.Sink{},
		dlg:  &dialoguemock.Handler{Reply: "It is noon."},
		stt:  &sttmock.Engine{EngineName: "mock-stt"},
		tts: &ttsmock.Engine{
			EngineName: "mock-tts",
			VoiceList: []tts.Voice{
				{ID: "amy", Language: "en-US", Gender: "female"},
				{ID: "ryan", Language: "en-US", Gender: "male"},
			},
		},
	}
	f.reg.RegisterSTT("mock-stt", func(config.ProviderEntry) (stt.Engine, error) { return f.stt, nil })
	f.reg.RegisterTTS("mock-tts", func(config.ProviderEntry) (tts.Engine, error) { return f.tts, nil })
	return f
}

func (f *fixture) options() []app.Option {
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	met, err := observe.NewMetrics(mp)
	if err != nil {
		panic(err)
	}
	return []app.Option{
		app.WithFrameSource(f.src),
		app.WithSink(f.sink),
		app.WithDialogue(f.dlg),
		app.WithVAD(&vadmock.Detector{}),
		app.WithMetrics(met),
	}
}

func (f *fixture) newApp(t *testing.T, cfg *config.Config) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, f.reg, f.options()...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()
	f := newFixture()
	a := f.newApp(t, testConfig())

	if got := a.Machine().Current(); got != session.Idle {
		t.Errorf("state = %s, want IDLE", got)
	}
	if got := a.Recognizer().AvailableEngines(); !slices.Equal(got, []string{"mock-stt"}) {
		t.Errorf("stt engines = %v", got)
	}
	if got := a.Synthesizer().CurrentEngine(); got != "mock-tts" {
		t.Errorf("tts current = %q, want mock-tts", got)
	}
	if v, ok := a.Synthesizer().SelectedVoice("mock-tts"); !ok || v.ID != "amy" {
		t.Errorf("selected voice = %+v, %v, want amy", v, ok)
	}
}

func TestNew_NoSTTEngines(t *testing.T) {
	t.Parallel()
	f := newFixture()
	boom := errors.New("no model")
	f.reg.RegisterSTT("mock-stt", func(config.ProviderEntry) (stt.Engine, error) { return nil, boom })

	_, err := app.New(context.Background(), testConfig(), f.reg, f.options()...)
	if !errors.Is(err, speech.ErrNoEngines) {
		t.Fatalf("New() err = %v, want ErrNoEngines", err)
	}
	if _, _, closed := f.src.Counts(); closed != 1 {
		t.Errorf("source Close calls = %d, want 1", closed)
	}
}

func TestNew_UnregisteredLLM(t *testing.T) {
	t.Parallel()
	f := newFixture()
	opts := append(f.options(), app.WithDialogue(nil))

	_, err := app.New(context.Background(), testConfig(), f.reg, opts...)
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("New() err = %v, want ErrProviderNotRegistered", err)
	}
	if f.stt.CloseCount != 1 {
		t.Errorf("stt engine Close calls = %d, want 1", f.stt.CloseCount)
	}
}

func TestNew_LLMFallbacks(t *testing.T) {
	t.Parallel()
	f := newFixture()
	var created []string
	f.reg.RegisterLLM("primary", func(e config.ProviderEntry) (llm.Provider, error) {
		created = append(created, e.Name)
		return &llmmock.Provider{}, nil
	})
	f.reg.RegisterLLM("backup", func(e config.ProviderEntry) (llm.Provider, error) {
		created = append(created, e.Name)
		return &llmmock.Provider{}, nil
	})
	cfg := testConfig()
	cfg.Dialogue.LLM = config.ProviderEntry{Name: "primary"}
	cfg.Dialogue.Fallbacks = []config.ProviderEntry{{Name: "backup"}, {Name: "unregistered"}}

	opts := append(f.options(), app.WithDialogue(nil))
	a, err := app.New(context.Background(), cfg, f.reg, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	defer func() { _ = a.Shutdown(context.Background()) }()

	if !slices.Equal(created, []string{"primary", "backup"}) {
		t.Errorf("created llms = %v, want [primary backup]", created)
	}

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	if !strings.Contains(rec.Body.String(), `"llm":"ok"`) {
		t.Errorf("readyz body = %s, want an ok llm check", rec.Body.String())
	}
}

func TestHandler_HealthAndMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture()
	a := f.newApp(t, testConfig())
	h := a.Handler()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want %d", path, rec.Code, http.StatusOK)
		}
	}
}

func TestRunAndShutdown(t *testing.T) {
	t.Parallel()
	f := newFixture()
	cfg := testConfig()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	a := f.newApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for a.Machine().Current() != session.WakeWordDetection {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want WAKE_WORD_DETECTION", a.Machine().Current())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer scancel()
	if err := a.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
	if err := a.Shutdown(sctx); err != nil {
		t.Fatalf("second Shutdown() = %v", err)
	}
	if got := a.Machine().Current(); got != session.Shutdown {
		t.Errorf("state = %s, want SHUTDOWN", got)
	}
	if f.sink.CallCountClose != 1 {
		t.Errorf("sink Close calls = %d, want 1", f.sink.CallCountClose)
	}
	if f.stt.CloseCount != 1 {
		t.Errorf("stt engine Close calls = %d, want 1", f.stt.CloseCount)
	}

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz after shutdown = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	f := newFixture()
	old := testConfig()
	a := f.newApp(t, old)

	next := testConfig()
	next.Wake.Words = []string{"hello gem"}
	next.TTS.Gender = "male"
	next.Server.ListenAddr = ":9999"

	d := a.ApplyConfig(old, next)
	if !d.WakeWordsChanged || !d.VoiceChanged {
		t.Fatalf("diff = %+v, want wake words and voice changed", d)
	}
	if !slices.Equal(d.RestartRequired, []string{"server"}) {
		t.Errorf("RestartRequired = %v, want [server]", d.RestartRequired)
	}
	if v, ok := a.Synthesizer().SelectedVoice("mock-tts"); !ok || v.ID != "ryan" {
		t.Errorf("selected voice = %+v, %v, want ryan", v, ok)
	}
}
