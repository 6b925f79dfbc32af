// Package app wires all GEM OS subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the capture loop and the health/metrics server,
// and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithFrameSource, WithSink, WithHistoryStore, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/gemos/internal/config"
	"github.com/MrWong99/gemos/internal/dialogue"
	"github.com/MrWong99/gemos/internal/health"
	"github.com/MrWong99/gemos/internal/history"
	"github.com/MrWong99/gemos/internal/observe"
	"github.com/MrWong99/gemos/internal/orchestrator"
	"github.com/MrWong99/gemos/internal/resilience"
	"github.com/MrWong99/gemos/internal/session"
	"github.com/MrWong99/gemos/internal/speech"
	"github.com/MrWong99/gemos/pkg/audio"
	"github.com/MrWong99/gemos/pkg/audio/portaudio"
	"github.com/MrWong99/gemos/pkg/audio/speaker"
	"github.com/MrWong99/gemos/pkg/provider/stt"
	"github.com/MrWong99/gemos/pkg/provider/tts"
	"github.com/MrWong99/gemos/pkg/provider/vad"
	"github.com/MrWong99/gemos/pkg/provider/wakeword"
)

// serverShutdownTimeout bounds the graceful stop of the HTTP server.
const serverShutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes and orchestrates the speech pipeline.
type App struct {
	cfg     *config.Config
	reg     *config.Registry
	metrics *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	machine    *session.Machine
	source     audio.FrameSource
	sink       audio.Sink
	detector   vad.Detector
	wake       wakeword.Detector
	spotter    *wakeword.Spotter
	recognizer *speech.Recognizer
	synth      *speech.Synthesizer
	handler    dialogue.Handler
	store      history.Store
	orch       *orchestrator.Orchestrator
	health     *health.Handler
	server     *http.Server

	// llmBackends lists the usable LLM backends when fallbacks are set.
	llmBackends func() []string

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithFrameSource injects a capture source instead of opening a PortAudio
// device.
func WithFrameSource(s audio.FrameSource) Option {
	return func(a *App) { a.source = s }
}

// WithSink injects a playback sink instead of the system speaker.
func WithSink(s audio.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithHistoryStore injects a transcript store instead of creating one from
// config.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithDialogue injects a dialogue handler instead of building an LLM
// handler from config.
func WithDialogue(h dialogue.Handler) Option {
	return func(a *App) { a.handler = h }
}

// WithVAD injects a voice activity detector instead of the tiered
// WebRTC/energy detector.
func WithVAD(d vad.Detector) Option {
	return func(a *App) { a.detector = d }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. reg supplies the
// STT, TTS and LLM constructors named in cfg. Use Option functions to inject
// test doubles for any subsystem.
//
// New performs all initialisation synchronously. Configuration errors are
// fatal: no STT engine, no TTS engine, or no input device fails New.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, reg: reg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.machine = session.New(session.WithMetrics(a.metrics))

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"speech", a.initSpeech},
		{"vad", a.initVAD},
		{"wake", a.initWake},
		{"dialogue", a.initDialogue},
		{"history", a.initHistory},
		{"audio", a.initSource},
		{"orchestrator", a.initOrchestrator},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}
	a.initServer()
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initSpeech builds and initialises the recognizer and the synthesizer.
func (a *App) initSpeech(ctx context.Context) error {
	a.recognizer = speech.NewRecognizer(speech.RecognizerConfig{
		Preferred:           a.cfg.STT.Preferred,
		Engines:             sttSpecs(a.reg, a.cfg.STT.Engines),
		Timeout:             a.cfg.STT.Timeout,
		ConfidenceThreshold: a.cfg.STT.ConfidenceThreshold,
		AutoSelect:          a.cfg.STT.AutoSelect,
		Language:            a.cfg.STT.Language,
		SampleRate:          a.cfg.Audio.SampleRate,
		Metrics:             a.metrics,
	})
	a.closers = append(a.closers, a.recognizer.Close)
	if err := a.recognizer.Initialize(ctx); err != nil {
		return fmt.Errorf("stt: %w", err)
	}

	if a.sink == nil {
		a.sink = speaker.New()
	}
	a.closers = append(a.closers, a.sink.Close)

	a.synth = speech.NewSynthesizer(speech.SynthesizerConfig{
		Preferred:    a.cfg.TTS.Preferred,
		Engines:      ttsSpecs(a.reg, a.cfg.TTS.Engines),
		Timeout:      a.cfg.TTS.Timeout,
		Rate:         a.cfg.TTS.Rate,
		Volume:       a.cfg.TTS.Volume,
		Language:     a.cfg.TTS.Language,
		Voice:        voicePrefs(a.cfg),
		PauseBetween: a.cfg.TTS.PauseBetween,
		SlowSpeech:   a.cfg.Accessibility.SlowSpeech,
		Sink:         a.sink,
		Metrics:      a.metrics,
	})
	a.closers = append(a.closers, a.synth.Close)
	if err := a.synth.Initialize(ctx); err != nil {
		return fmt.Errorf("tts: %w", err)
	}

	slog.Info("speech services ready",
		"stt", a.recognizer.AvailableEngines(),
		"stt_current", a.recognizer.CurrentEngine(),
		"tts", a.synth.AvailableEngines(),
		"tts_current", a.synth.CurrentEngine(),
	)
	return nil
}

// initVAD builds the tiered detector: WebRTC first, energy as fallback.
func (a *App) initVAD(context.Context) error {
	if a.detector != nil {
		return nil
	}
	energy := vad.NewEnergy(a.cfg.VAD.EnergyThreshold)

	var webrtcOpts []vad.WebRTCOption
	if a.cfg.VAD.Mode != nil {
		webrtcOpts = append(webrtcOpts, vad.WithMode(*a.cfg.VAD.Mode))
	}
	webrtcOpts = append(webrtcOpts,
		vad.WithSubFrameMs(a.cfg.VAD.FrameMs),
		vad.WithSpeechRatio(a.cfg.VAD.SpeechRatio),
	)
	webrtc, err := vad.NewWebRTC(webrtcOpts...)
	if err != nil {
		slog.Warn("webrtc vad unavailable, using energy detector only", "err", err)
		a.detector = energy
		return nil
	}
	a.detector = vad.NewTiered(webrtc, energy)
	return nil
}

// initWake builds the wake-word detector. The spotter needs an STT engine;
// without one the energy detector runs alone.
func (a *App) initWake(context.Context) error {
	keyword := "gem"
	if len(a.cfg.Wake.Words) > 0 {
		keyword = a.cfg.Wake.Words[0]
	}
	energy := wakeword.NewEnergy(a.detector, keyword, a.cfg.Wake.VolumeThreshold, wakeword.DefaultMinFrames)

	if a.cfg.Wake.Engine == config.WakeEnergy {
		a.wake = energy
		return nil
	}

	name := a.cfg.Wake.STT
	if name == "" {
		name = a.recognizer.CurrentEngine()
	}
	entry, ok := a.recognizer.Registry().Get(name)
	if !ok || !entry.Available {
		slog.Warn("wake spotter engine unavailable, using energy wake detection", "engine", name)
		a.wake = energy
		return nil
	}

	spotter, err := wakeword.NewSpotter(a.detector, entry.Engine, a.newMatcher(a.cfg.Wake.Words),
		wakeword.WithWindow(a.cfg.Wake.Window),
		wakeword.WithLanguage(a.cfg.STT.Language),
	)
	if err != nil {
		return err
	}
	a.spotter = spotter
	a.wake = wakeword.NewChain(spotter, energy, wakeword.DefaultCooldown)
	slog.Info("wake detection ready", "detector", a.wake.Name(), "words", a.cfg.Wake.Words)
	return nil
}

func (a *App) newMatcher(words []string) *wakeword.PhraseMatcher {
	return wakeword.NewPhraseMatcher(words, wakeword.WithMinSimilarity(a.cfg.Wake.MinSimilarity))
}

// initDialogue builds the LLM dialogue handler unless one was injected.
func (a *App) initDialogue(context.Context) error {
	if a.handler != nil {
		return nil
	}
	primary := a.cfg.Dialogue.LLM
	p, err := a.reg.CreateLLM(primary)
	if err != nil {
		return fmt.Errorf("create llm %q: %w", primary.Name, err)
	}
	if len(a.cfg.Dialogue.Fallbacks) > 0 {
		fb := resilience.NewLLMFallback(p, primary.Name, resilience.FallbackConfig{})
		for i, entry := range a.cfg.Dialogue.Fallbacks {
			alt, err := a.reg.CreateLLM(entry)
			if err != nil {
				slog.Warn("skipping llm fallback", "index", i, "llm", entry.Name, "err", err)
				continue
			}
			// Entries may reuse a provider name with a different model.
			fb.AddFallback(fmt.Sprintf("%s#%d", entry.Name, i+1), alt)
		}
		a.llmBackends = fb.Available
		p = fb
	}
	a.handler = dialogue.NewLLM(p, dialogue.LLMConfig{
		SystemPrompt: a.cfg.Dialogue.SystemPrompt,
		Temperature:  a.cfg.Dialogue.Temperature,
		MaxTokens:    a.cfg.Dialogue.MaxTokens,
		Timeout:      a.cfg.Dialogue.Timeout,
		Metrics:      a.metrics,
	})
	slog.Info("dialogue ready", "llm", primary.Name, "model", primary.Model, "fallbacks", len(a.cfg.Dialogue.Fallbacks))
	return nil
}

// initHistory opens the Postgres transcript store when a DSN is configured
// and falls back to an in-memory store otherwise.
func (a *App) initHistory(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if dsn := a.cfg.History.PostgresDSN; dsn != "" {
		store, err := history.NewPostgresStore(ctx, dsn)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		slog.Info("transcript store ready", "backend", "postgres", "session", store.SessionID())
		return nil
	}
	a.store = history.NewMemoryStore(uuid.NewString(), a.cfg.History.MemoryLimit)
	slog.Info("transcript store ready", "backend", "memory", "limit", a.cfg.History.MemoryLimit)
	return nil
}

// initSource opens the PortAudio capture device unless a source was injected.
func (a *App) initSource(context.Context) error {
	if a.source != nil {
		return nil
	}
	opts := []portaudio.Option{
		portaudio.WithSampleRate(a.cfg.Audio.SampleRate),
		portaudio.WithChannels(a.cfg.Audio.Channels),
		portaudio.WithBlockSize(a.cfg.Audio.BlockSize),
		portaudio.WithDeviceName(a.cfg.Audio.DeviceName),
	}
	if a.cfg.Audio.DeviceIndex != nil {
		opts = append(opts, portaudio.WithDeviceIndex(*a.cfg.Audio.DeviceIndex))
	}
	src, err := portaudio.New(opts...)
	if err != nil {
		return err
	}
	a.source = src
	return nil
}

// initOrchestrator assembles the turn loop. From here on the orchestrator
// owns the source, the recognizer and the synthesizer.
func (a *App) initOrchestrator(context.Context) error {
	orch, err := orchestrator.New(orchestrator.Deps{
		Machine:  a.machine,
		Source:   a.source,
		VAD:      a.detector,
		Wake:     a.wake,
		STT:      a.recognizer,
		TTS:      a.synth,
		Dialogue: a.handler,
		History:  a.store,
	}, orchestrator.Config{
		SilenceTimeout: a.cfg.Listen.SilenceTimeout,
		MaxUtterance:   a.cfg.Listen.MaxDuration,
		MinUtterance:   a.cfg.Listen.MinUtterance,
		ListenTimeout:  a.cfg.Listen.ListenTimeout,
		ReturnTo:       orchestrator.ReturnTo(a.cfg.Listen.ReturnTo),
		FrameQueue:     a.cfg.Audio.FrameQueue,
		HistoryTurns:   a.cfg.Dialogue.HistoryTurns,
		NotUnderstood:  a.cfg.Dialogue.NotUnderstood,
		FallbackReply:  a.cfg.Dialogue.FallbackReply,
		Greeting:       a.cfg.TTS.Greeting,
		DumpDir:        a.cfg.Audio.DumpDir,
		Metrics:        a.metrics,
	})
	if err != nil {
		return err
	}
	a.orch = orch
	return nil
}

// initServer prepares the health and metrics server. It is only started
// when server.listen_addr is set.
func (a *App) initServer() {
	checks := []health.Checker{
		health.SessionChecker(a.machine),
		health.EnginesChecker("stt", a.recognizer.AvailableEngines),
		health.EnginesChecker("tts", a.synth.AvailableEngines),
	}
	if a.llmBackends != nil {
		checks = append(checks, health.EnginesChecker("llm", a.llmBackends))
	}
	if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, health.Checker{Name: "history", Check: p.Ping})
	}
	a.health = health.New(checks...)
	if a.cfg.Server.ListenAddr == "" {
		return
	}
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Handler returns the HTTP handler serving /healthz, /readyz and /metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	return observe.Middleware(a.metrics)(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the capture loop and, when configured, the HTTP server. It
// blocks until ctx is cancelled or either of them fails. A clean stop
// returns nil.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.orch.Run(gctx)
	})

	if a.server != nil {
		ln, err := net.Listen("tcp", a.server.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.server.Addr, err)
		}
		slog.Info("health server listening", "addr", ln.Addr().String())
		g.Go(func() error {
			if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
			defer cancel()
			return a.server.Shutdown(sctx)
		})
	}

	slog.Info("app running", "state", a.machine.Current().String())
	return g.Wait()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new:
// wake words and voice preferences. The log level is owned by the caller.
// Sections that need a restart are logged and left alone.
func (a *App) ApplyConfig(old, new *config.Config) config.ConfigDiff {
	d := config.Diff(old, new)
	a.cfg = new
	if d.WakeWordsChanged {
		if a.spotter != nil {
			a.spotter.SetMatcher(a.newMatcher(d.NewWakeWords))
			slog.Info("wake words reloaded", "words", d.NewWakeWords)
		} else {
			slog.Warn("wake words changed but the energy detector has no phrases to update")
		}
	}
	if d.VoiceChanged {
		a.synth.SetVoicePrefs(voicePrefs(new))
		slog.Info("voice preferences reloaded", "language", new.TTS.Language, "gender", new.TTS.Gender, "styles", new.TTS.Styles)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
	return d
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Machine returns the session state machine.
func (a *App) Machine() *session.Machine { return a.machine }

// Recognizer returns the speech-to-text service.
func (a *App) Recognizer() *speech.Recognizer { return a.recognizer }

// Synthesizer returns the text-to-speech service.
func (a *App) Synthesizer() *speech.Synthesizer { return a.synth }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the orchestrator and then runs the remaining closers in
// order. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.orch.Shutdown(ctx); err != nil {
			slog.Warn("orchestrator shutdown error", "err", err)
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				shutdownErr = err
				return
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New managed to create before failing.
func (a *App) closeAll() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			slog.Warn("cleanup error", "err", err)
		}
	}
	if a.source != nil {
		_ = a.source.Close()
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// sttSpecs turns config entries into lazily constructed engine specs.
func sttSpecs(reg *config.Registry, entries []config.ProviderEntry) []speech.EngineSpec[stt.Engine] {
	specs := make([]speech.EngineSpec[stt.Engine], 0, len(entries))
	for _, e := range entries {
		specs = append(specs, speech.EngineSpec[stt.Engine]{
			Name: e.Name,
			New:  func(context.Context) (stt.Engine, error) { return reg.CreateSTT(e) },
		})
	}
	return specs
}

// ttsSpecs turns config entries into lazily constructed engine specs.
func ttsSpecs(reg *config.Registry, entries []config.ProviderEntry) []speech.EngineSpec[tts.Engine] {
	specs := make([]speech.EngineSpec[tts.Engine], 0, len(entries))
	for _, e := range entries {
		specs = append(specs, speech.EngineSpec[tts.Engine]{
			Name: e.Name,
			New:  func(context.Context) (tts.Engine, error) { return reg.CreateTTS(e) },
		})
	}
	return specs
}

func voicePrefs(cfg *config.Config) speech.VoicePrefs {
	return speech.VoicePrefs{
		Language: cfg.TTS.Language,
		Gender:   cfg.TTS.Gender,
		Styles:   cfg.TTS.Styles,
	}
}
