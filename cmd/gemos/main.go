// Command gemos is the main entry point for the GEM OS speech assistant.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	flag "github.com/spf13/pflag"

	"github.com/MrWong99/gemos/internal/app"
	"github.com/MrWong99/gemos/internal/config"
	"github.com/MrWong99/gemos/internal/observe"
	"github.com/MrWong99/gemos/pkg/audio/portaudio"
	"github.com/MrWong99/gemos/pkg/provider/llm"
	"github.com/MrWong99/gemos/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/gemos/pkg/provider/llm/openai"
	"github.com/MrWong99/gemos/pkg/provider/stt"
	"github.com/MrWong99/gemos/pkg/provider/stt/deepgram"
	oastt "github.com/MrWong99/gemos/pkg/provider/stt/openai"
	"github.com/MrWong99/gemos/pkg/provider/stt/whisper"
	"github.com/MrWong99/gemos/pkg/provider/tts"
	"github.com/MrWong99/gemos/pkg/provider/tts/coqui"
	"github.com/MrWong99/gemos/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/gemos/pkg/provider/tts/espeak"
	oatts "github.com/MrWong99/gemos/pkg/provider/tts/openai"
	"github.com/MrWong99/gemos/pkg/provider/tts/piper"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.StringP("config", "c", "config.yaml", "path to the YAML configuration file")
	envFile := flag.StringP("env", "e", ".env", "env file with API keys")
	listDevices := flag.Bool("list-devices", false, "print the available audio devices and exit")
	showVersion := flag.BoolP("version", "v", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("gemos", version)
		return 0
	}
	if *listDevices {
		return printDevices()
	}

	// A missing .env is normal; keys may come from the real environment.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "gemos: load env file %q: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "gemos: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "gemos: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(cfg.Server.LogFormat, level))

	slog.Info("gemos starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Engine registry ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := application.ApplyConfig(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level reloaded", "level", d.NewLogLevel)
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
		go reloadOnHangup(ctx, watcher)
	}

	slog.Info("gemos ready, say a wake word or press Ctrl+C to shut down", "wake_words", cfg.Wake.Words)

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup re-reads the config file whenever the process receives
// SIGHUP, without waiting for the next poll.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			d, err := w.Reload()
			if err != nil {
				continue
			}
			if d.Empty() {
				slog.Info("SIGHUP: config unchanged")
			}
			if len(d.RestartRequired) > 0 {
				slog.Warn("SIGHUP: some changes need a restart", "sections", d.RestartRequired)
			}
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmProviders share the same pattern: optional APIKey + optional BaseURL.
var anyllmProviders = []string{"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// registerBuiltinProviders wires all built-in engine factories into reg.
// Each factory receives a config.ProviderEntry and constructs the engine
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	for _, providerName := range anyllmProviders {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.NewOllama(entry.Model, opts...)
	})

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptString("organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		if d, ok := optDuration(entry, "timeout"); ok {
			opts = append(opts, oallm.WithTimeout(d))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Engine, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.OptString("model_path")
		}
		var opts []whisper.NativeOption
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if n, ok := entry.OptInt("threads"); ok {
			opts = append(opts, whisper.WithNativeThreads(n))
		}
		if prompt := entry.OptString("prompt"); prompt != "" {
			opts = append(opts, whisper.WithNativePrompt(prompt))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Engine, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Engine, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if kw := entry.OptStrings("keywords"); len(kw) > 0 {
			opts = append(opts, deepgram.WithKeywords(kw...))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Engine, error) {
		var opts []oastt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oastt.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, oastt.WithModel(entry.Model))
		}
		if d, ok := optDuration(entry, "timeout"); ok {
			opts = append(opts, oastt.WithTimeout(d))
		}
		if prompt := entry.OptString("prompt"); prompt != "" {
			opts = append(opts, oastt.WithPrompt(prompt))
		}
		return oastt.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("espeak", func(entry config.ProviderEntry) (tts.Engine, error) {
		var opts []espeak.Option
		if bin := entry.OptString("binary"); bin != "" {
			opts = append(opts, espeak.WithBinary(bin))
		}
		if voice := entry.OptString("voice"); voice != "" {
			opts = append(opts, espeak.WithDefaultVoice(voice))
		}
		if variant := entry.OptString("female_variant"); variant != "" {
			opts = append(opts, espeak.WithFemaleVariant(variant))
		}
		return espeak.New(opts...), nil
	})

	reg.RegisterTTS("piper", func(entry config.ProviderEntry) (tts.Engine, error) {
		models := entry.OptStrings("models")
		if entry.Model != "" {
			models = append([]string{entry.Model}, models...)
		}
		var opts []piper.Option
		if bin := entry.OptString("binary"); bin != "" {
			opts = append(opts, piper.WithBinary(bin))
		}
		if genders, ok := entry.Options["genders"].(map[string]any); ok {
			for model, g := range genders {
				if gender, ok := g.(string); ok {
					opts = append(opts, piper.WithVoiceGender(model, gender))
				}
			}
		}
		return piper.New(models, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Engine, error) {
		var opts []coqui.Option
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := entry.OptString("api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if speaker := entry.OptString("speaker"); speaker != "" {
			opts = append(opts, coqui.WithDefaultSpeaker(speaker))
		}
		if d, ok := optDuration(entry, "timeout"); ok {
			opts = append(opts, coqui.WithTimeout(d))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Engine, error) {
		var opts []oatts.Option
		if entry.BaseURL != "" {
			opts = append(opts, oatts.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, oatts.WithModel(entry.Model))
		}
		if voice := entry.OptString("voice"); voice != "" {
			opts = append(opts, oatts.WithDefaultVoice(voice))
		}
		if d, ok := optDuration(entry, "timeout"); ok {
			opts = append(opts, oatts.WithTimeout(d))
		}
		return oatts.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Engine, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := entry.OptString("output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if voice := entry.OptString("voice"); voice != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(voice))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	for _, kind := range []string{"llm", "stt", "tts"} {
		slog.Debug("registered engines", "kind", kind, "names", reg.Names(kind))
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         GEM OS · startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("STT", engineNames(cfg.STT.Engines, cfg.STT.Preferred))
	printRow("TTS", engineNames(cfg.TTS.Engines, cfg.TTS.Preferred))
	printRow("LLM", cfg.Dialogue.LLM.Name+" / "+cfg.Dialogue.LLM.Model)
	printRow("Wake", string(cfg.Wake.Engine))
	printRow("Wake words", strings.Join(cfg.Wake.Words, ", "))
	if cfg.History.PostgresDSN != "" {
		printRow("History", "postgres")
	} else {
		printRow("History", "memory")
	}
	printRow("Voice", cfg.TTS.Language+" "+cfg.TTS.Gender)
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// engineNames lists entries in configured order, marking the preferred one.
func engineNames(entries []config.ProviderEntry, preferred string) string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Name == preferred {
			names = append(names, e.Name+"*")
			continue
		}
		names = append(names, e.Name)
	}
	return strings.Join(names, ",")
}

// printDevices lists every audio device PortAudio reports.
func printDevices() int {
	src, err := portaudio.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gemos: %v\n", err)
		return 1
	}
	defer src.Close()

	devs, err := src.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gemos: %v\n", err)
		return 1
	}
	for _, d := range devs {
		marker := " "
		if d.Index == src.Device().Index {
			marker = "*"
		}
		fmt.Printf("%s %3d  %-40s  in=%d  %.0f Hz\n", marker, d.Index, d.Name, d.MaxInputChannels, d.DefaultSampleRate)
	}
	return 0
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(format config.LogFormat, level *slog.LevelVar) *slog.Logger {
	switch format {
	case config.LogFormatPretty:
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen}))
	case config.LogFormatJSON:
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	default:
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optDuration reads a duration option written as a Go duration string.
func optDuration(entry config.ProviderEntry, key string) (time.Duration, bool) {
	s := entry.OptString(key)
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring invalid duration option", "engine", entry.Name, "key", key, "value", s)
		return 0, false
	}
	return d, true
}
