package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/gemos/internal/dialogue"
	"github.com/MrWong99/gemos/internal/history"
	"github.com/MrWong99/gemos/internal/observe"
	"github.com/MrWong99/gemos/internal/orchestrator"
	"github.com/MrWong99/gemos/internal/speech"
	"github.com/MrWong99/gemos/pkg/audio"
	"github.com/MrWong99/gemos/pkg/provider/llm/anyllm"
	"github.com/MrWong99/gemos/pkg/provider/tts"
	"github.com/MrWong99/gemos/pkg/provider/vad"
	"github.com/MrWong99/gemos/pkg/provider/wakeword"
)

// Bounds accepted by [Validate].
const (
	MinMaxDuration = 8 * time.Second
	MaxMaxDuration = 60 * time.Second
)

// Defaults that have no owning package.
const (
	DefaultBlockSize    = 480
	DefaultLLMProvider  = "ollama"
	DefaultTTSLanguage  = "en-US"
	DefaultVoiceStyle   = "calm"
	DefaultHistoryLimit = history.DefaultMemoryLimit
)

// ValidProviderNames lists known engine names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"whisper-native", "whisper", "deepgram", "openai"},
	"tts": {"espeak", "piper", "coqui", "openai", "elevenlabs"},
}

var validGenders = []string{"", "female", "male", "neutral"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands environment
// references, applies defaults, and validates the result. An empty document
// yields the default configuration, which still fails validation because no
// engines are configured.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ExpandEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces ${VAR} and $VAR references in secrets and connection
// strings with values from the environment.
func ExpandEnv(cfg *Config) {
	for i := range cfg.STT.Engines {
		cfg.STT.Engines[i].APIKey = os.ExpandEnv(cfg.STT.Engines[i].APIKey)
	}
	for i := range cfg.TTS.Engines {
		cfg.TTS.Engines[i].APIKey = os.ExpandEnv(cfg.TTS.Engines[i].APIKey)
	}
	cfg.Dialogue.LLM.APIKey = os.ExpandEnv(cfg.Dialogue.LLM.APIKey)
	for i := range cfg.Dialogue.Fallbacks {
		cfg.Dialogue.Fallbacks[i].APIKey = os.ExpandEnv(cfg.Dialogue.Fallbacks[i].APIKey)
	}
	cfg.History.PostgresDSN = os.ExpandEnv(cfg.History.PostgresDSN)
}

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}

	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = audio.DefaultSampleRate
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.BlockSize == 0 {
		cfg.Audio.BlockSize = DefaultBlockSize
	}
	if cfg.Audio.FrameQueue == 0 {
		cfg.Audio.FrameQueue = orchestrator.DefaultFrameQueue
	}

	if cfg.VAD.Mode == nil {
		mode := vad.DefaultMode
		cfg.VAD.Mode = &mode
	}
	if cfg.VAD.FrameMs == 0 {
		cfg.VAD.FrameMs = vad.DefaultSubFrameMs
	}
	if cfg.VAD.SpeechRatio == 0 {
		cfg.VAD.SpeechRatio = vad.DefaultSpeechRatio
	}
	if cfg.VAD.EnergyThreshold == 0 {
		cfg.VAD.EnergyThreshold = vad.DefaultEnergyThreshold
	}

	if len(cfg.Wake.Words) == 0 {
		cfg.Wake.Words = slices.Clone(wakeword.DefaultPhrases)
	}
	if cfg.Wake.VolumeThreshold == 0 {
		cfg.Wake.VolumeThreshold = wakeword.DefaultVolumeThreshold
	}
	if cfg.Wake.MinSimilarity == 0 {
		cfg.Wake.MinSimilarity = wakeword.DefaultMinSimilarity
	}
	if cfg.Wake.Window == 0 {
		cfg.Wake.Window = wakeword.DefaultWindow
	}
	if cfg.Wake.Engine == "" {
		cfg.Wake.Engine = WakeSpotter
	}

	if cfg.Listen.SilenceTimeout == 0 {
		cfg.Listen.SilenceTimeout = orchestrator.DefaultSilenceTimeout
	}
	if cfg.Listen.MaxDuration == 0 {
		cfg.Listen.MaxDuration = orchestrator.DefaultMaxUtterance
	}
	if cfg.Listen.MinUtterance == 0 {
		cfg.Listen.MinUtterance = orchestrator.DefaultMinUtterance
	}
	if cfg.Listen.ListenTimeout == 0 {
		cfg.Listen.ListenTimeout = orchestrator.DefaultListenTimeout
	}
	if cfg.Listen.ReturnTo == "" {
		cfg.Listen.ReturnTo = ReturnToListening
	}

	if cfg.STT.Timeout == 0 {
		cfg.STT.Timeout = speech.DefaultSTTTimeout
	}
	if cfg.STT.ConfidenceThreshold == 0 {
		cfg.STT.ConfidenceThreshold = speech.DefaultConfidenceThreshold
	}

	if cfg.TTS.Timeout == 0 {
		cfg.TTS.Timeout = speech.DefaultTTSTimeout
	}
	if cfg.TTS.Rate == 0 {
		cfg.TTS.Rate = tts.DefaultRate
	}
	if cfg.TTS.Volume == 0 {
		cfg.TTS.Volume = tts.DefaultVolume
	}
	if cfg.TTS.Language == "" {
		cfg.TTS.Language = DefaultTTSLanguage
	}
	if cfg.TTS.Gender == "" {
		cfg.TTS.Gender = speech.DefaultGender
	}
	if cfg.TTS.Styles == nil {
		cfg.TTS.Styles = []string{DefaultVoiceStyle}
	}
	if cfg.TTS.PauseBetween == 0 {
		cfg.TTS.PauseBetween = speech.DefaultPauseBetween
	}

	if cfg.Dialogue.LLM.Name == "" {
		cfg.Dialogue.LLM.Name = DefaultLLMProvider
		if cfg.Dialogue.LLM.Model == "" {
			cfg.Dialogue.LLM.Model = anyllm.DefaultOllamaModel
		}
	}
	if cfg.Dialogue.SystemPrompt == "" {
		cfg.Dialogue.SystemPrompt = dialogue.DefaultSystemPrompt
	}
	if cfg.Dialogue.HistoryTurns == 0 {
		cfg.Dialogue.HistoryTurns = orchestrator.DefaultHistoryTurns
	}
	if cfg.Dialogue.FallbackReply == "" {
		cfg.Dialogue.FallbackReply = orchestrator.DefaultFallbackReply
	}
	if cfg.Dialogue.NotUnderstood == "" {
		cfg.Dialogue.NotUnderstood = orchestrator.DefaultNotUnderstood
	}
	if cfg.Dialogue.Temperature == 0 {
		cfg.Dialogue.Temperature = dialogue.DefaultTemperature
	}
	if cfg.Dialogue.MaxTokens == 0 {
		cfg.Dialogue.MaxTokens = dialogue.DefaultMaxTokens
	}
	if cfg.Dialogue.Timeout == 0 {
		cfg.Dialogue.Timeout = dialogue.DefaultTimeout
	}

	if cfg.History.MemoryLimit == 0 {
		cfg.History.MemoryLimit = DefaultHistoryLimit
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = observe.DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json, pretty", cfg.Server.LogFormat))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels <= 0 {
		errs = append(errs, fmt.Errorf("audio.channels %d must be positive", cfg.Audio.Channels))
	}
	if cfg.Audio.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.block_size %d must be positive", cfg.Audio.BlockSize))
	}
	if cfg.Audio.FrameQueue <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_queue %d must be positive", cfg.Audio.FrameQueue))
	}
	if cfg.Audio.DeviceIndex != nil && *cfg.Audio.DeviceIndex < 0 {
		errs = append(errs, fmt.Errorf("audio.device_index %d must not be negative", *cfg.Audio.DeviceIndex))
	}

	// VAD
	if cfg.VAD.Mode != nil && (*cfg.VAD.Mode < 0 || *cfg.VAD.Mode > 3) {
		errs = append(errs, fmt.Errorf("vad.mode %d is out of range [0, 3]", *cfg.VAD.Mode))
	}
	if !slices.Contains([]int{10, 20, 30}, cfg.VAD.FrameMs) {
		errs = append(errs, fmt.Errorf("vad.frame_ms %d is invalid; valid values: 10, 20, 30", cfg.VAD.FrameMs))
	}
	if cfg.VAD.SpeechRatio <= 0 || cfg.VAD.SpeechRatio > 1 {
		errs = append(errs, fmt.Errorf("vad.speech_ratio %.2f is out of range (0, 1]", cfg.VAD.SpeechRatio))
	}
	if cfg.VAD.EnergyThreshold <= 0 || cfg.VAD.EnergyThreshold >= 1 {
		errs = append(errs, fmt.Errorf("vad.energy_threshold %.3f is out of range (0, 1)", cfg.VAD.EnergyThreshold))
	}

	// Wake
	if !cfg.Wake.Engine.IsValid() {
		errs = append(errs, fmt.Errorf("wake.engine %q is invalid; valid values: spotter, energy", cfg.Wake.Engine))
	}
	for i, w := range cfg.Wake.Words {
		if w == "" {
			errs = append(errs, fmt.Errorf("wake.words[%d] is empty", i))
		}
	}
	if cfg.Wake.MinSimilarity <= 0 || cfg.Wake.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("wake.min_similarity %.2f is out of range (0, 1]", cfg.Wake.MinSimilarity))
	}
	if cfg.Wake.Window <= 0 {
		errs = append(errs, fmt.Errorf("wake.window %s must be positive", cfg.Wake.Window))
	}
	if cfg.Wake.STT != "" && !slices.ContainsFunc(cfg.STT.Engines, func(e ProviderEntry) bool { return e.Name == cfg.Wake.STT }) {
		errs = append(errs, fmt.Errorf("wake.stt %q does not name a configured stt engine", cfg.Wake.STT))
	}

	// Listen
	if cfg.Listen.SilenceTimeout <= 0 {
		errs = append(errs, fmt.Errorf("listen.silence_timeout %s must be positive", cfg.Listen.SilenceTimeout))
	}
	if cfg.Listen.MaxDuration < MinMaxDuration || cfg.Listen.MaxDuration > MaxMaxDuration {
		errs = append(errs, fmt.Errorf("listen.max_duration %s is out of range [%s, %s]", cfg.Listen.MaxDuration, MinMaxDuration, MaxMaxDuration))
	}
	if cfg.Listen.MinUtterance < 0 || cfg.Listen.MinUtterance >= cfg.Listen.MaxDuration {
		errs = append(errs, fmt.Errorf("listen.min_utterance %s must be in [0, max_duration)", cfg.Listen.MinUtterance))
	}
	if cfg.Listen.ListenTimeout <= 0 {
		errs = append(errs, fmt.Errorf("listen.listen_timeout %s must be positive", cfg.Listen.ListenTimeout))
	}
	if !cfg.Listen.ReturnTo.IsValid() {
		errs = append(errs, fmt.Errorf("listen.return_to %q is invalid; valid values: listening, idle", cfg.Listen.ReturnTo))
	}

	// Engines
	errs = append(errs, validateEngines("stt", cfg.STT.Engines, cfg.STT.Preferred)...)
	errs = append(errs, validateEngines("tts", cfg.TTS.Engines, cfg.TTS.Preferred)...)
	if cfg.STT.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("stt.timeout %s must be positive", cfg.STT.Timeout))
	}
	if cfg.STT.ConfidenceThreshold < 0 || cfg.STT.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("stt.confidence_threshold %.2f is out of range [0, 1]", cfg.STT.ConfidenceThreshold))
	}
	if cfg.TTS.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("tts.timeout %s must be positive", cfg.TTS.Timeout))
	}
	if cfg.TTS.Rate < 40 || cfg.TTS.Rate > 400 {
		errs = append(errs, fmt.Errorf("tts.rate %d is out of range [40, 400]", cfg.TTS.Rate))
	}
	if cfg.TTS.Volume < 0 || cfg.TTS.Volume > 1 {
		errs = append(errs, fmt.Errorf("tts.volume %.2f is out of range [0, 1]", cfg.TTS.Volume))
	}
	if !slices.Contains(validGenders, cfg.TTS.Gender) {
		errs = append(errs, fmt.Errorf("tts.gender %q is invalid; valid values: female, male, neutral", cfg.TTS.Gender))
	}

	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	// Dialogue
	validateProviderName("llm", cfg.Dialogue.LLM.Name)
	for i, fb := range cfg.Dialogue.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("dialogue.fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	if cfg.Dialogue.HistoryTurns < 0 {
		errs = append(errs, fmt.Errorf("dialogue.history_turns %d must not be negative", cfg.Dialogue.HistoryTurns))
	}
	if cfg.Dialogue.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("dialogue.timeout %s must be positive", cfg.Dialogue.Timeout))
	}

	// History
	if cfg.History.PostgresDSN == "" {
		slog.Debug("history.postgres_dsn is empty; transcript is kept in memory only")
	}
	if cfg.History.MemoryLimit < 0 {
		errs = append(errs, fmt.Errorf("history.memory_limit %d must not be negative", cfg.History.MemoryLimit))
	}

	return errors.Join(errs...)
}

// validateEngines checks one engine list: it must be non-empty, every entry
// needs a unique name, and preferred must name one of the entries.
func validateEngines(kind string, entries []ProviderEntry, preferred string) []error {
	var errs []error
	if len(entries) == 0 {
		errs = append(errs, fmt.Errorf("%s.engines: at least one engine is required", kind))
	}
	seen := make(map[string]int, len(entries))
	for i, e := range entries {
		prefix := fmt.Sprintf("%s.engines[%d]", kind, i)
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[e.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of %s.engines[%d]", prefix, e.Name, kind, prev))
		}
		seen[e.Name] = i
		validateProviderName(kind, e.Name)
	}
	if preferred != "" {
		if _, ok := seen[preferred]; !ok {
			errs = append(errs, fmt.Errorf("%s.preferred %q does not name a configured engine", kind, preferred))
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party engine",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
