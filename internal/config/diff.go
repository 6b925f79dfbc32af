package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs. The first group of
// fields can be applied to a running assistant; every other change is listed
// by section in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// WakeWordsChanged is true when the wake phrase list differs in content
	// or order, or when its similarity threshold changed.
	WakeWordsChanged bool
	NewWakeWords     []string

	// VoiceChanged is true when the TTS language, gender, or styles changed.
	VoiceChanged bool

	// RestartRequired lists top-level sections that changed but cannot be
	// applied without a restart.
	RestartRequired []string
}

// Changed reports whether d carries any hot-reloadable change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.WakeWordsChanged || d.VoiceChanged
}

// Empty reports whether old and new were equivalent.
func (d ConfigDiff) Empty() bool {
	return !d.Changed() && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !slices.Equal(old.Wake.Words, new.Wake.Words) || old.Wake.MinSimilarity != new.Wake.MinSimilarity {
		d.WakeWordsChanged = true
		d.NewWakeWords = slices.Clone(new.Wake.Words)
	}

	if old.TTS.Language != new.TTS.Language ||
		old.TTS.Gender != new.TTS.Gender ||
		!slices.Equal(old.TTS.Styles, new.TTS.Styles) {
		d.VoiceChanged = true
	}

	restart := func(section string, same bool) {
		if !same {
			d.RestartRequired = append(d.RestartRequired, section)
		}
	}
	restart("server", old.Server.ListenAddr == new.Server.ListenAddr && old.Server.LogFormat == new.Server.LogFormat)
	restart("audio", sameAudio(old.Audio, new.Audio))
	restart("vad", sameVAD(old.VAD, new.VAD))
	restart("wake", sameWake(old.Wake, new.Wake))
	restart("listen", old.Listen == new.Listen)
	restart("stt", sameSTT(old.STT, new.STT))
	restart("tts", sameTTS(old.TTS, new.TTS))
	restart("dialogue", sameDialogue(old.Dialogue, new.Dialogue))
	restart("history", old.History == new.History)
	restart("telemetry", old.Telemetry == new.Telemetry)
	restart("accessibility", old.Accessibility == new.Accessibility)

	return d
}

func intPtr(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}

func sameAudio(a, b AudioConfig) bool {
	return a.SampleRate == b.SampleRate &&
		a.Channels == b.Channels &&
		a.BlockSize == b.BlockSize &&
		intPtr(a.DeviceIndex) == intPtr(b.DeviceIndex) &&
		a.DeviceName == b.DeviceName &&
		a.FrameQueue == b.FrameQueue &&
		a.DumpDir == b.DumpDir
}

func sameVAD(a, b VADConfig) bool {
	return intPtr(a.Mode) == intPtr(b.Mode) &&
		a.FrameMs == b.FrameMs &&
		a.SpeechRatio == b.SpeechRatio &&
		a.EnergyThreshold == b.EnergyThreshold
}

// sameWake ignores the fields covered by WakeWordsChanged.
func sameWake(a, b WakeConfig) bool {
	return a.VolumeThreshold == b.VolumeThreshold &&
		a.Window == b.Window &&
		a.Engine == b.Engine &&
		a.STT == b.STT
}

func sameSTT(a, b STTConfig) bool {
	return sameEngines(a.Engines, b.Engines) &&
		a.Preferred == b.Preferred &&
		a.Timeout == b.Timeout &&
		a.ConfidenceThreshold == b.ConfidenceThreshold &&
		a.AutoSelect == b.AutoSelect &&
		a.Language == b.Language
}

// sameTTS ignores the fields covered by VoiceChanged.
func sameTTS(a, b TTSConfig) bool {
	return sameEngines(a.Engines, b.Engines) &&
		a.Preferred == b.Preferred &&
		a.Timeout == b.Timeout &&
		a.Rate == b.Rate &&
		a.Volume == b.Volume &&
		a.PauseBetween == b.PauseBetween &&
		a.Greeting == b.Greeting
}

func sameDialogue(a, b DialogueConfig) bool {
	return sameEntry(a.LLM, b.LLM) &&
		sameEngines(a.Fallbacks, b.Fallbacks) &&
		a.SystemPrompt == b.SystemPrompt &&
		a.HistoryTurns == b.HistoryTurns &&
		a.FallbackReply == b.FallbackReply &&
		a.NotUnderstood == b.NotUnderstood &&
		a.Temperature == b.Temperature &&
		a.MaxTokens == b.MaxTokens &&
		a.Timeout == b.Timeout
}

func sameEngines(a, b []ProviderEntry) bool {
	return slices.EqualFunc(a, b, sameEntry)
}

// sameEntry compares two engine entries. Option values are compared only
// when they are scalars; nested lists and maps always count as equal.
func sameEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	return maps.EqualFunc(a.Options, b.Options, func(x, y any) bool {
		switch x.(type) {
		case string, bool, int, int64, float64, nil:
			return x == y
		default:
			return true
		}
	})
}
