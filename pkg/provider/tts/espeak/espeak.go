// Package espeak provides an offline TTS engine that shells out to the
// espeak-ng binary.
//
// Each request writes a temporary WAV file via "espeak-ng -w", which carries
// a correct RIFF header, unlike --stdout on a pipe.
package espeak

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/MrWong99/gemos/pkg/audio"
	"github.com/MrWong99/gemos/pkg/provider/tts"
)

// Name is the registry name of the engine.
const Name = "espeak"

const (
	defaultBinary  = "espeak-ng"
	defaultVoice   = "en"
	defaultVariant = "f3"
)

var (
	_ tts.Engine = (*Engine)(nil)
	_ tts.Warmer = (*Engine)(nil)
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithBinary overrides the espeak-ng executable name or path.
func WithBinary(path string) Option {
	return func(e *Engine) { e.binary = path }
}

// WithRunner replaces the command runner. Used in tests.
func WithRunner(r tts.Runner) Option {
	return func(e *Engine) { e.runner = r }
}

// WithDefaultVoice sets the voice used when a request names none.
func WithDefaultVoice(voice string) Option {
	return func(e *Engine) { e.defaultVoice = voice }
}

// WithFemaleVariant sets the espeak variant used to offer a female version of
// every voice (e.g., "f3"). Empty disables the extra voices.
func WithFemaleVariant(variant string) Option {
	return func(e *Engine) { e.femaleVariant = variant }
}

// Engine implements tts.Engine on top of espeak-ng.
type Engine struct {
	binary        string
	runner        tts.Runner
	defaultVoice  string
	femaleVariant string
}

// New creates an espeak Engine. The binary is not checked until Warmup.
func New(opts ...Option) *Engine {
	e := &Engine{
		binary:        defaultBinary,
		runner:        tts.ExecRunner{},
		defaultVoice:  defaultVoice,
		femaleVariant: defaultVariant,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Name implements tts.Engine.
func (e *Engine) Name() string { return Name }

// Warmup checks that the binary runs.
func (e *Engine) Warmup(ctx context.Context) error {
	if _, err := e.runner.Run(ctx, e.binary, []string{"--version"}, nil); err != nil {
		return fmt.Errorf("espeak: %w", err)
	}
	return nil
}

// Voices lists the installed espeak-ng voices. When a female variant is
// configured every voice is also offered with that variant applied.
func (e *Engine) Voices(ctx context.Context) ([]tts.Voice, error) {
	out, err := e.runner.Run(ctx, e.binary, []string{"--voices"}, nil)
	if err != nil {
		return nil, fmt.Errorf("espeak: list voices: %w", err)
	}
	voices := parseVoices(out)
	if e.femaleVariant == "" {
		return voices, nil
	}
	all := make([]tts.Voice, 0, 2*len(voices))
	for _, v := range voices {
		all = append(all, v)
		if v.Gender == "female" {
			continue
		}
		all = append(all, tts.Voice{
			ID:          v.ID + "+" + e.femaleVariant,
			Name:        v.Name + " (" + e.femaleVariant + ")",
			Language:    v.Language,
			Gender:      "female",
			Description: "espeak-ng variant " + e.femaleVariant,
		})
	}
	return all, nil
}

// parseVoices reads the table printed by "espeak-ng --voices":
//
//	Pty Language       Age/Gender VoiceName          File          Other Languages
//	 5  en-us           --/M      English_(America)  gmw/en-US     (en 2)
func parseVoices(out []byte) []tts.Voice {
	var voices []tts.Voice
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 || fields[0] == "Pty" {
			continue
		}
		if _, err := strconv.Atoi(fields[0]); err != nil {
			continue
		}
		gender := ""
		if i := strings.LastIndex(fields[2], "/"); i >= 0 {
			gender = tts.NormalizeGender(fields[2][i+1:])
		}
		v := tts.Voice{
			ID:       fields[1],
			Name:     strings.ReplaceAll(fields[3], "_", " "),
			Language: fields[1],
			Gender:   gender,
		}
		if len(fields) > 4 {
			v.Description = "espeak-ng " + fields[4]
		}
		voices = append(voices, v)
	}
	return voices
}

// amplitude maps a [0,1] volume to espeak's 0-200 amplitude scale, where
// 100 is the espeak default.
func amplitude(volume float64) int {
	return int(volume*200 + 0.5)
}

// buildArgs returns the espeak-ng arguments for req, writing to outPath.
func (e *Engine) buildArgs(req tts.Request, outPath string) []string {
	voice := req.Voice
	if voice == "" {
		voice = req.Language
	}
	if voice == "" {
		voice = e.defaultVoice
	}
	return []string{
		"-w", outPath,
		"-v", voice,
		"-s", strconv.Itoa(req.EffectiveRate()),
		"-a", strconv.Itoa(amplitude(req.EffectiveVolume())),
		"--stdin",
	}
}

// Synthesize implements tts.Engine.
func (e *Engine) Synthesize(ctx context.Context, req tts.Request) (*tts.Audio, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, tts.ErrEmptyText
	}

	f, err := os.CreateTemp("", "gemos-espeak-*.wav")
	if err != nil {
		return nil, fmt.Errorf("espeak: create temp file: %w", err)
	}
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	if _, err := e.runner.Run(ctx, e.binary, e.buildArgs(req, path), strings.NewReader(text)); err != nil {
		return nil, fmt.Errorf("espeak: synthesize: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("espeak: read output: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("espeak: empty output")
	}
	_, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("espeak: %w", err)
	}
	return &tts.Audio{Data: data, SampleRate: rate, Format: "wav"}, nil
}

// Close implements tts.Engine.
func (e *Engine) Close() error { return nil }
