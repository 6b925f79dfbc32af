// Package piper provides an offline neural TTS engine that shells out to the
// piper binary. Every configured .onnx model is offered as one voice; the
// voice language and name are taken from piper's model naming scheme
// ("pt_BR-faber-medium.onnx").
package piper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/MrWong99/gemos/pkg/audio"
	"github.com/MrWong99/gemos/pkg/provider/tts"
)

// Name is the registry name of the engine.
const Name = "piper"

const defaultBinary = "piper"

var (
	_ tts.Engine = (*Engine)(nil)
	_ tts.Warmer = (*Engine)(nil)
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithBinary overrides the piper executable name or path.
func WithBinary(path string) Option {
	return func(e *Engine) { e.binary = path }
}

// WithRunner replaces the command runner. Used in tests.
func WithRunner(r tts.Runner) Option {
	return func(e *Engine) { e.runner = r }
}

// WithVoiceGender records the gender of a model, since piper model files do
// not carry it. model is the model path or its base name.
func WithVoiceGender(model, gender string) Option {
	return func(e *Engine) { e.genders[modelKey(model)] = tts.NormalizeGender(gender) }
}

// Engine implements tts.Engine on top of the piper CLI.
type Engine struct {
	binary  string
	runner  tts.Runner
	models  []string
	genders map[string]string
}

// New creates a piper Engine for the given model files. At least one model
// is required; the first is the default voice.
func New(models []string, opts ...Option) (*Engine, error) {
	if len(models) == 0 {
		return nil, errors.New("piper: at least one model is required")
	}
	e := &Engine{
		binary:  defaultBinary,
		runner:  tts.ExecRunner{},
		models:  append([]string(nil), models...),
		genders: make(map[string]string),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Name implements tts.Engine.
func (e *Engine) Name() string { return Name }

// Warmup checks that every model file exists and the binary runs.
func (e *Engine) Warmup(ctx context.Context) error {
	for _, m := range e.models {
		if _, err := os.Stat(m); err != nil {
			return fmt.Errorf("piper: model %q: %w", m, err)
		}
	}
	if _, err := e.runner.Run(ctx, e.binary, []string{"--help"}, nil); err != nil {
		return fmt.Errorf("piper: %w", err)
	}
	return nil
}

// modelKey strips directory and extension from a model path.
func modelKey(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".onnx")
}

// voiceFromModel derives a Voice from a piper model path.
func voiceFromModel(path, gender string) tts.Voice {
	key := modelKey(path)
	v := tts.Voice{ID: path, Name: key, Gender: gender}
	parts := strings.Split(key, "-")
	if len(parts) >= 2 {
		v.Language = strings.ReplaceAll(parts[0], "_", "-")
		v.Name = parts[1]
	}
	if len(parts) >= 3 {
		v.Styles = []string{"natural"}
		v.Description = "piper " + parts[2] + " quality"
	}
	return v
}

// Voices returns one voice per configured model.
func (e *Engine) Voices(context.Context) ([]tts.Voice, error) {
	voices := make([]tts.Voice, 0, len(e.models))
	for _, m := range e.models {
		voices = append(voices, voiceFromModel(m, e.genders[modelKey(m)]))
	}
	return voices, nil
}

// resolveModel picks the model for req: an explicit voice ID, then the first
// model whose language matches, then the default model.
func (e *Engine) resolveModel(req tts.Request) string {
	if req.Voice != "" {
		for _, m := range e.models {
			if m == req.Voice || modelKey(m) == req.Voice {
				return m
			}
		}
	}
	if req.Language != "" {
		for _, m := range e.models {
			if strings.EqualFold(voiceFromModel(m, "").Language, req.Language) {
				return m
			}
		}
	}
	return e.models[0]
}

// buildArgs returns the piper arguments for req, writing to outPath. piper's
// length_scale is the inverse of speed.
func (e *Engine) buildArgs(req tts.Request, outPath string) []string {
	lengthScale := 1 / tts.SpeedFactor(req.EffectiveRate())
	return []string{
		"--model", e.resolveModel(req),
		"--output_file", outPath,
		"--length_scale", strconv.FormatFloat(lengthScale, 'f', 2, 64),
	}
}

// Synthesize implements tts.Engine.
func (e *Engine) Synthesize(ctx context.Context, req tts.Request) (*tts.Audio, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, tts.ErrEmptyText
	}

	f, err := os.CreateTemp("", "gemos-piper-*.wav")
	if err != nil {
		return nil, fmt.Errorf("piper: create temp file: %w", err)
	}
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	if _, err := e.runner.Run(ctx, e.binary, e.buildArgs(req, path), strings.NewReader(text+"\n")); err != nil {
		return nil, fmt.Errorf("piper: synthesize: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("piper: read output: %w", err)
	}
	_, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("piper: %w", err)
	}
	return &tts.Audio{Data: data, SampleRate: rate, Format: "wav"}, nil
}

// Close implements tts.Engine.
func (e *Engine) Close() error { return nil }
