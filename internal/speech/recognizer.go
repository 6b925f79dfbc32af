package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/gemos/internal/observe"
	"github.com/MrWong99/gemos/internal/resilience"
	"github.com/MrWong99/gemos/pkg/audio"
	"github.com/MrWong99/gemos/pkg/provider/stt"
)

// Recognizer defaults.
const (
	DefaultSTTTimeout          = 8 * time.Second
	DefaultConfidenceThreshold = 0.7
)

// RecognizerConfig configures a [Recognizer].
type RecognizerConfig struct {
	// Preferred names the engine to make current. Empty uses the first engine
	// that initializes in [STTPreference] order.
	Preferred string

	// Engines lists the engine factories in configuration order.
	Engines []EngineSpec[stt.Engine]

	// Timeout bounds each engine attempt. Default: [DefaultSTTTimeout].
	Timeout time.Duration

	// ConfidenceThreshold is advisory: results below it are logged and kept.
	// Default: [DefaultConfidenceThreshold].
	ConfidenceThreshold float64

	// AutoSelect enables score-based reselection of the current engine after
	// each successful call.
	AutoSelect bool

	// Language is the default language hint.
	Language string

	// SampleRate is the rate of buffers passed to Transcribe. Default:
	// [audio.DefaultSampleRate].
	SampleRate int

	// Breaker is the template for the per-engine circuit breakers.
	Breaker resilience.CircuitBreakerConfig

	// Metrics receives engine metrics. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Recognizer transcribes finalized utterances with the current engine and
// falls back through the other registered engines on failure.
//
// All methods are safe for concurrent use.
type Recognizer struct {
	cfg     RecognizerConfig
	reg     *Registry[stt.Engine]
	stats   *statsBook
	metrics *observe.Metrics

	initOnce  sync.Once
	initErr   error
	ready     chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewRecognizer returns an uninitialized Recognizer.
func NewRecognizer(cfg RecognizerConfig) *Recognizer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSTTTimeout
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Recognizer{
		cfg: cfg,
		reg: NewRegistry[stt.Engine](resilience.FallbackConfig{
			CircuitBreaker: cfg.Breaker,
			Timeout:        cfg.Timeout,
		}),
		stats:   newStatsBook(),
		metrics: cfg.Metrics,
		ready:   make(chan struct{}),
	}
}

// Initialize constructs the configured engines. It fails with [ErrNoEngines]
// only when none of them initializes. Calls after the first return the first
// call's result.
func (r *Recognizer) Initialize(ctx context.Context) error {
	r.initOnce.Do(func() {
		r.initErr = initEngines(ctx, "stt", r.reg, r.cfg.Engines, r.cfg.Preferred, STTPreference)
		if r.initErr == nil {
			slog.Info("speech: recognizer ready",
				"current", r.reg.Current(), "engines", r.reg.Names())
			close(r.ready)
		}
	})
	return r.initErr
}

func (r *Recognizer) initialized() bool {
	select {
	case <-r.ready:
		return true
	default:
		return false
	}
}

// Transcribe recognises samples at the configured sample rate and language.
// It never returns nil; failures are reported in [stt.Result.Err].
func (r *Recognizer) Transcribe(ctx context.Context, samples []int16) *stt.Result {
	return r.TranscribeRequest(ctx, stt.Request{
		Samples:    samples,
		SampleRate: r.cfg.SampleRate,
		Language:   r.cfg.Language,
	})
}

// TranscribeRequest recognises req, trying the current engine first and then
// each fallback in order. The first engine that returns without error wins,
// even with empty text. When every engine fails, the result carries an Err
// wrapping [ErrAllEnginesFailed] and empty text.
func (r *Recognizer) TranscribeRequest(ctx context.Context, req stt.Request) *stt.Result {
	if !r.initialized() {
		return &stt.Result{Err: ErrNotInitialized}
	}
	if req.SampleRate <= 0 {
		req.SampleRate = r.cfg.SampleRate
	}
	if req.Language == "" {
		req.Language = r.cfg.Language
	}

	ctx, span := observe.StartSpan(ctx, "speech.transcribe")
	defer span.End()
	start := time.Now()

	res, attempts, err := execute(ctx, r.reg, func(ctx context.Context, name string, eng stt.Engine) (*stt.Result, error) {
		res, err := eng.Transcribe(ctx, req)
		switch {
		case err != nil:
		case res == nil:
			err = fmt.Errorf("%s: nil result", name)
		case res.Err != nil:
			err = res.Err
		}
		return res, err
	})
	r.record(ctx, attempts, res)

	if err != nil {
		observe.Logger(ctx).Error("speech: all stt engines failed", "attempts", len(attempts), "error", err)
		observe.FailSpan(span, err)
		return &stt.Result{
			Err:            fmt.Errorf("%w: %w", ErrAllEnginesFailed, err),
			Language:       req.Language,
			ProcessingTime: time.Since(start),
		}
	}

	winner := attempts[len(attempts)-1]
	out := r.postProcess(res, winner, req)
	r.metrics.STTDuration.Record(ctx, winner.Elapsed.Seconds(),
		metric.WithAttributes(attribute.String("engine", out.Engine)))
	span.SetAttributes(
		attribute.String("engine", out.Engine),
		attribute.Float64("confidence", out.Confidence),
	)

	if out.Confidence < r.cfg.ConfidenceThreshold {
		slog.Debug("speech: low confidence transcription",
			"engine", out.Engine, "confidence", out.Confidence, "threshold", r.cfg.ConfidenceThreshold)
	}
	if r.cfg.AutoSelect {
		r.autoSelect(ctx)
	}
	return out
}

// postProcess copies res and applies normalization, clamping and defaults.
func (r *Recognizer) postProcess(res *stt.Result, winner resilience.Attempt, req stt.Request) *stt.Result {
	out := *res
	out.Text = NormalizeText(out.Text)
	out.Confidence = clamp01(out.Confidence)
	out.Engine = winner.Name
	out.Err = nil
	if out.Language == "" {
		out.Language = req.Language
	}
	if out.ProcessingTime <= 0 {
		out.ProcessingTime = winner.Elapsed
	}
	return &out
}

// record updates stats and metrics for every attempt that reached an engine.
func (r *Recognizer) record(ctx context.Context, attempts []resilience.Attempt, res *stt.Result) {
	for i, a := range attempts {
		if errors.Is(a.Err, resilience.ErrCircuitOpen) {
			continue
		}
		if a.Err != nil {
			r.stats.failure(a.Name, a.Elapsed)
			r.metrics.RecordProviderRequest(ctx, a.Name, "stt", "error")
			r.metrics.RecordProviderError(ctx, a.Name, "stt")
			continue
		}
		conf := 0.0
		if i == len(attempts)-1 && res != nil {
			conf = clamp01(res.Confidence)
		}
		r.stats.success(a.Name, a.Elapsed, conf)
		r.metrics.RecordProviderRequest(ctx, a.Name, "stt", "ok")
	}
}

// autoSelect makes the best-scoring available engine current when its score
// exceeds [AutoSelectThreshold].
func (r *Recognizer) autoSelect(ctx context.Context) {
	best, score := r.stats.best(r.reg.Available())
	cur := r.reg.Current()
	if best == "" || best == cur || score <= AutoSelectThreshold {
		return
	}
	if r.reg.SetCurrent(best) {
		slog.Info("speech: auto-selected stt engine", "from", cur, "to", best, "score", score)
		r.metrics.RecordEngineSwitch(ctx, "stt", best, "auto")
	}
}

// SwitchEngine makes name the current engine. It returns false unless name
// is registered and available.
func (r *Recognizer) SwitchEngine(name string) bool {
	if !r.reg.SetCurrent(name) {
		slog.Warn("speech: stt engine switch refused", "engine", name)
		return false
	}
	slog.Info("speech: switched stt engine", "engine", name)
	r.metrics.RecordEngineSwitch(context.Background(), "stt", name, "manual")
	return true
}

// AvailableEngines returns the available engine names in registry order.
func (r *Recognizer) AvailableEngines() []string { return r.reg.Available() }

// CurrentEngine returns the name of the current engine.
func (r *Recognizer) CurrentEngine() string { return r.reg.Current() }

// Registry exposes the engine registry for inspection.
func (r *Recognizer) Registry() *Registry[stt.Engine] { return r.reg }

// Stats returns per-engine usage statistics.
func (r *Recognizer) Stats() map[string]EngineStats { return r.stats.snapshot() }

// Close closes every registered engine once.
func (r *Recognizer) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = closeAll(r.reg)
	})
	return r.closeErr
}
