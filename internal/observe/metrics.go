// Package observe provides application-wide observability primitives for
// GEM OS: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all GEM OS metrics.
const meterName = "github.com/MrWong99/gemos"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// DialogueDuration tracks the latency of the dialogue reply.
	DialogueDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis plus playback latency.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks a voice turn from utterance finalisation to the
	// end of the spoken reply.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts engine calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts engine errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// SessionTransitions counts accepted state machine transitions. Use with
	// attributes: attribute.String("from", ...), attribute.String("to", ...)
	SessionTransitions metric.Int64Counter

	// SessionEventsDropped counts transitions not delivered to a full
	// subscriber channel.
	SessionEventsDropped metric.Int64Counter

	// FramesDropped counts captured frames dropped because the frame queue
	// was full.
	FramesDropped metric.Int64Counter

	// WakeDetections counts wake events. Use with attributes:
	//   attribute.String("keyword", ...), attribute.String("detector", ...)
	WakeDetections metric.Int64Counter

	// EngineSwitches counts changes of the current engine. Use with
	// attributes: attribute.String("kind", ...), attribute.String("to", ...),
	// attribute.String("reason", ...)
	EngineSwitches metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("gemos.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DialogueDuration, err = m.Float64Histogram("gemos.dialogue.duration",
		metric.WithDescription("Latency of the dialogue reply."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("gemos.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis and playback."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("gemos.turn.duration",
		metric.WithDescription("End-to-end latency of one voice turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("gemos.provider.requests",
		metric.WithDescription("Total engine calls by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("gemos.provider.errors",
		metric.WithDescription("Total engine errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.SessionTransitions, err = m.Int64Counter("gemos.session.transitions",
		metric.WithDescription("Accepted session state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.SessionEventsDropped, err = m.Int64Counter("gemos.session.events_dropped",
		metric.WithDescription("Transitions not delivered to a full subscriber."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("gemos.audio.frames_dropped",
		metric.WithDescription("Captured frames dropped because the frame queue was full."),
	); err != nil {
		return nil, err
	}
	if met.WakeDetections, err = m.Int64Counter("gemos.wake.detections",
		metric.WithDescription("Wake events by keyword and detector."),
	); err != nil {
		return nil, err
	}
	if met.EngineSwitches, err = m.Int64Counter("gemos.engine.switches",
		metric.WithDescription("Changes of the current STT or TTS engine."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("gemos.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTransition records an accepted session transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.SessionTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordWakeDetection records a wake event.
func (m *Metrics) RecordWakeDetection(ctx context.Context, keyword, detector string) {
	m.WakeDetections.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("keyword", keyword),
			attribute.String("detector", detector),
		),
	)
}

// RecordEngineSwitch records a change of the current engine. reason is
// "manual" or "auto".
func (m *Metrics) RecordEngineSwitch(ctx context.Context, kind, to, reason string) {
	m.EngineSwitches.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("to", to),
			attribute.String("reason", reason),
		),
	)
}
