// Package observe provides observability primitives for the tone services:
// OpenTelemetry metrics, distributed tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all tone metrics.
const meterName = "github.com/tonelab/tone"

// Utterance outcomes recorded by [Metrics.RecordUtterance].
const (
	OutcomeDispatched = "dispatched"
	OutcomeTooShort   = "too_short"
	OutcomeTruncated  = "truncated"
	OutcomeAbandoned  = "abandoned"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// InferenceDuration tracks backend inference latency. Attributes:
	//   attribute.String("backend", ...), attribute.String("status", ...)
	InferenceDuration metric.Float64Histogram

	// UtteranceDuration tracks the audio length of dispatched utterances.
	UtteranceDuration metric.Float64Histogram

	// --- Counters ---

	// Utterances counts finalized or abandoned utterances. Attribute:
	//   attribute.String("outcome", ...)
	Utterances metric.Int64Counter

	// InferenceErrors counts failed dispatches. Attribute:
	//   attribute.String("kind", ...)
	InferenceErrors metric.Int64Counter

	// DroppedMessages counts stream messages that were discarded. Attribute:
	//   attribute.String("reason", ...)
	DroppedMessages metric.Int64Counter

	// ArtifactFetches counts artifact provisioning results. Attribute:
	//   attribute.String("status", ...)
	ArtifactFetches metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Attributes:
	//   attribute.String("name", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// PredictRequests counts /v1/predict calls. Attribute:
	//   attribute.String("status", ...)
	PredictRequests metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live streaming sessions.
	ActiveSessions metric.Int64UpDownCounter

	// InferenceInFlight tracks backend calls currently executing.
	InferenceInFlight metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for model
// inference on utterance-sized inputs.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// utteranceBuckets covers one second (the minimum) up to the 30 s cap.
var utteranceBuckets = []float64{
	1, 1.5, 2, 3, 5, 8, 12, 20, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.InferenceDuration, err = m.Float64Histogram("tone.inference.duration",
		metric.WithDescription("Latency of model inference per utterance."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UtteranceDuration, err = m.Float64Histogram("tone.utterance.duration",
		metric.WithDescription("Audio length of dispatched utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(utteranceBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Utterances, err = m.Int64Counter("tone.utterances",
		metric.WithDescription("Total utterances by outcome."),
	); err != nil {
		return nil, err
	}
	if met.InferenceErrors, err = m.Int64Counter("tone.inference.errors",
		metric.WithDescription("Total failed inference dispatches by kind."),
	); err != nil {
		return nil, err
	}
	if met.DroppedMessages, err = m.Int64Counter("tone.stream.dropped",
		metric.WithDescription("Total discarded stream messages by reason."),
	); err != nil {
		return nil, err
	}
	if met.ArtifactFetches, err = m.Int64Counter("tone.artifact.fetches",
		metric.WithDescription("Total artifact provisioning results by status."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("tone.breaker.transitions",
		metric.WithDescription("Total circuit breaker state changes."),
	); err != nil {
		return nil, err
	}
	if met.PredictRequests, err = m.Int64Counter("tone.predict.requests",
		metric.WithDescription("Total one-shot predict requests by status."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("tone.active_sessions",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}
	if met.InferenceInFlight, err = m.Int64UpDownCounter("tone.inference.in_flight",
		metric.WithDescription("Number of backend calls currently executing."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("tone.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordInference records one backend call.
func (m *Metrics) RecordInference(ctx context.Context, backend, status string, seconds float64) {
	m.InferenceDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("status", status),
		),
	)
}

// RecordUtterance increments the utterance counter for outcome.
func (m *Metrics) RecordUtterance(ctx context.Context, outcome string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordInferenceError increments the inference error counter.
func (m *Metrics) RecordInferenceError(ctx context.Context, kind string) {
	m.InferenceErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordDropped increments the dropped-message counter.
func (m *Metrics) RecordDropped(ctx context.Context, reason string) {
	m.DroppedMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordArtifactFetch increments the artifact fetch counter.
func (m *Metrics) RecordArtifactFetch(ctx context.Context, status string) {
	m.ArtifactFetches.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordBreakerTransition increments the breaker transition counter.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("to", to),
		),
	)
}

// RecordPredict increments the predict request counter.
func (m *Metrics) RecordPredict(ctx context.Context, status string) {
	m.PredictRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
