// Package observe provides application-wide observability primitives for
// Hearken: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Hearken metrics.
const meterName = "github.com/MrWong99/hearken"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// InferenceDuration tracks the time spent on one 1280-sample chunk,
	// including every model call the chunk triggers.
	InferenceDuration metric.Float64Histogram

	// --- Counters ---

	// ChunksProcessed counts chunks that reached the inference worker.
	ChunksProcessed metric.Int64Counter

	// ChunksDropped counts chunks discarded because the worker was busy.
	ChunksDropped metric.Int64Counter

	// Detections counts wake-word detections. Use with attribute:
	//   attribute.String("wake_word", ...)
	Detections metric.Int64Counter

	// ModelErrors counts failed model invocations. Use with attribute:
	//   attribute.String("model", ...)
	ModelErrors metric.Int64Counter

	// BridgeReconnects counts scheduled reconnect attempts.
	BridgeReconnects metric.Int64Counter

	// BridgeMessages counts inbound bridge messages. Use with attribute:
	//   attribute.String("type", ...)
	BridgeMessages metric.Int64Counter

	// ForwardedBytes counts PCM bytes sent to the bridge while listening.
	ForwardedBytes metric.Int64Counter

	// PlaybackClips counts clips handed to the playback scheduler.
	PlaybackClips metric.Int64Counter

	// ListeningSessions counts transitions into the listening state. Use with
	// attribute:
	//   attribute.String("trigger", ...)
	ListeningSessions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// inferenceBuckets defines histogram bucket boundaries (in seconds) for chunk
// inference. One chunk covers 80 ms of audio, so anything past that means the
// worker is falling behind.
var inferenceBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.02, 0.04, 0.08, 0.16, 0.32,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.InferenceDuration, err = m.Float64Histogram("hearken.inference.duration",
		metric.WithDescription("Latency of wake-word inference per audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(inferenceBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksProcessed, err = m.Int64Counter("hearken.chunks.processed",
		metric.WithDescription("Total audio chunks processed by the inference worker."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("hearken.chunks.dropped",
		metric.WithDescription("Total audio chunks dropped while inference was busy."),
	); err != nil {
		return nil, err
	}
	if met.Detections, err = m.Int64Counter("hearken.detections",
		metric.WithDescription("Total wake-word detections by wake word."),
	); err != nil {
		return nil, err
	}
	if met.ModelErrors, err = m.Int64Counter("hearken.model.errors",
		metric.WithDescription("Total model invocation failures by model."),
	); err != nil {
		return nil, err
	}
	if met.BridgeReconnects, err = m.Int64Counter("hearken.bridge.reconnects",
		metric.WithDescription("Total reconnect attempts to the assistant bridge."),
	); err != nil {
		return nil, err
	}
	if met.BridgeMessages, err = m.Int64Counter("hearken.bridge.messages",
		metric.WithDescription("Total inbound bridge messages by type."),
	); err != nil {
		return nil, err
	}
	if met.ForwardedBytes, err = m.Int64Counter("hearken.audio.forwarded_bytes",
		metric.WithDescription("Total PCM bytes forwarded to the bridge."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.PlaybackClips, err = m.Int64Counter("hearken.playback.clips",
		metric.WithDescription("Total synthesized audio clips scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.ListeningSessions, err = m.Int64Counter("hearken.listening_sessions",
		metric.WithDescription("Total transitions into the listening state by trigger."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("hearken.http.request.duration",
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

// RecordDetection records a wake-word detection.
func (m *Metrics) RecordDetection(ctx context.Context, wakeWord string) {
	m.Detections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("wake_word", wakeWord)),
	)
}

// RecordModelError records a failed model invocation.
func (m *Metrics) RecordModelError(ctx context.Context, model string) {
	m.ModelErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("model", model)),
	)
}

// RecordBridgeMessage records one inbound bridge message of the given type.
func (m *Metrics) RecordBridgeMessage(ctx context.Context, msgType string) {
	m.BridgeMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", msgType)),
	)
}

// RecordListening records a transition into the listening state. trigger is
// "detection" or "external".
func (m *Metrics) RecordListening(ctx context.Context, trigger string) {
	m.ListeningSessions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("trigger", trigger)),
	)
}
