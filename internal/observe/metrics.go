// Package observe provides application-wide observability primitives for the
// voice bridge: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all bridge metrics.
const meterName = "github.com/aivalabs/voicebridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Gauges ---

	// ActiveCalls tracks the number of live call sessions.
	ActiveCalls metric.Int64UpDownCounter

	// --- Counters ---

	// AudioSeconds accumulates billed audio wall time. Use with attribute:
	//   attribute.String("direction", "in"|"out")
	AudioSeconds metric.Float64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// UpstreamErrors counts upstream failures. Use with attribute:
	//   attribute.String("kind", "auth"|"disconnect"|"protocol")
	UpstreamErrors metric.Int64Counter

	// FinalCost accumulates billed call cost in USD. Use with attribute:
	//   attribute.String("model", ...)
	FinalCost metric.Float64Counter

	// --- Histograms ---

	// TurnDuration tracks response.created → response.done latency.
	TurnDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time on the
	// metrics/health listener. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational turn latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveCalls, err = m.Int64UpDownCounter("voicebridge.calls.active",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}
	if met.AudioSeconds, err = m.Float64Counter("voicebridge.audio.seconds",
		metric.WithDescription("Billed audio wall time by direction."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voicebridge.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamErrors, err = m.Int64Counter("voicebridge.upstream.errors",
		metric.WithDescription("Upstream failures by kind."),
	); err != nil {
		return nil, err
	}
	if met.FinalCost, err = m.Float64Counter("voicebridge.cost.final",
		metric.WithDescription("Billed call cost in USD by model."),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("voicebridge.turn.duration",
		metric.WithDescription("Latency from response start to response done."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicebridge.http.request.duration",
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

// RecordAudioSeconds accumulates billed audio time for one direction.
func (m *Metrics) RecordAudioSeconds(ctx context.Context, direction string, seconds float64) {
	m.AudioSeconds.Add(ctx, seconds,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordUpstreamError records an upstream failure of the given kind.
func (m *Metrics) RecordUpstreamError(ctx context.Context, kind string) {
	m.UpstreamErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordFinalCost accumulates the billed cost of a finished call.
func (m *Metrics) RecordFinalCost(ctx context.Context, model string, usd float64) {
	m.FinalCost.Add(ctx, usd,
		metric.WithAttributes(attribute.String("model", model)),
	)
}
