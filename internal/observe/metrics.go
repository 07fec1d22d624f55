// Package observe provides application-wide observability primitives for
// Voxline: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Voxline metrics.
const meterName = "github.com/voxline-ai/voxline"

// Metrics holds all OpenTelemetry metric instruments for the call handler.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks recognition settle time: from the last interim
	// transcript of an utterance to the final that supersedes it.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks one LLM completion round-trip.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks final transcript to first reply audio frame.
	TurnDuration metric.Float64Histogram

	// ToolDuration tracks individual tool handler execution latency.
	ToolDuration metric.Float64Histogram

	// CallDuration tracks total call length from connect to hang-up.
	CallDuration metric.Float64Histogram

	// HTTPRequestDuration tracks admin HTTP request handling latency.
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// FramesIn counts audio frames received from the PBX.
	FramesIn metric.Int64Counter

	// FramesOut counts audio frames sent to the PBX.
	FramesOut metric.Int64Counter

	// ToolCalls counts tool invocations, labelled by tool and status.
	ToolCalls metric.Int64Counter

	// ProviderErrors counts upstream provider failures, labelled by
	// provider and kind.
	ProviderErrors metric.Int64Counter

	// BargeIns counts caller interruptions during playback.
	BargeIns metric.Int64Counter

	// SilenceTimeouts counts silence timer expiries.
	SilenceTimeouts metric.Int64Counter

	// CallsTotal counts completed calls, labelled by outcome.
	CallsTotal metric.Int64Counter

	// --- Gauges (UpDownCounters) ---

	// ActiveCalls tracks the number of currently connected calls.
	ActiveCalls metric.Int64UpDownCounter
}

// latencyBuckets covers the range that matters for conversational latency:
// a 10ms floor up to 10s for slow LLM turns.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// callBuckets covers realistic inbound call lengths, in seconds.
var callBuckets = []float64{10, 30, 60, 120, 300, 600, 1200, 1800}

// NewMetrics creates all metric instruments using the given MeterProvider.
// Use this in tests with an isolated provider; production code should use
// [DefaultMetrics].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)

	m := &Metrics{}
	var err error

	if m.STTDuration, err = meter.Float64Histogram("voxline.stt.duration",
		metric.WithDescription("Settle time from last interim to final transcript"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if m.LLMDuration, err = meter.Float64Histogram("voxline.llm.duration",
		metric.WithDescription("LLM completion round-trip latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if m.TTSDuration, err = meter.Float64Histogram("voxline.tts.duration",
		metric.WithDescription("Text-to-speech synthesis latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if m.TurnDuration, err = meter.Float64Histogram("voxline.turn.duration",
		metric.WithDescription("Final transcript to first reply audio frame"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if m.ToolDuration, err = meter.Float64Histogram("voxline.tool.duration",
		metric.WithDescription("Tool handler execution latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if m.CallDuration, err = meter.Float64Histogram("voxline.call.duration",
		metric.WithDescription("Total call length from connect to hang-up"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if m.HTTPRequestDuration, err = meter.Float64Histogram("voxline.http.request.duration",
		metric.WithDescription("Admin HTTP request handling latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if m.FramesIn, err = meter.Int64Counter("voxline.frames.in",
		metric.WithDescription("Audio frames received from the PBX"),
	); err != nil {
		return nil, err
	}
	if m.FramesOut, err = meter.Int64Counter("voxline.frames.out",
		metric.WithDescription("Audio frames sent to the PBX"),
	); err != nil {
		return nil, err
	}
	if m.ToolCalls, err = meter.Int64Counter("voxline.tool.calls",
		metric.WithDescription("Tool invocations by name and status"),
	); err != nil {
		return nil, err
	}
	if m.ProviderErrors, err = meter.Int64Counter("voxline.provider.errors",
		metric.WithDescription("Upstream provider failures by provider and kind"),
	); err != nil {
		return nil, err
	}
	if m.BargeIns, err = meter.Int64Counter("voxline.barge_ins",
		metric.WithDescription("Caller interruptions during playback"),
	); err != nil {
		return nil, err
	}
	if m.SilenceTimeouts, err = meter.Int64Counter("voxline.silence.timeouts",
		metric.WithDescription("Silence timer expiries"),
	); err != nil {
		return nil, err
	}
	if m.CallsTotal, err = meter.Int64Counter("voxline.calls.total",
		metric.WithDescription("Completed calls by outcome"),
	); err != nil {
		return nil, err
	}

	if m.ActiveCalls, err = meter.Int64UpDownCounter("voxline.active_calls",
		metric.WithDescription("Calls currently connected"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// DefaultMetrics returns the package-level default Metrics instance, created
// lazily from the global OTel MeterProvider. [InitProvider] must have been
// called first for the instruments to be backed by a real exporter.
func DefaultMetrics() (*Metrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = NewMetrics(otel.GetMeterProvider())
	})
	return defaultMetrics, defaultMetricsErr
}

// Attr is a convenience shorthand for a string metric attribute.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSTT records the settle time from an utterance's last interim
// transcript to the final that superseded it.
func (m *Metrics) RecordSTT(ctx context.Context, d time.Duration) {
	m.STTDuration.Record(ctx, d.Seconds())
}

// RecordLLM records one model completion round-trip.
func (m *Metrics) RecordLLM(ctx context.Context, d time.Duration) {
	m.LLMDuration.Record(ctx, d.Seconds())
}

// RecordTTS records one synthesis request.
func (m *Metrics) RecordTTS(ctx context.Context, d time.Duration) {
	m.TTSDuration.Record(ctx, d.Seconds())
}

// RecordToolCall records one tool invocation with its outcome and latency.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, d time.Duration) {
	attrs := metric.WithAttributes(Attr("tool", tool), Attr("status", status))
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordProviderError counts one upstream failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)))
}

// CallStarted bumps the active-call gauge.
func (m *Metrics) CallStarted(ctx context.Context) {
	m.ActiveCalls.Add(ctx, 1)
}

// CallEnded drops the active-call gauge and records the completed call's
// outcome and duration.
func (m *Metrics) CallEnded(ctx context.Context, outcome string, d time.Duration) {
	m.ActiveCalls.Add(ctx, -1)
	m.CallsTotal.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
	m.CallDuration.Record(ctx, d.Seconds())
}
