// Package observe provides application-wide observability primitives for
// Ariadne: OpenTelemetry metrics, distributed tracing, and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all Ariadne metrics.
const meterName = "github.com/varnalab/ariadne"

// Metrics holds all OpenTelemetry metric instruments for the call engine.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Frame counters ---

	// FramesIn counts inbound caller frames by transport.
	FramesIn metric.Int64Counter

	// FramesOut counts outbound agent frames by transport.
	FramesOut metric.Int64Counter

	// FramesDiscarded counts inbound frames the gating filter dropped.
	FramesDiscarded metric.Int64Counter

	// --- Conversation counters ---

	// BargeIns counts caller interruptions by detection source
	// ("provider" or "energy").
	BargeIns metric.Int64Counter

	// Underflows counts playback schedule slips past tolerance.
	Underflows metric.Int64Counter

	// FallbackPlaybacks counts stall-triggered fallback file plays.
	FallbackPlaybacks metric.Int64Counter

	// Commits counts audio commit boundaries sent to providers.
	Commits metric.Int64Counter

	// UpstreamDrops counts frames shed from the bounded to-provider
	// queue.
	UpstreamDrops metric.Int64Counter

	// --- Provider counters ---

	// ProviderHandshakes counts session handshakes. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderHandshakes metric.Int64Counter

	// --- Lifecycle ---

	// Teardowns counts call teardowns by reason.
	Teardowns metric.Int64Counter

	// ActiveCalls tracks the number of live call sessions.
	ActiveCalls metric.Int64UpDownCounter

	// --- Histograms ---

	// TurnDuration tracks one conversation turn, caller speech start to
	// agent audio done.
	TurnDuration metric.Float64Histogram

	// CallDuration tracks whole-call duration.
	CallDuration metric.Float64Histogram

	// HandshakeDuration tracks provider session establishment latency.
	HandshakeDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks admin endpoint request time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// conversational turns and provider handshakes.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets covers whole-call durations up to half an hour.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Frame counters.
	if met.FramesIn, err = m.Int64Counter("ariadne.frames.in",
		metric.WithDescription("Inbound caller frames by transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesOut, err = m.Int64Counter("ariadne.frames.out",
		metric.WithDescription("Outbound agent frames by transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDiscarded, err = m.Int64Counter("ariadne.frames.discarded",
		metric.WithDescription("Inbound frames discarded by the gating filter."),
	); err != nil {
		return nil, err
	}

	// Conversation counters.
	if met.BargeIns, err = m.Int64Counter("ariadne.barge_ins",
		metric.WithDescription("Caller interruptions by detection source."),
	); err != nil {
		return nil, err
	}
	if met.Underflows, err = m.Int64Counter("ariadne.playback.underflows",
		metric.WithDescription("Playback schedule slips past tolerance."),
	); err != nil {
		return nil, err
	}
	if met.FallbackPlaybacks, err = m.Int64Counter("ariadne.playback.fallbacks",
		metric.WithDescription("Stall-triggered fallback file plays."),
	); err != nil {
		return nil, err
	}
	if met.Commits, err = m.Int64Counter("ariadne.provider.commits",
		metric.WithDescription("Audio commit boundaries sent to providers."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamDrops, err = m.Int64Counter("ariadne.provider.upstream_drops",
		metric.WithDescription("Frames shed from the bounded to-provider queue."),
	); err != nil {
		return nil, err
	}

	// Provider counters.
	if met.ProviderHandshakes, err = m.Int64Counter("ariadne.provider.handshakes",
		metric.WithDescription("Provider session handshakes by provider and status."),
	); err != nil {
		return nil, err
	}

	// Lifecycle.
	if met.Teardowns, err = m.Int64Counter("ariadne.call.teardowns",
		metric.WithDescription("Call teardowns by reason."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCalls, err = m.Int64UpDownCounter("ariadne.active_calls",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("ariadne.turn.duration",
		metric.WithDescription("Conversation turn duration, caller speech start to agent audio done."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("ariadne.call.duration",
		metric.WithDescription("Whole-call duration."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HandshakeDuration, err = m.Float64Histogram("ariadne.provider.handshake.duration",
		metric.WithDescription("Provider session establishment latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("ariadne.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordHandshake records one provider handshake attempt with its outcome
// and latency.
func (m *Metrics) RecordHandshake(ctx context.Context, provider, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	)
	m.ProviderHandshakes.Add(ctx, 1, attrs)
	m.HandshakeDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordBargeIn records one caller interruption by detection source.
func (m *Metrics) RecordBargeIn(ctx context.Context, source string) {
	m.BargeIns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)))
}

// RecordTeardown records the end of a call with its teardown reason and
// total duration.
func (m *Metrics) RecordTeardown(ctx context.Context, reason string, d time.Duration) {
	m.Teardowns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)))
	m.CallDuration.Record(ctx, d.Seconds())
}
