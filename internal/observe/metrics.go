// Package observe provides application-wide observability primitives for
// studiovoice: OpenTelemetry metrics, tracing, a trace-aware logger, and HTTP
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

// meterName is the instrumentation scope name used for all studiovoice metrics.
const meterName = "github.com/corbettdesign/studiovoice"

// Status attribute values used with the chunk counters.
const (
	StatusSent      = "sent"
	StatusDropped   = "dropped"
	StatusFailed    = "failed"
	StatusScheduled = "scheduled"
	StatusMalformed = "malformed"
	StatusOK        = "ok"
	StatusError     = "error"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// ConnectDuration tracks the time from start to the session open ack.
	ConnectDuration metric.Float64Histogram

	// SessionsStarted counts start attempts. Use with attribute:
	//   attribute.String("status", ...)
	SessionsStarted metric.Int64Counter

	// ActiveSessions tracks the number of open remote sessions.
	ActiveSessions metric.Int64UpDownCounter

	// CaptureChunks counts outbound microphone chunks by status
	// (sent, dropped, failed).
	CaptureChunks metric.Int64Counter

	// PlaybackChunks counts inbound audio chunks by status
	// (scheduled, malformed).
	PlaybackChunks metric.Int64Counter

	// PlaybackInterrupts counts barge-in flushes.
	PlaybackInterrupts metric.Int64Counter

	// StateTransitions counts voice state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("breaker", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// HTTPRequestDuration tracks control surface request time by method,
	// route pattern and status code.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for session
// connect latency.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConnectDuration, err = m.Float64Histogram("studiovoice.connect.duration",
		metric.WithDescription("Latency from start to session open."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.SessionsStarted, err = m.Int64Counter("studiovoice.sessions.started",
		metric.WithDescription("Total session start attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.CaptureChunks, err = m.Int64Counter("studiovoice.capture.chunks",
		metric.WithDescription("Outbound capture chunks by status."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("studiovoice.playback.chunks",
		metric.WithDescription("Inbound audio chunks by status."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackInterrupts, err = m.Int64Counter("studiovoice.playback.interrupts",
		metric.WithDescription("Total playback interruptions."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("studiovoice.state.transitions",
		metric.WithDescription("Voice state transitions by from and to state."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("studiovoice.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("studiovoice.sessions.active",
		metric.WithDescription("Number of open remote sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("studiovoice.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordSessionStart records one start attempt with the given status.
func (m *Metrics) RecordSessionStart(ctx context.Context, status string) {
	m.SessionsStarted.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}

// RecordCaptureChunk records one outbound chunk outcome.
func (m *Metrics) RecordCaptureChunk(ctx context.Context, status string) {
	m.CaptureChunks.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}

// RecordPlaybackChunk records one inbound chunk outcome.
func (m *Metrics) RecordPlaybackChunk(ctx context.Context, status string) {
	m.PlaybackChunks.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}

// RecordTransition records a state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordBreakerTransition records a circuit breaker moving to state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("to", to),
		),
	)
}
