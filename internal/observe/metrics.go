// Package observe provides application-wide observability primitives for
// botcall: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all botcall metrics.
const meterName = "github.com/MrWong99/botcall"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use: the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks connect() from call to idle or failure. Use with
	// attribute: attribute.String("outcome", ...)
	ConnectDuration metric.Float64Histogram

	// InterruptDuration tracks interrupt() until playback has stopped and the
	// output device was flushed.
	InterruptDuration metric.Float64Histogram

	// --- Counters ---

	// StateTransitions counts voice state machine transitions. Use with
	// attributes: attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// ReconnectAttempts counts backend reconnection attempts. Use with
	// attribute: attribute.String("outcome", "attempt"|"success"|"exhausted")
	ReconnectAttempts metric.Int64Counter

	// ToolCalls counts tool invocations reported by the backend. Use with
	// attributes: attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// TranscriptEntries counts finalized transcript entries. Use with
	// attribute: attribute.String("role", ...)
	TranscriptEntries metric.Int64Counter

	// DroppedFrames counts outbound microphone frames discarded because the
	// transport could not keep up.
	DroppedFrames metric.Int64Counter

	// CircuitTransitions counts backend endpoint circuit breaker transitions.
	// Use with attributes: attribute.String("endpoint", ...),
	// attribute.String("to", ...)
	CircuitTransitions metric.Int64Counter

	// --- Error counters ---

	// PlaybackErrors counts output device failures.
	PlaybackErrors metric.Int64Counter

	// BackendErrors counts in-band backend errors. Use with attributes:
	//   attribute.String("code", ...), attribute.Bool("fatal", ...)
	BackendErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of connected voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-call latencies.
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
	if met.ConnectDuration, err = m.Float64Histogram("botcall.connect.duration",
		metric.WithDescription("Latency from connect() to idle or failure."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InterruptDuration, err = m.Float64Histogram("botcall.interrupt.duration",
		metric.WithDescription("Latency from interrupt() to playback stopped."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.StateTransitions, err = m.Int64Counter("botcall.state.transitions",
		metric.WithDescription("Total voice state transitions by from and to state."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("botcall.reconnect.attempts",
		metric.WithDescription("Backend reconnection attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("botcall.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptEntries, err = m.Int64Counter("botcall.transcript.entries",
		metric.WithDescription("Finalized transcript entries by role."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("botcall.audio.dropped_frames",
		metric.WithDescription("Outbound microphone frames dropped under backpressure."),
	); err != nil {
		return nil, err
	}
	if met.CircuitTransitions, err = m.Int64Counter("botcall.circuit.transitions",
		metric.WithDescription("Backend endpoint circuit breaker transitions."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.PlaybackErrors, err = m.Int64Counter("botcall.playback.errors",
		metric.WithDescription("Total output device errors."),
	); err != nil {
		return nil, err
	}
	if met.BackendErrors, err = m.Int64Counter("botcall.backend.errors",
		metric.WithDescription("Total in-band backend errors by code and severity."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("botcall.active_sessions",
		metric.WithDescription("Number of connected voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("botcall.http.request.duration",
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

// RecordTransition records one state machine transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordConnect records the latency and outcome of one connect() call.
func (m *Metrics) RecordConnect(ctx context.Context, d time.Duration, outcome string) {
	m.ConnectDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordInterrupt records how long an interrupt took to silence playback.
func (m *Metrics) RecordInterrupt(ctx context.Context, d time.Duration) {
	m.InterruptDuration.Record(ctx, d.Seconds())
}

// RecordReconnect records a reconnection attempt or its final outcome.
func (m *Metrics) RecordReconnect(ctx context.Context, outcome string) {
	m.ReconnectAttempts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordTranscriptEntry records one finalized transcript entry.
func (m *Metrics) RecordTranscriptEntry(ctx context.Context, role string) {
	m.TranscriptEntries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}

// RecordBackendError records an in-band backend error.
func (m *Metrics) RecordBackendError(ctx context.Context, code string, fatal bool) {
	m.BackendErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("code", code),
			attribute.String("fatal", strconv.FormatBool(fatal)),
		),
	)
}

// RecordPlaybackError records an output device failure.
func (m *Metrics) RecordPlaybackError(ctx context.Context) {
	m.PlaybackErrors.Add(ctx, 1)
}

// RecordDroppedFrames records n dropped outbound frames.
func (m *Metrics) RecordDroppedFrames(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	m.DroppedFrames.Add(ctx, int64(n))
}

// RecordCircuitTransition records a breaker state change for an endpoint.
func (m *Metrics) RecordCircuitTransition(ctx context.Context, endpoint, to string) {
	m.CircuitTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("to", to),
		),
	)
}
