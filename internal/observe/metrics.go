// Package observe provides the observability primitives of the AMD service:
// OpenTelemetry metrics, tracing, trace-aware structured logging, and the HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider]. [DefaultMetrics] is backed by the global meter
// provider; tests should call [NewMetrics] with their own
// [metric.MeterProvider] so instruments do not leak between tests.
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

// meterName is the instrumentation scope name used for all service metrics.
const meterName = "github.com/MrWong99/amdetect"

// Metrics holds all OpenTelemetry instruments for the service. All fields are
// safe for concurrent use.
type Metrics struct {
	// --- Decisions ---

	// Decisions counts terminal decisions. Use with attributes:
	//   attribute.String("outcome", ...), attribute.Bool("forced", ...), attribute.Bool("partial", ...)
	Decisions metric.Int64Counter

	// DecisionLatency tracks the time from session creation to decision.
	DecisionLatency metric.Float64Histogram

	// DecisionConfidence tracks the confidence of terminal decisions.
	DecisionConfidence metric.Float64Histogram

	// --- Sessions ---

	// ActiveSessions tracks the number of registered, undecided sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionsRejected counts session creations refused by the registry or
	// by an unavailable speech engine. Use with attribute:
	//   attribute.String("reason", ...)
	SessionsRejected metric.Int64Counter

	// SessionsDiscarded counts sessions dropped without a decision because
	// the transport disconnected or the session was cancelled.
	SessionsDiscarded metric.Int64Counter

	// --- Audio ---

	// Frames counts audio frames fed into sessions.
	Frames metric.Int64Counter

	// FrameErrors counts frames the speech source could not accept.
	FrameErrors metric.Int64Counter

	// --- Providers ---

	// ProviderRequests counts STT stream openings. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts STT provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets covers the span from an instant keyword hit to a forced
// decision a few seconds after the deadline.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 1.5, 2, 2.5, 3, 3.5, 5, 10,
}

var confidenceBuckets = []float64{
	0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.75, 0.8, 0.85, 0.9, 0.95, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Decisions, err = m.Int64Counter("amd.decisions",
		metric.WithDescription("Terminal decisions by outcome, forced and partial flags."),
	); err != nil {
		return nil, err
	}
	if met.DecisionLatency, err = m.Float64Histogram("amd.decision.latency",
		metric.WithDescription("Time from session creation to its decision."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DecisionConfidence, err = m.Float64Histogram("amd.decision.confidence",
		metric.WithDescription("Confidence of terminal decisions."),
		metric.WithExplicitBucketBoundaries(confidenceBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("amd.active_sessions",
		metric.WithDescription("Number of registered sessions awaiting a decision."),
	); err != nil {
		return nil, err
	}
	if met.SessionsRejected, err = m.Int64Counter("amd.sessions.rejected",
		metric.WithDescription("Session creations refused, by reason."),
	); err != nil {
		return nil, err
	}
	if met.SessionsDiscarded, err = m.Int64Counter("amd.sessions.discarded",
		metric.WithDescription("Sessions dropped without a decision."),
	); err != nil {
		return nil, err
	}

	if met.Frames, err = m.Int64Counter("amd.frames",
		metric.WithDescription("Audio frames fed into sessions."),
	); err != nil {
		return nil, err
	}
	if met.FrameErrors, err = m.Int64Counter("amd.frame.errors",
		metric.WithDescription("Audio frames the speech source could not accept."),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("amd.provider.requests",
		metric.WithDescription("STT stream openings by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("amd.provider.errors",
		metric.WithDescription("STT provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("amd.http.request.duration",
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

// RecordDecision records one terminal decision.
func (m *Metrics) RecordDecision(ctx context.Context, outcome string, confidence float64, forced, partial bool, latency time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("forced", strconv.FormatBool(forced)),
		attribute.String("partial", strconv.FormatBool(partial)),
	)
	m.Decisions.Add(ctx, 1, attrs)
	m.DecisionLatency.Record(ctx, latency.Seconds(), attrs)
	m.DecisionConfidence.Record(ctx, confidence, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSessionRejected records a refused session creation.
func (m *Metrics) RecordSessionRejected(ctx context.Context, reason string) {
	m.SessionsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordProviderRequest records an STT stream opening attempt.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records an STT provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
