// Package observe provides application-wide observability primitives for the
// relay and the prompter: OpenTelemetry metrics, distributed tracing,
// trace-aware structured logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be scraped
// via the standard /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MrWong99/teleprompt"

// Auth outcomes recorded by [Metrics.RecordAuth].
const (
	AuthOK       = "ok"
	AuthInvalid  = "invalid"
	AuthMissing  = "missing"
	AuthTimeout  = "timeout"
	AuthReplayed = "replayed"
)

// Forwarding directions recorded by [Metrics.RecordFrame].
const (
	DirectionUpstream   = "client_to_upstream"
	DirectionDownstream = "upstream_to_client"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Relay gauges ---

	// ActiveSessions tracks the number of open relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- Relay counters ---

	// AuthAttempts counts authentication outcomes. Use with attribute:
	//   attribute.String("outcome", AuthOK|AuthInvalid|...)
	AuthAttempts metric.Int64Counter

	// FramesForwarded counts relayed messages. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("kind", "audio"|"control")
	FramesForwarded metric.Int64Counter

	// FramesDropped counts client messages that were not forwarded. Use with
	// attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// UpstreamErrors counts upstream failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", "dial"|"read"|"write"|"circuit_open")
	UpstreamErrors metric.Int64Counter

	// --- Relay histograms ---

	// UpstreamDialDuration tracks upstream connection establishment latency.
	UpstreamDialDuration metric.Float64Histogram

	// SessionDuration tracks how long relay sessions stay open.
	SessionDuration metric.Float64Histogram

	// --- Alignment ---

	// AlignmentWords counts candidate words seen by the alignment engine. Use
	// with attribute:
	//   attribute.String("result", "matched"|"dropped")
	AlignmentWords metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration times HTTP requests, and whole relay sessions for
	// websocket upgrades. Attributes: method, path, kind ("http" or "websocket").
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for dial
// and request latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers recording takes from seconds to an hour.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// instruments creates instruments on one meter and keeps the first error, so
// NewMetrics can declare everything in one block.
type instruments struct {
	meter metric.Meter
	err   error
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *instruments) seconds(name, desc string, buckets []float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	b.keep(err)
	return h
}

func (b *instruments) keep(err error) {
	if b.err == nil && err != nil {
		b.err = err
	}
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	met := &Metrics{
		ActiveSessions:  b.gauge("teleprompt.relay.active_sessions", "Number of open relay sessions."),
		AuthAttempts:    b.counter("teleprompt.relay.auth", "Authentication attempts by outcome."),
		FramesForwarded: b.counter("teleprompt.relay.frames_forwarded", "Messages relayed by direction and kind."),
		FramesDropped:   b.counter("teleprompt.relay.frames_dropped", "Client messages not forwarded, by reason."),
		UpstreamErrors:  b.counter("teleprompt.relay.upstream_errors", "Upstream failures by provider and kind."),
		AlignmentWords:  b.counter("teleprompt.align.words", "Candidate words processed by the alignment engine, by result."),

		UpstreamDialDuration: b.seconds("teleprompt.relay.upstream_dial.duration", "Latency of upstream connection establishment.", latencyBuckets),
		SessionDuration:      b.seconds("teleprompt.relay.session.duration", "Lifetime of relay sessions.", sessionBuckets),
		HTTPRequestDuration:  b.seconds("teleprompt.http.request.duration", "HTTP request latency, or session length for websocket upgrades.", latencyBuckets),
	}
	if b.err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", b.err)
	}
	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide [Metrics] built lazily on the global
// meter provider. It panics if the instruments cannot be created.
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

// RecordAuth records one authentication outcome.
func (m *Metrics) RecordAuth(ctx context.Context, outcome string) {
	m.AuthAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordFrame records one relayed message.
func (m *Metrics) RecordFrame(ctx context.Context, direction, kind string) {
	m.FramesForwarded.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("kind", kind),
		),
	)
}

// RecordDrop records one client message that was not forwarded.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordUpstreamError records one upstream failure.
func (m *Metrics) RecordUpstreamError(ctx context.Context, provider, kind string) {
	m.UpstreamErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordAlignment records whether a candidate word advanced the cursor.
func (m *Metrics) RecordAlignment(ctx context.Context, matched bool) {
	result := "dropped"
	if matched {
		result = "matched"
	}
	m.AlignmentWords.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
