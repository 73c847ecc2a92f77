package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry.
	// Default: "teleprompt-relay".
	ServiceName string

	// ServiceVersion is the service version reported in telemetry.
	ServiceVersion string

	// TraceExporter is an optional span exporter. When nil, spans are
	// recorded but not exported. In production this would typically be an
	// OTLP exporter.
	TraceExporter sdktrace.SpanExporter

	// SampleRatio is the fraction of new traces recorded, in [0, 1]. Traces
	// continued from a sampled parent are always kept. Zero means 1.
	SampleRatio float64

	// SkipRuntimeMetrics leaves the Go runtime and process collectors out of
	// the Prometheus registry. Tests set it to keep scrapes small.
	SkipRuntimeMetrics bool
}

// Provider holds the installed SDK providers.
type Provider struct {
	// Metrics is built on the installed meter provider.
	Metrics *Metrics

	registry *prometheus.Registry
	meters   *sdkmetric.MeterProvider
	tracer   *sdktrace.TracerProvider
}

// InitProvider installs global meter and tracer providers. Metrics land in a
// registry private to the returned Provider and are scraped through
// [Provider.MetricsHandler]; spans go to cfg.TraceExporter when set. Call
// [Provider.Shutdown] before exit.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	res, err := serviceResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	p := &Provider{registry: prometheus.NewRegistry()}
	if !cfg.SkipRuntimeMetrics {
		p.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	exp, err := promexporter.New(promexporter.WithRegisterer(p.registry))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	p.meters = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp))
	if p.Metrics, err = NewMetrics(p.meters); err != nil {
		return nil, errors.Join(err, p.meters.Shutdown(ctx))
	}
	p.tracer = newTracerProvider(res, cfg)

	otel.SetMeterProvider(p.meters)
	otel.SetTracerProvider(p.tracer)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return p, nil
}

func serviceResource(cfg ProviderConfig) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "teleprompt-relay"
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(name),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
}

// newTracerProvider samples new traces at cfg.SampleRatio and always follows
// a sampled parent.
func newTracerProvider(res *resource.Resource, cfg ProviderConfig) *sdktrace.TracerProvider {
	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	}
	if cfg.TraceExporter != nil {
		opts = append(opts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	return sdktrace.NewTracerProvider(opts...)
}

// MetricsHandler serves the Prometheus exposition of the private registry.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes pending spans and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(p.tracer.Shutdown(ctx), p.meters.Shutdown(ctx))
}
