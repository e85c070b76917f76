// Package tracing sets up OpenTelemetry tracing for migration runs and
// provides span helpers for revisions and operations.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config controls span export for a revctl run.
type Config struct {
	// Endpoint is the OTLP HTTP collector, e.g. "localhost:4318". Empty
	// disables export.
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	// Insecure sends spans over plain HTTP.
	Insecure bool
	// SampleRate is the fraction of runs traced. Values outside (0, 1)
	// trace every run.
	SampleRate float64
}

// DefaultConfig returns a Config with export disabled.
func DefaultConfig() Config {
	return Config{ServiceName: "revctl", SampleRate: 1}
}

// Enabled reports whether spans are exported.
func (c Config) Enabled() bool { return c.Endpoint != "" }

func (c Config) sampler() sdktrace.Sampler {
	if c.SampleRate > 0 && c.SampleRate < 1 {
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRate))
	}
	return sdktrace.AlwaysSample()
}

// Provider owns the tracer handed to the migration engine. Shutdown must
// be called before exit so batched spans reach the collector.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider exports spans to cfg.Endpoint over OTLP/HTTP and installs
// the provider globally. With export disabled it returns a provider whose
// tracer records nothing.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled() {
		return &Provider{tracer: noop.NewTracerProvider().Tracer(cfg.ServiceName)}, nil
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}
	p, err := newProvider(ctx, exporter, cfg)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(p.tp)
	return p, nil
}

func newProvider(ctx context.Context, exporter sdktrace.SpanExporter, cfg Config) (*Provider, error) {
	attrs := []resource.Option{resource.WithAttributes(semconv.ServiceName(cfg.ServiceName))}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(cfg.ServiceVersion)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	)
	return &Provider{tp: tp, tracer: tp.Tracer(cfg.ServiceName)}, nil
}

// Tracer returns the provider's tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Shutdown flushes batched spans. It is a no-op when export is disabled.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
