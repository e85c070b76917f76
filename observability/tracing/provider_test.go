package tracing

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestNewProvider_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled() {
		t.Fatalf("export enabled by default (endpoint %q)", cfg.Endpoint)
	}
	p, err := NewProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	_, span := p.Tracer().Start(context.Background(), "migration.plan")
	if span.SpanContext().IsValid() {
		t.Error("disabled provider should hand out no-op spans")
	}
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestProvider_ExportsOnShutdown(t *testing.T) {
	ctx := context.Background()
	exporter := tracetest.NewInMemoryExporter()
	cfg := DefaultConfig()
	cfg.ServiceVersion = "1.2.0"
	p, err := newProvider(ctx, exporter, cfg)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	mt := NewMigrationTracer(p.Tracer())
	ctx, span := mt.StartRevision(ctx, "a1b2c3d4e5f6", "forward")
	span.End()

	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	if spans[0].Name != "migration.revision.a1b2c3d4e5f6" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	res := spans[0].Resource.Attributes()
	want := map[string]string{
		string(semconv.ServiceNameKey):    "revctl",
		string(semconv.ServiceVersionKey): "1.2.0",
	}
	for _, kv := range res {
		if v, ok := want[string(kv.Key)]; ok {
			if kv.Value.AsString() != v {
				t.Errorf("%s = %q, want %q", kv.Key, kv.Value.AsString(), v)
			}
			delete(want, string(kv.Key))
		}
	}
	if len(want) != 0 {
		t.Errorf("resource missing %v", want)
	}
}

func TestConfig_Sampler(t *testing.T) {
	tests := map[float64]string{
		0:    "AlwaysOnSampler",
		1:    "AlwaysOnSampler",
		2:    "AlwaysOnSampler",
		0.25: "ParentBased{root:TraceIDRatioBased{0.25}",
	}
	for rate, prefix := range tests {
		got := Config{SampleRate: rate}.sampler().Description()
		if len(got) < len(prefix) || got[:len(prefix)] != prefix {
			t.Errorf("rate %v: sampler %q, want prefix %q", rate, got, prefix)
		}
	}
}
