package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*MigrationTracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return NewMigrationTracer(tp.Tracer("test")), exporter
}

func attr(spans tracetest.SpanStubs, i int, key string) (attribute.Value, bool) {
	for _, a := range spans[i].Attributes {
		if string(a.Key) == key {
			return a.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestMigrationTracer_Nesting(t *testing.T) {
	mt, exporter := newTestTracer(t)

	ctx, plan := mt.StartPlan(context.Background(), "base", "r2", 2)
	ctx, rev := mt.StartRevision(ctx, "r1", "forward")
	_, op := mt.StartOperation(ctx, "add_column", 0, false)
	mt.End(op, nil)
	mt.End(rev, nil)
	mt.End(plan, nil)

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
	// Spans are exported as they end: operation, revision, plan.
	if spans[0].Name != "migration.operation.add_column" {
		t.Errorf("unexpected operation span name %q", spans[0].Name)
	}
	if spans[1].Name != "migration.revision.r1" {
		t.Errorf("unexpected revision span name %q", spans[1].Name)
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("operation span should be a child of the revision span")
	}
	if spans[1].Parent.SpanID() != spans[2].SpanContext.SpanID() {
		t.Error("revision span should be a child of the plan span")
	}
	if v, ok := attr(spans, 1, "migration.direction"); !ok || v.AsString() != "forward" {
		t.Errorf("expected migration.direction=forward, got %v", v)
	}
	if v, ok := attr(spans, 2, "migration.steps"); !ok || v.AsInt64() != 2 {
		t.Errorf("expected migration.steps=2, got %v", v)
	}
	for _, s := range spans {
		if s.Status.Code != codes.Ok {
			t.Errorf("span %s: expected Ok status, got %v", s.Name, s.Status.Code)
		}
	}
}

func TestMigrationTracer_EndWithError(t *testing.T) {
	mt, exporter := newTestTracer(t)

	_, span := mt.StartOperation(context.Background(), "raw_statement", 3, true)
	mt.End(span, errors.New("boom"))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "boom" {
		t.Errorf("unexpected status %+v", spans[0].Status)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected the error to be recorded as an event")
	}
	if v, ok := attr(spans, 0, "migration.operation.breaks_tx"); !ok || !v.AsBool() {
		t.Error("expected migration.operation.breaks_tx=true")
	}
}

func TestNewMigrationTracer_NilUsesGlobal(t *testing.T) {
	if NewMigrationTracer(nil).tracer == nil {
		t.Fatal("expected a tracer from the global provider")
	}
}
