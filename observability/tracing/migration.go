package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MigrationTracer creates spans around migration runs, revisions and
// operations.
type MigrationTracer struct {
	tracer trace.Tracer
}

// NewMigrationTracer creates a MigrationTracer. If tracer is nil, the global
// tracer provider is used.
func NewMigrationTracer(tracer trace.Tracer) *MigrationTracer {
	if tracer == nil {
		tracer = otel.GetTracerProvider().Tracer("revctl.migration")
	}
	return &MigrationTracer{tracer: tracer}
}

// StartPlan begins a span for a whole plan.
func (m *MigrationTracer) StartPlan(ctx context.Context, from, to string, steps int) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "migration.plan",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("migration.from", from),
			attribute.String("migration.to", to),
			attribute.Int("migration.steps", steps),
		),
	)
}

// StartRevision begins a child span for one revision.
func (m *MigrationTracer) StartRevision(ctx context.Context, revision, direction string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "migration.revision."+revision,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("migration.revision", revision),
			attribute.String("migration.direction", direction),
		),
	)
}

// StartOperation begins a child span for one operation.
func (m *MigrationTracer) StartOperation(ctx context.Context, kind string, index int, breaksTx bool) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "migration.operation."+kind,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("migration.operation.kind", kind),
			attribute.Int("migration.operation.index", index),
			attribute.Bool("migration.operation.breaks_tx", breaksTx),
		),
	)
}

// RecordError records err on span and sets the span status.
func (m *MigrationTracer) RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSuccess marks a span as successful.
func (m *MigrationTracer) SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// End finishes span, recording err when it is non-nil.
func (m *MigrationTracer) End(span trace.Span, err error) {
	if err != nil {
		m.RecordError(span, err)
	} else {
		m.SetSuccess(span)
	}
	span.End()
}
