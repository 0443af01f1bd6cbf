package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "scriptflow"

// Tracer wraps OpenTelemetry tracing for the execution engine.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("scriptflow.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// Common attribute keys for engine tracing.
var (
	AttrExecutionID = attribute.Key("scriptflow.execution.id")
	AttrScriptID    = attribute.Key("scriptflow.script.id")
	AttrStatus      = attribute.Key("scriptflow.status")
	AttrSeverity    = attribute.Key("scriptflow.security.severity")
	AttrDurationMS  = attribute.Key("scriptflow.duration_ms")
)
