package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelTracer adapts an OpenTelemetry tracer to the Tracer seam.
type OTelTracer struct {
	tracer trace.Tracer
}

// NewOTelTracer uses the global tracer provider under the given instrumentation
// name. Without a configured provider the spans are no-ops.
func NewOTelTracer(name string) *OTelTracer {
	if name == "" {
		name = "fieldops"
	}
	return &OTelTracer{tracer: otel.Tracer(name)}
}

// NewOTelTracerFrom wraps an explicit tracer.
func NewOTelTracerFrom(t trace.Tracer) *OTelTracer {
	return &OTelTracer{tracer: t}
}

// Start implements Tracer.
func (t *OTelTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	ctx, span := t.tracer.Start(ctx, operation)
	return ctx, otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}
