package logging

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "reactor"

// Span wraps an OTel span for managed lifecycle around one ReAct cycle
// phase (plan/validate/execute/evaluate) or one sync-hub broadcast/save.
type Span struct {
	ctx  context.Context
	span trace.Span
}

// StartSpan begins a span as a child of the current trace context. Must be
// ended with End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) *Span {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name, opts...)
	return &Span{ctx: ctx, span: span}
}

// Context returns the context with the span attached.
func (s *Span) Context() context.Context {
	return s.ctx
}

// End completes the span. Safe to call multiple times.
func (s *Span) End() {
	if s.span != nil {
		s.span.End()
	}
}

// RecordError records an error on the span for observability.
func (s *Span) RecordError(err error) {
	if s.span != nil && err != nil {
		s.span.RecordError(err)
	}
}
