package tracing

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// Extract is a wrapper of opentelemetry's SpanFromContext that also wraps traceID validation.
func Extract(ctx context.Context) (trace.SpanContext, bool) {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	valid := spanCtx.HasTraceID() && spanCtx.HasSpanID()
	return spanCtx, valid
}
