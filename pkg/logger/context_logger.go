package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// WithTrace annotates the logger with the trace and span IDs carried by ctx,
// so log lines can be joined to traces. Without a valid span context the
// logger is returned unchanged.
func WithTrace(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return base
	}
	return base.With(
		"trace_id", sc.TraceID().String(),
		"span_id", sc.SpanID().String(),
	)
}
