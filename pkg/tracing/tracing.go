package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds tracing configuration
type Config struct {
	ServiceName    string
	ServiceVersion string
	JaegerEndpoint string
	SampleRate     float64
	Enabled        bool
}

// DefaultConfig returns default tracing configuration
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "streamgate",
		ServiceVersion: "1.0.0",
		JaegerEndpoint: "http://localhost:14268/api/traces",
		SampleRate:     0.1,
		Enabled:        true,
	}
}

// Init initializes the global tracer provider. The returned shutdown
// function flushes pending spans and must be called before exit.
func Init(cfg *Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)))
	if err != nil {
		return nil, fmt.Errorf("failed to create jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// Tracer returns the service tracer.
func Tracer() trace.Tracer {
	return otel.Tracer("streamgate")
}

// StartSpan starts a new span with the given name and options.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// Span attribute keys used across the services.
var (
	StreamKeyKey    = attribute.Key("streamgate.stream_key")
	ViewerIDKey     = attribute.Key("streamgate.viewer_id")
	ConnectionIDKey = attribute.Key("streamgate.connection_id")
	RoomIDKey       = attribute.Key("streamgate.room_id")
	VariantKey      = attribute.Key("streamgate.variant")
	MessageTypeKey  = attribute.Key("streamgate.message_type")
	ConditionKey    = attribute.Key("streamgate.condition")
)

// TraceHTTPRequest starts a span for an HTTP request.
func TraceHTTPRequest(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("HTTP %s %s", method, path),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethod(method),
			semconv.HTTPRoute(path),
		),
	)
}

// TraceSignalMessage starts a span for a signaling message dispatch.
func TraceSignalMessage(ctx context.Context, messageType, connectionID string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("signal.%s", messageType),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			MessageTypeKey.String(messageType),
			ConnectionIDKey.String(connectionID),
		),
	)
}

// TraceEncodeOperation starts a span for an encode lifecycle operation.
func TraceEncodeOperation(ctx context.Context, operation, streamKey, variant string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("encode.%s", operation),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			StreamKeyKey.String(streamKey),
			VariantKey.String(variant),
		),
	)
}

// TraceTelemetry starts a span for a viewer telemetry report.
func TraceTelemetry(ctx context.Context, streamKey, viewerID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "telemetry.record",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			StreamKeyKey.String(streamKey),
			ViewerIDKey.String(viewerID),
		),
	)
}

// TraceStoreOperation starts a span for a repository operation.
func TraceStoreOperation(ctx context.Context, operation, store string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("store.%s", operation),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", store),
			attribute.String("db.operation", operation),
		),
	)
}

// RecordError records an error on the span and marks it failed.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// AddEvent adds a timestamped event to the span.
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
