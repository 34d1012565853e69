package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const defaultTracerName = "kb-gateway"

var tracer trace.Tracer

func Init(ctx context.Context, serviceName, version, otlpEndpoint string) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		tracer = otel.Tracer(serviceName)
		slog.Info("telemetry disabled, no OTLP endpoint configured")
		return func(ctx context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer = tp.Tracer(serviceName)

	slog.Info("telemetry initialized", "endpoint", otlpEndpoint)

	return tp.Shutdown, nil
}

func Tracer() trace.Tracer {
	if tracer == nil {
		tracer = otel.Tracer(defaultTracerName)
	}
	return tracer
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

func AddRequestAttributes(span trace.Span, userID, provider, model, requestID string) {
	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("request.id", requestID),
	)
}

// AddStreamAttributes records how a completion stream ended.
func AddStreamAttributes(span trace.Span, outcome string, events int) {
	span.SetAttributes(
		attribute.String("stream.outcome", outcome),
		attribute.Int("stream.events", events),
	)
}

func AddGraphAttributes(span trace.Span, key string, cacheHit bool) {
	span.SetAttributes(
		attribute.String("graph.key", key),
		attribute.Bool("cache.hit", cacheHit),
	)
}

func AddErrorAttribute(span trace.Span, err error) {
	span.SetAttributes(
		attribute.String("error.message", err.Error()),
	)
	span.RecordError(err)
}

func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
