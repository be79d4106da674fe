// Package traces wires OpenTelemetry tracing for the top-up bot.
package traces

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "bot-topup"

// Init installs a global tracer provider exporting to otlpEndpoint over gRPC.
// An empty endpoint leaves the no-op provider in place. The returned function
// flushes and stops the exporter.
func Init(ctx context.Context, otlpEndpoint, serviceName string, logger *slog.Logger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}
	if serviceName == "" {
		serviceName = tracerName
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", otlpEndpoint, "service", serviceName)
	return tp.Shutdown, nil
}

// StartSpan opens a span named name on the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func UserID(id int64) attribute.KeyValue {
	return attribute.Int64("user.id", id)
}

func Amount(minor int64) attribute.KeyValue {
	return attribute.Int64("amount.minor", minor)
}

func Reference(ref string) attribute.KeyValue {
	return attribute.String("payment.reference", ref)
}

func Provider(name string) attribute.KeyValue {
	return attribute.String("payment.provider", name)
}
