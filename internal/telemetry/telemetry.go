// Package telemetry wires an OpenTelemetry tracer provider exporting
// to Zipkin, the same exporter combination the matchmaker example
// uses. Tracing is optional: when disabled or given no endpoint, Setup
// installs nothing, so otel's default no-op provider stays in place
// and the core runs without a collector.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Setup installs a Zipkin-exporting tracer provider as the global
// provider when enabled, and returns a shutdown func. When disabled
// or given no endpoint, it installs nothing and returns a no-op
// shutdown func.
func Setup(ctx context.Context, serviceName, zipkinEndpoint string, enabled bool) (shutdown func(context.Context) error, err error) {
	if !enabled || zipkinEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := zipkin.New(zipkinEndpoint)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the named tracer from the global provider, a no-op
// tracer if tracing was never enabled.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
