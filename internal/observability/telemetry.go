package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "termbridge"

// TelemetryConfig enables OTLP/HTTP export of the bridge, PTY and HTTP
// spans.
type TelemetryConfig struct {
	Enabled bool
	// Endpoint is host:port of the collector.
	Endpoint string
	Version  string
	// Logger receives export failures; defaults to slog.Default.
	Logger *slog.Logger
}

// SetupTelemetry installs a batching tracer provider and returns its
// shutdown. When cfg is nil or disabled nothing is installed and the
// shutdown is a no-op.
func SetupTelemetry(ctx context.Context, cfg *TelemetryConfig) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if cfg == nil || !cfg.Enabled {
		return noop, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", cfg.Version),
	))
	if err != nil {
		return noop, fmt.Errorf("build trace resource: %w", err)
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithCompression(otlptracehttp.GzipCompression)}
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return noop, fmt.Errorf("create trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	// otelhttp continues traces started by a fronting proxy.
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		logger.Debug("trace export failed", slog.String("event.type", "telemetry.error"), slog.Any("error", err))
	}))

	return provider.Shutdown, nil
}

// Tracer returns a named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}
