// Package telemetry installs the global OpenTelemetry tracer provider used by every otel.Tracer in pacsarc.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/jdillenkofer/pacsarc/internal/settings"
)

const serviceName = "pacsarc"

const ExporterOtlp = "otlp"
const ExporterStdout = "stdout"

var ErrUnknownExporter = errors.New("unknown otel exporter")

// ShutdownFunc flushes pending spans and releases the exporter.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// SetupOTelSDK configures span export as selected by the otelExporter setting.
// Without an exporter the global no-op provider stays in place and the returned ShutdownFunc does nothing.
func SetupOTelSDK(ctx context.Context, s *settings.Settings) (ShutdownFunc, error) {
	if s.OtelExporter() == "" {
		return noopShutdown, nil
	}
	exporter, err := newExporter(ctx, s.OtelExporter(), s.OtelEndpoint())
	if err != nil {
		return noopShutdown, err
	}
	res, err := newResource(ctx)
	if err != nil {
		return noopShutdown, errors.Join(err, exporter.Shutdown(ctx))
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetTracerProvider(tracerProvider)
	slog.Info(fmt.Sprintf("Exporting traces via %s", s.OtelExporter()))

	shutdownOnce := false
	return func(ctx context.Context) error {
		if shutdownOnce {
			return nil
		}
		shutdownOnce = true
		return tracerProvider.Shutdown(ctx)
	}, nil
}

func newExporter(ctx context.Context, name string, endpoint string) (sdktrace.SpanExporter, error) {
	switch name {
	case ExporterOtlp:
		opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
		}
		return otlptracehttp.New(ctx, opts...)
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, name)
}

// newResource describes this process. Partial resources are logged and used anyway.
func newResource(ctx context.Context) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
		slog.Warn(fmt.Sprintf("Incomplete OpenTelemetry resource: %s", err))
		return res, nil
	}
	return res, err
}
