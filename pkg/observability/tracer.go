package observability

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ============================================================================
// TRACING
// ============================================================================

// TracerOption customizes tracer initialization.
type TracerOption func(*tracerOptions)

type tracerOptions struct {
	version      string
	stdoutWriter io.Writer
}

// WithServiceVersion stamps the service version on exported spans.
func WithServiceVersion(version string) TracerOption {
	return func(o *tracerOptions) {
		o.version = version
	}
}

// WithStdoutWriter redirects the stdout exporter. Used in tests.
func WithStdoutWriter(w io.Writer) TracerOption {
	return func(o *tracerOptions) {
		o.stdoutWriter = w
	}
}

// InitTracer installs the global OpenTelemetry tracer provider. When tracing
// is disabled it installs a no-op provider so instrumented code pays nothing.
// The returned shutdown function flushes pending spans.
func InitTracer(ctx context.Context, cfg TracingConfig, opts ...TracerOption) (func(context.Context) error, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	options := tracerOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	exporter, err := newSpanExporter(ctx, cfg, options)
	if err != nil {
		return nil, err
	}

	attrs := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	}
	if options.version != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(options.version)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func newSpanExporter(ctx context.Context, cfg TracingConfig, options tracerOptions) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		stdoutOpts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if options.stdoutWriter != nil {
			stdoutOpts = append(stdoutOpts, stdouttrace.WithWriter(options.stdoutWriter))
		}
		exporter, err := stdouttrace.New(stdoutOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exporter, nil

	default:
		otlpOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.IsInsecure() {
			otlpOpts = append(otlpOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, otlpOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		return exporter, nil
	}
}

// GetTracer returns a named tracer from the global provider.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
