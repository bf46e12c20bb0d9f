package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// ExporterType selects how spans leave the process.
type ExporterType string

const (
	// ExporterOTLPGRPC exports spans via OTLP over gRPC.
	ExporterOTLPGRPC ExporterType = "otlp-grpc"
	// ExporterOTLPHTTP exports spans via OTLP over HTTP.
	ExporterOTLPHTTP ExporterType = "otlp-http"
	// ExporterNone keeps tracing wiring in place without exporting.
	ExporterNone ExporterType = "none"
)

// TracingConfig configures span export for the runtime.
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// ExporterType selects the exporter (default none).
	ExporterType ExporterType
	// Endpoint of the OTLP collector.
	Endpoint string
	// Headers sent with every export.
	Headers map[string]string
	// Insecure disables transport security towards the collector.
	Insecure bool

	// SampleRate between 0 and 1 (default 1, sample everything).
	SampleRate float64
}

// TracingProvider owns the tracer used around dispatch and its shutdown.
type TracingProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracingProvider builds the OpenTelemetry plumbing and installs it as
// the process-global provider.
func NewTracingProvider(config TracingConfig) (*TracingProvider, error) {
	if config.ServiceName == "" {
		config.ServiceName = "dispatchkit"
	}
	if config.SampleRate == 0 {
		config.SampleRate = 1.0
	}

	exporter, err := newExporter(config)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(config.SampleRate)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracingProvider{
		provider: provider,
		tracer:   provider.Tracer("dispatchkit"),
	}, nil
}

// NewTracingProviderFrom wraps an already-built tracer provider, leaving
// global registration and shutdown ownership with the caller. Used when the
// host process owns the OpenTelemetry setup.
func NewTracingProviderFrom(provider *sdktrace.TracerProvider) *TracingProvider {
	return &TracingProvider{
		provider: provider,
		tracer:   provider.Tracer("dispatchkit"),
	}
}

func newExporter(config TracingConfig) (sdktrace.SpanExporter, error) {
	switch config.ExporterType {
	case ExporterOTLPGRPC:
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(config.Endpoint),
			otlptracegrpc.WithHeaders(config.Headers),
		}
		if config.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	case ExporterOTLPHTTP:
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(config.Endpoint),
			otlptracehttp.WithHeaders(config.Headers),
		}
		if config.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	case ExporterNone, "":
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter type %q", config.ExporterType)
	}
}

func newSampler(rate float64) sdktrace.Sampler {
	if rate >= 1.0 {
		return sdktrace.AlwaysSample()
	}
	if rate <= 0.0 {
		return sdktrace.NeverSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

// StartRequestSpan opens the span covering one request's trip through the
// pipeline.
func (tp *TracingProvider) StartRequestSpan(ctx context.Context, method, sessionID string) (context.Context, trace.Span) {
	return tp.tracer.Start(ctx, "dispatch."+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("dispatch.method", method),
			attribute.String("dispatch.session_id", sessionID),
		),
	)
}

// RecordError marks the span in ctx as failed.
func (tp *TracingProvider) RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// Shutdown flushes pending spans.
func (tp *TracingProvider) Shutdown(ctx context.Context) error {
	return tp.provider.Shutdown(ctx)
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
