// Package observability provides OpenTelemetry tracing and metrics for jesta.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials/insecure"
)

// TracerName names the tracer that method and activity spans come from.
const TracerName = "github.com/stencila/jesta"

type tracingOptions struct {
	version  string
	rate     float64
	exporter sdktrace.SpanExporter
}

// TracingOption adjusts InitTracing.
type TracingOption func(*tracingOptions)

// WithServiceVersion sets the service.version resource attribute.
func WithServiceVersion(v string) TracingOption {
	return func(o *tracingOptions) { o.version = v }
}

// WithSampleRate sets the fraction of traces kept. Rates of 1 or more keep
// everything, 0 or less keep nothing.
func WithSampleRate(rate float64) TracingOption {
	return func(o *tracingOptions) { o.rate = rate }
}

// WithExporter sends spans to e instead of an OTLP endpoint.
func WithExporter(e sdktrace.SpanExporter) TracingOption {
	return func(o *tracingOptions) { o.exporter = e }
}

// Tracing owns the installed tracer provider, if any.
type Tracing struct {
	provider *sdktrace.TracerProvider
}

// InitTracing installs a global tracer provider exporting to the OTLP gRPC
// endpoint. With no endpoint and no exporter spans are not recorded and the
// returned Tracing only needs Shutdown.
func InitTracing(ctx context.Context, endpoint string, opts ...TracingOption) (*Tracing, error) {
	o := tracingOptions{rate: 1}
	for _, opt := range opts {
		opt(&o)
	}

	exporter := o.exporter
	if exporter == nil {
		if endpoint == "" {
			return &Tracing{}, nil
		}
		var err error
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()),
		)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP exporter for %s: %w", endpoint, err)
		}
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName("jesta"),
			semconv.ServiceVersion(o.version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("describing tracing resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(o.rate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return &Tracing{provider: provider}, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Shutdown flushes pending spans.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// Flush exports pending spans without stopping.
func (t *Tracing) Flush(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.ForceFlush(ctx)
}

// Enabled reports whether spans are exported.
func (t *Tracing) Enabled() bool { return t.provider != nil }

// Span kinds recorded in the jesta.span.kind attribute.
const (
	SpanKindMethod   = "method"
	SpanKindActivity = "activity"
)

// StartMethodSpan starts a span for a plugin method call.
func StartMethodSpan(ctx context.Context, method string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "jesta."+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("jesta.span.kind", SpanKindMethod),
			attribute.String("jesta.method", method),
		),
	)
}

// StartActivitySpan starts a span for a method run as a workflow activity.
func StartActivitySpan(ctx context.Context, workflowID, method string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "activity."+method,
		trace.WithAttributes(
			attribute.String("jesta.span.kind", SpanKindActivity),
			attribute.String("jesta.method", method),
			attribute.String("temporal.workflow_id", workflowID),
		),
	)
}

// RecordMethodResult sets the outcome of a method call on its span.
func RecordMethodResult(span trace.Span, duration time.Duration, err error) {
	span.SetAttributes(attribute.Int64("jesta.duration_ms", duration.Milliseconds()))
	RecordError(span, err)
}

// RecordError marks the span failed. A nil err leaves it unset.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
