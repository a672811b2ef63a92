package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/haasonsaas/conductor"

// TraceConfig configures OpenTelemetry trace export.
type TraceConfig struct {
	// ServiceName identifies this service in traces. Default: "conductor".
	ServiceName string

	// ServiceVersion is attached to the service resource.
	ServiceVersion string

	// Endpoint is the OTLP/gRPC collector endpoint (e.g. "localhost:4317").
	// When empty, tracing is a no-op.
	Endpoint string

	// SampleRatio controls trace sampling (0..1]. Default: 1.
	SampleRatio float64
}

// Tracer wraps an OpenTelemetry tracer with harness-specific span helpers.
// A nil *Tracer is valid and produces no-op spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer sets up OTLP trace export and returns the tracer plus a shutdown
// function. When cfg.Endpoint is empty the returned tracer is a no-op and
// shutdown does nothing.
func NewTracer(ctx context.Context, cfg TraceConfig) (*Tracer, func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(tracerName)},
			func(context.Context) error { return nil }, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "conductor"
	}
	if cfg.SampleRatio <= 0 || cfg.SampleRatio > 1 {
		cfg.SampleRatio = 1
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("build trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	t := &Tracer{
		provider: provider,
		tracer:   provider.Tracer(tracerName),
	}
	return t, provider.Shutdown, nil
}

// StartTurn starts a span covering one complete agent turn.
func (t *Tracer) StartTurn(ctx context.Context, conversationID, model string) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return noopSpan(ctx)
	}
	return t.tracer.Start(ctx, "agent.turn",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("llm.model", model),
		),
	)
}

// StartLLMCall starts a span covering one transport round-trip.
func (t *Tracer) StartLLMCall(ctx context.Context, provider, model string, iteration int) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return noopSpan(ctx)
	}
	return t.tracer.Start(ctx, "agent.llm_call",
		trace.WithAttributes(
			attribute.String("llm.provider", provider),
			attribute.String("llm.model", model),
			attribute.Int("agent.iteration", iteration),
		),
	)
}

// StartTool starts a span covering one tool execution.
func (t *Tracer) StartTool(ctx context.Context, toolName, category string) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return noopSpan(ctx)
	}
	return t.tracer.Start(ctx, "agent.tool",
		trace.WithAttributes(
			attribute.String("tool.name", toolName),
			attribute.String("tool.category", category),
		),
	)
}

// EndWithDuration ends the span and records the elapsed time as an attribute.
func EndWithDuration(span trace.Span, start time.Time) {
	span.SetAttributes(attribute.Int64("duration_ms", time.Since(start).Milliseconds()))
	span.End()
}

func noopSpan(ctx context.Context) (context.Context, trace.Span) {
	return noop.NewTracerProvider().Tracer(tracerName).Start(ctx, "noop")
}
