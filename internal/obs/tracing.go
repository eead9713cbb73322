// Copyright 2025 James Ross
package obs

import (
	"context"
	"fmt"
	"os"

	"github.com/flyingrobots/dubcast-job-server/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// MaybeInitTracing optionally initializes a global tracer provider with
// sampling and W3C propagation, a no-op when tracing is disabled or no
// endpoint is configured.
func MaybeInitTracing(cfg *config.Config) (*sdktrace.TracerProvider, error) {
	if !cfg.Observability.Tracing.Enabled || cfg.Observability.Tracing.Endpoint == "" {
		return nil, nil
	}

	exporter, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.Observability.Tracing.Endpoint),
		otlptracehttp.WithInsecure(),
	))
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	res := resource.NewWithAttributes(
		"https://opentelemetry.io/schemas/1.24.0",
		attribute.String("service.name", "dubcast-job-server"),
		attribute.String("service.version", "1.0.0"),
		attribute.String("host.name", hostname),
	)

	sampler := sdktrace.TraceIDRatioBased(cfg.Observability.Tracing.SamplingRate)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// ContextWithJobSpan starts a span for running one pipeline stage of a
// job, honoring a caller-supplied parent trace/span id as a remote
// parent when present (propagated from the HTTP request that submitted
// the job).
func ContextWithJobSpan(ctx context.Context, jobID, stage, traceID, spanID string) (context.Context, trace.Span) {
	tracer := otel.Tracer("worker")

	if tid, err := trace.TraceIDFromHex(traceID); err == nil {
		if sid, err2 := trace.SpanIDFromHex(spanID); err2 == nil {
			sc := trace.NewSpanContext(trace.SpanContextConfig{
				TraceID:    tid,
				SpanID:     sid,
				TraceFlags: trace.FlagsSampled,
				Remote:     true,
			})
			ctx = trace.ContextWithRemoteSpanContext(ctx, sc)
		}
	}

	ctx, span := tracer.Start(ctx, "stage.run",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("stage.name", stage),
		),
	)
	return ctx, span
}

// StartDispatchSpan creates a span for a dispatch backend operation
// (submit/claim/ack/nack).
func StartDispatchSpan(ctx context.Context, op, backend string) (context.Context, trace.Span) {
	tracer := otel.Tracer("dispatch")
	return tracer.Start(ctx, "dispatch."+op,
		trace.WithAttributes(
			attribute.String("dispatch.backend", backend),
			attribute.String("dispatch.op", op),
		),
	)
}

// RecordError records an error on the span if one exists in the context.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks the current span as successful.
func SetSpanSuccess(ctx context.Context) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetStatus(codes.Ok, "success")
	}
}

// AddEvent adds a named event with attributes to the current span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// AddSpanAttributes adds attributes to the current span.
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// GetTraceAndSpanID extracts the current trace/span ids from context, for
// stamping onto a newly submitted job so later stage spans can link back.
func GetTraceAndSpanID(ctx context.Context) (traceID string, spanID string) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		sc := span.SpanContext()
		if sc.IsValid() {
			return sc.TraceID().String(), sc.SpanID().String()
		}
	}
	return "", ""
}

// TracerShutdown gracefully shuts down the tracer provider, tolerating a
// nil provider when tracing was never enabled.
func TracerShutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// KeyValue builds an attribute.KeyValue from a narrow set of Go types,
// used at call sites that don't want to import the otel attribute
// package directly.
func KeyValue(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
