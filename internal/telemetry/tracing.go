// Package telemetry wraps OpenTelemetry tracing and Prometheus metrics
// behind the narrow interfaces the rest of the module depends on, the
// way the teacher's observability package defines Tracer/Span/Sampler
// but never binds them to a concrete library.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Span is the narrow span surface callers use; it avoids leaking the
// otel trace.Span type past this package's boundary.
type Span interface {
	SetAttribute(key string, value any)
	RecordError(err error)
	End()
}

// Tracer starts spans for named operations.
type Tracer interface {
	Start(ctx context.Context, name string) (context.Context, Span)
}

type otelTracer struct {
	tracer trace.Tracer
}

// NewTracer builds a Tracer backed by an otel SDK trace provider
// sampling at the given rate in [0,1]. A rate of 0 disables sampling
// entirely, matching the teacher's HashSampler's off mode.
func NewTracer(serviceName string, sampleRate float64) Tracer {
	sampler := sdktrace.TraceIDRatioBased(sampleRate)
	provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sampler))
	otel.SetTracerProvider(provider)
	return &otelTracer{tracer: provider.Tracer(serviceName)}
}

func (t *otelTracer) Start(ctx context.Context, name string) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) SetAttribute(key string, value any) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, "unsupported-attr-type"))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
}

func (s *otelSpan) End() {
	s.span.End()
}

// NoopTracer discards every span; used in tests and when tracing is
// disabled by configuration.
type NoopTracer struct{}

func (NoopTracer) Start(ctx context.Context, name string) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) SetAttribute(string, any) {}
func (noopSpan) RecordError(error)        {}
func (noopSpan) End()                     {}
