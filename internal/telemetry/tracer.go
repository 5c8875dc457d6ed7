// Package telemetry wraps OpenTelemetry span creation for a single STP
// connection lifecycle, adapted from the teacher's gateway tracer. It
// registers the global trace-context and baggage propagators but never
// injects or extracts headers: a connection lives on one UDP socket pair
// and never crosses a service boundary.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config controls whether a connection's lifecycle is traced, and where
// spans are exported. Disabled by default: no collector is assumed
// reachable at localhost.
type Config struct {
	Enable      bool
	ServiceName string
	Endpoint    string
	Exporter    string // "jaeger" or "zipkin"
	SampleRate  float64
}

// Tracer wraps an OpenTelemetry tracer for one endpoint's lifetime.
type Tracer struct {
	config   *Config
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	logger   *zap.Logger
}

// NewTracer builds a tracer from cfg. A disabled config returns a
// no-op Tracer rather than an error, so callers never need to branch
// on whether tracing was requested.
func NewTracer(cfg *Config, logger *zap.Logger) (*Tracer, error) {
	if !cfg.Enable {
		return &Tracer{config: cfg, logger: logger}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "jaeger":
		exporter, err = jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
		if err != nil {
			return nil, fmt.Errorf("telemetry: create jaeger exporter: %w", err)
		}
	case "zipkin":
		exporter, err = zipkin.New(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("telemetry: create zipkin exporter: %w", err)
		}
	default:
		return nil, fmt.Errorf("telemetry: unsupported exporter %q", cfg.Exporter)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing initialized",
		zap.String("service", cfg.ServiceName),
		zap.String("exporter", cfg.Exporter),
	)

	return &Tracer{
		config:   cfg,
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
		logger:   logger,
	}, nil
}

// Shutdown flushes and stops the exporter. A no-op on a disabled tracer.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// Start begins a span. On a disabled tracer it returns ctx unchanged
// and the no-op span already embedded in it.
func (t *Tracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if !t.config.Enable || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, spanName, opts...)
}

// IsEnabled reports whether this tracer exports real spans.
func (t *Tracer) IsEnabled() bool {
	return t.config.Enable
}

// SetAttributes attaches attrs to the span carried by ctx.
func (t *Tracer) SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if !t.config.Enable {
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// RecordError attaches err to the span carried by ctx.
func (t *Tracer) RecordError(ctx context.Context, err error) {
	if !t.config.Enable || err == nil {
		return
	}
	trace.SpanFromContext(ctx).RecordError(err)
}

// ConnIDAttr builds the connection-id attribute that the sender and
// receiver set on their root connection span, so a trace can be correlated
// back to the plain-text log's run.
func ConnIDAttr(id string) attribute.KeyValue {
	return attribute.String("stp.conn_id", id)
}
