// Package tracing wires process-wide OpenTelemetry tracing for the saga
// engine. Export failures are contained: a collector outage must never
// surface as a saga processing error.
package tracing

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/sagaweave/sagaweave/config"
	"github.com/sagaweave/sagaweave/pkg/logger"
)

// ShutdownFunc flushes and releases the tracer provider.
type ShutdownFunc func(ctx context.Context) error

// Swappable in tests.
var reportExporterFailure = func(err error, exporter, endpoint string, spanCount int) {
	logger.Warn("trace export dropped",
		"error", err,
		"exporter", exporter,
		"endpoint", endpoint,
		"spans", spanCount,
	)
}

var newOTLPExporter = func(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	endpoint := normalizeEndpoint(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("tracing: endpoint is required")
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithTimeout(cfg.Timeout),
		otlptracegrpc.WithInsecure(),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// guardedExporter swallows delivery failures after reporting them, so the
// batch processor never propagates collector outages.
type guardedExporter struct {
	inner    sdktrace.SpanExporter
	kind     string
	endpoint string
}

func (e *guardedExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if err := e.inner.ExportSpans(ctx, spans); err != nil {
		reportExporterFailure(err, e.kind, e.endpoint, len(spans))
	}
	return nil
}

func (e *guardedExporter) Shutdown(ctx context.Context) error {
	return e.inner.Shutdown(ctx)
}

// Init installs the global tracer provider and W3C propagators. Disabled
// tracing still installs a noop provider and the propagators, so trace
// headers keep flowing through the service.
func Init(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (ShutdownFunc, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		setPropagators()
		return func(context.Context) error { return nil }, nil
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	exp, err := newOTLPExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: build exporter: %w", err)
	}
	guarded := &guardedExporter{
		inner:    exp,
		kind:     strings.ToLower(strings.TrimSpace(cfg.Exporter)),
		endpoint: normalizeEndpoint(cfg.Endpoint),
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNamespace("sagaweave"),
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		_ = guarded.Shutdown(ctx)
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(guarded),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(selectSampler(cfg)),
	)
	otel.SetTracerProvider(tp)
	setPropagators()

	return func(shutdownCtx context.Context) error {
		if err := tp.ForceFlush(shutdownCtx); err != nil {
			_ = tp.Shutdown(shutdownCtx)
			return fmt.Errorf("tracing: flush provider: %w", err)
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("tracing: shutdown provider: %w", err)
		}
		return nil
	}, nil
}

func validateConfig(cfg config.TracingConfig) error {
	if strings.TrimSpace(cfg.Exporter) == "" {
		return fmt.Errorf("tracing: exporter is required")
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return fmt.Errorf("tracing: endpoint is required")
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("tracing: timeout must be positive, got %s", cfg.Timeout)
	}
	return nil
}

func setPropagators() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

func selectSampler(cfg config.TracingConfig) sdktrace.Sampler {
	switch strings.ToLower(strings.TrimSpace(cfg.Sampler)) {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	}
}

// normalizeEndpoint strips any scheme and path from the configured
// endpoint; the gRPC exporter wants a bare host:port.
func normalizeEndpoint(endpoint string) string {
	raw := strings.TrimSpace(endpoint)
	if raw == "" || !strings.Contains(raw, "://") {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return raw
	}
	return parsed.Host
}
