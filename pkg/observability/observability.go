// Package observability owns the worker's logger, tracer, and metric
// instruments. The Hub is constructed once in main and injected into every
// component; it is the only process-wide state besides the current database
// pool.
//
// When a collector endpoint is configured, traces and metrics are exported
// over OTLP/HTTP and every log record is forwarded to the collector's log
// endpoint. Without an endpoint the collector sink is disabled and nothing
// else: console logging and the Prometheus scrape handler keep working.
package observability

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/tkersh/orderworker/internal/config"
)

// exportInterval is the batch window for pushed telemetry.
const exportInterval = 5 * time.Second

// Hub bundles the logger, tracer, and metric recorder.
type Hub struct {
	Logger  *zap.Logger
	Tracer  trace.Tracer
	Metrics *Metrics

	registry       *prometheus.Registry
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	propagator     propagation.TextMapPropagator
	logSink        *collectorLogCore
}

// New builds the hub from configuration.
func New(ctx context.Context, cfg config.ObservabilityConfig) (*Hub, error) {
	hub := &Hub{
		registry:   prometheus.NewRegistry(),
		propagator: propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	}

	endpoint := strings.TrimSuffix(cfg.CollectorEndpoint, "/")

	logger, sink, err := newLogger(cfg, endpoint)
	if err != nil {
		return nil, err
	}
	hub.Logger = logger
	hub.logSink = sink

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	)

	promExporter, err := otelprom.New(otelprom.WithRegisterer(hub.registry))
	if err != nil {
		return nil, err
	}
	meterOpts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	}

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if endpoint != "" {
		metricExporter, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpointURL(endpoint+"/v1/metrics"))
		if err != nil {
			return nil, err
		}
		meterOpts = append(meterOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(exportInterval))))

		traceExporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpointURL(endpoint+"/v1/traces"))
		if err != nil {
			return nil, err
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(traceExporter,
			sdktrace.WithBatchTimeout(exportInterval)))
	}

	hub.meterProvider = sdkmetric.NewMeterProvider(meterOpts...)
	hub.tracerProvider = sdktrace.NewTracerProvider(traceOpts...)
	hub.Tracer = hub.tracerProvider.Tracer(cfg.ServiceName)

	metrics, err := newMetrics(hub.meterProvider.Meter(cfg.ServiceName))
	if err != nil {
		return nil, err
	}
	hub.Metrics = metrics

	return hub, nil
}

// NewNop returns a hub that records nothing. For tests.
func NewNop() *Hub {
	meterProvider := sdkmetric.NewMeterProvider()
	metrics, err := newMetrics(meterProvider.Meter("nop"))
	if err != nil {
		panic(err)
	}
	return &Hub{
		Logger:        zap.NewNop(),
		Tracer:        noop.NewTracerProvider().Tracer("nop"),
		Metrics:       metrics,
		registry:      prometheus.NewRegistry(),
		meterProvider: meterProvider,
		propagator:    propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}),
	}
}

// Extract continues a trace from carrier attributes, typically the
// traceparent message attribute of a queue message.
func (h *Hub) Extract(ctx context.Context, attrs map[string]string) context.Context {
	return h.propagator.Extract(ctx, propagation.MapCarrier(attrs))
}

// MetricsHandler serves the Prometheus scrape endpoint.
func (h *Hub) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})
}

// Registry exposes the Prometheus registry. For tests and the scrape
// handler only; instruments are recorded through Metrics.
func (h *Hub) Registry() *prometheus.Registry {
	return h.registry
}

// Shutdown flushes exporters and the logger.
func (h *Hub) Shutdown(ctx context.Context) error {
	_ = h.Logger.Sync()
	if h.logSink != nil {
		h.logSink.Close()
	}
	var firstErr error
	if h.tracerProvider != nil {
		if err := h.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if h.meterProvider != nil {
		if err := h.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// TraceFields renders the active span context as logging fields so log
// records correlate with traces.
func TraceFields(ctx context.Context) []zap.Field {
	span := trace.SpanContextFromContext(ctx)
	if !span.IsValid() {
		return nil
	}
	return []zap.Field{
		zap.String("trace_id", span.TraceID().String()),
		zap.String("span_id", span.SpanID().String()),
	}
}
