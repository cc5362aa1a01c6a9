// Package observability wires OpenTelemetry tracing and Prometheus metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Span names.
const (
	SpanLLMRequest    = "llm.request"
	SpanDebatePhase   = "debate.phase"
	SpanDebateRequest = "debate.request"
)

// Span attribute keys.
const (
	AttrLLMModel       = "llm.model"
	AttrDebateRole     = "debate.role"
	AttrIteration      = "debate.iteration"
	AttrConversationID = "conversation.id"
)

// Manager owns the tracer/meter providers and the metrics endpoint.
type Manager struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	registry       *prometheus.Registry
}

// Init sets up a tracer provider and a Prometheus-backed meter provider
// and installs both as the otel globals.
func Init(serviceName string) (*Manager, error) {
	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to build otel resource: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(promRegistry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)

	if err := initMetrics(); err != nil {
		return nil, err
	}

	return &Manager{
		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
		registry:       promRegistry,
	}, nil
}

// MetricsHandler serves the Prometheus scrape endpoint.
func (m *Manager) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the providers.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.tracerProvider != nil {
		_ = m.tracerProvider.Shutdown(ctx)
	}
	if m.meterProvider != nil {
		_ = m.meterProvider.Shutdown(ctx)
	}
}

// GetTracer returns a tracer from the installed global provider. Safe to
// call before Init; it then returns a no-op tracer.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
