package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the gateway's instruments. A nil *Metrics is safe to
// ignore: callers check GetGlobalMetrics() for nil, so instrumented code
// paths work before Init.
type Metrics struct {
	llmCalls    metric.Int64Counter
	llmTokens   metric.Int64Counter
	llmDuration metric.Float64Histogram
	debates     metric.Int64Counter
	iterations  metric.Int64Counter
}

var globalMetrics *Metrics

// GetGlobalMetrics returns the process-wide metrics, or nil before Init.
func GetGlobalMetrics() *Metrics {
	return globalMetrics
}

// initMetrics builds the instruments on the installed meter provider.
func initMetrics() error {
	meter := otel.Meter("unify")

	var err error
	m := &Metrics{}

	if m.llmCalls, err = meter.Int64Counter("llm.calls",
		metric.WithDescription("LLM provider calls")); err != nil {
		return fmt.Errorf("failed to create llm.calls counter: %w", err)
	}
	if m.llmTokens, err = meter.Int64Counter("llm.tokens",
		metric.WithDescription("Total tokens reported by providers")); err != nil {
		return fmt.Errorf("failed to create llm.tokens counter: %w", err)
	}
	if m.llmDuration, err = meter.Float64Histogram("llm.duration",
		metric.WithDescription("LLM call duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return fmt.Errorf("failed to create llm.duration histogram: %w", err)
	}
	if m.debates, err = meter.Int64Counter("debate.turns",
		metric.WithDescription("Completed debate turns")); err != nil {
		return fmt.Errorf("failed to create debate.turns counter: %w", err)
	}
	if m.iterations, err = meter.Int64Counter("debate.iterations",
		metric.WithDescription("Completed debate iterations")); err != nil {
		return fmt.Errorf("failed to create debate.iterations counter: %w", err)
	}

	globalMetrics = m
	return nil
}

// RecordLLMCall records one provider call.
func (m *Metrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, tokens int, callErr error) {
	attrs := metric.WithAttributes(
		attribute.String(AttrLLMModel, model),
		attribute.Bool("error", callErr != nil),
	)
	m.llmCalls.Add(ctx, 1, attrs)
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	if tokens > 0 {
		m.llmTokens.Add(ctx, int64(tokens), attrs)
	}
}

// RecordDebate records one completed debate turn.
func (m *Metrics) RecordDebate(ctx context.Context, reason string, iterations int) {
	m.debates.Add(ctx, 1, metric.WithAttributes(
		attribute.String("termination_reason", reason)))
	if iterations > 0 {
		m.iterations.Add(ctx, int64(iterations))
	}
}
