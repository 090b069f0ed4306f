package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// ============================================================================
// METRICS
// ============================================================================

// Metrics records orchestrator counters and histograms through OpenTelemetry
// and exposes them in Prometheus format. A nil *Metrics is a valid no-op
// recorder, so callers never need to guard call sites.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry
	costs    *CostTable

	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmCost         metric.Float64Counter
	llmErrors       metric.Int64Counter

	agentDuration metric.Float64Histogram
	agentCalls    metric.Int64Counter
	agentErrors   metric.Int64Counter

	breakerTransitions metric.Int64Counter
	memoryFacts        metric.Int64Counter

	planDuration    metric.Float64Histogram
	planCompletions metric.Int64Counter
}

// InitMetrics builds the metric instruments backed by a dedicated Prometheus
// registry. Returns nil when metrics are disabled; every Metrics method
// tolerates a nil receiver.
func InitMetrics(cfg MetricsConfig, costs *CostTable) (*Metrics, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	meter := provider.Meter("tapestry")

	m := &Metrics{
		provider: provider,
		registry: registry,
		costs:    costs,
	}

	m.llmDuration, err = meter.Float64Histogram(
		"tapestry_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	m.llmInputTokens, err = meter.Int64Counter(
		"tapestry_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to the LLM"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}

	m.llmOutputTokens, err = meter.Int64Counter(
		"tapestry_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from the LLM"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}

	m.llmCost, err = meter.Float64Counter(
		"tapestry_llm_cost_usd_total",
		metric.WithDescription("Estimated LLM spend in USD"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm cost counter: %w", err)
	}

	m.llmErrors, err = meter.Int64Counter(
		"tapestry_llm_errors_total",
		metric.WithDescription("Total LLM request errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	m.agentDuration, err = meter.Float64Histogram(
		"tapestry_agent_call_duration_seconds",
		metric.WithDescription("Remote agent call duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent duration histogram: %w", err)
	}

	m.agentCalls, err = meter.Int64Counter(
		"tapestry_agent_calls_total",
		metric.WithDescription("Total remote agent calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent calls counter: %w", err)
	}

	m.agentErrors, err = meter.Int64Counter(
		"tapestry_agent_errors_total",
		metric.WithDescription("Total remote agent call errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent errors counter: %w", err)
	}

	m.breakerTransitions, err = meter.Int64Counter(
		"tapestry_breaker_transitions_total",
		metric.WithDescription("Circuit breaker state transitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create breaker transitions counter: %w", err)
	}

	m.memoryFacts, err = meter.Int64Counter(
		"tapestry_memory_facts_extracted_total",
		metric.WithDescription("Facts extracted into structured thread memory"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory facts counter: %w", err)
	}

	m.planDuration, err = meter.Float64Histogram(
		"tapestry_plan_duration_seconds",
		metric.WithDescription("Plan execution duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create plan duration histogram: %w", err)
	}

	m.planCompletions, err = meter.Int64Counter(
		"tapestry_plans_completed_total",
		metric.WithDescription("Plans finished, by terminal status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create plan completions counter: %w", err)
	}

	return m, nil
}

// RecordLLMRequest records one completion round trip, including token usage
// and estimated cost.
func (m *Metrics) RecordLLMRequest(ctx context.Context, model string, duration time.Duration, promptTokens, completionTokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}

	modelAttr := metric.WithAttributes(attribute.String("model", model))
	m.llmDuration.Record(ctx, duration.Seconds(), modelAttr)

	if promptTokens > 0 {
		m.llmInputTokens.Add(ctx, int64(promptTokens), modelAttr)
	}
	if completionTokens > 0 {
		m.llmOutputTokens.Add(ctx, int64(completionTokens), modelAttr)
	}
	if cost := m.costs.Cost(model, promptTokens, completionTokens); cost > 0 {
		m.llmCost.Add(ctx, cost, modelAttr)
	}
	if err != nil {
		m.llmErrors.Add(ctx, 1, modelAttr)
	}
}

// RecordAgentCall records one A2A dispatch to a remote agent.
func (m *Metrics) RecordAgentCall(ctx context.Context, endpoint, status string, duration time.Duration, err error) {
	if m == nil || m.agentDuration == nil {
		return
	}

	endpointAttr := attribute.String("endpoint", endpoint)
	m.agentDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(endpointAttr))
	m.agentCalls.Add(ctx, 1, metric.WithAttributes(endpointAttr, attribute.String("status", status)))
	if err != nil {
		m.agentErrors.Add(ctx, 1, metric.WithAttributes(endpointAttr))
	}
}

// RecordBreakerTransition records a circuit breaker state change for an
// endpoint. Wired to the transport pool's OnStateChange hook.
func (m *Metrics) RecordBreakerTransition(endpoint, from, to string) {
	if m == nil || m.breakerTransitions == nil {
		return
	}

	m.breakerTransitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordMemoryExtraction records facts captured by a memory extraction pass.
func (m *Metrics) RecordMemoryExtraction(ctx context.Context, facts int) {
	if m == nil || m.memoryFacts == nil || facts <= 0 {
		return
	}

	m.memoryFacts.Add(ctx, int64(facts))
}

// RecordPlanCompletion records a finished plan run with its terminal status.
func (m *Metrics) RecordPlanCompletion(ctx context.Context, status string, duration time.Duration) {
	if m == nil || m.planDuration == nil {
		return
	}

	statusAttr := metric.WithAttributes(attribute.String("status", status))
	m.planDuration.Record(ctx, duration.Seconds(), statusAttr)
	m.planCompletions.Add(ctx, 1, statusAttr)
}

// Handler serves the Prometheus exposition format for this recorder's
// registry. Returns nil when metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
