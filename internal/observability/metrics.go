// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the agent harness.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for harness metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - LLM call counts, latency, and token consumption per provider/model
//   - Tool execution counts and latency per tool and category
//   - Turn outcomes (completed, interrupted, error)
//   - Approval decisions (approved, denied, timeout)
type Metrics struct {
	// LLMRequestCounter counts transport calls.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures transport call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, category (render|read|write), status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// TurnCounter counts completed turns.
	// Labels: outcome (completed|interrupted|error)
	TurnCounter *prometheus.CounterVec

	// ApprovalCounter counts approval outcomes.
	// Labels: decision (approved|denied|timeout)
	ApprovalCounter *prometheus.CounterVec
}

// NewMetrics creates and registers harness metrics on the given registerer.
// A nil registerer uses the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		LLMRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_llm_requests_total",
			Help: "Total LLM transport calls by provider, model, and status.",
		}, []string{"provider", "model", "status"}),

		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_llm_request_seconds",
			Help:    "LLM transport call latency in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider", "model"}),

		LLMTokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_llm_tokens_total",
			Help: "Token consumption by provider, model, and type.",
		}, []string{"provider", "model", "type"}),

		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_tool_executions_total",
			Help: "Tool invocations by tool, category, and status.",
		}, []string{"tool", "category", "status"}),

		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_tool_execution_seconds",
			Help:    "Tool execution time in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),

		TurnCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_turns_total",
			Help: "Completed agent turns by outcome.",
		}, []string{"outcome"}),

		ApprovalCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_approvals_total",
			Help: "Write-tool approval outcomes.",
		}, []string{"decision"}),
	}
}

// RecordLLMRequest records one transport call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, seconds float64) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(seconds)
}

// RecordTokens records token usage for one transport call.
func (m *Metrics) RecordTokens(provider, model string, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	if inputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(tool, category, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(tool, category, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(seconds)
}

// RecordTurn records a finished turn.
func (m *Metrics) RecordTurn(outcome string) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(outcome).Inc()
}

// RecordApproval records a write-tool approval outcome.
func (m *Metrics) RecordApproval(decision string) {
	if m == nil {
		return
	}
	m.ApprovalCounter.WithLabelValues(decision).Inc()
}
