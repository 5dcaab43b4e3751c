// Package observability wires structured logging and Prometheus metrics
// for the agent core, grounded on the same promauto registration pattern
// used throughout the wider stack.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics centralizes the core's Prometheus instrumentation.
//
//	m := observability.NewMetrics()
//	m.LLMRequestDuration.WithLabelValues("researcher").Observe(time.Since(start).Seconds())
type Metrics struct {
	// LLMRequestCounter counts completion calls by status.
	// Labels: agent_name, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures completion latency in seconds.
	// Labels: agent_name
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption by kind.
	// Labels: agent_name, kind (request|response)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations by status.
	// Labels: tool_name, status (success|error|timeout)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// LoopDetectedCounter counts stuck-protocol triggers.
	// Labels: agent_name, loop_type
	LoopDetectedCounter *prometheus.CounterVec

	// BackgroundRunCounter counts background agent runs by outcome.
	// Labels: agent_name, outcome (success|error|retry_exhausted)
	BackgroundRunCounter *prometheus.CounterVec

	// ActiveBackgroundAgents is a gauge of currently-scheduled agents.
	ActiveBackgroundAgents prometheus.Gauge
}

// NewMetrics registers and returns a Metrics set against the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return &Metrics{
		LLMRequestCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_llm_requests_total",
			Help: "LLM completion calls by agent and status.",
		}, []string{"agent_name", "status"}),

		LLMRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentcore_llm_request_duration_seconds",
			Help:    "LLM completion call latency in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"agent_name"}),

		LLMTokensUsed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_llm_tokens_total",
			Help: "Token consumption by agent and kind.",
		}, []string{"agent_name", "kind"}),

		ToolExecutionCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_tool_executions_total",
			Help: "Tool invocations by tool and status.",
		}, []string{"tool_name", "status"}),

		ToolExecutionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentcore_tool_execution_duration_seconds",
			Help:    "Tool execution latency in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),

		LoopDetectedCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_loop_detected_total",
			Help: "Stuck-protocol triggers by agent and loop type.",
		}, []string{"agent_name", "loop_type"}),

		BackgroundRunCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_background_runs_total",
			Help: "Background agent runs by agent and outcome.",
		}, []string{"agent_name", "outcome"}),

		ActiveBackgroundAgents: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "agentcore_background_agents_active",
			Help: "Number of background agents currently in the scheduled or running state.",
		}),
	}
}

// RecordLLMRequest records one LLM completion call: its outcome, latency,
// and token usage (promptTokens/completionTokens of 0 are not recorded,
// since an error response reports none).
//
// Example:
//
//	start := time.Now()
//	// ... call the adapter ...
//	m.RecordLLMRequest("researcher", "success", time.Since(start).Seconds(), 120, 48)
func (m *Metrics) RecordLLMRequest(agentName, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(agentName, status).Inc()
	m.LLMRequestDuration.WithLabelValues(agentName).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(agentName, "request").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(agentName, "response").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool call's outcome and latency. status is
// "success", "error", or "timeout".
//
// Example:
//
//	m.RecordToolExecution("web_search", "success", 0.42)
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordLoopDetected increments the stuck-protocol trigger counter.
func (m *Metrics) RecordLoopDetected(agentName, loopType string) {
	m.LoopDetectedCounter.WithLabelValues(agentName, loopType).Inc()
}

// RecordBackgroundRun records one background agent run's outcome. outcome is
// "success", "error", or "retry_exhausted".
func (m *Metrics) RecordBackgroundRun(agentName, outcome string) {
	m.BackgroundRunCounter.WithLabelValues(agentName, outcome).Inc()
}

// BackgroundAgentScheduled increments the active-background-agents gauge.
func (m *Metrics) BackgroundAgentScheduled() {
	m.ActiveBackgroundAgents.Inc()
}

// BackgroundAgentUnscheduled decrements the active-background-agents gauge.
func (m *Metrics) BackgroundAgentUnscheduled() {
	m.ActiveBackgroundAgents.Dec()
}
