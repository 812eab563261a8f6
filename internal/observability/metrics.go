package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting run metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Run outcomes and loop iteration counts
//   - LLM request performance and token usage
//   - Tool execution patterns, latencies, and retries
//   - Interrupt lifecycle (created, resolved, timed out)
//   - History budget truncations and handoffs
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordToolExecution("web_search", "success", time.Since(start).Seconds())
type Metrics struct {
	// RunCounter tracks completed runs.
	// Labels: agent, state (done|handoff|interrupted|error)
	RunCounter *prometheus.CounterVec

	// IterationCounter counts reason/act iterations.
	// Labels: agent
	IterationCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider and model.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// ToolRetryCounter counts retry attempts after transient failures.
	// Labels: tool_name
	ToolRetryCounter *prometheus.CounterVec

	// InterruptCounter tracks interrupt lifecycle transitions.
	// Labels: kind (approval|question), outcome (created|resolved|timed_out|canceled)
	InterruptCounter *prometheus.CounterVec

	// TruncationCounter counts budget truncations.
	// Labels: target (history|result)
	TruncationCounter *prometheus.CounterVec

	// HandoffCounter counts agent handoffs.
	// Labels: from_agent, to_agent
	HandoffCounter *prometheus.CounterVec

	// BreakerTrips counts circuit breaker activations.
	// Labels: agent
	BreakerTrips *prometheus.CounterVec

	// ErrorCounter tracks errors by component and kind.
	// Labels: component (loop|pipeline|scheduler|interrupt|provider), error_kind
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. This should be called once at application startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates the metrics against a specific registerer.
// Tests use this with a fresh registry to avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reactor_runs_total",
				Help: "Total number of completed runs by agent and terminal state",
			},
			[]string{"agent", "state"},
		),

		IterationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reactor_iterations_total",
				Help: "Total number of reason/act iterations by agent",
			},
			[]string{"agent"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reactor_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reactor_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reactor_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reactor_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ToolRetryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reactor_tool_retries_total",
				Help: "Total number of tool retry attempts after transient failures",
			},
			[]string{"tool_name"},
		),

		InterruptCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reactor_interrupts_total",
				Help: "Total number of interrupt lifecycle transitions by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		TruncationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reactor_truncations_total",
				Help: "Total number of budget truncations by target",
			},
			[]string{"target"},
		),

		HandoffCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reactor_handoffs_total",
				Help: "Total number of agent handoffs",
			},
			[]string{"from_agent", "to_agent"},
		),

		BreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reactor_breaker_trips_total",
				Help: "Total number of circuit breaker activations",
			},
			[]string{"agent"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reactor_errors_total",
				Help: "Total number of errors by component and error kind",
			},
			[]string{"component", "error_kind"},
		),
	}
}

// RecordRun records a completed run.
func (m *Metrics) RecordRun(agent, state string) {
	m.RunCounter.WithLabelValues(agent, state).Inc()
}

// RecordIteration increments the iteration counter for an agent.
func (m *Metrics) RecordIteration(agent string) {
	m.IterationCounter.WithLabelValues(agent).Inc()
}

// RecordLLMRequest records metrics for an LLM API request.
//
// Example:
//
//	start := time.Now()
//	// ... make LLM request ...
//	metrics.RecordLLMRequest("anthropic", "claude-sonnet-4-5", "success", time.Since(start).Seconds())
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordToolRetry increments the retry counter for a tool.
func (m *Metrics) RecordToolRetry(toolName string) {
	m.ToolRetryCounter.WithLabelValues(toolName).Inc()
}

// RecordInterrupt records an interrupt lifecycle transition.
//
// Example:
//
//	metrics.RecordInterrupt("approval", "created")
//	metrics.RecordInterrupt("approval", "timed_out")
func (m *Metrics) RecordInterrupt(kind, outcome string) {
	m.InterruptCounter.WithLabelValues(kind, outcome).Inc()
}

// RecordTruncation increments the truncation counter for a target.
func (m *Metrics) RecordTruncation(target string) {
	m.TruncationCounter.WithLabelValues(target).Inc()
}

// RecordHandoff increments the handoff counter.
func (m *Metrics) RecordHandoff(fromAgent, toAgent string) {
	m.HandoffCounter.WithLabelValues(fromAgent, toAgent).Inc()
}

// RecordBreakerTrip increments the circuit breaker counter for an agent.
func (m *Metrics) RecordBreakerTrip(agent string) {
	m.BreakerTrips.WithLabelValues(agent).Inc()
}

// RecordError increments the error counter for a component and error kind.
//
// Example:
//
//	metrics.RecordError("pipeline", "timeout")
func (m *Metrics) RecordError(component, errorKind string) {
	m.ErrorCounter.WithLabelValues(component, errorKind).Inc()
}
