package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the gateway's Prometheus metrics. Each application context
// owns its own registry so tests can instantiate fresh instances.
type Metrics struct {
	// Registry holds every metric below and backs the /metrics endpoint.
	Registry *prometheus.Registry

	// TurnCounter counts completed turns.
	// Labels: agent, finish_reason
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures end-to-end turn latency in seconds.
	// Labels: agent
	TurnDuration *prometheus.HistogramVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// ToolInvocationCounter counts tool dispatches.
	// Labels: tool, source (remote|local-fallback), outcome
	ToolInvocationCounter *prometheus.CounterVec

	// ToolInvocationDuration measures tool latency in seconds.
	// Labels: tool
	ToolInvocationDuration *prometheus.HistogramVec

	// ShadowScheduled counts observer tasks accepted for execution.
	ShadowScheduled prometheus.Counter

	// ShadowDropped counts observer tasks dropped at the semaphore.
	ShadowDropped prometheus.Counter

	// ShadowFailed counts observer tasks that errored or panicked.
	ShadowFailed prometheus.Counter

	// HTTPRequestDuration measures HTTP handler latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates a metrics set registered on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_turns_total",
				Help: "Total completed turns by agent and finish reason",
			},
			[]string{"agent", "finish_reason"},
		),

		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_turn_duration_seconds",
				Help:    "End-to-end turn latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"agent"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_llm_requests_total",
				Help: "Total LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ToolInvocationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tool_invocations_total",
				Help: "Total tool dispatches by tool, source, and outcome",
			},
			[]string{"tool", "source", "outcome"},
		),

		ToolInvocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_tool_invocation_duration_seconds",
				Help:    "Tool invocation latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool"},
		),

		ShadowScheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_shadow_tasks_scheduled_total",
			Help: "Observer tasks accepted for background execution",
		}),

		ShadowDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_shadow_tasks_dropped_total",
			Help: "Observer tasks dropped because the semaphore was saturated",
		}),

		ShadowFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_shadow_tasks_failed_total",
			Help: "Observer tasks that errored or panicked",
		}),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP handler latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}
