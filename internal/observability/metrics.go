package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the central collection of Prometheus instruments.
//
// Tracked concerns:
//   - Turn throughput and latency per model
//   - Provider stream requests, retries, and token consumption
//   - Tool execution patterns and latencies
//   - Bus subscriber drops
//   - Active sessions and queued prompts
type Metrics struct {
	// TurnCounter counts completed turns.
	// Labels: model, status (completed|interrupted|failed)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures full turn latency in seconds.
	// Labels: model
	TurnDuration *prometheus.HistogramVec

	// ProviderRequestCounter counts provider stream requests.
	// Labels: provider, model, status (success|error)
	ProviderRequestCounter *prometheus.CounterVec

	// ProviderRetryCounter counts before-first-byte stream retries.
	// Labels: provider
	ProviderRetryCounter *prometheus.CounterVec

	// TokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output|cache_read|cache_creation)
	TokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|denied)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// BusDroppedEnvelopes counts envelopes dropped from slow subscriber queues.
	BusDroppedEnvelopes prometheus.Counter

	// ActiveSessions gauges sessions with a running turn.
	ActiveSessions prometheus.Gauge

	// QueuedPrompts gauges prompts waiting in session FIFO queues.
	QueuedPrompts prometheus.Gauge

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (orchestrator|provider|tool|store|bus), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics registers all instruments with the default Prometheus registry.
// Call once at startup; the /metrics endpoint serves the default registry.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers against a caller-supplied registerer. Tests use
// this to avoid duplicate registration in the default registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_turns_total",
				Help: "Total number of turns by model and terminal status",
			},
			[]string{"model", "status"},
		),

		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_turn_duration_seconds",
				Help:    "Duration of full turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"model"},
		),

		ProviderRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_provider_requests_total",
				Help: "Total number of provider stream requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ProviderRetryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_provider_retries_total",
				Help: "Total number of provider stream retries before first byte",
			},
			[]string{"provider"},
		),

		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_tokens_total",
				Help: "Total number of tokens by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		BusDroppedEnvelopes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "loom_bus_dropped_envelopes_total",
				Help: "Total number of envelopes dropped from slow subscriber queues",
			},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "loom_active_sessions",
				Help: "Current number of sessions with a running turn",
			},
		),

		QueuedPrompts: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "loom_queued_prompts",
				Help: "Current number of prompts waiting in session queues",
			},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}
