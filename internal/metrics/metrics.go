// Package metrics exposes Prometheus instrumentation for the
// orchestration core: context usage, compression ratio, continuation
// warnings, and tool latency. Export format and scraping are the
// telemetry collaborator's concern; this package only registers and
// updates the series.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all core instrument handles. A nil *Metrics is safe:
// every method no-ops, so components do not need guard checks.
type Metrics struct {
	ContextTokens        *prometheus.GaugeVec
	ContextBudget        prometheus.Gauge
	CompressionRatio     prometheus.Gauge
	CompactionsTotal     prometheus.Counter
	ContinuationWarnings prometheus.Counter
	ForcedStopsTotal     prometheus.Counter
	TurnsTotal           *prometheus.CounterVec
	IterationsTotal      prometheus.Counter
	ToolLatency          *prometheus.HistogramVec
	ToolErrorsTotal      *prometheus.CounterVec
	ModelLatency         prometheus.Histogram
}

// New creates and registers all core metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ContextTokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "keel_context_tokens",
			Help: "Current token usage of the live context window per conversation",
		}, []string{"conversation"}),
		ContextBudget: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keel_context_budget_tokens",
			Help: "Configured context window budget in tokens",
		}),
		CompressionRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keel_compression_ratio",
			Help: "Summary-to-source token ratio of the most recent compression pass",
		}),
		CompactionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keel_compactions_total",
			Help: "Total context compression passes",
		}),
		ContinuationWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keel_continuation_warnings_total",
			Help: "Total continuation protocol warnings issued",
		}),
		ForcedStopsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keel_forced_stops_total",
			Help: "Total turns terminated by the continuation protocol",
		}),
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keel_turns_total",
			Help: "Completed turns by outcome",
		}, []string{"outcome"}),
		IterationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keel_iterations_total",
			Help: "Total orchestrator loop iterations",
		}),
		ToolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keel_tool_latency_seconds",
			Help:    "Tool execution latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		ToolErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keel_tool_errors_total",
			Help: "Tool execution failures by kind",
		}, []string{"tool", "kind"}),
		ModelLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "keel_model_latency_seconds",
			Help:    "Model invocation latency",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
	}

	reg.MustRegister(
		m.ContextTokens, m.ContextBudget, m.CompressionRatio,
		m.CompactionsTotal, m.ContinuationWarnings, m.ForcedStopsTotal,
		m.TurnsTotal, m.IterationsTotal, m.ToolLatency, m.ToolErrorsTotal,
		m.ModelLatency,
	)
	return m
}

// ObserveContext records window usage after a manager pass.
func (m *Metrics) ObserveContext(conversationID string, used, max int) {
	if m == nil {
		return
	}
	m.ContextTokens.WithLabelValues(conversationID).Set(float64(used))
	m.ContextBudget.Set(float64(max))
}

// ObserveCompaction records one compression pass and its ratio.
func (m *Metrics) ObserveCompaction(ratio float64) {
	if m == nil {
		return
	}
	m.CompactionsTotal.Inc()
	m.CompressionRatio.Set(ratio)
}

// ObserveWarning counts a continuation protocol warning.
func (m *Metrics) ObserveWarning() {
	if m == nil {
		return
	}
	m.ContinuationWarnings.Inc()
}

// ObserveForcedStop counts a protocol-forced turn termination.
func (m *Metrics) ObserveForcedStop() {
	if m == nil {
		return
	}
	m.ForcedStopsTotal.Inc()
}

// ObserveTurn counts a completed turn by outcome label.
func (m *Metrics) ObserveTurn(outcome string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
}

// ObserveIteration counts one orchestrator loop iteration.
func (m *Metrics) ObserveIteration() {
	if m == nil {
		return
	}
	m.IterationsTotal.Inc()
}

// ObserveTool records one tool execution.
func (m *Metrics) ObserveTool(tool string, d time.Duration, errKind string) {
	if m == nil {
		return
	}
	m.ToolLatency.WithLabelValues(tool).Observe(d.Seconds())
	if errKind != "" {
		m.ToolErrorsTotal.WithLabelValues(tool, errKind).Inc()
	}
}

// ObserveModel records one model invocation.
func (m *Metrics) ObserveModel(d time.Duration) {
	if m == nil {
		return
	}
	m.ModelLatency.Observe(d.Seconds())
}
