package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus instruments for the runtime. Create one per
// process with NewMetrics; a nil *Metrics is safe to call, all methods
// become no-ops.
type Metrics struct {
	runsTotal        *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	llmRequests      *prometheus.CounterVec
	llmDuration      *prometheus.HistogramVec
	toolExecutions   *prometheus.CounterVec
	toolDuration     *prometheus.HistogramVec
	contextTokens    *prometheus.HistogramVec
	summarizations   prometheus.Counter
	eventsEmitted    *prometheus.CounterVec
	subAgentRuns     *prometheus.CounterVec
}

// NewMetrics registers the runtime's instruments on the given registerer.
// Pass prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_agent_runs_total",
			Help: "Agent runs by interaction mode and terminal status.",
		}, []string{"mode", "status"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_agent_run_duration_seconds",
			Help:    "Wall-clock duration of agent runs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"mode"}),
		llmRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_llm_requests_total",
			Help: "LLM requests by provider, model, and outcome.",
		}, []string{"provider", "model", "outcome"}),
		llmDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_llm_request_duration_seconds",
			Help:    "LLM request duration.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider", "model"}),
		toolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_tool_executions_total",
			Help: "Tool executions by tool name and status.",
		}, []string{"tool", "status"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_tool_execution_duration_seconds",
			Help:    "Tool execution duration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"tool"}),
		contextTokens: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_context_tokens",
			Help:    "Estimated token count of assembled context windows.",
			Buckets: prometheus.ExponentialBuckets(64, 2, 12),
		}, []string{"model"}),
		summarizations: factory.NewCounter(prometheus.CounterOpts{
			Name: "loom_context_summarizations_total",
			Help: "History summarizations performed by the context manager.",
		}),
		eventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_events_emitted_total",
			Help: "Run events emitted by type.",
		}, []string{"type"}),
		subAgentRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_sub_agent_runs_total",
			Help: "Sub-agent invocations by specialist and terminal status.",
		}, []string{"specialist", "status"}),
	}
}

func (m *Metrics) RunFinished(mode, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(mode, status).Inc()
	m.runDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *Metrics) LLMRequest(provider, model, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.llmRequests.WithLabelValues(provider, model, outcome).Inc()
	m.llmDuration.WithLabelValues(provider, model).Observe(d.Seconds())
}

func (m *Metrics) ToolExecuted(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolExecutions.WithLabelValues(tool, status).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) ContextAssembled(model string, tokens int) {
	if m == nil {
		return
	}
	m.contextTokens.WithLabelValues(model).Observe(float64(tokens))
}

func (m *Metrics) Summarized() {
	if m == nil {
		return
	}
	m.summarizations.Inc()
}

func (m *Metrics) EventEmitted(eventType string) {
	if m == nil {
		return
	}
	m.eventsEmitted.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SubAgentRun(specialist, status string) {
	if m == nil {
		return
	}
	m.subAgentRuns.WithLabelValues(specialist, status).Inc()
}
