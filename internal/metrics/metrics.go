// Package metrics exposes prometheus instrumentation for the agent core:
// turns, credential rotations, compactions, scheduler runs, heartbeat
// outcomes, and subagent lifecycles.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors. Create one per process with NewMetrics.
type Metrics struct {
	registry prometheus.Registerer

	// TurnCounter counts agent turns.
	// Labels: source (user|heartbeat|cron|subagent), status (ok|error)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures turn latency in seconds.
	// Labels: source
	TurnDuration *prometheus.HistogramVec

	// TokensUsed tracks model token consumption.
	// Labels: provider, model, direction (input|output)
	TokensUsed *prometheus.CounterVec

	// CredentialRotations counts profile rotations.
	// Labels: provider, reason (auth|rate-limit|billing)
	CredentialRotations *prometheus.CounterVec

	// Compactions counts context compaction passes.
	// Labels: trigger (pre-turn|overflow-retry), status (ok|noop|error)
	Compactions *prometheus.CounterVec

	// CronRuns counts scheduler job executions.
	// Labels: status (ok|error|skipped-in-flight|skipped-aborted)
	CronRuns *prometheus.CounterVec

	// HeartbeatTicks counts heartbeat outcomes.
	// Labels: status (sent|ok-token|ok-empty|skipped-*|error)
	HeartbeatTicks *prometheus.CounterVec

	// SubagentOutcomes counts finished child runs.
	// Labels: outcome (completed|timed-out|errored)
	SubagentOutcomes *prometheus.CounterVec

	// ActiveSubagents tracks children currently running.
	ActiveSubagents prometheus.Gauge

	// ToolExecutions counts tool calls.
	// Labels: tool, status (ok|error|denied)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool call latency in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec
}

// NewMetrics registers all collectors on reg. Pass nil to use the
// default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_turns_total",
				Help: "Total agent turns by source and status",
			},
			[]string{"source", "status"},
		),

		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_turn_duration_seconds",
				Help:    "Agent turn latency in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"source"},
		),

		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_tokens_total",
				Help: "Model tokens consumed by provider, model, and direction",
			},
			[]string{"provider", "model", "direction"},
		),

		CredentialRotations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_credential_rotations_total",
				Help: "Credential profile rotations by provider and reason",
			},
			[]string{"provider", "reason"},
		),

		Compactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_compactions_total",
				Help: "Context compaction passes by trigger and status",
			},
			[]string{"trigger", "status"},
		),

		CronRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_cron_runs_total",
				Help: "Scheduler job executions by status",
			},
			[]string{"status"},
		),

		HeartbeatTicks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_heartbeat_ticks_total",
				Help: "Heartbeat tick outcomes",
			},
			[]string{"status"},
		),

		SubagentOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_subagent_outcomes_total",
				Help: "Finished subagent runs by outcome",
			},
			[]string{"outcome"},
		),

		ActiveSubagents: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "loom_subagents_active",
				Help: "Subagents currently running",
			},
		),

		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_tool_executions_total",
				Help: "Tool calls by name and status",
			},
			[]string{"tool", "status"},
		),

		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_tool_duration_seconds",
				Help:    "Tool call latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
	}
}

// RecordTurn records one finished turn.
func (m *Metrics) RecordTurn(source, status string, durationSeconds float64) {
	m.TurnCounter.WithLabelValues(source, status).Inc()
	m.TurnDuration.WithLabelValues(source).Observe(durationSeconds)
}

// RecordTokens adds token usage for one model call.
func (m *Metrics) RecordTokens(provider, model string, input, output int) {
	if input > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "input").Add(float64(input))
	}
	if output > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "output").Add(float64(output))
	}
}

// RecordRotation records one credential rotation.
func (m *Metrics) RecordRotation(provider, reason string) {
	m.CredentialRotations.WithLabelValues(provider, reason).Inc()
}

// RecordCompaction records one compaction pass.
func (m *Metrics) RecordCompaction(trigger, status string) {
	m.Compactions.WithLabelValues(trigger, status).Inc()
}

// RecordCronRun records one scheduler execution.
func (m *Metrics) RecordCronRun(status string) {
	m.CronRuns.WithLabelValues(status).Inc()
}

// RecordHeartbeat records one heartbeat tick outcome.
func (m *Metrics) RecordHeartbeat(status string) {
	m.HeartbeatTicks.WithLabelValues(status).Inc()
}

// RecordSubagent records one finished child run.
func (m *Metrics) RecordSubagent(outcome string) {
	m.SubagentOutcomes.WithLabelValues(outcome).Inc()
}

// RecordToolExecution records one tool call.
func (m *Metrics) RecordToolExecution(tool, status string, durationSeconds float64) {
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// Handler returns the scrape endpoint for the metrics' registry.
func (m *Metrics) Handler() http.Handler {
	if gatherer, ok := m.registry.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}
