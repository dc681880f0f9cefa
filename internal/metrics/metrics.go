// Package metrics holds the Prometheus collectors for agent invocations and
// loop transitions. Shepherd is a short-lived CLI, so instead of serving
// /metrics it writes the registry to a node_exporter textfile on exit.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
//
// Metrics:
//   - shepherd_agent_invocations_total{role,outcome}
//   - shepherd_agent_invocation_duration_seconds{role}
//   - shepherd_agent_tokens_total{role,direction}
//   - shepherd_agent_cost_usd_total{role}
//   - shepherd_steps_replayed_total{role}
//   - shepherd_transitions_total{command,from,to}
//   - shepherd_escalations_total{command,decision}
//   - shepherd_quality_checks_total{result}
type Metrics struct {
	registry *prometheus.Registry

	Invocations *prometheus.CounterVec
	Duration    *prometheus.HistogramVec
	Tokens      *prometheus.CounterVec
	Cost        *prometheus.CounterVec
	Replayed    *prometheus.CounterVec
	Transitions *prometheus.CounterVec
	Escalations *prometheus.CounterVec
	Quality     *prometheus.CounterVec
}

// New registers the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Invocations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shepherd_agent_invocations_total",
				Help: "Agent invocations by role and outcome",
			},
			[]string{"role", "outcome"}, // ok, failed, timeout, cancelled
		),
		Duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shepherd_agent_invocation_duration_seconds",
				Help:    "Wall clock duration of agent invocations",
				Buckets: prometheus.ExponentialBuckets(1, 2, 13), // 1s to ~68m
			},
			[]string{"role"},
		),
		Tokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shepherd_agent_tokens_total",
				Help: "Tokens reported by the agent",
			},
			[]string{"role", "direction"},
		),
		Cost: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shepherd_agent_cost_usd_total",
				Help: "Cost in USD reported by the agent",
			},
			[]string{"role"},
		),
		Replayed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shepherd_steps_replayed_total",
				Help: "Steps answered from stored results instead of invoking the agent",
			},
			[]string{"role"},
		),
		Transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shepherd_transitions_total",
				Help: "State machine transitions",
			},
			[]string{"command", "from", "to"},
		),
		Escalations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shepherd_escalations_total",
				Help: "Escalations by resolved decision",
			},
			[]string{"command", "decision"},
		),
		Quality: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shepherd_quality_checks_total",
				Help: "Quality check attempts by result",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordInvocation(role, outcome string, d time.Duration, inTokens, outTokens int, cost float64) {
	if m == nil {
		return
	}
	m.Invocations.WithLabelValues(role, outcome).Inc()
	m.Duration.WithLabelValues(role).Observe(d.Seconds())
	m.Tokens.WithLabelValues(role, "input").Add(float64(inTokens))
	m.Tokens.WithLabelValues(role, "output").Add(float64(outTokens))
	m.Cost.WithLabelValues(role).Add(cost)
}

func (m *Metrics) RecordReplay(role string) {
	if m == nil {
		return
	}
	m.Replayed.WithLabelValues(role).Inc()
}

func (m *Metrics) RecordTransition(command, from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(command, from, to).Inc()
}

func (m *Metrics) RecordEscalation(command, decision string) {
	if m == nil {
		return
	}
	m.Escalations.WithLabelValues(command, decision).Inc()
}

func (m *Metrics) RecordQuality(passed bool) {
	if m == nil {
		return
	}
	result := "fail"
	if passed {
		result = "pass"
	}
	m.Quality.WithLabelValues(result).Inc()
}

// WriteTextfile writes the registry in text exposition format, atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
