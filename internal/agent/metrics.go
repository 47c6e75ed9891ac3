// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package agent

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/canonical/benchd/core/phase"
	"github.com/canonical/benchd/internal/reconciler"
)

const metricsNamespace = "benchd"

// Collector is a prometheus.Collector that collects metrics about the
// benchmark agent.
type Collector struct {
	phase       *prometheus.GaugeVec
	actions     *prometheus.CounterVec
	reconciles  *prometheus.CounterVec
	divergences prometheus.Counter
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		phase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "agent_phase",
				Help:      "The agent's reconciled execution phase; exactly one label is 1.",
			}, []string{"phase"},
		),
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "actions_total",
				Help:      "The number of benchmark actions handled, by action and result.",
			}, []string{"action", "result"},
		),
		reconciles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "status_reconciles_total",
				Help:      "The number of status reconciliations, by outcome.",
			}, []string{"result"},
		),
		divergences: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "status_divergences_total",
				Help:      "The number of times the local phase diverged from the group record.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.phase.Describe(ch)
	c.actions.Describe(ch)
	c.reconciles.Describe(ch)
	c.divergences.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.phase.Collect(ch)
	c.actions.Collect(ch)
	c.reconciles.Collect(ch)
	c.divergences.Collect(ch)
}

func (c *Collector) actionResult(action, result string) {
	c.actions.WithLabelValues(action, result).Inc()
}

func (c *Collector) reconcileResult(result reconciler.Result) {
	c.reconciles.WithLabelValues(string(result.Kind)).Inc()
	if result.Kind == reconciler.RetryLater {
		c.divergences.Inc()
	}
}

func (c *Collector) observePhase(current phase.Phase) {
	for _, p := range []phase.Phase{
		phase.Unset, phase.Prepared, phase.Running, phase.Stopped, phase.Error,
	} {
		value := 0.0
		if p == current {
			value = 1.0
		}
		c.phase.WithLabelValues(p.String()).Set(value)
	}
}
