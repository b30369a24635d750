// Copyright (C) 2025 Venkatesh Narayan
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the exploration
// engine. The metrics recorder is an event subscriber: it watches the same
// progress events external observers do, so the engine itself stays free
// of metrics plumbing.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/venkatesh-narayan/idea-exploration/services/engine/events"
)

// Namespace for all metrics
const metricsNamespace = "explorer"

// Metrics holds the engine's Prometheus metrics. Initialize once at
// startup via NewMetrics() and subscribe Observe on each session emitter.
type Metrics struct {
	// SessionsStarted counts graphs initialized, labelled by graph kind.
	SessionsStarted *prometheus.CounterVec

	// NodesTerminal counts nodes reaching a terminal state.
	// Labels: kind, state (COMPLETE, FAILED)
	NodesTerminal *prometheus.CounterVec

	// ValuesBySource counts resolved values by provenance.
	// Labels: kind, source (search, estimate, calculation, user)
	ValuesBySource *prometheus.CounterVec

	// NodesAdded counts admitted nodes past initialization.
	// Labels: kind, origin (breakdown, deepening)
	NodesAdded *prometheus.CounterVec

	// PendingUserInputs gauges nodes currently parked on user input.
	PendingUserInputs prometheus.Gauge

	// EventsTotal counts emitted progress events by type.
	EventsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the engine metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "graphs_initialized_total",
			Help:      "Graphs initialized, by kind.",
		}, []string{"kind"}),

		NodesTerminal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "nodes_terminal_total",
			Help:      "Nodes reaching a terminal state, by kind and state.",
		}, []string{"kind", "state"}),

		ValuesBySource: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "values_total",
			Help:      "Resolved node values, by kind and provenance.",
		}, []string{"kind", "source"}),

		NodesAdded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "nodes_added_total",
			Help:      "Nodes admitted after initialization, by kind and origin.",
		}, []string{"kind", "origin"}),

		PendingUserInputs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_user_inputs",
			Help:      "Nodes currently parked awaiting user input.",
		}),

		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Progress events emitted, by type.",
		}, []string{"type"}),
	}
}

// Observe updates metrics from one progress event. Subscribe it on every
// session emitter.
func (m *Metrics) Observe(e *events.Event) {
	m.EventsTotal.WithLabelValues(string(e.Type)).Inc()

	switch data := e.Data.(type) {
	case *events.GraphInitializedData:
		m.SessionsStarted.WithLabelValues(string(data.GraphKind)).Inc()

	case *events.NodeStateChangedData:
		if data.State.Terminal() {
			m.NodesTerminal.WithLabelValues(string(data.GraphKind), string(data.State)).Inc()
		}

	case *events.NodeValueSetData:
		m.ValuesBySource.WithLabelValues(string(data.GraphKind), string(data.Source)).Inc()

	case *events.NodesAddedData:
		origin := "deepening"
		if data.ParentID != "" {
			origin = "breakdown"
		}
		m.NodesAdded.WithLabelValues(string(data.GraphKind), origin).Add(float64(len(data.Nodes)))

	case *events.UserInputRequestedData:
		m.PendingUserInputs.Inc()

	case *events.UserInputReceivedData:
		m.PendingUserInputs.Dec()
	}
}
