// Package metrics defines the Prometheus collectors for lanetrack.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for Tracking Solves
// =============================================================================

var (
	// solvesTotal counts finished solves.
	// Labels: status (OPTIMAL, INFEASIBLE, LIMIT_REACHED, ...)
	solvesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanetrack",
		Name:      "solves_total",
		Help:      "Total solves by final solver status",
	}, []string{"status"})

	// solveDuration measures wall time of each solve.
	solveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lanetrack",
		Name:      "solve_duration_seconds",
		Help:      "Solve wall time in seconds",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300},
	})

	// modelVariables is the number of assignment variables in the model.
	modelVariables = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lanetrack",
		Name:      "model_variables",
		Help:      "Binary variables in the tracking model",
	})

	// modelConstraints is the number of live constraint rows.
	modelConstraints = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lanetrack",
		Name:      "model_constraints",
		Help:      "Constraint rows in the tracking model",
	})

	// overrideConstraints tracks user override rows.
	// Labels: kind (segment, assignment, frame_count, freeze, ignore)
	overrideConstraints = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lanetrack",
		Name:      "override_constraints",
		Help:      "Interactive override constraints by kind",
	}, []string{"kind"})

	// solverNodes counts branch-and-bound nodes visited.
	solverNodes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lanetrack",
		Name:      "solver_nodes_total",
		Help:      "Branch-and-bound nodes visited across all solves",
	})
)

// RecordSolve records one finished solve.
func RecordSolve(status string, d time.Duration, nodes int64) {
	solvesTotal.WithLabelValues(status).Inc()
	solveDuration.Observe(d.Seconds())
	if nodes > 0 {
		solverNodes.Add(float64(nodes))
	}
}

// SetModelSize updates the model size gauges.
func SetModelSize(vars, constraints int) {
	modelVariables.Set(float64(vars))
	modelConstraints.Set(float64(constraints))
}

// SetOverrides updates the override gauges from per-kind counts.
func SetOverrides(counts map[string]int) {
	for kind, n := range counts {
		overrideConstraints.WithLabelValues(kind).Set(float64(n))
	}
}
