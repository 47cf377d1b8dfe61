// Package mrf minimizes pairwise Markov random field energies.
package mrf

import (
	"math"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidModel is returned for malformed nodes, edges or assignments.
	ErrInvalidModel = errors.New("mrf: invalid model")
	// ErrEnergyMismatch is returned when a reported energy disagrees with direct evaluation.
	ErrEnergyMismatch = errors.New("mrf: energy mismatch")
)

// Node is a variable with one unary cost per label.
type Node struct {
	Unary []float64
}

// NumLabels returns the size of the label set.
func (n Node) NumLabels() int { return len(n.Unary) }

// Edge couples nodes I and J. Costs holds the dense table indexed
// [a*numLabels(J) + b]; when Costs is nil the edge is a Potts edge costing
// Weight whenever the labels differ.
type Edge struct {
	I, J   int
	Costs  []float64
	Weight float64
}

// Model is a pairwise energy over a set of nodes.
type Model struct {
	Nodes []Node
	Edges []Edge
}

// Result is the outcome of a minimization.
type Result struct {
	Labels     []int
	Energy     float64
	LowerBound float64
	Iterations int
	Converged  bool
}

// Minimizer finds a low-energy labeling.
type Minimizer interface {
	Minimize(m *Model, maxIterations int) (Result, error)
}

// Validate checks every node has labels and every edge fits its nodes.
func (m *Model) Validate() error {
	for i, n := range m.Nodes {
		if len(n.Unary) == 0 {
			return errors.Wrapf(ErrInvalidModel, "node %d has no labels", i)
		}
		for _, v := range n.Unary {
			if math.IsNaN(v) {
				return errors.Wrapf(ErrInvalidModel, "node %d has a NaN cost", i)
			}
		}
	}
	for k, e := range m.Edges {
		if e.I < 0 || e.J < 0 || e.I >= len(m.Nodes) || e.J >= len(m.Nodes) || e.I == e.J {
			return errors.Wrapf(ErrInvalidModel, "edge %d joins nodes %d and %d", k, e.I, e.J)
		}
		if e.Costs != nil && len(e.Costs) != m.Nodes[e.I].NumLabels()*m.Nodes[e.J].NumLabels() {
			return errors.Wrapf(ErrInvalidModel, "edge %d has %d costs for %dx%d labels",
				k, len(e.Costs), m.Nodes[e.I].NumLabels(), m.Nodes[e.J].NumLabels())
		}
	}
	return nil
}

// Cost returns the edge cost for labels a of I and b of J.
func (m *Model) Cost(e Edge, a, b int) float64 {
	if e.Costs == nil {
		if a == b {
			return 0
		}
		return e.Weight
	}
	return e.Costs[a*m.Nodes[e.J].NumLabels()+b]
}

// Energy evaluates the labeling directly.
func (m *Model) Energy(labels []int) (float64, error) {
	if len(labels) != len(m.Nodes) {
		return 0, errors.Wrapf(ErrInvalidModel, "%d labels for %d nodes", len(labels), len(m.Nodes))
	}
	energy := 0.0
	for i, n := range m.Nodes {
		if labels[i] < 0 || labels[i] >= n.NumLabels() {
			return 0, errors.Wrapf(ErrInvalidModel, "node %d label %d out of range", i, labels[i])
		}
		energy += n.Unary[labels[i]]
	}
	for _, e := range m.Edges {
		energy += m.Cost(e, labels[e.I], labels[e.J])
	}
	return energy, nil
}

// CheckEnergy compares a solver-reported energy against an independent
// evaluation with relative tolerance tol.
func CheckEnergy(reported, verified, tol float64) error {
	if math.Abs(reported-verified) > tol*math.Max(1, math.Abs(verified)) {
		return errors.Wrapf(ErrEnergyMismatch, "reported %g, evaluated %g", reported, verified)
	}
	return nil
}
