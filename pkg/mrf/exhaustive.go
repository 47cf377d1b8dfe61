package mrf

import (
	"math"

	"github.com/pkg/errors"
)

// DefaultMaxStates bounds the search space of an Exhaustive solver.
const DefaultMaxStates = 1 << 20

// Exhaustive enumerates every labeling. It is exact and only usable on tiny
// models.
type Exhaustive struct {
	MaxStates int
}

// NewExhaustive returns a solver limited to DefaultMaxStates labelings.
func NewExhaustive() *Exhaustive {
	return &Exhaustive{MaxStates: DefaultMaxStates}
}

// Minimize implements Minimizer. maxIterations is ignored.
func (s *Exhaustive) Minimize(m *Model, _ int) (Result, error) {
	if err := m.Validate(); err != nil {
		return Result{}, err
	}

	states := 1
	for i, n := range m.Nodes {
		if states > s.MaxStates/n.NumLabels() {
			return Result{}, errors.Wrapf(ErrInvalidModel, "search space exceeds %d labelings at node %d", s.MaxStates, i)
		}
		states *= n.NumLabels()
	}

	labels := make([]int, len(m.Nodes))
	best := Result{Energy: math.Inf(1), Converged: true}
	for state := 0; state < states; state++ {
		rest := state
		for i, n := range m.Nodes {
			labels[i] = rest % n.NumLabels()
			rest /= n.NumLabels()
		}
		energy, err := m.Energy(labels)
		if err != nil {
			return Result{}, err
		}
		if energy < best.Energy {
			best.Energy = energy
			best.Labels = append(best.Labels[:0], labels...)
		}
		best.Iterations++
	}
	if len(m.Nodes) == 0 {
		best.Labels = []int{}
	}
	best.LowerBound = best.Energy
	return best, nil
}
