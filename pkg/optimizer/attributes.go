package optimizer

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"cuboidfit/pkg/cuboid"
	"cuboidfit/pkg/predictor"
	"cuboidfit/pkg/qp"
)

// Energy is the continuous objective split into its parts.
type Energy struct {
	Pair   float64
	Single float64
	Total  float64 // Pair + QuadprogRatio*Single
}

// String prints the single term weighted as it enters Total, so that pair
// and single add up to total.
func (e Energy) String() string {
	return fmt.Sprintf("(pair = %f, single = %f, total = %f)", e.Pair, e.Total-e.Pair, e.Total)
}

// StopReason explains why the attribute loop ended.
type StopReason string

// Stop reasons.
const (
	StopNoCuboids      StopReason = "no cuboids"
	StopConverged      StopReason = "converged"
	StopDiverged       StopReason = "diverged"
	StopIterationLimit StopReason = "iteration limit"
)

// AttributeResult is the outcome of OptimizeAttributes.
type AttributeResult struct {
	Baseline   Energy
	Final      Energy // energy of the restored best configuration, never above Baseline
	Iterations int
	Reason     StopReason
	RolledBack bool // the last iterate was discarded for an earlier one
}

// Energy evaluates the scalar potentials of the current cuboids.
func (s *Session) Energy() Energy {
	return s.energyOf(s.structure.AllCuboids())
}

func (s *Session) energyOf(cuboids []*cuboid.Cuboid) Energy {
	var e Energy
	for _, c := range cuboids {
		e.Single += s.predictor.UnaryPotential(c, c.Attributes(), c.Transformation(), c.LabelIndex())
	}
	for i, c1 := range cuboids {
		for _, c2 := range cuboids[i+1:] {
			e.Pair += s.predictor.PairPotential(c1, c2, c1.Attributes(), c2.Attributes(),
				c1.Transformation(), c2.Transformation(), c1.LabelIndex(), c2.LabelIndex())
		}
	}
	e.Total = e.Pair + s.params.QuadprogRatio*e.Single
	return e
}

// objective returns the summed unary and pair quadratic forms of cuboids.
func (s *Session) objective(cuboids []*cuboid.Cuboid) (single, pair predictor.QuadraticForm) {
	n := len(cuboids)
	single = predictor.NewQuadraticForm(n * cuboid.NumAttributes)
	pair = predictor.NewQuadraticForm(n * cuboid.NumAttributes)
	for i, c := range cuboids {
		single.Add(s.predictor.UnaryQuadraticForm(c, i, n))
	}
	for i, c1 := range cuboids {
		for j := i + 1; j < n; j++ {
			c2 := cuboids[j]
			pair.Add(s.predictor.PairQuadraticForm(c1, c2, i, j, n, c1.LabelIndex(), c2.LabelIndex()))
		}
	}
	return single, pair
}

func (s *Session) totalForm(single, pair predictor.QuadraticForm) predictor.QuadraticForm {
	total := predictor.NewQuadraticForm(pair.Dims())
	total.Add(pair)
	total.AddScaled(s.params.QuadprogRatio, single)
	return total
}

// checkConsistency compares the forms at x with the scalar energy.
func (s *Session) checkConsistency(e Energy, single, pair predictor.QuadraticForm, x *mat.VecDense) error {
	for _, part := range []struct {
		name         string
		form, scalar float64
	}{
		{"single", single.Evaluate(x), e.Single},
		{"pair", pair.Evaluate(x), e.Pair},
	} {
		if math.Abs(part.form-part.scalar) > s.params.EnergyTolerance*math.Max(1, math.Abs(part.scalar)) {
			return errors.Wrapf(ErrInconsistentPredictor, "%s energy %g, quadratic form %g", part.name, part.scalar, part.form)
		}
	}
	return nil
}

// OptimizeAttributes refines the corners of all cuboids. Each iteration
// minimizes the quadratic objective at the current correspondences,
// reprojects every cuboid onto a valid box and re-evaluates the energy. The
// best configuration seen, starting with the input, is restored at the end.
func (s *Session) OptimizeAttributes() (AttributeResult, error) {
	cuboids := s.structure.AllCuboids()
	if len(cuboids) == 0 {
		return AttributeResult{Reason: StopNoCuboids}, nil
	}

	if err := s.UpdateSurfacePoints(); err != nil {
		return AttributeResult{}, err
	}
	baseline := s.energyOf(cuboids)
	s.logf("Baseline")
	s.logf("Error: %v", baseline)

	result := AttributeResult{Baseline: baseline, Final: baseline, Reason: StopIterationLimit}
	best := snapshot(cuboids)

	for iteration := 1; iteration <= s.params.MaxIterations; iteration++ {
		current := s.energyOf(cuboids)
		single, pair := s.objective(cuboids)
		x := predictor.StackAttributes(cuboids)
		if err := s.checkConsistency(current, single, pair, x); err != nil {
			restore(cuboids, best)
			return AttributeResult{}, errors.Wrapf(err, "iteration %d", iteration)
		}

		total := s.totalForm(single, pair)
		solved, err := s.solver.Solve(qp.Problem{
			Quadratic: total.Quadratic,
			Linear:    total.Linear,
			Constant:  total.Constant,
			Initial:   x,
		})
		if err != nil {
			restore(cuboids, best)
			return AttributeResult{}, errors.Wrapf(err, "iteration %d", iteration)
		}
		if solved.Degraded {
			s.logger.Warnw("attribute program was not strictly convex", "iteration", iteration)
		}

		for i, c := range cuboids {
			c.ApplyAttributes(cuboid.AttributesFromVector(solved.X, i*cuboid.NumAttributes))
			c.Cuboidize()
		}
		if err := s.UpdateSurfacePoints(); err != nil {
			restore(cuboids, best)
			return AttributeResult{}, err
		}

		energy := s.energyOf(cuboids)
		result.Iterations = iteration
		s.logf("Iteration %d", iteration)
		s.logf("Error: %v", energy)
		s.logger.Debugw("attribute iteration", "iteration", iteration, "pair", energy.Pair,
			"single", energy.Single, "total", energy.Total, "best", result.Final.Total)

		improvement := result.Final.Total - energy.Total
		negligible := s.params.ConvergenceTolerance * math.Max(1, math.Abs(result.Final.Total))
		if math.Abs(improvement) <= negligible {
			if improvement > 0 {
				result.Final = energy
				best = snapshot(cuboids)
			}
			result.Reason = StopConverged
			break
		}
		if improvement > 0 {
			result.Final = energy
			best = snapshot(cuboids)
			continue
		}
		// A rise below the divergence ratio keeps the loop going from the
		// worse iterate; the best one is restored afterwards.
		if energy.Total > s.params.DivergenceRatio*result.Final.Total {
			result.Reason = StopDiverged
			s.logger.Warnw("attribute optimization diverged", "iteration", iteration,
				"energy", energy.Total, "best", result.Final.Total)
			break
		}
	}

	switch result.Reason {
	case StopDiverged:
		s.logf("Energy exceeds %g times the best energy after iteration %d. Stop.", s.params.DivergenceRatio, result.Iterations)
	case StopConverged:
		s.logf("Energy converged after iteration %d. Stop.", result.Iterations)
	default:
		s.logf("Number of iterations reached the maximum (%d). Stop.", s.params.MaxIterations)
	}

	result.RolledBack = restore(cuboids, best)
	if result.RolledBack {
		s.logf("Restored best energy")
		s.logf("Error: %v", result.Final)
	}
	return result, nil
}

// snapshot deep-copies cuboids.
func snapshot(cuboids []*cuboid.Cuboid) []*cuboid.Cuboid {
	out := make([]*cuboid.Cuboid, len(cuboids))
	for i, c := range cuboids {
		out[i] = c.Clone()
	}
	return out
}

// restore copies saved back into cuboids and reports whether anything moved.
func restore(cuboids, saved []*cuboid.Cuboid) bool {
	changed := false
	for i, c := range cuboids {
		if c.Attributes() != saved[i].Attributes() {
			changed = true
		}
		c.CopyFrom(saved[i])
	}
	return changed
}
