package optimizer

import (
	"runtime"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"cuboidfit/pkg/cuboid"
	"cuboidfit/pkg/potential"
	"cuboidfit/pkg/registration"
)

// ErrInvalidParams is returned by Params.Validate.
var ErrInvalidParams = errors.New("optimizer: invalid parameters")

// Params holds the tuning parameters of a Session.
type Params struct {
	// QuadprogRatio weighs the summed unary energy against the pair energy
	// during attribute optimization: total = pair + QuadprogRatio*single.
	QuadprogRatio float64

	// MaxIterations caps the attribute optimization loop.
	MaxIterations int

	// DivergenceRatio stops the attribute loop when the energy exceeds
	// DivergenceRatio times the best energy seen so far.
	DivergenceRatio float64

	// ConvergenceTolerance is the relative energy improvement below which the
	// attribute loop is considered converged.
	ConvergenceTolerance float64

	// NumSurfacePoints is the approximate number of dense samples per cuboid.
	NumSurfacePoints int

	// ObservedPointRadius is the visibility radius, as a fraction of the
	// object diameter.
	ObservedPointRadius float64

	// NeighborDistance is the segmentation distance scale, as a fraction of
	// the object diameter.
	NeighborDistance float64

	// NumNeighbors bounds the smoothness neighbours of each sample point.
	NumNeighbors int

	// NullCuboidProbability is the prior probability of a point belonging to no cuboid.
	NullCuboidProbability float64

	// NullPotential is the unary cost of leaving a point unassigned.
	NullPotential float64

	// MRFIterations caps the discrete minimizer.
	MRFIterations int

	// AxisConfigurations is the number of axis configurations tried during recognition.
	AxisConfigurations int

	// EnergyTolerance is the relative tolerance of the solver and predictor cross-checks.
	EnergyTolerance float64

	// NumWorkers bounds the data-parallel loops.
	NumWorkers int

	// PlaceMissingCuboids refines default cuboids of missing labels against
	// the fixed existing cuboids.
	PlaceMissingCuboids bool

	// DefaultCuboidScale is the side length of default cuboids, as a fraction
	// of the object diameter.
	DefaultCuboidScale float64

	// Registration configures the ICP used when boxes are fitted to points.
	Registration registration.Config
}

// DefaultParams returns the stock parameters.
func DefaultParams() Params {
	return Params{
		QuadprogRatio:         1e4,
		MaxIterations:         10,
		DivergenceRatio:       1.5,
		ConvergenceTolerance:  1e-6,
		NumSurfacePoints:      600,
		ObservedPointRadius:   0.01,
		NeighborDistance:      0.02,
		NumNeighbors:          8,
		NullCuboidProbability: 0.1,
		NullPotential:         potential.DefaultNullPotential,
		MRFIterations:         100,
		AxisConfigurations:    cuboid.NumAxisConfigurations,
		EnergyTolerance:       1e-6,
		NumWorkers:            runtime.NumCPU(),
		PlaceMissingCuboids:   true,
		DefaultCuboidScale:    0.1,
		Registration:          registration.DefaultConfig(),
	}
}

// Validate reports every out-of-range parameter.
func (p Params) Validate() error {
	var err error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			err = multierr.Append(err, errors.Wrapf(ErrInvalidParams, format, args...))
		}
	}
	check(p.QuadprogRatio >= 0, "quadprog ratio %g is negative", p.QuadprogRatio)
	check(p.MaxIterations >= 0, "max iterations %d is negative", p.MaxIterations)
	check(p.DivergenceRatio >= 1, "divergence ratio %g is below 1", p.DivergenceRatio)
	check(p.ConvergenceTolerance >= 0, "convergence tolerance %g is negative", p.ConvergenceTolerance)
	check(p.NumSurfacePoints > 0, "%d surface points", p.NumSurfacePoints)
	check(p.ObservedPointRadius > 0, "observed point radius %g", p.ObservedPointRadius)
	check(p.NeighborDistance > 0, "neighbor distance %g", p.NeighborDistance)
	check(p.NumNeighbors > 0, "%d neighbors", p.NumNeighbors)
	check(p.NullCuboidProbability > 0 && p.NullCuboidProbability < 1,
		"null cuboid probability %g outside (0, 1)", p.NullCuboidProbability)
	check(p.NullPotential > 0, "null potential %g", p.NullPotential)
	check(p.MRFIterations > 0, "%d MRF iterations", p.MRFIterations)
	check(p.AxisConfigurations >= 1 && p.AxisConfigurations <= cuboid.NumAxisConfigurations,
		"%d axis configurations", p.AxisConfigurations)
	check(p.EnergyTolerance > 0, "energy tolerance %g", p.EnergyTolerance)
	check(p.DefaultCuboidScale > 0, "default cuboid scale %g", p.DefaultCuboidScale)
	check(p.Registration.MaxIterations >= 0, "%d registration iterations", p.Registration.MaxIterations)
	return err
}
