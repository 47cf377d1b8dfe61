// Package registration implements rigid point-set registration by iterative
// closest points. Correspondences are taken in both directions (each point of
// either set paired with its nearest neighbour in the other set) and the rigid
// transform is the least-squares Kabsch solution.
package registration

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"cuboidfit/pkg/spatial"
)

// Status is the terminal state of Iterate.
type Status int

const (
	// Converged means the incremental rotation and translation fell below the thresholds.
	Converged Status = iota
	// Stalled means the error increased and the previous transform was returned.
	Stalled
	// Exhausted means the iteration cap was reached.
	Exhausted
)

func (s Status) String() string {
	switch s {
	case Converged:
		return "converged"
	case Stalled:
		return "stalled"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Config holds the stopping criteria of Iterate.
type Config struct {
	MaxIterations  int     // Maximum number of alignment steps
	MinAngle       float64 // Incremental rotation angle threshold (radians)
	MinTranslation float64 // Incremental translation threshold (same units as the points)
}

// DefaultConfig returns the stopping criteria used for box orientation fitting.
func DefaultConfig() Config {
	return Config{
		MaxIterations:  30,
		MinAngle:       1.0 / 180.0 * math.Pi,
		MinTranslation: 1e-4,
	}
}

// Transform is a rigid transform p -> R p + t.
type Transform struct {
	Rotation    *mat.Dense
	Translation r3.Vector
}

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{Rotation: identity3(), Translation: r3.Vector{}}
}

// Apply maps p through the transform.
func (t Transform) Apply(p r3.Vector) r3.Vector {
	return rotate(t.Rotation, p).Add(t.Translation)
}

// ApplyAll maps every point through the transform.
func (t Transform) ApplyAll(points []r3.Vector) []r3.Vector {
	out := make([]r3.Vector, len(points))
	for i, p := range points {
		out[i] = t.Apply(p)
	}
	return out
}

// Then returns the transform that applies t first and next afterwards.
func (t Transform) Then(next Transform) Transform {
	var r mat.Dense
	r.Mul(next.Rotation, t.Rotation)
	return Transform{
		Rotation:    &r,
		Translation: rotate(next.Rotation, t.Translation).Add(next.Translation),
	}
}

// Inverse returns the transform undoing t.
func (t Transform) Inverse() Transform {
	var r mat.Dense
	r.CloneFrom(t.Rotation.T())
	return Transform{Rotation: &r, Translation: rotate(&r, t.Translation).Mul(-1)}
}

// Angle returns the rotation angle of the transform in radians.
func (t Transform) Angle() float64 {
	trace := t.Rotation.At(0, 0) + t.Rotation.At(1, 1) + t.Rotation.At(2, 2)
	c := (trace - 1) / 2
	return math.Acos(math.Max(-1, math.Min(1, c)))
}

// Result contains the outcome of an alignment.
type Result struct {
	Transform  Transform
	Error      float64 // Maximum paired-point residual (Hausdorff-style bound)
	MeanError  float64 // Mean paired-point residual, for diagnostics
	Iterations int
	Status     Status
}

// Align computes one bidirectional closest-point rigid alignment of x onto y.
func Align(x, y []r3.Vector) (Result, error) {
	if len(x) == 0 || len(y) == 0 {
		return Result{}, errors.Wrap(spatial.ErrInvalidInput, "registration needs non-empty point sets")
	}

	xIndex, err := spatial.NewIndex(x)
	if err != nil {
		return Result{}, errors.Wrap(err, "indexing source points")
	}
	yIndex, err := spatial.NewIndex(y)
	if err != nil {
		return Result{}, errors.Wrap(err, "indexing target points")
	}

	// Pair every point of either set with its nearest neighbour in the other one.
	n := len(x) + len(y)
	allX := make([]r3.Vector, 0, n)
	allY := make([]r3.Vector, 0, n)
	for _, p := range x {
		j, _, err := yIndex.Nearest(p)
		if err != nil {
			return Result{}, err
		}
		allX = append(allX, p)
		allY = append(allY, y[j])
	}
	for _, q := range y {
		i, _, err := xIndex.Nearest(q)
		if err != nil {
			return Result{}, err
		}
		allX = append(allX, x[i])
		allY = append(allY, q)
	}

	transform := kabsch(allX, allY)

	residuals := make([]float64, n)
	for i := range allX {
		residuals[i] = transform.Apply(allX[i]).Sub(allY[i]).Norm()
	}

	return Result{
		Transform:  transform,
		Error:      floats.Max(residuals),
		MeanError:  stat.Mean(residuals, nil),
		Iterations: 1,
		Status:     Converged,
	}, nil
}

// Iterate repeatedly aligns the progressively transformed x onto y and
// returns the composed transform. It never returns a transform whose error is
// worse than the best one seen.
//
// On Converged the final step falls below the thresholds and is not composed
// into Transform, while Error and MeanError are measured after that step, so
// they may differ slightly from the residuals of Transform itself.
func Iterate(x, y []r3.Vector, config Config) (Result, error) {
	if len(x) == 0 || len(y) == 0 {
		return Result{}, errors.Wrap(spatial.ErrInvalidInput, "registration needs non-empty point sets")
	}

	current := append([]r3.Vector(nil), x...)
	result := Result{
		Transform: Identity(),
		Error:     math.MaxFloat64,
		MeanError: math.MaxFloat64,
		Status:    Exhausted,
	}

	for iteration := 0; iteration < config.MaxIterations; iteration++ {
		step, err := Align(current, y)
		if err != nil {
			return result, err
		}

		// Continue only while the error is not increasing.
		if step.Error > result.Error {
			result.Status = Stalled
			return result, nil
		}
		result.Error = step.Error
		result.MeanError = step.MeanError
		result.Iterations = iteration + 1

		if step.Transform.Angle() < config.MinAngle && step.Transform.Translation.Norm() < config.MinTranslation {
			result.Status = Converged
			return result, nil
		}

		result.Transform = result.Transform.Then(step.Transform)
		current = step.Transform.ApplyAll(current)
	}

	result.Status = Exhausted
	return result, nil
}

// kabsch returns the least-squares rigid transform mapping x onto y.
func kabsch(x, y []r3.Vector) Transform {
	xMean := centroid(x)
	yMean := centroid(y)

	// Cross-covariance S = sum (x - xMean)(y - yMean)^T
	s := mat.NewDense(3, 3, nil)
	for i := range x {
		dx := x[i].Sub(xMean)
		dy := y[i].Sub(yMean)
		a := [3]float64{dx.X, dx.Y, dx.Z}
		b := [3]float64{dy.X, dy.Y, dy.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				s.Set(r, c, s.At(r, c)+a[r]*b[c])
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(s, mat.SVDFull) {
		return Transform{Rotation: identity3(), Translation: yMean.Sub(xMean)}
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// Force a proper rotation (det = +1).
	var vut mat.Dense
	vut.Mul(&v, u.T())
	d := mat.NewDiagDense(3, []float64{1, 1, math.Copysign(1, mat.Det(&vut))})

	var vd, r mat.Dense
	vd.Mul(&v, d)
	r.Mul(&vd, u.T())

	return Transform{Rotation: &r, Translation: yMean.Sub(rotate(&r, xMean))}
}

func centroid(points []r3.Vector) r3.Vector {
	var sum r3.Vector
	for _, p := range points {
		sum = sum.Add(p)
	}
	return sum.Mul(1 / float64(len(points)))
}

func rotate(r mat.Matrix, p r3.Vector) r3.Vector {
	return r3.Vector{
		X: r.At(0, 0)*p.X + r.At(0, 1)*p.Y + r.At(0, 2)*p.Z,
		Y: r.At(1, 0)*p.X + r.At(1, 1)*p.Y + r.At(1, 2)*p.Z,
		Z: r.At(2, 0)*p.X + r.At(2, 1)*p.Y + r.At(2, 2)*p.Z,
	}
}

func identity3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}
