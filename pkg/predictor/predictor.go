// Package predictor defines the learned part-relation energies used to score
// cuboid configurations, together with two interchangeable implementations.
//
// Every scalar potential has a matching quadratic form over the stacked
// attribute vector of all cuboids (cuboid i occupies elements
// [i*cuboid.NumAttributes, (i+1)*cuboid.NumAttributes)), so that evaluating
// the form at the current attributes reproduces the scalar value.
package predictor

import (
	"gonum.org/v1/gonum/mat"

	"cuboidfit/pkg/cuboid"
	"cuboidfit/pkg/registration"
)

// Predictor scores single cuboids and cuboid pairs.
type Predictor interface {
	// UnaryPotential returns the non-negative cost of c carrying label with
	// the given attributes and transformation.
	UnaryPotential(c *cuboid.Cuboid, attrs cuboid.Attributes, tr registration.Transform, label int) float64
	// PairPotential returns the non-negative relation cost between two cuboids.
	PairPotential(c1, c2 *cuboid.Cuboid, attrs1, attrs2 cuboid.Attributes, tr1, tr2 registration.Transform, label1, label2 int) float64
	// UnaryQuadraticForm returns the unary potential of c, stored at position
	// index, as a quadratic form over numCuboids stacked attribute vectors.
	UnaryQuadraticForm(c *cuboid.Cuboid, index, numCuboids int) QuadraticForm
	// PairQuadraticForm returns the pair potential of c1 and c2, stored at
	// positions index1 and index2, as a quadratic form.
	PairQuadraticForm(c1, c2 *cuboid.Cuboid, index1, index2, numCuboids, label1, label2 int) QuadraticForm
}

// QuadraticForm is the function x'Qx + 2b'x + c.
type QuadraticForm struct {
	Quadratic *mat.SymDense
	Linear    *mat.VecDense
	Constant  float64
}

// NewQuadraticForm returns the zero form in n variables.
func NewQuadraticForm(n int) QuadraticForm {
	return QuadraticForm{
		Quadratic: mat.NewSymDense(n, nil),
		Linear:    mat.NewVecDense(n, nil),
	}
}

// Dims returns the number of variables.
func (q QuadraticForm) Dims() int { return q.Linear.Len() }

// Evaluate returns the value of the form at x.
func (q QuadraticForm) Evaluate(x mat.Vector) float64 {
	return mat.Inner(x, q.Quadratic, x) + 2*mat.Dot(q.Linear, x) + q.Constant
}

// Add accumulates other into q. Both forms must have the same dimension.
func (q *QuadraticForm) Add(other QuadraticForm) {
	q.Quadratic.AddSym(q.Quadratic, other.Quadratic)
	q.Linear.AddVec(q.Linear, other.Linear)
	q.Constant += other.Constant
}

// AddScaled accumulates alpha*other into q.
func (q *QuadraticForm) AddScaled(alpha float64, other QuadraticForm) {
	var scaled mat.SymDense
	scaled.ScaleSym(alpha, other.Quadratic)
	q.Quadratic.AddSym(q.Quadratic, &scaled)
	q.Linear.AddScaledVec(q.Linear, alpha, other.Linear)
	q.Constant += alpha * other.Constant
}

// StackAttributes concatenates the attributes of cuboids into one vector.
func StackAttributes(cuboids []*cuboid.Cuboid) *mat.VecDense {
	x := mat.NewVecDense(len(cuboids)*cuboid.NumAttributes, nil)
	for i, c := range cuboids {
		attrs := c.Attributes()
		for j, v := range attrs {
			x.SetVec(i*cuboid.NumAttributes+j, v)
		}
	}
	return x
}

// gaussianForm returns the form (Ax - mean)' P (Ax - mean) in the columns of A.
func gaussianForm(a *mat.Dense, mean *mat.VecDense, precision mat.Symmetric) QuadraticForm {
	_, n := a.Dims()

	var pa mat.Dense
	pa.Mul(precision, a)
	var ata mat.Dense
	ata.Mul(a.T(), &pa)

	q := NewQuadraticForm(n)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			q.Quadratic.SetSym(i, j, (ata.At(i, j)+ata.At(j, i))/2)
		}
	}

	var pm mat.VecDense
	pm.MulVec(precision, mean)
	q.Linear.MulVec(a.T(), &pm)
	q.Linear.ScaleVec(-1, q.Linear)
	q.Constant = mat.Dot(mean, &pm)
	return q
}
