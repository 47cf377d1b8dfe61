package predictor

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"cuboidfit/pkg/cuboid"
	"cuboidfit/pkg/registration"
)

// Offset is a hand-specified expected center offset of a label2 cuboid in the
// local frame of a label1 cuboid.
type Offset struct {
	Mean   r3.Vector
	Weight float64
}

// Manual scores cuboid pairs by how far their relative center offset is from
// a hand-specified value.
type Manual struct {
	offsets map[[2]int]Offset
}

// NewManual returns a predictor without offsets.
func NewManual() *Manual {
	return &Manual{offsets: make(map[[2]int]Offset)}
}

// SetOffset sets the expected offset for the ordered label pair.
func (p *Manual) SetOffset(label1, label2 int, offset Offset) {
	p.offsets[[2]int{label1, label2}] = offset
}

// UnaryPotential implements Predictor.
func (p *Manual) UnaryPotential(c *cuboid.Cuboid, attrs cuboid.Attributes, _ registration.Transform, label int) float64 {
	return dataTerm(c, attrs) + labelCost(c, label)
}

// PairPotential implements Predictor.
func (p *Manual) PairPotential(_, _ *cuboid.Cuboid, attrs1, attrs2 cuboid.Attributes,
	tr1, tr2 registration.Transform, label1, label2 int) float64 {
	potential := 0.0
	if o, ok := p.offsets[[2]int{label1, label2}]; ok {
		potential += o.Weight * localOffset(attrs1, attrs2, tr1.Rotation).Sub(o.Mean).Norm2()
	}
	if o, ok := p.offsets[[2]int{label2, label1}]; ok {
		potential += o.Weight * localOffset(attrs2, attrs1, tr2.Rotation).Sub(o.Mean).Norm2()
	}
	return potential
}

// UnaryQuadraticForm implements Predictor.
func (p *Manual) UnaryQuadraticForm(c *cuboid.Cuboid, index, numCuboids int) QuadraticForm {
	q := dataQuadraticForm(c, index*cuboid.NumAttributes, numCuboids*cuboid.NumAttributes)
	q.Constant += labelCost(c, c.LabelIndex())
	return q
}

// PairQuadraticForm implements Predictor.
func (p *Manual) PairQuadraticForm(c1, c2 *cuboid.Cuboid, index1, index2, numCuboids, label1, label2 int) QuadraticForm {
	n := numCuboids * cuboid.NumAttributes
	q := NewQuadraticForm(n)
	if o, ok := p.offsets[[2]int{label1, label2}]; ok {
		a := centerOffsetMatrix(c1.Transformation().Rotation, index1, index2, n)
		q.Add(gaussianForm(a, vec(o.Mean), weightedIdentity(o.Weight)))
	}
	if o, ok := p.offsets[[2]int{label2, label1}]; ok {
		a := centerOffsetMatrix(c2.Transformation().Rotation, index2, index1, n)
		q.Add(gaussianForm(a, vec(o.Mean), weightedIdentity(o.Weight)))
	}
	return q
}

func localOffset(attrs1, attrs2 cuboid.Attributes, rotation1 mat.Matrix) r3.Vector {
	p := attributesCenter(attrs2).Sub(attributesCenter(attrs1))
	return r3.Vector{
		X: rotation1.At(0, 0)*p.X + rotation1.At(1, 0)*p.Y + rotation1.At(2, 0)*p.Z,
		Y: rotation1.At(0, 1)*p.X + rotation1.At(1, 1)*p.Y + rotation1.At(2, 1)*p.Z,
		Z: rotation1.At(0, 2)*p.X + rotation1.At(1, 2)*p.Y + rotation1.At(2, 2)*p.Z,
	}
}

// centerOffsetMatrix maps stacked attributes to localOffset of other relative to owner.
func centerOffsetMatrix(rotation mat.Matrix, owner, other, n int) *mat.Dense {
	a := mat.NewDense(3, n, nil)
	for d := 0; d < 3; d++ {
		for e := 0; e < 3; e++ {
			r := rotation.At(e, d) / cuboid.NumCorners
			for j := 0; j < cuboid.NumCorners; j++ {
				a.Set(d, other*cuboid.NumAttributes+3*j+e, r)
				a.Set(d, owner*cuboid.NumAttributes+3*j+e, -r)
			}
		}
	}
	return a
}

func weightedIdentity(w float64) *mat.SymDense {
	return mat.NewSymDense(3, []float64{w, 0, 0, 0, w, 0, 0, 0, w})
}

func vec(v r3.Vector) *mat.VecDense {
	return mat.NewVecDense(3, []float64{v.X, v.Y, v.Z})
}
