package predictor

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"cuboidfit/pkg/cuboid"
	"cuboidfit/pkg/registration"
)

// ErrSingularCovariance is returned when a relation covariance is not positive definite.
var ErrSingularCovariance = errors.New("predictor: covariance is not positive definite")

// NumRelationFeatures is the length of the pairwise relation feature vector.
const NumRelationFeatures = cuboid.NumAttributes

// NormalRelation is a Gaussian over relation features of an ordered label pair.
type NormalRelation struct {
	Mean              *mat.VecDense
	InverseCovariance *mat.SymDense
}

// NewNormalRelation inverts covariance through its Cholesky factorization.
func NewNormalRelation(mean []float64, covariance mat.Symmetric) (*NormalRelation, error) {
	if len(mean) != NumRelationFeatures || covariance.SymmetricDim() != NumRelationFeatures {
		return nil, errors.Errorf("relation needs %d features, got mean %d and covariance %d",
			NumRelationFeatures, len(mean), covariance.SymmetricDim())
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(covariance); !ok {
		return nil, ErrSingularCovariance
	}
	var inverse mat.SymDense
	if err := chol.InverseTo(&inverse); err != nil {
		return nil, errors.Wrap(ErrSingularCovariance, err.Error())
	}
	return &NormalRelation{
		Mean:              mat.NewVecDense(NumRelationFeatures, append([]float64(nil), mean...)),
		InverseCovariance: &inverse,
	}, nil
}

// Mahalanobis returns (f - mean)' S^-1 (f - mean).
func (r *NormalRelation) Mahalanobis(features []float64) float64 {
	var diff mat.VecDense
	diff.SubVec(mat.NewVecDense(len(features), features), r.Mean)
	return math.Max(0, mat.Inner(&diff, r.InverseCovariance, &diff))
}

// RelationFeatures returns the corners of attrs2 expressed in the local frame
// of the first cuboid: rotation rotation1 about the center of attrs1.
func RelationFeatures(attrs1, attrs2 cuboid.Attributes, rotation1 mat.Matrix) []float64 {
	center := attributesCenter(attrs1)
	features := make([]float64, NumRelationFeatures)
	for k := 0; k < cuboid.NumCorners; k++ {
		p := attrs2.Corner(k).Sub(center)
		for d := 0; d < 3; d++ {
			features[3*k+d] = rotation1.At(0, d)*p.X + rotation1.At(1, d)*p.Y + rotation1.At(2, d)*p.Z
		}
	}
	return features
}

// JointNormal scores cuboid pairs with a Gaussian model of their relative
// corner positions, one model per ordered label pair. The pair potential sums
// both directions so it is symmetric in its arguments.
type JointNormal struct {
	relations [][]*NormalRelation
}

// NewJointNormal returns a predictor without relations for numLabels labels.
func NewJointNormal(numLabels int) *JointNormal {
	relations := make([][]*NormalRelation, numLabels)
	for i := range relations {
		relations[i] = make([]*NormalRelation, numLabels)
	}
	return &JointNormal{relations: relations}
}

// SetRelation sets the model for features of a label2 cuboid in a label1 frame.
func (p *JointNormal) SetRelation(label1, label2 int, relation *NormalRelation) {
	p.relations[label1][label2] = relation
}

// Relation returns the model for (label1, label2), or nil.
func (p *JointNormal) Relation(label1, label2 int) *NormalRelation {
	if label1 < 0 || label2 < 0 || label1 >= len(p.relations) || label2 >= len(p.relations) {
		return nil
	}
	return p.relations[label1][label2]
}

// UnaryPotential implements Predictor.
func (p *JointNormal) UnaryPotential(c *cuboid.Cuboid, attrs cuboid.Attributes, _ registration.Transform, label int) float64 {
	return dataTerm(c, attrs) + labelCost(c, label)
}

// PairPotential implements Predictor.
func (p *JointNormal) PairPotential(c1, c2 *cuboid.Cuboid, attrs1, attrs2 cuboid.Attributes,
	tr1, tr2 registration.Transform, label1, label2 int) float64 {
	potential := 0.0
	if r := p.Relation(label1, label2); r != nil {
		potential += r.Mahalanobis(RelationFeatures(attrs1, attrs2, tr1.Rotation))
	}
	if r := p.Relation(label2, label1); r != nil {
		potential += r.Mahalanobis(RelationFeatures(attrs2, attrs1, tr2.Rotation))
	}
	return potential
}

// UnaryQuadraticForm implements Predictor.
func (p *JointNormal) UnaryQuadraticForm(c *cuboid.Cuboid, index, numCuboids int) QuadraticForm {
	q := dataQuadraticForm(c, index*cuboid.NumAttributes, numCuboids*cuboid.NumAttributes)
	q.Constant += labelCost(c, c.LabelIndex())
	return q
}

// PairQuadraticForm implements Predictor. The frames are taken from the
// current geometry of c1 and c2 and held fixed.
func (p *JointNormal) PairQuadraticForm(c1, c2 *cuboid.Cuboid, index1, index2, numCuboids, label1, label2 int) QuadraticForm {
	n := numCuboids * cuboid.NumAttributes
	q := NewQuadraticForm(n)
	if r := p.Relation(label1, label2); r != nil {
		a := cornerFeatureMatrix(c1.Transformation().Rotation, index1, index2, n)
		q.Add(gaussianForm(a, r.Mean, r.InverseCovariance))
	}
	if r := p.Relation(label2, label1); r != nil {
		a := cornerFeatureMatrix(c2.Transformation().Rotation, index2, index1, n)
		q.Add(gaussianForm(a, r.Mean, r.InverseCovariance))
	}
	return q
}

// cornerFeatureMatrix is the linear map from stacked attributes to
// RelationFeatures of cuboid other in the frame of cuboid owner.
func cornerFeatureMatrix(rotation mat.Matrix, owner, other, n int) *mat.Dense {
	a := mat.NewDense(NumRelationFeatures, n, nil)
	ownerOffset := owner * cuboid.NumAttributes
	otherOffset := other * cuboid.NumAttributes
	for k := 0; k < cuboid.NumCorners; k++ {
		for d := 0; d < 3; d++ {
			row := 3*k + d
			for e := 0; e < 3; e++ {
				r := rotation.At(e, d)
				a.Set(row, otherOffset+3*k+e, a.At(row, otherOffset+3*k+e)+r)
				for j := 0; j < cuboid.NumCorners; j++ {
					col := ownerOffset + 3*j + e
					a.Set(row, col, a.At(row, col)-r/cuboid.NumCorners)
				}
			}
		}
	}
	return a
}

func attributesCenter(attrs cuboid.Attributes) r3.Vector {
	var sum r3.Vector
	for k := 0; k < cuboid.NumCorners; k++ {
		sum = sum.Add(attrs.Corner(k))
	}
	return sum.Mul(1.0 / cuboid.NumCorners)
}
