// Package cuboid contains the oriented-box data model: cuboids with their
// corner attributes, dense surface samples with trilinear corner weights, and
// the labeled point structure the boxes are fitted to.
package cuboid

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"cuboidfit/pkg/registration"
)

const (
	// NumCorners is the number of box corners. Corner k has local sign
	// bit0 on x, bit1 on y and bit2 on z (bit set = positive side).
	NumCorners = 8
	// NumAttributes is the length of the continuous attribute vector.
	NumAttributes = 3 * NumCorners
	// NumAxisConfigurations is the number of quarter turns about the local z axis.
	NumAxisConfigurations = 4
)

var (
	// ErrInvalidAxisConfiguration is returned for an axis configuration outside [0, NumAxisConfigurations).
	ErrInvalidAxisConfiguration = errors.New("cuboid: invalid axis configuration")
	// ErrNoSamplePoints is returned when a fit needs owned sample points and there are none.
	ErrNoSamplePoints = errors.New("cuboid: no sample points")
)

// Attributes is the flattened corner vector; element 3*k+d is coordinate d of corner k.
type Attributes [NumAttributes]float64

// Corner returns corner k.
func (a Attributes) Corner(k int) r3.Vector {
	return r3.Vector{X: a[3*k], Y: a[3*k+1], Z: a[3*k+2]}
}

// Vector returns the attributes as a gonum vector.
func (a Attributes) Vector() *mat.VecDense {
	data := make([]float64, NumAttributes)
	copy(data, a[:])
	return mat.NewVecDense(NumAttributes, data)
}

// AttributesFromVector reads NumAttributes values of v starting at offset.
func AttributesFromVector(v mat.Vector, offset int) Attributes {
	var a Attributes
	for i := range a {
		a[i] = v.AtVec(offset + i)
	}
	return a
}

// Cuboid is an oriented box approximating one semantic part.
type Cuboid struct {
	label      int
	axisConfig int

	corners [NumCorners]r3.Vector
	center  r3.Vector

	samplePoints  []*SamplePoint
	surfacePoints []SurfacePoint
}

// NewCuboid returns a box centered at center whose local axes are the given
// orthonormal directions and whose side lengths are size.
func NewCuboid(label int, center r3.Vector, axes [3]r3.Vector, size r3.Vector) *Cuboid {
	c := &Cuboid{label: label}
	half := [3]float64{size.X / 2, size.Y / 2, size.Z / 2}
	var corners [NumCorners]r3.Vector
	for k := 0; k < NumCorners; k++ {
		p := center
		for d := 0; d < 3; d++ {
			p = p.Add(axes[d].Mul(cornerSign(k, d) * half[d]))
		}
		corners[k] = p
	}
	c.SetCorners(corners)
	return c
}

// NewAxisAlignedCuboid returns a box aligned with the world axes.
func NewAxisAlignedCuboid(label int, center r3.Vector, size r3.Vector) *Cuboid {
	return NewCuboid(label, center, [3]r3.Vector{{X: 1}, {Y: 1}, {Z: 1}}, size)
}

// NewCuboidFromCorners returns a cuboid with the given corners, which need
// not form an exact box.
func NewCuboidFromCorners(label int, corners [NumCorners]r3.Vector) *Cuboid {
	c := &Cuboid{label: label}
	c.SetCorners(corners)
	return c
}

func (c *Cuboid) String() string {
	return fmt.Sprintf("Cuboid(label=%d, axis=%d, center=%v, size=%v)", c.label, c.axisConfig, c.center, c.Size())
}

// LabelIndex returns the label index.
func (c *Cuboid) LabelIndex() int { return c.label }

// SetLabelIndex replaces the label index.
func (c *Cuboid) SetLabelIndex(label int) { c.label = label }

// AxisConfiguration returns the current axis configuration.
func (c *Cuboid) AxisConfiguration() int { return c.axisConfig }

// SetAxisConfiguration re-labels the local axes by quarter turns about local z.
// Corners and surface-point weights are permuted together so the box geometry
// does not change, only the attribute ordering does.
func (c *Cuboid) SetAxisConfiguration(config int) error {
	if config < 0 || config >= NumAxisConfigurations {
		return errors.Wrapf(ErrInvalidAxisConfiguration, "%d", config)
	}
	steps := (config - c.axisConfig + NumAxisConfigurations) % NumAxisConfigurations
	for s := 0; s < steps; s++ {
		c.quarterTurn()
	}
	c.axisConfig = config
	return nil
}

// quarterTurn makes the old local y axis the new x axis and the old -x the new y.
func (c *Cuboid) quarterTurn() {
	var perm [NumCorners]int
	for k := 0; k < NumCorners; k++ {
		sx, sy, sz := cornerBit(k, 0), cornerBit(k, 1), cornerBit(k, 2)
		perm[k] = cornerIndex(1-sy, sx, sz)
	}

	var corners [NumCorners]r3.Vector
	for k := range corners {
		corners[k] = c.corners[perm[k]]
	}
	c.corners = corners

	for i := range c.surfacePoints {
		var w [NumCorners]float64
		for k := range w {
			w[k] = c.surfacePoints[i].CornerWeights[perm[k]]
		}
		c.surfacePoints[i].CornerWeights = w
	}
}

// Corners returns a copy of the corners.
func (c *Cuboid) Corners() [NumCorners]r3.Vector { return c.corners }

// Corner returns corner k.
func (c *Cuboid) Corner(k int) r3.Vector { return c.corners[k] }

// Center returns the mean of the corners.
func (c *Cuboid) Center() r3.Vector { return c.center }

// SetCorners replaces all corners, recomputes the center and moves the
// surface points through their stored weights.
func (c *Cuboid) SetCorners(corners [NumCorners]r3.Vector) {
	c.corners = corners
	var sum r3.Vector
	for _, p := range corners {
		sum = sum.Add(p)
	}
	c.center = sum.Mul(1.0 / NumCorners)

	for i := range c.surfacePoints {
		c.surfacePoints[i].Point = c.weightedCorners(c.surfacePoints[i].CornerWeights)
	}
}

// Attributes returns the flattened corner vector.
func (c *Cuboid) Attributes() Attributes {
	var a Attributes
	for k, p := range c.corners {
		a[3*k], a[3*k+1], a[3*k+2] = p.X, p.Y, p.Z
	}
	return a
}

// ApplyAttributes moves the corners to the given attribute vector.
func (c *Cuboid) ApplyAttributes(a Attributes) {
	var corners [NumCorners]r3.Vector
	for k := range corners {
		corners[k] = a.Corner(k)
	}
	c.SetCorners(corners)
}

// SamplePoints returns the owned sample points.
func (c *Cuboid) SamplePoints() []*SamplePoint { return c.samplePoints }

// NumSamplePoints returns the number of owned sample points.
func (c *Cuboid) NumSamplePoints() int { return len(c.samplePoints) }

// SetSamplePoints replaces the owned sample points.
func (c *Cuboid) SetSamplePoints(points []*SamplePoint) {
	c.samplePoints = append([]*SamplePoint(nil), points...)
}

// AddSamplePoint appends one owned sample point.
func (c *Cuboid) AddSamplePoint(p *SamplePoint) {
	c.samplePoints = append(c.samplePoints, p)
}

// SurfacePoints returns the dense surface samples. The slice must not be modified.
func (c *Cuboid) SurfacePoints() []SurfacePoint { return c.surfacePoints }

// NumSurfacePoints returns the number of surface samples.
func (c *Cuboid) NumSurfacePoints() int { return len(c.surfacePoints) }

// Frame returns the local axes, as the columns of a rotation matrix, and the
// side lengths of the box nearest to the current corners.
func (c *Cuboid) Frame() (*mat.Dense, r3.Vector) {
	edges := c.edgeVectors()

	m := mat.NewDense(3, 3, nil)
	for d := 0; d < 3; d++ {
		m.Set(0, d, edges[d].X)
		m.Set(1, d, edges[d].Y)
		m.Set(2, d, edges[d].Z)
	}

	rotation := nearestRotation(m)
	var size [3]float64
	for d := 0; d < 3; d++ {
		axis := r3.Vector{X: rotation.At(0, d), Y: rotation.At(1, d), Z: rotation.At(2, d)}
		size[d] = math.Abs(axis.Dot(edges[d]))
	}
	return rotation, r3.Vector{X: size[0], Y: size[1], Z: size[2]}
}

// Size returns the side lengths along the local axes.
func (c *Cuboid) Size() r3.Vector {
	_, size := c.Frame()
	return size
}

// Volume returns the box volume.
func (c *Cuboid) Volume() float64 {
	size := c.Size()
	return size.X * size.Y * size.Z
}

// Transformation returns the rigid transform that places the canonical
// axis-aligned box at the origin onto this cuboid.
func (c *Cuboid) Transformation() registration.Transform {
	rotation, _ := c.Frame()
	return registration.Transform{Rotation: rotation, Translation: c.center}
}

// Cuboidize reprojects the corners onto the closest valid oriented box with
// the same center.
func (c *Cuboid) Cuboidize() {
	rotation, size := c.Frame()
	axes := [3]r3.Vector{}
	for d := 0; d < 3; d++ {
		axes[d] = r3.Vector{X: rotation.At(0, d), Y: rotation.At(1, d), Z: rotation.At(2, d)}
	}
	box := NewCuboid(c.label, c.center, axes, size)
	c.SetCorners(box.corners)
}

// Clone returns a deep copy. Owned sample points are shared.
func (c *Cuboid) Clone() *Cuboid {
	clone := *c
	clone.samplePoints = append([]*SamplePoint(nil), c.samplePoints...)
	clone.surfacePoints = append([]SurfacePoint(nil), c.surfacePoints...)
	return &clone
}

// CopyFrom makes c a deep copy of other, keeping c's identity.
func (c *Cuboid) CopyFrom(other *Cuboid) {
	*c = *other.Clone()
}

// edgeVectors averages the four edges parallel to each local axis.
func (c *Cuboid) edgeVectors() [3]r3.Vector {
	var edges [3]r3.Vector
	for d := 0; d < 3; d++ {
		for k := 0; k < NumCorners; k++ {
			if cornerBit(k, d) == 1 {
				continue
			}
			edges[d] = edges[d].Add(c.corners[k|1<<d].Sub(c.corners[k]))
		}
		edges[d] = edges[d].Mul(0.25)
	}
	return edges
}

func (c *Cuboid) weightedCorners(w [NumCorners]float64) r3.Vector {
	var p r3.Vector
	for k, corner := range c.corners {
		p = p.Add(corner.Mul(w[k]))
	}
	return p
}

// nearestRotation returns the proper rotation closest to m in Frobenius norm.
func nearestRotation(m mat.Matrix) *mat.Dense {
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDFull) {
		return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var uvt mat.Dense
	uvt.Mul(&u, v.T())
	d := mat.NewDiagDense(3, []float64{1, 1, math.Copysign(1, mat.Det(&uvt))})

	var ud, r mat.Dense
	ud.Mul(&u, d)
	r.Mul(&ud, v.T())
	return &r
}

func cornerBit(k, d int) int { return (k >> d) & 1 }

func cornerIndex(bx, by, bz int) int { return bx | by<<1 | bz<<2 }

func cornerSign(k, d int) float64 {
	if cornerBit(k, d) == 1 {
		return 1
	}
	return -1
}
