package cuboid

import (
	"math"
	"sort"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"cuboidfit/pkg/registration"
)

func vectorsNear(t *testing.T, expected, actual r3.Vector, tol float64, msgAndArgs ...interface{}) {
	t.Helper()
	assert.InDelta(t, 0, expected.Sub(actual).Norm(), tol, msgAndArgs...)
}

func rotatedAxes(angle float64) [3]r3.Vector {
	c, s := math.Cos(angle), math.Sin(angle)
	return [3]r3.Vector{{X: c, Y: s}, {X: -s, Y: c}, {Z: 1}}
}

func TestNewAxisAlignedCuboid(t *testing.T) {
	c := NewAxisAlignedCuboid(2, r3.Vector{X: 1, Y: 2, Z: 3}, r3.Vector{X: 2, Y: 4, Z: 6})

	assert.Equal(t, 2, c.LabelIndex())
	assert.Equal(t, 0, c.AxisConfiguration())
	vectorsNear(t, r3.Vector{X: 1, Y: 2, Z: 3}, c.Center(), 1e-12)
	vectorsNear(t, r3.Vector{X: 0, Y: 0, Z: 0}, c.Corner(0), 1e-12)
	vectorsNear(t, r3.Vector{X: 2, Y: 0, Z: 0}, c.Corner(1), 1e-12)
	vectorsNear(t, r3.Vector{X: 0, Y: 4, Z: 0}, c.Corner(2), 1e-12)
	vectorsNear(t, r3.Vector{X: 2, Y: 4, Z: 6}, c.Corner(7), 1e-12)
	vectorsNear(t, r3.Vector{X: 2, Y: 4, Z: 6}, c.Size(), 1e-9)
	assert.InDelta(t, 48, c.Volume(), 1e-9)
}

func TestAttributesRoundTripThroughVector(t *testing.T) {
	c := NewCuboid(0, r3.Vector{X: -1, Y: 0.5}, rotatedAxes(0.3), r3.Vector{X: 1, Y: 2, Z: 3})
	attrs := c.Attributes()
	for k := 0; k < NumCorners; k++ {
		assert.Equal(t, c.Corner(k), attrs.Corner(k))
	}

	v := mat.NewVecDense(2*NumAttributes, nil)
	for i := 0; i < NumAttributes; i++ {
		v.SetVec(NumAttributes+i, attrs[i])
	}
	assert.Equal(t, attrs, AttributesFromVector(v, NumAttributes))
	assert.Equal(t, attrs[:], attrs.Vector().RawVector().Data)
}

func TestApplyAttributesMovesSurfacePoints(t *testing.T) {
	c := NewAxisAlignedCuboid(0, r3.Vector{}, r3.Vector{X: 1, Y: 1, Z: 1})
	c.CreateSurfacePoints(54)
	before := c.SurfacePositions()

	shift := r3.Vector{X: 0.5, Y: -1, Z: 2}
	attrs := c.Attributes()
	for k := 0; k < NumCorners; k++ {
		attrs[3*k] += shift.X
		attrs[3*k+1] += shift.Y
		attrs[3*k+2] += shift.Z
	}
	c.ApplyAttributes(attrs)

	vectorsNear(t, shift, c.Center(), 1e-12)
	for i, p := range c.SurfacePositions() {
		vectorsNear(t, before[i].Add(shift), p, 1e-12, "surface point %d", i)
	}
}

func TestCreateSurfacePoints(t *testing.T) {
	c := NewAxisAlignedCuboid(0, r3.Vector{}, r3.Vector{X: 2, Y: 2, Z: 2})
	c.CreateSurfacePoints(600)
	assert.Equal(t, 6*10*10, c.NumSurfacePoints())

	for _, sp := range c.SurfacePoints() {
		assert.InDelta(t, 1.0, floats.Sum(sp.CornerWeights[:]), 1e-12)
		// Every sample lies on a face of the [-1, 1]^3 box.
		onFace := math.Abs(math.Abs(sp.Point.X)-1) < 1e-12 ||
			math.Abs(math.Abs(sp.Point.Y)-1) < 1e-12 ||
			math.Abs(math.Abs(sp.Point.Z)-1) < 1e-12
		assert.True(t, onFace, "%v is not on the surface", sp.Point)
		assert.False(t, sp.Visible)
		assert.False(t, sp.HasTarget)
	}

	c.CreateSurfacePoints(0)
	assert.Equal(t, 6, c.NumSurfacePoints())
}

func TestSetAxisConfigurationKeepsGeometry(t *testing.T) {
	c := NewCuboid(1, r3.Vector{X: 3}, rotatedAxes(0.4), r3.Vector{X: 1, Y: 2, Z: 3})
	c.CreateSurfacePoints(24)
	original := c.Clone()

	sortedCorners := func(c *Cuboid) []r3.Vector {
		corners := c.Corners()
		out := corners[:]
		sort.Slice(out, func(i, j int) bool {
			if out[i].X != out[j].X {
				return out[i].X < out[j].X
			}
			if out[i].Y != out[j].Y {
				return out[i].Y < out[j].Y
			}
			return out[i].Z < out[j].Z
		})
		return out
	}
	approx := cmpopts.EquateApprox(0, 1e-12)

	for config := 1; config < NumAxisConfigurations; config++ {
		require.NoError(t, c.SetAxisConfiguration(config))
		assert.Equal(t, config, c.AxisConfiguration())
		assert.NotEqual(t, original.Attributes(), c.Attributes())
		assert.True(t, cmp.Equal(sortedCorners(original), sortedCorners(c), approx))
		vectorsNear(t, original.Center(), c.Center(), 1e-12)

		// Surface points stay put and still follow their weights.
		for i, sp := range c.SurfacePoints() {
			vectorsNear(t, original.SurfacePoints()[i].Point, sp.Point, 1e-12)
			vectorsNear(t, sp.Point, c.weightedCorners(sp.CornerWeights), 1e-12)
		}
	}

	// A quarter turn swaps the first two side lengths.
	require.NoError(t, c.SetAxisConfiguration(1))
	vectorsNear(t, r3.Vector{X: 2, Y: 1, Z: 3}, c.Size(), 1e-9)

	require.NoError(t, c.SetAxisConfiguration(0))
	assert.True(t, cmp.Equal(original.Attributes(), c.Attributes(), approx))

	err := c.SetAxisConfiguration(NumAxisConfigurations)
	assert.True(t, errors.Is(err, ErrInvalidAxisConfiguration))
}

func TestCuboidizeProjectsOntoBox(t *testing.T) {
	box := NewCuboid(0, r3.Vector{X: 1, Y: 1, Z: 1}, rotatedAxes(0.7), r3.Vector{X: 2, Y: 1, Z: 0.5})

	// A valid box is a fixed point.
	fixed := box.Clone()
	fixed.Cuboidize()
	assert.True(t, cmp.Equal(box.Attributes(), fixed.Attributes(), cmpopts.EquateApprox(0, 1e-9)))

	// Symmetric corner noise is removed.
	noisy := box.Clone()
	corners := noisy.Corners()
	corners[0] = corners[0].Add(r3.Vector{X: 0.05})
	corners[7] = corners[7].Add(r3.Vector{X: -0.05})
	noisy.SetCorners(corners)
	noisy.Cuboidize()

	rotation, size := noisy.Frame()
	var rtr mat.Dense
	rtr.Mul(rotation.T(), rotation)
	assert.True(t, mat.EqualApprox(&rtr, mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}), 1e-9))
	assert.InDelta(t, 1.0, mat.Det(rotation), 1e-9)
	vectorsNear(t, box.Center(), noisy.Center(), 1e-9)
	vectorsNear(t, r3.Vector{X: 2, Y: 1, Z: 0.5}, size, 0.05)

	// Opposite edges are now parallel and equal.
	edges := noisy.edgeVectors()
	for d := 0; d < 3; d++ {
		for k := 0; k < NumCorners; k++ {
			if cornerBit(k, d) == 0 {
				vectorsNear(t, edges[d], noisy.Corner(k|1<<d).Sub(noisy.Corner(k)), 1e-9)
			}
		}
	}
}

func TestTransformationPlacesCanonicalBox(t *testing.T) {
	size := r3.Vector{X: 2, Y: 1, Z: 4}
	c := NewCuboid(0, r3.Vector{X: 5, Y: -2, Z: 1}, rotatedAxes(1.1), size)
	tr := c.Transformation()

	for k := 0; k < NumCorners; k++ {
		local := r3.Vector{
			X: cornerSign(k, 0) * size.X / 2,
			Y: cornerSign(k, 1) * size.Y / 2,
			Z: cornerSign(k, 2) * size.Z / 2,
		}
		vectorsNear(t, c.Corner(k), tr.Apply(local), 1e-9, "corner %d", k)
	}
}

func TestVisibilityAndCorrespondences(t *testing.T) {
	c := NewAxisAlignedCuboid(0, r3.Vector{}, r3.Vector{X: 2, Y: 2, Z: 2})
	c.CreateSurfacePoints(6)

	// Observations only near the +x face.
	owned := []*SamplePoint{
		{Point: r3.Vector{X: 1.01}},
		{Point: r3.Vector{X: 1.01, Y: 0.5}},
	}
	c.SetSamplePoints(owned)

	observed := make([]r3.Vector, len(owned))
	for i, p := range owned {
		observed[i] = p.Point
	}
	tester, err := NewObservedRadius(observed, 0.1)
	require.NoError(t, err)

	c.ComputeVisibility(tester)
	require.NoError(t, c.UpdatePointCorrespondences())

	visible := 0
	for _, sp := range c.SurfacePoints() {
		if sp.Visible {
			visible++
			assert.True(t, sp.HasTarget)
			vectorsNear(t, r3.Vector{X: 1.01}, sp.Target, 1e-12)
		} else {
			assert.False(t, sp.HasTarget)
		}
	}
	assert.Equal(t, 1, visible)

	c.ComputeVisibility(AllVisible{})
	c.SetSamplePoints(nil)
	require.NoError(t, c.UpdatePointCorrespondences())
	for _, sp := range c.SurfacePoints() {
		assert.True(t, sp.Visible)
		assert.False(t, sp.HasTarget)
	}
}

func TestCloneIsDeep(t *testing.T) {
	c := NewAxisAlignedCuboid(0, r3.Vector{}, r3.Vector{X: 1, Y: 1, Z: 1})
	c.CreateSurfacePoints(6)
	c.SetSamplePoints([]*SamplePoint{{Point: r3.Vector{X: 0.5}}})

	clone := c.Clone()
	attrs := clone.Attributes()
	attrs[0] += 10
	clone.ApplyAttributes(attrs)
	clone.SetLabelIndex(3)

	assert.Equal(t, 0, c.LabelIndex())
	assert.NotEqual(t, c.Attributes(), clone.Attributes())
	assert.NotEqual(t, c.SurfacePoints()[0].Point, clone.SurfacePoints()[0].Point)
	assert.Same(t, c.SamplePoints()[0], clone.SamplePoints()[0])
}

func boxSurfaceSamples(center r3.Vector, axes [3]r3.Vector, size r3.Vector, n int) []*SamplePoint {
	box := NewCuboid(0, center, axes, size)
	box.CreateSurfacePoints(n)
	out := make([]*SamplePoint, box.NumSurfacePoints())
	for i, p := range box.SurfacePositions() {
		out[i] = &SamplePoint{Point: p, Confidence: []float64{1}}
	}
	return out
}

func TestFitToSamplePoints(t *testing.T) {
	center := r3.Vector{X: 1, Y: 2, Z: 3}
	size := r3.Vector{X: 3, Y: 1.5, Z: 0.6}
	points := boxSurfaceSamples(center, rotatedAxes(0.5), size, 2400)

	c := &Cuboid{}
	c.SetSamplePoints(points)
	require.NoError(t, c.FitToSamplePoints(registration.DefaultConfig()))

	vectorsNear(t, center, c.Center(), 0.1)
	fitted := c.Size()
	sides := []float64{fitted.X, fitted.Y, fitted.Z}
	sort.Sort(sort.Reverse(sort.Float64Slice(sides)))
	assert.InDelta(t, 3, sides[0], 0.2)
	assert.InDelta(t, 1.5, sides[1], 0.2)
	assert.InDelta(t, 0.6, sides[2], 0.2)

	empty := &Cuboid{}
	assert.True(t, errors.Is(empty.FitToSamplePoints(registration.DefaultConfig()), ErrNoSamplePoints))
}
