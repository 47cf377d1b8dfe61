package cuboid

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"cuboidfit/pkg/registration"
)

const fitSurfacePoints = 600

// FitToSamplePoints replaces the geometry with a box around the owned sample
// points: principal axes first, then an ICP refinement of the box surface
// against the points. The axis configuration is reset and surface points are
// discarded.
func (c *Cuboid) FitToSamplePoints(config registration.Config) error {
	if len(c.samplePoints) == 0 {
		return ErrNoSamplePoints
	}

	points := make([]r3.Vector, len(c.samplePoints))
	data := mat.NewDense(len(c.samplePoints), 3, nil)
	for i, p := range c.samplePoints {
		points[i] = p.Point
		data.SetRow(i, []float64{p.Point.X, p.Point.Y, p.Point.Z})
	}

	axes := principalAxes(data)
	mean := r3.Vector{
		X: stat.Mean(mat.Col(nil, 0, data), nil),
		Y: stat.Mean(mat.Col(nil, 1, data), nil),
		Z: stat.Mean(mat.Col(nil, 2, data), nil),
	}

	// Tight extent along each axis.
	center := mean
	var size [3]float64
	for d := 0; d < 3; d++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, p := range points {
			t := p.Sub(mean).Dot(axes[d])
			lo = math.Min(lo, t)
			hi = math.Max(hi, t)
		}
		size[d] = hi - lo
		center = center.Add(axes[d].Mul((lo + hi) / 2))
	}

	box := NewCuboid(c.label, center, axes, r3.Vector{X: size[0], Y: size[1], Z: size[2]})
	if len(points) >= 4 {
		box.CreateSurfacePoints(fitSurfacePoints)
		result, err := registration.Iterate(box.SurfacePositions(), points, config)
		if err != nil {
			return errors.Wrap(err, "refining box pose")
		}
		var corners [NumCorners]r3.Vector
		for k, p := range box.corners {
			corners[k] = result.Transform.Apply(p)
		}
		box.corners = corners
	}

	c.surfacePoints = nil
	c.axisConfig = 0
	c.SetCorners(box.corners)
	return nil
}

// principalAxes returns a right-handed frame sorted by decreasing variance.
func principalAxes(data *mat.Dense) [3]r3.Vector {
	identity := [3]r3.Vector{{X: 1}, {Y: 1}, {Z: 1}}
	rows, _ := data.Dims()
	if rows < 2 {
		return identity
	}

	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, data, nil)

	var eig mat.EigenSym
	if !eig.Factorize(&cov, true) {
		return identity
	}
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	// Eigenvalues are in ascending order.
	column := func(j int) r3.Vector {
		return r3.Vector{X: vectors.At(0, j), Y: vectors.At(1, j), Z: vectors.At(2, j)}.Normalize()
	}
	x := column(2)
	y := column(1)
	return [3]r3.Vector{x, y, x.Cross(y).Normalize()}
}
