package cuboid

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"cuboidfit/pkg/spatial"
)

// SamplePoint is an observed point with per-label confidence values.
type SamplePoint struct {
	Index      int
	Point      r3.Vector
	Confidence []float64 // indexed by label index; non-negative, not normalized
}

// LabelConfidence returns the confidence for label, or 0 when it is unknown.
func (p *SamplePoint) LabelConfidence(label int) float64 {
	if label < 0 || label >= len(p.Confidence) {
		return 0
	}
	return p.Confidence[label]
}

// MostConfidentLabel returns the label with the highest confidence, or -1.
func (p *SamplePoint) MostConfidentLabel() int {
	best, bestValue := -1, math.Inf(-1)
	for label, value := range p.Confidence {
		if value > bestValue {
			best, bestValue = label, value
		}
	}
	return best
}

// SurfacePoint is a dense sample on a box face.
type SurfacePoint struct {
	Point         r3.Vector
	CornerWeights [NumCorners]float64 // trilinear weights, sum to 1
	Visible       bool
	Target        r3.Vector // nearest owned sample point, valid when HasTarget
	HasTarget     bool
}

// VisibilityTester decides whether a surface point is observed.
type VisibilityTester interface {
	IsVisible(p r3.Vector) bool
}

// ObservedRadius treats a surface point as visible when an observed sample
// lies within Radius of it.
type ObservedRadius struct {
	index  *spatial.Index
	radius float64
}

// NewObservedRadius indexes the observed points.
func NewObservedRadius(points []r3.Vector, radius float64) (*ObservedRadius, error) {
	index, err := spatial.NewIndex(points)
	if err != nil {
		return nil, errors.Wrap(err, "indexing observed points")
	}
	return &ObservedRadius{index: index, radius: radius}, nil
}

// IsVisible implements VisibilityTester.
func (o *ObservedRadius) IsVisible(p r3.Vector) bool {
	_, d2, err := o.index.Nearest(p)
	if err != nil {
		return false
	}
	return d2 <= o.radius*o.radius
}

// AllVisible marks every surface point visible.
type AllVisible struct{}

// IsVisible implements VisibilityTester.
func (AllVisible) IsVisible(r3.Vector) bool { return true }

// CreateSurfacePoints regenerates roughly n surface samples spread evenly
// over the six faces. Visibility and correspondences are reset.
func (c *Cuboid) CreateSurfacePoints(n int) {
	cells := int(math.Round(math.Sqrt(float64(n) / 6)))
	if cells < 1 {
		cells = 1
	}

	points := make([]SurfacePoint, 0, 6*cells*cells)
	for axis := 0; axis < 3; axis++ {
		u, v := (axis+1)%3, (axis+2)%3
		for side := 0; side < 2; side++ {
			for i := 0; i < cells; i++ {
				for j := 0; j < cells; j++ {
					var local [3]float64
					local[axis] = float64(side)
					local[u] = (float64(i) + 0.5) / float64(cells)
					local[v] = (float64(j) + 0.5) / float64(cells)

					w := trilinearWeights(local)
					points = append(points, SurfacePoint{
						Point:         c.weightedCorners(w),
						CornerWeights: w,
					})
				}
			}
		}
	}
	c.surfacePoints = points
}

// ComputeVisibility sets the visibility flag of every surface point.
func (c *Cuboid) ComputeVisibility(tester VisibilityTester) {
	for i := range c.surfacePoints {
		c.surfacePoints[i].Visible = tester.IsVisible(c.surfacePoints[i].Point)
	}
}

// UpdatePointCorrespondences pairs each visible surface point with its
// nearest owned sample point.
func (c *Cuboid) UpdatePointCorrespondences() error {
	for i := range c.surfacePoints {
		c.surfacePoints[i].HasTarget = false
	}
	if len(c.samplePoints) == 0 {
		return nil
	}

	points := make([]r3.Vector, len(c.samplePoints))
	for i, p := range c.samplePoints {
		points[i] = p.Point
	}
	index, err := spatial.NewIndex(points)
	if err != nil {
		return errors.Wrap(err, "indexing owned sample points")
	}

	for i := range c.surfacePoints {
		sp := &c.surfacePoints[i]
		if !sp.Visible {
			continue
		}
		j, _, err := index.Nearest(sp.Point)
		if err != nil {
			return err
		}
		sp.Target = points[j]
		sp.HasTarget = true
	}
	return nil
}

// SurfacePositions returns the positions of all surface samples.
func (c *Cuboid) SurfacePositions() []r3.Vector {
	out := make([]r3.Vector, len(c.surfacePoints))
	for i, sp := range c.surfacePoints {
		out[i] = sp.Point
	}
	return out
}

// trilinearWeights maps a local coordinate in the unit cube to corner weights.
func trilinearWeights(local [3]float64) [NumCorners]float64 {
	var w [NumCorners]float64
	for k := 0; k < NumCorners; k++ {
		value := 1.0
		for d := 0; d < 3; d++ {
			if cornerBit(k, d) == 1 {
				value *= local[d]
			} else {
				value *= 1 - local[d]
			}
		}
		w[k] = value
	}
	return w
}
