package predictor

import (
	"math"

	"cuboidfit/pkg/cuboid"
)

// MinConfidence bounds label confidences from below so that label costs stay finite.
const MinConfidence = 1e-8

// dataTerm is the mean squared distance between the visible surface points,
// placed by attrs through their corner weights, and their targets.
func dataTerm(c *cuboid.Cuboid, attrs cuboid.Attributes) float64 {
	sum, count := 0.0, 0
	for _, sp := range c.SurfacePoints() {
		if !sp.Visible || !sp.HasTarget {
			continue
		}
		var x, y, z float64
		for k, w := range sp.CornerWeights {
			x += w * attrs[3*k]
			y += w * attrs[3*k+1]
			z += w * attrs[3*k+2]
		}
		dx, dy, dz := x-sp.Target.X, y-sp.Target.Y, z-sp.Target.Z
		sum += dx*dx + dy*dy + dz*dz
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// dataQuadraticForm is dataTerm as a form over the block at offset.
func dataQuadraticForm(c *cuboid.Cuboid, offset, n int) QuadraticForm {
	q := NewQuadraticForm(n)

	count := 0
	for _, sp := range c.SurfacePoints() {
		if sp.Visible && sp.HasTarget {
			count++
		}
	}
	if count == 0 {
		return q
	}
	scale := 1 / float64(count)

	for _, sp := range c.SurfacePoints() {
		if !sp.Visible || !sp.HasTarget {
			continue
		}
		target := [3]float64{sp.Target.X, sp.Target.Y, sp.Target.Z}
		for d := 0; d < 3; d++ {
			for k, wk := range sp.CornerWeights {
				if wk == 0 {
					continue
				}
				row := offset + 3*k + d
				for l := k; l < cuboid.NumCorners; l++ {
					wl := sp.CornerWeights[l]
					if wl == 0 {
						continue
					}
					col := offset + 3*l + d
					q.Quadratic.SetSym(row, col, q.Quadratic.At(row, col)+scale*wk*wl)
				}
				q.Linear.SetVec(row, q.Linear.AtVec(row)-scale*target[d]*wk)
			}
			q.Constant += scale * target[d] * target[d]
		}
	}
	return q
}

// labelCost is the mean negative log confidence of the owned points for label.
func labelCost(c *cuboid.Cuboid, label int) float64 {
	points := c.SamplePoints()
	if len(points) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range points {
		sum -= math.Log(clampConfidence(p.LabelConfidence(label)))
	}
	return sum / float64(len(points))
}

func clampConfidence(v float64) float64 {
	return math.Max(MinConfidence, math.Min(1, v))
}
