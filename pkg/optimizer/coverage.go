package optimizer

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"cuboidfit/pkg/cuboid"
	"cuboidfit/pkg/qp"
)

// placementAnchor ties each placed cuboid to its default position so that
// unconstrained directions of the placement program stay put.
const placementAnchor = 1e-3

// EnsureCoverage adds an axis-aligned default cuboid for every label that has
// none, centered at the confidence-weighted centroid of the sample points.
// With PlaceMissingCuboids set and other cuboids present, the new cuboids
// are then moved to their most likely place relative to the existing ones.
func (s *Session) EnsureCoverage() ([]*cuboid.Cuboid, error) {
	side := s.scaled(s.params.DefaultCuboidScale)
	size := r3.Vector{X: side, Y: side, Z: side}

	var added []*cuboid.Cuboid
	for label := 0; label < s.structure.NumLabels(); label++ {
		if len(s.structure.LabelCuboids(label)) > 0 {
			continue
		}
		c := cuboid.NewAxisAlignedCuboid(label, s.labelCentroid(label), size)
		if err := s.structure.AddCuboid(c); err != nil {
			return nil, err
		}
		added = append(added, c)
		s.logger.Infow("added default cuboid", "label", s.structure.Labels[label], "center", c.Center())
	}

	if len(added) == 0 || !s.params.PlaceMissingCuboids || s.structure.NumCuboids() == len(added) {
		return added, nil
	}
	if err := s.placeMissing(added); err != nil {
		return added, errors.Wrap(err, "placing default cuboids")
	}
	return added, nil
}

// labelCentroid averages the sample points weighted by their confidence for
// label, falling back to the plain centroid.
func (s *Session) labelCentroid(label int) r3.Vector {
	var weighted, plain r3.Vector
	total := 0.0
	for _, p := range s.structure.SamplePoints {
		w := p.LabelConfidence(label)
		weighted = weighted.Add(p.Point.Mul(w))
		plain = plain.Add(p.Point)
		total += w
	}
	switch {
	case total > 0:
		return weighted.Mul(1 / total)
	case len(s.structure.SamplePoints) > 0:
		return plain.Mul(1 / float64(len(s.structure.SamplePoints)))
	default:
		return r3.Vector{}
	}
}

// placeMissing minimizes the full objective over the attributes of added
// while every other cuboid is held fixed by equality constraints.
func (s *Session) placeMissing(added []*cuboid.Cuboid) error {
	if err := s.UpdateSurfacePoints(); err != nil {
		return err
	}

	isNew := make(map[*cuboid.Cuboid]bool, len(added))
	for _, c := range added {
		isNew[c] = true
	}
	cuboids := s.structure.AllCuboids()
	n := len(cuboids) * cuboid.NumAttributes
	x0 := make([]float64, n)
	for i, c := range cuboids {
		attrs := c.Attributes()
		copy(x0[i*cuboid.NumAttributes:], attrs[:])
	}

	single, pair := s.objective(cuboids)
	total := s.totalForm(single, pair)

	fixed := n - len(added)*cuboid.NumAttributes
	a := mat.NewDense(fixed, n, nil)
	d := mat.NewVecDense(fixed, nil)
	row := 0
	for i, c := range cuboids {
		for k := 0; k < cuboid.NumAttributes; k++ {
			v := i*cuboid.NumAttributes + k
			if isNew[c] {
				total.Quadratic.SetSym(v, v, total.Quadratic.At(v, v)+placementAnchor)
				total.Linear.SetVec(v, total.Linear.AtVec(v)-placementAnchor*x0[v])
				total.Constant += placementAnchor * x0[v] * x0[v]
				continue
			}
			a.Set(row, v, 1)
			d.SetVec(row, x0[v])
			row++
		}
	}

	solved, err := s.solver.Solve(qp.Problem{
		Quadratic: total.Quadratic,
		Linear:    total.Linear,
		Constant:  total.Constant,
		Initial:   mat.NewVecDense(n, x0),
		Equality:  &qp.Constraints{A: a, B: d},
	})
	if err != nil {
		return err
	}

	for i, c := range cuboids {
		if !isNew[c] {
			continue
		}
		c.ApplyAttributes(cuboid.AttributesFromVector(solved.X, i*cuboid.NumAttributes))
		c.Cuboidize()
		s.logger.Infow("placed default cuboid", "label", s.structure.Labels[c.LabelIndex()], "center", c.Center())
	}
	return nil
}
