package potential

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"cuboidfit/internal/parallel"
	"cuboidfit/pkg/cuboid"
	"cuboidfit/pkg/mrf"
	"cuboidfit/pkg/spatial"
)

// SegmentationOptions configures SegmentationPotentials.
type SegmentationOptions struct {
	NeighborDistance      float64 // distance scale of the confidence term and smoothness radius
	NumNeighbors          int     // maximum neighbours per point in the smoothness graph
	NullCuboidProbability float64 // in (0, 1)
	NullPotential         float64 // unary cost of the null cuboid; 0 uses DefaultNullPotential
	Workers               int
}

// Pair is a smoothness edge between two sample points.
type Pair struct {
	I, J   int
	Weight float64
}

// Segmentation is the point-to-cuboid energy: Unary is N x (C+1) with the
// null cuboid in the last column; pairs cost Weight when their points take
// different cuboids.
type Segmentation struct {
	Unary *mat.Dense
	Pairs []Pair
}

// NullCuboid returns the column of the null cuboid.
func (s *Segmentation) NullCuboid() int {
	_, c := s.Unary.Dims()
	return c - 1
}

// Model converts the segmentation into a pairwise model with Potts edges.
func (s *Segmentation) Model() *mrf.Model {
	n, c := s.Unary.Dims()
	m := &mrf.Model{Nodes: make([]mrf.Node, n), Edges: make([]mrf.Edge, len(s.Pairs))}
	for i := 0; i < n; i++ {
		m.Nodes[i] = mrf.Node{Unary: mat.Row(make([]float64, c), i, s.Unary)}
	}
	for k, p := range s.Pairs {
		m.Edges[k] = mrf.Edge{I: p.I, J: p.J, Weight: p.Weight}
	}
	return m
}

// Energy evaluates an assignment directly.
func (s *Segmentation) Energy(assignment []int) (float64, error) {
	n, c := s.Unary.Dims()
	if len(assignment) != n {
		return 0, errors.Wrapf(ErrInvalidPotential, "%d assignments for %d points", len(assignment), n)
	}
	energy := 0.0
	for i, a := range assignment {
		if a < 0 || a >= c {
			return 0, errors.Wrapf(ErrInvalidPotential, "point %d cuboid %d out of range", i, a)
		}
		energy += s.Unary.At(i, a)
	}
	for _, p := range s.Pairs {
		if assignment[p.I] != assignment[p.J] {
			energy += p.Weight
		}
	}
	return energy, nil
}

// SegmentationPotentials builds the point-to-cuboid energy. The unary cost of
// point i for cuboid c is the squared distance to the nearest surface sample
// of c minus lambda*log(confidence of i for the label of c), with
// lambda = -NeighborDistance^2 / log(NullCuboidProbability).
func SegmentationPotentials(points []*cuboid.SamplePoint, cuboids []*cuboid.Cuboid, opts SegmentationOptions) (*Segmentation, error) {
	if opts.NeighborDistance <= 0 || opts.NumNeighbors < 1 {
		return nil, errors.Wrapf(ErrInvalidPotential, "neighbour distance %g and count %d", opts.NeighborDistance, opts.NumNeighbors)
	}
	if opts.NullCuboidProbability <= 0 || opts.NullCuboidProbability >= 1 {
		return nil, errors.Wrapf(ErrInvalidPotential, "null cuboid probability %g", opts.NullCuboidProbability)
	}
	nullPotential := opts.NullPotential
	if nullPotential == 0 {
		nullPotential = DefaultNullPotential
	}
	if err := checkPotential(nullPotential); err != nil {
		return nil, errors.Wrap(err, "null potential")
	}

	seg := &Segmentation{}
	if len(points) == 0 {
		seg.Unary = &mat.Dense{}
		return seg, nil
	}
	seg.Unary = mat.NewDense(len(points), len(cuboids)+1, nil)

	lambda := -opts.NeighborDistance * opts.NeighborDistance / math.Log(opts.NullCuboidProbability)

	surfaces := make([]*spatial.Index, len(cuboids))
	for c, box := range cuboids {
		if box.NumSurfacePoints() == 0 {
			continue
		}
		index, err := spatial.NewIndex(box.SurfacePositions())
		if err != nil {
			return nil, errors.Wrapf(err, "indexing surface of cuboid %d", c)
		}
		surfaces[c] = index
	}

	positions := make([]r3.Vector, len(points))
	for i, p := range points {
		positions[i] = p.Point
	}
	pointIndex, err := spatial.NewIndex(positions)
	if err != nil {
		return nil, errors.Wrap(err, "indexing sample points")
	}

	perPoint := make([][]Pair, len(points))
	err = parallel.For(len(points), opts.Workers, func(start, end int) error {
		for i := start; i < end; i++ {
			p := points[i]
			for c, box := range cuboids {
				if surfaces[c] == nil {
					seg.Unary.Set(i, c, ForbiddenPotential)
					continue
				}
				_, d2, err := surfaces[c].Nearest(p.Point)
				if err != nil {
					return err
				}
				confidence := math.Max(1/ForbiddenPotential, math.Min(1, p.LabelConfidence(box.LabelIndex())))
				v := d2 - lambda*math.Log(confidence)
				if err := checkPotential(v); err != nil {
					return errors.Wrapf(err, "point %d cuboid %d", i, c)
				}
				seg.Unary.Set(i, c, v)
			}
			seg.Unary.Set(i, len(cuboids), nullPotential)

			// The point itself is always among its own neighbours.
			neighbors, err := pointIndex.RadiusSearch(p.Point, opts.NeighborDistance, opts.NumNeighbors+1)
			if err != nil {
				return err
			}
			sort.Slice(neighbors, func(a, b int) bool { return neighbors[a].Index < neighbors[b].Index })
			for _, nb := range neighbors {
				if nb.Index <= i {
					continue
				}
				w := opts.NeighborDistance - nb.Distance
				perPoint[i] = append(perPoint[i], Pair{I: i, J: nb.Index, Weight: w * w})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, pairs := range perPoint {
		seg.Pairs = append(seg.Pairs, pairs...)
	}
	return seg, nil
}
