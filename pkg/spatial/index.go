// Package spatial provides a 3-D nearest-neighbour index over point samples.
// It wraps the gonum kd-tree and keeps track of the original point indices so
// callers can map query results back to their own collections.
package spatial

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// ErrInvalidInput is returned for empty point sets and malformed queries.
var ErrInvalidInput = errors.New("spatial: invalid input")

// indexedPoint is a point that remembers its position in the caller's slice.
type indexedPoint struct {
	r3.Vector
	index int
}

// Compare implements the kdtree.Comparable interface
func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(indexedPoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p indexedPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(indexedPoint)
	return p.Vector.Sub(q.Vector).Norm2()
}

// indexedPoints satisfies kdtree.Interface
type indexedPoints []indexedPoint

func (p indexedPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p indexedPoints) Len() int                              { return len(p) }
func (p indexedPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p indexedPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(pointPlane{indexedPoints: p, Dim: d}, kdtree.MedianOfRandoms(pointPlane{indexedPoints: p, Dim: d}, 100))
}

// pointPlane implements sort.Interface and kdtree.SortSlicer for indexedPoints
type pointPlane struct {
	indexedPoints
	kdtree.Dim
}

func (p pointPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.indexedPoints[i].X < p.indexedPoints[j].X
	case 1:
		return p.indexedPoints[i].Y < p.indexedPoints[j].Y
	case 2:
		return p.indexedPoints[i].Z < p.indexedPoints[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	return pointPlane{indexedPoints: p.indexedPoints[start:end], Dim: p.Dim}
}

func (p pointPlane) Swap(i, j int) {
	p.indexedPoints[i], p.indexedPoints[j] = p.indexedPoints[j], p.indexedPoints[i]
}

// Neighbor is a single radius-search hit.
type Neighbor struct {
	Index    int     // position of the point in the slice passed to NewIndex
	Distance float64 // Euclidean distance to the query
}

// Index is an immutable kd-tree over a point set. It is safe for concurrent
// queries once built.
type Index struct {
	tree *kdtree.Tree
	size int
}

// NewIndex builds an index over points. The input slice is not modified.
func NewIndex(points []r3.Vector) (*Index, error) {
	if len(points) == 0 {
		return nil, errors.Wrap(ErrInvalidInput, "empty point set")
	}

	data := make(indexedPoints, len(points))
	for i, p := range points {
		if !isFinite(p) {
			return nil, errors.Wrapf(ErrInvalidInput, "point %d has non-finite coordinates %v", i, p)
		}
		data[i] = indexedPoint{Vector: p, index: i}
	}

	return &Index{tree: kdtree.New(data, true), size: len(points)}, nil
}

// Len returns the number of indexed points.
func (ix *Index) Len() int { return ix.size }

// Nearest returns the index of the closest point to q and its squared distance.
func (ix *Index) Nearest(q r3.Vector) (int, float64, error) {
	if !isFinite(q) {
		return -1, 0, errors.Wrapf(ErrInvalidInput, "query %v has non-finite coordinates", q)
	}
	c, d := ix.tree.Nearest(indexedPoint{Vector: q})
	if c == nil {
		return -1, 0, errors.Wrap(ErrInvalidInput, "index is empty")
	}
	return c.(indexedPoint).index, d, nil
}

// RadiusSearch returns up to maxResults points whose distance to q is at most
// radius. Hits are the nearest points within the radius; their order is
// unspecified.
func (ix *Index) RadiusSearch(q r3.Vector, radius float64, maxResults int) ([]Neighbor, error) {
	if !isFinite(q) {
		return nil, errors.Wrapf(ErrInvalidInput, "query %v has non-finite coordinates", q)
	}
	if radius < 0 || math.IsNaN(radius) {
		return nil, errors.Wrapf(ErrInvalidInput, "negative radius %g", radius)
	}
	if maxResults < 1 {
		return nil, errors.Wrapf(ErrInvalidInput, "maxResults must be positive, got %d", maxResults)
	}

	keeper := kdtree.NewNKeeper(maxResults)
	ix.tree.NearestSet(keeper, indexedPoint{Vector: q})

	radius2 := radius * radius
	result := make([]Neighbor, 0, keeper.Len())
	for _, item := range keeper.Heap {
		// Skip the sentinel value
		if item.Comparable == nil {
			continue
		}
		if item.Dist <= radius2 {
			result = append(result, Neighbor{
				Index:    item.Comparable.(indexedPoint).index,
				Distance: math.Sqrt(item.Dist),
			})
		}
	}
	return result, nil
}

func isFinite(p r3.Vector) bool {
	for _, v := range [3]float64{p.X, p.Y, p.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
