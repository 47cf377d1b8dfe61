package potential

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"cuboidfit/pkg/cuboid"
	"cuboidfit/pkg/mrf"
	"cuboidfit/pkg/predictor"
	"cuboidfit/pkg/registration"
)

// tablePredictor identifies cuboids by the sign of their center's x coordinate.
type tablePredictor struct {
	unary [2][]float64 // [cuboid][label*axes + axis]
	axes  int
	pair  float64
}

func (p *tablePredictor) id(c *cuboid.Cuboid) int {
	if c.Center().X < 0 {
		return 0
	}
	return 1
}

func (p *tablePredictor) UnaryPotential(c *cuboid.Cuboid, _ cuboid.Attributes, _ registration.Transform, label int) float64 {
	return p.unary[p.id(c)][CaseIndex(label, c.AxisConfiguration(), p.axes)]
}

func (p *tablePredictor) PairPotential(_, _ *cuboid.Cuboid, _, _ cuboid.Attributes, _, _ registration.Transform, _, _ int) float64 {
	return p.pair
}

func (p *tablePredictor) UnaryQuadraticForm(_ *cuboid.Cuboid, _, n int) predictor.QuadraticForm {
	return predictor.NewQuadraticForm(n * cuboid.NumAttributes)
}

func (p *tablePredictor) PairQuadraticForm(_, _ *cuboid.Cuboid, _, _, n, _, _ int) predictor.QuadraticForm {
	return predictor.NewQuadraticForm(n * cuboid.NumAttributes)
}

func twoCuboids() []*cuboid.Cuboid {
	unit := r3.Vector{X: 1, Y: 1, Z: 1}
	return []*cuboid.Cuboid{
		cuboid.NewAxisAlignedCuboid(0, r3.Vector{X: -5}, unit),
		cuboid.NewAxisAlignedCuboid(0, r3.Vector{X: 5}, unit),
	}
}

func assertSymmetric(t *testing.T, m mat.Symmetric) {
	t.Helper()
	n := m.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			require.Equal(t, m.At(i, j), m.At(j, i))
		}
	}
}

func TestTwoPartRecognitionScenario(t *testing.T) {
	p := &tablePredictor{
		unary: [2][]float64{{1, 3}, {3, 1}},
		axes:  1,
		pair:  5,
	}
	energy, arena, err := LabelAxisPotentials(2, twoCuboids(), p, LabelAxisOptions{AxisConfigurations: 1, Workers: 2})
	require.NoError(t, err)
	require.Equal(t, 2, energy.NumNodes())
	require.Equal(t, 2, energy.NumCases())
	assertSymmetric(t, energy.Matrix())

	assert.Equal(t, 1.0, energy.Unary(0, 0))
	assert.Equal(t, 3.0, energy.Unary(0, 1))
	assert.Equal(t, ForbiddenPotential, energy.Pair(0, 0, 1, 0))
	assert.Equal(t, ForbiddenPotential, energy.Pair(0, 1, 1, 1))
	assert.Equal(t, 5.0, energy.Pair(0, 0, 1, 1))

	for _, solver := range []mrf.Minimizer{mrf.NewTRWS(), mrf.NewExhaustive()} {
		result, err := solver.Minimize(energy.Model(), 100)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1}, result.Labels)
		assert.InDelta(t, 7.0, result.Energy, 1e-9)

		evaluated, err := energy.Evaluate(result.Labels)
		require.NoError(t, err)
		assert.NoError(t, mrf.CheckEnergy(result.Energy, evaluated, 1e-6))
	}

	swapped, err := energy.Evaluate([]int{1, 0})
	require.NoError(t, err)
	assert.Equal(t, 11.0, swapped)
	same, err := energy.Evaluate([]int{0, 0})
	require.NoError(t, err)
	assert.Equal(t, 4+ForbiddenPotential, same)

	assert.Equal(t, 1, arena.At(1, 1).Label)
	assert.Equal(t, 1, arena.At(1, 1).Cuboid.LabelIndex())
	assert.Equal(t, 0, arena.At(1, 0).Cuboid.LabelIndex())
}

func TestLabelAxisPotentialsShape(t *testing.T) {
	const axes = 4
	unary := make([]float64, 3*axes)
	for i := range unary {
		unary[i] = float64(i)
	}
	p := &tablePredictor{unary: [2][]float64{unary, unary}, axes: axes, pair: 2}
	cuboids := append(twoCuboids(), cuboid.NewAxisAlignedCuboid(1, r3.Vector{X: 9, Y: 3}, r3.Vector{X: 1, Y: 2, Z: 3}))

	energy, arena, err := LabelAxisPotentials(3, cuboids, p, LabelAxisOptions{AxisConfigurations: axes})
	require.NoError(t, err)
	assert.Equal(t, 3*3*axes, energy.Matrix().SymmetricDim())
	assert.Equal(t, 3*axes, arena.NumCases())
	assertSymmetric(t, energy.Matrix())
	require.NoError(t, energy.Validate())

	for n1 := 0; n1 < 3; n1++ {
		for n2 := n1 + 1; n2 < 3; n2++ {
			for c1 := 0; c1 < 3*axes; c1++ {
				for c2 := 0; c2 < 3*axes; c2++ {
					l1, _ := CaseLabelAxis(c1, axes)
					l2, _ := CaseLabelAxis(c2, axes)
					if l1 == l2 {
						assert.Equal(t, ForbiddenPotential, energy.Pair(n1, c1, n2, c2))
					} else {
						assert.Equal(t, 2.0, energy.Pair(n1, c1, n2, c2))
					}
				}
			}
		}
	}

	// Candidates carry their case and leave the input cuboids untouched.
	for c := 0; c < 3*axes; c++ {
		label, axis := CaseLabelAxis(c, axes)
		assert.Equal(t, axis, arena.At(2, c).Cuboid.AxisConfiguration())
		assert.Equal(t, label, arena.At(2, c).Cuboid.LabelIndex())
		assert.Equal(t, arena.At(2, c).Cuboid.Attributes(), arena.At(2, c).Attributes)
	}
	assert.Equal(t, 0, cuboids[2].AxisConfiguration())
	assert.Equal(t, 1, cuboids[2].LabelIndex())
}

func TestLabelAxisPotentialsRejectsNegative(t *testing.T) {
	p := &tablePredictor{unary: [2][]float64{{1, -1}, {1, 1}}, axes: 1, pair: 0}
	_, _, err := LabelAxisPotentials(2, twoCuboids(), p, LabelAxisOptions{AxisConfigurations: 1})
	assert.True(t, errors.Is(err, ErrInvalidPotential))

	p = &tablePredictor{unary: [2][]float64{{1, 1}, {1, 1}}, axes: 1, pair: math.NaN()}
	_, _, err = LabelAxisPotentials(2, twoCuboids(), p, LabelAxisOptions{AxisConfigurations: 1})
	assert.True(t, errors.Is(err, ErrInvalidPotential))

	_, _, err = LabelAxisPotentials(2, twoCuboids(), p, LabelAxisOptions{AxisConfigurations: 5})
	assert.True(t, errors.Is(err, ErrInvalidPotential))
}

func TestLabelAxisPotentialsNoOp(t *testing.T) {
	p := &tablePredictor{axes: 1}
	energy, _, err := LabelAxisPotentials(0, twoCuboids(), p, LabelAxisOptions{AxisConfigurations: 1})
	require.NoError(t, err)
	assert.Nil(t, energy.Matrix())

	energy, _, err = LabelAxisPotentials(2, nil, p, LabelAxisOptions{AxisConfigurations: 1})
	require.NoError(t, err)
	assert.Equal(t, 0, energy.NumNodes())
	value, err := energy.Evaluate(nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, value)
}

func TestNewEnergyMatrixFromDense(t *testing.T) {
	_, err := NewEnergyMatrixFromDense(mat.NewDense(2, 2, []float64{1, 2, 3, 1}), 2, 1)
	assert.True(t, errors.Is(err, ErrAsymmetric))

	_, err = NewEnergyMatrixFromDense(mat.NewDense(2, 2, []float64{1, -2, -2, 1}), 2, 1)
	assert.True(t, errors.Is(err, ErrInvalidPotential))

	_, err = NewEnergyMatrixFromDense(mat.NewDense(2, 2, nil), 3, 1)
	assert.True(t, errors.Is(err, ErrInvalidPotential))

	m := mat.NewDense(4, 4, []float64{
		1, 0, ForbiddenPotential, 5,
		0, 3, 5, ForbiddenPotential,
		ForbiddenPotential, 5, 3, 0,
		5, ForbiddenPotential, 0, 1,
	})
	energy, err := NewEnergyMatrixFromDense(m, 2, 2)
	require.NoError(t, err)

	// The model energy agrees with direct evaluation for every assignment.
	model := energy.Model()
	for a := 0; a < 2; a++ {
		for b := 0; b < 2; b++ {
			direct, err := energy.Evaluate([]int{a, b})
			require.NoError(t, err)
			viaModel, err := model.Energy([]int{a, b})
			require.NoError(t, err)
			assert.Equal(t, direct, viaModel)
		}
	}
	value, err := energy.Evaluate([]int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, 7.0, value)

	_, err = energy.Evaluate([]int{0, 2})
	assert.True(t, errors.Is(err, ErrInvalidPotential))
}

func segmentationScene(t *testing.T) ([]*cuboid.SamplePoint, []*cuboid.Cuboid) {
	t.Helper()
	size := r3.Vector{X: 1, Y: 1, Z: 1}
	a := cuboid.NewAxisAlignedCuboid(0, r3.Vector{}, size)
	b := cuboid.NewAxisAlignedCuboid(1, r3.Vector{X: 3}, size)
	a.CreateSurfacePoints(600)
	b.CreateSurfacePoints(600)

	points := []*cuboid.SamplePoint{
		{Point: r3.Vector{X: 0.5}, Confidence: []float64{1, 0.1}},
		{Point: r3.Vector{X: 0.5, Y: 0.05}, Confidence: []float64{1, 0.1}},
		{Point: r3.Vector{X: 2.5}, Confidence: []float64{0.1, 1}},
		{Point: r3.Vector{X: 2.5, Y: 0.2}, Confidence: []float64{0.1, 1}},
	}
	return points, []*cuboid.Cuboid{a, b}
}

func TestSegmentationPotentials(t *testing.T) {
	points, cuboids := segmentationScene(t)
	opts := SegmentationOptions{NeighborDistance: 0.1, NumNeighbors: 8, NullCuboidProbability: 0.1, NullPotential: 50}

	seg, err := SegmentationPotentials(points, cuboids, opts)
	require.NoError(t, err)

	rows, cols := seg.Unary.Dims()
	require.Equal(t, 4, rows)
	require.Equal(t, 3, cols)
	assert.Equal(t, 2, seg.NullCuboid())

	// A point on the +x face with full confidence costs only its distance to
	// the nearest surface sample; confidence 0.1 adds exactly NeighborDistance^2.
	near, err := spatialNearest(cuboids[0], points[0].Point)
	require.NoError(t, err)
	assert.InDelta(t, near, seg.Unary.At(0, 0), 1e-12)
	far, err := spatialNearest(cuboids[1], points[0].Point)
	require.NoError(t, err)
	assert.InDelta(t, far+0.01, seg.Unary.At(0, 1), 1e-12)
	for i := 0; i < rows; i++ {
		assert.Equal(t, 50.0, seg.Unary.At(i, 2))
	}

	// Only the close pair within 0.1 is linked.
	require.Len(t, seg.Pairs, 1)
	assert.Equal(t, 0, seg.Pairs[0].I)
	assert.Equal(t, 1, seg.Pairs[0].J)
	assert.InDelta(t, (0.1-0.05)*(0.1-0.05), seg.Pairs[0].Weight, 1e-12)

	result, err := mrf.NewTRWS().Minimize(seg.Model(), 50)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 1, 1}, result.Labels)

	direct, err := seg.Energy(result.Labels)
	require.NoError(t, err)
	assert.NoError(t, mrf.CheckEnergy(result.Energy, direct, 1e-6))
}

func TestSegmentationCuboidWithoutSurface(t *testing.T) {
	points, cuboids := segmentationScene(t)
	empty := cuboid.NewAxisAlignedCuboid(0, r3.Vector{X: 10}, r3.Vector{X: 1, Y: 1, Z: 1})

	seg, err := SegmentationPotentials(points, append(cuboids, empty), SegmentationOptions{
		NeighborDistance: 0.1, NumNeighbors: 4, NullCuboidProbability: 0.1,
	})
	require.NoError(t, err)
	for i := range points {
		assert.Equal(t, ForbiddenPotential, seg.Unary.At(i, 2))
		assert.Equal(t, DefaultNullPotential, seg.Unary.At(i, 3))
	}
}

func TestSegmentationOptionsValidated(t *testing.T) {
	points, cuboids := segmentationScene(t)
	for _, opts := range []SegmentationOptions{
		{NeighborDistance: 0, NumNeighbors: 4, NullCuboidProbability: 0.1},
		{NeighborDistance: 0.1, NumNeighbors: 0, NullCuboidProbability: 0.1},
		{NeighborDistance: 0.1, NumNeighbors: 4, NullCuboidProbability: 1},
		{NeighborDistance: 0.1, NumNeighbors: 4, NullCuboidProbability: 0.1, NullPotential: -1},
	} {
		_, err := SegmentationPotentials(points, cuboids, opts)
		assert.True(t, errors.Is(err, ErrInvalidPotential), "%+v", opts)
	}

	seg, err := SegmentationPotentials(nil, cuboids, SegmentationOptions{NeighborDistance: 0.1, NumNeighbors: 4, NullCuboidProbability: 0.1})
	require.NoError(t, err)
	assert.Empty(t, seg.Pairs)
	assert.Empty(t, seg.Model().Nodes)
}

func spatialNearest(c *cuboid.Cuboid, p r3.Vector) (float64, error) {
	best := math.Inf(1)
	for _, q := range c.SurfacePositions() {
		best = math.Min(best, q.Sub(p).Norm2())
	}
	return best, nil
}
