package registration

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"cuboidfit/pkg/spatial"
)

func rotationZ(angle float64) *mat.Dense {
	c, s := math.Cos(angle), math.Sin(angle)
	return mat.NewDense(3, 3, []float64{c, -s, 0, s, c, 0, 0, 0, 1})
}

func rotationX(angle float64) *mat.Dense {
	c, s := math.Cos(angle), math.Sin(angle)
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, c, -s, 0, s, c})
}

func centeredGrid(n int) []r3.Vector {
	points := make([]r3.Vector, 0, n*n*n)
	offset := float64(n-1) / 2
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				points = append(points, r3.Vector{X: float64(x) - offset, Y: float64(y) - offset, Z: float64(z) - offset})
			}
		}
	}
	return points
}

func assertRotationEqual(t *testing.T, expected, actual mat.Matrix, tol float64) {
	t.Helper()
	assert.True(t, mat.EqualApprox(expected, actual, tol), "rotation mismatch:\nexpected %v\nactual   %v",
		mat.Formatted(expected), mat.Formatted(actual))
}

func TestAlignRecoversRigidTransform(t *testing.T) {
	x := centeredGrid(3)

	var r mat.Dense
	r.Mul(rotationZ(5*math.Pi/180), rotationX(3*math.Pi/180))
	want := Transform{Rotation: &r, Translation: r3.Vector{X: 0.05, Y: -0.02, Z: 0.03}}
	y := want.ApplyAll(x)

	result, err := Align(x, y)
	require.NoError(t, err)

	assertRotationEqual(t, want.Rotation, result.Transform.Rotation, 1e-9)
	assert.InDelta(t, 0, result.Transform.Translation.Sub(want.Translation).Norm(), 1e-9)
	assert.InDelta(t, 0, result.Error, 1e-9)
	assert.InDelta(t, 0, result.MeanError, 1e-9)
}

func TestAlignProducesProperRotation(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x := make([]r3.Vector, 40)
	y := make([]r3.Vector, 40)
	for i := range x {
		x[i] = r3.Vector{X: rng.Float64(), Y: rng.Float64(), Z: rng.Float64()}
		// Mirror image: the best orthogonal map is a reflection.
		y[i] = r3.Vector{X: -x[i].X, Y: x[i].Y, Z: x[i].Z}
	}

	result, err := Align(x, y)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, mat.Det(result.Transform.Rotation), 1e-9)

	var rtr mat.Dense
	rtr.Mul(result.Transform.Rotation.T(), result.Transform.Rotation)
	assertRotationEqual(t, identity3(), &rtr, 1e-9)
}

func TestAlignRejectsEmptySets(t *testing.T) {
	_, err := Align(nil, []r3.Vector{{}})
	assert.True(t, errors.Is(err, spatial.ErrInvalidInput))

	_, err = Iterate([]r3.Vector{{}}, nil, DefaultConfig())
	assert.True(t, errors.Is(err, spatial.ErrInvalidInput))
}

func TestIterateRecoversSmallMotion(t *testing.T) {
	x := centeredGrid(3)
	want := Transform{Rotation: rotationZ(4 * math.Pi / 180), Translation: r3.Vector{X: 0.02, Y: 0.01}}
	y := want.ApplyAll(x)

	result, err := Iterate(x, y, DefaultConfig())
	require.NoError(t, err)
	assert.NotEqual(t, Exhausted, result.Status)
	assert.GreaterOrEqual(t, result.Iterations, 1)
	assertRotationEqual(t, want.Rotation, result.Transform.Rotation, 1e-9)
	assert.InDelta(t, 0, result.Transform.Translation.Sub(want.Translation).Norm(), 1e-9)
	assert.InDelta(t, 0, result.Error, 1e-9)
}

func TestIterateErrorIsNonIncreasing(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	x := make([]r3.Vector, 60)
	for i := range x {
		x[i] = r3.Vector{X: rng.Float64() * 2, Y: rng.Float64(), Z: rng.Float64() * 0.5}
	}
	motion := Transform{Rotation: rotationZ(25 * math.Pi / 180), Translation: r3.Vector{X: 0.3, Y: 0.1, Z: -0.2}}
	y := motion.ApplyAll(x)
	for i := range y {
		y[i] = y[i].Add(r3.Vector{X: rng.NormFloat64() * 0.01, Y: rng.NormFloat64() * 0.01, Z: rng.NormFloat64() * 0.01})
	}

	previous := math.MaxFloat64
	for iterations := 1; iterations <= 15; iterations++ {
		config := DefaultConfig()
		config.MaxIterations = iterations
		result, err := Iterate(x, y, config)
		require.NoError(t, err)
		assert.LessOrEqual(t, result.Error, previous, "iterations=%d", iterations)
		previous = result.Error
	}
}

func TestIterateZeroIterations(t *testing.T) {
	x := centeredGrid(2)
	result, err := Iterate(x, x, Config{})
	require.NoError(t, err)
	assert.Equal(t, Exhausted, result.Status)
	assert.Equal(t, 0, result.Iterations)
	assertRotationEqual(t, identity3(), result.Transform.Rotation, 0)
}

func TestTransformThen(t *testing.T) {
	a := Transform{Rotation: rotationZ(math.Pi / 2), Translation: r3.Vector{X: 1}}
	b := Transform{Rotation: rotationX(math.Pi / 2), Translation: r3.Vector{Z: 2}}
	p := r3.Vector{X: 1, Y: 2, Z: 3}

	composed := a.Then(b)
	expected := b.Apply(a.Apply(p))
	assert.InDelta(t, 0, composed.Apply(p).Sub(expected).Norm(), 1e-12)
	assert.InDelta(t, math.Pi/2, a.Angle(), 1e-12)
	assert.InDelta(t, 0, Identity().Angle(), 1e-12)
}

func TestTransformInverse(t *testing.T) {
	tr := Transform{Rotation: rotationZ(0.7), Translation: r3.Vector{X: 1, Y: -2, Z: 0.5}}
	p := r3.Vector{X: 0.3, Y: 4, Z: -1}

	assert.InDelta(t, 0, tr.Inverse().Apply(tr.Apply(p)).Sub(p).Norm(), 1e-12)
	assert.InDelta(t, 0, tr.Then(tr.Inverse()).Angle(), 1e-9)
	assert.InDelta(t, tr.Angle(), tr.Inverse().Angle(), 1e-12)
}

// TestIterateConvergedErrorFollowsFinalStep checks that a converged result
// reports the residual after the final step even though that step is not
// composed into the transform
func TestIterateConvergedErrorFollowsFinalStep(t *testing.T) {
	x := centeredGrid(3)
	motion := Transform{Rotation: rotationZ(4 * math.Pi / 180), Translation: r3.Vector{X: 0.02, Y: 0.01}}
	y := motion.ApplyAll(x)

	// Thresholds this loose accept the very first step.
	result, err := Iterate(x, y, Config{MaxIterations: 10, MinAngle: 1, MinTranslation: 10})
	if err != nil {
		t.Fatalf("Iterate failed: %v", err)
	}
	if result.Status != Converged || result.Iterations != 1 {
		t.Fatalf("Expected convergence after 1 iteration, got %v after %d", result.Status, result.Iterations)
	}
	if result.Transform.Angle() != 0 || result.Transform.Translation.Norm() != 0 {
		t.Errorf("Expected the identity transform, got angle %g and translation %v",
			result.Transform.Angle(), result.Transform.Translation)
	}

	step, err := Align(x, y)
	if err != nil {
		t.Fatalf("Align failed: %v", err)
	}
	if math.Abs(result.Error-step.Error) > 1e-12 {
		t.Errorf("Expected error %g of the final step, got %g", step.Error, result.Error)
	}
	untouched := 0.0
	for i := range x {
		untouched = math.Max(untouched, x[i].Sub(y[i]).Norm())
	}
	if result.Error >= untouched {
		t.Errorf("Expected error %g below the residual %g of the returned transform", result.Error, untouched)
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{Converged, "converged"},
		{Stalled, "stalled"},
		{Exhausted, "exhausted"},
		{Status(99), "unknown"},
	}
	for _, tc := range tests {
		if got := tc.status.String(); got != tc.want {
			t.Errorf("Status(%d).String() = %q, want %q", int(tc.status), got, tc.want)
		}
	}
}
