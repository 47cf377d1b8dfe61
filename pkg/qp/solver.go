// Package qp minimizes convex quadratic objectives x'Qx + 2b'x + c with
// optional linear equality constraints.
package qp

import (
	"math"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrDimension is returned when the problem parts disagree in size.
	ErrDimension = errors.New("qp: dimension mismatch")
	// ErrUnsupportedConstraint is returned for non-empty inequality constraints.
	ErrUnsupportedConstraint = errors.New("qp: inequality constraints are not supported")
)

// Constraints is the linear system A x = B (or A x >= B for inequalities).
type Constraints struct {
	A *mat.Dense
	B *mat.VecDense
}

func (c *Constraints) empty() bool {
	if c == nil || c.A == nil {
		return true
	}
	r, _ := c.A.Dims()
	return r == 0
}

// Problem is minimize x'Qx + 2 Linear'x + Constant subject to Equality.
type Problem struct {
	Quadratic  mat.Matrix
	Linear     mat.Vector
	Constant   float64
	Initial    mat.Vector // optional starting point, also the anchor of degraded solves
	Equality   *Constraints
	Inequality *Constraints // must be empty
}

// Result is the solution of a Problem.
type Result struct {
	X                *mat.VecDense
	InitialEnergy    float64 // valid when HasInitialEnergy
	HasInitialEnergy bool
	FinalEnergy      float64
	// Degraded is set when the quadratic term was not positive definite and
	// the solution only minimizes over its positive spectrum.
	Degraded bool
}

// Solver solves quadratic programs.
type Solver struct {
	// EigenTolerance is the relative eigenvalue magnitude treated as zero on
	// the degraded path.
	EigenTolerance float64

	logger *zap.SugaredLogger
}

// NewSolver returns a solver that logs diagnostics to logger.
func NewSolver(logger *zap.SugaredLogger) *Solver {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Solver{EigenTolerance: 1e-12, logger: logger}
}

// Energy returns x'Qx + 2b'x + c.
func Energy(q mat.Matrix, b mat.Vector, c float64, x mat.Vector) float64 {
	return mat.Inner(x, q, x) + 2*mat.Dot(b, x) + c
}

// Solve minimizes the problem. Q is symmetrized before use.
func (s *Solver) Solve(p Problem) (Result, error) {
	n, err := p.validate()
	if err != nil {
		return Result{}, err
	}
	if !p.Inequality.empty() {
		return Result{}, ErrUnsupportedConstraint
	}

	q := symmetrize(p.Quadratic)
	b := mat.VecDenseCopyOf(p.Linear)

	var result Result
	if p.Initial != nil {
		result.InitialEnergy = Energy(q, b, p.Constant, p.Initial)
		result.HasInitialEnergy = true
	}

	if p.Equality.empty() {
		result.X, result.Degraded = s.solveUnconstrained(q, b, p.Initial, n)
	} else {
		result.X, result.Degraded, err = s.solveEquality(q, b, p.Equality, n)
		if err != nil {
			return Result{}, err
		}
	}
	result.FinalEnergy = Energy(q, b, p.Constant, result.X)

	if result.HasInitialEnergy {
		s.logger.Debugw("quadratic program solved", "variables", n, "initial", result.InitialEnergy,
			"final", result.FinalEnergy, "degraded", result.Degraded)
	} else {
		s.logger.Debugw("quadratic program solved", "variables", n, "final", result.FinalEnergy, "degraded", result.Degraded)
	}
	return result, nil
}

func (p Problem) validate() (int, error) {
	if p.Quadratic == nil || p.Linear == nil {
		return 0, errors.Wrap(ErrDimension, "missing quadratic or linear term")
	}
	r, c := p.Quadratic.Dims()
	if r != c {
		return 0, errors.Wrapf(ErrDimension, "quadratic term is %dx%d", r, c)
	}
	if p.Linear.Len() != r {
		return 0, errors.Wrapf(ErrDimension, "linear term has %d elements for %d variables", p.Linear.Len(), r)
	}
	if p.Initial != nil && p.Initial.Len() != r {
		return 0, errors.Wrapf(ErrDimension, "initial point has %d elements for %d variables", p.Initial.Len(), r)
	}
	for name, cons := range map[string]*Constraints{"equality": p.Equality, "inequality": p.Inequality} {
		if cons.empty() {
			continue
		}
		rows, cols := cons.A.Dims()
		if cols != r || cons.B == nil || cons.B.Len() != rows {
			return 0, errors.Wrapf(ErrDimension, "%s constraints do not match %d variables", name, r)
		}
	}
	return r, nil
}

// solveUnconstrained solves Q x = -b, falling back to the pseudo-inverse
// step from the initial point when Q is not positive definite.
func (s *Solver) solveUnconstrained(q *mat.SymDense, b *mat.VecDense, initial mat.Vector, n int) (*mat.VecDense, bool) {
	x := mat.NewVecDense(n, nil)

	var chol mat.Cholesky
	if chol.Factorize(q) {
		if err := chol.SolveVecTo(x, b); err == nil {
			x.ScaleVec(-1, x)
			return x, false
		}
	}

	s.logger.Warnw("quadratic term is not positive definite, minimizing over its positive spectrum", "variables", n)

	if initial != nil {
		x.CopyVec(initial)
	}
	var eig mat.EigenSym
	if !eig.Factorize(q, true) {
		s.logger.Warnw("eigen decomposition failed, keeping the initial point", "variables", n)
		return x, true
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	limit := 0.0
	for _, v := range values {
		limit = math.Max(limit, math.Abs(v))
	}
	limit *= s.EigenTolerance

	// Gradient direction g = Q x + b; step x -= sum over positive modes of (v'g / lambda) v.
	var g mat.VecDense
	g.MulVec(q, x)
	g.AddVec(&g, b)
	for k, lambda := range values {
		if lambda <= limit {
			continue
		}
		v := vectors.ColView(k)
		x.AddScaledVec(x, -mat.Dot(v, &g)/lambda, v)
	}
	return x, true
}

// solveEquality solves the KKT system [2Q A'; A 0][x; nu] = [-2b; d].
func (s *Solver) solveEquality(q *mat.SymDense, b *mat.VecDense, eq *Constraints, n int) (*mat.VecDense, bool, error) {
	m, _ := eq.A.Dims()
	size := n + m

	kkt := mat.NewDense(size, size, nil)
	rhs := mat.NewVecDense(size, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			kkt.Set(i, j, 2*q.At(i, j))
		}
		rhs.SetVec(i, -2*b.AtVec(i))
	}
	for r := 0; r < m; r++ {
		for j := 0; j < n; j++ {
			a := eq.A.At(r, j)
			kkt.Set(n+r, j, a)
			kkt.Set(j, n+r, a)
		}
		rhs.SetVec(n+r, eq.B.AtVec(r))
	}

	var solution mat.VecDense
	err := solution.SolveVec(kkt, rhs)
	degraded := false
	if err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) || !finite(&solution) {
			// Singular system: least-squares solution through the SVD.
			var svd mat.SVD
			if !svd.Factorize(kkt, mat.SVDThin) {
				return nil, false, errors.New("qp: KKT system could not be factorized")
			}
			rank := svd.Rank(s.EigenTolerance)
			solution.Reset()
			svd.SolveVecTo(&solution, rhs, rank)
		}
		degraded = true
		s.logger.Warnw("ill-conditioned constrained problem", "variables", n, "constraints", m, "error", err)
	}

	x := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		x.SetVec(i, solution.AtVec(i))
	}
	return x, degraded, nil
}

func symmetrize(m mat.Matrix) *mat.SymDense {
	n, _ := m.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, (m.At(i, j)+m.At(j, i))/2)
		}
	}
	return sym
}

func finite(v *mat.VecDense) bool {
	if v.IsEmpty() {
		return false
	}
	for i := 0; i < v.Len(); i++ {
		if x := v.AtVec(i); math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
