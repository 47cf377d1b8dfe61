// Package potential builds the discrete energies of the two labeling problems:
// choosing a label and axis configuration for every cuboid, and assigning
// every sample point to a cuboid.
package potential

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"cuboidfit/pkg/mrf"
)

const (
	// ForbiddenPotential marks configurations that must not occur in a
	// solution, such as two cuboids sharing a label.
	ForbiddenPotential = 1e8
	// DefaultNullPotential is the cost of leaving a sample point unassigned.
	DefaultNullPotential = 1e8
)

var (
	// ErrInvalidPotential is returned for negative or non-finite potentials and bad options.
	ErrInvalidPotential = errors.New("potential: invalid potential")
	// ErrAsymmetric is returned when an energy matrix is not symmetric.
	ErrAsymmetric = errors.New("potential: energy matrix is not symmetric")
)

// EnergyMatrix is a symmetric energy over numNodes nodes with numCases cases
// each. Entry (n*numCases+a, n*numCases+a) is the unary cost of node n in case
// a; entry (n*numCases+a, m*numCases+b) for n != m is the pair cost.
type EnergyMatrix struct {
	matrix   *mat.SymDense
	numNodes int
	numCases int
}

// NewEnergyMatrix returns a zero energy.
func NewEnergyMatrix(numNodes, numCases int) *EnergyMatrix {
	e := &EnergyMatrix{numNodes: numNodes, numCases: numCases}
	if n := numNodes * numCases; n > 0 {
		e.matrix = mat.NewSymDense(n, nil)
	}
	return e
}

// NewEnergyMatrixFromDense copies m after checking it is symmetric and non-negative.
func NewEnergyMatrixFromDense(m mat.Matrix, numNodes, numCases int) (*EnergyMatrix, error) {
	r, c := m.Dims()
	if r != c || r != numNodes*numCases {
		return nil, errors.Wrapf(ErrInvalidPotential, "%dx%d matrix for %d nodes with %d cases", r, c, numNodes, numCases)
	}
	e := NewEnergyMatrix(numNodes, numCases)
	for i := 0; i < r; i++ {
		for j := i; j < r; j++ {
			if m.At(i, j) != m.At(j, i) {
				return nil, errors.Wrapf(ErrAsymmetric, "entries (%d, %d) and (%d, %d) differ", i, j, j, i)
			}
			if err := checkPotential(m.At(i, j)); err != nil {
				return nil, errors.Wrapf(err, "entry (%d, %d)", i, j)
			}
			e.matrix.SetSym(i, j, m.At(i, j))
		}
	}
	return e, nil
}

// NumNodes returns the number of nodes.
func (e *EnergyMatrix) NumNodes() int { return e.numNodes }

// NumCases returns the number of cases per node.
func (e *EnergyMatrix) NumCases() int { return e.numCases }

// Matrix returns the underlying symmetric matrix, or nil when empty.
func (e *EnergyMatrix) Matrix() mat.Symmetric {
	if e.matrix == nil {
		return nil
	}
	return e.matrix
}

func (e *EnergyMatrix) index(node, c int) int { return node*e.numCases + c }

// Unary returns the unary cost of node in case c.
func (e *EnergyMatrix) Unary(node, c int) float64 {
	i := e.index(node, c)
	return e.matrix.At(i, i)
}

// SetUnary sets the unary cost of node in case c.
func (e *EnergyMatrix) SetUnary(node, c int, v float64) {
	i := e.index(node, c)
	e.matrix.SetSym(i, i, v)
}

// Pair returns the pair cost of node1 in case c1 and node2 in case c2.
func (e *EnergyMatrix) Pair(node1, c1, node2, c2 int) float64 {
	return e.matrix.At(e.index(node1, c1), e.index(node2, c2))
}

// SetPair sets both symmetric entries of a pair cost.
func (e *EnergyMatrix) SetPair(node1, c1, node2, c2 int, v float64) {
	e.matrix.SetSym(e.index(node1, c1), e.index(node2, c2), v)
}

// Evaluate returns the energy of assigning case assignment[n] to node n: the
// sum of the selected unary costs plus the selected pair costs, each
// unordered pair counted once. With the indicator vector v this is
// (v'Mv + diag(M)'v) / 2.
func (e *EnergyMatrix) Evaluate(assignment []int) (float64, error) {
	if len(assignment) != e.numNodes {
		return 0, errors.Wrapf(ErrInvalidPotential, "%d assignments for %d nodes", len(assignment), e.numNodes)
	}
	if e.matrix == nil {
		return 0, nil
	}
	v := mat.NewVecDense(e.numNodes*e.numCases, nil)
	diagonal := 0.0
	for node, c := range assignment {
		if c < 0 || c >= e.numCases {
			return 0, errors.Wrapf(ErrInvalidPotential, "node %d case %d out of range", node, c)
		}
		i := e.index(node, c)
		v.SetVec(i, 1)
		diagonal += e.matrix.At(i, i)
	}
	return (mat.Inner(v, e.matrix, v) + diagonal) / 2, nil
}

// Validate checks every entry is a finite non-negative potential.
func (e *EnergyMatrix) Validate() error {
	if e.matrix == nil {
		return nil
	}
	n := e.matrix.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			if err := checkPotential(e.matrix.At(i, j)); err != nil {
				return errors.Wrapf(err, "entry (%d, %d)", i, j)
			}
		}
	}
	return nil
}

// Model converts the matrix into a pairwise model with one node per matrix
// node and a dense edge between every pair of nodes.
func (e *EnergyMatrix) Model() *mrf.Model {
	m := &mrf.Model{Nodes: make([]mrf.Node, e.numNodes)}
	for n := 0; n < e.numNodes; n++ {
		unary := make([]float64, e.numCases)
		for c := range unary {
			unary[c] = e.Unary(n, c)
		}
		m.Nodes[n] = mrf.Node{Unary: unary}
	}
	for n1 := 0; n1 < e.numNodes; n1++ {
		for n2 := n1 + 1; n2 < e.numNodes; n2++ {
			costs := make([]float64, e.numCases*e.numCases)
			for c1 := 0; c1 < e.numCases; c1++ {
				for c2 := 0; c2 < e.numCases; c2++ {
					costs[c1*e.numCases+c2] = e.Pair(n1, c1, n2, c2)
				}
			}
			m.Edges = append(m.Edges, mrf.Edge{I: n1, J: n2, Costs: costs})
		}
	}
	return m
}

func checkPotential(v float64) error {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return errors.Wrapf(ErrInvalidPotential, "%g", v)
	}
	return nil
}
