package mrf

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// TRWS is sequential tree-reweighted message passing. Messages start at zero
// and nodes are visited in index order, so results are deterministic.
type TRWS struct {
	// Tolerance is the relative duality gap, or lower-bound change between
	// iterations, below which the solver stops.
	Tolerance float64
}

// NewTRWS returns a solver with a 1e-9 tolerance.
func NewTRWS() *TRWS {
	return &TRWS{Tolerance: 1e-9}
}

type incidence struct {
	edge    int
	forward bool // true when the node is the edge's I side
}

type trwsState struct {
	m         *Model
	adjacency [][]incidence
	gamma     []float64
	// toJ[e] is the message from I to J, toI[e] from J to I.
	toJ, toI [][]float64
}

// Minimize implements Minimizer.
func (s *TRWS) Minimize(m *Model, maxIterations int) (Result, error) {
	if err := m.Validate(); err != nil {
		return Result{}, err
	}
	if len(m.Nodes) == 0 {
		return Result{Converged: true}, nil
	}

	st := newTRWSState(m)

	best := Result{Energy: math.Inf(1), LowerBound: math.Inf(-1)}
	best.Labels = st.decode()
	best.Energy, _ = m.Energy(best.Labels)

	previousBound := math.Inf(-1)
	for iteration := 1; iteration <= maxIterations; iteration++ {
		st.pass(true)
		st.pass(false)

		labels := st.decode()
		energy, err := m.Energy(labels)
		if err != nil {
			return best, err
		}
		if energy < best.Energy {
			best.Labels, best.Energy = labels, energy
		}

		bound := st.lowerBound()
		if bound > best.LowerBound {
			best.LowerBound = bound
		}
		best.Iterations = iteration

		scale := math.Max(1, math.Abs(best.Energy))
		if best.Energy-best.LowerBound <= s.Tolerance*scale || math.Abs(bound-previousBound) <= s.Tolerance*scale {
			best.Converged = true
			break
		}
		previousBound = bound
	}
	if best.LowerBound > best.Energy {
		best.LowerBound = best.Energy
	}
	return best, nil
}

func newTRWSState(m *Model) *trwsState {
	st := &trwsState{
		m:         m,
		adjacency: make([][]incidence, len(m.Nodes)),
		gamma:     make([]float64, len(m.Nodes)),
		toJ:       make([][]float64, len(m.Edges)),
		toI:       make([][]float64, len(m.Edges)),
	}

	before := make([]int, len(m.Nodes))
	after := make([]int, len(m.Nodes))
	for k, e := range m.Edges {
		st.adjacency[e.I] = append(st.adjacency[e.I], incidence{edge: k, forward: true})
		st.adjacency[e.J] = append(st.adjacency[e.J], incidence{edge: k, forward: false})
		st.toJ[k] = make([]float64, m.Nodes[e.J].NumLabels())
		st.toI[k] = make([]float64, m.Nodes[e.I].NumLabels())

		lo, hi := e.I, e.J
		if lo > hi {
			lo, hi = hi, lo
		}
		after[lo]++
		before[hi]++
	}
	for i := range st.gamma {
		chains := before[i]
		if after[i] > chains {
			chains = after[i]
		}
		if chains < 1 {
			chains = 1
		}
		st.gamma[i] = 1 / float64(chains)
	}
	return st
}

// messages returns the message arriving at the node through inc, and the
// message leaving it.
func (st *trwsState) messages(inc incidence) (in, out []float64) {
	if inc.forward {
		return st.toI[inc.edge], st.toJ[inc.edge]
	}
	return st.toJ[inc.edge], st.toI[inc.edge]
}

func (st *trwsState) other(inc incidence) int {
	e := st.m.Edges[inc.edge]
	if inc.forward {
		return e.J
	}
	return e.I
}

// belief returns the unary cost plus all incoming messages.
func (st *trwsState) belief(i int) []float64 {
	b := append([]float64(nil), st.m.Nodes[i].Unary...)
	for _, inc := range st.adjacency[i] {
		in, _ := st.messages(inc)
		floats.Add(b, in)
	}
	return b
}

// pass updates the messages from each node towards later nodes (forward) or
// earlier nodes (backward).
func (st *trwsState) pass(forward bool) {
	n := len(st.m.Nodes)
	for step := 0; step < n; step++ {
		i := step
		if !forward {
			i = n - 1 - step
		}

		belief := st.belief(i)
		for _, inc := range st.adjacency[i] {
			j := st.other(inc)
			if (forward && j < i) || (!forward && j > i) {
				continue
			}
			in, out := st.messages(inc)

			h := make([]float64, len(belief))
			for a := range h {
				h[a] = st.gamma[i]*belief[a] - in[a]
			}
			st.sendMessage(inc, h, out)
		}
	}
}

// sendMessage writes out(b) = min_a h(a) + cost(a, b), normalized to min 0.
func (st *trwsState) sendMessage(inc incidence, h, out []float64) {
	e := st.m.Edges[inc.edge]
	if e.Costs == nil {
		floor := floats.Min(h) + e.Weight
		for b := range out {
			v := floor
			if b < len(h) && h[b] < v {
				v = h[b]
			}
			out[b] = v
		}
	} else {
		for b := range out {
			v := math.Inf(1)
			for a := range h {
				var cost float64
				if inc.forward {
					cost = st.m.Cost(e, a, b)
				} else {
					cost = st.m.Cost(e, b, a)
				}
				if h[a]+cost < v {
					v = h[a] + cost
				}
			}
			out[b] = v
		}
	}
	floats.AddConst(-floats.Min(out), out)
}

// decode assigns labels in order, conditioning on already decoded neighbours.
func (st *trwsState) decode() []int {
	labels := make([]int, len(st.m.Nodes))
	for i := range st.m.Nodes {
		cost := append([]float64(nil), st.m.Nodes[i].Unary...)
		for _, inc := range st.adjacency[i] {
			j := st.other(inc)
			e := st.m.Edges[inc.edge]
			if j < i {
				for a := range cost {
					if inc.forward {
						cost[a] += st.m.Cost(e, a, labels[j])
					} else {
						cost[a] += st.m.Cost(e, labels[j], a)
					}
				}
			} else {
				in, _ := st.messages(inc)
				floats.Add(cost, in)
			}
		}
		labels[i] = floats.MinIdx(cost)
	}
	return labels
}

// lowerBound evaluates the reparameterization defined by the current messages:
// every labeling has the same energy under it, so the sum of its minima bounds
// the optimum from below.
func (st *trwsState) lowerBound() float64 {
	bound := 0.0
	for i := range st.m.Nodes {
		bound += floats.Min(st.belief(i))
	}
	for k, e := range st.m.Edges {
		toI, toJ := st.toI[k], st.toJ[k]
		edgeMin := math.Inf(1)
		for a := range toI {
			for b := range toJ {
				if v := st.m.Cost(e, a, b) - toI[a] - toJ[b]; v < edgeMin {
					edgeMin = v
				}
			}
		}
		bound += edgeMin
	}
	return bound
}
