package potential

import (
	"github.com/pkg/errors"

	"cuboidfit/internal/parallel"
	"cuboidfit/pkg/cuboid"
	"cuboidfit/pkg/predictor"
	"cuboidfit/pkg/registration"
)

// LabelAxisOptions configures LabelAxisPotentials.
type LabelAxisOptions struct {
	AxisConfigurations int // number of axis configurations tried per cuboid, 1..cuboid.NumAxisConfigurations
	Workers            int // <= 0 uses GOMAXPROCS
}

// Candidate is one cuboid relabeled and reoriented for a single case.
type Candidate struct {
	Cuboid     *cuboid.Cuboid
	Attributes cuboid.Attributes
	Transform  registration.Transform
	Label      int
	Axis       int
}

// CandidateArena holds every (cuboid, case) candidate of one recognition pass.
type CandidateArena struct {
	numCases   int
	candidates []Candidate
}

// At returns the candidate of cuboid index in case c.
func (a *CandidateArena) At(index, c int) *Candidate {
	return &a.candidates[index*a.numCases+c]
}

// NumCases returns the number of cases per cuboid.
func (a *CandidateArena) NumCases() int { return a.numCases }

// CaseIndex returns the case of label and axis.
func CaseIndex(label, axis, axisConfigurations int) int { return label*axisConfigurations + axis }

// CaseLabelAxis splits a case into its label and axis configuration.
func CaseLabelAxis(c, axisConfigurations int) (label, axis int) {
	return c / axisConfigurations, c % axisConfigurations
}

// LabelAxisPotentials builds the recognition energy over cuboids with
// numLabels*AxisConfigurations cases each. Two cuboids taking the same label
// cost ForbiddenPotential. The candidates are returned so the caller can apply
// the chosen cases.
func LabelAxisPotentials(numLabels int, cuboids []*cuboid.Cuboid, p predictor.Predictor,
	opts LabelAxisOptions) (*EnergyMatrix, *CandidateArena, error) {
	axes := opts.AxisConfigurations
	if axes < 1 || axes > cuboid.NumAxisConfigurations {
		return nil, nil, errors.Wrapf(ErrInvalidPotential, "%d axis configurations", axes)
	}
	numCases := numLabels * axes
	energy := NewEnergyMatrix(len(cuboids), numCases)
	arena := &CandidateArena{numCases: numCases, candidates: make([]Candidate, len(cuboids)*numCases)}
	if len(cuboids) == 0 || numLabels == 0 {
		return energy, arena, nil
	}

	// Candidates and unary potentials, one cuboid per work item.
	err := parallel.For(len(cuboids), opts.Workers, func(start, end int) error {
		for i := start; i < end; i++ {
			for c := 0; c < numCases; c++ {
				label, axis := CaseLabelAxis(c, axes)
				candidate := cuboids[i].Clone()
				candidate.SetLabelIndex(label)
				if err := candidate.SetAxisConfiguration(axis); err != nil {
					return err
				}

				slot := arena.At(i, c)
				*slot = Candidate{
					Cuboid:     candidate,
					Attributes: candidate.Attributes(),
					Transform:  candidate.Transformation(),
					Label:      label,
					Axis:       axis,
				}

				v := p.UnaryPotential(candidate, slot.Attributes, slot.Transform, label)
				if err := checkPotential(v); err != nil {
					return errors.Wrapf(err, "unary potential of cuboid %d label %d axis %d", i, label, axis)
				}
				energy.SetUnary(i, c, v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	// Pair potentials, one unordered cuboid pair per work item.
	type pair struct{ i, j int }
	var pairs []pair
	for i := range cuboids {
		for j := i + 1; j < len(cuboids); j++ {
			pairs = append(pairs, pair{i, j})
		}
	}
	err = parallel.For(len(pairs), opts.Workers, func(start, end int) error {
		for _, pr := range pairs[start:end] {
			for c1 := 0; c1 < numCases; c1++ {
				a := arena.At(pr.i, c1)
				for c2 := 0; c2 < numCases; c2++ {
					b := arena.At(pr.j, c2)
					if a.Label == b.Label {
						energy.SetPair(pr.i, c1, pr.j, c2, ForbiddenPotential)
						continue
					}
					v := p.PairPotential(a.Cuboid, b.Cuboid, a.Attributes, b.Attributes, a.Transform, b.Transform, a.Label, b.Label)
					if err := checkPotential(v); err != nil {
						return errors.Wrapf(err, "pair potential of cuboids %d and %d, cases %d and %d", pr.i, pr.j, c1, c2)
					}
					energy.SetPair(pr.i, c1, pr.j, c2, v)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return energy, arena, nil
}
