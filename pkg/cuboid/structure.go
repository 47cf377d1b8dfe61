package cuboid

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"cuboidfit/pkg/registration"
)

// ErrInvalidStructure is returned for inconsistent labels, points or assignments.
var ErrInvalidStructure = errors.New("cuboid: invalid structure")

// Structure holds the labeled point sample and the cuboids fitted to it.
type Structure struct {
	Labels       []string
	SamplePoints []*SamplePoint
	Diameter     float64

	labelCuboids [][]*Cuboid
}

// NewStructure validates the sample points against the label set and
// computes the object diameter as the bounding-box diagonal.
func NewStructure(labels []string, points []*SamplePoint) (*Structure, error) {
	var err error
	for i, p := range points {
		if len(p.Confidence) != len(labels) {
			err = multierr.Append(err, errors.Wrapf(ErrInvalidStructure,
				"point %d has %d confidence values for %d labels", i, len(p.Confidence), len(labels)))
		}
		for label, value := range p.Confidence {
			if value < 0 || math.IsNaN(value) {
				err = multierr.Append(err, errors.Wrapf(ErrInvalidStructure,
					"point %d has confidence %g for label %d", i, value, label))
			}
		}
	}
	if err != nil {
		return nil, err
	}

	s := &Structure{
		Labels:       labels,
		SamplePoints: points,
		labelCuboids: make([][]*Cuboid, len(labels)),
	}
	for i, p := range points {
		p.Index = i
	}
	s.Diameter = diameter(points)
	return s, nil
}

// NumLabels returns the number of labels.
func (s *Structure) NumLabels() int { return len(s.Labels) }

// LabelCuboids returns the cuboids carrying label.
func (s *Structure) LabelCuboids(label int) []*Cuboid { return s.labelCuboids[label] }

// AllCuboids returns every cuboid ordered by label.
func (s *Structure) AllCuboids() []*Cuboid {
	var all []*Cuboid
	for _, cuboids := range s.labelCuboids {
		all = append(all, cuboids...)
	}
	return all
}

// NumCuboids returns the total number of cuboids.
func (s *Structure) NumCuboids() int {
	n := 0
	for _, cuboids := range s.labelCuboids {
		n += len(cuboids)
	}
	return n
}

// AddCuboid appends a cuboid under its label.
func (s *Structure) AddCuboid(c *Cuboid) error {
	if c.label < 0 || c.label >= len(s.Labels) {
		return errors.Wrapf(ErrInvalidStructure, "cuboid label %d out of range", c.label)
	}
	s.labelCuboids[c.label] = append(s.labelCuboids[c.label], c)
	return nil
}

// SetCuboids replaces all cuboids, grouping them by their current label.
func (s *Structure) SetCuboids(cuboids []*Cuboid) error {
	grouped := make([][]*Cuboid, len(s.Labels))
	for _, c := range cuboids {
		if c.label < 0 || c.label >= len(s.Labels) {
			return errors.Wrapf(ErrInvalidStructure, "cuboid label %d out of range", c.label)
		}
		grouped[c.label] = append(grouped[c.label], c)
	}
	s.labelCuboids = grouped
	return nil
}

// AssignSamplePoints gives sample point i to cuboids[assignment[i]]. An
// assignment outside [0, len(cuboids)) leaves the point unowned.
func (s *Structure) AssignSamplePoints(cuboids []*Cuboid, assignment []int) error {
	if len(assignment) != len(s.SamplePoints) {
		return errors.Wrapf(ErrInvalidStructure, "%d assignments for %d sample points", len(assignment), len(s.SamplePoints))
	}
	for _, c := range cuboids {
		c.samplePoints = nil
	}
	for i, target := range assignment {
		if target < 0 || target >= len(cuboids) {
			continue
		}
		cuboids[target].samplePoints = append(cuboids[target].samplePoints, s.SamplePoints[i])
	}
	return nil
}

// AssignByConfidence gives each sample point to the first cuboid of its
// most confident label.
func (s *Structure) AssignByConfidence() {
	for _, c := range s.AllCuboids() {
		c.samplePoints = nil
	}
	for _, p := range s.SamplePoints {
		label := p.MostConfidentLabel()
		if label < 0 || len(s.labelCuboids[label]) == 0 {
			continue
		}
		first := s.labelCuboids[label][0]
		first.samplePoints = append(first.samplePoints, p)
	}
}

// KeepLargestLabelCuboids keeps, per label, only the cuboid owning the most
// sample points (volume breaks ties).
func (s *Structure) KeepLargestLabelCuboids() {
	for label, cuboids := range s.labelCuboids {
		if len(cuboids) < 2 {
			continue
		}
		best := cuboids[0]
		for _, c := range cuboids[1:] {
			if c.NumSamplePoints() > best.NumSamplePoints() ||
				(c.NumSamplePoints() == best.NumSamplePoints() && c.Volume() > best.Volume()) {
				best = c
			}
		}
		s.labelCuboids[label] = []*Cuboid{best}
	}
}

// InitializeLabelCuboids creates one cuboid per label, fitted to the points
// whose most confident label it is. Labels without points get no cuboid.
func (s *Structure) InitializeLabelCuboids(config registration.Config) error {
	owned := make([][]*SamplePoint, len(s.Labels))
	for _, p := range s.SamplePoints {
		if label := p.MostConfidentLabel(); label >= 0 {
			owned[label] = append(owned[label], p)
		}
	}

	s.labelCuboids = make([][]*Cuboid, len(s.Labels))
	for label, points := range owned {
		if len(points) == 0 {
			continue
		}
		c := &Cuboid{label: label}
		c.SetSamplePoints(points)
		if err := c.FitToSamplePoints(config); err != nil {
			return errors.Wrapf(err, "fitting cuboid for label %q", s.Labels[label])
		}
		s.labelCuboids[label] = []*Cuboid{c}
	}
	return nil
}

// Snapshot returns deep copies of all cuboids in AllCuboids order.
func (s *Structure) Snapshot() []*Cuboid {
	all := s.AllCuboids()
	out := make([]*Cuboid, len(all))
	for i, c := range all {
		out[i] = c.Clone()
	}
	return out
}

// Points returns the sample positions.
func (s *Structure) Points() []r3.Vector {
	out := make([]r3.Vector, len(s.SamplePoints))
	for i, p := range s.SamplePoints {
		out[i] = p.Point
	}
	return out
}

func diameter(points []*SamplePoint) float64 {
	if len(points) == 0 {
		return 0
	}
	lo := r3.Vector{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	hi := r3.Vector{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
	for _, p := range points {
		lo = r3.Vector{X: math.Min(lo.X, p.Point.X), Y: math.Min(lo.Y, p.Point.Y), Z: math.Min(lo.Z, p.Point.Z)}
		hi = r3.Vector{X: math.Max(hi.X, p.Point.X), Y: math.Max(hi.Y, p.Point.Y), Z: math.Max(hi.Z, p.Point.Z)}
	}
	return hi.Sub(lo).Norm()
}
