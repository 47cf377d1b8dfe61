// Package models defines the scene and result documents exchanged by the
// command line tool.
package models

import (
	"encoding/json"
	"io"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"

	"cuboidfit/pkg/cuboid"
	"cuboidfit/pkg/predictor"
)

// ErrInvalidScene is returned for scenes referring to unknown labels or
// carrying malformed values.
var ErrInvalidScene = errors.New("models: invalid scene")

// Scene is the input document: a labeled point sample, optional initial
// cuboids and the relations the predictor is built from.
type Scene struct {
	// Labels names the semantic parts; confidences are indexed in this order
	Labels []string `json:"labels"`

	// Points is the observed sample
	Points []Point `json:"points"`

	// Cuboids are optional initial boxes; when empty one box per label is
	// fitted to the points most confident in it
	Cuboids []Box `json:"cuboids,omitempty"`

	// Offsets configure a hand-specified center offset predictor
	Offsets []OffsetRelation `json:"offsets,omitempty"`

	// Relations configure a joint normal predictor and take precedence over Offsets
	Relations []NormalRelation `json:"relations,omitempty"`
}

// Point is one observed point with its per-label confidence.
type Point struct {
	Position   [3]float64 `json:"position"`
	Confidence []float64  `json:"confidence"`
}

// Box is a cuboid given by its label and eight corners, corner k having bit0
// on x, bit1 on y and bit2 on z.
type Box struct {
	Label   string                        `json:"label"`
	Corners [cuboid.NumCorners][3]float64 `json:"corners"`
}

// OffsetRelation is the expected center of a Label2 part in the frame of a Label1 part.
type OffsetRelation struct {
	Label1 string     `json:"label1"`
	Label2 string     `json:"label2"`
	Mean   [3]float64 `json:"mean"`
	Weight float64    `json:"weight"`
}

// NormalRelation is a Gaussian over the corners of a Label2 part in the frame of a Label1 part.
type NormalRelation struct {
	Label1     string      `json:"label1"`
	Label2     string      `json:"label2"`
	Mean       []float64   `json:"mean"`
	Covariance [][]float64 `json:"covariance"`
}

// LoadScene decodes a JSON scene.
func LoadScene(r io.Reader) (*Scene, error) {
	var s Scene
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, errors.Wrap(err, "decoding scene")
	}
	return &s, nil
}

func (s *Scene) labelIndex(name string) (int, error) {
	for i, label := range s.Labels {
		if label == name {
			return i, nil
		}
	}
	return -1, errors.Wrapf(ErrInvalidScene, "unknown label %q", name)
}

// Structure builds the point structure and adds the initial cuboids.
func (s *Scene) Structure() (*cuboid.Structure, error) {
	points := make([]*cuboid.SamplePoint, len(s.Points))
	for i, p := range s.Points {
		points[i] = &cuboid.SamplePoint{
			Point:      vector(p.Position),
			Confidence: append([]float64(nil), p.Confidence...),
		}
	}
	structure, err := cuboid.NewStructure(s.Labels, points)
	if err != nil {
		return nil, err
	}

	for i, b := range s.Cuboids {
		label, err := s.labelIndex(b.Label)
		if err != nil {
			return nil, errors.Wrapf(err, "cuboid %d", i)
		}
		var corners [cuboid.NumCorners]r3.Vector
		for k, c := range b.Corners {
			corners[k] = vector(c)
		}
		if err := structure.AddCuboid(cuboid.NewCuboidFromCorners(label, corners)); err != nil {
			return nil, err
		}
	}
	return structure, nil
}

// Predictor builds the joint normal predictor when relations are present and
// the offset predictor otherwise.
func (s *Scene) Predictor() (predictor.Predictor, error) {
	if len(s.Relations) == 0 {
		p := predictor.NewManual()
		var err error
		for _, o := range s.Offsets {
			l1, err1 := s.labelIndex(o.Label1)
			l2, err2 := s.labelIndex(o.Label2)
			if err1 != nil || err2 != nil {
				err = multierr.Combine(err, err1, err2)
				continue
			}
			p.SetOffset(l1, l2, predictor.Offset{Mean: vector(o.Mean), Weight: o.Weight})
		}
		return p, err
	}

	p := predictor.NewJointNormal(len(s.Labels))
	var err error
	for i, r := range s.Relations {
		relation, rerr := s.normalRelation(r)
		if rerr != nil {
			err = multierr.Append(err, errors.Wrapf(rerr, "relation %d", i))
			continue
		}
		l1, _ := s.labelIndex(r.Label1)
		l2, _ := s.labelIndex(r.Label2)
		p.SetRelation(l1, l2, relation)
	}
	return p, err
}

func (s *Scene) normalRelation(r NormalRelation) (*predictor.NormalRelation, error) {
	if _, err := s.labelIndex(r.Label1); err != nil {
		return nil, err
	}
	if _, err := s.labelIndex(r.Label2); err != nil {
		return nil, err
	}
	n := len(r.Covariance)
	if n == 0 {
		return nil, errors.Wrap(ErrInvalidScene, "empty covariance")
	}
	for i, row := range r.Covariance {
		if len(row) != n {
			return nil, errors.Wrapf(ErrInvalidScene, "covariance row %d has %d entries for %d rows", i, len(row), n)
		}
	}
	covariance := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			covariance.SetSym(i, j, (r.Covariance[i][j]+r.Covariance[j][i])/2)
		}
	}
	return predictor.NewNormalRelation(r.Mean, covariance)
}

func vector(v [3]float64) r3.Vector {
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}
}
