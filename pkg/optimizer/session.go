// Package optimizer drives the alternating cuboid fitting pipeline: discrete
// label and axis recognition, point segmentation and continuous attribute
// refinement, all scored by a Predictor.
//
// The pipeline consists of the following steps:
// 1. Ensuring every label has a cuboid
// 2. Sampling cuboid surfaces and pairing them with observed points
// 3. Recognizing the label and axis configuration of every cuboid
// 4. Keeping the best supported cuboid per label
// 5. Segmenting the sample points among the cuboids
// 6. Refining the corner attributes by iterated quadratic programs
package optimizer

import (
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"cuboidfit/internal/parallel"
	"cuboidfit/pkg/cuboid"
	"cuboidfit/pkg/mrf"
	"cuboidfit/pkg/predictor"
	"cuboidfit/pkg/qp"
)

// ErrInconsistentPredictor is returned when a predictor's quadratic forms do
// not reproduce its scalar potentials at the current attributes.
var ErrInconsistentPredictor = errors.New("optimizer: predictor forms disagree with its potentials")

// Session holds everything one fitting run needs. Sessions are not safe for
// concurrent use.
type Session struct {
	structure *cuboid.Structure
	predictor predictor.Predictor
	minimizer mrf.Minimizer
	solver    *qp.Solver
	params    Params

	energyLog io.Writer
	logger    *zap.SugaredLogger
	runID     uuid.UUID
}

// Option customizes a Session.
type Option func(*Session)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithEnergyLog sets the writer receiving the plain-text energy log.
func WithEnergyLog(w io.Writer) Option {
	return func(s *Session) { s.energyLog = w }
}

// WithMinimizer replaces the default TRW-S minimizer.
func WithMinimizer(m mrf.Minimizer) Option {
	return func(s *Session) { s.minimizer = m }
}

// NewSession returns a session over structure scored by p.
func NewSession(structure *cuboid.Structure, p predictor.Predictor, params Params, opts ...Option) (*Session, error) {
	if structure == nil || p == nil {
		return nil, errors.Wrap(ErrInvalidParams, "structure and predictor are required")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		structure: structure,
		predictor: p,
		minimizer: mrf.NewTRWS(),
		params:    params,
		energyLog: io.Discard,
		logger:    zap.NewNop().Sugar(),
		runID:     uuid.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("run", s.runID.String())
	s.solver = qp.NewSolver(s.logger.Named("qp"))
	return s, nil
}

// RunID identifies the session in logs.
func (s *Session) RunID() uuid.UUID { return s.runID }

// Structure returns the structure being fitted.
func (s *Session) Structure() *cuboid.Structure { return s.structure }

// Params returns the session parameters.
func (s *Session) Params() Params { return s.params }

// RunResult collects the outcome of every pipeline stage.
type RunResult struct {
	Added        []*cuboid.Cuboid
	Recognition  RecognitionResult
	Segmentation SegmentationResult
	Attributes   AttributeResult
}

// Run executes the full pipeline.
func (s *Session) Run() (RunResult, error) {
	var result RunResult
	s.logger.Infow("starting cuboid fitting", "labels", s.structure.NumLabels(),
		"cuboids", s.structure.NumCuboids(), "points", len(s.structure.SamplePoints))

	// Step 1: Give every label a cuboid
	added, err := s.EnsureCoverage()
	if err != nil {
		return result, errors.Wrap(err, "ensuring label coverage")
	}
	result.Added = added

	// Step 2: Sample surfaces, seeding point ownership when nothing owns points yet
	if s.ownedPoints() == 0 {
		s.structure.AssignByConfidence()
	}
	if err := s.UpdateSurfacePoints(); err != nil {
		return result, errors.Wrap(err, "updating surface points")
	}

	// Step 3: Recognize labels and axes
	result.Recognition, err = s.RecognizeLabelsAndAxes()
	if err != nil {
		return result, errors.Wrap(err, "recognizing labels and axes")
	}

	// Step 4: Keep one cuboid per label
	s.structure.KeepLargestLabelCuboids()

	// Step 5: Segment the sample points
	result.Segmentation, err = s.SegmentSamplePoints()
	if err != nil {
		return result, errors.Wrap(err, "segmenting sample points")
	}

	// Step 6: Refine the attributes
	result.Attributes, err = s.OptimizeAttributes()
	if err != nil {
		return result, errors.Wrap(err, "optimizing attributes")
	}

	s.logger.Infow("cuboid fitting finished", "cuboids", s.structure.NumCuboids(),
		"baseline", result.Attributes.Baseline.Total, "final", result.Attributes.Final.Total,
		"reason", result.Attributes.Reason)
	return result, nil
}

// UpdateSurfacePoints regenerates the surface samples of every cuboid,
// marks those near an observed point visible and pairs them with the
// nearest owned sample point.
func (s *Session) UpdateSurfacePoints() error {
	cuboids := s.structure.AllCuboids()
	if len(cuboids) == 0 {
		return nil
	}

	var tester cuboid.VisibilityTester = cuboid.AllVisible{}
	if len(s.structure.SamplePoints) > 0 {
		observed, err := cuboid.NewObservedRadius(s.structure.Points(), s.scaled(s.params.ObservedPointRadius))
		if err != nil {
			return err
		}
		tester = observed
	}

	return parallel.For(len(cuboids), s.params.NumWorkers, func(start, end int) error {
		for _, c := range cuboids[start:end] {
			c.CreateSurfacePoints(s.params.NumSurfacePoints)
			c.ComputeVisibility(tester)
			if err := c.UpdatePointCorrespondences(); err != nil {
				return errors.Wrapf(err, "%v", c)
			}
		}
		return nil
	})
}

// scaled converts a fraction of the object diameter to a distance.
func (s *Session) scaled(fraction float64) float64 {
	if s.structure.Diameter <= 0 || math.IsNaN(s.structure.Diameter) {
		return fraction
	}
	return fraction * s.structure.Diameter
}

func (s *Session) ownedPoints() int {
	n := 0
	for _, c := range s.structure.AllCuboids() {
		n += c.NumSamplePoints()
	}
	return n
}

// logf writes one line to the energy log.
func (s *Session) logf(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(s.energyLog, format+"\n", args...); err != nil {
		s.logger.Warnw("writing energy log", "error", err)
	}
}
