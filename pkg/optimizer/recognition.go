package optimizer

import (
	"github.com/pkg/errors"

	"cuboidfit/pkg/mrf"
	"cuboidfit/pkg/potential"
)

// RecognitionResult is the outcome of RecognizeLabelsAndAxes.
type RecognitionResult struct {
	Cases        []int // chosen case per cuboid, see potential.CaseIndex
	InputEnergy  float64
	OutputEnergy float64
	LowerBound   float64
	Applied      bool // false when the input assignment was kept
}

// RecognizeLabelsAndAxes jointly picks a label and an axis configuration for
// every cuboid. The minimizer's assignment is applied unless the input
// assignment scores lower.
func (s *Session) RecognizeLabelsAndAxes() (RecognitionResult, error) {
	cuboids := s.structure.AllCuboids()
	numLabels := s.structure.NumLabels()
	if len(cuboids) == 0 || numLabels == 0 {
		return RecognitionResult{}, nil
	}
	axes := s.params.AxisConfigurations

	energy, arena, err := potential.LabelAxisPotentials(numLabels, cuboids, s.predictor,
		potential.LabelAxisOptions{AxisConfigurations: axes, Workers: s.params.NumWorkers})
	if err != nil {
		return RecognitionResult{}, err
	}

	input := make([]int, len(cuboids))
	for i, c := range cuboids {
		axis := c.AxisConfiguration()
		if axis >= axes {
			// Scored as configuration 0 when the current one is not tried.
			axis = 0
		}
		input[i] = potential.CaseIndex(c.LabelIndex(), axis, axes)
	}
	inputEnergy, err := energy.Evaluate(input)
	if err != nil {
		return RecognitionResult{}, err
	}

	solved, err := s.minimizer.Minimize(energy.Model(), s.params.MRFIterations)
	if err != nil {
		return RecognitionResult{}, errors.Wrap(err, "minimizing recognition energy")
	}
	outputEnergy, err := energy.Evaluate(solved.Labels)
	if err != nil {
		return RecognitionResult{}, err
	}
	if err := mrf.CheckEnergy(solved.Energy, outputEnergy, s.params.EnergyTolerance); err != nil {
		return RecognitionResult{}, errors.Wrap(err, "recognition")
	}

	s.logf("Input assignment energy: %f", inputEnergy)
	s.logf("Output assignment energy: %f", outputEnergy)
	s.logger.Infow("recognized labels and axes", "input", inputEnergy, "output", outputEnergy,
		"lowerBound", solved.LowerBound, "iterations", solved.Iterations)

	result := RecognitionResult{
		Cases:        solved.Labels,
		InputEnergy:  inputEnergy,
		OutputEnergy: outputEnergy,
		LowerBound:   solved.LowerBound,
	}
	if inputEnergy < outputEnergy {
		result.Cases = input
		return result, nil
	}

	for i, c := range cuboids {
		chosen := arena.At(i, solved.Labels[i])
		c.SetLabelIndex(chosen.Label)
		if err := c.SetAxisConfiguration(chosen.Axis); err != nil {
			return RecognitionResult{}, err
		}
	}
	if err := s.structure.SetCuboids(cuboids); err != nil {
		return RecognitionResult{}, err
	}
	result.Applied = true
	return result, nil
}

// SegmentationResult is the outcome of SegmentSamplePoints.
type SegmentationResult struct {
	Assignment []int // cuboid per sample point in AllCuboids order, -1 for none
	Energy     float64
	LowerBound float64
	Unassigned int
}

// SegmentSamplePoints reassigns the sample points to the cuboids, or to no
// cuboid at all, and refreshes the surface correspondences.
func (s *Session) SegmentSamplePoints() (SegmentationResult, error) {
	cuboids := s.structure.AllCuboids()
	points := s.structure.SamplePoints
	if len(cuboids) == 0 || len(points) == 0 {
		return SegmentationResult{}, nil
	}

	seg, err := potential.SegmentationPotentials(points, cuboids, potential.SegmentationOptions{
		NeighborDistance:      s.scaled(s.params.NeighborDistance),
		NumNeighbors:          s.params.NumNeighbors,
		NullCuboidProbability: s.params.NullCuboidProbability,
		NullPotential:         s.params.NullPotential,
		Workers:               s.params.NumWorkers,
	})
	if err != nil {
		return SegmentationResult{}, err
	}

	solved, err := s.minimizer.Minimize(seg.Model(), s.params.MRFIterations)
	if err != nil {
		return SegmentationResult{}, errors.Wrap(err, "minimizing segmentation energy")
	}
	energy, err := seg.Energy(solved.Labels)
	if err != nil {
		return SegmentationResult{}, err
	}
	if err := mrf.CheckEnergy(solved.Energy, energy, s.params.EnergyTolerance); err != nil {
		return SegmentationResult{}, errors.Wrap(err, "segmentation")
	}

	result := SegmentationResult{
		Assignment: make([]int, len(points)),
		Energy:     energy,
		LowerBound: solved.LowerBound,
	}
	for i, c := range solved.Labels {
		if c == seg.NullCuboid() {
			result.Assignment[i] = -1
			result.Unassigned++
			continue
		}
		result.Assignment[i] = c
	}
	if err := s.structure.AssignSamplePoints(cuboids, result.Assignment); err != nil {
		return SegmentationResult{}, err
	}

	s.logf("Segmentation energy: %f", energy)
	s.logger.Infow("segmented sample points", "points", len(points), "unassigned", result.Unassigned,
		"energy", energy, "lowerBound", solved.LowerBound)

	for _, c := range cuboids {
		if err := c.UpdatePointCorrespondences(); err != nil {
			return SegmentationResult{}, errors.Wrapf(err, "%v", c)
		}
	}
	return result, nil
}
