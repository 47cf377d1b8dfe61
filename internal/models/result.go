package models

import (
	"encoding/json"
	"io"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"cuboidfit/pkg/cuboid"
	"cuboidfit/pkg/optimizer"
)

// FittedBox is one cuboid of a Result.
type FittedBox struct {
	Box
	Center            [3]float64 `json:"center"`
	Size              [3]float64 `json:"size"`
	AxisConfiguration int        `json:"axisConfiguration"`
	NumSamplePoints   int        `json:"numSamplePoints"`
}

// Result is the output document of a fitting run.
type Result struct {
	RunID        string      `json:"runId"`
	Cuboids      []FittedBox `json:"cuboids"`
	Baseline     float64     `json:"baselineEnergy"`
	Final        float64     `json:"finalEnergy"`
	StopReason   string      `json:"stopReason"`
	Unassigned   int         `json:"unassignedPoints"`
	Recognition  float64     `json:"recognitionEnergy"`
	Segmentation float64     `json:"segmentationEnergy"`
}

// NewResult summarizes a finished session.
func NewResult(session *optimizer.Session, run optimizer.RunResult) *Result {
	structure := session.Structure()
	result := &Result{
		RunID:        session.RunID().String(),
		Baseline:     run.Attributes.Baseline.Total,
		Final:        run.Attributes.Final.Total,
		StopReason:   string(run.Attributes.Reason),
		Unassigned:   run.Segmentation.Unassigned,
		Recognition:  run.Recognition.OutputEnergy,
		Segmentation: run.Segmentation.Energy,
	}
	for _, c := range structure.AllCuboids() {
		result.Cuboids = append(result.Cuboids, fittedBox(structure.Labels[c.LabelIndex()], c))
	}
	return result
}

func fittedBox(label string, c *cuboid.Cuboid) FittedBox {
	box := FittedBox{
		Box:               Box{Label: label},
		Center:            array(c.Center()),
		Size:              array(c.Size()),
		AxisConfiguration: c.AxisConfiguration(),
		NumSamplePoints:   c.NumSamplePoints(),
	}
	for k, p := range c.Corners() {
		box.Corners[k] = array(p)
	}
	return box
}

// Write encodes the result as indented JSON.
func (r *Result) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(r), "encoding result")
}

func array(v r3.Vector) [3]float64 {
	return [3]float64{v.X, v.Y, v.Z}
}
