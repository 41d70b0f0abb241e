// Package solver answers pose queries with a trained learner.
package solver

import (
	"fmt"

	"github.com/rafaelvaloto/Neura-Rig/internal/learner"
	"github.com/rafaelvaloto/Neura-Rig/internal/rig"
	"github.com/rafaelvaloto/Neura-Rig/internal/training"
)

// Prediction is one predicted record, flat and split by output block
type Prediction struct {
	Flat   []float64
	Blocks map[string][]float64
}

// Solver runs inference. It never updates the learner.
type Solver struct {
	learner learner.Learner
	schema  *rig.Schema
}

func New(l learner.Learner, schema *rig.Schema) *Solver {
	return &Solver{learner: l, schema: schema}
}

// Solve predicts every record in floats. Records use the training layout;
// floats must hold a whole number of them.
func (s *Solver) Solve(floats []float64) ([]Prediction, error) {
	records, err := training.SplitRecords(floats, s.schema.RecordSize())
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	outs, err := s.learner.Forward(records)
	if err != nil {
		return nil, fmt.Errorf("forward failed: %w", err)
	}

	fields := s.schema.OutputFields()
	preds := make([]Prediction, len(outs))
	for i, out := range outs {
		if out.Len() != s.schema.RequiredOutputSize() {
			return nil, fmt.Errorf("solver: prediction %d has %d floats, need %d",
				i, out.Len(), s.schema.RequiredOutputSize())
		}
		flat := make([]float64, out.Len())
		copy(flat, out.Data)

		blocks := make(map[string][]float64, len(fields))
		for _, f := range fields {
			blocks[f.Name] = f.Slice(flat)
		}
		preds[i] = Prediction{Flat: flat, Blocks: blocks}
	}
	return preds, nil
}

// Flatten concatenates predictions in order, ready for the wire
func Flatten(preds []Prediction) []float64 {
	n := 0
	for _, p := range preds {
		n += len(p.Flat)
	}
	out := make([]float64, 0, n)
	for _, p := range preds {
		out = append(out, p.Flat...)
	}
	return out
}
