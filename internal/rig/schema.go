package rig

import (
	"fmt"
)

// Schema is the immutable layout of training and predicted records.
//
// A training record is the input blocks followed by the target blocks, in
// declared order. A predicted record is the output blocks in declared order.
// Every offset is the running sum of the widths before it.
type Schema struct {
	profile string
	inputs  []DataBlock
	targets []DataBlock
	outputs []DataBlock

	record   []Field
	output   []Field
	byRecord map[string]Field
	byOutput map[string]Field

	inputSize  int
	targetSize int
	outputSize int
}

// NewSchema validates the block lists and derives the record layouts
func NewSchema(profile string, inputs, targets, outputs []DataBlock) (*Schema, error) {
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: profile %q declares no outputs", ErrInvalidSchema, profile)
	}

	s := &Schema{
		profile:  profile,
		inputs:   withRole(inputs, RoleInput),
		targets:  withRole(targets, RoleTarget),
		outputs:  withRole(outputs, RoleOutput),
		byRecord: make(map[string]Field),
		byOutput: make(map[string]Field),
	}

	offset := 0
	for _, group := range [][]DataBlock{s.inputs, s.targets} {
		for _, b := range group {
			f, err := layout(b, offset, s.byRecord)
			if err != nil {
				return nil, err
			}
			s.record = append(s.record, f)
			s.byRecord[b.Name] = f
			offset += f.Width
			if b.Role == RoleInput {
				s.inputSize += f.Width
			} else {
				s.targetSize += f.Width
			}
		}
	}

	offset = 0
	for _, b := range s.outputs {
		f, err := layout(b, offset, s.byOutput)
		if err != nil {
			return nil, err
		}
		s.output = append(s.output, f)
		s.byOutput[b.Name] = f
		offset += f.Width
		s.outputSize += f.Width
	}

	return s, nil
}

func withRole(blocks []DataBlock, role Role) []DataBlock {
	out := make([]DataBlock, len(blocks))
	for i, b := range blocks {
		b.Role = role
		out[i] = b
	}
	return out
}

func layout(b DataBlock, offset int, seen map[string]Field) (Field, error) {
	if b.FloatCount <= 0 {
		return Field{}, fmt.Errorf("%w: block %q has float count %d", ErrInvalidSchema, b.Name, b.FloatCount)
	}
	if b.Name == "" {
		return Field{}, fmt.Errorf("%w: %s block at offset %d has no name", ErrInvalidSchema, b.Role, offset)
	}
	if _, dup := seen[b.Name]; dup {
		return Field{}, fmt.Errorf("%w: duplicate block %q", ErrInvalidSchema, b.Name)
	}
	return Field{Name: b.Name, Role: b.Role, Offset: offset, Width: int(b.FloatCount)}, nil
}

// ProfileName returns the descriptor name the schema was built from
func (s *Schema) ProfileName() string { return s.profile }

// RequiredInputSize is the summed width of the input blocks
func (s *Schema) RequiredInputSize() int { return s.inputSize }

// RequiredTargetSize is the summed width of the target blocks
func (s *Schema) RequiredTargetSize() int { return s.targetSize }

// RequiredOutputSize is the summed width of the output blocks
func (s *Schema) RequiredOutputSize() int { return s.outputSize }

// RecordSize is the width of one training record (inputs then targets)
func (s *Schema) RecordSize() int { return s.inputSize + s.targetSize }

// RecordField looks up an input or target block in the training record
func (s *Schema) RecordField(name string) (Field, bool) {
	f, ok := s.byRecord[name]
	return f, ok
}

// OutputField looks up a block in the predicted record
func (s *Schema) OutputField(name string) (Field, bool) {
	f, ok := s.byOutput[name]
	return f, ok
}

// Fields returns the training record layout in order
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.record))
	copy(out, s.record)
	return out
}

// OutputFields returns the predicted record layout in order
func (s *Schema) OutputFields() []Field {
	out := make([]Field, len(s.output))
	copy(out, s.output)
	return out
}
