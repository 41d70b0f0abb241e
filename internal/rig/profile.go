package rig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BlockSpec is one block as written in a profile descriptor
type BlockSpec struct {
	Name       string `yaml:"name"`
	FloatCount int32  `yaml:"float_count"`
	IsTarget   bool   `yaml:"is_target,omitempty"`
}

// Profile is a rig profile descriptor.
//
// Two forms are accepted. The categorized form lists inputs, targets and
// outputs separately. The unified form lists only inputs and outputs and marks
// training targets among the inputs with is_target. JSON documents parse too.
type Profile struct {
	Name    string      `yaml:"profile_name"`
	Inputs  []BlockSpec `yaml:"inputs"`
	Targets []BlockSpec `yaml:"targets,omitempty"`
	Outputs []BlockSpec `yaml:"outputs"`
}

// LoadProfile reads and parses a profile descriptor file
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile parses a YAML or JSON profile descriptor
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("%w: profile_name is required", ErrInvalidSchema)
	}
	return &p, nil
}

// Schema builds the record layout described by the profile
func (p *Profile) Schema() (*Schema, error) {
	var inputs, targets []DataBlock
	for _, b := range p.Inputs {
		block := DataBlock{Name: b.Name, FloatCount: b.FloatCount}
		if b.IsTarget {
			targets = append(targets, block)
			continue
		}
		inputs = append(inputs, block)
	}
	for _, b := range p.Targets {
		targets = append(targets, DataBlock{Name: b.Name, FloatCount: b.FloatCount})
	}

	outputs := make([]DataBlock, 0, len(p.Outputs))
	for _, b := range p.Outputs {
		if b.IsTarget {
			return nil, fmt.Errorf("%w: output block %q cannot be a target", ErrInvalidSchema, b.Name)
		}
		outputs = append(outputs, DataBlock{Name: b.Name, FloatCount: b.FloatCount})
	}

	return NewSchema(p.Name, inputs, targets, outputs)
}

// FootIK returns the canonical two-leg foot IK profile
func FootIK() *Profile {
	limb := func(side string) []BlockSpec {
		return []BlockSpec{
			{Name: "HipOffset" + side, FloatCount: 3},
			{Name: "ThighRotation" + side, FloatCount: 4},
			{Name: "CalfRotation" + side, FloatCount: 4},
			{Name: "FootRotation" + side, FloatCount: 4},
		}
	}
	inputs := []BlockSpec{
		{Name: "PelvisPosition", FloatCount: 3},
		{Name: "PelvisRotation", FloatCount: 4},
	}
	inputs = append(inputs, limb("R")...)
	inputs = append(inputs, limb("L")...)

	return &Profile{
		Name:   "Foot_IK",
		Inputs: inputs,
		Targets: []BlockSpec{
			{Name: "GroundNormalR", FloatCount: 3},
			{Name: "HasHitR", FloatCount: 1},
			{Name: "GroundNormalL", FloatCount: 3},
			{Name: "HasHitL", FloatCount: 1},
			{Name: "FootTargetR", FloatCount: 3},
			{Name: "FootTargetL", FloatCount: 3},
		},
		Outputs: []BlockSpec{
			{Name: "ThighRotationR", FloatCount: 4},
			{Name: "CalfRotationR", FloatCount: 4},
			{Name: "FootRotationR", FloatCount: 4},
			{Name: "ThighRotationL", FloatCount: 4},
			{Name: "CalfRotationL", FloatCount: 4},
			{Name: "FootRotationL", FloatCount: 4},
		},
	}
}
