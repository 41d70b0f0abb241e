package rig

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const unifiedJSON = `{
  "profile_name": "Foot_IK",
  "inputs": [
    {"name": "PelvisPosition", "float_count": 3},
    {"name": "HasHitR", "float_count": 1, "is_target": true},
    {"name": "HipOffsetR", "float_count": 3},
    {"name": "FootTargetR", "float_count": 3, "is_target": true}
  ],
  "outputs": [
    {"name": "ThighRotationR", "float_count": 4}
  ]
}`

const categorizedYAML = `
profile_name: Foot_IK
inputs:
  - {name: PelvisPosition, float_count: 3}
  - {name: HipOffsetR, float_count: 3}
targets:
  - {name: HasHitR, float_count: 1}
  - {name: FootTargetR, float_count: 3}
outputs:
  - {name: ThighRotationR, float_count: 4}
`

// TestProfileForms verifies both descriptor forms produce the same layout.
func TestProfileForms(t *testing.T) {
	for name, doc := range map[string]string{"unified": unifiedJSON, "categorized": categorizedYAML} {
		t.Run(name, func(t *testing.T) {
			p, err := ParseProfile([]byte(doc))
			if err != nil {
				t.Fatalf("ParseProfile failed: %v", err)
			}
			s, err := p.Schema()
			if err != nil {
				t.Fatalf("Schema failed: %v", err)
			}

			if s.RequiredInputSize() != 6 || s.RequiredTargetSize() != 4 || s.RequiredOutputSize() != 4 {
				t.Errorf("Unexpected sizes in=%d target=%d out=%d",
					s.RequiredInputSize(), s.RequiredTargetSize(), s.RequiredOutputSize())
			}

			hit, _ := s.RecordField("HasHitR")
			if hit.Offset != 6 || hit.Role != RoleTarget {
				t.Errorf("Expected HasHitR target at 6, got %+v", hit)
			}
			foot, _ := s.RecordField("FootTargetR")
			if foot.Offset != 7 {
				t.Errorf("Expected FootTargetR at 7, got %d", foot.Offset)
			}
		})
	}
}

// TestLoadProfileFile verifies loading from disk and error propagation.
func TestLoadProfileFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foot.yaml")
	if err := os.WriteFile(path, []byte(categorizedYAML), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile failed: %v", err)
	}
	if p.Name != "Foot_IK" {
		t.Errorf("Expected Foot_IK, got %q", p.Name)
	}

	if _, err := LoadProfile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}

	bad := []byte("profile_name: x\ninputs:\n  - {name: a, float_count: 0}\noutputs:\n  - {name: o, float_count: 1}\n")
	p, err = ParseProfile(bad)
	if err != nil {
		t.Fatalf("ParseProfile failed: %v", err)
	}
	if _, err := p.Schema(); !errors.Is(err, ErrInvalidSchema) {
		t.Errorf("Expected ErrInvalidSchema, got %v", err)
	}
}
