package learner

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/rafaelvaloto/Neura-Rig/internal/kinematics"
	"github.com/rafaelvaloto/Neura-Rig/internal/loss"
	"github.com/rafaelvaloto/Neura-Rig/internal/rig"
)

func footIKBuilder(t *testing.T) *loss.Builder {
	t.Helper()
	s, err := rig.FootIK().Schema()
	if err != nil {
		t.Fatalf("Schema failed: %v", err)
	}
	b, err := loss.NewBuilder(s, loss.DefaultOptions())
	if err != nil {
		t.Fatalf("NewBuilder failed: %v", err)
	}
	return b
}

// reachableRecord places both foot targets where a known pose puts the feet.
func reachableRecord(t *testing.T, b *loss.Builder) []float64 {
	t.Helper()
	s := b.Schema()
	rec := make([]float64, s.RecordSize())
	set := func(name string, v ...float64) {
		f, ok := s.RecordField(name)
		if !ok {
			t.Fatalf("Unknown field %s", name)
		}
		copy(f.Slice(rec), v)
	}

	thigh := kinematics.FromAxisAngle(kinematics.Vector3{Y: 1}, 0.6)
	calf := kinematics.FromAxisAngle(kinematics.Vector3{Z: 1}, -0.4)
	for _, lo := range loss.DefaultOptions().Limbs {
		hip := kinematics.Vector3{X: 12 * lo.BoneAxis.X}
		res := kinematics.Chain(kinematics.ChainDescriptor{
			HipOffset:   hip,
			BoneLength1: lo.BoneLength1,
			BoneLength2: lo.BoneLength2,
			BoneAxis:    lo.BoneAxis,
		}, thigh, calf)
		set(lo.HipOffset, hip.Slice()...)
		set(lo.Contact, 1)
		set(lo.FootTarget, res.Foot.Slice()...)
	}
	set("PelvisRotation", 0, 0, 0, 1)
	return rec
}

func trainStep(t *testing.T, l Learner, b *loss.Builder, rec []float64) float64 {
	t.Helper()
	preds, err := l.Forward([][]float64{rec})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	total, res, err := b.BuildBatch([][]float64{rec}, preds)
	if err != nil {
		t.Fatalf("BuildBatch failed: %v", err)
	}
	if err := l.Update(total); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	return res.Total
}

// TestMLPReducesLoss verifies training on the kinematic loss makes progress.
func TestMLPReducesLoss(t *testing.T) {
	b := footIKBuilder(t)
	rec := reachableRecord(t, b)

	m, err := NewMLP(Config{
		InputSize:    b.Schema().RecordSize(),
		OutputSize:   b.Schema().RequiredOutputSize(),
		LearningRate: 1e-2,
		Seed:         1,
	})
	if err != nil {
		t.Fatalf("NewMLP failed: %v", err)
	}

	first := trainStep(t, m, b, rec)
	last := first
	for i := 0; i < 300; i++ {
		last = trainStep(t, m, b, rec)
	}
	if !(last < first*0.5) {
		t.Errorf("Expected loss to halve: first=%v last=%v", first, last)
	}
	if n := m.LastGradNorm(); math.IsNaN(n) {
		t.Error("Gradient norm is NaN")
	}
}

// TestMLPSaveLoad verifies a saved network reproduces its predictions.
func TestMLPSaveLoad(t *testing.T) {
	cfg := Config{InputSize: 5, OutputSize: 4, HiddenSize: 8, Seed: 3}
	a, err := NewMLP(cfg)
	if err != nil {
		t.Fatalf("NewMLP failed: %v", err)
	}

	x := [][]float64{{0.1, -0.2, 0.3, 0.4, -0.5}}
	want, _ := a.Forward(x)
	if err := a.Update(want[0].Sum()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	want, _ = a.Forward(x)

	path := filepath.Join(t.TempDir(), "rig_model.msgpack")
	if err := a.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	cfg.Seed = 99
	b, err := NewMLP(cfg)
	if err != nil {
		t.Fatalf("NewMLP failed: %v", err)
	}
	if err := b.Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got, _ := b.Forward(x)

	for i := range want[0].Data {
		if got[0].Data[i] != want[0].Data[i] {
			t.Errorf("Output %d: expected %v, got %v", i, want[0].Data[i], got[0].Data[i])
		}
	}
	if b.opt.T != a.opt.T {
		t.Errorf("Expected Adam step %d, got %d", a.opt.T, b.opt.T)
	}
}

// TestMLPLoadIncompatible verifies shape mismatches are rejected.
func TestMLPLoadIncompatible(t *testing.T) {
	a, _ := NewMLP(Config{InputSize: 5, OutputSize: 4, HiddenSize: 8})
	path := filepath.Join(t.TempDir(), "w.msgpack")
	if err := a.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	b, _ := NewMLP(Config{InputSize: 6, OutputSize: 4, HiddenSize: 8})
	if err := b.Load(path); !errors.Is(err, ErrIncompatibleWeights) {
		t.Errorf("Expected ErrIncompatibleWeights, got %v", err)
	}
}

// TestForwardInputWidth verifies rows of the wrong width are rejected.
func TestForwardInputWidth(t *testing.T) {
	m, _ := NewMLP(Config{InputSize: 3, OutputSize: 2})
	if _, err := m.Forward([][]float64{{1, 2}}); !errors.Is(err, ErrInputWidth) {
		t.Errorf("Expected ErrInputWidth, got %v", err)
	}
	if err := m.Update(nil); !errors.Is(err, ErrNilLoss) {
		t.Errorf("Expected ErrNilLoss, got %v", err)
	}
}

// TestNewBackends verifies the factory honors the backend name.
func TestNewBackends(t *testing.T) {
	l, err := New(Config{InputSize: 4, OutputSize: 4})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := l.(*MLP); !ok {
		t.Errorf("Expected default backend to be *MLP, got %T", l)
	}

	if _, err := New(Config{Backend: "torch", InputSize: 4, OutputSize: 4}); err == nil {
		t.Error("Expected error for unknown backend")
	}
	if _, err := New(Config{InputSize: 0, OutputSize: 4}); err == nil {
		t.Error("Expected error for zero input size")
	}
}

// TestLoomForwardShape verifies the loom adapter returns one bounded
// prediction per row.
func TestLoomForwardShape(t *testing.T) {
	l, err := NewLoom(Config{InputSize: 6, OutputSize: 8, HiddenSize: 16})
	if err != nil {
		t.Fatalf("NewLoom failed: %v", err)
	}

	preds, err := l.Forward([][]float64{{1, 0, 0, 0, 0, 1}, {0, 1, 0, 1, 0, 0}})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if len(preds) != 2 {
		t.Fatalf("Expected 2 predictions, got %d", len(preds))
	}
	for _, p := range preds {
		if p.Len() != 8 {
			t.Errorf("Expected 8 outputs, got %d", p.Len())
		}
		for _, v := range p.Data {
			if v < -1 || v > 1 {
				t.Errorf("Expected tanh-bounded output, got %v", v)
			}
		}
	}
}

// TestLoomReducesLoss verifies the loom backend trains on the kinematic loss
// with one clipped step per batch.
func TestLoomReducesLoss(t *testing.T) {
	b := footIKBuilder(t)
	rec := reachableRecord(t, b)

	l, err := NewLoom(Config{
		InputSize:    b.Schema().RecordSize(),
		OutputSize:   b.Schema().RequiredOutputSize(),
		HiddenSize:   32,
		LearningRate: 1e-2,
	})
	if err != nil {
		t.Fatalf("NewLoom failed: %v", err)
	}

	first := trainStep(t, l, b, rec)
	last := first
	for i := 0; i < 200; i++ {
		last = trainStep(t, l, b, rec)
	}
	if !(last < first) {
		t.Errorf("Expected loss to drop: first=%v last=%v", first, last)
	}
	if n := l.LastGradNorm(); math.IsNaN(n) || n <= 0 {
		t.Errorf("Expected a finite positive gradient norm, got %v", n)
	}
}

// TestLoomUpdateIsOneStep verifies a two-record batch moves the optimizer
// once and consumes the cached forward pass.
func TestLoomUpdateIsOneStep(t *testing.T) {
	l, err := NewLoom(Config{InputSize: 3, OutputSize: 2, HiddenSize: 4, HiddenLayers: 1})
	if err != nil {
		t.Fatalf("NewLoom failed: %v", err)
	}

	preds, err := l.Forward([][]float64{{1, 0, 0}, {0, 1, 0}})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	total := preds[0].Sum().AddS(preds[1].Sum())
	if err := l.Update(total); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	state := l.net.GetOptimizer().GetState()
	if step, _ := state["step"].(int); step != 1 {
		t.Errorf("Expected 1 optimizer step, got %v", state["step"])
	}
	if err := l.Update(total); err == nil {
		t.Error("Expected error for update without a forward pass")
	}
}

// TestLoomSaveLoad verifies a saved loom model reproduces its predictions.
func TestLoomSaveLoad(t *testing.T) {
	cfg := Config{InputSize: 5, OutputSize: 4, HiddenSize: 8}
	a, err := NewLoom(cfg)
	if err != nil {
		t.Fatalf("NewLoom failed: %v", err)
	}

	x := [][]float64{{0.1, -0.2, 0.3, 0.4, -0.5}}
	want, _ := a.Forward(x)
	if err := a.Update(want[0].Sum()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	want, _ = a.Forward(x)

	path := filepath.Join(t.TempDir(), "rig_model.json")
	if err := a.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	b, err := NewLoom(cfg)
	if err != nil {
		t.Fatalf("NewLoom failed: %v", err)
	}
	if err := b.Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got, err := b.Forward(x)
	if err != nil {
		t.Fatalf("Forward after Load failed: %v", err)
	}
	for i := range want[0].Data {
		if math.Abs(got[0].Data[i]-want[0].Data[i]) > 1e-6 {
			t.Errorf("Output %d: expected %v, got %v", i, want[0].Data[i], got[0].Data[i])
		}
	}

	// The reloaded model keeps training with an adaptive optimizer
	if err := b.Update(got[0].Sum()); err != nil {
		t.Fatalf("Update after Load failed: %v", err)
	}
	if b.net.GetOptimizer() == nil {
		t.Error("Expected an optimizer after Load")
	}
}

// TestLoomLoadIncompatible verifies input and output width mismatches are
// rejected at load time.
func TestLoomLoadIncompatible(t *testing.T) {
	a, _ := NewLoom(Config{InputSize: 5, OutputSize: 4, HiddenSize: 8})
	path := filepath.Join(t.TempDir(), "w.json")
	if err := a.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	for _, cfg := range []Config{
		{InputSize: 5, OutputSize: 3, HiddenSize: 8},
		{InputSize: 6, OutputSize: 4, HiddenSize: 8},
	} {
		b, _ := NewLoom(cfg)
		if err := b.Load(path); !errors.Is(err, ErrIncompatibleWeights) {
			t.Errorf("%dx%d: expected ErrIncompatibleWeights, got %v", cfg.InputSize, cfg.OutputSize, err)
		}
	}
}
