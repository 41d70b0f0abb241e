// Package learner holds the trainable function approximators that map a
// training record to predicted joint rotations.
package learner

import (
	"errors"
	"fmt"

	"github.com/rafaelvaloto/Neura-Rig/internal/autograd"
)

var (
	ErrInputWidth          = errors.New("learner: input width mismatch")
	ErrNilLoss             = errors.New("learner: nil loss")
	ErrNonFiniteGradient   = errors.New("learner: non-finite gradient, update skipped")
	ErrIncompatibleWeights = errors.New("learner: weights file does not match network shape")
)

// Learner maps records to predictions and learns from a scalar loss whose
// graph reaches back to the vectors returned by Forward.
type Learner interface {
	// Forward runs every row of batch through the network.
	Forward(batch [][]float64) ([]*autograd.Vec, error)
	// Update back-propagates loss and takes one optimizer step.
	Update(loss *autograd.Scalar) error
	Save(path string) error
	Load(path string) error
}

// Backend names
const (
	BackendNative = "native"
	BackendLoom   = "loom"
)

// Config sizes a learner and its optimizer
type Config struct {
	Backend      string
	InputSize    int
	OutputSize   int
	HiddenSize   int
	HiddenLayers int
	LearningRate float64
	MaxGradNorm  float64
	Seed         int64
}

func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendNative
	}
	if c.HiddenSize <= 0 {
		c.HiddenSize = 64
	}
	if c.HiddenLayers <= 0 {
		c.HiddenLayers = 2
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 1e-4
	}
	if c.MaxGradNorm == 0 {
		c.MaxGradNorm = 1.0
	}
}

// New builds the learner selected by cfg.Backend
func New(cfg Config) (Learner, error) {
	cfg.applyDefaults()
	if cfg.InputSize <= 0 || cfg.OutputSize <= 0 {
		return nil, fmt.Errorf("learner: invalid sizes in=%d out=%d", cfg.InputSize, cfg.OutputSize)
	}

	switch cfg.Backend {
	case BackendNative:
		return NewMLP(cfg)
	case BackendLoom:
		return NewLoom(cfg)
	default:
		return nil, fmt.Errorf("learner: unknown backend %q", cfg.Backend)
	}
}

func checkBatch(batch [][]float64, width int) error {
	for i, row := range batch {
		if len(row) != width {
			return fmt.Errorf("%w: row %d has %d values, need %d", ErrInputWidth, i, len(row), width)
		}
	}
	return nil
}
