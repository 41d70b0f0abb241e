package learner

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/rafaelvaloto/Neura-Rig/internal/autograd"
)

// MLP is a fully connected network: ReLU hidden layers and a linear output,
// trained with Adam under a global gradient-norm clip.
type MLP struct {
	cfg    Config
	layers []*autograd.Linear
	params []*autograd.Vec
	opt    *autograd.Adam

	lastGradNorm float64
}

// NewMLP builds and randomly initializes the network
func NewMLP(cfg Config) (*MLP, error) {
	cfg.applyDefaults()
	if cfg.InputSize <= 0 || cfg.OutputSize <= 0 {
		return nil, fmt.Errorf("learner: invalid sizes in=%d out=%d", cfg.InputSize, cfg.OutputSize)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	m := &MLP{cfg: cfg, opt: autograd.NewAdam(cfg.LearningRate)}

	in := cfg.InputSize
	for i := 0; i < cfg.HiddenLayers; i++ {
		m.layers = append(m.layers, autograd.NewLinear(cfg.HiddenSize, in, math.Sqrt(2/float64(in)), rng))
		in = cfg.HiddenSize
	}
	m.layers = append(m.layers, autograd.NewLinear(cfg.OutputSize, in, math.Sqrt(1/float64(in)), rng))

	for _, l := range m.layers {
		m.params = append(m.params, l.Params()...)
	}
	return m, nil
}

func (m *MLP) Forward(batch [][]float64) ([]*autograd.Vec, error) {
	if err := checkBatch(batch, m.cfg.InputSize); err != nil {
		return nil, err
	}

	out := make([]*autograd.Vec, len(batch))
	last := len(m.layers) - 1
	for r, row := range batch {
		x := autograd.Const(row)
		for i, l := range m.layers {
			x = l.Forward(x)
			if i < last {
				x = x.ReLU()
			}
		}
		out[r] = x
	}
	return out, nil
}

func (m *MLP) Update(loss *autograd.Scalar) error {
	if loss == nil {
		return ErrNilLoss
	}

	autograd.Backward(loss)
	norm := autograd.ClipGradNorm(m.params, m.cfg.MaxGradNorm)
	m.lastGradNorm = norm
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		for _, p := range m.params {
			p.ZeroGrad()
		}
		return ErrNonFiniteGradient
	}

	m.opt.Step(m.params)
	return nil
}

// LastGradNorm returns the pre-clip gradient norm of the latest update
func (m *MLP) LastGradNorm() float64 { return m.lastGradNorm }

// Config returns the effective configuration
func (m *MLP) Config() Config { return m.cfg }
