package learner

import (
	"fmt"
	"math"

	"github.com/openfluke/loom/nn"

	"github.com/rafaelvaloto/Neura-Rig/internal/autograd"
)

const loomModelID = "neurarig"

// Loom adapts a loom dense network to the Learner contract.
//
// Forward wraps each network output in an autograd leaf. Update pulls the
// loss gradient back to those leaves and runs one loom backward pass per
// record, summing the layer gradients. The sum is clipped by its global norm
// and applied in a single AdamW step.
type Loom struct {
	cfg Config
	net *nn.Network

	inputs   [][]float32
	outputs  []*autograd.Vec
	lastNorm float64
}

// NewLoom builds a LeakyReLU network with a Tanh output layer, which keeps
// every predicted quaternion component in [-1, 1]
func NewLoom(cfg Config) (*Loom, error) {
	cfg.applyDefaults()
	if cfg.InputSize <= 0 || cfg.OutputSize <= 0 {
		return nil, fmt.Errorf("learner: invalid sizes in=%d out=%d", cfg.InputSize, cfg.OutputSize)
	}
	return &Loom{cfg: cfg, net: buildLoomNetwork(cfg)}, nil
}

func buildLoomNetwork(cfg Config) *nn.Network {
	net := nn.NewNetwork(cfg.InputSize, 1, 1, cfg.HiddenLayers+1)
	net.BatchSize = 1

	in := cfg.InputSize
	for i := 0; i < cfg.HiddenLayers; i++ {
		net.SetLayer(0, 0, i, nn.InitDenseLayer(in, cfg.HiddenSize, nn.ActivationLeakyReLU))
		in = cfg.HiddenSize
	}
	net.SetLayer(0, 0, cfg.HiddenLayers, nn.InitDenseLayer(in, cfg.OutputSize, nn.ActivationTanh))
	net.SetOptimizer(newLoomOptimizer())
	return net
}

// Same moments as the native Adam, no decoupled weight decay
func newLoomOptimizer() nn.Optimizer {
	return nn.NewAdamWOptimizer(0.9, 0.999, 1e-8, 0)
}

func (l *Loom) Forward(batch [][]float64) ([]*autograd.Vec, error) {
	if err := checkBatch(batch, l.cfg.InputSize); err != nil {
		return nil, err
	}

	l.inputs = l.inputs[:0]
	l.outputs = l.outputs[:0]
	for _, row := range batch {
		in := make([]float32, len(row))
		for i, v := range row {
			in[i] = float32(v)
		}
		raw, _ := l.net.ForwardCPU(in)
		if len(raw) != l.cfg.OutputSize {
			return nil, fmt.Errorf("learner: loom produced %d outputs, need %d", len(raw), l.cfg.OutputSize)
		}
		out := make([]float64, len(raw))
		for i, v := range raw {
			out[i] = float64(v)
		}
		l.inputs = append(l.inputs, in)
		l.outputs = append(l.outputs, autograd.NewVec(out))
	}

	res := make([]*autograd.Vec, len(l.outputs))
	copy(res, l.outputs)
	return res, nil
}

func (l *Loom) Update(loss *autograd.Scalar) error {
	if loss == nil {
		return ErrNilLoss
	}
	if len(l.outputs) == 0 {
		return fmt.Errorf("learner: update without a forward pass")
	}

	autograd.Backward(loss)

	layers := l.net.TotalLayers()
	kernels := make([][]float32, layers)
	biases := make([][]float32, layers)
	for r, out := range l.outputs {
		grad := make([]float32, len(out.Grad))
		for i, g := range out.Grad {
			grad[i] = float32(g)
		}
		// loom keeps activations from the last forward pass only
		l.net.ForwardCPU(l.inputs[r])
		l.net.BackwardCPU(grad)
		for i := 0; i < layers; i++ {
			kernels[i] = accumulate(kernels[i], l.net.GetKernelGradients(i))
			biases[i] = accumulate(biases[i], l.net.GetBiasGradients(i))
		}
	}
	l.inputs = l.inputs[:0]
	l.outputs = l.outputs[:0]

	var sq float64
	for i := 0; i < layers; i++ {
		sq += sumSquares(kernels[i]) + sumSquares(biases[i])
	}
	norm := math.Sqrt(sq)
	l.lastNorm = norm
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return ErrNonFiniteGradient
	}
	scale := float32(1)
	if l.cfg.MaxGradNorm > 0 && norm > l.cfg.MaxGradNorm {
		scale = float32(l.cfg.MaxGradNorm / (norm + 1e-6))
	}

	// The network's gradient buffers still hold the last record's slices;
	// overwrite them in place with the clipped batch sum.
	for i := 0; i < layers; i++ {
		store(l.net.GetKernelGradients(i), kernels[i], scale)
		store(l.net.GetBiasGradients(i), biases[i], scale)
	}
	l.net.ApplyGradients(float32(l.cfg.LearningRate))
	return nil
}

// LastGradNorm returns the pre-clip gradient norm of the latest update
func (l *Loom) LastGradNorm() float64 { return l.lastNorm }

func accumulate(sum, g []float32) []float32 {
	if len(g) == 0 {
		return sum
	}
	if sum == nil {
		sum = make([]float32, len(g))
	}
	for i, v := range g {
		sum[i] += v
	}
	return sum
}

func store(dst, src []float32, scale float32) {
	for i := range dst {
		if i < len(src) {
			dst[i] = src[i] * scale
		}
	}
}

func sumSquares(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return s
}

// Save writes loom's JSON model file
func (l *Loom) Save(path string) error {
	if err := l.net.SaveModel(path, loomModelID); err != nil {
		return fmt.Errorf("failed to save loom model: %w", err)
	}
	return nil
}

// Load replaces the network with the model stored at path
func (l *Loom) Load(path string) error {
	net, err := nn.LoadModel(path, loomModelID)
	if err != nil {
		return fmt.Errorf("failed to load loom model: %w", err)
	}
	in, out := loomShape(net)
	if in != l.cfg.InputSize || out != l.cfg.OutputSize {
		return fmt.Errorf("%w: model %dx%d, network %dx%d", ErrIncompatibleWeights,
			in, out, l.cfg.InputSize, l.cfg.OutputSize)
	}
	// A deserialized network reports its batch size as InputSize
	net.InputSize = in
	net.BatchSize = 1
	net.SetOptimizer(newLoomOptimizer())
	l.net = net
	return nil
}

// loomShape reads the input width of the first dense layer and the output
// width of the last one
func loomShape(net *nn.Network) (in, out int) {
	total := net.TotalLayers()
	if total == 0 || len(net.Layers) < total {
		return 0, 0
	}
	first, last := net.Layers[0], net.Layers[total-1]
	if first.Type != nn.LayerDense || last.Type != nn.LayerDense {
		return 0, 0
	}
	return first.InputHeight, last.OutputHeight
}
