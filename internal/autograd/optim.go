package autograd

import "math"

// GradNorm returns the global L2 norm of the gradients in params.
func GradNorm(params []*Vec) float64 {
	sq := 0.0
	for _, p := range params {
		for _, g := range p.Grad {
			sq += g * g
		}
	}
	return math.Sqrt(sq)
}

// ClipGradNorm rescales all gradients so their global norm is at most
// maxNorm. It returns the norm before clipping. maxNorm <= 0 disables it.
func ClipGradNorm(params []*Vec, maxNorm float64) float64 {
	norm := GradNorm(params)
	if maxNorm <= 0 || norm <= maxNorm || math.IsNaN(norm) {
		return norm
	}
	scale := maxNorm / (norm + 1e-6)
	for _, p := range params {
		for j := range p.Grad {
			p.Grad[j] *= scale
		}
	}
	return norm
}

// Adam holds optimizer hyperparameters and per-parameter moments.
type Adam struct {
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64

	M [][]float64
	V [][]float64
	T int
}

func NewAdam(lr float64) *Adam {
	return &Adam{LR: lr, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
}

func (o *Adam) ensure(params []*Vec) {
	if len(o.M) == len(params) {
		return
	}
	o.M = make([][]float64, len(params))
	o.V = make([][]float64, len(params))
	for i, p := range params {
		o.M[i] = make([]float64, len(p.Data))
		o.V[i] = make([]float64, len(p.Data))
	}
	o.T = 0
}

// Step applies one bias-corrected Adam update and zeroes the gradients.
func (o *Adam) Step(params []*Vec) {
	o.ensure(params)
	o.T++
	b1Corr := 1.0 - math.Pow(o.Beta1, float64(o.T))
	b2Corr := 1.0 - math.Pow(o.Beta2, float64(o.T))

	for i, p := range params {
		mi := o.M[i]
		vi := o.V[i]
		for j := 0; j < len(p.Data); j++ {
			g := p.Grad[j]
			mi[j] = o.Beta1*mi[j] + (1-o.Beta1)*g
			vi[j] = o.Beta2*vi[j] + (1-o.Beta2)*(g*g)
			mhat := mi[j] / b1Corr
			vhat := vi[j] / b2Corr
			p.Data[j] -= o.LR * mhat / (math.Sqrt(vhat) + o.Eps)
			p.Grad[j] = 0.0
		}
	}
}
