package autograd

import "math/rand"

// MatrixParam is a weight matrix: rows of Vecs. Shape (nout, nin).
type MatrixParam struct {
	Rows []*Vec
	Nout int
	Nin  int
}

func NewMatrixParam(nout, nin int, std float64, rng *rand.Rand) *MatrixParam {
	rows := make([]*Vec, nout)
	for i := 0; i < nout; i++ {
		d := make([]float64, nin)
		for j := 0; j < nin; j++ {
			d[j] = rng.NormFloat64() * std
		}
		rows[i] = NewVec(d)
	}
	return &MatrixParam{Rows: rows, Nout: nout, Nin: nin}
}

// Matvec computes matrix @ vector.
func (m *MatrixParam) Matvec(x *Vec) *Vec {
	nout := m.Nout
	nin := len(x.Data)
	outData := make([]float64, nout)
	for i := 0; i < nout; i++ {
		sum := 0.0
		for j := 0; j < nin; j++ {
			sum += m.Rows[i].Data[j] * x.Data[j]
		}
		outData[i] = sum
	}

	kids := make([]Node, nout+1)
	for i := 0; i < nout; i++ {
		kids[i] = m.Rows[i]
	}
	kids[nout] = x

	out := NewVec(outData)
	out.children = kids
	rowsRef := m.Rows
	out.backFn = func() {
		for i := 0; i < nout; i++ {
			g := out.Grad[i]
			for j := 0; j < nin; j++ {
				rowsRef[i].Grad[j] += g * x.Data[j]
				x.Grad[j] += g * rowsRef[i].Data[j]
			}
		}
	}
	return out
}

// Linear is an affine layer y = Wx + b.
type Linear struct {
	W *MatrixParam
	B *Vec
}

func NewLinear(nout, nin int, std float64, rng *rand.Rand) *Linear {
	return &Linear{W: NewMatrixParam(nout, nin, std, rng), B: NewVecZero(nout)}
}

func (l *Linear) Forward(x *Vec) *Vec {
	return l.W.Matvec(x).Add(l.B)
}

// Params lists the trainable vectors, weight rows first.
func (l *Linear) Params() []*Vec {
	out := make([]*Vec, 0, len(l.W.Rows)+1)
	out = append(out, l.W.Rows...)
	return append(out, l.B)
}
