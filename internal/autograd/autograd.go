// Package autograd is a small reverse-mode differentiation engine over
// vectors and scalars. Every operation records its inputs and a closure that
// pushes the output gradient back to them; Backward walks the graph in
// reverse topological order.
package autograd

import "math"

// Node is anything in the compute graph.
type Node interface {
	getChildren() []Node
	doBackward()
}

// Vec is a differentiable vector.
type Vec struct {
	Data     []float64
	Grad     []float64
	children []Node
	backFn   func()
}

func NewVec(data []float64) *Vec {
	g := make([]float64, len(data))
	return &Vec{Data: data, Grad: g}
}

func NewVecZero(n int) *Vec {
	return NewVec(make([]float64, n))
}

// Const copies data into a leaf Vec. Gradients reaching it are ignored.
func Const(data []float64) *Vec {
	d := make([]float64, len(data))
	copy(d, data)
	return NewVec(d)
}

func (v *Vec) getChildren() []Node { return v.children }
func (v *Vec) doBackward() {
	if v.backFn != nil {
		v.backFn()
	}
}

// Len returns the vector length.
func (v *Vec) Len() int { return len(v.Data) }

// ZeroGrad clears the accumulated gradient.
func (v *Vec) ZeroGrad() {
	for i := range v.Grad {
		v.Grad[i] = 0
	}
}

// Add returns a new Vec = self + other (element-wise).
func (v *Vec) Add(other *Vec) *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = v.Data[i] + other.Data[i]
	}
	out := NewVec(d)
	out.children = []Node{v, other}
	out.backFn = func() {
		for i := 0; i < n; i++ {
			v.Grad[i] += out.Grad[i]
			other.Grad[i] += out.Grad[i]
		}
	}
	return out
}

// Sub returns a new Vec = self - other.
func (v *Vec) Sub(other *Vec) *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = v.Data[i] - other.Data[i]
	}
	out := NewVec(d)
	out.children = []Node{v, other}
	out.backFn = func() {
		for i := 0; i < n; i++ {
			v.Grad[i] += out.Grad[i]
			other.Grad[i] -= out.Grad[i]
		}
	}
	return out
}

// Scale returns self * s.
func (v *Vec) Scale(s float64) *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = v.Data[i] * s
	}
	out := NewVec(d)
	out.children = []Node{v}
	out.backFn = func() {
		for i := 0; i < n; i++ {
			v.Grad[i] += s * out.Grad[i]
		}
	}
	return out
}

// ReLU applies max(0, x) element-wise.
func (v *Vec) ReLU() *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		if v.Data[i] > 0 {
			d[i] = v.Data[i]
		}
	}
	out := NewVec(d)
	out.children = []Node{v}
	vData := v.Data
	out.backFn = func() {
		for i := 0; i < n; i++ {
			if vData[i] > 0 {
				v.Grad[i] += out.Grad[i]
			}
		}
	}
	return out
}

// Abs applies |x| element-wise. The subgradient at zero is zero.
func (v *Vec) Abs() *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = math.Abs(v.Data[i])
	}
	out := NewVec(d)
	out.children = []Node{v}
	vData := v.Data
	out.backFn = func() {
		for i := 0; i < n; i++ {
			switch {
			case vData[i] > 0:
				v.Grad[i] += out.Grad[i]
			case vData[i] < 0:
				v.Grad[i] -= out.Grad[i]
			}
		}
	}
	return out
}

// Dot returns the scalar dot product of two vectors.
func (v *Vec) Dot(other *Vec) *Scalar {
	n := len(v.Data)
	val := 0.0
	for i := 0; i < n; i++ {
		val += v.Data[i] * other.Data[i]
	}
	out := &Scalar{Data: val}
	out.children = []Node{v, other}
	vData := v.Data
	oData := other.Data
	out.backFn = func() {
		for i := 0; i < n; i++ {
			v.Grad[i] += oData[i] * out.Grad
			other.Grad[i] += vData[i] * out.Grad
		}
	}
	return out
}

// Sum returns the sum of the elements.
func (v *Vec) Sum() *Scalar {
	val := 0.0
	for _, x := range v.Data {
		val += x
	}
	out := &Scalar{Data: val}
	out.children = []Node{v}
	out.backFn = func() {
		for i := range v.Grad {
			v.Grad[i] += out.Grad
		}
	}
	return out
}

// Norm returns the Euclidean length.
func (v *Vec) Norm() *Scalar {
	sq := 0.0
	for _, x := range v.Data {
		sq += x * x
	}
	n := math.Sqrt(sq)
	out := &Scalar{Data: n}
	out.children = []Node{v}
	vData := v.Data
	out.backFn = func() {
		for i := range v.Grad {
			v.Grad[i] += vData[i] / n * out.Grad
		}
	}
	return out
}

// Normalize returns self / |self|. A zero vector yields NaNs.
func (v *Vec) Normalize() *Vec {
	sq := 0.0
	for _, x := range v.Data {
		sq += x * x
	}
	n := math.Sqrt(sq)
	d := make([]float64, len(v.Data))
	for i, x := range v.Data {
		d[i] = x / n
	}
	out := NewVec(d)
	out.children = []Node{v}
	out.backFn = func() {
		// d(v/|v|) = (g - u(u.g)) / |v|
		ug := 0.0
		for i := range d {
			ug += d[i] * out.Grad[i]
		}
		for i := range d {
			v.Grad[i] += (out.Grad[i] - d[i]*ug) / n
		}
	}
	return out
}

// Slice extracts [start:end) from the vector.
func (v *Vec) Slice(start, end int) *Vec {
	d := make([]float64, end-start)
	copy(d, v.Data[start:end])
	out := NewVec(d)
	out.children = []Node{v}
	out.backFn = func() {
		for i, j := 0, start; j < end; i, j = i+1, j+1 {
			v.Grad[j] += out.Grad[i]
		}
	}
	return out
}

// Concat joins multiple vectors into one.
func Concat(vecs []*Vec) *Vec {
	total := 0
	for _, v := range vecs {
		total += len(v.Data)
	}
	d := make([]float64, 0, total)
	kids := make([]Node, len(vecs))
	for i, v := range vecs {
		d = append(d, v.Data...)
		kids[i] = v
	}
	out := NewVec(d)
	out.children = kids
	out.backFn = func() {
		offset := 0
		for _, v := range vecs {
			n := len(v.Data)
			for i := 0; i < n; i++ {
				v.Grad[i] += out.Grad[offset+i]
			}
			offset += n
		}
	}
	return out
}

// Scalar is a differentiable scalar value.
type Scalar struct {
	Data     float64
	Grad     float64
	children []Node
	backFn   func()
}

func NewScalar(data float64) *Scalar {
	return &Scalar{Data: data}
}

func (s *Scalar) getChildren() []Node { return s.children }
func (s *Scalar) doBackward() {
	if s.backFn != nil {
		s.backFn()
	}
}

// AddS returns self + other (scalar + scalar).
func (s *Scalar) AddS(other *Scalar) *Scalar {
	out := &Scalar{Data: s.Data + other.Data}
	out.children = []Node{s, other}
	out.backFn = func() {
		s.Grad += out.Grad
		other.Grad += out.Grad
	}
	return out
}

// AddF returns self + f (scalar + float).
func (s *Scalar) AddF(f float64) *Scalar {
	out := &Scalar{Data: s.Data + f}
	out.children = []Node{s}
	out.backFn = func() {
		s.Grad += out.Grad
	}
	return out
}

// MulS returns self * other (scalar * scalar).
func (s *Scalar) MulS(other *Scalar) *Scalar {
	out := &Scalar{Data: s.Data * other.Data}
	out.children = []Node{s, other}
	sData := s.Data
	oData := other.Data
	out.backFn = func() {
		s.Grad += oData * out.Grad
		other.Grad += sData * out.Grad
	}
	return out
}

// MulF returns self * f (scalar * float).
func (s *Scalar) MulF(f float64) *Scalar {
	out := &Scalar{Data: s.Data * f}
	out.children = []Node{s}
	out.backFn = func() {
		s.Grad += f * out.Grad
	}
	return out
}

// Square returns self * self.
func (s *Scalar) Square() *Scalar {
	out := &Scalar{Data: s.Data * s.Data}
	out.children = []Node{s}
	sData := s.Data
	out.backFn = func() {
		s.Grad += 2 * sData * out.Grad
	}
	return out
}

// SumScalars adds a list of scalars. An empty list yields zero.
func SumScalars(xs []*Scalar) *Scalar {
	val := 0.0
	kids := make([]Node, len(xs))
	for i, x := range xs {
		val += x.Data
		kids[i] = x
	}
	out := &Scalar{Data: val}
	out.children = kids
	out.backFn = func() {
		for _, x := range xs {
			x.Grad += out.Grad
		}
	}
	return out
}

// Backward performs reverse-mode autodiff from this node.
func Backward(root Node) {
	topo := make([]Node, 0)
	visited := make(map[Node]bool)

	var build func(n Node)
	build = func(n Node) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, c := range n.getChildren() {
			build(c)
		}
		topo = append(topo, n)
	}
	build(root)

	switch r := root.(type) {
	case *Scalar:
		r.Grad = 1.0
	case *Vec:
		for i := range r.Grad {
			r.Grad[i] = 1.0
		}
	}

	for i := len(topo) - 1; i >= 0; i-- {
		topo[i].doBackward()
	}
}
