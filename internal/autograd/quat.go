package autograd

// Quaternion vectors are laid out (x, y, z, w).

// QuatMul returns the Hamilton product a ⊗ b of two 4-vectors.
func QuatMul(a, b *Vec) *Vec {
	out := NewVec(hamilton(a.Data, b.Data))
	out.children = []Node{a, b}
	aData, bData := a.Data, b.Data
	out.backFn = func() {
		// d(a⊗b)/da applied to g is g ⊗ conj(b); d/db is conj(a) ⊗ g.
		ga := hamilton(out.Grad, conj(bData))
		gb := hamilton(conj(aData), out.Grad)
		for i := 0; i < 4; i++ {
			a.Grad[i] += ga[i]
			b.Grad[i] += gb[i]
		}
	}
	return out
}

// QuatRotate rotates the constant vector v by the quaternion q:
// v' = v + w·t + u×t with t = 2(u×v).
func QuatRotate(q *Vec, v [3]float64) *Vec {
	u := [3]float64{q.Data[0], q.Data[1], q.Data[2]}
	w := q.Data[3]
	uxv := cross(u, v)
	t := [3]float64{2 * uxv[0], 2 * uxv[1], 2 * uxv[2]}
	uxt := cross(u, t)

	d := make([]float64, 3)
	for i := 0; i < 3; i++ {
		d[i] = v[i] + w*t[i] + uxt[i]
	}
	out := NewVec(d)
	out.children = []Node{q}
	out.backFn = func() {
		g := [3]float64{out.Grad[0], out.Grad[1], out.Grad[2]}
		// v' = v + 2w(u×v) + 2u(u·v) - 2v(u·u)
		uv, gu, gv := dot(u, v), dot(g, u), dot(g, v)
		vxg := cross(v, g)
		for i := 0; i < 3; i++ {
			q.Grad[i] += 2*w*vxg[i] + 2*(uv*g[i]+gu*v[i]) - 4*gv*u[i]
		}
		q.Grad[3] += 2 * dot(g, uxv)
	}
	return out
}

func hamilton(a, b []float64) []float64 {
	return []float64{
		a[3]*b[0] + a[0]*b[3] + a[1]*b[2] - a[2]*b[1],
		a[3]*b[1] - a[0]*b[2] + a[1]*b[3] + a[2]*b[0],
		a[3]*b[2] + a[0]*b[1] - a[1]*b[0] + a[2]*b[3],
		a[3]*b[3] - a[0]*b[0] - a[1]*b[1] - a[2]*b[2],
	}
}

func conj(q []float64) []float64 {
	return []float64{-q[0], -q[1], -q[2], q[3]}
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}
