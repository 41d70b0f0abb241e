package kinematics

import "math"

// Quaternion is a rotation stored as (X, Y, Z, W) with W the scalar part
type Quaternion struct {
	X, Y, Z, W float64
}

// Identity is the no-rotation quaternion
func Identity() Quaternion { return Quaternion{W: 1} }

// FromAxisAngle builds a unit quaternion rotating angle radians about axis
func FromAxisAngle(axis Vector3, angle float64) Quaternion {
	a := axis.Scale(1 / axis.Length())
	s := math.Sin(angle / 2)
	return Quaternion{a.X * s, a.Y * s, a.Z * s, math.Cos(angle / 2)}
}

// Quat builds a quaternion from the first four values of s (x, y, z, w)
func Quat(s []float64) Quaternion { return Quaternion{s[0], s[1], s[2], s[3]} }

// Slice returns the components as x, y, z, w
func (q Quaternion) Slice() []float64 { return []float64{q.X, q.Y, q.Z, q.W} }

// Mul is the Hamilton product q ⊗ o: o is applied first, then q.
func (q Quaternion) Mul(o Quaternion) Quaternion {
	return Quaternion{
		X: q.W*o.X + q.X*o.W + q.Y*o.Z - q.Z*o.Y,
		Y: q.W*o.Y - q.X*o.Z + q.Y*o.W + q.Z*o.X,
		Z: q.W*o.Z + q.X*o.Y - q.Y*o.X + q.Z*o.W,
		W: q.W*o.W - q.X*o.X - q.Y*o.Y - q.Z*o.Z,
	}
}

func (q Quaternion) Norm() float64 {
	return math.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)
}

// Normalize scales q to unit length. A zero quaternion yields NaNs.
func (q Quaternion) Normalize() Quaternion {
	n := q.Norm()
	return Quaternion{q.X / n, q.Y / n, q.Z / n, q.W / n}
}

func (q Quaternion) Conjugate() Quaternion {
	return Quaternion{-q.X, -q.Y, -q.Z, q.W}
}

// Rotate applies the unit quaternion q to v
func (q Quaternion) Rotate(v Vector3) Vector3 {
	u := Vector3{q.X, q.Y, q.Z}
	t := u.Cross(v).Scale(2)
	return v.Add(t.Scale(q.W)).Add(u.Cross(t))
}
