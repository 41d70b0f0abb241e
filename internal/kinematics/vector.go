// Package kinematics holds the vector and quaternion math for a two-bone leg.
package kinematics

import "math"

// Vector3 is a point or direction in 3D space
type Vector3 struct {
	X, Y, Z float64
}

func (v Vector3) Add(o Vector3) Vector3 { return Vector3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vector3) Sub(o Vector3) Vector3 { return Vector3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vector3) Scale(s float64) Vector3 {
	return Vector3{v.X * s, v.Y * s, v.Z * s}
}
func (v Vector3) Dot(o Vector3) float64 { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }

func (v Vector3) Cross(o Vector3) Vector3 {
	return Vector3{
		v.Y*o.Z - v.Z*o.Y,
		v.Z*o.X - v.X*o.Z,
		v.X*o.Y - v.Y*o.X,
	}
}

// Length is the Euclidean norm
func (v Vector3) Length() float64 { return math.Sqrt(v.Dot(v)) }

// L1 is the sum of absolute component differences to o
func (v Vector3) L1(o Vector3) float64 {
	d := v.Sub(o)
	return math.Abs(d.X) + math.Abs(d.Y) + math.Abs(d.Z)
}

// Vec3 builds a vector from the first three values of s
func Vec3(s []float64) Vector3 { return Vector3{s[0], s[1], s[2]} }

// Slice returns the components as a slice
func (v Vector3) Slice() []float64 { return []float64{v.X, v.Y, v.Z} }
