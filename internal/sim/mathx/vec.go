package mathx

import "math"

// Vec3 is a float32 3-vector in meters (or meters/second for velocities).
type Vec3 struct {
	X, Y, Z float32
}

var Zero3 = Vec3{}

func V3(x, y, z float32) Vec3 { return Vec3{X: x, Y: y, Z: z} }

func (v Vec3) Add(o Vec3) Vec3      { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3      { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Scale(s float32) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }
func (v Vec3) Dot(o Vec3) float32   { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }
func (v Vec3) Length() float32      { return float32(math.Sqrt(float64(v.Dot(v)))) }
func (v Vec3) IsZero() bool         { return v == Zero3 }

// Clamp limits each component to [lo, hi].
func (v Vec3) Clamp(lo, hi float32) Vec3 {
	return Vec3{ClampF(v.X, lo, hi), ClampF(v.Y, lo, hi), ClampF(v.Z, lo, hi)}
}

func ClampF(x, lo, hi float32) float32 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Quat is a unit rotation quaternion (W is the scalar part).
type Quat struct {
	X, Y, Z, W float32
}

var IdentityQuat = Quat{W: 1}

func (q Quat) Mul(o Quat) Quat {
	return Quat{
		X: q.W*o.X + q.X*o.W + q.Y*o.Z - q.Z*o.Y,
		Y: q.W*o.Y - q.X*o.Z + q.Y*o.W + q.Z*o.X,
		Z: q.W*o.Z + q.X*o.Y - q.Y*o.X + q.Z*o.W,
		W: q.W*o.W - q.X*o.X - q.Y*o.Y - q.Z*o.Z,
	}
}

func (q Quat) Normalize() Quat {
	n := float32(math.Sqrt(float64(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)))
	if n == 0 {
		return IdentityQuat
	}
	return Quat{q.X / n, q.Y / n, q.Z / n, q.W / n}
}

// AxisAngle builds a rotation of angle radians about a unit axis.
func AxisAngle(axis Vec3, angle float32) Quat {
	s := float32(math.Sin(float64(angle) / 2))
	c := float32(math.Cos(float64(angle) / 2))
	return Quat{X: axis.X * s, Y: axis.Y * s, Z: axis.Z * s, W: c}
}

// AACube is an axis-aligned cube given by its minimum corner and edge length.
type AACube struct {
	Corner Vec3
	Scale  float32
}

func (c AACube) Contains(p Vec3) bool {
	return p.X >= c.Corner.X && p.X <= c.Corner.X+c.Scale &&
		p.Y >= c.Corner.Y && p.Y <= c.Corner.Y+c.Scale &&
		p.Z >= c.Corner.Z && p.Z <= c.Corner.Z+c.Scale
}

func (c AACube) Center() Vec3 {
	h := c.Scale / 2
	return c.Corner.Add(Vec3{h, h, h})
}
