// Package kinematic extrapolates an entity's transform while no physics engine
// has authority over it.
package kinematic

import (
	"math"

	"entitysync/internal/sim/mathx"
)

// Velocities below these magnitudes are snapped to zero so resting entities
// stop generating broadcasts.
const (
	LinearVelocityEpsilon  = 0.001     // m/s
	AngularVelocityEpsilon = 0.0017453 // rad/s, about 0.1 deg/s
)

// MaxStepSeconds bounds a single step so a stalled tick does not launch
// entities across the world.
const MaxStepSeconds = 1.0

type State struct {
	Position        mathx.Vec3
	Rotation        mathx.Quat
	Velocity        mathx.Vec3
	AngularVelocity mathx.Vec3
	Acceleration    mathx.Vec3
	Damping         float32
	AngularDamping  float32
}

type Result struct {
	Position        mathx.Vec3
	Rotation        mathx.Quat
	Velocity        mathx.Vec3
	AngularVelocity mathx.Vec3
	Moved           bool
}

// Step integrates s forward by dt seconds: exponential damping
// v *= (1-damping)^dt, then pos += (v + a*dt/2)*dt and an axis-angle turn of
// |w|*dt. It is a pure function.
func Step(s State, dt float32) Result {
	out := Result{
		Position:        s.Position,
		Rotation:        s.Rotation,
		Velocity:        s.Velocity,
		AngularVelocity: s.AngularVelocity,
	}
	if dt <= 0 {
		return out
	}
	if dt > MaxStepSeconds {
		dt = MaxStepSeconds
	}

	w := s.AngularVelocity
	if d := mathx.ClampF(s.AngularDamping, 0, 1); d > 0 && !w.IsZero() {
		w = w.Scale(decay(d, dt))
	}
	if w.Length() < AngularVelocityEpsilon {
		w = mathx.Zero3
	} else {
		speed := w.Length()
		turn := mathx.AxisAngle(w.Scale(1/speed), speed*dt)
		out.Rotation = turn.Mul(s.Rotation).Normalize()
	}
	out.AngularVelocity = w

	v := s.Velocity
	if d := mathx.ClampF(s.Damping, 0, 1); d > 0 && !v.IsZero() {
		v = v.Scale(decay(d, dt))
	}
	delta := v.Add(s.Acceleration.Scale(0.5 * dt)).Scale(dt)
	v = v.Add(s.Acceleration.Scale(dt))
	if v.Length() < LinearVelocityEpsilon && s.Acceleration.IsZero() {
		v = mathx.Zero3
	}
	out.Velocity = v
	out.Position = s.Position.Add(delta)

	out.Moved = out.Position != s.Position || out.Rotation != s.Rotation ||
		out.Velocity != s.Velocity || out.AngularVelocity != s.AngularVelocity
	return out
}

func decay(damping, dt float32) float32 {
	if damping >= 1 {
		return 0
	}
	return float32(math.Pow(float64(1-damping), float64(dt)))
}
