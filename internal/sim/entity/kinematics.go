package entity

import (
	"entitysync/internal/sim/kinematic"
	"entitysync/internal/sim/mathx"
)

// Simulate extrapolates the transform to now when no physics engine is
// attached. It writes the new transform without touching dirty or broadcast
// state and reports whether anything moved; the caller decides whether a
// broadcast is warranted. 0 or a time not after lastSimulated is a no-op.
func (e *Entity) Simulate(now uint64) bool {
	e.mu.Lock()
	if e.sim != nil {
		e.mu.Unlock()
		return false
	}
	if e.lastSimulated == 0 {
		e.lastSimulated = now
		e.mu.Unlock()
		return false
	}
	if now <= e.lastSimulated {
		e.mu.Unlock()
		return false
	}
	dt := float32(now-e.lastSimulated) / usecPerSecond
	e.lastSimulated = now

	res := kinematic.Step(kinematic.State{
		Position:        e.vec3Locked(PropPosition),
		Rotation:        e.values[e.reg.slot[PropRotation]].(mathx.Quat),
		Velocity:        e.vec3Locked(PropVelocity),
		AngularVelocity: e.vec3Locked(PropAngularVelocity),
		Acceleration:    e.vec3Locked(PropAcceleration),
		Damping:         e.floatLocked(PropDamping),
		AngularDamping:  e.floatLocked(PropAngularDamping),
	}, dt)
	if res.Moved {
		e.values[e.reg.slot[PropPosition]] = res.Position
		e.values[e.reg.slot[PropRotation]] = res.Rotation
		e.values[e.reg.slot[PropVelocity]] = res.Velocity
		e.values[e.reg.slot[PropAngularVelocity]] = res.AngularVelocity
	}
	e.mu.Unlock()
	return res.Moved
}

// TransformProperties are the properties Simulate may change.
var TransformProperties = FlagsOf(PropPosition, PropRotation, PropVelocity, PropAngularVelocity)

// CommitSimulation publishes the simulated transform as an edit made at now:
// it advances lastEdited and queues the transform together with the owner
// claim, which refreshes the claim's expiry at every receiver.
func (e *Entity) CommitSimulation(now uint64) {
	e.mu.Lock()
	e.touchLocked(now)
	e.pending = e.pending.Union(TransformProperties)
	e.pending.Set(PropSimulationOwner)
	e.mu.Unlock()
}
