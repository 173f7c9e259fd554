package entity

import (
	"fmt"

	"github.com/google/uuid"

	"entitysync/internal/sim/dynamics"
	"entitysync/internal/sim/ownership"
)

// The owner property reads as the outstanding bid while one is pending, so
// the bid travels to peers as a claim.
func getOwner(e *Entity) Value {
	if e.owner.State() == ownership.BidPending {
		return ownership.Claim{ID: e.owner.Self(), Priority: e.owner.PendingPriority()}
	}
	return e.owner.Owner()
}

func setOwner(e *Entity, v Value, now uint64) (bool, error) {
	tr, ok := e.owner.Set(v.(ownership.Claim), now)
	if !ok {
		return false, nil
	}
	return true, e.ownershipChangedLocked(tr)
}

func getActionData(e *Entity) Value { return e.actions.Data() }

func setActionData(e *Entity, v Value, now uint64) (bool, error) {
	changed, err := e.actions.SetData(e.engineLocked(), v.([]byte), now)
	e.actions.Refresh()
	if changed {
		e.pending.Set(PropActionData)
	}
	return changed, err
}

// engineLocked is the engine actions may be applied to: only an attached
// simulation that this participant owns.
func (e *Entity) engineLocked() dynamics.Engine {
	if e.sim == nil || !e.owner.OwnsSimulation() {
		return nil
	}
	return e.sim
}

// ownershipChangedLocked reacts to a transition: actions follow ownership,
// and the owner property is queued for broadcast.
func (e *Entity) ownershipChangedLocked(tr ownership.Transition) error {
	e.dirty |= DirtySimulatorID
	if tr.Before.Priority != tr.After.Priority {
		e.dirty |= DirtySimulationOwnershipPriority
	}
	e.pending.Set(PropSimulationOwner)
	if e.sim == nil {
		return nil
	}
	switch {
	case tr.From == ownership.OwnedBySelf && tr.To != ownership.OwnedBySelf:
		e.actions.Detach(e.sim)
	case tr.From != ownership.OwnedBySelf && tr.To == ownership.OwnedBySelf:
		if err := e.actions.Attach(e.sim); err != nil {
			return fmt.Errorf("attach actions: %w", err)
		}
	}
	return nil
}

// Ownership returns the arbitration state and the claim peers see.
func (e *Entity) Ownership() (ownership.State, ownership.Claim) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.owner.State(), getOwner(e).(ownership.Claim)
}

func (e *Entity) OwnsSimulation() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.owner.OwnsSimulation()
}

// Bid requests simulation control at priority. It becomes authoritative when
// a simulation attaches or a peer echoes the claim back.
func (e *Entity) Bid(priority uint8) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.owner.Bid(priority, e.now()) {
		return false
	}
	e.dirty |= DirtySimulationOwnershipPriority
	e.pending.Set(PropSimulationOwner)
	return true
}

// Promote raises the held priority; it never lowers it.
func (e *Entity) Promote(priority uint8) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.owner.Promote(priority) {
		return false
	}
	e.dirty |= DirtySimulationOwnershipPriority
	e.pending.Set(PropSimulationOwner)
	return true
}

// FulfilBid is the physics engine's confirmation that it now simulates the
// entity on our behalf.
func (e *Entity) FulfilBid() (ownership.Transition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr, ok := e.owner.Fulfil()
	if !ok {
		return tr, nil
	}
	return tr, e.ownershipChangedLocked(tr)
}

// ClearOwnership drops any owner and bid, e.g. when the entity stops being
// physical or is deleted.
func (e *Entity) ClearOwnership() (ownership.Transition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr, ok := e.owner.Clear()
	if ok {
		_ = e.ownershipChangedLocked(tr)
	}
	return tr, ok
}

// ExpireOwnership releases a remote owner that stopped refreshing its claim.
func (e *Entity) ExpireOwnership(now uint64) (ownership.Transition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr, ok := e.owner.Expire(now)
	if ok {
		_ = e.ownershipChangedLocked(tr)
	}
	return tr, ok
}

// AttachSimulation hands the entity to the physics engine. An outstanding bid
// is fulfilled and queued action mutations are replayed.
func (e *Entity) AttachSimulation(sim Simulation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sim == nil {
		return fmt.Errorf("attach %s: nil simulation", e.id)
	}
	e.sim = sim
	e.dirty |= DirtyPhysicsActivation
	if tr, ok := e.owner.Fulfil(); ok {
		return e.ownershipChangedLocked(tr)
	}
	if e.owner.OwnsSimulation() {
		if err := e.actions.Attach(sim); err != nil {
			return fmt.Errorf("attach actions: %w", err)
		}
	}
	return nil
}

// DetachSimulation releases every engine handle the entity holds.
func (e *Entity) DetachSimulation() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sim == nil {
		return
	}
	e.actions.Detach(e.sim)
	e.sim = nil
	e.simulated = false
	e.dirty |= DirtyPhysicsActivation
}

func (e *Entity) Attached() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sim != nil
}

// SetSimulated is the physics engine's callback when it starts or stops
// stepping the entity.
func (e *Entity) SetSimulated(on bool) {
	e.mu.Lock()
	e.simulated = on
	e.mu.Unlock()
}

func (e *Entity) IsSimulated() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.simulated
}

// Dynamic actions. Mutations apply to the engine only while the simulation is
// attached and owned here; otherwise they are queued inside the set. Each
// mutation refreshes the serialized cache so readers under the read lock
// never write to it.

func (e *Entity) AddAction(t dynamics.Type, id uuid.UUID, args []byte) error {
	e.mu.Lock()
	now := e.now()
	err := e.actions.Add(e.engineLocked(), dynamics.Descriptor{ID: id, Type: t, Args: args}, now)
	e.actions.Refresh()
	if err == nil {
		e.actionsChangedLocked(now)
	}
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("add action %s: %w", id, err)
	}
	e.notify(FlagsOf(PropActionData))
	return nil
}

func (e *Entity) UpdateAction(id uuid.UUID, args []byte) (bool, error) {
	e.mu.Lock()
	now := e.now()
	ok, err := e.actions.Update(e.engineLocked(), id, args)
	e.actions.Refresh()
	if ok {
		e.actionsChangedLocked(now)
	}
	e.mu.Unlock()
	if ok {
		e.notify(FlagsOf(PropActionData))
	}
	return ok, err
}

// RemoveAction reports false for an absent or recently removed id.
func (e *Entity) RemoveAction(id uuid.UUID) bool {
	e.mu.Lock()
	now := e.now()
	ok := e.actions.Remove(e.engineLocked(), id, now)
	e.actions.Refresh()
	if ok {
		e.actionsChangedLocked(now)
	}
	e.mu.Unlock()
	if ok {
		e.notify(FlagsOf(PropActionData))
	}
	return ok
}

func (e *Entity) ClearActions() int {
	e.mu.Lock()
	now := e.now()
	n := e.actions.Clear(e.engineLocked(), now)
	e.actions.Refresh()
	if n > 0 {
		e.actionsChangedLocked(now)
	}
	e.mu.Unlock()
	if n > 0 {
		e.notify(FlagsOf(PropActionData))
	}
	return n
}

func (e *Entity) actionsChangedLocked(now uint64) {
	e.pending.Set(PropActionData)
	e.touchLocked(now)
}

func (e *Entity) ActionIDs() []uuid.UUID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.actions.IDs()
}

func (e *Entity) ActionArguments(id uuid.UUID) ([]byte, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.actions.Arguments(id)
}

func (e *Entity) ActionsOfType(t dynamics.Type) []dynamics.Descriptor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.actions.OfType(t)
}
