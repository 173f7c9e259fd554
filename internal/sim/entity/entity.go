// Package entity is the replicated object model: a typed property table per
// variant, dirty tracking, ownership arbitration, dynamic actions and the
// bitstream codec that moves property subsets between participants.
package entity

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"entitysync/internal/sim/dynamics"
	"entitysync/internal/sim/mathx"
	"entitysync/internal/sim/ownership"
)

var (
	ErrUnknownProperty = errors.New("unknown property")
	ErrTypeMismatch    = errors.New("property type mismatch")
	ErrUnknownType     = errors.New("unknown entity type")
	ErrWrongEntity     = errors.New("buffer addresses another entity")
)

// WallClock returns the current time in microseconds since the epoch.
func WallClock() uint64 { return uint64(time.Now().UnixMicro()) }

type Options struct {
	// Self identifies the local participant for ownership decisions.
	Self uuid.UUID
	// Now overrides the clock (microseconds). Defaults to WallClock.
	Now                 func() uint64
	OwnershipExpiryUsec uint64
	Actions             dynamics.Options
	// Tracef receives stale-update discards. Nil is silent.
	Tracef func(format string, args ...any)
}

// Simulation is the physics engine's per-entity attachment. The entity
// references it and never owns it.
type Simulation interface {
	dynamics.Engine
}

// Element is the spatial index's lookup handle for the node holding the
// entity. The index sets and clears it; the entity never dereferences it.
type Element any

// ChangeHandler is called, outside the entity lock, with the properties that
// changed.
type ChangeHandler func(id uuid.UUID, changed PropertyFlags)

type lastApplied struct {
	value Value
	ts    uint64
}

type Entity struct {
	mu sync.RWMutex

	id     uuid.UUID
	typ    Type
	reg    *Registry
	values []Value

	dirty     DirtyFlags
	pending   PropertyFlags // changed since the last broadcast
	forceNext bool

	created       uint64
	lastEdited    uint64
	lastSimulated uint64
	lastBroadcast uint64

	lastEditedFromRemote             uint64
	lastEditedFromRemoteInRemoteTime uint64

	applied map[PropertyID]lastApplied

	owner   *ownership.Record
	actions *dynamics.Set

	sim       Simulation
	simulated bool
	element   Element

	clientOnly   bool
	owningAvatar uuid.UUID

	loadedScript          string
	loadedScriptTimestamp uint64

	handlers    map[int]ChangeHandler
	nextHandler int

	now    func() uint64
	tracef func(string, ...any)
}

// New creates a locally authored entity with every property at its default.
func New(id uuid.UUID, t Type, opts Options) (*Entity, error) {
	e, err := newEntity(id, t, opts)
	if err != nil {
		return nil, err
	}
	e.created = e.now()
	e.lastEdited = e.created
	return e, nil
}

// NewFromRemote creates an entity first seen on the network. Its timestamps
// start at zero so the first state read into it is accepted whole.
func NewFromRemote(id uuid.UUID, t Type, opts Options) (*Entity, error) {
	return newEntity(id, t, opts)
}

func newEntity(id uuid.UUID, t Type, opts Options) (*Entity, error) {
	reg := RegistryFor(t)
	if reg == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	if id == uuid.Nil {
		return nil, errors.New("entity id must not be nil")
	}
	if opts.Now == nil {
		opts.Now = WallClock
	}
	e := &Entity{
		id:       id,
		typ:      t,
		reg:      reg,
		values:   make([]Value, len(reg.order)),
		applied:  map[PropertyID]lastApplied{},
		owner:    ownership.NewRecord(opts.Self, opts.OwnershipExpiryUsec),
		actions:  dynamics.NewSet(id, opts.Actions),
		handlers: map[int]ChangeHandler{},
		now:      opts.Now,
		tracef:   opts.Tracef,
	}
	for i, d := range reg.order {
		e.values[i] = cloneValue(d.Default)
	}
	e.actions.Refresh()
	return e, nil
}

func (e *Entity) ID() uuid.UUID       { return e.id }
func (e *Entity) Type() Type          { return e.typ }
func (e *Entity) Registry() *Registry { return e.reg }

// Get returns the current value of id.
func (e *Entity) Get(id PropertyID) (Value, error) {
	d, ok := e.reg.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d on %s", ErrUnknownProperty, id, e.typ)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneValue(e.valueLocked(d)), nil
}

// GetByName looks a property up by its table name.
func (e *Entity) GetByName(name string) (Value, error) {
	id, ok := e.reg.ByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q on %s", ErrUnknownProperty, name, e.typ)
	}
	return e.Get(id)
}

// Set writes v to id. Clamped properties silently clamp. Writing the current
// value is a no-op and leaves dirty state untouched.
func (e *Entity) Set(id PropertyID, v Value) error {
	_, err := e.SetProperties(map[PropertyID]Value{id: v})
	return err
}

// SetProperties applies a batch of local edits atomically: if any value is
// invalid nothing is written. It returns the properties that changed.
func (e *Entity) SetProperties(props map[PropertyID]Value) (PropertyFlags, error) {
	type edit struct {
		d *Descriptor
		v Value
	}
	edits := make([]edit, 0, len(props))
	for id, v := range props {
		d, ok := e.reg.Lookup(id)
		if !ok {
			return PropertyFlags{}, fmt.Errorf("%w: %d on %s", ErrUnknownProperty, id, e.typ)
		}
		cv, err := prepare(d, v)
		if err != nil {
			return PropertyFlags{}, fmt.Errorf("set %s: %w", d.Name, err)
		}
		edits = append(edits, edit{d, cv})
	}
	sort.Slice(edits, func(i, j int) bool { return edits[i].d.ID < edits[j].d.ID })

	var changed PropertyFlags
	var errs []error
	e.mu.Lock()
	now := e.now()
	for _, ed := range edits {
		ok, err := e.storeLocked(ed.d, ed.v, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("set %s: %w", ed.d.Name, err))
		}
		if ok {
			changed.Set(ed.d.ID)
		}
	}
	if !changed.Empty() {
		e.touchLocked(now)
	}
	e.mu.Unlock()
	e.notify(changed)
	return changed, errors.Join(errs...)
}

func prepare(d *Descriptor, v Value) (Value, error) {
	cv, err := coerce(d.Kind, v)
	if err != nil {
		return nil, err
	}
	if d.clamp != nil {
		cv = d.clamp(cv.(float32))
	}
	return cv, nil
}

func (e *Entity) valueLocked(d *Descriptor) Value {
	if d.get != nil {
		return d.get(e)
	}
	return e.values[e.reg.slot[d.ID]]
}

// storeLocked writes an already prepared value and marks dirty state when it
// differs from the current one.
func (e *Entity) storeLocked(d *Descriptor, v Value, now uint64) (bool, error) {
	if d.set != nil {
		return d.set(e, v, now)
	}
	i := e.reg.slot[d.ID]
	if equalValues(e.values[i], v) {
		return false, nil
	}
	e.values[i] = v
	e.dirty |= d.Dirty
	e.pending.Set(d.ID)
	return true, nil
}

func (e *Entity) touchLocked(now uint64) {
	if now > e.lastEdited {
		e.lastEdited = now
	}
}

// typed reads used by the kinematic path and accessors below.
func (e *Entity) vec3Locked(id PropertyID) mathx.Vec3 {
	return e.values[e.reg.slot[id]].(mathx.Vec3)
}

func (e *Entity) floatLocked(id PropertyID) float32 {
	return e.values[e.reg.slot[id]].(float32)
}

func (e *Entity) Position() mathx.Vec3 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.vec3Locked(PropPosition)
}

func (e *Entity) Rotation() mathx.Quat {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.values[e.reg.slot[PropRotation]].(mathx.Quat)
}

func (e *Entity) Velocity() mathx.Vec3 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.vec3Locked(PropVelocity)
}

func (e *Entity) AngularVelocity() mathx.Vec3 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.vec3Locked(PropAngularVelocity)
}

func (e *Entity) Name() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.values[e.reg.slot[PropName]].(string)
}

// Timestamps, all in microseconds of the local clock.

func (e *Entity) Created() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.created
}

func (e *Entity) LastEdited() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastEdited
}

func (e *Entity) LastSimulated() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSimulated
}

func (e *Entity) LastBroadcast() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastBroadcast
}

// LastEditedFromRemote returns when the last remote edit was applied, in
// local time and in the sender's time.
func (e *Entity) LastEditedFromRemote() (local, remote uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastEditedFromRemote, e.lastEditedFromRemoteInRemoteTime
}

// FromSameServerEdit reports whether the last edit originated from the remote
// edit at remoteEdited (sender time), i.e. we have not edited since.
func (e *Entity) FromSameServerEdit(remoteEdited uint64) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastEditedFromRemoteInRemoteTime == remoteEdited && e.lastEdited <= e.lastEditedFromRemote
}

// SetLastSimulated advances lastSimulated; it never moves backwards.
func (e *Entity) SetLastSimulated(now uint64) {
	e.mu.Lock()
	if now > e.lastSimulated {
		e.lastSimulated = now
	}
	e.mu.Unlock()
}

// Dirty tracking.

func (e *Entity) DirtyFlags() DirtyFlags {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dirty
}

// ClearDirtyFlags clears mask, typically after the physics engine consumed it.
func (e *Entity) ClearDirtyFlags(mask DirtyFlags) {
	e.mu.Lock()
	e.dirty &^= mask
	e.mu.Unlock()
}

// PendingBroadcast is the set of properties changed since the last broadcast.
func (e *Entity) PendingBroadcast() PropertyFlags {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pending
}

// MarkPending queues props for the next broadcast without editing them.
func (e *Entity) MarkPending(props PropertyFlags) {
	e.mu.Lock()
	e.pending = e.pending.Union(props.Intersect(e.reg.all))
	e.mu.Unlock()
}

// MarkBroadcast records that sent went out at now.
func (e *Entity) MarkBroadcast(sent PropertyFlags, now uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = e.pending.Minus(sent)
	if sent.Has(PropActionData) {
		e.actions.MarkTransmitted()
	}
	if !sent.Empty() {
		e.forceNext = false
	}
	if now > e.lastBroadcast {
		e.lastBroadcast = now
	}
}

// Teleport moves the entity and flags the next broadcast so receivers bypass
// their stale-update guard.
func (e *Entity) Teleport(pos mathx.Vec3) {
	e.mu.Lock()
	d, _ := e.reg.Lookup(PropPosition)
	now := e.now()
	if ok, _ := e.storeLocked(d, pos, now); ok {
		e.touchLocked(now)
	}
	e.pending.Set(PropPosition)
	e.forceNext = true
	e.mu.Unlock()
	e.notify(FlagsOf(PropPosition))
}

// FlagsOf is a convenience for building property sets.
func FlagsOf(ids ...PropertyID) PropertyFlags {
	var f PropertyFlags
	for _, id := range ids {
		f.Set(id)
	}
	return f
}

// Change handlers.

func (e *Entity) RegisterChangeHandler(fn ChangeHandler) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextHandler++
	e.handlers[e.nextHandler] = fn
	return e.nextHandler
}

func (e *Entity) DeregisterChangeHandler(id int) {
	e.mu.Lock()
	delete(e.handlers, id)
	e.mu.Unlock()
}

func (e *Entity) notify(changed PropertyFlags) {
	if changed.Empty() {
		return
	}
	e.mu.RLock()
	ids := make([]int, 0, len(e.handlers))
	for id := range e.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]ChangeHandler, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, e.handlers[id])
	}
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(e.id, changed)
	}
}

func (e *Entity) trace(format string, args ...any) {
	if e.tracef != nil {
		e.tracef(format, args...)
	}
}

// Spatial index back-reference.

func (e *Entity) SetElement(el Element) {
	e.mu.Lock()
	e.element = el
	e.mu.Unlock()
}

func (e *Entity) Element() Element {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.element
}

// ClearElement is called by the index before it drops the entity.
func (e *Entity) ClearElement() { e.SetElement(nil) }
