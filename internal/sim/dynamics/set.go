// Package dynamics tracks the physics constraints ("actions") attached to an
// entity across ownership changes and out-of-order network delivery.
package dynamics

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"entitysync/internal/sim/dedupe"
	"entitysync/internal/sim/encoding"
)

var (
	ErrActionDataTooLarge = errors.New("action data too large")
	ErrActionExists       = errors.New("action already exists")
)

const (
	// DefaultMaxDataSize bounds the serialized action blob.
	DefaultMaxDataSize = 800
	// DefaultRememberDeletedUsec is how long removed ids are remembered.
	DefaultRememberDeletedUsec = uint64(20_000_000)

	dataVersion = 1
)

type pendingOp uint8

const (
	pendingNone pendingOp = iota
	pendingApply
	pendingUpdate
	pendingRemove
)

type action struct {
	Descriptor
	handle  Handle
	pending pendingOp
	// local marks an action added here that has not yet come back in
	// received action data; it survives a SetData that omits it.
	local bool
}

type Options struct {
	MaxDataSize         int
	RememberDeletedUsec uint64
}

// Set is a keyed collection of actions for one entity. It is not safe for
// concurrent use; the entity serializes access.
type Set struct {
	entityID uuid.UUID
	actions  map[uuid.UUID]*action
	deleted  *dedupe.Window[uuid.UUID]
	maxData  int

	cache         []byte
	dirty         bool
	needsTransmit bool
}

func NewSet(entityID uuid.UUID, opts Options) *Set {
	if opts.MaxDataSize <= 0 {
		opts.MaxDataSize = DefaultMaxDataSize
	}
	if opts.RememberDeletedUsec == 0 {
		opts.RememberDeletedUsec = DefaultRememberDeletedUsec
	}
	return &Set{
		entityID: entityID,
		actions:  map[uuid.UUID]*action{},
		deleted:  dedupe.NewWindow[uuid.UUID](opts.RememberDeletedUsec),
		maxData:  opts.MaxDataSize,
	}
}

// Add inserts a new action. With a nil engine the action is queued and
// applied on the next Attach.
func (s *Set) Add(eng Engine, d Descriptor, now uint64) error {
	if !d.Type.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownActionType, d.Type)
	}
	if err := ValidateArguments(d.Type, d.Args); err != nil {
		return err
	}
	if a, ok := s.actions[d.ID]; ok && a.pending != pendingRemove {
		return fmt.Errorf("%w: %s", ErrActionExists, d.ID)
	} else if ok {
		s.drop(eng, a)
	}
	s.deleted.Forget(d.ID)

	a := &action{Descriptor: cloneDescriptor(d), pending: pendingApply, local: true}
	s.actions[d.ID] = a
	if err := s.checkSize(); err != nil {
		delete(s.actions, d.ID)
		return err
	}
	s.markDirty()
	if eng != nil {
		return s.apply(eng, a)
	}
	return nil
}

// Update replaces the arguments of an existing action. Unknown or
// pending-removal ids are a no-op.
func (s *Set) Update(eng Engine, id uuid.UUID, args []byte) (bool, error) {
	a, ok := s.actions[id]
	if !ok || a.pending == pendingRemove {
		return false, nil
	}
	if bytes.Equal(a.Args, args) {
		return false, nil
	}
	if err := ValidateArguments(a.Type, args); err != nil {
		return false, err
	}
	prev := a.Args
	a.Args = bytes.Clone(args)
	if err := s.checkSize(); err != nil {
		a.Args = prev
		return false, err
	}
	s.markDirty()
	if eng == nil || a.handle == nil {
		if a.pending != pendingApply {
			a.pending = pendingUpdate
		}
		return true, nil
	}
	if err := eng.UpdateDynamic(a.handle, a.Args); err != nil {
		a.pending = pendingUpdate
		return true, fmt.Errorf("update dynamic %s: %w", id, err)
	}
	a.pending = pendingNone
	return true, nil
}

// Remove deletes an action and remembers its id for the retention window.
// Removing an id that is absent or was recently removed reports false.
func (s *Set) Remove(eng Engine, id uuid.UUID, now uint64) bool {
	s.deleted.Prune(now)
	if s.deleted.Contains(id, now) {
		return false
	}
	a, ok := s.actions[id]
	if !ok || a.pending == pendingRemove {
		return false
	}
	s.deleted.Remember(id, now)
	s.markDirty()
	if a.handle != nil && eng == nil {
		// The engine still holds it; finish on the next Attach.
		a.pending = pendingRemove
		return true
	}
	s.drop(eng, a)
	return true
}

// Clear removes every action and returns how many were removed.
func (s *Set) Clear(eng Engine, now uint64) int {
	n := 0
	for _, id := range s.IDs() {
		if s.Remove(eng, id, now) {
			n++
		}
	}
	return n
}

// Attach replays every queued mutation against eng.
func (s *Set) Attach(eng Engine) error {
	if eng == nil {
		return nil
	}
	var errs []error
	for _, id := range s.sortedKeys() {
		a := s.actions[id]
		switch a.pending {
		case pendingRemove:
			s.drop(eng, a)
		case pendingApply:
			if err := s.apply(eng, a); err != nil {
				errs = append(errs, err)
			}
		case pendingUpdate:
			if a.handle == nil {
				if err := s.apply(eng, a); err != nil {
					errs = append(errs, err)
				}
				continue
			}
			if err := eng.UpdateDynamic(a.handle, a.Args); err != nil {
				errs = append(errs, fmt.Errorf("update dynamic %s: %w", id, err))
				continue
			}
			a.pending = pendingNone
		}
	}
	return errors.Join(errs...)
}

// Detach releases every engine handle. Live actions are queued for
// re-application on the next Attach.
func (s *Set) Detach(eng Engine) {
	for _, id := range s.sortedKeys() {
		a := s.actions[id]
		if a.pending == pendingRemove {
			s.drop(eng, a)
			continue
		}
		if a.handle != nil {
			if eng != nil {
				eng.RemoveDynamic(a.handle)
			}
			a.handle = nil
		}
		a.pending = pendingApply
	}
}

// IDs lists live action ids in ascending order.
func (s *Set) IDs() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(s.actions))
	for _, id := range s.sortedKeys() {
		if s.actions[id].pending != pendingRemove {
			out = append(out, id)
		}
	}
	return out
}

func (s *Set) Len() int { return len(s.IDs()) }

func (s *Set) Arguments(id uuid.UUID) ([]byte, bool) {
	a, ok := s.actions[id]
	if !ok || a.pending == pendingRemove {
		return nil, false
	}
	return bytes.Clone(a.Args), true
}

func (s *Set) OfType(t Type) []Descriptor {
	var out []Descriptor
	for _, id := range s.IDs() {
		if a := s.actions[id]; a.Type == t {
			out = append(out, cloneDescriptor(a.Descriptor))
		}
	}
	return out
}

// Applied reports whether id currently holds an engine handle.
func (s *Set) Applied(id uuid.UUID) bool {
	a, ok := s.actions[id]
	return ok && a.handle != nil
}

func (s *Set) NeedsTransmit() bool { return s.needsTransmit }
func (s *Set) MarkTransmitted()    { s.needsTransmit = false }

// Data returns the serialized set. The result is cached until the set changes.
func (s *Set) Data() []byte {
	s.Refresh()
	return bytes.Clone(s.cache)
}

// Refresh recomputes the cached serialization if the set changed. After a
// Refresh, Data only reads and may be called by concurrent readers until the
// next mutation.
func (s *Set) Refresh() {
	if s.dirty || s.cache == nil {
		s.cache = s.serialize()
		s.dirty = false
	}
}

// SetData merges a serialized set received from the network. Recently
// removed ids are not resurrected; local actions not yet echoed back survive.
func (s *Set) SetData(eng Engine, data []byte, now uint64) (bool, error) {
	if bytes.Equal(data, s.Data()) {
		return false, nil
	}
	received, err := decode(data)
	if err != nil {
		return false, err
	}
	s.deleted.Prune(now)
	transmit := s.needsTransmit
	changed := false
	seen := make(map[uuid.UUID]struct{}, len(received))
	for _, d := range received {
		seen[d.ID] = struct{}{}
		if s.deleted.Contains(d.ID, now) {
			continue
		}
		if ValidateArguments(d.Type, d.Args) != nil {
			continue
		}
		a, ok := s.actions[d.ID]
		if ok && a.pending != pendingRemove && a.Type == d.Type {
			a.local = false
			if up, _ := s.Update(eng, d.ID, d.Args); up {
				changed = true
			}
			continue
		}
		if ok {
			s.drop(eng, a)
		}
		na := &action{Descriptor: cloneDescriptor(d), pending: pendingApply}
		s.actions[d.ID] = na
		changed = true
		if eng != nil {
			_ = s.apply(eng, na)
		}
	}
	for _, id := range s.sortedKeys() {
		a := s.actions[id]
		if _, ok := seen[id]; ok || a.local || a.pending == pendingRemove {
			continue
		}
		s.drop(eng, a)
		changed = true
	}
	s.cache = s.serialize()
	s.dirty = false
	s.needsTransmit = transmit
	return changed, nil
}

func (s *Set) apply(eng Engine, a *action) error {
	h, err := eng.AddDynamic(s.entityID, cloneDescriptor(a.Descriptor))
	if err != nil {
		a.pending = pendingApply
		return fmt.Errorf("add dynamic %s: %w", a.ID, err)
	}
	a.handle = h
	a.pending = pendingNone
	return nil
}

func (s *Set) drop(eng Engine, a *action) {
	if a.handle != nil && eng != nil {
		eng.RemoveDynamic(a.handle)
	}
	a.handle = nil
	delete(s.actions, a.ID)
}

func (s *Set) markDirty() {
	s.dirty = true
	s.needsTransmit = true
}

func (s *Set) checkSize() error {
	if n := len(s.serialize()); n > s.maxData {
		return fmt.Errorf("%w: %d > %d bytes", ErrActionDataTooLarge, n, s.maxData)
	}
	return nil
}

func (s *Set) sortedKeys() []uuid.UUID {
	keys := make([]uuid.UUID, 0, len(s.actions))
	for id := range s.actions {
		keys = append(keys, id)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })
	return keys
}

// serialize writes: version, uvarint count, then per action id, type and a
// length-prefixed argument blob, in id order.
func (s *Set) serialize() []byte {
	ids := s.IDs()
	b := []byte{dataVersion}
	b = encoding.AppendUvarint(b, uint64(len(ids)))
	for _, id := range ids {
		a := s.actions[id]
		b = encoding.AppendUUID(b, a.ID)
		b = encoding.AppendU8(b, uint8(a.Type))
		b = encoding.AppendBytes(b, a.Args)
	}
	return b
}

func decode(data []byte) ([]Descriptor, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r := encoding.NewReader(data)
	v, err := r.U8()
	if err != nil {
		return nil, err
	}
	if v != dataVersion {
		return nil, fmt.Errorf("%w: action data version %d", encoding.ErrMalformedStream, v)
	}
	n, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Remaining()) {
		return nil, fmt.Errorf("%w: action count %d exceeds buffer", encoding.ErrMalformedStream, n)
	}
	out := make([]Descriptor, 0, int(n))
	for i := uint64(0); i < n; i++ {
		id, err := r.UUID()
		if err != nil {
			return nil, err
		}
		t, err := r.U8()
		if err != nil {
			return nil, err
		}
		args, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		out = append(out, Descriptor{ID: id, Type: Type(t), Args: args})
	}
	return out, nil
}

func cloneDescriptor(d Descriptor) Descriptor {
	d.Args = bytes.Clone(d.Args)
	return d
}
