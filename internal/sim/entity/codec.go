package entity

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"entitysync/internal/sim/encoding"
	"entitysync/internal/sim/ownership"
)

// Record header flag bits.
const (
	headerForce uint8 = 1 << 0
)

const headerFixed = encoding.SizeUUID + encoding.SizeU8 + 3*encoding.SizeU64

type AppendState uint8

const (
	// AppendNone means no property fit in the budget. Nothing was written.
	AppendNone AppendState = iota
	// AppendPartial means some properties fit; retry NotFit in a later packet.
	AppendPartial
	// AppendComplete means every requested property was written.
	AppendComplete
)

func (s AppendState) String() string {
	switch s {
	case AppendNone:
		return "NONE"
	case AppendPartial:
		return "PARTIAL"
	case AppendComplete:
		return "COMPLETE"
	default:
		return fmt.Sprintf("AppendState(%d)", uint8(s))
	}
}

type AppendResult struct {
	Consumed PropertyFlags
	NotFit   PropertyFlags
	State    AppendState
}

// HeaderSize is the number of bytes a record for an entity of type t reserves
// ahead of its properties when asked for requested.
func HeaderSize(t Type, requested PropertyFlags) int {
	var tmp [binary.MaxVarintLen64]byte
	return headerFixed + binary.PutUvarint(tmp[:], uint64(t)) + requested.EncodedSize()
}

// AppendTo writes one entity record carrying as many of requested as fit in
// budget bytes, in canonical order. Packing stops at the first property that
// does not fit; it and every later requested property are reported in NotFit.
// Requested ids this variant does not carry are ignored.
func (e *Entity) AppendTo(dst []byte, requested PropertyFlags, budget int) ([]byte, AppendResult) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var res AppendResult
	requested = requested.Intersect(e.reg.all)
	if requested.Empty() {
		res.State = AppendComplete
		return dst, res
	}

	remaining := budget - HeaderSize(e.typ, requested)
	var body []byte
	full := false
	for _, d := range e.reg.order {
		if !requested.Has(d.ID) {
			continue
		}
		if full {
			res.NotFit.Set(d.ID)
			continue
		}
		v := e.valueLocked(d)
		n := encodedSize(d.Kind, v)
		if n > remaining {
			full = true
			res.NotFit.Set(d.ID)
			continue
		}
		body = appendValue(body, d.Kind, v)
		remaining -= n
		res.Consumed.Set(d.ID)
	}
	if res.Consumed.Empty() {
		res.State = AppendNone
		return dst, res
	}

	dst = encoding.AppendUUID(dst, e.id)
	dst = encoding.AppendUvarint(dst, uint64(e.typ))
	var flags uint8
	if e.forceNext && res.Consumed.Has(PropPosition) {
		flags |= headerForce
	}
	dst = encoding.AppendU8(dst, flags)
	dst = encoding.AppendU64(dst, e.created)
	dst = encoding.AppendU64(dst, e.lastEdited)
	dst = encoding.AppendU64(dst, e.lastSimulated)
	dst = encoding.AppendFlags(dst, res.Consumed)
	dst = append(dst, body...)

	if res.NotFit.Empty() {
		res.State = AppendComplete
	} else {
		res.State = AppendPartial
	}
	return dst, res
}

// Header is the fixed prefix of an entity record.
type Header struct {
	ID            uuid.UUID
	Type          Type
	Force         bool
	Created       uint64
	LastEdited    uint64
	LastSimulated uint64
	Properties    PropertyFlags
}

func readHeader(r *encoding.Reader) (Header, error) {
	var h Header
	var err error
	if h.ID, err = r.UUID(); err != nil {
		return h, err
	}
	t, err := r.Uvarint()
	if err != nil {
		return h, err
	}
	if t > 0xff || !Type(t).Valid() {
		return h, fmt.Errorf("%w: %w %d", encoding.ErrMalformedStream, ErrUnknownType, t)
	}
	h.Type = Type(t)
	flags, err := r.U8()
	if err != nil {
		return h, err
	}
	h.Force = flags&headerForce != 0
	if h.Created, err = r.U64(); err != nil {
		return h, err
	}
	if h.LastEdited, err = r.U64(); err != nil {
		return h, err
	}
	if h.LastSimulated, err = r.U64(); err != nil {
		return h, err
	}
	if h.Properties, err = r.Flags(); err != nil {
		return h, err
	}
	return h, nil
}

// PeekHeader decodes the header at the start of buf so a caller can find or
// create the addressed entity before reading the record into it.
func PeekHeader(buf []byte) (Header, error) {
	return readHeader(encoding.NewReader(buf))
}

type decodedProp struct {
	d *Descriptor
	v Value
}

// decodeRecord parses a whole record without touching any entity.
func decodeRecord(buf []byte) (Header, []decodedProp, int, error) {
	r := encoding.NewReader(buf)
	h, err := readHeader(r)
	if err != nil {
		return h, nil, 0, err
	}
	reg := RegistryFor(h.Type)
	if extra := h.Properties.Minus(reg.all); !extra.Empty() {
		return h, nil, 0, fmt.Errorf("%w: %w %v on %s", encoding.ErrMalformedStream, ErrUnknownProperty, extra, h.Type)
	}
	props := make([]decodedProp, 0, h.Properties.Count())
	for _, d := range reg.order {
		if !h.Properties.Has(d.ID) {
			continue
		}
		v, err := readValue(r, d.Kind)
		if err != nil {
			return h, nil, 0, fmt.Errorf("property %s: %w", d.Name, err)
		}
		if d.clamp != nil {
			v = d.clamp(v.(float32))
		}
		props = append(props, decodedProp{d: d, v: v})
	}
	return h, props, r.Offset(), nil
}

// ReadContext describes where a buffer came from.
type ReadContext struct {
	// ClockSkew is added to every timestamp in the buffer to express it in
	// local time (local clock minus sender clock).
	ClockSkew int64
	SenderID  uuid.UUID
	// Now overrides the entity clock when non-zero.
	Now uint64
	// Force applies every property regardless of edit times and simulation
	// ownership. Restoring persisted state uses it.
	Force bool
}

type ReadResult struct {
	Changed bool
	// N is the number of bytes the record occupied.
	N int
	// Applied lists properties whose value changed.
	Applied PropertyFlags
	// Stale lists properties discarded by the stale-update guard.
	Stale PropertyFlags
	// Ownership is set when the owner claim changed arbitration state.
	Ownership *ownership.Transition
}

// ReadFrom applies the record at the start of buf. The whole record is
// decoded first; a truncated or corrupt record returns an error wrapping
// encoding.ErrMalformedStream and nothing is applied.
//
// Non-physics properties apply only if the record's last-edited time (shifted
// by ctx.ClockSkew) is not older than ours. Physics properties apply only if that
// time is newer than the one they were last applied with and this participant
// does not own the simulation, unless the record is flagged force.
func (e *Entity) ReadFrom(buf []byte, ctx ReadContext) (ReadResult, error) {
	var res ReadResult
	h, props, n, err := decodeRecord(buf)
	if err != nil {
		return res, err
	}
	if h.ID != e.id {
		return res, fmt.Errorf("%w: record for %s read into %s", ErrWrongEntity, h.ID, e.id)
	}
	if h.Type != e.typ {
		return res, fmt.Errorf("%w: record type %s read into %s", ErrWrongEntity, h.Type, e.typ)
	}
	res.N = n

	e.mu.Lock()
	now := ctx.Now
	if now == 0 {
		now = e.now()
	}
	edited := adjustTimestamp(h.LastEdited, ctx.ClockSkew, now)
	// Records split by a partial append share one edit time, so an equal
	// time still applies; re-applying the same edit changes nothing.
	overwrite := edited >= e.lastEdited || ctx.Force
	newer := edited > e.lastEdited
	force := h.Force || ctx.Force

	var errs []error
	for _, p := range props {
		d := p.d
		switch {
		case d.ID == PropSimulationOwner:
			tr, ok := e.owner.ApplyRemote(p.v.(ownership.Claim), edited, now)
			if !ok {
				continue
			}
			if err := e.ownershipChangedLocked(tr); err != nil {
				errs = append(errs, err)
			}
			res.Ownership = &tr
			res.Applied.Set(d.ID)
		case d.Physics:
			la := e.applied[d.ID]
			if !force && (edited <= la.ts || e.owner.OwnsSimulation()) {
				res.Stale.Set(d.ID)
				continue
			}
			e.applied[d.ID] = lastApplied{value: p.v, ts: edited}
			if ok, _ := e.storeLocked(d, p.v, now); ok {
				res.Applied.Set(d.ID)
			}
		default:
			if !overwrite {
				res.Stale.Set(d.ID)
				continue
			}
			ok, err := e.storeLocked(d, p.v, now)
			if err != nil {
				errs = append(errs, fmt.Errorf("property %s: %w", d.Name, err))
			}
			if ok {
				res.Applied.Set(d.ID)
			}
		}
	}

	if newer {
		e.lastEdited = edited
		e.lastEditedFromRemote = now
		e.lastEditedFromRemoteInRemoteTime = h.LastEdited
	}
	if e.created == 0 {
		e.created = min(adjustTimestamp(h.Created, ctx.ClockSkew, now), e.lastEdited)
	}
	if sim := adjustTimestamp(h.LastSimulated, ctx.ClockSkew, now); sim > e.lastSimulated {
		e.lastSimulated = sim
	}
	e.mu.Unlock()

	if !res.Stale.Empty() {
		e.trace("entity %s: discarded stale %v from %s (edited %d)", e.id, res.Stale, ctx.SenderID, edited)
	}
	res.Changed = !res.Applied.Empty()
	e.notify(res.Applied)
	if len(errs) > 0 {
		return res, fmt.Errorf("read %s: %w", e.id, errors.Join(errs...))
	}
	return res, nil
}

// adjustTimestamp shifts a remote timestamp into local time and clamps it so
// a fast sender clock cannot produce edits from the future.
func adjustTimestamp(ts uint64, skew int64, now uint64) uint64 {
	if ts == 0 {
		return 0
	}
	v := int64(ts) + skew
	if v <= 0 {
		return 0
	}
	if uint64(v) > now {
		return now
	}
	return uint64(v)
}
