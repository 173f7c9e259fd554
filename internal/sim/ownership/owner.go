// Package ownership arbitrates which participant may apply physics to an
// entity. There is no central lock: a numeric priority decides, promotion is
// monotonic, and ties favor the incumbent owner.
package ownership

import (
	"fmt"

	"github.com/google/uuid"
)

// Priority levels shared by every participant.
const (
	NoPriority        uint8 = 0
	YieldPriority     uint8 = 1
	VolunteerPriority uint8 = YieldPriority + 1
	RecruitPriority   uint8 = VolunteerPriority + 1

	ScriptGrabPriority   uint8 = 0x80
	ScriptPokePriority   uint8 = ScriptGrabPriority - 1
	PersonalPriority     uint8 = ScriptGrabPriority
	AvatarEntityPriority uint8 = ScriptGrabPriority + 1

	MaxPriority uint8 = 0xff
)

// DefaultExpiryUsec is how long a remote claim stays valid without a refresh.
const DefaultExpiryUsec = uint64(2_000_000)

// EncodedSize is the wire width of an owner record: 16 byte id + priority.
const EncodedSize = 17

type State int

const (
	Unowned State = iota
	OwnedByOther
	OwnedBySelf
	BidPending
)

func (s State) String() string {
	switch s {
	case Unowned:
		return "UNOWNED"
	case OwnedByOther:
		return "OWNED_BY_OTHER"
	case OwnedBySelf:
		return "OWNED_BY_SELF"
	case BidPending:
		return "BID_PENDING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Claim is the (owner, priority) pair carried on the wire.
type Claim struct {
	ID       uuid.UUID
	Priority uint8
}

func (c Claim) IsNone() bool { return c.ID == uuid.Nil }

// Transition describes an ownership change, reported so callers can audit it.
type Transition struct {
	From, To State
	Before   Claim
	After    Claim
}

// Record is the per-entity arbitration state. It is not safe for concurrent
// use; the owning entity serializes access under its own lock.
type Record struct {
	self uuid.UUID

	owner    Claim
	expiry   uint64
	// seen holds the timestamp of the newest applied ownership update per
	// claimant, a release being charged to the owner it removed. released is
	// the newest release seen while unowned. Both survive Clear and Expire.
	seen     map[uuid.UUID]uint64
	released uint64

	pendingPriority uint8
	pendingSince    uint64

	expiryWindow uint64
}

// NewRecord returns an empty record for the local participant self.
func NewRecord(self uuid.UUID, expiryWindow uint64) *Record {
	if expiryWindow == 0 {
		expiryWindow = DefaultExpiryUsec
	}
	return &Record{self: self, expiryWindow: expiryWindow, seen: map[uuid.UUID]uint64{}}
}

func (r *Record) Self() uuid.UUID { return r.self }
func (r *Record) Owner() Claim    { return r.owner }

func (r *Record) PendingPriority() uint8 { return r.pendingPriority }
func (r *Record) PendingSince() uint64   { return r.pendingSince }

func (r *Record) State() State {
	switch {
	case !r.owner.IsNone() && r.owner.ID == r.self:
		return OwnedBySelf
	case r.pendingPriority > NoPriority:
		return BidPending
	case !r.owner.IsNone():
		return OwnedByOther
	default:
		return Unowned
	}
}

// OwnsSimulation is true when this participant is the authoritative owner.
func (r *Record) OwnsSimulation() bool { return r.State() == OwnedBySelf }

// HasExpired reports whether a remote owner has gone quiet for longer than the
// expiry window. Self ownership never expires here.
func (r *Record) HasExpired(now uint64) bool {
	if r.owner.IsNone() || r.owner.ID == r.self {
		return false
	}
	return now >= r.expiry
}

// The claim (id, p) replaces the current owner when any of these hold:
// there is no owner, the current claim has expired, the claimant is the
// current owner (refresh or voluntary downgrade), or p is strictly higher.
// Equal priority keeps the incumbent.
func (r *Record) wins(c Claim, now uint64) bool {
	if r.owner.IsNone() || r.HasExpired(now) {
		return true
	}
	if c.ID == r.owner.ID {
		return true
	}
	return c.Priority > r.owner.Priority
}

// ApplyRemote considers an ownership claim received from the network with the
// claim timestamp ts (already in local time). It returns the transition and
// whether anything changed. A none-claim releases ownership unless this
// participant holds it at a priority the release cannot override. Updates
// older than the newest one applied from the same claimant are ignored, as
// are claims older than a release that left the entity unowned.
func (r *Record) ApplyRemote(c Claim, ts, now uint64) (Transition, bool) {
	before, prevState := r.owner, r.State()

	switch {
	case c.IsNone():
		if prevState == OwnedBySelf {
			// Releases only name the owner implicitly; ours stands until we yield.
			return Transition{}, false
		}
		if r.owner.IsNone() {
			r.released = max(r.released, ts)
			return Transition{}, false
		}
		if ts < r.seen[r.owner.ID] {
			// The owner refreshed its claim after this release was sent.
			return Transition{}, false
		}
		r.markSeen(r.owner.ID, ts)
		r.released = max(r.released, ts)
		r.owner = Claim{}
		r.expiry = 0
	case c.ID == r.self:
		// Echo of our own claim. If nothing local contradicts it, adopt it.
		if prevState == OwnedBySelf && c.Priority <= r.owner.Priority {
			return Transition{}, false
		}
		if prevState == OwnedByOther && !r.wins(c, now) {
			return Transition{}, false
		}
		r.owner = c
		r.pendingPriority, r.pendingSince = NoPriority, 0
	default:
		if prevState == OwnedBySelf && r.owner.Priority >= c.Priority {
			return Transition{}, false
		}
		if ts < r.seen[c.ID] {
			// Late packet from this claimant; a newer update already applied.
			return Transition{}, false
		}
		if r.owner.IsNone() && ts < r.released {
			return Transition{}, false
		}
		if !r.wins(c, now) {
			return Transition{}, false
		}
		if c.ID == r.owner.ID && c.Priority == r.owner.Priority {
			r.expiry = now + r.expiryWindow
			r.markSeen(c.ID, ts)
			return Transition{}, false
		}
		r.owner = c
		r.expiry = now + r.expiryWindow
		r.markSeen(c.ID, ts)
		// Any subsequent transition supersedes an outstanding bid.
		r.pendingPriority, r.pendingSince = NoPriority, 0
	}
	return Transition{From: prevState, To: r.State(), Before: before, After: r.owner}, true
}

func (r *Record) markSeen(id uuid.UUID, ts uint64) {
	if ts > r.seen[id] {
		r.seen[id] = ts
	}
}

// Bid records a local request for simulation control. It is not
// authoritative until Fulfil is called.
func (r *Record) Bid(priority uint8, now uint64) bool {
	if priority == NoPriority {
		return false
	}
	if r.State() == OwnedBySelf {
		return r.Promote(priority)
	}
	if priority <= r.pendingPriority {
		return false
	}
	r.pendingPriority = priority
	r.pendingSince = now
	return true
}

// Promote raises the priority of the held claim or outstanding bid. It never
// lowers it.
func (r *Record) Promote(priority uint8) bool {
	switch r.State() {
	case OwnedBySelf:
		if priority <= r.owner.Priority {
			return false
		}
		r.owner.Priority = priority
		return true
	case BidPending:
		if priority <= r.pendingPriority {
			return false
		}
		r.pendingPriority = priority
		return true
	default:
		return false
	}
}

// Fulfil turns an outstanding bid into self ownership. It is called when the
// physics engine attaches state to the entity.
func (r *Record) Fulfil() (Transition, bool) {
	if r.State() != BidPending {
		return Transition{}, false
	}
	before, from := r.owner, r.State()
	r.owner = Claim{ID: r.self, Priority: r.pendingPriority}
	r.expiry = 0
	r.pendingPriority, r.pendingSince = NoPriority, 0
	return Transition{From: from, To: OwnedBySelf, Before: before, After: r.owner}, true
}

// Set overrides the owner outright. Servers use it for authoritative edits.
func (r *Record) Set(c Claim, now uint64) (Transition, bool) {
	if c == r.owner {
		return Transition{}, false
	}
	before, from := r.owner, r.State()
	r.owner = c
	r.expiry = now + r.expiryWindow
	if c.ID == r.self {
		r.pendingPriority, r.pendingSince = NoPriority, 0
	}
	return Transition{From: from, To: r.State(), Before: before, After: r.owner}, true
}

// Clear drops the owner and any pending bid.
func (r *Record) Clear() (Transition, bool) {
	if r.State() == Unowned {
		return Transition{}, false
	}
	before, from := r.owner, r.State()
	r.owner = Claim{}
	r.expiry = 0
	r.pendingPriority, r.pendingSince = NoPriority, 0
	return Transition{From: from, To: Unowned, Before: before, After: r.owner}, true
}

// Expire drops a remote owner that has not refreshed its claim in time.
func (r *Record) Expire(now uint64) (Transition, bool) {
	if !r.HasExpired(now) {
		return Transition{}, false
	}
	before, from := r.owner, r.State()
	r.owner = Claim{}
	r.expiry = 0
	return Transition{From: from, To: r.State(), Before: before, After: r.owner}, true
}
