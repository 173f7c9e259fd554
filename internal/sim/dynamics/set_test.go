package dynamics

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

type fakeEngine struct {
	next    int
	live    map[int]Descriptor
	updates int
}

func newFakeEngine() *fakeEngine { return &fakeEngine{live: map[int]Descriptor{}} }

func (e *fakeEngine) AddDynamic(_ uuid.UUID, d Descriptor) (Handle, error) {
	e.next++
	e.live[e.next] = d
	return e.next, nil
}

func (e *fakeEngine) UpdateDynamic(h Handle, args []byte) error {
	d := e.live[h.(int)]
	d.Args = args
	e.live[h.(int)] = d
	e.updates++
	return nil
}

func (e *fakeEngine) RemoveDynamic(h Handle) { delete(e.live, h.(int)) }

const springArgs = `{"targetPosition":{"x":1,"y":2,"z":3},"linearTimeScale":0.5}`

func spring(id uuid.UUID) Descriptor {
	return Descriptor{ID: id, Type: TypeSpring, Args: []byte(springArgs)}
}

func TestSet_RemoveTwiceIsNoop(t *testing.T) {
	eng := newFakeEngine()
	s := NewSet(uuid.New(), Options{})
	id := uuid.New()
	if err := s.Add(eng, spring(id), 100); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !s.Remove(eng, id, 200) {
		t.Fatalf("first remove should succeed")
	}
	for _, got := range s.IDs() {
		if got == id {
			t.Fatalf("action still listed after remove")
		}
	}
	if s.Remove(eng, id, 300) {
		t.Fatalf("second remove should be a no-op")
	}
	if len(eng.live) != 0 {
		t.Fatalf("engine still holds %d actions", len(eng.live))
	}
}

func TestSet_QueuedUntilAttach(t *testing.T) {
	s := NewSet(uuid.New(), Options{})
	a, b := uuid.New(), uuid.New()
	if err := s.Add(nil, spring(a), 1); err != nil {
		t.Fatalf("Add a: %v", err)
	}
	if err := s.Add(nil, spring(b), 1); err != nil {
		t.Fatalf("Add b: %v", err)
	}
	if _, err := s.Update(nil, a, []byte(`{"linearTimeScale":2}`)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	s.Remove(nil, b, 2)
	if s.Applied(a) {
		t.Fatalf("nothing should be applied before attach")
	}

	eng := newFakeEngine()
	if err := s.Attach(eng); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !s.Applied(a) || len(eng.live) != 1 {
		t.Fatalf("expected exactly a applied, engine has %d", len(eng.live))
	}
	for _, d := range eng.live {
		if !strings.Contains(string(d.Args), `"linearTimeScale":2`) {
			t.Fatalf("queued update not replayed: %s", d.Args)
		}
	}

	s.Detach(eng)
	if s.Applied(a) || len(eng.live) != 0 {
		t.Fatalf("detach should release handles")
	}
	if ids := s.IDs(); len(ids) != 1 || ids[0] != a {
		t.Fatalf("detach must keep the action, ids=%v", ids)
	}
	if err := s.Attach(eng); err != nil || !s.Applied(a) {
		t.Fatalf("re-attach should re-apply: err=%v", err)
	}
}

func TestSet_RejectsBadArguments(t *testing.T) {
	s := NewSet(uuid.New(), Options{})
	err := s.Add(nil, Descriptor{ID: uuid.New(), Type: TypeHold, Args: []byte(`{"hand":"middle"}`)}, 1)
	if !errors.Is(err, ErrInvalidArguments) {
		t.Fatalf("expected ErrInvalidArguments, got %v", err)
	}
	err = s.Add(nil, Descriptor{ID: uuid.New(), Type: Type(200)}, 1)
	if !errors.Is(err, ErrUnknownActionType) {
		t.Fatalf("expected ErrUnknownActionType, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("rejected actions must not be stored")
	}
}

func TestSet_MaxDataSize(t *testing.T) {
	s := NewSet(uuid.New(), Options{MaxDataSize: 120})
	if err := s.Add(nil, spring(uuid.New()), 1); err != nil {
		t.Fatalf("first add: %v", err)
	}
	err := s.Add(nil, spring(uuid.New()), 1)
	if !errors.Is(err, ErrActionDataTooLarge) {
		t.Fatalf("expected ErrActionDataTooLarge, got %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("oversized add should roll back, len=%d", s.Len())
	}
}

func TestSet_DataRoundTripAndDeletedNotResurrected(t *testing.T) {
	src := NewSet(uuid.New(), Options{})
	a, b := uuid.New(), uuid.New()
	_ = src.Add(nil, spring(a), 1)
	_ = src.Add(nil, spring(b), 1)
	blob := src.Data()

	dst := NewSet(uuid.New(), Options{})
	changed, err := dst.SetData(nil, blob, 10)
	if err != nil || !changed {
		t.Fatalf("SetData: changed=%v err=%v", changed, err)
	}
	if dst.Len() != 2 {
		t.Fatalf("len=%d want 2", dst.Len())
	}
	if string(dst.Data()) != string(blob) {
		t.Fatalf("re-serialized data differs")
	}

	// A removal followed by a late copy of the old blob must not bring a back.
	dst.Remove(nil, a, 20)
	if _, err := dst.SetData(nil, blob, 30); err != nil {
		t.Fatalf("SetData late: %v", err)
	}
	if _, ok := dst.Arguments(a); ok {
		t.Fatalf("recently deleted action resurrected")
	}
	if _, ok := dst.Arguments(b); !ok {
		t.Fatalf("b should survive")
	}
}

func TestSet_SetDataDropsRemoteRemovals(t *testing.T) {
	s := NewSet(uuid.New(), Options{})
	remoteA := uuid.New()
	src := NewSet(uuid.New(), Options{})
	_ = src.Add(nil, spring(remoteA), 1)
	if _, err := s.SetData(nil, src.Data(), 2); err != nil {
		t.Fatalf("SetData: %v", err)
	}
	local := uuid.New()
	_ = s.Add(nil, spring(local), 3)

	empty := NewSet(uuid.New(), Options{})
	if _, err := s.SetData(nil, empty.Data(), 4); err != nil {
		t.Fatalf("SetData empty: %v", err)
	}
	if _, ok := s.Arguments(remoteA); ok {
		t.Fatalf("remote action omitted by sender should be removed")
	}
	if _, ok := s.Arguments(local); !ok {
		t.Fatalf("local action not yet echoed must survive")
	}
}

func TestSet_DataCached(t *testing.T) {
	s := NewSet(uuid.New(), Options{})
	_ = s.Add(nil, spring(uuid.New()), 1)
	first := s.Data()
	if s.dirty {
		t.Fatalf("Data should clear the dirty mark")
	}
	if string(s.Data()) != string(first) {
		t.Fatalf("cached data changed without mutation")
	}
	if !s.NeedsTransmit() {
		t.Fatalf("add should request transmit")
	}
	s.MarkTransmitted()
	if s.NeedsTransmit() {
		t.Fatalf("MarkTransmitted should clear")
	}
}

func TestSet_OfTypeAndClear(t *testing.T) {
	s := NewSet(uuid.New(), Options{})
	_ = s.Add(nil, spring(uuid.New()), 1)
	_ = s.Add(nil, Descriptor{ID: uuid.New(), Type: TypeBallSocket, Args: []byte(`{"pivot":{"x":0,"y":0,"z":0}}`)}, 1)
	if got := len(s.OfType(TypeSpring)); got != 1 {
		t.Fatalf("OfType spring: %d", got)
	}
	if n := s.Clear(nil, 5); n != 2 {
		t.Fatalf("Clear removed %d want 2", n)
	}
	if s.Len() != 0 {
		t.Fatalf("len after clear=%d", s.Len())
	}
}

func TestParseType(t *testing.T) {
	for tt := range typeNames {
		got, ok := ParseType(tt.String())
		if !ok || got != tt {
			t.Fatalf("ParseType(%q)=%v,%v", tt.String(), got, ok)
		}
	}
	if _, ok := ParseType("nope"); ok {
		t.Fatalf("unknown name accepted")
	}
}

func TestSet_DeletedIDsExpire(t *testing.T) {
	eng := newFakeEngine()
	s := NewSet(uuid.New(), Options{RememberDeletedUsec: 1000})
	now := uint64(1)
	for i := 0; i < 500; i++ {
		id := uuid.New()
		if err := s.Add(eng, spring(id), now); err != nil {
			t.Fatalf("Add: %v", err)
		}
		if !s.Remove(eng, id, now) {
			t.Fatalf("remove %d failed", i)
		}
		now += 10_000
	}
	if n := s.deleted.Len(); n != 1 {
		t.Fatalf("deleted window holds %d ids, want only the latest", n)
	}

	src := NewSet(uuid.New(), Options{})
	if err := src.Add(nil, spring(uuid.New()), now); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetData(eng, src.Data(), now+10_000); err != nil {
		t.Fatalf("SetData: %v", err)
	}
	if n := s.deleted.Len(); n != 0 {
		t.Fatalf("deleted window holds %d expired ids after SetData", n)
	}
}
