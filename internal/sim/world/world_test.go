package world

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"entitysync/internal/persistence/snapshot"
	"entitysync/internal/protocol"
	"entitysync/internal/sim/entity"
	"entitysync/internal/sim/mathx"
	"entitysync/internal/sim/ownership"
)

type fakeClock struct{ t uint64 }

func (c *fakeClock) now() uint64 { return c.t }

type auditSink struct{ entries []AuditEntry }

func (a *auditSink) WriteAudit(e AuditEntry) error {
	a.entries = append(a.entries, e)
	return nil
}

func (a *auditSink) count(action string) int {
	n := 0
	for _, e := range a.entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

type tickSink struct{ entries []TickLogEntry }

func (s *tickSink) WriteTick(e TickLogEntry) error {
	s.entries = append(s.entries, e)
	return nil
}

func newTestWorld(t *testing.T, clk *fakeClock, mutate func(*Config)) (*World, *auditSink) {
	t.Helper()
	cfg := Config{ServerID: uuid.New(), PacketBudgetBytes: 1400, Now: clk.now}
	if mutate != nil {
		mutate(&cfg)
	}
	w := New(cfg)
	a := &auditSink{}
	w.SetAuditLogger(a)
	return w, a
}

type testPeer struct {
	id      uuid.UUID
	session string
	out     chan Frame
}

func join(t *testing.T, w *World, clk *fakeClock, queue int) testPeer {
	t.Helper()
	p := testPeer{id: uuid.New(), out: make(chan Frame, queue)}
	resp := w.joinPeer(JoinRequest{
		Hello: protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, PeerID: p.id.String(), ClockUsec: clk.t},
		Out:   p.out,
	})
	if resp.Error != nil {
		t.Fatalf("join refused: %+v", resp.Error)
	}
	p.session = resp.Welcome.SessionID
	return p
}

func drain(ch chan Frame) []Frame {
	var out []Frame
	for {
		select {
		case f := <-ch:
			out = append(out, f)
		default:
			return out
		}
	}
}

type decoded struct {
	edits  [][]byte
	erases []uuid.UUID
	errors []protocol.ErrorMsg
}

func decodeFrames(t *testing.T, frames []Frame) decoded {
	t.Helper()
	var d decoded
	for _, f := range frames {
		if f.Text {
			var m protocol.ErrorMsg
			if err := json.Unmarshal(f.Data, &m); err != nil {
				t.Fatalf("text frame: %v", err)
			}
			d.errors = append(d.errors, m)
			continue
		}
		kind, recs, err := protocol.DecodePacket(f.Data)
		if err != nil {
			t.Fatalf("decode packet: %v", err)
		}
		for _, rec := range recs {
			switch kind {
			case protocol.KindEdit:
				d.edits = append(d.edits, rec)
			case protocol.KindErase:
				id, err := protocol.DecodeEraseRecord(rec)
				if err != nil {
					t.Fatalf("erase record: %v", err)
				}
				d.erases = append(d.erases, id)
			}
		}
	}
	return d
}

// replicate applies edit records to fresh peer-side entities.
func replicate(t *testing.T, clk *fakeClock, self uuid.UUID, edits [][]byte) map[uuid.UUID]*entity.Entity {
	t.Helper()
	out := map[uuid.UUID]*entity.Entity{}
	for _, rec := range edits {
		h, err := entity.PeekHeader(rec)
		if err != nil {
			t.Fatalf("peek: %v", err)
		}
		e := out[h.ID]
		if e == nil {
			if e, err = entity.NewFromRemote(h.ID, h.Type, entity.Options{Self: self, Now: clk.now}); err != nil {
				t.Fatalf("new remote: %v", err)
			}
			out[h.ID] = e
		}
		if _, err := e.ReadFrom(rec, entity.ReadContext{}); err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	return out
}

func editPacket(t *testing.T, recs ...[]byte) []byte {
	t.Helper()
	pw := protocol.NewPacketWriter(protocol.KindEdit, 1400)
	for _, r := range recs {
		if !pw.Add(r) {
			t.Fatalf("record of %d bytes does not fit", len(r))
		}
	}
	return append([]byte(nil), pw.Bytes()...)
}

func TestWorld_JoinValidatesHello(t *testing.T) {
	clk := &fakeClock{t: 1_000_000}
	w, _ := newTestWorld(t, clk, nil)
	out := make(chan Frame, 1)

	cases := []struct {
		name  string
		hello protocol.HelloMsg
		code  string
	}{
		{"version", protocol.HelloMsg{ProtocolVersion: "0.1", PeerID: uuid.NewString()}, protocol.ErrProtoVersion},
		{"peer id", protocol.HelloMsg{ProtocolVersion: protocol.Version, PeerID: "nope"}, protocol.ErrProtoBadRequest},
		{"nil peer", protocol.HelloMsg{ProtocolVersion: protocol.Version, PeerID: uuid.Nil.String()}, protocol.ErrProtoBadRequest},
		{"server id", protocol.HelloMsg{ProtocolVersion: protocol.Version, PeerID: w.ServerID().String()}, protocol.ErrProtoBadRequest},
	}
	for _, tc := range cases {
		resp := w.joinPeer(JoinRequest{Hello: tc.hello, Out: out})
		if resp.Error == nil || resp.Error.Code != tc.code {
			t.Fatalf("%s: resp=%+v want %s", tc.name, resp, tc.code)
		}
	}
	if len(w.peers) != 0 {
		t.Fatalf("refused joins registered peers: %d", len(w.peers))
	}

	hello := protocol.HelloMsg{ProtocolVersion: protocol.Version, PeerID: uuid.NewString(), ClockUsec: 400_000}
	resp := w.joinPeer(JoinRequest{Hello: hello, Out: out})
	if resp.Error != nil || resp.Welcome.SessionID == "" || resp.Welcome.ServerClockUsec != clk.t {
		t.Fatalf("welcome: %+v", resp)
	}
	if p := w.peers[resp.Welcome.SessionID]; p == nil || p.skew != 600_000 {
		t.Fatalf("peer skew: %+v", p)
	}
}

func TestWorld_NewPeerGetsFullState(t *testing.T) {
	clk := &fakeClock{t: 1_000_000}
	w, _ := newTestWorld(t, clk, nil)
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		e, err := w.create(entity.TypeBox, uuid.Nil, map[entity.PropertyID]entity.Value{
			entity.PropPosition: mathx.V3(float32(i), 0, 0),
			entity.PropName:     "box",
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, e.ID())
	}
	// No peers yet: pending state is dropped, not queued.
	w.step(clk.t, nil)
	for _, id := range ids {
		if !w.Entity(id).PendingBroadcast().Empty() {
			t.Fatalf("pending not cleared without peers")
		}
	}

	p := join(t, w, clk, 64)
	clk.t += 33_000
	w.step(clk.t, nil)

	got := replicate(t, clk, p.id, decodeFrames(t, drain(p.out)).edits)
	if len(got) != 3 {
		t.Fatalf("replicated %d entities, want 3", len(got))
	}
	for i, id := range ids {
		e := got[id]
		if e == nil || e.Position() != mathx.V3(float32(i), 0, 0) || e.Name() != "box" {
			t.Fatalf("entity %d not replicated: %+v", i, e)
		}
	}
	if len(w.peers[p.session].backlog) != 0 {
		t.Fatalf("backlog not drained")
	}
}

func TestWorld_RelaysPeerEdits(t *testing.T) {
	clk := &fakeClock{t: 2_000_000}
	w, audit := newTestWorld(t, clk, nil)
	a := join(t, w, clk, 64)
	b := join(t, w, clk, 64)

	local, err := entity.New(uuid.New(), entity.TypeSphere, entity.Options{Self: a.id, Now: clk.now})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := local.SetProperties(map[entity.PropertyID]entity.Value{
		entity.PropPosition: mathx.V3(7, 8, 9),
		entity.PropName:     "ball",
	}); err != nil {
		t.Fatal(err)
	}
	rec, _ := local.AppendTo(nil, local.Registry().All(), 1200)

	ticks := &tickSink{}
	w.SetTickLogger(ticks)
	w.step(clk.t, []Inbound{{SessionID: a.session, Data: editPacket(t, rec)}})

	srv := w.Entity(local.ID())
	if srv == nil || srv.Position() != mathx.V3(7, 8, 9) {
		t.Fatalf("server copy: %+v", srv)
	}
	if audit.count(AuditCreate) != 1 {
		t.Fatalf("audit: %+v", audit.entries)
	}
	got := replicate(t, clk, b.id, decodeFrames(t, drain(b.out)).edits)
	if e := got[local.ID()]; e == nil || e.Name() != "ball" {
		t.Fatalf("peer b did not receive the edit")
	}
	if len(ticks.entries) != 1 || ticks.entries[0].Applied == 0 || ticks.entries[0].Packets == 0 {
		t.Fatalf("tick log: %+v", ticks.entries)
	}

	// The same packet again changes nothing.
	clk.t += 10_000
	w.step(clk.t, []Inbound{{SessionID: a.session, Data: editPacket(t, rec)}})
	if d := decodeFrames(t, drain(b.out)); len(d.edits) != 0 {
		t.Fatalf("duplicate was relayed: %d records", len(d.edits))
	}
}

func TestWorld_RejectsMalformedPackets(t *testing.T) {
	clk := &fakeClock{t: 1_000_000}
	w, audit := newTestWorld(t, clk, nil)
	p := join(t, w, clk, 64)

	local, _ := entity.New(uuid.New(), entity.TypeBox, entity.Options{Self: p.id, Now: clk.now})
	rec, _ := local.AppendTo(nil, local.Registry().All(), 1200)

	w.step(clk.t, []Inbound{
		{SessionID: p.session, Data: []byte{9, 9}},
		{SessionID: p.session, Data: editPacket(t, rec[:len(rec)-3])},
		{SessionID: "unknown", Data: editPacket(t, rec)},
	})
	d := decodeFrames(t, drain(p.out))
	if len(d.errors) != 2 {
		t.Fatalf("errors=%+v want 2", d.errors)
	}
	for _, m := range d.errors {
		if m.Code != protocol.ErrMalformedStream {
			t.Fatalf("code=%s", m.Code)
		}
	}
	if w.Entity(local.ID()) != nil {
		t.Fatalf("truncated record created an entity")
	}
	if audit.count(AuditReject) != 2 || w.rejected != 2 {
		t.Fatalf("rejects audited=%d counted=%d", audit.count(AuditReject), w.rejected)
	}
}

func TestWorld_EraseIsBroadcast(t *testing.T) {
	clk := &fakeClock{t: 1_000_000}
	w, audit := newTestWorld(t, clk, nil)
	e, _ := w.create(entity.TypeBox, uuid.Nil, nil)
	p := join(t, w, clk, 64)
	w.step(clk.t, nil)
	drain(p.out)

	if !w.erase(e.ID(), "", "local") || w.erase(e.ID(), "", "local") {
		t.Fatalf("erase should succeed once")
	}
	w.step(clk.t+1000, nil)
	d := decodeFrames(t, drain(p.out))
	if len(d.erases) != 1 || d.erases[0] != e.ID() {
		t.Fatalf("erases=%v", d.erases)
	}
	if audit.count(AuditErase) != 1 {
		t.Fatalf("audit: %+v", audit.entries)
	}

	// A peer erase of an unknown id is ignored.
	rec := protocol.EraseRecord(uuid.New())
	pw := protocol.NewPacketWriter(protocol.KindErase, 1400)
	pw.Add(rec)
	w.step(clk.t+2000, []Inbound{{SessionID: p.session, Data: pw.Bytes()}})
	if d := decodeFrames(t, drain(p.out)); len(d.erases) != 0 || len(d.errors) != 0 {
		t.Fatalf("unexpected frames: %+v", d)
	}
}

func TestWorld_SmallBudgetSplitsRecords(t *testing.T) {
	clk := &fakeClock{t: 1_000_000}
	w, _ := newTestWorld(t, clk, func(c *Config) { c.PacketBudgetBytes = 128 })
	e, err := w.create(entity.TypeModel, uuid.Nil, map[entity.PropertyID]entity.Value{
		entity.PropPosition:    mathx.V3(1, 1, 1),
		entity.PropName:        "a fairly long model name",
		entity.PropDescription: "described",
		entity.PropModelURL:    "https://example.com/model.fbx",
	})
	if err != nil {
		t.Fatal(err)
	}
	w.step(clk.t, nil)
	p := join(t, w, clk, 256)
	w.step(clk.t+1000, nil)

	frames := drain(p.out)
	if len(frames) < 2 {
		t.Fatalf("frames=%d, want the record split across packets", len(frames))
	}
	for _, f := range frames {
		if len(f.Data) > 128 {
			t.Fatalf("packet of %d bytes exceeds budget", len(f.Data))
		}
	}
	got := replicate(t, clk, p.id, decodeFrames(t, frames).edits)[e.ID()]
	if got == nil || got.Name() != "a fairly long model name" || got.Position() != mathx.V3(1, 1, 1) {
		t.Fatalf("reassembled entity: %+v", got)
	}
	url, _ := got.Get(entity.PropModelURL)
	if url != "https://example.com/model.fbx" {
		t.Fatalf("model url=%v", url)
	}
}

func TestWorld_OversizedPropertyIsDropped(t *testing.T) {
	clk := &fakeClock{t: 1_000_000}
	w, _ := newTestWorld(t, clk, func(c *Config) { c.PacketBudgetBytes = 128 })
	p := join(t, w, clk, 256)
	e, err := w.create(entity.TypeBox, uuid.Nil, map[entity.PropertyID]entity.Value{
		entity.PropName: strings.Repeat("n", 500),
	})
	if err != nil {
		t.Fatal(err)
	}
	w.step(clk.t, nil)
	if !e.PendingBroadcast().Empty() {
		t.Fatalf("pending=%v", e.PendingBroadcast())
	}
	got := replicate(t, clk, p.id, decodeFrames(t, drain(p.out)).edits)[e.ID()]
	if got == nil || got.Name() != "" {
		t.Fatalf("oversized name should not arrive: %+v", got)
	}
}

func TestWorld_ServerClaimsMovingEntities(t *testing.T) {
	clk := &fakeClock{t: 1_000_000}
	w, audit := newTestWorld(t, clk, func(c *Config) { c.ServerPriority = ownership.VolunteerPriority })
	e, _ := w.create(entity.TypeBox, uuid.Nil, map[entity.PropertyID]entity.Value{
		entity.PropVelocity: mathx.V3(1, 0, 0),
	})
	still, _ := w.create(entity.TypeBox, uuid.Nil, nil)

	w.step(clk.t, nil)
	clk.t += 100_000
	w.step(clk.t, nil)

	if !e.OwnsSimulation() || e.Position().X <= 0 {
		t.Fatalf("owns=%v pos=%v", e.OwnsSimulation(), e.Position())
	}
	if e.LastEdited() != clk.t {
		t.Fatalf("simulation not committed: lastEdited=%d", e.LastEdited())
	}
	if still.OwnsSimulation() {
		t.Fatalf("resting entity was claimed")
	}
	if audit.count(AuditOwnership) != 1 {
		t.Fatalf("audit: %+v", audit.entries)
	}
}

func TestWorld_RemoteOwnershipExpires(t *testing.T) {
	clk := &fakeClock{t: 1_000_000}
	w, audit := newTestWorld(t, clk, func(c *Config) { c.OwnershipExpiryUsec = 500_000 })
	p := join(t, w, clk, 64)

	local, _ := entity.New(uuid.New(), entity.TypeBox, entity.Options{Self: p.id, Now: clk.now})
	if err := local.Set(entity.PropSimulationOwner, ownership.Claim{ID: p.id, Priority: ownership.RecruitPriority}); err != nil {
		t.Fatal(err)
	}
	rec, _ := local.AppendTo(nil, local.Registry().All(), 1200)
	w.step(clk.t, []Inbound{{SessionID: p.session, Data: editPacket(t, rec)}})

	srv := w.Entity(local.ID())
	if st, c := srv.Ownership(); st != ownership.OwnedByOther || c.ID != p.id {
		t.Fatalf("state=%v claim=%+v", st, c)
	}
	clk.t += 600_000
	w.step(clk.t, nil)
	if st, _ := srv.Ownership(); st != ownership.Unowned {
		t.Fatalf("state=%v after expiry", st)
	}
	if audit.count(AuditOwnership) != 1 || audit.count(AuditExpire) != 1 {
		t.Fatalf("audit: %+v", audit.entries)
	}
}

func TestWorld_LifetimeErases(t *testing.T) {
	clk := &fakeClock{t: 1_000_000}
	w, _ := newTestWorld(t, clk, nil)
	e, _ := w.create(entity.TypeBox, uuid.Nil, map[entity.PropertyID]entity.Value{
		entity.PropLifetime: float32(1),
	})
	w.step(clk.t+500_000, nil)
	if w.Entity(e.ID()) == nil {
		t.Fatalf("erased too early")
	}
	w.step(clk.t+1_000_000, nil)
	if w.Entity(e.ID()) != nil {
		t.Fatalf("expired entity still present")
	}
}

func TestWorld_ClientOnlyStaysLocal(t *testing.T) {
	clk := &fakeClock{t: 1_000_000}
	w, _ := newTestWorld(t, clk, nil)
	p := join(t, w, clk, 64)
	avatar := uuid.New()
	e, err := w.create(entity.TypeText, avatar, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.step(clk.t, nil)
	if d := decodeFrames(t, drain(p.out)); len(d.edits) != 0 {
		t.Fatalf("client-only entity broadcast")
	}
	snap := w.ExportSnapshot(clk.t)
	if len(snap.Entities) != 1 || snap.Entities[0].OwningAvatar != avatar.String() {
		t.Fatalf("snapshot: %+v", snap.Entities)
	}
	w.erase(e.ID(), "", "local")
	if len(w.erased) != 0 {
		t.Fatalf("client-only erase queued for broadcast")
	}
}

func TestWorld_LaggingPeerIsResynced(t *testing.T) {
	clk := &fakeClock{t: 1_000_000}
	w, _ := newTestWorld(t, clk, func(c *Config) { c.PacketBudgetBytes = 128 })
	for i := 0; i < 3; i++ {
		if _, err := w.create(entity.TypeBox, uuid.Nil, nil); err != nil {
			t.Fatal(err)
		}
	}
	w.step(clk.t, nil)
	p := join(t, w, clk, 1)
	w.step(clk.t+1000, nil)

	srv := w.peers[p.session]
	if srv.lagged != 1 || len(srv.backlog) != 3 {
		t.Fatalf("lagged=%d backlog=%d", srv.lagged, len(srv.backlog))
	}
}

func TestWorld_SnapshotRoundTrip(t *testing.T) {
	clk := &fakeClock{t: 5_000_000}
	w, _ := newTestWorld(t, clk, nil)
	e, err := w.create(entity.TypeWeb, uuid.Nil, map[entity.PropertyID]entity.Value{
		entity.PropPosition:        mathx.V3(3, 2, 1),
		entity.PropSourceURL:       "https://example.com",
		entity.PropSimulationOwner: ownership.Claim{ID: w.ServerID(), Priority: ownership.VolunteerPriority},
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		w.step(clk.t, nil)
	}
	snap := w.ExportSnapshot(clk.t)
	if snap.Header.Tick != 4 || snap.Header.Entities != 1 {
		t.Fatalf("header: %+v", snap.Header)
	}

	w2 := New(Config{ServerID: w.ServerID(), Now: clk.now})
	if err := w2.ImportSnapshot(snap); err != nil {
		t.Fatalf("import: %v", err)
	}
	got := w2.Entity(e.ID())
	if got == nil || got.Position() != mathx.V3(3, 2, 1) || !got.OwnsSimulation() {
		t.Fatalf("restored: %+v", got)
	}
	if src, _ := got.Get(entity.PropSourceURL); src != "https://example.com" {
		t.Fatalf("source url=%v", src)
	}
	if got.Created() != e.Created() || w2.CurrentTick() != 4 {
		t.Fatalf("created=%d/%d tick=%d", got.Created(), e.Created(), w2.CurrentTick())
	}
	if err := w2.ImportSnapshot(snap); err == nil {
		t.Fatalf("import into a populated world should fail")
	}

	bad := snapshot.SnapshotV1{Header: snapshot.Header{Version: snapshot.Version}, Entities: []snapshot.EntityV1{{ID: "x"}}}
	if err := New(Config{Now: clk.now}).ImportSnapshot(bad); err == nil {
		t.Fatalf("bad entity id accepted")
	}
}

func TestWorld_RunServesCallsAndSnapshots(t *testing.T) {
	w := New(Config{TickRateHz: 200})
	sink := make(chan snapshot.SnapshotV1, 1)
	w.SetSnapshotSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	callCtx, callCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer callCancel()
	id, err := w.Create(callCtx, entity.TypeSphere, map[entity.PropertyID]entity.Value{entity.PropName: "orb"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := w.Edit(callCtx, id, map[entity.PropertyID]entity.Value{entity.PropName: "orb2"}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if _, err := w.Edit(callCtx, uuid.New(), nil); err == nil {
		t.Fatalf("edit of unknown entity succeeded")
	}
	if _, err := w.RequestSnapshot(callCtx); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	snap := <-sink
	if len(snap.Entities) != 1 || snap.Entities[0].ID != id.String() {
		t.Fatalf("snapshot entities: %+v", snap.Entities)
	}
	if err := w.Erase(callCtx, id); err != nil {
		t.Fatalf("erase: %v", err)
	}
	if err := w.Erase(callCtx, id); err == nil {
		t.Fatalf("second erase succeeded")
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("run: %v", err)
	}
}
