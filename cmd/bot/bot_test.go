package main

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"

	"entitysync/internal/protocol"
)

type clock struct{ t uint64 }

func (c *clock) now() uint64 { return c.t }

func TestBot_PacketsReplicateBetweenPeers(t *testing.T) {
	clk := &clock{t: 1_000_000}
	a := newBot(uuid.New(), clk.now)
	a.budget = 128
	b := newBot(uuid.New(), clk.now)
	r := rand.New(rand.NewSource(1))

	if err := a.spawn(r); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	pkts := a.step(nil)
	if len(pkts) < 2 {
		t.Fatalf("packets=%d, want the full state split across several", len(pkts))
	}
	for _, p := range pkts {
		if len(p) > 128 {
			t.Fatalf("packet of %d bytes", len(p))
		}
		if err := b.receive(p); err != nil {
			t.Fatalf("receive: %v", err)
		}
	}
	if !a.own.PendingBroadcast().Empty() {
		t.Fatalf("pending after pack: %v", a.own.PendingBroadcast())
	}

	rep := b.replicas[a.own.ID()]
	if rep == nil || rep.Name() != a.own.Name() || rep.Position() != a.own.Position() {
		t.Fatalf("replica=%+v", rep)
	}
	if _, claim := rep.Ownership(); claim.ID != a.self {
		t.Fatalf("replica owner=%s want %s", claim.ID, a.self)
	}

	// Echoes of our own entity are ignored.
	for _, p := range pkts {
		if err := a.receive(p); err != nil {
			t.Fatal(err)
		}
	}
	if len(a.replicas) != 0 {
		t.Fatalf("own entity replicated locally")
	}
}

func TestBot_StepPublishesMotion(t *testing.T) {
	clk := &clock{t: 1_000_000}
	a := newBot(uuid.New(), clk.now)
	if err := a.spawn(rand.New(rand.NewSource(2))); err != nil {
		t.Fatal(err)
	}
	a.step(nil)
	start := a.own.Position()

	clk.t += 500_000
	pkts := a.step(nil)
	if a.own.Position() == start {
		t.Fatalf("entity did not move")
	}
	if len(pkts) != 1 || a.own.LastEdited() != clk.t {
		t.Fatalf("packets=%d lastEdited=%d", len(pkts), a.own.LastEdited())
	}
}

func TestBot_EraseDropsReplica(t *testing.T) {
	clk := &clock{t: 1_000_000}
	a := newBot(uuid.New(), clk.now)
	b := newBot(uuid.New(), clk.now)
	if err := a.spawn(rand.New(rand.NewSource(3))); err != nil {
		t.Fatal(err)
	}
	for _, p := range a.step(nil) {
		if err := b.receive(p); err != nil {
			t.Fatal(err)
		}
	}
	pw := protocol.NewPacketWriter(protocol.KindErase, 1400)
	pw.Add(protocol.EraseRecord(a.own.ID()))
	if err := b.receive(pw.Bytes()); err != nil {
		t.Fatal(err)
	}
	if len(b.replicas) != 0 {
		t.Fatalf("replica survived erase")
	}
	if err := b.receive([]byte{7}); err == nil {
		t.Fatalf("garbage frame accepted")
	}
}
