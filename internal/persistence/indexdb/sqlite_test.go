package indexdb

import (
	"database/sql"
	"path/filepath"
	"testing"

	"entitysync/internal/persistence/snapshot"
	"entitysync/internal/sim/tuning"
	"entitysync/internal/sim/world"
)

func TestSQLiteIndex_WritesRows(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index", "world.sqlite")
	idx, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := idx.UpsertTuning(tuning.Defaults()); err != nil {
		t.Fatalf("tuning: %v", err)
	}
	_ = idx.WriteTick(world.TickLogEntry{Tick: 5, Entities: 3, Applied: 2, Packets: 1, Bytes: 90})
	_ = idx.WriteAudit(world.AuditEntry{Tick: 5, Entity: "e1", Action: world.AuditOwnership, From: "", To: "peer", Priority: 2})
	_ = idx.WriteAudit(world.AuditEntry{Tick: 5, Entity: "e2", Action: world.AuditStale, Peer: "peer", Reason: "[2]"})
	_ = idx.WriteAudit(world.AuditEntry{Tick: 6, Entity: "e1", Action: world.AuditErase})
	idx.RecordSnapshot("/tmp/6.snap.zst", snapshot.SnapshotV1{
		Header:   snapshot.Header{Tick: 6, ServerID: "srv"},
		Entities: make([]snapshot.EntityV1, 4),
	}, 1)
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// A closed index ignores writes.
	_ = idx.WriteTick(world.TickLogEntry{Tick: 7})

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	count := func(q string, args ...any) int {
		t.Helper()
		var n int
		if err := db.QueryRow(q, args...).Scan(&n); err != nil {
			t.Fatalf("%s: %v", q, err)
		}
		return n
	}
	if n := count(`SELECT COUNT(*) FROM ticks`); n != 1 {
		t.Fatalf("ticks=%d", n)
	}
	if n := count(`SELECT COUNT(*) FROM audits WHERE entity=?`, "e1"); n != 2 {
		t.Fatalf("audits for e1=%d", n)
	}
	if n := count(`SELECT seq FROM audits WHERE tick=5 AND entity=?`, "e2"); n != 1 {
		t.Fatalf("seq=%d want 1", n)
	}
	if n := count(`SELECT entities FROM snapshots WHERE tick=6`); n != 4 {
		t.Fatalf("snapshot entities=%d", n)
	}
	if n := count(`SELECT COUNT(*) FROM config WHERE name='tuning'`); n != 1 {
		t.Fatalf("config rows=%d", n)
	}
}

func TestSQLiteIndex_DropsWhenQueueFull(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqTick}

	_ = s.WriteTick(world.TickLogEntry{Tick: 2})
	_ = s.WriteAudit(world.AuditEntry{Tick: 2})
	s.RecordSnapshot("/tmp/2.snap.zst", snapshot.SnapshotV1{}, 0)

	st := s.Stats()
	if st.DropTickTotal != 1 || st.DropAuditTotal != 1 || st.DropSnapshotTotal != 1 {
		t.Fatalf("drops: %+v", st)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_NilIsNoop(t *testing.T) {
	var s *SQLiteIndex
	if err := s.WriteAudit(world.AuditEntry{}); err != nil {
		t.Fatalf("nil WriteAudit: %v", err)
	}
	s.RecordSnapshot("", snapshot.SnapshotV1{}, 0)
	if err := s.UpsertTuning(tuning.Defaults()); err != nil {
		t.Fatalf("nil UpsertTuning: %v", err)
	}
}
