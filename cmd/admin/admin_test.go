package main

import (
	"bytes"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"entitysync/internal/persistence/indexdb"
	"entitysync/internal/persistence/snapshot"
	"entitysync/internal/sim/tuning"
	"entitysync/internal/sim/world"
)

func TestQueriesReadIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entities.sqlite")
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := idx.UpsertTuning(tuning.Defaults()); err != nil {
		t.Fatalf("tuning: %v", err)
	}
	for tick := uint64(1); tick <= 3; tick++ {
		_ = idx.WriteTick(world.TickLogEntry{Tick: tick, Entities: 2, Applied: int(tick)})
		_ = idx.WriteAudit(world.AuditEntry{Tick: tick, Entity: "e1", Action: world.AuditOwnership})
		_ = idx.WriteAudit(world.AuditEntry{Tick: tick, Entity: "e2", Action: world.AuditCreate})
	}
	idx.RecordSnapshot("/tmp/3.snap.zst", snapshot.SnapshotV1{Header: snapshot.Header{Tick: 3, ServerID: "srv"}}, 1)
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	snaps, err := querySnapshots(db, 10)
	if err != nil || len(snaps) != 1 || snaps[0].(snapshotRow).Owned != 1 {
		t.Fatalf("snapshots=%+v err=%v", snaps, err)
	}
	audits, err := queryAudits(db, auditQuery{Entity: "e1", FromTick: 2, Limit: 10})
	if err != nil || len(audits) != 2 {
		t.Fatalf("audits=%d err=%v", len(audits), err)
	}
	created, err := queryAudits(db, auditQuery{Action: "create", Limit: 10})
	if err != nil || len(created) != 3 {
		t.Fatalf("create audits=%d err=%v", len(created), err)
	}
	ticks, err := queryTicks(db, 0, 2)
	if err != nil || len(ticks) != 2 || ticks[1].(tickRow).Applied != 2 {
		t.Fatalf("ticks=%+v err=%v", ticks, err)
	}
	cfg, err := queryConfig(db, "tuning")
	if err != nil || len(cfg) != 1 {
		t.Fatalf("config=%+v err=%v", cfg, err)
	}
}

func writeSnap(t *testing.T, dir string, tick uint64) {
	t.Helper()
	snap := snapshot.SnapshotV1{Header: snapshot.Header{ServerID: uuid.NewString(), Tick: tick}}
	if err := snapshot.WriteSnapshot(snapshot.PathFor(dir, tick), snap); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestListAndPruneSnapshots(t *testing.T) {
	dir := t.TempDir()
	for _, tick := range []uint64{30, 100, 200} {
		writeSnap(t, dir, tick)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := listSnapshots(&buf, dir); err != nil {
		t.Fatalf("list: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "200.snap.zst") {
		t.Fatalf("list:\n%s", buf.String())
	}

	removed, err := pruneSnapshots(dir, 2, true)
	if err != nil || len(removed) != 1 || filepath.Base(removed[0]) != "30.snap.zst" {
		t.Fatalf("dry run removed=%v err=%v", removed, err)
	}
	if _, err := os.Stat(removed[0]); err != nil {
		t.Fatalf("dry run deleted a file")
	}
	if _, err := pruneSnapshots(dir, 2, false); err != nil {
		t.Fatal(err)
	}
	files, _ := snapshotFiles(dir)
	if len(files) != 2 || filepath.Base(files[0]) != "100.snap.zst" {
		t.Fatalf("after prune: %v", files)
	}
}

func TestAdminRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/admin/v1/snapshot" && r.Method == http.MethodPost {
			_, _ = rw.Write([]byte(`{"ok":true,"tick":5}`))
			return
		}
		rw.WriteHeader(http.StatusServiceUnavailable)
		_, _ = rw.Write([]byte(`{"ok":false}`))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	if code := adminRequest(&buf, http.MethodPost, srv.URL+"/", "/admin/v1/snapshot", time.Second); code != 0 {
		t.Fatalf("code=%d", code)
	}
	if buf.String() != "{\"ok\":true,\"tick\":5}\n" {
		t.Fatalf("body=%q", buf.String())
	}
	if code := adminRequest(&bytes.Buffer{}, http.MethodGet, srv.URL, "/admin/v1/state", time.Second); code != 1 {
		t.Fatalf("error status code=%d", code)
	}
}
