package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional; defaults to <data>/index/entities.sqlite)")
	limit := fs.Int("limit", 20, "result limit")
	entity := fs.String("entity", "", "entity id filter (audits)")
	action := fs.String("action", "", "action filter (audits)")
	fromTick := fs.Uint64("from_tick", 0, "first tick (audits, ticks)")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "entities.sqlite")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if *limit <= 0 {
		*limit = 20
	}

	var rows []any
	switch q {
	case "snapshots":
		rows, err = querySnapshots(db, *limit)
	case "audits":
		rows, err = queryAudits(db, auditQuery{Entity: *entity, Action: *action, FromTick: *fromTick, Limit: *limit})
	case "ticks":
		rows, err = queryTicks(db, *fromTick, *limit)
	case "tuning":
		rows, err = queryConfig(db, "tuning")
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(snapshots|audits|ticks|tuning)")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	for _, r := range rows {
		printJSON(r)
	}
}

type snapshotRow struct {
	Tick      int64  `json:"tick"`
	Path      string `json:"path"`
	ServerID  string `json:"server_id"`
	TakenUsec int64  `json:"taken_usec"`
	Entities  int    `json:"entities"`
	Owned     int    `json:"owned"`
}

func querySnapshots(db *sql.DB, limit int) ([]any, error) {
	rows, err := db.Query(`SELECT tick,path,server_id,taken_usec,entities,owned FROM snapshots ORDER BY tick DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []any
	for rows.Next() {
		var r snapshotRow
		if err := rows.Scan(&r.Tick, &r.Path, &r.ServerID, &r.TakenUsec, &r.Entities, &r.Owned); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type auditQuery struct {
	Entity   string
	Action   string
	FromTick uint64
	Limit    int
}

func queryAudits(db *sql.DB, q auditQuery) ([]any, error) {
	where := []string{"tick >= ?"}
	args := []any{int64(q.FromTick)}
	if q.Entity != "" {
		where = append(where, "entity = ?")
		args = append(args, q.Entity)
	}
	if q.Action != "" {
		where = append(where, "action = ?")
		args = append(args, strings.ToUpper(q.Action))
	}
	args = append(args, q.Limit)
	rows, err := db.Query(`SELECT raw_json FROM audits WHERE `+strings.Join(where, " AND ")+` ORDER BY tick, seq LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []any
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		out = append(out, json.RawMessage(raw))
	}
	return out, rows.Err()
}

type tickRow struct {
	Tick     int64 `json:"tick"`
	Entities int   `json:"entities"`
	Applied  int   `json:"applied"`
	Stale    int   `json:"stale"`
	Rejected int   `json:"rejected"`
	Packets  int   `json:"packets"`
	Bytes    int   `json:"bytes"`
}

func queryTicks(db *sql.DB, fromTick uint64, limit int) ([]any, error) {
	rows, err := db.Query(`SELECT tick,entities,applied,stale,rejected,packets,bytes FROM ticks WHERE tick >= ? ORDER BY tick LIMIT ?`, int64(fromTick), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []any
	for rows.Next() {
		var r tickRow
		if err := rows.Scan(&r.Tick, &r.Entities, &r.Applied, &r.Stale, &r.Rejected, &r.Packets, &r.Bytes); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func queryConfig(db *sql.DB, name string) ([]any, error) {
	var digest, raw, updated string
	err := db.QueryRow(`SELECT digest,json,updated_at FROM config WHERE name=?`, name).Scan(&digest, &raw, &updated)
	if err != nil {
		return nil, err
	}
	return []any{struct {
		Name      string          `json:"name"`
		Digest    string          `json:"digest"`
		UpdatedAt string          `json:"updated_at"`
		Value     json.RawMessage `json:"value"`
	}{name, digest, updated, json.RawMessage(raw)}}, nil
}

func printJSON(v any) {
	b, _ := json.Marshal(v)
	fmt.Println(string(b))
}
