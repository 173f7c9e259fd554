package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	persistlog "entitysync/internal/persistence/log"
	"entitysync/internal/persistence/snapshot"
	"entitysync/internal/sim/world"
)

func main() {
	var (
		snapPath = flag.String("snapshot", "", "path to .snap.zst")
		dataDir  = flag.String("data", "", "data dir containing audit/audit-*.jsonl.zst (optional)")
		entity   = flag.String("entity", "", "only show audit entries for this entity id (optional)")
		fromTick = flag.Uint64("from_tick", 0, "first audit tick to show (inclusive, optional)")
		toTick   = flag.Uint64("to_tick", 0, "last audit tick to show (inclusive, optional)")
	)
	flag.Parse()

	if *snapPath == "" && *dataDir == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot or -data")
		os.Exit(2)
	}

	if *snapPath != "" {
		snap, err := snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		if err := summarize(os.Stdout, snap); err != nil {
			fmt.Fprintln(os.Stderr, "snapshot:", err)
			os.Exit(1)
		}
	}

	if *dataDir != "" {
		f := auditFilter{entity: *entity, from: *fromTick, to: *toTick}
		n, err := printAudit(os.Stdout, *dataDir, f)
		if err != nil {
			fmt.Fprintln(os.Stderr, "audit:", err)
			os.Exit(1)
		}
		fmt.Printf("audit entries=%d\n", n)
	}
}

// summarize prints one line per entity, decoded through a scratch world so
// the values shown are the ones a restarted server would hold. Entities that
// fail to decode are listed and reported together.
func summarize(out io.Writer, snap snapshot.SnapshotV1) error {
	fmt.Fprintf(out, "snapshot v%d server=%s tick=%d entities=%d tick_rate_hz=%d packet_budget=%d\n",
		snap.Header.Version, snap.Header.ServerID, snap.Header.Tick, len(snap.Entities), snap.TickRateHz, snap.PacketBudgetBytes)

	serverID, err := uuid.Parse(snap.Header.ServerID)
	if err != nil {
		return fmt.Errorf("server id: %w", err)
	}
	w := world.New(world.Config{ServerID: serverID, Now: func() uint64 { return snap.Header.TakenUsec }})
	importErr := w.ImportSnapshot(snap)

	for _, ev := range snap.Entities {
		id, err := uuid.Parse(ev.ID)
		if err != nil || w.Entity(id) == nil {
			fmt.Fprintf(out, "%s unreadable\n", ev.ID)
			continue
		}
		e := w.Entity(id)
		state, claim := e.Ownership()
		owner := "-"
		if !claim.IsNone() {
			owner = fmt.Sprintf("%s@%d", claim.ID, claim.Priority)
		}
		p := e.Position()
		line := fmt.Sprintf("%s %-6s name=%q pos=(%.3f,%.3f,%.3f) owner=%s state=%s",
			ev.ID, e.Type(), e.Name(), p.X, p.Y, p.Z, owner, state)
		if ev.OwningAvatar != "" {
			line += " client_only=" + ev.OwningAvatar
		}
		fmt.Fprintln(out, line)
	}
	return importErr
}

type auditFilter struct {
	entity   string
	from, to uint64
}

func (f auditFilter) match(e world.AuditEntry) bool {
	if f.entity != "" && e.Entity != f.entity {
		return false
	}
	if e.Tick < f.from {
		return false
	}
	return f.to == 0 || e.Tick <= f.to
}

func printAudit(out io.Writer, dataDir string, f auditFilter) (int, error) {
	n := 0
	err := persistlog.ReadAudit(dataDir, func(e world.AuditEntry) error {
		if !f.match(e) {
			return nil
		}
		n++
		_, err := fmt.Fprintf(out, "tick=%d %-9s entity=%s peer=%s from=%s to=%s priority=%d %s\n",
			e.Tick, e.Action, e.Entity, dash(e.Peer), dash(e.From), dash(e.To), e.Priority, e.Reason)
		return err
	})
	return n, err
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
