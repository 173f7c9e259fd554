package main

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/google/uuid"

	"entitysync/internal/persistence/indexdb"
	"entitysync/internal/persistence/snapshot"
	"entitysync/internal/sim/dynamics"
	"entitysync/internal/sim/tuning"
	"entitysync/internal/sim/world"
)

func worldConfig(tune tuning.Tuning, serverID uuid.UUID, logger *log.Logger) world.Config {
	return world.Config{
		ServerID:            serverID,
		TickRateHz:          tune.TickRateHz,
		PacketBudgetBytes:   tune.PacketBudgetBytes,
		SnapshotEveryTicks:  tune.SnapshotEveryTicks,
		OwnershipExpiryUsec: uint64(tune.Ownership.ExpiryMs) * 1000,
		ServerPriority:      uint8(tune.Ownership.ServerPriority),
		Actions: dynamics.Options{
			MaxDataSize:         tune.Actions.MaxDataBytes,
			RememberDeletedUsec: uint64(tune.Actions.RememberDeletedMs) * 1000,
		},
		Trace:  tune.Trace,
		Logger: logger,
	}
}

// snapshotWriter persists snapshots handed over by the world loop and
// indexes each one after it is on disk.
type snapshotWriter struct {
	dir   string
	idx   runtimeIndex
	owned func() int
	log   *log.Logger
}

func (s snapshotWriter) run(ctx context.Context, ch <-chan snapshot.SnapshotV1) {
	for {
		select {
		case <-ctx.Done():
			// Flush whatever the loop queued before it stopped.
			for {
				select {
				case snap := <-ch:
					s.write(snap)
				default:
					return
				}
			}
		case snap := <-ch:
			s.write(snap)
		}
	}
}

func (s snapshotWriter) write(snap snapshot.SnapshotV1) {
	path := snapshot.PathFor(s.dir, snap.Header.Tick)
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		s.log.Printf("snapshot write: %v", err)
		return
	}
	owned := 0
	if s.owned != nil {
		owned = s.owned()
	}
	if s.idx != nil {
		s.idx.RecordSnapshot(path, snap, owned)
	}
	s.log.Printf("snapshot tick=%d entities=%d path=%s", snap.Header.Tick, len(snap.Entities), path)
}

func writeMetrics(rw io.Writer, serverID string, m world.Metrics, idx *indexdb.Stats) {
	// Minimal Prometheus exposition format.
	gauge := func(name, help string, v any) {
		fmt.Fprintf(rw, "# HELP entitysync_%s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE entitysync_%s gauge\n", name)
		fmt.Fprintf(rw, "entitysync_%s{server=%q} %v\n", name, serverID, v)
	}
	gauge("world_tick", "Current world tick.", m.Tick)
	gauge("world_entities", "Entities held by the server.", m.Entities)
	gauge("world_owned_entities", "Entities the server simulates.", m.Owned)
	gauge("world_peers", "Connected peers.", m.Peers)
	gauge("world_inbox_depth", "Inbound packets waiting for the next tick.", m.InboxLen)
	gauge("world_step_ms", "Last tick step duration in milliseconds.", fmt.Sprintf("%.3f", m.StepMS))

	fmt.Fprintf(rw, "# HELP entitysync_sent_bytes_total Bytes queued to peers.\n")
	fmt.Fprintf(rw, "# TYPE entitysync_sent_bytes_total counter\n")
	fmt.Fprintf(rw, "entitysync_sent_bytes_total{server=%q} %d\n", serverID, m.SentBytes)
	fmt.Fprintf(rw, "# HELP entitysync_rejected_total Inbound records rejected.\n")
	fmt.Fprintf(rw, "# TYPE entitysync_rejected_total counter\n")
	fmt.Fprintf(rw, "entitysync_rejected_total{server=%q} %d\n", serverID, m.Rejected)

	if idx == nil {
		return
	}
	fmt.Fprintf(rw, "# HELP entitysync_index_queue_depth Index writer backlog.\n")
	fmt.Fprintf(rw, "# TYPE entitysync_index_queue_depth gauge\n")
	fmt.Fprintf(rw, "entitysync_index_queue_depth %d\n", idx.QueueDepth)
	fmt.Fprintf(rw, "# HELP entitysync_index_dropped_total Index rows dropped because the queue was full.\n")
	fmt.Fprintf(rw, "# TYPE entitysync_index_dropped_total counter\n")
	fmt.Fprintf(rw, "entitysync_index_dropped_total{kind=%q} %d\n", "tick", idx.DropTickTotal)
	fmt.Fprintf(rw, "entitysync_index_dropped_total{kind=%q} %d\n", "audit", idx.DropAuditTotal)
	fmt.Fprintf(rw, "entitysync_index_dropped_total{kind=%q} %d\n", "snapshot", idx.DropSnapshotTotal)
}

type multiTickLogger []world.TickLogger

func (m multiTickLogger) WriteTick(entry world.TickLogEntry) error {
	for _, l := range m {
		if l != nil {
			_ = l.WriteTick(entry)
		}
	}
	return nil
}

type multiAuditLogger []world.AuditLogger

func (m multiAuditLogger) WriteAudit(entry world.AuditEntry) error {
	for _, l := range m {
		if l != nil {
			_ = l.WriteAudit(entry)
		}
	}
	return nil
}
