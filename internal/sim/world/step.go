package world

import (
	"entitysync/internal/sim/ownership"
)

// step runs one tick at now. Order: inbound packets, kinematics, ownership
// and lifetime expiry, broadcast, per-peer sync, snapshot.
func (w *World) step(now uint64, inbound []Inbound) {
	tick := w.tick.Load()
	var c counters

	for _, in := range inbound {
		w.applyInbound(in, now, &c)
	}

	for _, id := range w.sortedIDs() {
		e := w.entities[id]

		if tr, ok := e.ExpireOwnership(now); ok {
			w.auditOwnership(id, tr, AuditExpire, "")
		}
		if e.LifetimeHasExpired(now) {
			w.erase(id, "", "lifetime")
			continue
		}

		if !e.Simulate(now) {
			continue
		}
		state, _ := e.Ownership()
		if state == ownership.Unowned && w.cfg.ServerPriority > 0 {
			if e.Bid(w.cfg.ServerPriority) {
				if tr, err := e.FulfilBid(); err == nil {
					w.auditOwnership(id, tr, AuditOwnership, "")
				} else {
					w.log.Printf("entity %s: fulfil bid: %v", id, err)
				}
			}
		}
		if e.OwnsSimulation() {
			e.CommitSimulation(now)
		}
	}

	frames := w.broadcast(now, &c)
	for _, p := range w.sortedPeers() {
		for _, f := range frames {
			if !w.send(p, Frame{Data: f}) {
				break
			}
		}
		w.syncPeer(p, &c)
	}

	if w.cfg.SnapshotEveryTicks > 0 && tick > 0 && tick%uint64(w.cfg.SnapshotEveryTicks) == 0 {
		w.emitSnapshot(now)
	}

	if w.tickLogger != nil {
		entry := TickLogEntry{
			Tick:     tick,
			Entities: len(w.entities),
			Applied:  c.applied,
			Stale:    c.stale,
			Rejected: c.rejected,
			Packets:  c.packets,
			Bytes:    c.bytes,
		}
		if !entry.idle() {
			_ = w.tickLogger.WriteTick(entry)
		}
	}
	w.tick.Add(1)
}
