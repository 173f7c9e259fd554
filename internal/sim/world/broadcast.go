package world

import (
	"bytes"

	"github.com/google/uuid"

	"entitysync/internal/protocol"
	"entitysync/internal/sim/entity"
)

// packer splits entity records across packets of at most budget bytes. A
// record that only partly fits is completed in the next packet.
type packer struct {
	pw    *protocol.PacketWriter
	limit int // max packets, 0 for no limit
	out   [][]byte
}

func newPacker(budget, limit int) *packer {
	return &packer{pw: protocol.NewPacketWriter(protocol.KindEdit, budget), limit: limit}
}

func (p *packer) full() bool { return p.limit > 0 && len(p.out) >= p.limit }

func (p *packer) flush() {
	if p.pw.Empty() {
		return
	}
	p.out = append(p.out, bytes.Clone(p.pw.Bytes()))
	p.pw.Reset()
}

// add packs props of e. It returns what was written and what was given up
// because a single property exceeds the packet budget. When the packet limit
// is reached the rest stays unreported for the caller to retry.
func (p *packer) add(e *entity.Entity, props entity.PropertyFlags) (sent, dropped entity.PropertyFlags) {
	remaining := props.Intersect(e.Registry().All())
	for !remaining.Empty() && !p.full() {
		rec, res := e.AppendTo(nil, remaining, p.pw.RecordBudget())
		if res.State == entity.AppendNone {
			if p.pw.Empty() {
				first := remaining.IDs()[0]
				dropped.Set(first)
				remaining.Clear(first)
				continue
			}
			p.flush()
			continue
		}
		if !p.pw.Add(rec) {
			p.flush()
			continue
		}
		sent = sent.Union(res.Consumed)
		remaining = res.NotFit
		if res.State == entity.AppendPartial {
			p.flush()
		}
	}
	return sent, dropped
}

func (p *packer) packets() [][]byte {
	p.flush()
	return p.out
}

func erasePackets(ids []uuid.UUID, budget int) [][]byte {
	pw := protocol.NewPacketWriter(protocol.KindErase, budget)
	var out [][]byte
	for _, id := range ids {
		rec := protocol.EraseRecord(id)
		if !pw.Add(rec) {
			out = append(out, bytes.Clone(pw.Bytes()))
			pw.Reset()
			pw.Add(rec)
		}
	}
	if !pw.Empty() {
		out = append(out, bytes.Clone(pw.Bytes()))
	}
	return out
}

// broadcast builds this tick's shared packets from every entity's pending
// set and clears what was sent. With no peers the pending sets are simply
// cleared; a later peer starts with a full sync.
func (w *World) broadcast(now uint64, c *counters) [][]byte {
	var frames [][]byte
	if len(w.erased) > 0 {
		if len(w.peers) > 0 {
			frames = append(frames, erasePackets(w.erased, w.cfg.PacketBudgetBytes)...)
		}
		w.erased = w.erased[:0]
	}

	pk := newPacker(w.cfg.PacketBudgetBytes, 0)
	for _, id := range w.sortedIDs() {
		e := w.entities[id]
		if only, _ := e.ClientOnly(); only {
			continue
		}
		pending := e.PendingBroadcast()
		if pending.Empty() {
			continue
		}
		if len(w.peers) == 0 {
			e.MarkBroadcast(pending, now)
			continue
		}
		sent, dropped := pk.add(e, pending)
		if !dropped.Empty() {
			w.log.Printf("entity %s: %v exceed the %d byte packet budget; not sent", id, dropped, w.cfg.PacketBudgetBytes)
		}
		e.MarkBroadcast(sent.Union(dropped), now)
	}
	frames = append(frames, pk.packets()...)

	for _, f := range frames {
		c.packets++
		c.bytes += len(f)
	}
	return frames
}

// syncPeer sends up to MaxSyncPacketsPerTick packets of p's backlog.
func (w *World) syncPeer(p *peer, c *counters) {
	if len(p.backlog) == 0 {
		return
	}
	pk := newPacker(w.cfg.PacketBudgetBytes, w.cfg.MaxSyncPacketsPerTick)
	done := 0
	for done < len(p.backlog) && !pk.full() {
		item := &p.backlog[done]
		e := w.entities[item.id]
		if e == nil {
			done++
			continue
		}
		sent, dropped := pk.add(e, item.props)
		item.props = item.props.Minus(sent).Minus(dropped)
		if !item.props.Intersect(e.Registry().All()).Empty() {
			break
		}
		done++
	}
	p.backlog = p.backlog[done:]
	for _, f := range pk.packets() {
		c.packets++
		c.bytes += len(f)
		if !w.send(p, Frame{Data: f}) {
			return
		}
	}
}
