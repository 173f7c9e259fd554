package world

import (
	"github.com/google/uuid"

	"entitysync/internal/protocol"
	"entitysync/internal/sim/entity"
	"entitysync/internal/sim/ownership"
)

type counters struct {
	applied  int
	stale    int
	rejected int
	packets  int
	bytes    int
}

func (w *World) applyInbound(in Inbound, now uint64, c *counters) {
	p := w.peers[in.SessionID]
	if p == nil {
		return
	}
	kind, recs, err := protocol.DecodePacket(in.Data)
	if err != nil {
		w.reject(p, uuid.Nil, err, c)
		return
	}
	for _, rec := range recs {
		switch kind {
		case protocol.KindEdit:
			if id, err := w.applyEdit(p, rec, now, c); err != nil {
				w.reject(p, id, err, c)
			}
		case protocol.KindErase:
			id, err := protocol.DecodeEraseRecord(rec)
			if err != nil {
				w.reject(p, uuid.Nil, err, c)
				continue
			}
			w.erase(id, p.id.String(), "peer")
		}
	}
}

// applyEdit reads one entity record from p. An entity seen for the first
// time is created, unless its record could not be decoded at all.
func (w *World) applyEdit(p *peer, rec []byte, now uint64, c *counters) (uuid.UUID, error) {
	h, err := entity.PeekHeader(rec)
	if err != nil {
		return uuid.Nil, err
	}
	e := w.entities[h.ID]
	created := e == nil
	if created {
		if e, err = entity.NewFromRemote(h.ID, h.Type, w.opts); err != nil {
			return h.ID, err
		}
	}

	res, err := e.ReadFrom(rec, entity.ReadContext{ClockSkew: p.skew, SenderID: p.id, Now: now})
	if created {
		if res.N == 0 {
			return h.ID, err
		}
		w.entities[h.ID] = e
		w.audit(AuditEntry{Entity: h.ID.String(), Action: AuditCreate, Peer: p.id.String(), Reason: h.Type.String()})
	}

	c.applied += res.Applied.Count()
	c.stale += res.Stale.Count()
	if w.cfg.Trace && !res.Stale.Empty() {
		w.audit(AuditEntry{Entity: h.ID.String(), Action: AuditStale, Peer: p.id.String(), Reason: res.Stale.String()})
	}
	if res.Ownership != nil {
		w.auditOwnership(h.ID, *res.Ownership, AuditOwnership, p.id.String())
	}
	return h.ID, err
}

func (w *World) reject(p *peer, id uuid.UUID, err error, c *counters) {
	c.rejected++
	w.rejected++
	code := protocol.CodeFor(err)
	e := AuditEntry{Action: AuditReject, Peer: p.id.String(), Reason: code + ": " + err.Error()}
	if id != uuid.Nil {
		e.Entity = id.String()
	}
	w.audit(e)
	w.sendError(p, code, err.Error())
}

func (w *World) auditOwnership(id uuid.UUID, tr ownership.Transition, action, peer string) {
	e := AuditEntry{
		Entity:   id.String(),
		Action:   action,
		Peer:     peer,
		Priority: tr.After.Priority,
		Reason:   tr.From.String() + "->" + tr.To.String(),
	}
	if !tr.Before.IsNone() {
		e.From = tr.Before.ID.String()
	}
	if !tr.After.IsNone() {
		e.To = tr.After.ID.String()
	}
	w.audit(e)
}

// erase drops id and queues the erase for every peer. Unknown ids are
// ignored, so a repeated erase is harmless.
func (w *World) erase(id uuid.UUID, by, reason string) bool {
	e, ok := w.entities[id]
	if !ok {
		return false
	}
	delete(w.entities, id)
	e.ClearElement()
	if only, _ := e.ClientOnly(); !only {
		w.erased = append(w.erased, id)
	}
	w.audit(AuditEntry{Entity: id.String(), Action: AuditErase, Peer: by, Reason: reason})
	return true
}
