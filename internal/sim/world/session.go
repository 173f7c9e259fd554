package world

import (
	"encoding/json"
	"sort"

	"github.com/google/uuid"

	"entitysync/internal/protocol"
	"entitysync/internal/sim/entity"
)

type peer struct {
	session string
	id      uuid.UUID
	name    string
	// skew is added to the peer's timestamps to express them in server time.
	skew int64
	out  chan Frame

	// backlog is the full-state sync still owed to this peer.
	backlog []syncItem
	lagged  int
}

type syncItem struct {
	id    uuid.UUID
	props entity.PropertyFlags
}

func (w *World) handleJoin(req JoinRequest) {
	resp := w.joinPeer(req)
	if req.Resp != nil {
		select {
		case req.Resp <- resp:
		default:
		}
	}
}

func (w *World) joinPeer(req JoinRequest) JoinResponse {
	hello := req.Hello
	if hello.ProtocolVersion != protocol.Version {
		return refuse(protocol.ErrProtoVersion, "unsupported protocol_version")
	}
	id, err := uuid.Parse(hello.PeerID)
	if err != nil || id == uuid.Nil {
		return refuse(protocol.ErrProtoBadRequest, "peer_id must be a uuid")
	}
	if id == w.cfg.ServerID {
		return refuse(protocol.ErrProtoBadRequest, "peer_id collides with the server")
	}
	if req.Out == nil {
		return refuse(protocol.ErrInternal, "no output channel")
	}

	now := w.now()
	p := &peer{
		session: uuid.NewString(),
		id:      id,
		name:    hello.Name,
		skew:    protocol.ClockSkew(hello, now),
		out:     req.Out,
		backlog: w.fullSync(),
	}
	w.peers[p.session] = p
	w.log.Printf("peer joined session=%s peer=%s name=%q skew_usec=%d", p.session, p.id, p.name, p.skew)

	return JoinResponse{Welcome: protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       p.session,
		ServerID:        w.cfg.ServerID.String(),
		ServerClockUsec: now,
		WorldParams: protocol.WorldParams{
			TickRateHz:        w.cfg.TickRateHz,
			PacketBudgetBytes: w.cfg.PacketBudgetBytes,
			EntityCount:       len(w.entities),
		},
	}}
}

func refuse(code, msg string) JoinResponse {
	return JoinResponse{Error: &protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         msg,
	}}
}

func (w *World) handleLeave(session string) {
	if p, ok := w.peers[session]; ok {
		delete(w.peers, session)
		w.log.Printf("peer left session=%s peer=%s", session, p.id)
	}
}

// fullSync lists every replicated entity with all of its properties.
func (w *World) fullSync() []syncItem {
	out := make([]syncItem, 0, len(w.entities))
	for _, id := range w.sortedIDs() {
		e := w.entities[id]
		if only, _ := e.ClientOnly(); only {
			continue
		}
		out = append(out, syncItem{id: id, props: e.Registry().All()})
	}
	return out
}

// send queues f without blocking. A peer that cannot keep up loses the
// frame and is resynchronized from scratch.
func (w *World) send(p *peer, f Frame) bool {
	select {
	case p.out <- f:
		w.sentBytes += uint64(len(f.Data))
		return true
	default:
	}
	p.lagged++
	p.backlog = w.fullSync()
	w.log.Printf("peer %s lagging (%d); full resync queued", p.session, p.lagged)
	return false
}

func (w *World) sendError(p *peer, code, msg string) {
	b, err := json.Marshal(protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         msg,
	})
	if err != nil {
		return
	}
	w.send(p, Frame{Text: true, Data: b})
}

func (w *World) sortedPeers() []*peer {
	out := make([]*peer, 0, len(w.peers))
	for _, p := range w.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].session < out[j].session })
	return out
}
