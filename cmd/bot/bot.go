package main

import (
	"bytes"
	"fmt"
	"math/rand"

	"github.com/google/uuid"

	"entitysync/internal/protocol"
	"entitysync/internal/sim/entity"
	"entitysync/internal/sim/mathx"
	"entitysync/internal/sim/ownership"
)

// bot is a scripted peer: it owns one entity it drifts around, and keeps
// replicas of everything the server sends.
type bot struct {
	self   uuid.UUID
	now    func() uint64
	budget int
	// skew is added to server timestamps to express them in local time.
	skew int64

	own      *entity.Entity
	replicas map[uuid.UUID]*entity.Entity
}

func newBot(self uuid.UUID, now func() uint64) *bot {
	return &bot{
		self:     self,
		now:      now,
		budget:   1400,
		replicas: map[uuid.UUID]*entity.Entity{},
	}
}

func (b *bot) opts() entity.Options { return entity.Options{Self: b.self, Now: b.now} }

func (b *bot) spawn(r *rand.Rand) error {
	e, err := entity.New(uuid.New(), entity.TypeSphere, b.opts())
	if err != nil {
		return err
	}
	if _, err := e.SetProperties(map[entity.PropertyID]entity.Value{
		entity.PropName:     fmt.Sprintf("bot-%s", b.self.String()[:8]),
		entity.PropPosition: mathx.V3(r.Float32()*20-10, 1, r.Float32()*20-10),
		entity.PropVelocity: randomVelocity(r),
		entity.PropDamping:  float32(0),
	}); err != nil {
		return err
	}
	if err := e.Set(entity.PropSimulationOwner, ownership.Claim{ID: b.self, Priority: ownership.VolunteerPriority}); err != nil {
		return err
	}
	e.MarkPending(e.Registry().All())
	b.own = e
	return nil
}

func randomVelocity(r *rand.Rand) mathx.Vec3 {
	return mathx.V3(r.Float32()*2-1, 0, r.Float32()*2-1)
}

// step advances the owned entity and returns the packets to send.
func (b *bot) step(r *rand.Rand) [][]byte {
	if b.own == nil {
		return nil
	}
	now := b.now()
	if r != nil && r.Intn(50) == 0 {
		_ = b.own.Set(entity.PropVelocity, randomVelocity(r))
	}
	if b.own.Simulate(now) && b.own.OwnsSimulation() {
		b.own.CommitSimulation(now)
	}
	return b.pack(b.own, now)
}

// pack splits e's pending properties into packets of at most budget bytes
// and marks them broadcast.
func (b *bot) pack(e *entity.Entity, now uint64) [][]byte {
	pw := protocol.NewPacketWriter(protocol.KindEdit, b.budget)
	var out [][]byte
	flush := func() {
		if !pw.Empty() {
			out = append(out, bytes.Clone(pw.Bytes()))
			pw.Reset()
		}
	}

	var done entity.PropertyFlags
	remaining := e.PendingBroadcast()
	for !remaining.Empty() {
		rec, res := e.AppendTo(nil, remaining, pw.RecordBudget())
		if res.State == entity.AppendNone || !pw.Add(rec) {
			if pw.Empty() {
				// Larger than an empty packet; it can never be sent.
				first := remaining.IDs()[0]
				done.Set(first)
				remaining.Clear(first)
				continue
			}
			flush()
			continue
		}
		done = done.Union(res.Consumed)
		remaining = res.NotFit
		if res.State == entity.AppendPartial {
			flush()
		}
	}
	flush()
	e.MarkBroadcast(done, now)
	return out
}

// receive applies one binary frame from the server.
func (b *bot) receive(frame []byte) error {
	kind, recs, err := protocol.DecodePacket(frame)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		switch kind {
		case protocol.KindErase:
			id, err := protocol.DecodeEraseRecord(rec)
			if err != nil {
				return err
			}
			delete(b.replicas, id)
		case protocol.KindEdit:
			h, err := entity.PeekHeader(rec)
			if err != nil {
				return err
			}
			if b.own != nil && h.ID == b.own.ID() {
				continue
			}
			e := b.replicas[h.ID]
			if e == nil {
				if e, err = entity.NewFromRemote(h.ID, h.Type, b.opts()); err != nil {
					return err
				}
				b.replicas[h.ID] = e
			}
			if _, err := e.ReadFrom(rec, entity.ReadContext{ClockSkew: b.skew}); err != nil {
				return err
			}
		}
	}
	return nil
}
