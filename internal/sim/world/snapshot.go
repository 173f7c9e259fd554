package world

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"entitysync/internal/persistence/snapshot"
	"entitysync/internal/sim/entity"
)

func (w *World) ExportSnapshot(now uint64) snapshot.SnapshotV1 {
	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version:   snapshot.Version,
			ServerID:  w.cfg.ServerID.String(),
			Tick:      w.tick.Load(),
			TakenUsec: now,
		},
		TickRateHz:        w.cfg.TickRateHz,
		PacketBudgetBytes: w.cfg.PacketBudgetBytes,
	}
	for _, id := range w.sortedIDs() {
		e := w.entities[id]
		rec, _ := e.AppendTo(nil, e.Registry().All(), math.MaxInt32)
		ev := snapshot.EntityV1{ID: id.String(), Type: uint8(e.Type()), Record: rec}
		if only, avatar := e.ClientOnly(); only {
			ev.OwningAvatar = avatar.String()
		}
		snap.Entities = append(snap.Entities, ev)
	}
	snap.Header.Entities = len(snap.Entities)
	return snap
}

// ImportSnapshot restores entities into an empty world. Records are read with
// Force so self-owned physics state survives. Bad entries are skipped and
// reported together.
func (w *World) ImportSnapshot(snap snapshot.SnapshotV1) error {
	if len(w.entities) > 0 {
		return errors.New("import snapshot: world is not empty")
	}
	if snap.Header.Version != snapshot.Version {
		return fmt.Errorf("import snapshot: %w: %d", snapshot.ErrVersion, snap.Header.Version)
	}
	var errs []error
	for _, ev := range snap.Entities {
		if err := w.importEntity(ev); err != nil {
			errs = append(errs, fmt.Errorf("entity %s: %w", ev.ID, err))
		}
	}
	w.tick.Store(snap.Header.Tick)
	return errors.Join(errs...)
}

func (w *World) importEntity(ev snapshot.EntityV1) error {
	id, err := uuid.Parse(ev.ID)
	if err != nil {
		return err
	}
	e, err := entity.NewFromRemote(id, entity.Type(ev.Type), w.opts)
	if err != nil {
		return err
	}
	if _, err := e.ReadFrom(ev.Record, entity.ReadContext{SenderID: w.cfg.ServerID, Force: true}); err != nil {
		return err
	}
	if ev.OwningAvatar != "" {
		avatar, err := uuid.Parse(ev.OwningAvatar)
		if err != nil {
			return fmt.Errorf("owning avatar: %w", err)
		}
		e.SetClientOnly(avatar)
	}
	w.entities[id] = e
	return nil
}

func (w *World) emitSnapshot(now uint64) {
	if w.snapshotSink == nil {
		return
	}
	select {
	case w.snapshotSink <- w.ExportSnapshot(now):
	default:
		w.log.Printf("snapshot sink busy; skipped tick %d", w.tick.Load())
	}
}

// RequestSnapshot exports a snapshot on the loop goroutine and hands it to
// the sink. It returns the snapshot tick.
func (w *World) RequestSnapshot(ctx context.Context) (uint64, error) {
	if w.snapshotSink == nil {
		return 0, errors.New("no snapshot sink")
	}
	var tick uint64
	var sent bool
	err := w.call(ctx, func() {
		snap := w.ExportSnapshot(w.now())
		tick = snap.Header.Tick
		select {
		case w.snapshotSink <- snap:
			sent = true
		default:
		}
	})
	if err != nil {
		return 0, err
	}
	if !sent {
		return tick, errors.New("snapshot sink busy")
	}
	return tick, nil
}
