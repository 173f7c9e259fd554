package world

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"entitysync/internal/sim/entity"
)

// Local edits made by the server process itself. The exported forms hop onto
// the loop goroutine; the unexported ones run on it.

func (w *World) Create(ctx context.Context, t entity.Type, props map[entity.PropertyID]entity.Value) (uuid.UUID, error) {
	return w.createOn(ctx, t, uuid.Nil, props)
}

// CreateClientOnly adds an entity that is kept and snapshotted but never
// broadcast.
func (w *World) CreateClientOnly(ctx context.Context, avatar uuid.UUID, t entity.Type, props map[entity.PropertyID]entity.Value) (uuid.UUID, error) {
	if avatar == uuid.Nil {
		return uuid.Nil, fmt.Errorf("client-only entity needs an owning avatar")
	}
	return w.createOn(ctx, t, avatar, props)
}

func (w *World) createOn(ctx context.Context, t entity.Type, avatar uuid.UUID, props map[entity.PropertyID]entity.Value) (uuid.UUID, error) {
	var id uuid.UUID
	var err error
	if cerr := w.call(ctx, func() {
		var e *entity.Entity
		if e, err = w.create(t, avatar, props); err == nil {
			id = e.ID()
		}
	}); cerr != nil {
		return uuid.Nil, cerr
	}
	return id, err
}

func (w *World) Edit(ctx context.Context, id uuid.UUID, props map[entity.PropertyID]entity.Value) (entity.PropertyFlags, error) {
	var changed entity.PropertyFlags
	var err error
	if cerr := w.call(ctx, func() { changed, err = w.edit(id, props) }); cerr != nil {
		return changed, cerr
	}
	return changed, err
}

func (w *World) Erase(ctx context.Context, id uuid.UUID) error {
	var ok bool
	if err := w.call(ctx, func() { ok = w.erase(id, "", "local") }); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("erase %s: %w", id, ErrNoSuchEntity)
	}
	return nil
}

func (w *World) create(t entity.Type, avatar uuid.UUID, props map[entity.PropertyID]entity.Value) (*entity.Entity, error) {
	e, err := entity.New(uuid.New(), t, w.opts)
	if err != nil {
		return nil, err
	}
	if len(props) > 0 {
		if _, err := e.SetProperties(props); err != nil {
			return nil, err
		}
	}
	if avatar != uuid.Nil {
		e.SetClientOnly(avatar)
	}
	// A new entity goes out whole, defaults included.
	e.MarkPending(e.Registry().All())
	w.entities[e.ID()] = e
	w.audit(AuditEntry{Entity: e.ID().String(), Action: AuditCreate, Reason: t.String()})
	return e, nil
}

func (w *World) edit(id uuid.UUID, props map[entity.PropertyID]entity.Value) (entity.PropertyFlags, error) {
	e := w.entities[id]
	if e == nil {
		return entity.PropertyFlags{}, fmt.Errorf("edit %s: %w", id, ErrNoSuchEntity)
	}
	return e.SetProperties(props)
}
