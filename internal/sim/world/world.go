// Package world owns the entity table of one server and replicates it to
// connected peers on a fixed tick.
package world

import (
	"context"
	"errors"
	"io"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"entitysync/internal/persistence/snapshot"
	"entitysync/internal/sim/entity"
)

var (
	ErrNoSuchEntity = errors.New("no such entity")
	ErrStopped      = errors.New("world stopped")
)

// World is single-threaded: entities, peers and pending broadcasts are only
// touched from the loop goroutine (or directly by tests that never call Run).
type World struct {
	cfg  Config
	opts entity.Options
	log  *log.Logger

	tick atomic.Uint64

	entities map[uuid.UUID]*entity.Entity
	peers    map[string]*peer
	erased   []uuid.UUID

	inbox chan Inbound
	join  chan JoinRequest
	leave chan string
	calls chan func()
	stop  chan struct{}

	tickLogger   TickLogger
	auditLogger  AuditLogger
	snapshotSink chan<- snapshot.SnapshotV1

	metrics   atomic.Value // Metrics
	sentBytes uint64
	rejected  uint64
}

func New(cfg Config) *World {
	cfg.applyDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	w := &World{
		cfg:      cfg,
		log:      logger,
		entities: map[uuid.UUID]*entity.Entity{},
		peers:    map[string]*peer{},
		inbox:    make(chan Inbound, 1024),
		join:     make(chan JoinRequest, 64),
		leave:    make(chan string, 64),
		calls:    make(chan func(), 64),
		stop:     make(chan struct{}),
	}
	w.opts = entity.Options{
		Self:                cfg.ServerID,
		Now:                 cfg.Now,
		OwnershipExpiryUsec: cfg.OwnershipExpiryUsec,
		Actions:             cfg.Actions,
	}
	if cfg.Trace {
		w.opts.Tracef = logger.Printf
	}
	w.metrics.Store(Metrics{})
	return w
}

func (w *World) SetTickLogger(l TickLogger)                    { w.tickLogger = l }
func (w *World) SetAuditLogger(l AuditLogger)                  { w.auditLogger = l }
func (w *World) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { w.snapshotSink = ch }

func (w *World) Inbox() chan<- Inbound    { return w.inbox }
func (w *World) Join() chan<- JoinRequest { return w.join }
func (w *World) Leave() chan<- string     { return w.leave }
func (w *World) ServerID() uuid.UUID      { return w.cfg.ServerID }
func (w *World) TickRateHz() int          { return w.cfg.TickRateHz }
func (w *World) PacketBudgetBytes() int   { return w.cfg.PacketBudgetBytes }
func (w *World) CurrentTick() uint64      { return w.tick.Load() }
func (w *World) Metrics() Metrics         { return w.metrics.Load().(Metrics) }

// Entity returns the entity with id. Only the loop goroutine may use it.
func (w *World) Entity(id uuid.UUID) *entity.Entity { return w.entities[id] }

func (w *World) now() uint64 {
	if w.cfg.Now != nil {
		return w.cfg.Now()
	}
	return entity.WallClock()
}

func (w *World) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(w.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pending []Inbound
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case req := <-w.join:
			w.handleJoin(req)
		case id := <-w.leave:
			w.handleLeave(id)
		case fn := <-w.calls:
			fn()
		case in := <-w.inbox:
			pending = append(pending, in)
		case <-ticker.C:
			start := time.Now()
			w.step(w.now(), pending)
			pending = pending[:0]
			w.publishMetrics(time.Since(start))
		}
	}
}

func (w *World) Stop() { close(w.stop) }

// call runs fn on the loop goroutine and waits for it.
func (w *World) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case w.calls <- func() { fn(); close(done) }:
	case <-w.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sortedIDs gives every pass over the table a stable order.
func (w *World) sortedIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(w.entities))
	for id := range w.entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return string(ids[i][:]) < string(ids[j][:])
	})
	return ids
}

func (w *World) publishMetrics(step time.Duration) {
	owned := 0
	for _, e := range w.entities {
		if e.OwnsSimulation() {
			owned++
		}
	}
	w.metrics.Store(Metrics{
		Tick:      w.tick.Load(),
		Entities:  len(w.entities),
		Owned:     owned,
		Peers:     len(w.peers),
		InboxLen:  len(w.inbox),
		StepMS:    float64(step.Microseconds()) / 1000,
		SentBytes: w.sentBytes,
		Rejected:  w.rejected,
	})
}

func (w *World) audit(e AuditEntry) {
	if w.auditLogger == nil {
		return
	}
	e.Tick = w.tick.Load()
	if e.TimeUsec == 0 {
		e.TimeUsec = w.now()
	}
	if err := w.auditLogger.WriteAudit(e); err != nil {
		w.log.Printf("audit: %v", err)
	}
}
