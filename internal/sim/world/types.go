package world

import (
	"log"

	"github.com/google/uuid"

	"entitysync/internal/protocol"
	"entitysync/internal/sim/dynamics"
)

type Config struct {
	// ServerID is the participant id the server uses in ownership claims.
	ServerID uuid.UUID

	TickRateHz         int
	PacketBudgetBytes  int
	SnapshotEveryTicks int

	OwnershipExpiryUsec uint64
	// ServerPriority > 0 makes the server claim unowned moving entities and
	// publish their kinematic motion.
	ServerPriority uint8

	Actions dynamics.Options

	// MaxSyncPacketsPerTick bounds the initial full-state sync to a new peer.
	MaxSyncPacketsPerTick int
	// Trace logs and audits discarded stale updates.
	Trace bool

	// Now overrides the clock (microseconds).
	Now    func() uint64
	Logger *log.Logger
}

func (c *Config) applyDefaults() {
	if c.ServerID == uuid.Nil {
		c.ServerID = uuid.New()
	}
	if c.TickRateHz <= 0 {
		c.TickRateHz = 30
	}
	if c.PacketBudgetBytes <= 0 {
		c.PacketBudgetBytes = 1400
	}
	if c.MaxSyncPacketsPerTick <= 0 {
		c.MaxSyncPacketsPerTick = 32
	}
}

// Frame is one websocket message to a peer: a JSON text frame or a binary
// packet.
type Frame struct {
	Text bool
	Data []byte
}

type JoinRequest struct {
	Hello protocol.HelloMsg
	Out   chan Frame
	Resp  chan JoinResponse
}

type JoinResponse struct {
	Welcome protocol.WelcomeMsg
	// Error is set when the join was refused.
	Error *protocol.ErrorMsg
}

// Inbound is a binary packet received from a session.
type Inbound struct {
	SessionID string
	Data      []byte
}

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

// TickLogEntry holds the replication counters of one tick.
type TickLogEntry struct {
	Tick     uint64 `json:"tick"`
	Entities int    `json:"entities"`
	Applied  int    `json:"applied"`
	Stale    int    `json:"stale"`
	Rejected int    `json:"rejected"`
	Packets  int    `json:"packets"`
	Bytes    int    `json:"bytes"`
}

func (e TickLogEntry) idle() bool {
	return e.Applied == 0 && e.Stale == 0 && e.Rejected == 0 && e.Packets == 0
}

// Audit actions.
const (
	AuditCreate    = "CREATE"
	AuditErase     = "ERASE"
	AuditOwnership = "OWNERSHIP"
	AuditExpire    = "EXPIRE"
	AuditStale     = "STALE"
	AuditReject    = "REJECT"
)

type AuditEntry struct {
	Tick     uint64 `json:"tick"`
	TimeUsec uint64 `json:"time_usec"`
	Entity   string `json:"entity"`
	Action   string `json:"action"`
	// Peer is the participant the change came from, empty for local changes.
	Peer     string `json:"peer,omitempty"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	Priority uint8  `json:"priority,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Metrics is a point-in-time view for the HTTP endpoints. It is safe to read
// from any goroutine.
type Metrics struct {
	Tick      uint64  `json:"tick"`
	Entities  int     `json:"entities"`
	Owned     int     `json:"owned"`
	Peers     int     `json:"peers"`
	InboxLen  int     `json:"inbox_len"`
	StepMS    float64 `json:"step_ms"`
	SentBytes uint64  `json:"sent_bytes"`
	Rejected  uint64  `json:"rejected"`
}
