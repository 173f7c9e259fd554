package observerproto

// Version is the observer protocol version (separate from the peer protocol).
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeMetrics   = "METRICS"
	TypeAudit     = "AUDIT"
)

// Client -> Server. First message on the observer WS connection, and can be
// re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// IntervalMS is the metrics push period.
	IntervalMS int `json:"interval_ms"`
	// Audits turns on the live audit feed.
	Audits bool `json:"audits,omitempty"`
}

// HTTP response for GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string      `json:"protocol_version"`
	ServerID        string      `json:"server_id"`
	Tick            uint64      `json:"tick"`
	WorldParams     WorldParams `json:"world_params"`
}

type WorldParams struct {
	TickRateHz        int `json:"tick_rate_hz"`
	PacketBudgetBytes int `json:"packet_budget_bytes"`
}

// Server -> Client, every IntervalMS.
type MetricsMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Tick            uint64  `json:"tick"`
	Entities        int     `json:"entities"`
	Owned           int     `json:"owned"`
	Peers           int     `json:"peers"`
	InboxLen        int     `json:"inbox_len"`
	StepMS          float64 `json:"step_ms"`
	SentBytes       uint64  `json:"sent_bytes"`
	Rejected        uint64  `json:"rejected"`
}

// Server -> Client, one per audit record while the feed is on.
type AuditMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	Entity          string `json:"entity,omitempty"`
	Action          string `json:"action"`
	Peer            string `json:"peer,omitempty"`
	From            string `json:"from,omitempty"`
	To              string `json:"to,omitempty"`
	Priority        uint8  `json:"priority,omitempty"`
	Reason          string `json:"reason,omitempty"`
}
