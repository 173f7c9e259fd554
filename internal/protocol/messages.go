package protocol

// HELLO (peer -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// PeerID is the participant id the peer uses in ownership claims.
	PeerID string `json:"peer_id"`
	// ClockUsec is the peer's clock when it sent HELLO.
	ClockUsec uint64 `json:"clock_usec"`
	// Name is informational.
	Name string `json:"name,omitempty"`
}

// WELCOME (server -> peer)
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	SessionID       string      `json:"session_id"`
	ServerID        string      `json:"server_id"`
	ServerClockUsec uint64      `json:"server_clock_usec"`
	WorldParams     WorldParams `json:"world_params"`
}

type WorldParams struct {
	TickRateHz        int `json:"tick_rate_hz"`
	PacketBudgetBytes int `json:"packet_budget_bytes"`
	EntityCount       int `json:"entity_count"`
}

// ERROR (server -> peer), sent before closing.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}

// ClockSkew is the offset to add to the peer's timestamps to express them in
// server time.
func ClockSkew(hello HelloMsg, serverNowUsec uint64) int64 {
	return int64(serverNowUsec) - int64(hello.ClockUsec)
}
