package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz         int `yaml:"tick_rate_hz"`
	PacketBudgetBytes  int `yaml:"packet_budget_bytes"`
	SnapshotEveryTicks int `yaml:"snapshot_every_ticks"`

	Ownership Ownership `yaml:"ownership"`
	Actions   Actions   `yaml:"actions"`

	// Trace logs stale-update discards.
	Trace bool `yaml:"trace"`
}

type Ownership struct {
	ExpiryMs int `yaml:"expiry_ms"`
	// ServerPriority is the priority the server bids with for unowned
	// entities it steps kinematically. 0 disables server bids.
	ServerPriority int `yaml:"server_priority"`
}

type Actions struct {
	MaxDataBytes      int `yaml:"max_data_bytes"`
	RememberDeletedMs int `yaml:"remember_deleted_ms"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:    "1.0",
		TickRateHz:         30,
		PacketBudgetBytes:  1400,
		SnapshotEveryTicks: 3000,
		Ownership: Ownership{
			ExpiryMs:       2000,
			ServerPriority: 0,
		},
		Actions: Actions{
			MaxDataBytes:      800,
			RememberDeletedMs: 20000,
		},
	}
}

// Normalize fills zero fields from Defaults and rejects values the runtime
// cannot work with.
func (t *Tuning) Normalize() error {
	d := Defaults()
	if t.ProtocolVersion == "" {
		t.ProtocolVersion = d.ProtocolVersion
	}
	if t.TickRateHz <= 0 {
		t.TickRateHz = d.TickRateHz
	}
	if t.PacketBudgetBytes <= 0 {
		t.PacketBudgetBytes = d.PacketBudgetBytes
	}
	if t.SnapshotEveryTicks < 0 {
		t.SnapshotEveryTicks = 0
	}
	if t.Ownership.ExpiryMs <= 0 {
		t.Ownership.ExpiryMs = d.Ownership.ExpiryMs
	}
	if t.Actions.MaxDataBytes <= 0 {
		t.Actions.MaxDataBytes = d.Actions.MaxDataBytes
	}
	if t.Actions.RememberDeletedMs <= 0 {
		t.Actions.RememberDeletedMs = d.Actions.RememberDeletedMs
	}
	if t.TickRateHz > 1000 {
		return fmt.Errorf("tick_rate_hz %d out of range", t.TickRateHz)
	}
	if t.PacketBudgetBytes < 128 || t.PacketBudgetBytes > 65507 {
		return fmt.Errorf("packet_budget_bytes %d out of range [128,65507]", t.PacketBudgetBytes)
	}
	if t.Ownership.ServerPriority < 0 || t.Ownership.ServerPriority > 0xff {
		return fmt.Errorf("ownership.server_priority %d out of range", t.Ownership.ServerPriority)
	}
	return nil
}

func Load(path string) (Tuning, error) {
	var t Tuning
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Normalize(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}
