package tuning

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_FillsDefaults(t *testing.T) {
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	raw := "tick_rate_hz: 60\nownership:\n  server_priority: 2\ntrace: true\n"
	if err := os.WriteFile(p, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	d := Defaults()
	if got.TickRateHz != 60 || got.Ownership.ServerPriority != 2 || !got.Trace {
		t.Fatalf("explicit fields lost: %+v", got)
	}
	if got.PacketBudgetBytes != d.PacketBudgetBytes || got.Actions != d.Actions || got.Ownership.ExpiryMs != d.Ownership.ExpiryMs {
		t.Fatalf("defaults not applied: %+v", got)
	}
}

func TestLoad_Rejects(t *testing.T) {
	dir := t.TempDir()
	for name, raw := range map[string]string{
		"budget":   "packet_budget_bytes: 10\n",
		"priority": "ownership:\n  server_priority: 300\n",
		"yaml":     "tick_rate_hz: [\n",
	} {
		p := filepath.Join(dir, name+".yaml")
		if err := os.WriteFile(p, []byte(raw), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := Load(p); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); !os.IsNotExist(err) {
		t.Fatalf("missing file: %v", err)
	}
}

func TestConfigsTuningYAMLLoads(t *testing.T) {
	got, err := Load(filepath.Join("..", "..", "..", "configs", "tuning.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.TickRateHz <= 0 || got.Actions.RememberDeletedMs != 20000 {
		t.Fatalf("unexpected repo tuning: %+v", got)
	}
}
