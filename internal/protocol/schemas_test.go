package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"entitysync/internal/protocol"
)

func compileSchema(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	p := filepath.Join("..", "..", "schemas", name)
	s, err := jsonschema.Compile(p)
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return s
}

// validateStruct round-trips v through JSON so the schema sees exactly what
// goes on the wire.
func validateStruct(t *testing.T, s *jsonschema.Schema, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := s.Validate(doc); err != nil {
		t.Fatalf("validate %s: %v", b, err)
	}
}

func TestSchemas_ValidateMessages(t *testing.T) {
	hello := compileSchema(t, "hello.schema.json")
	welcome := compileSchema(t, "welcome.schema.json")
	errSchema := compileSchema(t, "error.schema.json")

	validateStruct(t, hello, protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		PeerID:          "0b6a3b1e-4f1c-4b1e-9a55-0e6a9f2d7c10",
		ClockUsec:       1712345678901234,
	})
	validateStruct(t, welcome, protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       "1c0e1f4a-9d2b-4c55-8f0e-3b2a1d0c9e8f",
		ServerID:        "5f9c2a7e-0d4b-4e3a-b1c2-d3e4f5a6b7c8",
		ServerClockUsec: 1712345678999999,
		WorldParams:     protocol.WorldParams{TickRateHz: 30, PacketBudgetBytes: 1400, EntityCount: 3},
	})
	validateStruct(t, errSchema, protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            protocol.ErrProtoVersion,
		Message:         "bad protocol_version",
	})
}

func TestSchemas_RejectBadHello(t *testing.T) {
	hello := compileSchema(t, "hello.schema.json")
	var doc any
	_ = json.Unmarshal([]byte(`{"type":"HELLO","protocol_version":"1.0","peer_id":"not-a-uuid","clock_usec":-1}`), &doc)
	if err := hello.Validate(doc); err == nil {
		t.Fatalf("expected invalid HELLO to be rejected")
	}
}
