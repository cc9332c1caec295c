package id_test

import (
	"encoding/json"
	"testing"

	"github.com/hivemesh/fabric/id"
)

func TestNew_GeneratesPrefixedIDs(t *testing.T) {
	tests := []struct {
		prefix id.Prefix
		newFn  func() id.ID
	}{
		{id.PrefixNode, id.NewNodeID},
		{id.PrefixTask, id.NewTaskID},
		{id.PrefixService, id.NewServiceID},
		{id.PrefixSchedule, id.NewScheduleID},
		{id.PrefixHistory, id.NewHistoryID},
	}
	for _, tt := range tests {
		got := tt.newFn()
		if got.IsNil() {
			t.Errorf("New(%q) returned nil ID", tt.prefix)
		}
		if got.Prefix() != tt.prefix {
			t.Errorf("Prefix() = %q, want %q", got.Prefix(), tt.prefix)
		}
	}
}

func TestNew_IDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		s := id.NewTaskID().String()
		if seen[s] {
			t.Fatalf("duplicate ID generated: %s", s)
		}
		seen[s] = true
	}
}

func TestParse_RoundTrip(t *testing.T) {
	orig := id.NewNodeID()

	parsed, err := id.Parse(orig.String())
	if err != nil {
		t.Fatalf("Parse(%q) error: %v", orig.String(), err)
	}
	if parsed.String() != orig.String() {
		t.Errorf("round trip = %q, want %q", parsed.String(), orig.String())
	}
}

func TestParse_RejectsEmpty(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Error("Parse(\"\") should return an error")
	}
}

func TestParseWithPrefix_RejectsWrongPrefix(t *testing.T) {
	taskID := id.NewTaskID()

	if _, err := id.ParseNodeID(taskID.String()); err == nil {
		t.Errorf("ParseNodeID(%q) should reject a task-prefixed ID", taskID.String())
	}
}

func TestID_JSONRoundTrip(t *testing.T) {
	orig := id.NewServiceID()

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var decoded id.ID
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if decoded.String() != orig.String() {
		t.Errorf("JSON round trip = %q, want %q", decoded.String(), orig.String())
	}
}

func TestNil_MarshalsToEmpty(t *testing.T) {
	data, err := id.Nil.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText error: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("Nil.MarshalText() = %q, want empty", data)
	}
}
