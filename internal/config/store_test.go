package config

import (
	"testing"
)

func TestStore_UpdateSwapsSnapshot(t *testing.T) {
	s, err := NewStore([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	before := s.Snapshot()
	if _, err := s.Update([]byte(`{"debug": {"enabled": true}}`)); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	after := s.Snapshot()
	if after == before {
		t.Error("expected a new snapshot pointer after update")
	}
	if !after.Debug.Enabled {
		t.Error("debug.enabled not applied")
	}
	if len(after.Video.Origins) != 1 {
		t.Errorf("origins lost across partial update: %d", len(after.Video.Origins))
	}
}

func TestStore_UpdateRollsBackOnInvalid(t *testing.T) {
	s, err := NewStore([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	before := s.Snapshot()
	if _, err := s.Update([]byte(`{"video": {"origins": []}}`)); err == nil {
		t.Fatal("expected validation error")
	}
	if s.Snapshot() != before {
		t.Error("snapshot mutated despite failed update")
	}
}
