package world

import "testing"

func TestCheckpointRoundTrip(t *testing.T) {
	m := NewCheckpointManager()
	s := NewState()
	s.Inventory["widget"] = 5

	tok := m.Snapshot(s)
	s.Inventory["widget"] = 0

	restored, err := m.Restore(tok)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := restored.Inventory["widget"]; got != 5 {
		t.Fatalf("restored inventory: got %d want 5", got)
	}
}

func TestCheckpointRestoreIsRepeatable(t *testing.T) {
	m := NewCheckpointManager()
	s := NewState()
	s.Inventory["widget"] = 5
	tok := m.Snapshot(s)

	first, err := m.Restore(tok)
	if err != nil {
		t.Fatalf("first restore: %v", err)
	}
	first.Inventory["widget"] = 99

	second, err := m.Restore(tok)
	if err != nil {
		t.Fatalf("second restore: %v", err)
	}
	if got := second.Inventory["widget"]; got != 5 {
		t.Fatalf("second restore sees first restore's mutation: got %d want 5", got)
	}
}

func TestCheckpointUnknownToken(t *testing.T) {
	m := NewCheckpointManager()
	if _, err := m.Restore("cp-404"); err == nil {
		t.Fatal("expected error for unknown token")
	}
}

func TestCheckpointDrop(t *testing.T) {
	m := NewCheckpointManager()
	tok := m.Snapshot(NewState())
	m.Drop(tok)
	if _, err := m.Restore(tok); err == nil {
		t.Fatal("expected error after drop")
	}
}
