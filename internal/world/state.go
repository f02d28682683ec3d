// Package world holds the simulated mutable state a workflow runs against:
// business records, inventory quantities, and an append-only audit log.
// State is only ever mutated through tool calls.
package world

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// AuditEntry is one append-only record of a side effect. Entries are plain
// maps so the audit log can carry tool-specific fields without a type per tool.
type AuditEntry map[string]any

// State is the full simulation state for one task.
type State struct {
	Records   map[string]map[string]any `json:"records"`
	Inventory map[string]int            `json:"inventory"`
	AuditLog  []AuditEntry              `json:"audit_log"`
}

// NewState returns an empty state with all containers allocated.
func NewState() *State {
	return &State{
		Records:   map[string]map[string]any{},
		Inventory: map[string]int{},
		AuditLog:  []AuditEntry{},
	}
}

// Clone returns a deep, independent copy. The copy shares no references with
// the receiver; mutating one never affects the other.
func (s *State) Clone() *State {
	b, err := json.Marshal(s)
	if err != nil {
		// State is built from JSON-representable values only; a marshal
		// failure means a tool stored something it must not have.
		panic(fmt.Sprintf("world: state not serializable: %v", err))
	}
	out := &State{}
	if err := json.Unmarshal(b, out); err != nil {
		panic(fmt.Sprintf("world: state clone decode: %v", err))
	}
	if out.Records == nil {
		out.Records = map[string]map[string]any{}
	}
	if out.Inventory == nil {
		out.Inventory = map[string]int{}
	}
	if out.AuditLog == nil {
		out.AuditLog = []AuditEntry{}
	}
	return out
}

// Hash returns a hex blake3 digest of the canonical JSON encoding.
// encoding/json sorts map keys, so the digest is stable for equal states.
func (s *State) Hash() string {
	b, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("world: state not serializable: %v", err))
	}
	h := blake3.New()
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

// Append records one audit entry stamped with now.
func (s *State) Append(now time.Time, entry AuditEntry) {
	if entry == nil {
		entry = AuditEntry{}
	}
	entry["timestamp"] = now.Unix()
	s.AuditLog = append(s.AuditLog, entry)
}
