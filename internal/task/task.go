// Package task defines the benchmark task model and its oracles. Tasks arrive
// from an external generator as JSONL; this package only loads, validates,
// and judges them.
package task

import (
	"fmt"
	"strings"

	"github.com/vsavkov/mender/internal/fault"
	"github.com/vsavkov/mender/internal/tool"
	"github.com/vsavkov/mender/internal/world"
)

// Step names one tool invocation in a task's fixed sequence.
type Step struct {
	StepName string         `json:"step_name"`
	ToolName string         `json:"tool_name"`
	Params   map[string]any `json:"params"`
}

// SuccessCondition is the predicate evaluated against final world state.
type SuccessCondition struct {
	Type           string `json:"type"`
	RecordID       string `json:"record_id,omitempty"`
	ExpectedStatus string `json:"expected_status,omitempty"`
}

// Task is one benchmark unit: an initial world, a fixed step list, a
// seed-reproducible fault schedule, and a success predicate.
type Task struct {
	TaskID       string           `json:"task_id"`
	InitialState world.State      `json:"initial_world_state"`
	Steps        []Step           `json:"steps"`
	FaultRules   []fault.Rule     `json:"fault_injections"`
	Success      SuccessCondition `json:"success_condition"`
}

// Validate checks structural integrity and that every step names a registered
// tool. reg may be nil to skip tool resolution.
func (t Task) Validate(reg *tool.Registry) error {
	if strings.TrimSpace(t.TaskID) == "" {
		return fmt.Errorf("task: task_id is required")
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("task %s: no steps", t.TaskID)
	}
	for i, s := range t.Steps {
		if strings.TrimSpace(s.ToolName) == "" {
			return fmt.Errorf("task %s step %d: tool_name is required", t.TaskID, i)
		}
		if reg != nil {
			if _, ok := reg.Get(s.ToolName); !ok {
				return fmt.Errorf("task %s step %d: unknown tool %q", t.TaskID, i, s.ToolName)
			}
		}
	}
	for _, r := range t.FaultRules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("task %s: %w", t.TaskID, err)
		}
		if r.StepIdx < 0 || r.StepIdx >= len(t.Steps) {
			return fmt.Errorf("task %s: fault %q targets step %d of %d", t.TaskID, r.FaultID, r.StepIdx, len(t.Steps))
		}
	}
	return nil
}

// RuleFor returns the fault schedule entry targeting stepIdx, if any.
func (t Task) RuleFor(stepIdx int) (fault.Rule, bool) {
	for _, r := range t.FaultRules {
		if r.StepIdx == stepIdx {
			return r, true
		}
	}
	return fault.Rule{}, false
}

// CheckSuccess evaluates the success predicate against ws.
func (t Task) CheckSuccess(ws *world.State) bool {
	switch t.Success.Type {
	case "record_status":
		rec, ok := ws.Records[t.Success.RecordID]
		if !ok {
			return false
		}
		status, _ := rec["status"].(string)
		return status == t.Success.ExpectedStatus
	default:
		return false
	}
}

// CheckConsistency is the saga oracle: after a rollback completes, inventory
// quantities must equal their pre-transaction values and no record referenced
// by the audit log may be missing from records. Returns the violations found.
func CheckConsistency(ws *world.State, initial *world.State) (bool, []string) {
	var violations []string

	for item, want := range initial.Inventory {
		if got := ws.Inventory[item]; got != want {
			violations = append(violations, fmt.Sprintf("inventory %s: got %d want %d", item, got, want))
		}
	}
	for item, got := range ws.Inventory {
		if got < 0 {
			violations = append(violations, fmt.Sprintf("inventory %s: negative quantity %d", item, got))
		}
		if _, ok := initial.Inventory[item]; !ok && got != 0 {
			violations = append(violations, fmt.Sprintf("inventory %s: unexpected quantity %d", item, got))
		}
	}

	for i, entry := range ws.AuditLog {
		rid, _ := entry["record_id"].(string)
		if rid == "" {
			continue
		}
		if _, ok := ws.Records[rid]; !ok {
			violations = append(violations, fmt.Sprintf("audit[%d]: orphaned record reference %s", i, rid))
		}
	}

	return len(violations) == 0, violations
}
