// Package trace defines the durable event schema every recovery strategy
// emits. The field set is a hard external contract: downstream metric
// computation compares runs across strategies, so the schema never varies
// with the strategy that produced it.
package trace

import (
	"github.com/vsavkov/mender/internal/budget"
	"github.com/vsavkov/mender/internal/fault"
)

// EventType partitions trace events by what produced them.
type EventType string

const (
	EventToolCall     EventType = "tool_call"
	EventRecovery     EventType = "recovery"
	EventCompensation EventType = "compensation"
	EventFinal        EventType = "final"
)

// Event is one immutable trace record: the step context, the attempt result,
// the recovery action taken, and the budget snapshot at emission time.
// A step may be attempted many times; each attempt yields exactly one
// tool_call event with its own attempt index, preserving full history.
type Event struct {
	EventID   string         `json:"event_id"`
	Type      EventType      `json:"event_type"`
	TaskID    string         `json:"task_id"`
	StepIdx   int            `json:"step_idx"`
	StepName  string         `json:"step_name"`
	ToolName  string         `json:"tool_name"`
	Params    map[string]any `json:"params"`
	Attempt   int            `json:"attempt_idx"`
	Status    string         `json:"status"`
	LatencyMS int            `json:"latency_ms"`

	ErrorKind     string           `json:"error_type"`
	InjectedFault *fault.Injection `json:"injected_fault"`

	StateHash string          `json:"state_hash"`
	Budget    budget.Snapshot `json:"budget"`

	RecoveryAction     string         `json:"recovery_action"`
	CompensationAction string         `json:"compensation_action"`
	SagaDepth          int            `json:"saga_stack_depth"`
	Diagnosis          map[string]any `json:"diagnosis"`

	TSMillis int64 `json:"ts_ms"`

	// Terminal fields, populated on final events only.
	FinalOutcome string `json:"final_outcome"`
	FinalReason  string `json:"final_reason"`
	SRREligible  *bool  `json:"srr_eligible"`
	SRRPass      *bool  `json:"srr_pass"`
}

// Sink consumes an append-only event sequence.
type Sink interface {
	Append(Event) error
}

// Recorder is an in-memory sink. The orchestrator keeps one per run so the
// policy engine can consult recent history, and tests assert on it directly.
type Recorder struct {
	events []Event
}

func (r *Recorder) Append(ev Event) error {
	r.events = append(r.events, ev)
	return nil
}

// Events returns the recorded sequence. Callers must not mutate it.
func (r *Recorder) Events() []Event {
	return r.events
}

// TaskEvents returns the recorded events for one task, in order.
func (r *Recorder) TaskEvents(taskID string) []Event {
	var out []Event
	for _, ev := range r.events {
		if ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out
}

// Tee fans Append out to every sink, stopping at the first error.
func Tee(sinks ...Sink) Sink {
	return teeSink(sinks)
}

type teeSink []Sink

func (t teeSink) Append(ev Event) error {
	for _, s := range t {
		if s == nil {
			continue
		}
		if err := s.Append(ev); err != nil {
			return err
		}
	}
	return nil
}
