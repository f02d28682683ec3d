// Package policy decides how the orchestrator reacts to a failed step. Three
// interchangeable strategies (rule table, diagnosis-driven, memory-augmented)
// sit behind one Decider interface; the Engine wraps the chosen strategy with
// the cross-cutting guards that no strategy may override.
package policy

import (
	"github.com/vsavkov/mender/internal/budget"
	"github.com/vsavkov/mender/internal/tool"
	"github.com/vsavkov/mender/internal/trace"
)

// Action is the recovery decision vocabulary.
type Action string

const (
	ActionRetry        Action = "retry"
	ActionRollback     Action = "rollback_then_retry"
	ActionCompensate   Action = "compensate_then_escalate"
	ActionEscalate     Action = "escalate"
	// ActionFail terminates the task with no recovery at all. Only the
	// no-recovery and naive-retry baselines produce it.
	ActionFail Action = "fail"
)

// Decision is one policy verdict for one failed attempt.
type Decision struct {
	Action     Action
	Confidence float64
	// Source names the deciding mechanism: rule, diagnosis, memory,
	// loop_guard, or safety_guard.
	Source  string
	Payload map[string]any
}

// Context is everything a strategy may consult for one failed attempt.
// Immutable once constructed.
type Context struct {
	TaskID   string
	StepIdx  int
	StepName string
	ToolName string
	Params   map[string]any

	Result    tool.Result
	StateHash string

	// Attempt counts prior attempts of this step (0 for the first).
	Attempt int

	Budget  budget.Snapshot
	History []trace.Event
}

// Decider selects a recovery action for a failed step.
type Decider interface {
	Decide(c Context) Decision
}

// loopGuardWindow is how many consecutive same-hash failures force escalation.
const loopGuardWindow = 3

// maxRecoveryAttempts bounds retry/rollback loops per step before the safety
// guard forces escalation.
const maxRecoveryAttempts = 3

// Engine applies the strategy between two cross-cutting overrides: the
// loop/non-progress guard before it, and the budget safety guard after it.
type Engine struct {
	Strategy Decider
	Backoff  BackoffConfig
}

func NewEngine(strategy Decider) *Engine {
	return &Engine{Strategy: strategy, Backoff: DefaultBackoffConfig()}
}

func (e *Engine) Decide(c Context) Decision {
	// Non-progress guard: checked before any strategy branch. Three
	// consecutive failures of the same step with an unchanged state hash
	// mean retrying cannot help.
	if loopGuardTripped(c) {
		return Decision{
			Action:     ActionEscalate,
			Confidence: 1,
			Source:     "loop_guard",
			Payload: map[string]any{
				"rationale_short": "no state progress across repeated failures",
			},
		}
	}

	d := e.Strategy.Decide(c)
	return applySafetyGuard(d, c)
}

func loopGuardTripped(c Context) bool {
	prior := 0
	for i := len(c.History) - 1; i >= 0; i-- {
		ev := c.History[i]
		if ev.Type != trace.EventToolCall {
			continue
		}
		if ev.Status != "error" || ev.StepIdx != c.StepIdx || ev.StateHash != c.StateHash {
			break
		}
		prior++
	}
	// The current failure is not yet in history: with three same-hash
	// failures already recorded, this evaluation must escalate rather than
	// grant a fourth retry.
	return prior >= loopGuardWindow
}

// applySafetyGuard forces escalation when continuing would either exceed the
// bounded attempt budget for this step or consume the final admissible tool
// call. It never relaxes a decision.
func applySafetyGuard(d Decision, c Context) Decision {
	if d.Action != ActionRetry && d.Action != ActionRollback {
		return d
	}
	reason := ""
	switch {
	case c.Budget.RemainingToolCalls <= 1:
		reason = "tool-call budget exhausted"
	case c.Attempt >= maxRecoveryAttempts:
		reason = "attempt cap reached"
	}
	if reason == "" {
		return d
	}
	payload := map[string]any{}
	for k, v := range d.Payload {
		payload[k] = v
	}
	payload["overridden_action"] = string(d.Action)
	payload["override_reason"] = reason
	return Decision{
		Action:     ActionEscalate,
		Confidence: d.Confidence,
		Source:     "safety_guard",
		Payload:    payload,
	}
}

// NewStrategy builds a strategy by its configured name. bank and collaborator
// may be nil for strategies that do not use them.
func NewStrategy(name string, collab Collaborator, bank MemoryStore) (Decider, bool) {
	switch name {
	case "none":
		return NoneStrategy{}, true
	case "retry":
		return RetryStrategy{}, true
	case "rules":
		return RuleStrategy{}, true
	case "diagnosis":
		return NewDiagnosisStrategy(collab), true
	case "memory":
		return NewMemoryStrategy(bank, NewDiagnosisStrategy(collab)), true
	default:
		return nil, false
	}
}

// StrategyNames lists the accepted strategy configuration values.
func StrategyNames() []string {
	return []string{"none", "retry", "rules", "diagnosis", "memory"}
}
