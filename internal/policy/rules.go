package policy

import (
	"github.com/vsavkov/mender/internal/fault"
)

// NoneStrategy performs no recovery at all: every failure terminates the
// task. It is the floor every other strategy is measured against.
type NoneStrategy struct{}

func (NoneStrategy) Decide(c Context) Decision {
	return Decision{
		Action:     ActionFail,
		Confidence: 1,
		Source:     "rule",
		Payload:    rulePayload(c, ActionFail, "no-recovery"),
	}
}

// RetryStrategy retries every failure blindly up to the attempt cap, with no
// regard for the fault's nature.
type RetryStrategy struct{}

func (RetryStrategy) Decide(c Context) Decision {
	action := ActionRetry
	if c.Attempt >= maxRecoveryAttempts {
		action = ActionFail
	}
	return Decision{
		Action:     action,
		Confidence: 1,
		Source:     "rule",
		Payload:    rulePayload(c, action, "naive-retry"),
	}
}

// RuleStrategy is the deterministic fault-layer table: transient kinds get
// bounded retry with backoff, conflict-like kinds get rollback-then-retry,
// everything ambiguous escalates.
type RuleStrategy struct{}

func (RuleStrategy) Decide(c Context) Decision {
	action := ruleAction(fault.Kind(c.Result.ErrorKind), c.Attempt)
	return Decision{
		Action:     action,
		Confidence: 1,
		Source:     "rule",
		Payload:    rulePayload(c, action, "rule-table"),
	}
}

func ruleAction(kind fault.Kind, attempt int) Action {
	switch kind {
	case fault.KindTimeout, fault.KindHTTP500:
		if attempt < maxRecoveryAttempts {
			return ActionRetry
		}
		return ActionEscalate
	case fault.KindConflict:
		if attempt < maxRecoveryAttempts {
			return ActionRollback
		}
		return ActionEscalate
	default:
		// Persistent, semantic, and cascade kinds with ambiguous signal:
		// raw retry cannot fix them.
		return ActionEscalate
	}
}

func rulePayload(c Context, action Action, note string) map[string]any {
	layer := fault.Kind(c.Result.ErrorKind).Layer()
	return map[string]any{
		"layer_pred":      string(layer),
		"action_pred":     string(action),
		"confidence":      1.0,
		"rationale_short": note,
	}
}
