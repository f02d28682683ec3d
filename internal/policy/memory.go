package policy

import (
	"github.com/vsavkov/mender/internal/memory"
)

// memoryThreshold is the minimum stored confidence for a memory hit to be
// used directly, bypassing the diagnosis collaborator entirely.
const memoryThreshold = 0.8

// MemoryStore is the slice of the memory bank the strategy needs. The bank's
// lifecycle (load at run start, save at run end) belongs to the runner.
type MemoryStore interface {
	Query(sig memory.Signature) (action string, confidence float64, matchedKey string)
}

// MemoryStrategy consults the memory bank before diagnosis. A sufficiently
// confident hit is used directly and recorded as such in the trace; anything
// else falls through to the diagnosis strategy.
type MemoryStrategy struct {
	Bank      MemoryStore
	Diagnosis *DiagnosisStrategy
	Threshold float64
}

func NewMemoryStrategy(bank MemoryStore, diagnosis *DiagnosisStrategy) *MemoryStrategy {
	return &MemoryStrategy{Bank: bank, Diagnosis: diagnosis, Threshold: memoryThreshold}
}

// SignatureFor derives the lookup signature for a failed attempt.
func SignatureFor(c Context) memory.Signature {
	errText := c.Result.ErrorMsg
	if c.Result.ErrorTrace != "" {
		errText += " " + c.Result.ErrorTrace
	}
	return memory.NewSignature(c.ToolName, c.StepName, c.Result.ErrorKind, errText, c.StateHash)
}

func (s *MemoryStrategy) Decide(c Context) Decision {
	if s.Bank != nil {
		sig := SignatureFor(c)
		action, conf, matchedKey := s.Bank.Query(sig)
		if action != "" && conf >= s.Threshold && knownAction(Action(action)) {
			return Decision{
				Action:     Action(action),
				Confidence: conf,
				Source:     "memory",
				Payload: map[string]any{
					"action_pred":     action,
					"confidence":      conf,
					"rationale_short": "memory-hit",
					"signature":       sig.Key(),
					"matched_key":     matchedKey,
				},
			}
		}
	}
	return s.Diagnosis.Decide(c)
}

func knownAction(a Action) bool {
	switch a {
	case ActionRetry, ActionRollback, ActionCompensate, ActionEscalate, ActionFail:
		return true
	default:
		return false
	}
}
