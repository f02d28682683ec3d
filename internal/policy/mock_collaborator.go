package policy

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/vsavkov/mender/internal/fault"
)

// MockCollaborator is a deterministic, in-process stand-in for the external
// reasoning service. It classifies by error keywords with seeded confidence
// noise, so diagnosis-driven runs are hermetic and reproducible while still
// exercising the full collaborator contract (including the low-confidence
// path).
type MockCollaborator struct {
	Seed int64
}

func (m MockCollaborator) Diagnose(req Request) ([]byte, error) {
	diag := m.classify(req)
	return json.Marshal(diag)
}

func (m MockCollaborator) classify(req Request) Diagnosis {
	layer := keywordLayer(fmt.Sprintf("%s %s %s", req.ErrorKind, req.ErrorMsg, req.StepName))
	if req.HintLayer != "" {
		layer = req.HintLayer
	}

	// Seeded misclassification noise keeps accuracy below perfect, the way a
	// real diagnoser behaves. One request in ten degrades to an uncertain
	// persistent verdict.
	noisy := m.noise(req.TaskID, req.ErrorKind, req.StepIdx)
	if noisy {
		layer = fault.LayerPersistent
	}

	var diag Diagnosis
	switch fault.Kind(req.ErrorKind) {
	case fault.KindTimeout, fault.KindHTTP500:
		diag = Diagnosis{Layer: layer, Action: "retry", Confidence: 0.85,
			Rationale: req.ErrorKind + " is transient, retry recommended"}
	case fault.KindConflict:
		diag = Diagnosis{Layer: layer, Action: "rollback", Confidence: 0.85,
			Rationale: "conflict indicates stale state, rollback and retry"}
	case fault.KindNotFound:
		if req.Scenario == "eventual_consistency" || req.HintLayer == fault.LayerTransient {
			diag = Diagnosis{Layer: layer, Action: "retry", Confidence: 0.85,
				Rationale: "NotFound may be eventual consistency, retry recommended"}
		} else {
			diag = Diagnosis{Layer: layer, Action: "escalate", Confidence: 0.85,
				Rationale: "NotFound likely persistent, escalation required"}
		}
	case fault.KindPolicyRejected, fault.KindAuthDenied, fault.KindBadRequest, fault.KindStateCorruption:
		diag = Diagnosis{Layer: layer, Action: "escalate", Confidence: 0.85,
			Rationale: req.ErrorKind + " requires escalation"}
	default:
		switch layer {
		case fault.LayerTransient:
			diag = Diagnosis{Layer: layer, Action: "retry", Confidence: 0.65,
				Rationale: req.ErrorKind + " looks transient"}
		case fault.LayerCascade:
			diag = Diagnosis{Layer: layer, Action: "rollback", Confidence: 0.65,
				Rationale: req.ErrorKind + " looks cascade-like"}
		default:
			diag = Diagnosis{Layer: layer, Action: "escalate", Confidence: 0.65,
				Rationale: req.ErrorKind + " uncertain, escalating"}
		}
	}

	if noisy && diag.Confidence > 0.55 {
		diag.Confidence = 0.55
	}
	return diag
}

func (m MockCollaborator) noise(taskID, errorKind string, stepIdx int) bool {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s:%s:%d", m.Seed, taskID, errorKind, stepIdx)))
	return binary.BigEndian.Uint64(sum[:8])%10 == 0
}
