package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/vsavkov/mender/internal/fault"
	"github.com/vsavkov/mender/internal/trace"
)

// confidenceThreshold gates diagnosis-suggested actions. Anything below it is
// overridden with escalate, the safety-conservative default.
const confidenceThreshold = 0.7

// HistoryItem is one compacted recent-history entry sent to the collaborator.
type HistoryItem struct {
	Step   string `json:"step"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Request is the structured diagnosis request. HintLayer and Scenario carry
// the injected fault's experiment hints when present; a real collaborator is
// free to ignore them.
type Request struct {
	TaskID        string        `json:"task_id"`
	StepIdx       int           `json:"step_idx"`
	StepName      string        `json:"step_name"`
	ToolName      string        `json:"tool_name"`
	ErrorKind     string        `json:"error_type"`
	ErrorMsg      string        `json:"error_msg"`
	RetryCount    int           `json:"retry_count"`
	StateHash     string        `json:"state_hash"`
	RecentHistory []HistoryItem `json:"recent_history"`

	HintLayer fault.Layer `json:"hint_layer,omitempty"`
	Scenario  string      `json:"scenario,omitempty"`
}

// Diagnosis is the collaborator's structured verdict.
type Diagnosis struct {
	Layer      fault.Layer `json:"layer"`
	Action     string      `json:"action"`
	Confidence float64     `json:"confidence"`
	Rationale  string      `json:"rationale,omitempty"`
}

// Collaborator is the external reasoning service contract. It returns the
// raw response bytes; the strategy owns decoding and validation, so a
// malformed response can never smuggle in an action.
type Collaborator interface {
	Diagnose(req Request) ([]byte, error)
}

const diagnosisSchemaJSON = `{
	"type": "object",
	"required": ["layer", "action", "confidence"],
	"properties": {
		"layer": {"enum": ["transient", "persistent", "semantic", "cascade"]},
		"action": {"enum": ["retry", "rollback", "compensate", "escalate"]},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"rationale": {"type": "string"}
	}
}`

var diagnosisSchema = jsonschema.MustCompileString("diagnosis.json", diagnosisSchemaJSON)

// DecodeDiagnosis validates raw against the response schema and decodes it.
func DecodeDiagnosis(raw []byte) (Diagnosis, error) {
	var v any
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&v); err != nil {
		return Diagnosis{}, fmt.Errorf("policy: diagnosis response not JSON: %w", err)
	}
	if err := diagnosisSchema.Validate(v); err != nil {
		return Diagnosis{}, fmt.Errorf("policy: diagnosis response schema: %w", err)
	}
	var d Diagnosis
	if err := json.Unmarshal(raw, &d); err != nil {
		return Diagnosis{}, err
	}
	return d, nil
}

// DiagnosisStrategy delegates classification to the collaborator and gates
// its suggestion on confidence.
type DiagnosisStrategy struct {
	Collab Collaborator
}

func NewDiagnosisStrategy(collab Collaborator) *DiagnosisStrategy {
	return &DiagnosisStrategy{Collab: collab}
}

func (s *DiagnosisStrategy) Decide(c Context) Decision {
	diag, ok := s.consult(c)
	payload := map[string]any{
		"layer_pred":      string(diag.Layer),
		"action_pred":     diag.Action,
		"confidence":      diag.Confidence,
		"rationale_short": truncate(diag.Rationale, 120),
	}
	if !ok {
		payload["rationale_short"] = "malformed diagnosis response"
	}

	if diag.Confidence < confidenceThreshold {
		payload["low_confidence_override"] = true
		return Decision{
			Action:     ActionEscalate,
			Confidence: diag.Confidence,
			Source:     "diagnosis",
			Payload:    payload,
		}
	}
	return Decision{
		Action:     mapDiagnosisAction(diag.Action),
		Confidence: diag.Confidence,
		Source:     "diagnosis",
		Payload:    payload,
	}
}

// consult calls the collaborator. Any transport failure, non-JSON body, or
// schema violation collapses to a zero-confidence diagnosis.
func (s *DiagnosisStrategy) consult(c Context) (Diagnosis, bool) {
	if s.Collab == nil {
		return Diagnosis{}, false
	}
	raw, err := s.Collab.Diagnose(requestFrom(c))
	if err != nil {
		return Diagnosis{}, false
	}
	diag, err := DecodeDiagnosis(raw)
	if err != nil {
		return Diagnosis{}, false
	}
	return diag, true
}

func mapDiagnosisAction(action string) Action {
	switch action {
	case "retry":
		return ActionRetry
	case "rollback":
		return ActionRollback
	case "compensate":
		return ActionCompensate
	default:
		return ActionEscalate
	}
}

func requestFrom(c Context) Request {
	req := Request{
		TaskID:     c.TaskID,
		StepIdx:    c.StepIdx,
		StepName:   c.StepName,
		ToolName:   c.ToolName,
		ErrorKind:  c.Result.ErrorKind,
		ErrorMsg:   c.Result.ErrorMsg,
		RetryCount: c.Attempt,
		StateHash:  c.StateHash,
	}
	if inj := c.Result.Injected; inj != nil {
		req.HintLayer = inj.GTLayer
		req.Scenario = inj.Scenario
	}
	events := c.History
	if len(events) > 3 {
		events = events[len(events)-3:]
	}
	for _, ev := range events {
		if ev.Type != trace.EventToolCall {
			continue
		}
		req.RecentHistory = append(req.RecentHistory, HistoryItem{
			Step:   ev.StepName,
			Status: ev.Status,
			Error:  ev.ErrorKind,
		})
	}
	return req
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func keywordLayer(message string) fault.Layer {
	m := strings.ToLower(message)
	contains := func(subs ...string) bool {
		for _, sub := range subs {
			if strings.Contains(m, sub) {
				return true
			}
		}
		return false
	}
	switch {
	case contains("timeout", "http_500", "temporar", "throttle"):
		return fault.LayerTransient
	case contains("conflict", "rollback", "state"):
		return fault.LayerCascade
	case contains("auth", "policy", "badrequest", "validation"):
		return fault.LayerSemantic
	case contains("notfound", "missing", "not found"):
		return fault.LayerPersistent
	default:
		return fault.LayerPersistent
	}
}
