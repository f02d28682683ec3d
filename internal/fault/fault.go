// Package fault defines the fault taxonomy and the deterministic, seed-driven
// injector. The injector is a pure function of its inputs: it never reads or
// mutates world state, it only decides whether and how a tool call fails.
package fault

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
)

// Layer classifies the root cause and recovery difficulty of a fault.
type Layer string

const (
	LayerTransient  Layer = "transient"  // resolves via retry with backoff
	LayerPersistent Layer = "persistent" // needs a policy or parameter change
	LayerSemantic   Layer = "semantic"   // success-shaped but inconsistent result
	LayerCascade    Layer = "cascade"    // partial multi-step failure, needs compensation
)

// Kind is the concrete simulated failure a tool call reports.
type Kind string

const (
	KindTimeout         Kind = "Timeout"
	KindHTTP500         Kind = "HTTP_500"
	KindBadRequest      Kind = "BadRequest"
	KindAuthDenied      Kind = "AuthDenied"
	KindNotFound        Kind = "NotFound"
	KindConflict        Kind = "Conflict"
	KindPolicyRejected  Kind = "PolicyRejected"
	KindStateCorruption Kind = "StateCorruption"
)

// Kinds lists every injectable fault kind.
var Kinds = []Kind{
	KindTimeout, KindHTTP500, KindBadRequest, KindAuthDenied,
	KindNotFound, KindConflict, KindPolicyRejected, KindStateCorruption,
}

var kindLayers = map[Kind]Layer{
	KindTimeout:         LayerTransient,
	KindHTTP500:         LayerTransient,
	KindConflict:        LayerCascade,
	KindStateCorruption: LayerCascade,
	KindAuthDenied:      LayerPersistent,
	KindNotFound:        LayerPersistent,
	KindPolicyRejected:  LayerSemantic,
	KindBadRequest:      LayerSemantic,
}

// Layer returns the ground-truth layer for the kind. Unknown kinds default to
// persistent, the most conservative classification.
func (k Kind) Layer() Layer {
	if l, ok := kindLayers[k]; ok {
		return l
	}
	return LayerPersistent
}

func (k Kind) Valid() bool {
	_, ok := kindLayers[k]
	return ok
}

// Message returns the simulated error message the mock API reports for the kind.
func (k Kind) Message() string {
	switch k {
	case KindTimeout:
		return "Request timeout after 30s"
	case KindHTTP500:
		return "Internal server error"
	case KindBadRequest:
		return "Invalid request parameters"
	case KindAuthDenied:
		return "Authentication denied"
	case KindNotFound:
		return "Resource not found"
	case KindConflict:
		return "Resource conflict detected"
	case KindPolicyRejected:
		return "Policy violation detected"
	case KindStateCorruption:
		return "State corruption detected"
	default:
		return "Unknown error"
	}
}

// Mode controls how a scheduled fault repeats across attempts of its step.
type Mode string

const (
	// ModeOnce fires on the first attempt only.
	ModeOnce Mode = "once"
	// ModePerAttempt draws an independent coin on every attempt.
	ModePerAttempt Mode = "per_attempt"
	// ModePersistent fires on every attempt once its coin passes.
	ModePersistent Mode = "persistent"
	// ModeStatefulConflict behaves like persistent until the orchestrator has
	// performed at least one rollback, then clears.
	ModeStatefulConflict Mode = "stateful_conflict"
)

// Rule is one entry of a task's fault-injection schedule.
type Rule struct {
	StepIdx       int     `json:"step_idx" yaml:"step_idx"`
	Kind          Kind    `json:"fault_type" yaml:"fault_type"`
	Prob          float64 `json:"prob" yaml:"prob"`
	FaultID       string  `json:"fault_id" yaml:"fault_id"`
	Mode          Mode    `json:"mode,omitempty" yaml:"mode,omitempty"`
	Scenario      string  `json:"scenario,omitempty" yaml:"scenario,omitempty"`
	LayerOverride Layer   `json:"layer_override,omitempty" yaml:"layer_override,omitempty"`
}

func (r Rule) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("fault %q: unknown kind %q", r.FaultID, r.Kind)
	}
	if r.Prob < 0 || r.Prob > 1 {
		return fmt.Errorf("fault %q: prob %v out of [0,1]", r.FaultID, r.Prob)
	}
	if strings.TrimSpace(r.FaultID) == "" {
		return fmt.Errorf("fault rule at step %d: fault_id is required", r.StepIdx)
	}
	switch r.Mode {
	case "", ModeOnce, ModePerAttempt, ModePersistent, ModeStatefulConflict:
		return nil
	default:
		return fmt.Errorf("fault %q: unknown mode %q", r.FaultID, r.Mode)
	}
}

// Injection is the descriptor attached to a deliberately failed call. GTLayer
// carries the ground-truth layer for offline scoring; the policy engine never
// reads it.
type Injection struct {
	Kind     Kind   `json:"fault_type"`
	FaultID  string `json:"fault_id"`
	GTLayer  Layer  `json:"layer_gt"`
	TaskID   string `json:"task_id"`
	Scenario string `json:"scenario,omitempty"`
}

// Injector decides fault injection deterministically from a fixed seed.
// Given the same (seed, task set) the injected sequence is identical across
// every strategy run.
type Injector struct {
	Seed int64
}

// Evaluate returns the injection for one attempt of one step, or nil.
// attempt is 0-indexed; rollbacks counts the rollbacks the orchestrator has
// performed so far in the task (used by ModeStatefulConflict).
func (in Injector) Evaluate(taskID string, r Rule, stepIdx, attempt, rollbacks int) *Injection {
	if r.StepIdx != stepIdx {
		return nil
	}
	mode := r.Mode
	if mode == "" {
		mode = ModeOnce
	}

	fire := false
	switch mode {
	case ModeOnce:
		fire = attempt == 0 && in.coin(r.Prob, taskID, r.FaultID, stepIdx)
	case ModePerAttempt:
		fire = in.coin(r.Prob, taskID, r.FaultID, stepIdx, attempt)
	case ModePersistent:
		fire = in.coin(r.Prob, taskID, r.FaultID, stepIdx)
	case ModeStatefulConflict:
		fire = rollbacks == 0 && in.coin(r.Prob, taskID, r.FaultID, stepIdx)
	}
	if !fire {
		return nil
	}

	layer := r.Kind.Layer()
	if r.LayerOverride != "" {
		layer = r.LayerOverride
	}
	return &Injection{
		Kind:     r.Kind,
		FaultID:  r.FaultID,
		GTLayer:  layer,
		TaskID:   taskID,
		Scenario: r.Scenario,
	}
}

// LatencyMS returns the simulated latency for an injected fault. Ranges are
// fixed per kind; the draw is seeded so repeated runs agree.
func (in Injector) LatencyMS(taskID, faultID string, kind Kind) int {
	low, high := latencyRange(kind)
	u := in.unit(taskID, faultID, string(kind))
	return low + int(u*float64(high-low+1))
}

func latencyRange(kind Kind) (int, int) {
	switch kind {
	case KindTimeout:
		return 50, 150
	case KindHTTP500:
		return 30, 80
	case KindConflict, KindStateCorruption:
		return 20, 60
	default:
		return 10, 40
	}
}

func (in Injector) coin(prob float64, parts ...any) bool {
	if prob <= 0 {
		return false
	}
	if prob >= 1 {
		return true
	}
	return in.unit(parts...) < prob
}

// unit maps (seed, parts...) to [0,1). Same construction as the deterministic
// jitter draw: hash the joined seed material, take the top 8 bytes.
func (in Injector) unit(parts ...any) float64 {
	segs := make([]string, 0, len(parts)+1)
	segs = append(segs, fmt.Sprint(in.Seed))
	for _, p := range parts {
		segs = append(segs, fmt.Sprint(p))
	}
	sum := sha256.Sum256([]byte(strings.Join(segs, ":")))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}
