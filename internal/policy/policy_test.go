package policy

import (
	"testing"

	"github.com/vsavkov/mender/internal/budget"
	"github.com/vsavkov/mender/internal/tool"
	"github.com/vsavkov/mender/internal/trace"
)

func failedCtx(kind string, attempt int) Context {
	return Context{
		TaskID:   "t1",
		StepIdx:  2,
		StepName: "apply_patch",
		ToolName: "update_record",
		Params:   map[string]any{"record_id": "r1"},
		Result: tool.Result{
			Status:    "error",
			ErrorKind: kind,
			ErrorMsg:  "simulated",
		},
		StateHash: "hash-a",
		Attempt:   attempt,
		Budget:    budget.Snapshot{RemainingTokens: 9000, RemainingToolCalls: 40, RemainingTimeS: 50},
	}
}

func TestRuleStrategyTable(t *testing.T) {
	cases := []struct {
		kind    string
		attempt int
		want    Action
	}{
		{"Timeout", 0, ActionRetry},
		{"Timeout", 3, ActionEscalate},
		{"HTTP_500", 1, ActionRetry},
		{"Conflict", 0, ActionRollback},
		{"Conflict", 3, ActionEscalate},
		{"AuthDenied", 0, ActionEscalate},
		{"PolicyRejected", 0, ActionEscalate},
		{"NotFound", 0, ActionEscalate},
		{"StateCorruption", 0, ActionEscalate},
	}
	s := RuleStrategy{}
	for _, c := range cases {
		d := s.Decide(failedCtx(c.kind, c.attempt))
		if d.Action != c.want {
			t.Fatalf("%s attempt %d: got %s want %s", c.kind, c.attempt, d.Action, c.want)
		}
		if d.Source != "rule" {
			t.Fatalf("%s: source got %s want rule", c.kind, d.Source)
		}
	}
}

func TestNoneStrategyAlwaysFails(t *testing.T) {
	d := NoneStrategy{}.Decide(failedCtx("Timeout", 0))
	if d.Action != ActionFail {
		t.Fatalf("action: got %s want fail", d.Action)
	}
}

func TestRetryStrategyCaps(t *testing.T) {
	s := RetryStrategy{}
	if d := s.Decide(failedCtx("AuthDenied", 2)); d.Action != ActionRetry {
		t.Fatalf("below cap: got %s want retry", d.Action)
	}
	if d := s.Decide(failedCtx("AuthDenied", 3)); d.Action != ActionFail {
		t.Fatalf("at cap: got %s want fail", d.Action)
	}
}

func errEvent(stepIdx int, hash string) trace.Event {
	return trace.Event{
		Type:      trace.EventToolCall,
		TaskID:    "t1",
		StepIdx:   stepIdx,
		Status:    "error",
		StateHash: hash,
	}
}

func TestLoopGuardTripsAfterThreeRecordedFailures(t *testing.T) {
	e := NewEngine(RetryStrategy{})

	c := failedCtx("Timeout", 2)
	c.History = []trace.Event{errEvent(2, "hash-a"), errEvent(2, "hash-a")}
	if d := e.Decide(c); d.Source == "loop_guard" {
		t.Fatalf("tripped with only two recorded failures: %+v", d)
	}

	c.History = append(c.History, errEvent(2, "hash-a"))
	d := e.Decide(c)
	if d.Action != ActionEscalate || d.Source != "loop_guard" {
		t.Fatalf("got %s from %s, want escalate from loop_guard", d.Action, d.Source)
	}
}

func TestLoopGuardResetsOnProgress(t *testing.T) {
	e := NewEngine(RetryStrategy{})
	c := failedCtx("Timeout", 2)
	// Hash changed mid-window: the run is making progress.
	c.History = []trace.Event{errEvent(2, "hash-a"), errEvent(2, "hash-b"), errEvent(2, "hash-a"), errEvent(2, "hash-a")}
	if d := e.Decide(c); d.Source == "loop_guard" {
		t.Fatalf("tripped despite hash progress: %+v", d)
	}
}

func TestLoopGuardIgnoresOtherSteps(t *testing.T) {
	e := NewEngine(RetryStrategy{})
	c := failedCtx("Timeout", 0)
	c.History = []trace.Event{errEvent(1, "hash-a"), errEvent(1, "hash-a"), errEvent(1, "hash-a")}
	if d := e.Decide(c); d.Source == "loop_guard" {
		t.Fatalf("tripped on another step's failures: %+v", d)
	}
}

func TestSafetyGuardAttemptCap(t *testing.T) {
	e := NewEngine(RetryStrategy{})
	c := failedCtx("Timeout", maxRecoveryAttempts)
	d := e.Decide(c)
	if d.Action != ActionFail {
		// RetryStrategy itself fails at the cap; force a retry through a
		// strategy that never stops to see the guard.
		t.Fatalf("got %s", d.Action)
	}

	e = NewEngine(alwaysRetry{})
	d = e.Decide(c)
	if d.Action != ActionEscalate || d.Source != "safety_guard" {
		t.Fatalf("got %s from %s, want escalate from safety_guard", d.Action, d.Source)
	}
	if d.Payload["overridden_action"] != string(ActionRetry) {
		t.Fatalf("payload: %v", d.Payload)
	}
}

type alwaysRetry struct{}

func (alwaysRetry) Decide(Context) Decision {
	return Decision{Action: ActionRetry, Confidence: 1, Source: "rule"}
}

func TestSafetyGuardLastToolCall(t *testing.T) {
	e := NewEngine(alwaysRetry{})
	c := failedCtx("Timeout", 0)
	c.Budget.RemainingToolCalls = 1
	d := e.Decide(c)
	if d.Action != ActionEscalate || d.Source != "safety_guard" {
		t.Fatalf("got %s from %s, want escalate from safety_guard", d.Action, d.Source)
	}
	if d.Payload["override_reason"] != "tool-call budget exhausted" {
		t.Fatalf("payload: %v", d.Payload)
	}
}

func TestSafetyGuardNeverRelaxes(t *testing.T) {
	e := NewEngine(NoneStrategy{})
	c := failedCtx("Timeout", 5)
	c.Budget.RemainingToolCalls = 0
	if d := e.Decide(c); d.Action != ActionFail {
		t.Fatalf("guard changed a non-retry decision: got %s", d.Action)
	}
}

func TestNewStrategyNames(t *testing.T) {
	for _, name := range StrategyNames() {
		if _, ok := NewStrategy(name, MockCollaborator{}, nil); !ok {
			t.Fatalf("strategy %q not constructible", name)
		}
	}
	if _, ok := NewStrategy("bogus", nil, nil); ok {
		t.Fatal("unknown strategy accepted")
	}
}

func TestBackoffDelays(t *testing.T) {
	cfg := DefaultBackoffConfig()
	if got := DelayForAttempt(1, cfg, "s"); got.Milliseconds() != 100 {
		t.Fatalf("attempt 1: got %v want 100ms", got)
	}
	if got := DelayForAttempt(2, cfg, "s"); got.Milliseconds() != 200 {
		t.Fatalf("attempt 2: got %v want 200ms", got)
	}
	if got := DelayForAttempt(3, cfg, "s"); got.Milliseconds() != 400 {
		t.Fatalf("attempt 3: got %v want 400ms", got)
	}
	// Capped.
	if got := DelayForAttempt(4, cfg, "s"); got.Milliseconds() != 400 {
		t.Fatalf("attempt 4: got %v want 400ms", got)
	}
}

func TestBackoffJitterDeterministicAndBounded(t *testing.T) {
	cfg := DefaultBackoffConfig()
	cfg.Jitter = true
	a := DelayForAttempt(2, cfg, "seed-x")
	b := DelayForAttempt(2, cfg, "seed-x")
	if a != b {
		t.Fatalf("jitter not deterministic: %v vs %v", a, b)
	}
	lo, hi := int64(100), int64(300) // [0.5x, 1.5x] of 200ms
	if ms := a.Milliseconds(); ms < lo || ms > hi {
		t.Fatalf("jittered delay %v out of [%dms,%dms]", a, lo, hi)
	}
}
