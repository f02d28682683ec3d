// Package budget tracks resource consumption for one task against hard
// ceilings. Exceeding any ceiling makes escalation mandatory; the check runs
// before an action is admitted, never after.
package budget

import (
	"encoding/json"
	"time"
)

// Limits are the per-task ceilings.
type Limits struct {
	MaxTokens    int
	MaxToolCalls int
	MaxTime      time.Duration
}

// DefaultLimits matches the benchmark's standard task budget.
func DefaultLimits() Limits {
	return Limits{MaxTokens: 10_000, MaxToolCalls: 50, MaxTime: 60 * time.Second}
}

// Snapshot is the budget view embedded in every trace event. The field set is
// part of the stable trace schema.
type Snapshot struct {
	RemainingTokens    int     `json:"remaining_tokens"`
	RemainingToolCalls int     `json:"remaining_tool_calls"`
	RemainingTimeS     float64 `json:"remaining_time_s"`
	UsedTokens         int     `json:"used_tokens"`
	UsedToolCalls      int     `json:"used_tool_calls"`
	UsedTimeS          float64 `json:"used_time_s"`
}

// Tracker accumulates consumption. Consumption is monotonic; there is no
// refund path.
type Tracker struct {
	limits     Limits
	usedTokens int
	usedCalls  int
	start      time.Time
	now        func() time.Time
}

// NewTracker starts the wall clock at now(). The clock is injected so runs
// can be replayed deterministically under a fixed clock.
func NewTracker(limits Limits, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{limits: limits, start: now(), now: now}
}

// EstimateTokens approximates the token cost of a payload as one token per
// four bytes of its JSON encoding.
func EstimateTokens(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b) / 4
}

func (t *Tracker) Consume(tokens, toolCalls int) {
	t.usedTokens += tokens
	t.usedCalls += toolCalls
}

func (t *Tracker) elapsed() time.Duration {
	return t.now().Sub(t.start)
}

// Exhausted reports whether any ceiling has been reached.
func (t *Tracker) Exhausted() bool {
	if t.usedTokens >= t.limits.MaxTokens {
		return true
	}
	if t.usedCalls >= t.limits.MaxToolCalls {
		return true
	}
	return t.elapsed() >= t.limits.MaxTime
}

// RemainingToolCalls is exposed separately because the policy safety guard
// keys off it.
func (t *Tracker) RemainingToolCalls() int {
	return t.limits.MaxToolCalls - t.usedCalls
}

func (t *Tracker) Snapshot() Snapshot {
	elapsed := t.elapsed()
	return Snapshot{
		RemainingTokens:    t.limits.MaxTokens - t.usedTokens,
		RemainingToolCalls: t.limits.MaxToolCalls - t.usedCalls,
		RemainingTimeS:     (t.limits.MaxTime - elapsed).Seconds(),
		UsedTokens:         t.usedTokens,
		UsedToolCalls:      t.usedCalls,
		UsedTimeS:          elapsed.Seconds(),
	}
}
