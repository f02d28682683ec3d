package budget

import (
	"testing"
	"time"
)

// fixedClock advances only when told to.
type fixedClock struct {
	t time.Time
}

func (c *fixedClock) now() time.Time          { return c.t }
func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTokenCeiling(t *testing.T) {
	clock := &fixedClock{t: time.Unix(1000, 0)}
	tr := NewTracker(Limits{MaxTokens: 100, MaxToolCalls: 50, MaxTime: time.Minute}, clock.now)

	tr.Consume(99, 1)
	if tr.Exhausted() {
		t.Fatal("exhausted below token ceiling")
	}
	tr.Consume(1, 0)
	if !tr.Exhausted() {
		t.Fatal("not exhausted at token ceiling")
	}
}

func TestToolCallCeiling(t *testing.T) {
	clock := &fixedClock{t: time.Unix(1000, 0)}
	tr := NewTracker(Limits{MaxTokens: 1000, MaxToolCalls: 3, MaxTime: time.Minute}, clock.now)

	tr.Consume(0, 2)
	if tr.Exhausted() {
		t.Fatal("exhausted below call ceiling")
	}
	if got := tr.RemainingToolCalls(); got != 1 {
		t.Fatalf("remaining calls: got %d want 1", got)
	}
	tr.Consume(0, 1)
	if !tr.Exhausted() {
		t.Fatal("not exhausted at call ceiling")
	}
}

func TestTimeCeiling(t *testing.T) {
	clock := &fixedClock{t: time.Unix(1000, 0)}
	tr := NewTracker(Limits{MaxTokens: 1000, MaxToolCalls: 50, MaxTime: 10 * time.Second}, clock.now)

	clock.advance(9 * time.Second)
	if tr.Exhausted() {
		t.Fatal("exhausted below time ceiling")
	}
	clock.advance(time.Second)
	if !tr.Exhausted() {
		t.Fatal("not exhausted at time ceiling")
	}
}

func TestSnapshot(t *testing.T) {
	clock := &fixedClock{t: time.Unix(1000, 0)}
	tr := NewTracker(Limits{MaxTokens: 100, MaxToolCalls: 10, MaxTime: time.Minute}, clock.now)
	tr.Consume(30, 4)
	clock.advance(5 * time.Second)

	s := tr.Snapshot()
	if s.RemainingTokens != 70 || s.UsedTokens != 30 {
		t.Fatalf("tokens: %+v", s)
	}
	if s.RemainingToolCalls != 6 || s.UsedToolCalls != 4 {
		t.Fatalf("tool calls: %+v", s)
	}
	if s.UsedTimeS != 5 || s.RemainingTimeS != 55 {
		t.Fatalf("time: %+v", s)
	}
}

func TestEstimateTokens(t *testing.T) {
	// {"a":"bcde"} is 12 bytes of JSON, 3 tokens at 4 bytes per token.
	got := EstimateTokens(map[string]any{"a": "bcde"})
	if got != 3 {
		t.Fatalf("tokens: got %d want 3", got)
	}
	if EstimateTokens(func() {}) != 0 {
		t.Fatal("unencodable payload should cost 0 tokens")
	}
}
