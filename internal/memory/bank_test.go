package memory

import (
	"path/filepath"
	"testing"
)

func TestNewSignatureKeywords(t *testing.T) {
	sig := NewSignature("update_record", "apply_patch", "Conflict",
		"Resource conflict detected conflict on write", "abcdef012345")

	if sig.ErrorKind != "Conflict" {
		t.Fatalf("error kind: got %s", sig.ErrorKind)
	}
	if sig.HashPrefix != "abcdef0123" {
		t.Fatalf("hash prefix: got %s", sig.HashPrefix)
	}
	// "conflict" occurs twice, so it must rank first; short tokens ("on") are
	// dropped.
	if len(sig.Keywords) == 0 || sig.Keywords[0] != "conflict" {
		t.Fatalf("keywords: got %v", sig.Keywords)
	}
	for _, w := range sig.Keywords {
		if len(w) <= 2 {
			t.Fatalf("short token kept: %q in %v", w, sig.Keywords)
		}
	}
}

func TestNewSignatureUnknownKind(t *testing.T) {
	sig := NewSignature("get_record", "fetch", "", "boom", "ff")
	if sig.ErrorKind != "Unknown" {
		t.Fatalf("error kind: got %s want Unknown", sig.ErrorKind)
	}
}

func TestUpsertAndExactQuery(t *testing.T) {
	b, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sig := NewSignature("update_record", "apply_patch", "Conflict", "Resource conflict detected", "abcdef0123")

	b.Upsert(sig, "rollback_then_retry", true)
	b.Upsert(sig, "rollback_then_retry", true)
	if b.Len() != 1 {
		t.Fatalf("bank size: got %d want 1", b.Len())
	}

	action, conf, matched := b.Query(sig)
	if action != "rollback_then_retry" {
		t.Fatalf("action: got %s", action)
	}
	// Exact match with a perfect success rate clamps to 1.
	if conf != 1 {
		t.Fatalf("confidence: got %v want 1", conf)
	}
	if matched != sig.Key() {
		t.Fatalf("matched key: got %s want %s", matched, sig.Key())
	}
}

func TestQueryEmptyBank(t *testing.T) {
	b, _ := Load("")
	if action, conf, _ := b.Query(Signature{}); action != "" || conf != 0 {
		t.Fatalf("empty bank query: got %q/%v", action, conf)
	}
}

func TestQueryNearMatchScoresLower(t *testing.T) {
	b, _ := Load("")
	stored := NewSignature("update_record", "apply_patch", "Conflict", "Resource conflict detected", "abcdef0123")
	b.Upsert(stored, "rollback_then_retry", true)

	near := NewSignature("update_record", "apply_patch", "Conflict", "Resource conflict detected", "0000000000")
	_, nearConf, _ := b.Query(near)
	_, exactConf, _ := b.Query(stored)
	if nearConf >= exactConf {
		t.Fatalf("near match not scored lower: near=%v exact=%v", nearConf, exactConf)
	}
	if nearConf < 0.8 {
		t.Fatalf("near match too weak: %v", nearConf)
	}

	far := NewSignature("get_record", "fetch", "Timeout", "Request timeout after 30s", "ffffffffff")
	_, farConf, _ := b.Query(far)
	if farConf >= nearConf {
		t.Fatalf("unrelated signature scored too high: far=%v near=%v", farConf, nearConf)
	}
}

func TestSuccessRateLowersConfidence(t *testing.T) {
	b, _ := Load("")
	sig := NewSignature("process_payment", "charge", "HTTP_500", "Internal server error", "abcdef0123")
	b.Upsert(sig, "retry", false)
	b.Upsert(sig, "retry", false)

	_, conf, _ := b.Query(sig)
	// Exact match scores 1.1 across the weights; with zero success rate the
	// confidence is the similarity share alone.
	if conf < 0.76 || conf > 0.78 {
		t.Fatalf("confidence: got %v want ~0.77", conf)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.msgpack")

	b, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sig := NewSignature("lock_inventory", "reserve", "Conflict", "Resource conflict detected", "abcdef0123")
	b.Upsert(sig, "rollback_then_retry", true)
	b.Upsert(sig, "rollback_then_retry", false)
	if err := b.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Len() != 1 {
		t.Fatalf("reloaded size: got %d want 1", again.Len())
	}
	action, conf, _ := again.Query(sig)
	if action != "rollback_then_retry" {
		t.Fatalf("reloaded action: got %s", action)
	}
	// Exact similarity with a 0.5 success rate.
	if conf < 0.91 || conf > 0.93 {
		t.Fatalf("reloaded confidence: got %v want ~0.92", conf)
	}
}

func TestLoadMissingFile(t *testing.T) {
	b, err := Load(filepath.Join(t.TempDir(), "absent.msgpack"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if b.Len() != 0 {
		t.Fatalf("bank size: got %d want 0", b.Len())
	}
}
