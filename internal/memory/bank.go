// Package memory is the cross-task learning store: a similarity index from
// fault signatures to the best-known recovery action. It is the only state
// that survives between tasks and, via its serialized snapshot, between runs.
package memory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Signature is the derived, comparable key summarizing one failure.
type Signature struct {
	ToolName   string   `msgpack:"tool_name" json:"tool_name"`
	ErrorKind  string   `msgpack:"error_type" json:"error_type"`
	StepName   string   `msgpack:"step_name" json:"step_name"`
	Keywords   []string `msgpack:"keywords" json:"keywords"`
	HashPrefix string   `msgpack:"state_hash_prefix" json:"state_hash_prefix"`
}

const hashPrefixLen = 10

// NewSignature derives a signature from a failed attempt. Keywords are the
// top five frequent tokens of the error text; stateHash is truncated so
// near-identical states still match.
func NewSignature(toolName, stepName, errorKind, errorText, stateHash string) Signature {
	if errorKind == "" {
		errorKind = "Unknown"
	}
	prefix := stateHash
	if len(prefix) > hashPrefixLen {
		prefix = prefix[:hashPrefixLen]
	}
	return Signature{
		ToolName:   toolName,
		ErrorKind:  errorKind,
		StepName:   stepName,
		Keywords:   extractKeywords(errorText, 5),
		HashPrefix: prefix,
	}
}

// Key is the exact-match index key.
func (s Signature) Key() string {
	return strings.Join([]string{
		s.ToolName, s.ErrorKind, s.StepName, s.HashPrefix, strings.Join(s.Keywords, ","),
	}, "|")
}

var tokenRe = regexp.MustCompile(`[A-Za-z0-9_]+`)

func extractKeywords(text string, k int) []string {
	freq := map[string]int{}
	for _, tok := range tokenRe.FindAllString(strings.ToLower(text), -1) {
		if len(tok) <= 2 {
			continue
		}
		freq[tok]++
	}
	words := make([]string, 0, len(freq))
	for w := range freq {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if freq[words[i]] != freq[words[j]] {
			return freq[words[i]] > freq[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > k {
		words = words[:k]
	}
	return words
}

// Entry is one learned association, weighted by observed success.
type Entry struct {
	Signature Signature `msgpack:"signature"`
	Action    string    `msgpack:"action"`
	Success   int       `msgpack:"success"`
	Total     int       `msgpack:"total"`
}

func (e Entry) successRate() float64 {
	if e.Total == 0 {
		return 0
	}
	return float64(e.Success) / float64(e.Total)
}

// Bank is the similarity index. Reads may be concurrent; writes are
// serialized by the internal lock.
type Bank struct {
	mu      sync.RWMutex
	path    string
	entries map[string]*Entry
}

// Load opens the bank snapshot at path, or an empty bank when the file does
// not exist yet. An empty path yields a purely in-memory bank.
func Load(path string) (*Bank, error) {
	b := &Bank{path: path, entries: map[string]*Entry{}}
	if path == "" {
		return b, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return b, nil
		}
		return nil, fmt.Errorf("memory: load %s: %w", path, err)
	}
	if err := msgpack.Unmarshal(raw, &b.entries); err != nil {
		return nil, fmt.Errorf("memory: decode %s: %w", path, err)
	}
	return b, nil
}

// Save serializes the bank back to its snapshot path. No-op for in-memory
// banks.
func (b *Bank) Save() error {
	if b.path == "" {
		return nil
	}
	b.mu.RLock()
	raw, err := msgpack.Marshal(b.entries)
	b.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("memory: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(b.path, raw, 0o644)
}

func (b *Bank) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Upsert records that action was taken for sig and whether the task
// ultimately succeeded.
func (b *Bank) Upsert(sig Signature, action string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := sig.Key()
	e, ok := b.entries[key]
	if !ok {
		e = &Entry{Signature: sig}
		b.entries[key] = e
	}
	e.Action = action
	e.Total++
	if success {
		e.Success++
	}
}

// Query returns the best historical action for the nearest matching
// signature, with a confidence in [0,1], or ("", 0, "") when the bank is
// empty.
//
// Similarity is a weighted exact-match count over the signature's discrete
// fields: tool name 0.3, error kind 0.3, step name 0.2, keyword Jaccard
// 0.2·J, state-hash prefix 0.1. Confidence blends the best similarity with
// the stored entry's success rate (0.7·sim + 0.3·rate).
func (b *Bank) Query(sig Signature) (action string, confidence float64, matchedKey string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.entries) == 0 {
		return "", 0, ""
	}

	bestScore := -1.0
	var best *Entry
	// Iterate in key order so score ties resolve deterministically.
	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e := b.entries[k]
		score := similarity(sig, e.Signature)
		if score > bestScore {
			bestScore = score
			best = e
			matchedKey = k
		}
	}
	confidence = clamp01(bestScore*0.7 + best.successRate()*0.3)
	return best.Action, confidence, matchedKey
}

func similarity(a, b Signature) float64 {
	score := 0.0
	if a.ToolName == b.ToolName {
		score += 0.3
	}
	if a.ErrorKind == b.ErrorKind {
		score += 0.3
	}
	if a.StepName == b.StepName {
		score += 0.2
	}
	score += 0.2 * jaccard(a.Keywords, b.Keywords)
	if a.HashPrefix == b.HashPrefix {
		score += 0.1
	}
	return score
}

func jaccard(a, b []string) float64 {
	set := map[string]bool{}
	for _, w := range a {
		set[w] = true
	}
	inter, union := 0, len(set)
	for _, w := range b {
		if set[w] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
