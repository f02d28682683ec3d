package world

import (
	"fmt"
	"strconv"
)

// Token identifies one checkpoint inside a CheckpointManager.
type Token string

// CheckpointManager snapshots and restores world state around a step or a
// transaction group. A snapshot is a deep copy; restore hands back a fresh
// deep copy, so a token can be restored more than once.
type CheckpointManager struct {
	seq       int
	snapshots map[Token]*State
}

func NewCheckpointManager() *CheckpointManager {
	return &CheckpointManager{snapshots: map[Token]*State{}}
}

// Snapshot stores a deep copy of s and returns its token.
func (m *CheckpointManager) Snapshot(s *State) Token {
	m.seq++
	tok := Token("cp-" + strconv.Itoa(m.seq))
	m.snapshots[tok] = s.Clone()
	return tok
}

// Restore returns a deep copy of the state stored under tok. Restoring an
// unknown token is a programming invariant violation, not a recoverable
// runtime fault; callers must treat the error as fatal to the task.
func (m *CheckpointManager) Restore(tok Token) (*State, error) {
	s, ok := m.snapshots[tok]
	if !ok {
		return nil, fmt.Errorf("world: restore unknown checkpoint %q", tok)
	}
	return s.Clone(), nil
}

// Drop discards the snapshot under tok, if any.
func (m *CheckpointManager) Drop(tok Token) {
	delete(m.snapshots, tok)
}
