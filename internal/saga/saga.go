// Package saga tracks compensating actions for multi-step workflows. Every
// successful call to a tool with a compensating counterpart pushes a frame;
// aborting the transaction unwinds the frames in strict reverse order.
package saga

import (
	"errors"
	"fmt"

	"github.com/vsavkov/mender/internal/tool"
)

// ErrCompensationFailed marks a consistency breach: a compensating operation
// itself failed. Rollback halts immediately because later compensations may
// assume the failed one succeeded. Never retried.
var ErrCompensationFailed = errors.New("saga: compensation failed")

// Frame is one pending compensation. Args were captured at push time and are
// exactly what the compensating operation needs to run once.
type Frame struct {
	ToolName string
	Fn       tool.Func
	Args     map[string]any
}

// Stack is the ordered compensation stack for one task.
type Stack struct {
	frames []Frame
}

func (s *Stack) Push(f Frame) {
	s.frames = append(s.frames, f)
}

func (s *Stack) Pop() (Frame, bool) {
	if len(s.frames) == 0 {
		return Frame{}, false
	}
	f := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	return f, true
}

func (s *Stack) Depth() int { return len(s.frames) }

func (s *Stack) Clear() { s.frames = nil }

// Manager unwinds a Stack against world state.
type Manager struct {
	Stack *Stack
}

func NewManager() *Manager {
	return &Manager{Stack: &Stack{}}
}

// PushFor records the compensation for a successful call to spec, if the tool
// has one. Irreversible tools never gain a frame.
func (m *Manager) PushFor(spec tool.Spec, params map[string]any) {
	if spec.Compensate == nil || spec.Irreversible {
		return
	}
	m.Stack.Push(Frame{
		ToolName: spec.CompensateName,
		Fn:       spec.Compensate,
		Args:     spec.CompensateArgs(params),
	})
}

// Rollback pops and invokes compensations in LIFO order. onStep is called
// after each compensation attempt with its frame and result; use it to emit
// trace events and consume budget. admit gates each compensation (budget
// check); returning false aborts the rollback with an error but is not a
// consistency breach by itself.
//
// A failed compensation halts the unwind with ErrCompensationFailed: the
// remaining frames are left on the stack, since invoking them could assume
// state the failed compensation never restored.
func (m *Manager) Rollback(env tool.Env, admit func() error, onStep func(Frame, tool.Result)) error {
	for m.Stack.Depth() > 0 {
		if admit != nil {
			if err := admit(); err != nil {
				return fmt.Errorf("saga: rollback halted: %w", err)
			}
		}
		frame, _ := m.Stack.Pop()
		res := runCompensation(env, frame)
		if onStep != nil {
			onStep(frame, res)
		}
		if !res.OK() {
			return fmt.Errorf("%w: %s: %s", ErrCompensationFailed, frame.ToolName, res.ErrorMsg)
		}
	}
	return nil
}

func runCompensation(env tool.Env, frame Frame) tool.Result {
	out, err := frame.Fn(env, frame.Args)
	if err != nil {
		return tool.Result{
			Status:     "error",
			ErrorKind:  "RuntimeError",
			ErrorMsg:   err.Error(),
			ErrorTrace: err.Error(),
		}
	}
	return tool.Result{Status: "ok", Output: out}
}
