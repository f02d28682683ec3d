// Package runner drives tasks through their fixed step sequence, wiring the
// fault injector, tool registry, checkpoint/saga managers, budget guard, and
// recovery policy together, and emitting one trace event per attempt.
package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vsavkov/mender/internal/budget"
	"github.com/vsavkov/mender/internal/fault"
	"github.com/vsavkov/mender/internal/memory"
	"github.com/vsavkov/mender/internal/policy"
	"github.com/vsavkov/mender/internal/saga"
	"github.com/vsavkov/mender/internal/task"
	"github.com/vsavkov/mender/internal/tool"
	"github.com/vsavkov/mender/internal/trace"
	"github.com/vsavkov/mender/internal/world"
)

// Status is a task's terminal state.
type Status string

const (
	StatusSuccess Status = "success"
	// StatusFailed covers both an unmet success predicate and the
	// no-recovery baselines aborting on first failure.
	StatusFailed Status = "failed"
	// StatusEscalated means automatic recovery stopped and a ticket was
	// raised. The reason distinguishes handled escalations from the
	// unhandled compensation-failure breach.
	StatusEscalated Status = "escalated"
)

// ReasonCompensationFailed marks the unhandled-failure terminal state: a
// compensating operation itself failed and rollback halted.
const ReasonCompensationFailed = "compensation_failed"

// errBudgetExhausted halts a saga rollback when the budget gate rejects the
// next compensation. The task escalates; it is not a run-level failure.
var errBudgetExhausted = errors.New("runner: budget exhausted")

// Options configure one benchmark run.
type Options struct {
	// RunID is a globally unique filesystem-safe identifier. If empty, one
	// is generated (ULID).
	RunID string

	// LogsRoot receives traces.jsonl and final.json. Empty disables file
	// output.
	LogsRoot string

	// Strategy selects the recovery policy: none, retry, rules, diagnosis,
	// or memory.
	Strategy string

	Seed int64

	// MemoryPath is the memory-bank snapshot, loaded at run start and saved
	// at run end. Empty keeps the bank in memory only.
	MemoryPath string

	Limits  budget.Limits
	Backoff policy.BackoffConfig

	// Collaborator overrides the diagnosis collaborator. Defaults to the
	// deterministic in-process mock.
	Collaborator policy.Collaborator

	// Now and Sleep are injectable for deterministic replay in tests.
	Now   func() time.Time
	Sleep func(time.Duration)
}

func (o *Options) applyDefaults() error {
	if o.Strategy == "" {
		o.Strategy = "rules"
	}
	if o.RunID == "" {
		o.RunID = ulid.Make().String()
	}
	if o.Limits == (budget.Limits{}) {
		o.Limits = budget.DefaultLimits()
	}
	if o.Backoff == (policy.BackoffConfig{}) {
		o.Backoff = policy.DefaultBackoffConfig()
	}
	if o.Collaborator == nil {
		o.Collaborator = policy.MockCollaborator{Seed: o.Seed}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}
	return nil
}

// TaskResult is the per-task verdict.
type TaskResult struct {
	TaskID string `json:"task_id"`
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
	// StepsCompleted counts steps that finished successfully.
	StepsCompleted int `json:"steps_completed"`

	// ConsistencyOK is set only when compensation ran: whether the saga
	// oracle held afterwards.
	ConsistencyOK *bool `json:"consistency_ok,omitempty"`
}

// Summary aggregates one run.
type Summary struct {
	RunID     string       `json:"run_id"`
	Results   []TaskResult `json:"results"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Escalated int          `json:"escalated"`
}

// Runner executes tasks sequentially against fresh world states. The memory
// bank is the only state shared across tasks.
type Runner struct {
	opts     Options
	registry *tool.Registry
	injector fault.Injector
	engine   *policy.Engine
	bank     *memory.Bank

	recorder *trace.Recorder
	fileSink *trace.JSONLSink
	sink     trace.Sink

	eventSeq int
}

func New(opts Options) (*Runner, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}

	bank, err := memory.Load(opts.MemoryPath)
	if err != nil {
		return nil, err
	}
	strategy, ok := policy.NewStrategy(opts.Strategy, opts.Collaborator, bank)
	if !ok {
		return nil, fmt.Errorf("runner: unknown strategy %q (want one of %v)", opts.Strategy, policy.StrategyNames())
	}
	engine := policy.NewEngine(strategy)
	engine.Backoff = opts.Backoff

	r := &Runner{
		opts:     opts,
		registry: tool.DefaultRegistry(),
		injector: fault.Injector{Seed: opts.Seed},
		engine:   engine,
		bank:     bank,
		recorder: &trace.Recorder{},
	}
	r.sink = r.recorder
	if opts.LogsRoot != "" {
		fs, err := trace.NewJSONLSink(filepath.Join(opts.LogsRoot, "traces.jsonl"))
		if err != nil {
			return nil, err
		}
		r.fileSink = fs
		r.sink = trace.Tee(r.recorder, fs)
	}
	return r, nil
}

// Close flushes the file sink, if any.
func (r *Runner) Close() error {
	if r.fileSink == nil {
		return nil
	}
	return r.fileSink.Close()
}

func (r *Runner) Recorder() *trace.Recorder { return r.recorder }

func (r *Runner) Bank() *memory.Bank { return r.bank }

// RunAll executes every task in order, saves the memory bank, and writes the
// terminal run summary.
func (r *Runner) RunAll(ctx context.Context, tasks []task.Task) (Summary, error) {
	sum := Summary{RunID: r.opts.RunID}
	for _, t := range tasks {
		res, err := r.RunTask(ctx, t)
		if err != nil {
			return sum, err
		}
		sum.Results = append(sum.Results, res)
		switch res.Status {
		case StatusSuccess:
			sum.Succeeded++
		case StatusEscalated:
			sum.Escalated++
		default:
			sum.Failed++
		}
	}
	if err := r.bank.Save(); err != nil {
		return sum, err
	}
	if r.opts.LogsRoot != "" {
		doc := trace.FinalDoc{
			RunID:     r.opts.RunID,
			Strategy:  r.opts.Strategy,
			Seed:      r.opts.Seed,
			Tasks:     len(sum.Results),
			Succeeded: sum.Succeeded,
			Failed:    sum.Failed,
			Escalated: sum.Escalated,
		}
		if err := trace.WriteFinal(r.opts.LogsRoot, doc); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

// taskRun is the mutable state of one task execution.
type taskRun struct {
	task    task.Task
	ws      *world.State
	initial *world.State

	cpm     *world.CheckpointManager
	cpToken world.Token

	sagas   *saga.Manager
	tracker *budget.Tracker

	retryCounts map[int]int
	completed   int
	rollbacks   int
	// compensationNeeded records that the task entered a rollback involving
	// saga frames; the consistency oracle only applies then.
	compensationNeeded bool

	firstSig    *memory.Signature
	firstAction string
}

// RunTask drives one task to a terminal state. Domain faults never surface as
// an error here; only harness invariant violations do.
func (r *Runner) RunTask(ctx context.Context, t task.Task) (TaskResult, error) {
	if err := t.Validate(r.registry); err != nil {
		return TaskResult{}, err
	}

	tr := &taskRun{
		task:        t,
		ws:          t.InitialState.Clone(),
		initial:     t.InitialState.Clone(),
		cpm:         world.NewCheckpointManager(),
		sagas:       saga.NewManager(),
		tracker:     budget.NewTracker(r.opts.Limits, r.opts.Now),
		retryCounts: map[int]int{},
	}
	tr.cpToken = tr.cpm.Snapshot(tr.ws)

	res, err := r.runSteps(ctx, tr)
	if err != nil {
		return TaskResult{}, err
	}
	r.feedBank(tr, res.Status == StatusSuccess)
	return res, nil
}

func (r *Runner) runSteps(ctx context.Context, tr *taskRun) (TaskResult, error) {
	t := tr.task
	stepIdx := 0
	for stepIdx < len(t.Steps) {
		if err := ctx.Err(); err != nil {
			return TaskResult{}, err
		}
		// Budget is checked before admitting the next attempt, never after.
		if tr.tracker.Exhausted() {
			return r.escalate(tr, stepIdx, "budget_exhausted", false)
		}

		step := t.Steps[stepIdx]
		attempt := tr.retryCounts[stepIdx]

		var inj *fault.Injection
		injLatency := 0
		if rule, ok := t.RuleFor(stepIdx); ok {
			inj = r.injector.Evaluate(t.TaskID, rule, stepIdx, attempt, tr.rollbacks)
			if inj != nil {
				injLatency = r.injector.LatencyMS(t.TaskID, inj.FaultID, inj.Kind)
			}
		}

		env := tool.Env{World: tr.ws, Now: r.opts.Now()}
		result, err := r.registry.Execute(env, step.ToolName, step.Params, inj, injLatency)
		if err != nil {
			return TaskResult{}, err
		}
		stateHash := tr.ws.Hash()
		tr.tracker.Consume(budget.EstimateTokens(step.Params), 1)

		ev := r.newEvent(tr, trace.EventToolCall, stepIdx, step.StepName, step.ToolName, step.Params)
		ev.Attempt = attempt
		ev.Status = result.Status
		ev.LatencyMS = result.LatencyMS
		ev.ErrorKind = result.ErrorKind
		ev.InjectedFault = result.Injected
		ev.StateHash = stateHash

		if result.OK() {
			if err := r.emit(ev); err != nil {
				return TaskResult{}, err
			}
			if spec, ok := r.registry.Get(step.ToolName); ok {
				tr.sagas.PushFor(spec, step.Params)
			}
			tr.cpToken = tr.cpm.Snapshot(tr.ws)
			tr.retryCounts[stepIdx] = 0
			tr.completed++
			stepIdx++
			continue
		}

		pctx := policy.Context{
			TaskID:    t.TaskID,
			StepIdx:   stepIdx,
			StepName:  step.StepName,
			ToolName:  step.ToolName,
			Params:    step.Params,
			Result:    result,
			StateHash: stateHash,
			Attempt:   attempt,
			Budget:    tr.tracker.Snapshot(),
			History:   r.recorder.TaskEvents(t.TaskID),
		}
		decision := r.engine.Decide(pctx)
		r.recordFirstFailure(tr, pctx, decision)

		ev.RecoveryAction = recoveryLabel(decision)
		ev.Diagnosis = decision.Payload
		if err := r.emit(ev); err != nil {
			return TaskResult{}, err
		}

		switch decision.Action {
		case policy.ActionFail:
			return r.finish(tr, stepIdx, StatusFailed, result.ErrorKind)

		case policy.ActionRetry:
			tr.retryCounts[stepIdx] = attempt + 1
			seed := fmt.Sprintf("%s:%s:%d:%d", r.opts.RunID, t.TaskID, stepIdx, attempt+1)
			r.opts.Sleep(policy.DelayForAttempt(attempt+1, r.engine.Backoff, seed))
			continue

		case policy.ActionRollback:
			if err := r.rollback(tr, stepIdx, decision); err != nil {
				if errors.Is(err, saga.ErrCompensationFailed) {
					return r.breach(tr, stepIdx)
				}
				if errors.Is(err, errBudgetExhausted) {
					return r.escalate(tr, stepIdx, "budget_exhausted", false)
				}
				return TaskResult{}, err
			}
			tr.retryCounts[stepIdx] = attempt + 1
			continue

		case policy.ActionCompensate:
			return r.escalate(tr, stepIdx, result.ErrorKind, true)

		default: // policy.ActionEscalate
			return r.escalate(tr, stepIdx, result.ErrorKind, true)
		}
	}

	status := StatusFailed
	reason := "success_condition_not_met"
	if t.CheckSuccess(tr.ws) {
		status = StatusSuccess
		reason = ""
	}
	return r.finish(tr, len(t.Steps)-1, status, reason)
}

// rollback undoes the failed transaction. Saga compensation is authoritative
// for effects it tracks; the wholesale checkpoint restore applies only when
// no frames cover them, so a restore can never clobber a compensation.
func (r *Runner) rollback(tr *taskRun, stepIdx int, decision policy.Decision) error {
	if tr.sagas.Stack.Depth() > 0 {
		tr.compensationNeeded = true
		if err := r.rollbackSaga(tr, stepIdx); err != nil {
			return err
		}
	} else {
		restored, err := tr.cpm.Restore(tr.cpToken)
		if err != nil {
			// Unknown checkpoint token: a programming invariant violation,
			// fatal to the task.
			return err
		}
		tr.ws = restored
		tr.ws.Append(r.opts.Now(), map[string]any{"action": "rollback"})

		ev := r.newEvent(tr, trace.EventRecovery, stepIdx, "rollback", "rollback", map[string]any{})
		ev.Status = "ok"
		ev.StateHash = tr.ws.Hash()
		ev.RecoveryAction = string(decision.Action)
		if err := r.emit(ev); err != nil {
			return err
		}
		tr.tracker.Consume(0, 1)
	}
	tr.rollbacks++
	return nil
}

func (r *Runner) rollbackSaga(tr *taskRun, stepIdx int) error {
	env := tool.Env{World: tr.ws, Now: r.opts.Now()}
	var emitErr error
	err := tr.sagas.Rollback(env,
		func() error {
			if tr.tracker.Exhausted() {
				return errBudgetExhausted
			}
			return nil
		},
		func(frame saga.Frame, res tool.Result) {
			ev := r.newEvent(tr, trace.EventCompensation, stepIdx, "compensate", frame.ToolName, frame.Args)
			ev.Status = res.Status
			ev.LatencyMS = res.LatencyMS
			ev.ErrorKind = res.ErrorKind
			ev.StateHash = tr.ws.Hash()
			ev.RecoveryAction = string(policy.ActionRollback)
			ev.CompensationAction = "saga_rollback"
			if e := r.emit(ev); e != nil && emitErr == nil {
				emitErr = e
			}
			tr.tracker.Consume(budget.EstimateTokens(frame.Args), 1)
		})
	if err != nil {
		return err
	}
	return emitErr
}

// breach handles a failed compensation: a critical, non-retryable consistency
// break. An escalation ticket is raised and the task terminates unhandled.
func (r *Runner) breach(tr *taskRun, stepIdx int) (TaskResult, error) {
	res := r.createTicket(tr, fmt.Sprintf("Critical: compensation failed for task %s at step %d", tr.task.TaskID, stepIdx))

	ev := r.newEvent(tr, trace.EventCompensation, stepIdx, "compensate", "create_ticket", map[string]any{})
	ev.Status = res.Status
	ev.ErrorKind = res.ErrorKind
	ev.StateHash = tr.ws.Hash()
	ev.RecoveryAction = string(policy.ActionEscalate)
	ev.CompensationAction = "create_ticket"
	if err := r.emit(ev); err != nil {
		return TaskResult{}, err
	}
	tr.tracker.Consume(0, 1)
	return r.finish(tr, stepIdx, StatusEscalated, ReasonCompensationFailed)
}

// escalate terminates automatic recovery: open saga frames are compensated
// first (when compensate is set) so the world is left consistent, then a
// critical ticket is raised.
func (r *Runner) escalate(tr *taskRun, stepIdx int, reason string, compensate bool) (TaskResult, error) {
	if compensate && tr.sagas.Stack.Depth() > 0 {
		tr.compensationNeeded = true
		if err := r.rollbackSaga(tr, stepIdx); err != nil {
			switch {
			case errors.Is(err, saga.ErrCompensationFailed):
				return r.breach(tr, stepIdx)
			case errors.Is(err, errBudgetExhausted):
				// The remaining frames stay unwound; the escalation
				// reason reflects it.
				reason = "budget_exhausted"
			default:
				return TaskResult{}, err
			}
		}
	}
	res := r.createTicket(tr, fmt.Sprintf("Task %s escalated at step %d: %s", tr.task.TaskID, stepIdx, reason))
	ev := r.newEvent(tr, trace.EventRecovery, stepIdx, "escalate", "create_ticket", map[string]any{})
	ev.Status = res.Status
	ev.ErrorKind = res.ErrorKind
	ev.StateHash = tr.ws.Hash()
	ev.RecoveryAction = string(policy.ActionEscalate)
	if err := r.emit(ev); err != nil {
		return TaskResult{}, err
	}
	tr.tracker.Consume(0, 1)
	return r.finish(tr, stepIdx, StatusEscalated, reason)
}

func (r *Runner) createTicket(tr *taskRun, summary string) tool.Result {
	env := tool.Env{World: tr.ws, Now: r.opts.Now()}
	res, err := r.registry.Execute(env, "create_ticket", map[string]any{
		"summary":  summary,
		"severity": "critical",
	}, nil, 0)
	if err != nil {
		return tool.Result{Status: "error", ErrorKind: "RuntimeError", ErrorMsg: err.Error()}
	}
	return res
}

// finish emits the terminal trace event and builds the task result. When
// compensation ran, the saga consistency oracle is evaluated and recorded.
func (r *Runner) finish(tr *taskRun, stepIdx int, status Status, reason string) (TaskResult, error) {
	res := TaskResult{
		TaskID:         tr.task.TaskID,
		Status:         status,
		Reason:         reason,
		StepsCompleted: tr.completed,
	}

	ev := r.newEvent(tr, trace.EventFinal, stepIdx, "final", "final", map[string]any{})
	ev.Status = "final"
	ev.FinalOutcome = string(status)
	ev.FinalReason = reason
	if tr.compensationNeeded {
		eligible := true
		ok, _ := task.CheckConsistency(tr.ws, tr.initial)
		ev.SRREligible = &eligible
		ev.SRRPass = &ok
		res.ConsistencyOK = &ok
	}
	if err := r.emit(ev); err != nil {
		return TaskResult{}, err
	}
	return res, nil
}

func (r *Runner) recordFirstFailure(tr *taskRun, pctx policy.Context, decision policy.Decision) {
	if tr.firstSig != nil {
		return
	}
	sig := policy.SignatureFor(pctx)
	tr.firstSig = &sig
	tr.firstAction = string(decision.Action)
}

// feedBank closes the learning loop for the memory strategy: the first
// failure signature and the action taken for it are upserted, weighted by
// whether the task ultimately succeeded.
func (r *Runner) feedBank(tr *taskRun, success bool) {
	if r.opts.Strategy != "memory" || tr.firstSig == nil {
		return
	}
	r.bank.Upsert(*tr.firstSig, tr.firstAction, success)
}

func (r *Runner) newEvent(tr *taskRun, typ trace.EventType, stepIdx int, stepName, toolName string, params map[string]any) trace.Event {
	if params == nil {
		params = map[string]any{}
	}
	return trace.Event{
		Type:      typ,
		TaskID:    tr.task.TaskID,
		StepIdx:   stepIdx,
		StepName:  stepName,
		ToolName:  toolName,
		Params:    params,
		SagaDepth: tr.sagas.Stack.Depth(),
		Budget:    tr.tracker.Snapshot(),
		TSMillis:  r.opts.Now().UnixMilli(),
	}
}

func (r *Runner) emit(ev trace.Event) error {
	r.eventSeq++
	ev.EventID = fmt.Sprintf("%s-%06d", r.opts.RunID, r.eventSeq)
	return r.sink.Append(ev)
}

func recoveryLabel(d policy.Decision) string {
	switch d.Source {
	case "memory", "diagnosis":
		return d.Source + ":" + string(d.Action)
	default:
		return string(d.Action)
	}
}
