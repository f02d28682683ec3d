// Package tool is the catalog of callable operations the orchestrator can
// invoke against world state. Each tool declares a JSON schema for its
// parameters, an optional compensating counterpart, and whether its effect is
// irreversible.
package tool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/vsavkov/mender/internal/fault"
	"github.com/vsavkov/mender/internal/world"
)

// Env is what a tool executes against: the live world state and the
// orchestrator's clock.
type Env struct {
	World *world.State
	Now   time.Time
}

// Func applies one operation to world state and returns its output payload.
type Func func(env Env, args map[string]any) (map[string]any, error)

// Spec describes one registered tool.
type Spec struct {
	Name        string
	Description string
	// Parameters is a JSON schema for the call arguments.
	Parameters map[string]any

	Do Func

	// Compensate undoes a successful Do. Nil for tools without a
	// compensating counterpart.
	Compensate Func
	// CompensateName names the compensating operation in traces and audit
	// entries (e.g. "unlock_inventory").
	CompensateName string
	// CompensateArgKeys selects which call arguments the compensation needs.
	CompensateArgKeys []string

	// Irreversible marks effects that must never be replayed or undone
	// (e.g. an outbound notification). Irreversible tools have no
	// compensating entry; their occurrence is recorded in the audit log so
	// the orchestrator can avoid double-application on retry.
	Irreversible bool

	schema *jsonschema.Schema
}

// CompensateArgs extracts the compensation arguments from the original call
// parameters.
func (s Spec) CompensateArgs(params map[string]any) map[string]any {
	out := make(map[string]any, len(s.CompensateArgKeys))
	for _, k := range s.CompensateArgKeys {
		if v, ok := params[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Result is the outcome of one tool-call attempt.
type Result struct {
	Status     string // "ok" | "error"
	Output     map[string]any
	ErrorKind  string
	ErrorMsg   string
	ErrorTrace string
	LatencyMS  int
	Injected   *fault.Injection
}

func (r Result) OK() bool { return r.Status == "ok" }

// Registry is the tool catalog. Concurrent reads are safe.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Spec
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Spec{}}
}

func (r *Registry) Register(s Spec) error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("tool: name is required")
	}
	if s.Do == nil {
		return fmt.Errorf("tool %s: missing executor", s.Name)
	}
	if s.Irreversible && s.Compensate != nil {
		return fmt.Errorf("tool %s: irreversible tools cannot compensate", s.Name)
	}
	if s.Compensate != nil && strings.TrimSpace(s.CompensateName) == "" {
		return fmt.Errorf("tool %s: compensating tool needs a compensate name", s.Name)
	}
	sch, err := compileSchema(s.Parameters)
	if err != nil {
		return fmt.Errorf("tool %s schema: %w", s.Name, err)
	}
	s.schema = sch

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[s.Name] = s
	return nil
}

func (r *Registry) Get(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.tools[name]
	return s, ok
}

// Names returns registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Execute runs one attempt of name. When inj is non-nil the call fails with
// the injected fault and the tool body never runs; injLatencyMS is the
// simulated latency for that case. An unknown tool or schema-invalid
// arguments are harness errors, not simulated domain faults.
func (r *Registry) Execute(env Env, name string, args map[string]any, inj *fault.Injection, injLatencyMS int) (Result, error) {
	spec, ok := r.Get(name)
	if !ok {
		return Result{}, fmt.Errorf("tool: unknown tool %q", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := validateArgs(spec.schema, args); err != nil {
		return Result{}, fmt.Errorf("tool %s: invalid args: %w", name, err)
	}

	if inj != nil {
		return Result{
			Status:     "error",
			ErrorKind:  string(inj.Kind),
			ErrorMsg:   inj.Kind.Message(),
			ErrorTrace: "Injected fault: " + string(inj.Kind),
			LatencyMS:  injLatencyMS,
			Injected:   inj,
		}, nil
	}

	start := time.Now()
	out, err := spec.Do(env, args)
	latency := int(time.Since(start).Milliseconds())
	if err != nil {
		return Result{
			Status:     "error",
			ErrorKind:  "RuntimeError",
			ErrorMsg:   err.Error(),
			ErrorTrace: err.Error(),
			LatencyMS:  latency,
		}, nil
	}
	return Result{Status: "ok", Output: out, LatencyMS: latency}, nil
}

func compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

func validateArgs(sch *jsonschema.Schema, args map[string]any) error {
	if sch == nil {
		return nil
	}
	// Round-trip so the validator sees JSON-shaped values regardless of how
	// the args map was built.
	b, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return sch.Validate(v)
}
