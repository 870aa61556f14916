// Package tools exposes the read-only retrieval tools role-agents may
// call during a council run. Every invocation is schema-validated,
// deadline-bounded and truncated before the model sees it; no tool
// writes or touches the network.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"storyguard/internal/errs"
	"storyguard/internal/logging"
)

// invokeTimeout bounds a single tool call.
const invokeTimeout = 10 * time.Second

// defaultMaxChars bounds what a tool may hand back to the model.
const defaultMaxChars = 20_000

// Tool is one callable retrieval primitive.
type Tool struct {
	Name        string
	Description string

	// Params is the JSON schema for the argument object.
	Params map[string]any

	// MaxChars overrides the output cap when positive.
	MaxChars int

	Execute func(ctx context.Context, args map[string]any) (string, error)

	schema *jsonschema.Schema
}

// Result is one completed invocation. Output is what the model gets;
// Full is kept for the audit stream.
type Result struct {
	Tool     string
	Output   string
	Full     string
	IsError  bool
	Duration time.Duration
}

// Registry holds the tool set for a run. Safe for concurrent use; the
// council invokes tools from many role goroutines at once.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Tool
	emitter *logging.Emitter
	runID   string
}

// NewRegistry creates an empty registry. The emitter may be nil.
func NewRegistry(emitter *logging.Emitter) *Registry {
	return &Registry{tools: make(map[string]*Tool), emitter: emitter}
}

// SetRunID stamps subsequent tool events with the council run id.
func (r *Registry) SetRunID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runID = id
}

// Register adds a tool, compiling its argument schema.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return errs.New(errs.KindInternal, "tool has no name")
	}
	if t.Execute == nil {
		return errs.New(errs.KindInternal, "tool %s has no executor", t.Name)
	}
	schema, err := compileSchema(t.Params)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err, "tool %s schema", t.Name)
	}
	t.schema = schema
	if t.MaxChars <= 0 {
		t.MaxChars = defaultMaxChars
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return errs.New(errs.KindInternal, "tool %s already registered", t.Name)
	}
	r.tools[t.Name] = t
	logging.ToolsDebug("registered tool %s", t.Name)
	return nil
}

// MustRegister panics on registration failure. For static tool sets.
func (r *Registry) MustRegister(t *Tool) {
	if err := r.Register(t); err != nil {
		errs.Invariant("tool registration: %v", err)
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tools in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Catalog renders the tool list for a system instruction: one line of
// name, argument schema and description per tool.
func (r *Registry) Catalog() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		t := r.tools[name]
		params, _ := json.Marshal(t.Params)
		fmt.Fprintf(&b, "- %s %s: %s\n", t.Name, params, t.Description)
	}
	return b.String()
}

// Invoke runs one tool call end to end: argument validation, deadline,
// execution, truncation, events. Errors come back inside the Result so
// the caller can feed them to the model as observations.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) Result {
	start := time.Now()
	r.mu.RLock()
	t, ok := r.tools[name]
	runID := r.runID
	r.mu.RUnlock()

	r.emitter.Emit(logging.EventToolInvoke, runID, map[string]any{
		"tool": name, "args": args,
	})

	fail := func(msg string) Result {
		logging.Tools("tool %s failed: %s", name, msg)
		r.emitter.Emit(logging.EventToolError, runID, map[string]any{
			"tool": name, "error": msg, "ms": time.Since(start).Milliseconds(),
		})
		return Result{Tool: name, Output: msg, Full: msg, IsError: true, Duration: time.Since(start)}
	}

	if !ok {
		return fail(fmt.Sprintf("unknown tool: %s", name))
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := t.schema.Validate(args); err != nil {
		return fail(fmt.Sprintf("invalid arguments for %s: %v", name, err))
	}

	callCtx, cancel := context.WithTimeout(ctx, invokeTimeout)
	defer cancel()

	type outcome struct {
		out string
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		out, err := t.Execute(callCtx, args)
		ch <- outcome{out, err}
	}()

	var full string
	select {
	case o := <-ch:
		if o.err != nil {
			return fail(errs.Wrap(errs.KindTool, o.err, "tool %s", name).Error())
		}
		full = o.out
	case <-callCtx.Done():
		return fail(fmt.Sprintf("tool %s timed out after %v", name, invokeTimeout))
	}

	output := truncateHeadTail(full, t.MaxChars)
	duration := time.Since(start)
	r.emitter.Emit(logging.EventToolComplete, runID, map[string]any{
		"tool": name, "chars": len(full), "truncated": len(output) != len(full),
		"ms": duration.Milliseconds(),
	})
	logging.ToolsDebug("tool %s: %d chars in %v", name, len(full), duration)
	return Result{Tool: name, Output: output, Full: full, Duration: duration}
}

// truncateHeadTail keeps the head and tail of an oversize output with
// an explicit marker about the omitted middle, so the model knows to
// re-query with narrower arguments.
func truncateHeadTail(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	head := max / 2
	tail := max - head
	marker := fmt.Sprintf("\n\n[output truncated: %d characters omitted from the middle; re-run with narrower arguments]\n\n", len(s)-max)
	return s[:head] + marker + s[len(s)-tail:]
}

// compileSchema builds a validator from a JSON-schema map. Nil means
// "any object".
func compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("args.schema.json", strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return c.Compile("args.schema.json")
}
