package codepunk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool defines a local capability the model can invoke.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON Schema for the tool's arguments.
	Parameters() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution. Tool-domain failures are
// values here; they never cross the loop boundary as errors.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
	// UserCancelled is a tool-reported signal (e.g. the approval prompt
	// returned "cancel"). The dispatcher forwards it verbatim and the
	// orchestrator short-circuits the loop on it.
	UserCancelled bool `json:"user_cancelled,omitempty"`
}

// Dispatcher executes a tool call by name. Registry is the base
// implementation; GitInterceptor wraps one to record shadow commits.
type Dispatcher interface {
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// defaultToolTimeout bounds a single tool execution.
const defaultToolTimeout = 2 * time.Minute

// compactDescriptionLimit is the truncation length used when
// CODEPUNK_COMPACT_TOOLS=1 trims advertised tool descriptions.
const compactDescriptionLimit = 140

// Registry holds all registered tools and dispatches execution with a
// per-tool deadline. Lookup is case-insensitive. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool // keyed by lowercase name
	order    []string        // registration order, lowercase
	timeout  time.Duration
	validate bool
	schemas  map[string]*jsonschema.Schema
	logger   *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithToolTimeout sets the per-tool execution deadline (default 2 minutes).
func WithToolTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithArgValidation enables validation of tool-call arguments against each
// tool's parameter schema before execution. Tools whose schema does not
// compile are executed without validation.
func WithArgValidation() RegistryOption {
	return func(r *Registry) { r.validate = true }
}

// WithRegistryLogger sets a structured logger for dispatch events.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		timeout: defaultToolTimeout,
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. Re-registering a name replaces the previous tool.
func (r *Registry) Register(t Tool) {
	key := strings.ToLower(t.Name())
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[key]; !exists {
		r.order = append(r.order, key)
	}
	r.tools[key] = t
	delete(r.schemas, key)
	if r.validate {
		if sch, err := jsonschema.CompileString(key+".schema.json", string(t.Parameters())); err == nil {
			r.schemas[key] = sch
		} else {
			r.logger.Warn("tool schema does not compile, skipping validation",
				"tool", t.Name(), "error", err)
		}
	}
}

// Definitions returns a snapshot of the registered tools in registration
// order. When CODEPUNK_COMPACT_TOOLS=1 is set, descriptions are truncated to
// the first sentence or 140 chars to reduce prompt token cost.
func (r *Registry) Definitions() []ToolDefinition {
	compact := os.Getenv("CODEPUNK_COMPACT_TOOLS") == "1"
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, key := range r.order {
		t := r.tools[key]
		desc := t.Description()
		if compact {
			desc = compactDescription(desc)
		}
		defs = append(defs, ToolDefinition{
			Name:        t.Name(),
			Description: desc,
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// Execute dispatches a tool call by name, bounded by the registry's per-tool
// timeout. All tool-domain failures are returned inside the ToolResult; the
// error return is reserved for the caller's own cancellation.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	key := strings.ToLower(name)
	r.mu.RLock()
	t, ok := r.tools[key]
	sch := r.schemas[key]
	timeout := r.timeout
	r.mu.RUnlock()

	if !ok {
		return ToolResult{IsError: true, Content: fmt.Sprintf("Tool '%s' not found", name)}, nil
	}

	if sch != nil {
		if res, invalid := validateArgs(sch, args); invalid {
			return res, nil
		}
	}

	// The inner deadline is derived from the caller's context so the outer
	// token's cancellation stays distinguishable from the tool timeout.
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res ToolResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{res: ToolResult{IsError: true, Content: fmt.Sprintf("Error executing tool: panic: %v", p)}}
			}
		}()
		res, err := t.Execute(toolCtx, args)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if ctx.Err() != nil {
				return ToolResult{}, ctx.Err()
			}
			if toolCtx.Err() == context.DeadlineExceeded {
				return timeoutResult(timeout), nil
			}
			return ToolResult{IsError: true, Content: "Error executing tool: " + out.err.Error()}, nil
		}
		return out.res, nil
	case <-toolCtx.Done():
		if ctx.Err() != nil {
			return ToolResult{}, ctx.Err()
		}
		r.logger.Warn("tool execution timed out", "tool", name, "timeout", timeout)
		return timeoutResult(timeout), nil
	}
}

func timeoutResult(d time.Duration) ToolResult {
	return ToolResult{IsError: true, Content: fmt.Sprintf("Tool execution timed out after %s", d)}
}

// validateArgs checks args against the compiled schema. Returns an error
// result and true when the arguments are invalid.
func validateArgs(sch *jsonschema.Schema, args json.RawMessage) (ToolResult, bool) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return ToolResult{IsError: true, Content: "Error executing tool: arguments are not valid JSON: " + err.Error()}, true
	}
	if err := sch.Validate(decoded); err != nil {
		return ToolResult{IsError: true, Content: "Error executing tool: arguments do not match schema: " + err.Error()}, true
	}
	return ToolResult{}, false
}

// compactDescription truncates a tool description to its first sentence, or
// to compactDescriptionLimit runes with an ellipsis, whichever is shorter.
func compactDescription(s string) string {
	if i := strings.Index(s, ". "); i >= 0 {
		s = s[:i+1]
	}
	runes := []rune(s)
	if len(runes) > compactDescriptionLimit {
		return string(runes[:compactDescriptionLimit]) + "…"
	}
	return s
}

// sortedToolNames returns the registered tool names in lexical order.
// Used by diagnostics and tests.
func (r *Registry) sortedToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	return names
}

// compile-time check
var _ Dispatcher = (*Registry)(nil)
