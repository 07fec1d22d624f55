// Package tools defines the tool catalogue exposed to the dialogue model and
// the Router that dispatches its calls.
//
// Every tool carries its LLM-facing schema ([types.ToolDefinition]) together
// with the handler invoked when the model calls it. The catalogue is fixed at
// startup; there is no dynamic registration mid-call. Handlers return a
// [Result] JSON document — backing-store failures become {ok:false} results
// the model can react to, never pipeline errors. The single exception is
// transfer_to_operator, which surfaces [ErrOperatorTransfer] so the caller
// can end the dialogue loop.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/voxline-ai/voxline/internal/observe"
	"github.com/voxline-ai/voxline/pkg/types"
)

// ErrOperatorTransfer is returned by Execute when the model requests a
// hand-off to a human operator. It is terminal for the dialogue loop.
var ErrOperatorTransfer = errors.New("tools: transfer to operator requested")

// Handler executes a tool with JSON-encoded args and returns a JSON-encoded
// result string. Implementations must be safe for concurrent use and must
// respect context cancellation.
type Handler func(ctx context.Context, args string) (string, error)

// Tool pairs an LLM-facing schema with its handler.
type Tool struct {
	Definition types.ToolDefinition
	Handler    Handler
}

// Result is the uniform JSON document every tool returns to the model.
type Result struct {
	// OK reports whether the tool call succeeded.
	OK bool `json:"ok"`

	// Kind names the shape of Data (e.g. "tyres", "order", "booking").
	Kind string `json:"kind,omitempty"`

	// Data carries the tool's payload on success.
	Data any `json:"data,omitempty"`

	// Message explains a failure, or adds context on success. It is written
	// for the model, which relays it to the caller in natural language.
	Message string `json:"message,omitempty"`
}

// Encode marshals the result. Marshal failures are reported as a generic
// failure document rather than an error so tool output is always valid JSON.
func (r Result) Encode() string {
	b, err := json.Marshal(r)
	if err != nil {
		return `{"ok":false,"message":"internal error encoding tool result"}`
	}
	return string(b)
}

func ok(kind string, data any) (string, error) {
	return Result{OK: true, Kind: kind, Data: data}.Encode(), nil
}

func fail(msg string) (string, error) {
	return Result{OK: false, Message: msg}.Encode(), nil
}

// Router dispatches tool calls by name. Register all tools at startup; after
// that the Router is safe for concurrent use.
type Router struct {
	tools   map[string]Tool
	log     *slog.Logger
	metrics *observe.Metrics
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithMetrics records every dispatch on m's tool-call counter and latency
// histogram, labelled by tool name and outcome.
func WithMetrics(m *observe.Metrics) RouterOption {
	return func(r *Router) {
		r.metrics = m
	}
}

// NewRouter creates an empty Router.
func NewRouter(log *slog.Logger, opts ...RouterOption) *Router {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{tools: make(map[string]Tool), log: log}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds tools to the catalogue. Tool names must be unique; a
// duplicate or empty name is a configuration error.
func (r *Router) Register(ts ...Tool) error {
	for _, t := range ts {
		name := t.Definition.Name
		if name == "" {
			return errors.New("tools: tool name must not be empty")
		}
		if t.Handler == nil {
			return fmt.Errorf("tools: tool %q has no handler", name)
		}
		if _, exists := r.tools[name]; exists {
			return fmt.Errorf("tools: duplicate tool name %q", name)
		}
		r.tools[name] = t
	}
	return nil
}

// Definitions returns the LLM-facing schemas of all registered tools.
func (r *Router) Definitions() []types.ToolDefinition {
	defs := make([]types.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition)
	}
	return defs
}

// Execute dispatches one tool call. An unknown tool name, malformed JSON
// args, or missing required arguments produce an {ok:false} result (nil
// error) so the model can self-correct on its next turn. Handler failures
// other than [ErrOperatorTransfer] are likewise folded into {ok:false}
// results; only the operator transfer propagates as an error.
func (r *Router) Execute(ctx context.Context, name, args string) (string, error) {
	start := time.Now()
	out, status, err := r.dispatch(ctx, name, args)
	if r.metrics != nil {
		r.metrics.RecordToolCall(ctx, name, status, time.Since(start))
	}
	return out, err
}

// dispatch does the actual routing. The status names the outcome for metrics.
func (r *Router) dispatch(ctx context.Context, name, args string) (out, status string, err error) {
	t, found := r.tools[name]
	if !found {
		r.log.Warn("unknown tool called", "tool", name)
		out, err = fail(fmt.Sprintf("unknown tool %q", name))
		return out, "unknown", err
	}

	// Models sometimes send no arguments for parameterless tools.
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	if msg := validateArgs(t.Definition, args); msg != "" {
		r.log.Warn("tool argument validation failed", "tool", name, "reason", msg)
		out, err = fail(msg)
		return out, "invalid", err
	}

	out, err = t.Handler(ctx, args)
	if errors.Is(err, ErrOperatorTransfer) {
		return "", "transfer", err
	}
	if err != nil {
		r.log.Error("tool handler failed", "tool", name, "error", err)
		out, err = fail(fmt.Sprintf("tool %s failed: %v", name, err))
		return out, "error", err
	}
	return out, "ok", nil
}

// validateArgs checks args against the definition's required parameter list.
// It returns an empty string when the call is acceptable, otherwise a
// model-facing description of the problem.
func validateArgs(def types.ToolDefinition, args string) string {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(args), &parsed); err != nil {
		return fmt.Sprintf("arguments for %s are not valid JSON", def.Name)
	}

	var missing []string
	for _, req := range requiredParams(def.Parameters) {
		v, present := parsed[req]
		if !present || v == nil {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return fmt.Sprintf("missing required arguments for %s: %s", def.Name, strings.Join(missing, ", "))
	}
	return ""
}

// requiredParams extracts the "required" list from a JSON Schema parameter
// map, tolerating both []string (hand-built schemas) and []any (schemas that
// round-tripped through JSON).
func requiredParams(params map[string]any) []string {
	raw, found := params["required"]
	if !found {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, isStr := e.(string); isStr {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
