package mcp

import (
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
)

// ToolHandler executes a tool. It receives arguments that already passed input schema validation
// and returns the tool's result, or an error that the registry wraps into a ToolExecutionError.
// Handlers may attach user-facing detail with errors.WithHint; only hints are ever sent to the
// remote caller.
type ToolHandler interface {
	CallTool(ctx context.Context, args map[string]any) (CallToolResult, error)
}

// ToolHandlerFunc adapts a plain function to ToolHandler.
type ToolHandlerFunc func(ctx context.Context, args map[string]any) (CallToolResult, error)

// ToolRegistry holds tool definitions and dispatches invocations to their handlers. Registration is
// expected to happen once at startup, after which the registry is only read, so any number of
// sessions can share one registry.
type ToolRegistry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]registeredTool
}

type registeredTool struct {
	tool    Tool
	schema  compiledSchema
	handler ToolHandler
}

// CallTool implements ToolHandler.
func (f ToolHandlerFunc) CallTool(ctx context.Context, args map[string]any) (CallToolResult, error) {
	return f(ctx, args)
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]registeredTool),
	}
}

// Register adds a tool definition and its handler. It fails with ErrDuplicateTool if the name is
// already registered, and rejects empty names and malformed input schemas.
func (r *ToolRegistry) Register(tool Tool, handler ToolHandler) error {
	if tool.Name == "" {
		return errors.New("tool name is required")
	}
	if handler == nil {
		return errors.Newf("tool %s: handler is required", tool.Name)
	}
	schema, err := compileInputSchema(tool.InputSchema)
	if err != nil {
		return errors.Wrapf(err, "tool %s", tool.Name)
	}
	tool.InputSchema = schema.decl

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tools[tool.Name]; ok {
		return errors.Wrapf(ErrDuplicateTool, "tool %s", tool.Name)
	}
	r.tools[tool.Name] = registeredTool{
		tool:    tool,
		schema:  schema,
		handler: handler,
	}
	r.order = append(r.order, tool.Name)

	return nil
}

// MustRegister is like Register but panics on error. It suits startup code where a registration
// failure is fatal anyway.
func (r *ToolRegistry) MustRegister(tool Tool, handler ToolHandler) {
	if err := r.Register(tool, handler); err != nil {
		panic(err)
	}
}

// List returns every registered tool definition exactly once, in registration order.
func (r *ToolRegistry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.tools[name].tool)
	}
	return tools
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Invoke looks up the tool, validates the arguments against its input schema and calls the handler.
// Validation happens before any side effect: the handler is never called with invalid arguments.
//
// The returned error is an *UnknownToolError, an *InvalidArgumentsError or a *ToolExecutionError.
func (r *ToolRegistry) Invoke(ctx context.Context, name string, args map[string]any) (CallToolResult, error) {
	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return CallToolResult{}, &UnknownToolError{Name: name}
	}

	normalized, err := normalizeArguments(args)
	if err != nil {
		return CallToolResult{}, &InvalidArgumentsError{
			Tool:     name,
			Problems: []string{fmt.Sprintf("arguments are not JSON encodable: %v", err)},
		}
	}
	if err := rt.schema.validate(ctx, name, normalized); err != nil {
		return CallToolResult{}, err
	}

	result, err := callHandler(ctx, rt.handler, normalized)
	if err != nil {
		return CallToolResult{}, &ToolExecutionError{Tool: name, Cause: err}
	}
	if result.Content == nil {
		result.Content = []Content{}
	}

	return result, nil
}

// callHandler converts a handler panic into an error.
func callHandler(ctx context.Context, h ToolHandler, args map[string]any) (result CallToolResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("handler panicked: %v", p)
		}
	}()
	return h.CallTool(ctx, args)
}
