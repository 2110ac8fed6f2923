package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jordanhart/drover/backend"
)

// ToolRunner is the tool execution collaborator: given a tool name and
// complete arguments it returns a textual result. Implementations may be
// long-running and should honor ctx cancellation when they can.
type ToolRunner interface {
	Run(ctx context.Context, name string, args json.RawMessage) (string, error)
	Definitions() []backend.ToolDefinition
}

// ToolFunc is the function signature for a registered tool.
type ToolFunc func(ctx context.Context, args json.RawMessage) (string, error)

// RegisteredTool pairs a tool definition with its implementation.
type RegisteredTool struct {
	Definition backend.ToolDefinition
	Func       ToolFunc
}

// Registry manages tool registration and lookup. It implements ToolRunner.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*RegisteredTool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*RegisteredTool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool RegisteredTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition.Name] = &tool
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Run executes a tool by name. Unknown tools are an error the model can see
// and recover from.
func (r *Registry) Run(ctx context.Context, name string, args json.RawMessage) (string, error) {
	r.mu.RLock()
	tool := r.tools[name]
	r.mu.RUnlock()
	if tool == nil {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return tool.Func(ctx, args)
}

// Definitions returns all tool definitions for sending to the model.
func (r *Registry) Definitions() []backend.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]backend.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.Definition)
	}
	return defs
}

// Names returns the names of all registered tools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Clone returns a copy of the registry. Used to derive a sub-agent's tool
// set from its parent's without mutating it.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := NewRegistry()
	for name, tool := range r.tools {
		copied := *tool
		clone.tools[name] = &copied
	}
	return clone
}

// ParseArguments unmarshals tool call arguments into a map.
func ParseArguments(raw json.RawMessage) (map[string]interface{}, error) {
	var args map[string]interface{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return args, nil
}

// StringArg extracts a string argument from parsed tool arguments.
func StringArg(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// IntArg extracts an integer argument from parsed tool arguments.
func IntArg(args map[string]interface{}, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}
