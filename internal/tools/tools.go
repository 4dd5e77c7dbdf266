// ABOUTME: Typed in-process tools with JSON schemas and a collision-checked registry.
// ABOUTME: Handler failures become descriptive error results instead of panics or transport errors.

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrToolCollision indicates a tool name is already registered.
var ErrToolCollision = errors.New("tool name collision")

// ErrToolNotFound indicates no tool with the requested name exists.
var ErrToolNotFound = errors.New("tool not found")

// Handler executes a tool. The returned text is handed back to the model.
type Handler func(ctx context.Context, input json.RawMessage) (string, error)

// Tool is a named operation with an input schema.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
	Handler     Handler         `json:"-"`
}

// Validator is implemented by typed tool inputs.
type Validator interface {
	Validate() error
}

// Typed builds a Tool whose handler decodes its input into In and validates
// it before calling fn. Decode and validation failures are reported as
// handler errors naming the tool.
func Typed[In Validator](name, description, schema string, fn func(ctx context.Context, in In) (string, error)) *Tool {
	return &Tool{
		Name:        name,
		Description: description,
		InputSchema: json.RawMessage(schema),
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var in In
			if len(raw) > 0 && string(raw) != "null" {
				if err := json.Unmarshal(raw, &in); err != nil {
					return "", fmt.Errorf("%s: invalid input: %w", name, err)
				}
			}
			if err := in.Validate(); err != nil {
				return "", fmt.Errorf("%s: %w", name, err)
			}
			return fn(ctx, in)
		},
	}
}

// Result is the outcome of executing a tool.
type Result struct {
	Text    string
	IsError bool
}

// Registry holds tools by name.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds tools. Either all are added or, on a name collision, none.
func (r *Registry) Register(tools ...*Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(tools))
	for _, t := range tools {
		if t.Name == "" || t.Handler == nil {
			return fmt.Errorf("tool %q: name and handler are required", t.Name)
		}
		if _, exists := r.tools[t.Name]; exists || seen[t.Name] {
			return fmt.Errorf("%w: tool '%s' already registered", ErrToolCollision, t.Name)
		}
		seen[t.Name] = true
	}
	for _, t := range tools {
		r.tools[t.Name] = t
	}
	return nil
}

// Get returns the tool with the given name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns all tool names sorted.
func (r *Registry) Names() []string {
	list := r.List()
	names := make([]string, len(list))
	for i, t := range list {
		names[i] = t.Name
	}
	return names
}

// Execute runs the named tool. Unknown tools return ErrToolNotFound; handler
// failures are returned as an error Result, not as an error.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) (Result, error) {
	t, ok := r.Get(name)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	text, err := t.Handler(ctx, input)
	if err != nil {
		r.logger.Warn("tool failed", "tool_name", name, "error", err)
		return Result{Text: err.Error(), IsError: true}, nil
	}
	r.logger.Debug("tool executed", "tool_name", name)
	return Result{Text: text}, nil
}
