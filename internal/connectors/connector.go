// Package connectors dispatches tool calls to the handlers that implement
// them. Every call goes through Gateway, which enforces the capability
// contract and guardrails first.
package connectors

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ananta888/ananta/internal/capability"
)

// ExecResult holds the result of one tool call.
type ExecResult struct {
	Tool     string   `json:"tool"`
	Command  string   `json:"command,omitempty"`
	Args     []string `json:"args,omitempty"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout,omitempty"`
	Stderr   string   `json:"stderr,omitempty"`
	Data     any      `json:"data,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Handler executes one tool.
type Handler interface {
	// Name returns the tool name the handler serves.
	Name() string

	// Handle runs the call. A returned error is recorded on the result.
	Handle(ctx context.Context, call capability.ToolCall) (*ExecResult, error)
}

type funcHandler struct {
	name string
	fn   func(context.Context, capability.ToolCall) (*ExecResult, error)
}

func (h funcHandler) Name() string { return h.name }

func (h funcHandler) Handle(ctx context.Context, call capability.ToolCall) (*ExecResult, error) {
	return h.fn(ctx, call)
}

// HandlerFunc adapts a function to a Handler.
func HandlerFunc(name string, fn func(context.Context, capability.ToolCall) (*ExecResult, error)) Handler {
	return funcHandler{name: name, fn: fn}
}

// Registry maps tool names to handlers. It is populated at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates a registry with the given handlers.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[string]Handler)}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a handler. Names must be unique.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	name := strings.TrimSpace(h.Name())
	if name == "" {
		return fmt.Errorf("handler name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Get returns the handler for name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered tool names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
