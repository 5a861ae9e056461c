// Package worker implements the long-running loop inside a launched agent:
// it registers the agent, heartbeats, pulls matching tasks from the shared
// context, executes them through registered handlers, and writes results
// back for the orchestrating side to collect.
package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler executes one task type. Implementations are the business task
// handlers (CSV filtering, image upload, FTP download); the core only knows
// this contract.
type Handler interface {
	// Execute runs the task with its parameter bag and the session's
	// shared context. The returned value becomes the task result.
	Execute(ctx context.Context, params map[string]any, sharedContext map[string]any) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, params map[string]any, sharedContext map[string]any) (any, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, params map[string]any, sharedContext map[string]any) (any, error) {
	return f(ctx, params, sharedContext)
}

// UnknownTypeError indicates a task type with no registered handler. It is a
// configuration error surfaced to the caller, never a runtime crash.
type UnknownTypeError struct {
	// Type is the unregistered task type.
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("no handler registered for task type %q", e.Type)
}

// HandlerRegistry maps task-type strings to handlers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry creates an empty HandlerRegistry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a task type, replacing any previous binding.
func (r *HandlerRegistry) Register(taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

// Get returns the handler for a task type, or an UnknownTypeError.
func (r *HandlerRegistry) Get(taskType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	if !ok {
		return nil, &UnknownTypeError{Type: taskType}
	}
	return h, nil
}

// Has reports whether a handler is registered for the task type.
func (r *HandlerRegistry) Has(taskType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[taskType]
	return ok
}

// Types returns the registered task types, sorted.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
