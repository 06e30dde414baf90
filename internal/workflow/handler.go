package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/tasquencer/model"
)

// HandlerInput is passed to a system task handler.
type HandlerInput struct {
	Workflow model.WorkflowInstance
	Task     model.Task
	// Payload is the instance payload accumulated so far.
	Payload map[string]any
}

// HandlerResult selects outputs for OR and XOR splits and optionally
// returns a payload to merge into the instance. A nil Outputs derives the
// selection from the task routes.
type HandlerResult struct {
	Outputs []string
	Payload map[string]any
}

// Handler executes a system task synchronously inside the engine
// transaction. A returned error fails the task.
type Handler interface {
	Handle(ctx context.Context, in HandlerInput) (HandlerResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, in HandlerInput) (HandlerResult, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, in HandlerInput) (HandlerResult, error) {
	return f(ctx, in)
}

// HandlerRegistry stores named system task handlers. It is safe for
// concurrent use after startup registration.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Registering the same name twice is a wiring
// mistake and panics.
func (r *HandlerRegistry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("workflow: handler %q already registered", name))
	}
	r.handlers[name] = h
}

// Get returns the handler registered under name.
func (r *HandlerRegistry) Get(name string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered names, sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
