package engine

import (
	"fmt"
	"sync"
)

// Registry maps message types to handlers. Resolution order is registration
// order and stays stable when other handlers are unregistered.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under its name. Duplicate names are refused so an
// unregister cannot tear down somebody else's handler.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Name()]; exists {
		return fmt.Errorf("handler %q already registered", h.Name())
	}
	r.handlers[h.Name()] = h
	r.order = append(r.order, h.Name())
	return nil
}

// Unregister removes a handler by name; unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; !exists {
		return
	}
	delete(r.handlers, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Resolve returns the handlers accepting msgType, in registration order.
func (r *Registry) Resolve(msgType string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Handler
	for _, name := range r.order {
		h := r.handlers[name]
		if h.CanHandle(msgType) {
			out = append(out, h)
		}
	}
	return out
}

// Names lists registered handler names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
