// Package worker executes dispatched jobs against registered handlers
// and drives the ledger state machine.
package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc executes one job. The returned value is merged into the
// job payload under "result" on success.
type HandlerFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Registry maps job types to handlers. All registration happens during
// startup, before the runner starts; lookups after that are read-only.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]HandlerFunc{}}
}

// Register binds a job type to a handler. Registering the same type
// twice is a programming error and panics.
func (r *Registry) Register(jobType string, h HandlerFunc) {
	if jobType == "" || h == nil {
		panic("worker: Register requires a job type and handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[jobType]; dup {
		panic(fmt.Sprintf("worker: duplicate handler registration for %q", jobType))
	}
	r.handlers[jobType] = h
}

// Resolve returns the handler for jobType, if any.
func (r *Registry) Resolve(jobType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
