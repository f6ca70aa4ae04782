// Package worker implements the invariant behavior every worker follows
// regardless of job type: register, poll, claim, process, write
// atomically, heartbeat, and die cleanly. Business logic lives in handlers;
// the loop is infrastructure and knows nothing about notebooks or diagrams.
package worker

import (
	"fmt"
	"sync"

	"github.com/yungbote/buildctl/internal/domain/build"
)

// Handler is the type-specific processing contract. Run receives the claimed
// job and its decoded payload via the Context, and returns produced bytes
// plus structured warnings. Permanent failures (missing tool binary, missing
// input file) must surface as *buildtax.PermanentError so they are never
// retried.
type Handler interface {
	Type() build.JobType
	Run(jc *Context) (*build.HandlerResult, error)
}

// Registry maps job_type to its handler: the explicit dispatch table that
// replaces decorator-registered routing. Registration happens at
// process startup; lookups happen concurrently from the loop.
type Registry struct {
	mu       sync.RWMutex
	handlers map[build.JobType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[build.JobType]Handler)}
}

// Register adds a handler. Duplicate registration for a job_type is a
// wiring error and fails fast.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	t := h.Type()
	if t == "" {
		return fmt.Errorf("handler Type() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler already registered for job_type=%s", t)
	}
	r.handlers[t] = h
	return nil
}

func (r *Registry) Get(jobType build.JobType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}
