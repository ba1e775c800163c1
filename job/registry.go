package job

import (
	"context"
	"fmt"
	"sync"

	"github.com/podworks/cadence"
)

// Executor performs the external call for one job. Implementations classify
// failures by wrapping errors with Permanent or Transient; a nil return
// means the action succeeded.
type Executor interface {
	Execute(ctx context.Context, j *Job) error
}

// ExecutorFunc adapts an ordinary function to the Executor interface.
type ExecutorFunc func(ctx context.Context, j *Job) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, j *Job) error { return f(ctx, j) }

// Registry maps job kinds to executors. The kind set is closed, so routing
// is a checked map lookup rather than string dispatch through conditionals.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[Kind]Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[Kind]Executor),
	}
}

// Register binds an executor to a kind. Registering the same kind twice
// replaces the previous executor.
func (r *Registry) Register(k Kind, e Executor) error {
	if !k.Valid() {
		return fmt.Errorf("%w: register unknown kind %q", cadence.ErrConfiguration, k)
	}
	if e == nil {
		return fmt.Errorf("%w: nil executor for kind %q", cadence.ErrConfiguration, k)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[k] = e
	return nil
}

// Get returns the executor for the given kind.
// Returns false if no executor is registered.
func (r *Registry) Get(k Kind) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[k]
	return e, ok
}

// Validate checks that every listed kind has a registered executor.
// The engine calls this at startup so missing executors fail fast instead
// of surfacing as per-job dispatch errors.
func (r *Registry) Validate(kinds ...Kind) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, k := range kinds {
		if _, ok := r.executors[k]; !ok {
			return fmt.Errorf("%w: %q", cadence.ErrNoExecutor, k)
		}
	}
	return nil
}

// Kinds returns all kinds with a registered executor.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	return kinds
}
