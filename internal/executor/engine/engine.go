// Package engine defines the agent engine contract the executor runs tasks
// through, and the engines speaking to the supported agent runtimes.
package engine

import (
	"context"
	"fmt"
	"sync"

	v1 "github.com/wegent/wegent/pkg/api/v1"
)

// Engine runs one query of an agent runtime and emits normalized events to
// the sink. Execute blocks until the stream ends, the sink stops it, or the
// context is cancelled. Interrupt asks a running query to stop and is best
// effort; engines without live interruption return an error.
type Engine interface {
	Name() string
	Execute(ctx context.Context, task *v1.TaskData, sink EventSink) error
	Interrupt(taskKey string) error
}

// Registry maps shell types to engines.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// Register adds an engine under its own name. Later registrations with the
// same name win.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[v1.NormalizeShellType(e.Name())] = e
}

// Get resolves a shell type to an engine.
func (r *Registry) Get(shellType string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[v1.NormalizeShellType(shellType)]
	if !ok {
		return nil, fmt.Errorf("unknown shell type %q", shellType)
	}
	return e, nil
}

// Names lists the registered shell types.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	return names
}
