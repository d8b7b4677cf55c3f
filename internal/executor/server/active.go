package server

import (
	"sync"

	v1 "github.com/wegent/wegent/pkg/api/v1"
)

// activeTasks tracks the TaskData of in-flight executions. The MCP server
// resolves silent_exit calls against it, and the cancel path reads callback
// coordinates from it.
type activeTasks struct {
	mu    sync.RWMutex
	tasks map[string]*v1.TaskData
	order []string // insertion order, most recent last
}

func newActiveTasks() *activeTasks {
	return &activeTasks{tasks: make(map[string]*v1.TaskData)}
}

func (a *activeTasks) add(key string, task *v1.TaskData) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.tasks[key]; !ok {
		a.order = append(a.order, key)
	}
	a.tasks[key] = task
}

func (a *activeTasks) remove(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.tasks[key]; !ok {
		return
	}
	delete(a.tasks, key)
	for i, k := range a.order {
		if k == key {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

func (a *activeTasks) byKey(key string) (*v1.TaskData, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	task, ok := a.tasks[key]
	return task, ok
}

// latest returns the most recently started execution still in flight.
func (a *activeTasks) latest() (*v1.TaskData, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.order) == 0 {
		return nil, false
	}
	task, ok := a.tasks[a.order[len(a.order)-1]]
	return task, ok
}

func (a *activeTasks) count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.tasks)
}
