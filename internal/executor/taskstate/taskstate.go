// Package taskstate tracks the in-process lifecycle of executions so a
// cancel request can reach a running event stream between events.
package taskstate

import (
	"fmt"
	"strings"
	"sync"
)

// State is the lifecycle phase of one execution inside this executor.
type State string

const (
	StateRunning    State = "RUNNING"
	StateCancelling State = "CANCELLING"
	StateCancelled  State = "CANCELLED"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

// Active reports whether the state still has work in flight.
func (s State) Active() bool {
	return s == StateRunning || s == StateCancelling
}

// Key builds the registry key for one (task, subtask) execution.
func Key(taskID int64, subtaskID string) string {
	return fmt.Sprintf("%d:%s", taskID, subtaskID)
}

// Manager is the in-memory registry of executions this process is running.
// Entries are created by Begin and removed by Clear when the execution
// goroutine unwinds; the graceful cancel wait polls Exists to detect that.
type Manager struct {
	mu    sync.RWMutex
	tasks map[string]State
}

func NewManager() *Manager {
	return &Manager{tasks: make(map[string]State)}
}

// Begin registers the execution as RUNNING. A second Begin for the same key
// fails while the first is still active; terminal leftovers are overwritten.
func (m *Manager) Begin(taskID int64, subtaskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := Key(taskID, subtaskID)
	if st, ok := m.tasks[k]; ok && st.Active() {
		return false
	}
	m.tasks[k] = StateRunning
	return true
}

// Cancel marks one execution CANCELLED. The stream loop observes the flag at
// its next event checkpoint and stops cleanly instead of failing. Reports
// whether an active entry was found.
func (m *Manager) Cancel(taskID int64, subtaskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := Key(taskID, subtaskID)
	if st, ok := m.tasks[k]; !ok || !st.Active() {
		return false
	}
	m.tasks[k] = StateCancelled
	return true
}

// CancelTask cancels every active execution of a task and returns the
// affected subtask IDs.
func (m *Manager) CancelTask(taskID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := fmt.Sprintf("%d:", taskID)
	var subtasks []string
	for k, st := range m.tasks {
		if !st.Active() || !strings.HasPrefix(k, prefix) {
			continue
		}
		m.tasks[k] = StateCancelled
		subtasks = append(subtasks, strings.TrimPrefix(k, prefix))
	}
	return subtasks
}

// IsCancelled reports whether cancellation was requested for the execution.
func (m *Manager) IsCancelled(taskID int64, subtaskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.tasks[Key(taskID, subtaskID)]
	return st == StateCancelling || st == StateCancelled
}

// Finish records the terminal state. The entry stays visible until Clear so
// late checks still see a terminal value instead of a missing key.
func (m *Manager) Finish(taskID int64, subtaskID string, st State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := Key(taskID, subtaskID)
	if _, ok := m.tasks[k]; ok {
		m.tasks[k] = st
	}
}

// Clear removes the entry once the execution goroutine has fully unwound.
func (m *Manager) Clear(taskID int64, subtaskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, Key(taskID, subtaskID))
}

// Exists reports whether any entry, terminal or not, is registered for the
// execution.
func (m *Manager) Exists(taskID int64, subtaskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tasks[Key(taskID, subtaskID)]
	return ok
}

// Get returns the recorded state for the execution.
func (m *Manager) Get(taskID int64, subtaskID string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.tasks[Key(taskID, subtaskID)]
	return st, ok
}

// ActiveCount counts executions still in flight.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, st := range m.tasks {
		if st.Active() {
			n++
		}
	}
	return n
}
