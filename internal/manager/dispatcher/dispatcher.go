// Package dispatcher starts, addresses, and tears down executor
// containers on behalf of the sandbox manager.
package dispatcher

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Container labels stamped on every managed executor.
const (
	LabelManaged   = "wegent.managed"
	LabelTaskID    = "wegent.task_id"
	LabelShellType = "wegent.shell_type"
)

const containerNamePrefix = "wegent-executor-"

// ContainerName returns the canonical executor container name for a task.
func ContainerName(taskID int64) string {
	return fmt.Sprintf("%s%d", containerNamePrefix, taskID)
}

// ParseContainerName recovers the task id from a canonical executor
// container name. Foreign names report ok=false.
func ParseContainerName(name string) (int64, bool) {
	rest, found := strings.CutPrefix(name, containerNamePrefix)
	if !found {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ExecutorSpec describes the executor container to start for a task.
type ExecutorSpec struct {
	TaskID    int64
	ShellType string
	UserID    string
	// Env carries extra environment entries beyond the standard set.
	Env map[string]string
}

// ContainerStatus is the dispatcher's view of a container for liveness
// forensics.
type ContainerStatus struct {
	Exists     bool
	Running    bool
	Paused     bool
	OOMKilled  bool
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// ExecutorDispatcher abstracts the container runtime behind the manager.
type ExecutorDispatcher interface {
	// SubmitExecutor creates and starts the executor container for the
	// spec and returns its container id.
	SubmitExecutor(ctx context.Context, spec ExecutorSpec) (string, error)

	// GetContainerAddress returns the base URL the executor serves on,
	// or an error while the container is not yet addressable.
	GetContainerAddress(ctx context.Context, taskID int64) (string, error)

	// PauseExecutor freezes the executor container for a task.
	PauseExecutor(ctx context.Context, taskID int64) error

	// ResumeExecutor unfreezes the executor container for a task.
	ResumeExecutor(ctx context.Context, taskID int64) error

	// DeleteExecutor stops and removes the executor container. Missing
	// containers are not an error.
	DeleteExecutor(ctx context.Context, taskID int64) error

	// GetContainerStatus inspects a container by name. A missing
	// container reports Exists=false.
	GetContainerStatus(ctx context.Context, containerName string) (*ContainerStatus, error)
}
