// Package v1 defines the wire types shared by the manager, the in-container
// executor, and the main back-end.
package v1

import (
	"strings"
	"time"
)

// SandboxStatus represents the lifecycle state of a sandbox.
type SandboxStatus string

const (
	SandboxStatusPending     SandboxStatus = "PENDING"
	SandboxStatusRunning     SandboxStatus = "RUNNING"
	SandboxStatusTerminating SandboxStatus = "TERMINATING"
	SandboxStatusTerminated  SandboxStatus = "TERMINATED"
	SandboxStatusFailed      SandboxStatus = "FAILED"
)

// IsTerminal reports whether the status is absorbing.
func (s SandboxStatus) IsTerminal() bool {
	return s == SandboxStatusTerminated || s == SandboxStatusFailed
}

// Shell types select the agent engine an executor container runs.
const (
	ShellTypeClaudeCode     = "claudecode"
	ShellTypeAgno           = "agno"
	ShellTypeDify           = "dify"
	ShellTypeImageValidator = "imagevalidator"
)

// NormalizeShellType lowercases and trims an inbound shell type.
// Unknown values pass through unchanged; they surface as a container start
// failure rather than a create-time rejection.
func NormalizeShellType(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// KnownShellType reports whether the (normalized) shell type maps to an engine.
func KnownShellType(s string) bool {
	switch NormalizeShellType(s) {
	case ShellTypeClaudeCode, ShellTypeAgno, ShellTypeDify, ShellTypeImageValidator:
		return true
	}
	return false
}

// CreateSandboxRequest asks the manager for a sandbox bound to a task.
// An existing healthy sandbox for the same task is reused.
type CreateSandboxRequest struct {
	TaskID       int64                    `json:"task_id" binding:"required"`
	ShellType    string                   `json:"shell_type" binding:"required"`
	UserID       string                   `json:"user_id,omitempty"`
	UserName     string                   `json:"user_name,omitempty"`
	Timeout      int                      `json:"timeout,omitempty"`
	WorkspaceRef string                   `json:"workspace_ref,omitempty"`
	BotConfig    []map[string]interface{} `json:"bot_config,omitempty"`
	Metadata     map[string]interface{}   `json:"metadata,omitempty"`
}

// SandboxResponse is the manager's view of a sandbox returned over HTTP.
type SandboxResponse struct {
	SandboxID      string                 `json:"sandbox_id"`
	ContainerName  string                 `json:"container_name,omitempty"`
	ShellType      string                 `json:"shell_type"`
	Status         SandboxStatus          `json:"status"`
	UserID         string                 `json:"user_id,omitempty"`
	UserName       string                 `json:"user_name,omitempty"`
	BaseURL        string                 `json:"base_url,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	LastActivityAt *time.Time             `json:"last_activity_at,omitempty"`
	ExpiresAt      *time.Time             `json:"expires_at,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// KeepAliveResponse reports the extended expiry of a sandbox.
type KeepAliveResponse struct {
	SandboxID string    `json:"sandbox_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DeleteExecutorRequest asks the manager to tear down an executor container.
// Callers send the container name they saw in callbacks; the task id is
// recovered from it.
type DeleteExecutorRequest struct {
	ExecutorName string `json:"executor_name" binding:"required"`
}
