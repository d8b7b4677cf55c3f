package v1

import "time"

// ExecutionStatus represents the state of an execution inside a sandbox.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "PENDING"
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
)

// IsTerminal reports whether the status is absorbing.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// CreateExecutionRequest submits a prompt to run inside an existing sandbox.
// A subtask id is required, inline or in metadata; (task_id, subtask_id)
// identifies the execution.
type CreateExecutionRequest struct {
	Prompt      string                 `json:"prompt" binding:"required"`
	SubtaskID   string                 `json:"subtask_id,omitempty"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	Timeout     int                    `json:"timeout,omitempty"` // seconds, 0 means default
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// ExecutionResponse is an execution returned over HTTP.
type ExecutionResponse struct {
	ExecutionID  string                 `json:"execution_id"`
	SandboxID    string                 `json:"sandbox_id"`
	Prompt       string                 `json:"prompt,omitempty"`
	Status       ExecutionStatus        `json:"status"`
	Result       map[string]interface{} `json:"result,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Progress     int                    `json:"progress"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}
