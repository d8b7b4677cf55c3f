package v1

// Task types carried on TaskData and callbacks. The zero value means a
// regular back-end task.
const (
	TaskTypeSandbox    = "sandbox"
	TaskTypeValidation = "validation"
)

// TaskData is the payload the manager POSTs to an executor's
// /api/tasks/execute endpoint.
type TaskData struct {
	TaskID       int64                    `json:"task_id"`
	SubtaskID    string                   `json:"subtask_id"`
	TaskTitle    string                   `json:"task_title,omitempty"`
	SubtaskTitle string                   `json:"subtask_title,omitempty"`
	Type         string                   `json:"type,omitempty"`
	Prompt       string                   `json:"prompt"`
	Bots         []map[string]interface{} `json:"bots,omitempty"`
	UserID       string                   `json:"user_id,omitempty"`
	UserName     string                   `json:"user_name,omitempty"`
	CallbackURL  string                   `json:"callback_url"`
	Metadata     map[string]interface{}   `json:"metadata,omitempty"`
	Timeout      int                      `json:"timeout,omitempty"` // seconds
}

// ShellType returns the shell type of the first bot, or empty.
func (t *TaskData) ShellType() string {
	for _, bot := range t.Bots {
		if st, ok := bot["shell_type"].(string); ok && st != "" {
			return NormalizeShellType(st)
		}
	}
	return ""
}

// SessionID returns the engine session carried in metadata, or empty.
func (t *TaskData) SessionID() string {
	if t.Metadata == nil {
		return ""
	}
	if sid, ok := t.Metadata["session_id"].(string); ok {
		return sid
	}
	return ""
}

// ExecuteResponse acknowledges an accepted task.
type ExecuteResponse struct {
	Status    string `json:"status"`
	TaskID    int64  `json:"task_id"`
	SubtaskID string `json:"subtask_id,omitempty"`
}

// CancelTaskRequest stops a running execution.
type CancelTaskRequest struct {
	TaskID    int64  `json:"task_id" binding:"required"`
	SubtaskID string `json:"subtask_id,omitempty"`
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	Status string `json:"status"`
}
