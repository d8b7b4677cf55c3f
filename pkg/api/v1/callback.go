package v1

// CallbackRequest is the progress report an executor POSTs to the manager's
// callback endpoint. Optional fields are dropped from the JSON body when
// unset so partial updates never overwrite stored values with zeroes.
type CallbackRequest struct {
	TaskID       int64                  `json:"task_id"`
	SubtaskID    string                 `json:"subtask_id,omitempty"`
	TaskTitle    string                 `json:"task_title,omitempty"`
	TaskType     string                 `json:"task_type,omitempty"`
	Status       ExecutionStatus        `json:"status,omitempty"`
	Progress     *int                   `json:"progress,omitempty"`
	Result       map[string]interface{} `json:"result,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Step         string                 `json:"step,omitempty"`    // thinking-step label, e.g. "retry"
	Message      string                 `json:"message,omitempty"` // human-readable progress line

	// Identity of the reporting executor, echoed as sent. The manager only
	// logs these; routing keys are task_id and subtask_id.
	ExecutorName      string                 `json:"executor_name,omitempty"`
	ExecutorNamespace string                 `json:"executor_namespace,omitempty"`
	SandboxMetadata   map[string]interface{} `json:"sandbox_metadata,omitempty"`
}

// IsTerminal reports whether the callback carries a terminal status.
func (c *CallbackRequest) IsTerminal() bool {
	return c.Status.IsTerminal()
}

// ProgressValue returns the carried progress or -1 when absent.
func (c *CallbackRequest) ProgressValue() int {
	if c.Progress == nil {
		return -1
	}
	return *c.Progress
}

// IntProgress is a convenience for building Progress pointers.
func IntProgress(p int) *int {
	return &p
}

// CallbackResponse acknowledges a callback.
type CallbackResponse struct {
	Status string `json:"status"`
}

// ValidationUpdate is what the manager forwards to the back-end validation
// endpoint for task_type "validation" callbacks.
type ValidationUpdate struct {
	TaskID int64  `json:"task_id"`
	Phase  string `json:"phase"` // "running_checks" or "completed"
	Valid  bool   `json:"valid"`
	Detail string `json:"detail,omitempty"`
}

// TaskStatusUpdate is what the manager forwards to the back-end task API for
// regular (non-sandbox) callbacks.
type TaskStatusUpdate struct {
	TaskID       int64                  `json:"task_id"`
	SubtaskID    string                 `json:"subtask_id,omitempty"`
	Status       ExecutionStatus        `json:"status"`
	Progress     *int                   `json:"progress,omitempty"`
	Result       map[string]interface{} `json:"result,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}
