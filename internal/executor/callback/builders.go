package callback

import v1 "github.com/wegent/wegent/pkg/api/v1"

func base(task *v1.TaskData, status v1.ExecutionStatus) *v1.CallbackRequest {
	return &v1.CallbackRequest{
		TaskID:    task.TaskID,
		SubtaskID: task.SubtaskID,
		TaskTitle: task.TaskTitle,
		TaskType:  task.Type,
		Status:    status,
	}
}

// Progress builds a RUNNING report with a progress value and an optional
// human-readable line.
func Progress(task *v1.TaskData, progress int, message string) *v1.CallbackRequest {
	cb := base(task, v1.ExecutionStatusRunning)
	cb.Progress = v1.IntProgress(progress)
	cb.Message = message
	return cb
}

// Thinking builds a RUNNING report labelled as an intermediate reasoning
// step ("init", "retry", ...).
func Thinking(task *v1.TaskData, step, message string, progress int) *v1.CallbackRequest {
	cb := Progress(task, progress, message)
	cb.Step = step
	return cb
}

// Completed builds the terminal success report at progress 100.
func Completed(task *v1.TaskData, result map[string]interface{}) *v1.CallbackRequest {
	cb := base(task, v1.ExecutionStatusCompleted)
	cb.Progress = v1.IntProgress(100)
	cb.Result = result
	return cb
}

// Failed builds the terminal failure report. Terminal reports always carry
// progress 100.
func Failed(task *v1.TaskData, errMsg string) *v1.CallbackRequest {
	cb := base(task, v1.ExecutionStatusFailed)
	cb.Progress = v1.IntProgress(100)
	cb.ErrorMessage = errMsg
	return cb
}

// Cancelled builds the terminal cancellation report.
func Cancelled(task *v1.TaskData) *v1.CallbackRequest {
	cb := base(task, v1.ExecutionStatusCancelled)
	cb.Progress = v1.IntProgress(100)
	return cb
}

// SilentExit builds the COMPLETED report the MCP silent_exit tool sends on
// the agent's behalf. The empty value keeps downstream consumers from
// rendering a result body.
func SilentExit(task *v1.TaskData, reason string) *v1.CallbackRequest {
	cb := base(task, v1.ExecutionStatusCompleted)
	cb.Progress = v1.IntProgress(100)
	cb.Result = map[string]interface{}{
		"value":       "",
		"silent_exit": true,
	}
	if reason != "" {
		cb.Result["silent_exit_reason"] = reason
	}
	return cb
}
