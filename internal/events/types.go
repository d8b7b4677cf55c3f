// Package events assembles the payloads published on the lifecycle event
// bus. Subjects live in the bus package; external consumers decode these
// maps from the Event.Data field.
package events

import "strconv"

// SandboxPayload builds the data map for sandbox lifecycle events.
func SandboxPayload(sandboxID, shellType, status string) map[string]interface{} {
	return map[string]interface{}{
		"sandbox_id": sandboxID,
		"shell_type": shellType,
		"status":     status,
	}
}

// SandboxFailurePayload is SandboxPayload plus the failure reason.
func SandboxFailurePayload(sandboxID, shellType, status, errorMessage string) map[string]interface{} {
	data := SandboxPayload(sandboxID, shellType, status)
	data["error_message"] = errorMessage
	return data
}

// ExecutionPayload builds the data map for execution lifecycle events.
func ExecutionPayload(taskID int64, subtaskID, executionID, status string) map[string]interface{} {
	return map[string]interface{}{
		"task_id":      strconv.FormatInt(taskID, 10),
		"subtask_id":   subtaskID,
		"execution_id": executionID,
		"status":       status,
	}
}
