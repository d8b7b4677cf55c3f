// Package sandbox holds the sandbox and execution models, their Redis
// repository, and the lifecycle manager that drives them.
package sandbox

import (
	"strconv"
	"time"

	v1 "github.com/wegent/wegent/pkg/api/v1"
)

// Metadata keys recognized on sandboxes and executions.
const (
	MetaTaskID       = "task_id"
	MetaSubtaskID    = "subtask_id"
	MetaTaskTitle    = "task_title"
	MetaTimeout      = "timeout"
	MetaWorkspaceRef = "workspace_ref"
	MetaBotConfig    = "bot_config"
	MetaE2BSandboxID = "e2b_sandbox_id"
	MetaTaskType     = "task_type"
	MetaPaused       = "paused"
	MetaPausedAt     = "paused_at"
)

// Sandbox is one executor container bound to a task.
// SandboxID is the decimal task id; the session hash lives under it.
type Sandbox struct {
	SandboxID      string                 `json:"sandbox_id"`
	ContainerName  string                 `json:"container_name,omitempty"`
	ShellType      string                 `json:"shell_type"`
	Status         v1.SandboxStatus       `json:"status"`
	UserID         string                 `json:"user_id,omitempty"`
	UserName       string                 `json:"user_name,omitempty"`
	BaseURL        string                 `json:"base_url,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	LastActivityAt time.Time              `json:"last_activity_at"`
	ExpiresAt      *time.Time             `json:"expires_at,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// NewSandbox builds a PENDING sandbox for a task.
func NewSandbox(taskID int64, shellType, userID, userName string, metadata map[string]interface{}) *Sandbox {
	now := time.Now().UTC()
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	metadata[MetaTaskID] = taskID

	return &Sandbox{
		SandboxID:      strconv.FormatInt(taskID, 10),
		ShellType:      v1.NormalizeShellType(shellType),
		Status:         v1.SandboxStatusPending,
		UserID:         userID,
		UserName:       userName,
		CreatedAt:      now,
		LastActivityAt: now,
		Metadata:       metadata,
	}
}

// TaskID returns the numeric task id the sandbox is bound to.
func (s *Sandbox) TaskID() int64 {
	id, err := strconv.ParseInt(s.SandboxID, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// E2BSandboxID returns the alternate addressing id, or empty.
func (s *Sandbox) E2BSandboxID() string {
	return metaString(s.Metadata, MetaE2BSandboxID)
}

// IsPaused reports whether the sandbox is a paused PENDING sandbox.
func (s *Sandbox) IsPaused() bool {
	return s.Status == v1.SandboxStatusPending && metaBool(s.Metadata, MetaPaused)
}

// IsActive reports whether the sandbox can serve or come to serve executions.
func (s *Sandbox) IsActive() bool {
	return s.Status == v1.SandboxStatusPending || s.Status == v1.SandboxStatusRunning
}

// Touch records activity now.
func (s *Sandbox) Touch(now time.Time) {
	s.LastActivityAt = now.UTC()
}

// ExtendExpiry adds d on top of the current expiry. An already-expired or
// unset expiry is rebased to now first, so a keep-alive always yields a
// future deadline.
func (s *Sandbox) ExtendExpiry(now time.Time, d time.Duration) {
	base := now.UTC()
	if s.ExpiresAt != nil && s.ExpiresAt.After(base) {
		base = s.ExpiresAt.UTC()
	}
	t := base.Add(d)
	s.ExpiresAt = &t
}

// MarkRunning transitions the sandbox to RUNNING at the given address.
func (s *Sandbox) MarkRunning(baseURL string, now time.Time) {
	n := now.UTC()
	s.Status = v1.SandboxStatusRunning
	s.BaseURL = baseURL
	s.StartedAt = &n
	s.Touch(n)
}

// MarkFailed transitions the sandbox to FAILED. Terminal states stick.
func (s *Sandbox) MarkFailed(msg string, now time.Time) bool {
	if s.Status.IsTerminal() {
		return false
	}
	s.Status = v1.SandboxStatusFailed
	s.ErrorMessage = msg
	s.BaseURL = ""
	s.Touch(now)
	return true
}

// MarkPaused flips a RUNNING sandbox back to PENDING with the paused flags set.
func (s *Sandbox) MarkPaused(now time.Time) {
	n := now.UTC()
	s.Status = v1.SandboxStatusPending
	s.BaseURL = ""
	if s.Metadata == nil {
		s.Metadata = make(map[string]interface{})
	}
	s.Metadata[MetaPaused] = true
	s.Metadata[MetaPausedAt] = n.Format(time.RFC3339)
	s.Touch(n)
}

// ClearPaused removes the paused flags on resume.
func (s *Sandbox) ClearPaused() {
	if s.Metadata == nil {
		return
	}
	delete(s.Metadata, MetaPaused)
	delete(s.Metadata, MetaPausedAt)
}

// ToAPI converts the sandbox to its wire representation.
func (s *Sandbox) ToAPI() *v1.SandboxResponse {
	resp := &v1.SandboxResponse{
		SandboxID:     s.SandboxID,
		ContainerName: s.ContainerName,
		ShellType:     s.ShellType,
		Status:        s.Status,
		UserID:        s.UserID,
		UserName:      s.UserName,
		BaseURL:       s.BaseURL,
		CreatedAt:     s.CreatedAt,
		StartedAt:     s.StartedAt,
		ExpiresAt:     s.ExpiresAt,
		ErrorMessage:  s.ErrorMessage,
		Metadata:      s.Metadata,
	}
	if !s.LastActivityAt.IsZero() {
		t := s.LastActivityAt
		resp.LastActivityAt = &t
	}
	return resp
}

// Execution is one prompt run inside a sandbox, identified by
// (task_id, subtask_id). The pair is unique per session hash.
type Execution struct {
	ExecutionID  string                 `json:"execution_id"`
	SandboxID    string                 `json:"sandbox_id"`
	Prompt       string                 `json:"prompt"`
	Status       v1.ExecutionStatus     `json:"status"`
	Result       map[string]interface{} `json:"result,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Progress     int                    `json:"progress"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// NewExecution builds a PENDING execution bound to a sandbox and subtask.
func NewExecution(executionID, sandboxID, prompt, subtaskID string, taskID int64, metadata map[string]interface{}) *Execution {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	metadata[MetaTaskID] = taskID
	metadata[MetaSubtaskID] = subtaskID

	return &Execution{
		ExecutionID: executionID,
		SandboxID:   sandboxID,
		Prompt:      prompt,
		Status:      v1.ExecutionStatusPending,
		Progress:    0,
		CreatedAt:   time.Now().UTC(),
		Metadata:    metadata,
	}
}

// SubtaskID returns the subtask id carried in metadata.
func (e *Execution) SubtaskID() string {
	return metaString(e.Metadata, MetaSubtaskID)
}

// TaskID returns the numeric task id carried in metadata.
func (e *Execution) TaskID() int64 {
	switch v := e.Metadata[MetaTaskID].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		// JSON round-trips numbers as float64
		return int64(v)
	case string:
		id, _ := strconv.ParseInt(v, 10, 64)
		return id
	}
	return 0
}

// MarkRunning transitions PENDING to RUNNING. Terminal states stick.
func (e *Execution) MarkRunning(now time.Time) bool {
	if e.Status.IsTerminal() {
		return false
	}
	n := now.UTC()
	e.Status = v1.ExecutionStatusRunning
	e.StartedAt = &n
	return true
}

// ApplyProgress records progress from a non-terminal callback.
// Values are clamped to 0..99; 100 is reserved for terminal transitions.
func (e *Execution) ApplyProgress(p int) bool {
	if e.Status.IsTerminal() {
		return false
	}
	if p < 0 {
		p = 0
	}
	if p > 99 {
		p = 99
	}
	e.Progress = p
	return true
}

// SetCompleted transitions to COMPLETED with progress 100.
// Returns false if the execution was already terminal.
func (e *Execution) SetCompleted(result map[string]interface{}, now time.Time) bool {
	if e.Status.IsTerminal() {
		return false
	}
	n := now.UTC()
	e.Status = v1.ExecutionStatusCompleted
	e.Result = result
	e.Progress = 100
	e.CompletedAt = &n
	return true
}

// SetFailed transitions to FAILED with progress 100.
// Returns false if the execution was already terminal.
func (e *Execution) SetFailed(msg string, now time.Time) bool {
	if e.Status.IsTerminal() {
		return false
	}
	n := now.UTC()
	e.Status = v1.ExecutionStatusFailed
	e.ErrorMessage = msg
	e.Progress = 100
	e.CompletedAt = &n
	return true
}

// SetCancelled transitions to CANCELLED with progress 100.
// Returns false if the execution was already terminal.
func (e *Execution) SetCancelled(now time.Time) bool {
	if e.Status.IsTerminal() {
		return false
	}
	n := now.UTC()
	e.Status = v1.ExecutionStatusCancelled
	e.Progress = 100
	e.CompletedAt = &n
	return true
}

// ToAPI converts the execution to its wire representation.
func (e *Execution) ToAPI() *v1.ExecutionResponse {
	return &v1.ExecutionResponse{
		ExecutionID:  e.ExecutionID,
		SandboxID:    e.SandboxID,
		Prompt:       e.Prompt,
		Status:       e.Status,
		Result:       e.Result,
		ErrorMessage: e.ErrorMessage,
		Progress:     e.Progress,
		CreatedAt:    e.CreatedAt,
		StartedAt:    e.StartedAt,
		CompletedAt:  e.CompletedAt,
		Metadata:     e.Metadata,
	}
}

// SubtaskIDFrom extracts a subtask id from request metadata. Callers send
// both string and numeric forms over JSON.
func SubtaskIDFrom(m map[string]interface{}) string {
	if m == nil {
		return ""
	}
	switch v := m[MetaSubtaskID].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	}
	return ""
}

// metaString reads a string metadata value, tolerating absent maps.
func metaString(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// metaBool reads a bool metadata value, tolerating absent maps and the
// string forms JSON round-trips sometimes produce.
func metaBool(m map[string]interface{}, key string) bool {
	if m == nil {
		return false
	}
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	}
	return false
}
