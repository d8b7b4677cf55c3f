// Package backend is the manager's client for the main back-end task
// API, used to report task status changes and validation progress.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/wegent/wegent/internal/common/config"
	"github.com/wegent/wegent/internal/common/logger"
	v1 "github.com/wegent/wegent/pkg/api/v1"
)

// Task statuses the back-end reports. Terminal tasks need no further
// updates from forensics.
const (
	TaskStatusCompleted = "COMPLETED"
	TaskStatusFailed    = "FAILED"
	TaskStatusCancelled = "CANCELLED"
	// Some executors report SUCCESS instead of COMPLETED.
	TaskStatusSuccess = "SUCCESS"
)

// IsTerminalTaskStatus reports whether a back-end task status is final.
func IsTerminalTaskStatus(status string) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusSuccess:
		return true
	}
	return false
}

// Client talks to the main back-end over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a back-end client from configuration.
func NewClient(cfg config.BackendConfig, log *logger.Logger) *Client {
	return &Client{
		baseURL: cfg.TaskAPIDomain,
		httpClient: &http.Client{
			Timeout: cfg.TimeoutDuration(),
		},
		logger: log.WithFields(zap.String("component", "backend-client")),
	}
}

// Enabled reports whether a back-end is configured at all. Without one,
// status updates are logged and dropped.
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// UpdateTaskStatus reports a task status change to the back-end.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID int64, status, message string, result map[string]interface{}) error {
	if !c.Enabled() {
		c.logger.Debug("No back-end configured, dropping task status update",
			zap.Int64("task_id", taskID), zap.String("status", status))
		return nil
	}

	payload := v1.TaskStatusUpdate{
		TaskID:       taskID,
		Status:       v1.ExecutionStatus(status),
		ErrorMessage: message,
		Result:       result,
	}
	url := fmt.Sprintf("%s/api/v1/tasks/%d/status", c.baseURL, taskID)
	if err := c.postJSON(ctx, url, payload, nil); err != nil {
		return fmt.Errorf("failed to update task %d status: %w", taskID, err)
	}

	c.logger.Info("Reported task status to back-end",
		zap.Int64("task_id", taskID),
		zap.String("status", status))
	return nil
}

// GetTaskStatus fetches the back-end's current status for a task.
func (c *Client) GetTaskStatus(ctx context.Context, taskID int64) (string, error) {
	if !c.Enabled() {
		return "", fmt.Errorf("no back-end configured")
	}

	url := fmt.Sprintf("%s/api/v1/tasks/%d/status", c.baseURL, taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to get task %d status: %w", taskID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := readResponseBody(resp)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("task status request failed with status %d: %s", resp.StatusCode, truncateBody(body))
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to parse task status response: %w", err)
	}
	return out.Status, nil
}

// ForwardValidation relays a validation phase update to the back-end.
func (c *Client) ForwardValidation(ctx context.Context, update v1.ValidationUpdate) error {
	if !c.Enabled() {
		c.logger.Debug("No back-end configured, dropping validation update",
			zap.Int64("task_id", update.TaskID), zap.String("phase", update.Phase))
		return nil
	}

	url := c.baseURL + "/api/v1/validation/update"
	if err := c.postJSON(ctx, url, update, nil); err != nil {
		return fmt.Errorf("failed to forward validation update for task %d: %w", update.TaskID, err)
	}
	return nil
}

// postJSON posts a JSON payload and optionally decodes the response.
func (c *Client) postJSON(ctx context.Context, url string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := readResponseBody(resp)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, truncateBody(respBody))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

func readResponseBody(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func truncateBody(body []byte) string {
	const maxLen = 200
	if len(body) > maxLen {
		return string(body[:maxLen]) + "..."
	}
	return string(body)
}
