package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegent/wegent/internal/common/config"
	"github.com/wegent/wegent/internal/common/logger"
	v1 "github.com/wegent/wegent/pkg/api/v1"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return NewClient(config.BackendConfig{TaskAPIDomain: srv.URL, Timeout: 5}, log)
}

func TestUpdateTaskStatus(t *testing.T) {
	var got v1.TaskStatusUpdate
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/tasks/42/status", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))

	err := client.UpdateTaskStatus(context.Background(), 42, TaskStatusFailed,
		"Task killed: Out Of Memory", map[string]interface{}{"oom": true})
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.TaskID)
	assert.Equal(t, TaskStatusFailed, string(got.Status))
	assert.Equal(t, "Task killed: Out Of Memory", got.ErrorMessage)
}

func TestUpdateTaskStatusServerError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	err := client.UpdateTaskStatus(context.Background(), 42, TaskStatusFailed, "x", nil)
	assert.Error(t, err)
}

func TestGetTaskStatus(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/tasks/7/status", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": TaskStatusCompleted})
	}))

	status, err := client.GetTaskStatus(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, status)
	assert.True(t, IsTerminalTaskStatus(status))
}

func TestForwardValidation(t *testing.T) {
	var got v1.ValidationUpdate
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/validation/update", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))

	err := client.ForwardValidation(context.Background(), v1.ValidationUpdate{
		TaskID: 42,
		Phase:  "running_checks",
	})
	require.NoError(t, err)
	assert.Equal(t, "running_checks", got.Phase)
}

func TestDisabledClientDropsUpdates(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	client := NewClient(config.BackendConfig{TaskAPIDomain: ""}, log)

	assert.False(t, client.Enabled())
	assert.NoError(t, client.UpdateTaskStatus(context.Background(), 1, TaskStatusFailed, "x", nil))
	assert.NoError(t, client.ForwardValidation(context.Background(), v1.ValidationUpdate{TaskID: 1}))

	_, err = client.GetTaskStatus(context.Background(), 1)
	assert.Error(t, err)
}

func TestIsTerminalTaskStatus(t *testing.T) {
	assert.True(t, IsTerminalTaskStatus(TaskStatusCompleted))
	assert.True(t, IsTerminalTaskStatus(TaskStatusFailed))
	assert.True(t, IsTerminalTaskStatus(TaskStatusCancelled))
	assert.False(t, IsTerminalTaskStatus("RUNNING"))
	assert.False(t, IsTerminalTaskStatus(""))
}
