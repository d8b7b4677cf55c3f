// Package api exposes the manager's HTTP surface: the executor callback
// sink, task dispatch and cancel, and the E2B-style sandbox lifecycle
// endpoints.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wegent/wegent/internal/common/config"
	"github.com/wegent/wegent/internal/common/logger"
	"github.com/wegent/wegent/internal/manager/backend"
	"github.com/wegent/wegent/internal/manager/heartbeat"
	"github.com/wegent/wegent/internal/manager/sandbox"
	"github.com/wegent/wegent/internal/manager/tasks"
	"github.com/wegent/wegent/internal/manager/tracker"
	v1 "github.com/wegent/wegent/pkg/api/v1"
)

// DefaultAPIPrefix is used when the server config leaves the prefix empty.
const DefaultAPIPrefix = "/api/v1/manager"

// Handlers holds the services the manager API fronts.
type Handlers struct {
	sandboxes *sandbox.Manager
	tasks     *tasks.Service
	tracked   *tracker.RunningTaskTracker
	backend   *backend.Client
	hearts    *heartbeat.Store
	cfg       *config.Config
	logger    *logger.Logger
}

// RegisterRoutes wires the manager API under the configured prefix, plus
// the unprefixed health and metrics endpoints.
func RegisterRoutes(
	router *gin.Engine,
	sandboxes *sandbox.Manager,
	taskService *tasks.Service,
	tracked *tracker.RunningTaskTracker,
	backendClient *backend.Client,
	hearts *heartbeat.Store,
	cfg *config.Config,
	log *logger.Logger,
) {
	h := &Handlers{
		sandboxes: sandboxes,
		tasks:     taskService,
		tracked:   tracked,
		backend:   backendClient,
		hearts:    hearts,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "manager-api")),
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	prefix := cfg.Server.APIPrefix
	if prefix == "" {
		prefix = DefaultAPIPrefix
	}
	api := router.Group(prefix)
	{
		api.POST("/callback", h.HandleCallback)
		api.POST("/tasks/dispatch", h.DispatchTask)
		api.POST("/tasks/cancel", h.CancelTask)
		api.POST("/tasks/:task_id/heartbeat", h.TaskHeartbeat)
		api.POST("/executor/delete", h.DeleteExecutor)

		api.POST("/sandboxes", h.CreateSandbox)
		api.GET("/sandboxes/:id", h.GetSandbox)
		api.DELETE("/sandboxes/:id", h.DeleteSandbox)
		api.POST("/sandboxes/:id/pause", h.PauseSandbox)
		api.POST("/sandboxes/:id/resume", h.ResumeSandbox)
		api.POST("/sandboxes/:id/keepalive", h.KeepAlive)
		api.POST("/sandboxes/:id/executions", h.CreateExecution)
		api.GET("/sandboxes/:id/executions", h.ListExecutions)
		api.GET("/sandboxes/:id/executions/:subtask_id", h.GetExecution)
	}
}

// httpStatusFor maps service errors onto response codes.
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, sandbox.ErrSandboxNotFound),
		errors.Is(err, sandbox.ErrExecutionNotFound):
		return http.StatusNotFound
	case errors.Is(err, sandbox.ErrMissingSubtaskID),
		errors.Is(err, tasks.ErrInvalidTaskData),
		errors.Is(err, tasks.ErrUnknownExecutorName):
		return http.StatusBadRequest
	case errors.Is(err, sandbox.ErrSandboxNotActive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the error response and logs server-side failures.
func (h *Handlers) respondError(c *gin.Context, err error, msg string, fields ...zap.Field) {
	status := httpStatusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(msg, append(fields, zap.Error(err))...)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// DispatchTask launches an executor for a regular back-end task.
func (h *Handlers) DispatchTask(c *gin.Context) {
	var task v1.TaskData
	if err := c.ShouldBindJSON(&task); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.tasks.Dispatch(c.Request.Context(), &task); err != nil {
		h.respondError(c, err, "Task dispatch failed", zap.Int64("task_id", task.TaskID))
		return
	}
	c.JSON(http.StatusOK, v1.ExecuteResponse{
		Status:    "accepted",
		TaskID:    task.TaskID,
		SubtaskID: task.SubtaskID,
	})
}

// CancelTask forwards a cancel to the task's executor and cleans up.
func (h *Handlers) CancelTask(c *gin.Context) {
	var req v1.CancelTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.tasks.Cancel(c.Request.Context(), &req); err != nil {
		h.respondError(c, err, "Task cancel failed", zap.Int64("task_id", req.TaskID))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// TaskHeartbeat records a liveness ping from an executor. Sandbox and
// regular executors report through the same endpoint, so both heartbeat
// kinds are refreshed.
func (h *Handlers) TaskHeartbeat(c *gin.Context) {
	id := c.Param("task_id")
	ctx := c.Request.Context()

	if err := h.hearts.Beat(ctx, heartbeat.KindTask, id); err != nil {
		h.logger.Error("Heartbeat write failed", zap.String("task_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record heartbeat"})
		return
	}
	if err := h.hearts.Beat(ctx, heartbeat.KindSandbox, id); err != nil {
		h.logger.Error("Heartbeat write failed", zap.String("task_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record heartbeat"})
		return
	}
	c.JSON(http.StatusOK, v1.HeartbeatResponse{Status: "ok"})
}

// DeleteExecutor tears down an executor container by its reported name.
func (h *Handlers) DeleteExecutor(c *gin.Context) {
	var req v1.DeleteExecutorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.tasks.RemoveExecutor(c.Request.Context(), req.ExecutorName); err != nil {
		h.respondError(c, err, "Executor delete failed", zap.String("executor_name", req.ExecutorName))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CreateSandbox creates a sandbox, or returns the live one for the task.
func (h *Handlers) CreateSandbox(c *gin.Context) {
	var req v1.CreateSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sb, err := h.sandboxes.CreateSandbox(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err, "Sandbox create failed", zap.Int64("task_id", req.TaskID))
		return
	}
	c.JSON(http.StatusOK, sb.ToAPI())
}

// GetSandbox returns a sandbox by task id or e2b id.
func (h *Handlers) GetSandbox(c *gin.Context) {
	id := c.Param("id")
	sb, err := h.sandboxes.GetSandbox(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "Sandbox lookup failed", zap.String("sandbox_id", id))
		return
	}
	if sb == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "sandbox not found"})
		return
	}
	c.JSON(http.StatusOK, sb.ToAPI())
}

// DeleteSandbox terminates a sandbox. Missing sandboxes are fine.
func (h *Handlers) DeleteSandbox(c *gin.Context) {
	id := c.Param("id")
	if err := h.sandboxes.TerminateSandbox(c.Request.Context(), id); err != nil {
		h.respondError(c, err, "Sandbox terminate failed", zap.String("sandbox_id", id))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// PauseSandbox freezes a running sandbox's container.
func (h *Handlers) PauseSandbox(c *gin.Context) {
	id := c.Param("id")
	sb, err := h.sandboxes.PauseSandbox(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "Sandbox pause failed", zap.String("sandbox_id", id))
		return
	}
	c.JSON(http.StatusOK, sb.ToAPI())
}

// ResumeSandbox unfreezes a paused sandbox.
func (h *Handlers) ResumeSandbox(c *gin.Context) {
	id := c.Param("id")
	sb, err := h.sandboxes.ResumeSandbox(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "Sandbox resume failed", zap.String("sandbox_id", id))
		return
	}
	c.JSON(http.StatusOK, sb.ToAPI())
}

// KeepAlive extends a sandbox's expiry. The optional body carries the
// extension in seconds; zero falls back to the default timeout.
func (h *Handlers) KeepAlive(c *gin.Context) {
	id := c.Param("id")
	var req struct {
		Timeout int `json:"timeout"`
	}
	// An empty body means the default extension.
	_ = c.ShouldBindJSON(&req)

	sb, err := h.sandboxes.KeepAlive(c.Request.Context(), id, time.Duration(req.Timeout)*time.Second)
	if err != nil {
		h.respondError(c, err, "Sandbox keepalive failed", zap.String("sandbox_id", id))
		return
	}

	var expires time.Time
	if sb.ExpiresAt != nil {
		expires = *sb.ExpiresAt
	}
	c.JSON(http.StatusOK, v1.KeepAliveResponse{SandboxID: sb.SandboxID, ExpiresAt: expires})
}

// CreateExecution submits a prompt to run inside a sandbox. Resubmitting a
// known (task, subtask) pair returns the stored execution.
func (h *Handlers) CreateExecution(c *gin.Context) {
	id := c.Param("id")
	var req v1.CreateExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	exec, err := h.sandboxes.CreateExecution(c.Request.Context(), id, &req)
	if err != nil {
		h.respondError(c, err, "Execution create failed", zap.String("sandbox_id", id))
		return
	}
	c.JSON(http.StatusOK, exec.ToAPI())
}

// ListExecutions returns every execution recorded for a sandbox.
func (h *Handlers) ListExecutions(c *gin.Context) {
	id := c.Param("id")
	execs, err := h.sandboxes.ListExecutions(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "Execution list failed", zap.String("sandbox_id", id))
		return
	}

	out := make([]*v1.ExecutionResponse, 0, len(execs))
	for _, exec := range execs {
		out = append(out, exec.ToAPI())
	}
	c.JSON(http.StatusOK, gin.H{"executions": out})
}

// GetExecution returns one execution by sandbox and subtask id.
func (h *Handlers) GetExecution(c *gin.Context) {
	id := c.Param("id")
	subtaskID := c.Param("subtask_id")
	exec, err := h.sandboxes.GetExecution(c.Request.Context(), id, subtaskID)
	if err != nil {
		h.respondError(c, err, "Execution lookup failed",
			zap.String("sandbox_id", id), zap.String("subtask_id", subtaskID))
		return
	}
	c.JSON(http.StatusOK, exec.ToAPI())
}
