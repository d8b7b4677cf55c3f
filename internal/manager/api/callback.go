package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wegent/wegent/internal/common/logger"
	"github.com/wegent/wegent/internal/manager/backend"
	"github.com/wegent/wegent/internal/manager/heartbeat"
	"github.com/wegent/wegent/internal/observability"
	v1 "github.com/wegent/wegent/pkg/api/v1"
)

// Validation phases forwarded to the back-end.
const (
	validationPhaseRunning   = "running_checks"
	validationPhaseCompleted = "completed"
)

// HandleCallback ingests executor progress reports and routes them by task
// type. The response is 200 regardless of whether anything matched: the
// executor's retry loop must drain, and a report about state the manager
// no longer holds is not the executor's problem.
func (h *Handlers) HandleCallback(c *gin.Context) {
	var cb v1.CallbackRequest
	if err := c.ShouldBindJSON(&cb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if cb.TaskID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id is required"})
		return
	}
	observability.CallbacksReceived.WithLabelValues(callbackTypeLabel(cb.TaskType)).Inc()

	log := h.logger.WithFields(
		zap.Int64("task_id", cb.TaskID),
		zap.String("subtask_id", cb.SubtaskID),
		zap.String("task_type", cb.TaskType),
		zap.String("status", string(cb.Status)))
	log.Debug("Callback received",
		zap.Int("progress", cb.ProgressValue()),
		zap.String("executor_name", cb.ExecutorName))

	ctx := c.Request.Context()
	switch cb.TaskType {
	case v1.TaskTypeValidation:
		h.handleValidationCallback(ctx, &cb, log)
	case v1.TaskTypeSandbox:
		h.handleSandboxCallback(ctx, &cb, log)
	default:
		h.handleRegularCallback(ctx, &cb, log)
	}
	c.JSON(http.StatusOK, v1.CallbackResponse{Status: "ok"})
}

// handleValidationCallback maps validation progress onto the back-end's
// validation phases. Validation runs never touch task state.
func (h *Handlers) handleValidationCallback(ctx context.Context, cb *v1.CallbackRequest, log *logger.Logger) {
	update := v1.ValidationUpdate{TaskID: cb.TaskID}
	switch {
	case cb.Status == v1.ExecutionStatusRunning:
		update.Phase = validationPhaseRunning
	case cb.IsTerminal():
		update.Phase = validationPhaseCompleted
		// Valid only when the run completed and said so.
		if cb.Status == v1.ExecutionStatusCompleted {
			if valid, ok := cb.Result["valid"].(bool); ok {
				update.Valid = valid
			}
		}
		update.Detail = cb.ErrorMessage
	default:
		// Intermediate progress is not a phase change.
		return
	}

	if err := h.backend.ForwardValidation(ctx, update); err != nil {
		log.Warn("Validation forward failed", zap.Error(err))
	}
}

// handleSandboxCallback folds the report into the stored execution.
func (h *Handlers) handleSandboxCallback(ctx context.Context, cb *v1.CallbackRequest, log *logger.Logger) {
	found, err := h.sandboxes.ApplyExecutionCallback(ctx, cb)
	if err != nil {
		log.Error("Failed to apply execution callback", zap.Error(err))
		return
	}
	if !found {
		log.Warn("Callback for unknown execution")
	}
}

// handleRegularCallback forwards the report to the back-end task API and
// stops tracking the task once it is terminal.
func (h *Handlers) handleRegularCallback(ctx context.Context, cb *v1.CallbackRequest, log *logger.Logger) {
	if err := h.backend.UpdateTaskStatus(ctx, cb.TaskID, string(cb.Status), cb.ErrorMessage, cb.Result); err != nil {
		log.Warn("Task status forward failed", zap.Error(err))
	}

	if !backend.IsTerminalTaskStatus(string(cb.Status)) {
		return
	}
	if err := h.tracked.Remove(ctx, cb.TaskID); err != nil {
		log.Warn("Failed to remove finished task from tracker", zap.Error(err))
	}
	if err := h.hearts.Delete(ctx, heartbeat.KindTask, strconv.FormatInt(cb.TaskID, 10)); err != nil {
		log.Warn("Failed to delete task heartbeat", zap.Error(err))
	}
}

// callbackTypeLabel normalizes the metric label; an empty task type is a
// regular task.
func callbackTypeLabel(t string) string {
	if t == "" {
		return "regular"
	}
	return t
}
