// Package tasks launches, cancels, and retires executors for regular
// (non-sandbox) tasks. These are the one-shot executions the back-end
// dispatches in batches; persistent sandboxes live in
// internal/manager/sandbox.
package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/wegent/wegent/internal/common/config"
	"github.com/wegent/wegent/internal/common/logger"
	"github.com/wegent/wegent/internal/manager/dispatcher"
	"github.com/wegent/wegent/internal/manager/heartbeat"
	"github.com/wegent/wegent/internal/manager/runner"
	"github.com/wegent/wegent/internal/manager/sandbox"
	"github.com/wegent/wegent/internal/manager/tracker"
	v1 "github.com/wegent/wegent/pkg/api/v1"
)

var (
	ErrInvalidTaskData     = errors.New("task_id and prompt are required")
	ErrUnknownExecutorName = errors.New("executor name not recognized")
)

// SandboxControl is the slice of the sandbox manager this service needs:
// address resolution and execution bookkeeping shared across both task kinds.
type SandboxControl interface {
	ExecutorBaseURL(ctx context.Context, taskID int64) (string, error)
	CancelExecution(ctx context.Context, taskID int64, subtaskID string)
	ListExecutions(ctx context.Context, sandboxID string) ([]*sandbox.Execution, error)
	TerminateSandbox(ctx context.Context, sandboxID string) error
}

// Service orchestrates executor containers for regular tasks.
type Service struct {
	dispatch  dispatcher.ExecutorDispatcher
	tracked   *tracker.RunningTaskTracker
	hearts    *heartbeat.Store
	sandboxes SandboxControl
	runner    *runner.ExecutionRunner
	cfg       *config.Config
	log       *logger.Logger
	probes    *http.Client
	client    *http.Client
}

// NewService creates the regular-task orchestration service.
func NewService(
	dispatch dispatcher.ExecutorDispatcher,
	tracked *tracker.RunningTaskTracker,
	hearts *heartbeat.Store,
	sandboxes SandboxControl,
	run *runner.ExecutionRunner,
	cfg *config.Config,
	log *logger.Logger,
) *Service {
	return &Service{
		dispatch:  dispatch,
		tracked:   tracked,
		hearts:    hearts,
		sandboxes: sandboxes,
		runner:    run,
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "task-service")),
		probes:    &http.Client{Timeout: 2 * time.Second},
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Dispatch starts an executor container for a regular task and submits the
// payload to it. The call returns once the executor accepted the task;
// progress flows back through callbacks and the tracker sweep takes over
// liveness from here.
func (s *Service) Dispatch(ctx context.Context, task *v1.TaskData) error {
	if task.TaskID <= 0 || task.Prompt == "" {
		return ErrInvalidTaskData
	}
	log := s.log.WithFields(
		zap.Int64("task_id", task.TaskID),
		zap.String("subtask_id", task.SubtaskID))

	if task.CallbackURL == "" {
		task.CallbackURL = s.cfg.Callback.URL
	}
	timeout := time.Duration(task.Timeout) * time.Second
	if timeout <= 0 {
		timeout = s.cfg.Sandbox.ExecutionTimeoutDuration()
		task.Timeout = int(timeout.Seconds())
	}

	log.Info("Dispatching task executor", zap.String("shell_type", task.ShellType()))
	if _, err := s.dispatch.SubmitExecutor(ctx, dispatcher.ExecutorSpec{
		TaskID:    task.TaskID,
		ShellType: task.ShellType(),
		UserID:    task.UserID,
	}); err != nil {
		return fmt.Errorf("failed to start executor container: %w", err)
	}

	addr, err := dispatcher.AwaitReady(ctx, s.dispatch, s.probes, task.TaskID,
		s.cfg.Sandbox.ReadyTimeoutDuration(), s.cfg.Sandbox.ReadyPollIntervalDuration())
	if err != nil {
		s.discard(ctx, task.TaskID, log)
		return err
	}

	var submitErr error
	s.runner.Run(ctx, addr, *task, timeout, runner.Hooks{
		OnError: func(ctx context.Context, msg string) {
			submitErr = errors.New(msg)
		},
	})
	if submitErr != nil {
		s.discard(ctx, task.TaskID, log)
		return submitErr
	}

	if err := s.tracked.Track(ctx, tracker.TrackedTask{
		TaskID:    task.TaskID,
		SubtaskID: task.SubtaskID,
		UserID:    task.UserID,
	}); err != nil {
		log.Warn("Failed to track dispatched task", zap.Error(err))
	}
	// Seed the heartbeat so the sweep has a baseline before the executor's
	// first ping lands.
	if err := s.hearts.Beat(ctx, heartbeat.KindTask, strconv.FormatInt(task.TaskID, 10)); err != nil {
		log.Warn("Failed to seed task heartbeat", zap.Error(err))
	}

	log.Info("Task dispatched", zap.String("executor", addr))
	return nil
}

// Cancel forwards a cancel to the task's executor and cleans the manager's
// own records. Every step is best-effort: the executor may already be gone,
// and cancel must stay idempotent.
func (s *Service) Cancel(ctx context.Context, req *v1.CancelTaskRequest) error {
	log := s.log.WithFields(zap.Int64("task_id", req.TaskID))

	addr, err := s.sandboxes.ExecutorBaseURL(ctx, req.TaskID)
	if err != nil {
		log.Warn("Failed to resolve executor address", zap.Error(err))
	}
	if addr == "" {
		// Regular tasks have no stored mapping; ask the runtime directly.
		if a, aerr := s.dispatch.GetContainerAddress(ctx, req.TaskID); aerr == nil {
			addr = a
		}
	}
	if addr != "" {
		if err := s.forwardCancel(ctx, addr, req); err != nil {
			log.Warn("Cancel forward failed", zap.Error(err))
		}
	} else {
		log.Debug("No executor address on record, skipping forward")
	}

	s.cancelExecutions(ctx, req)

	if err := s.tracked.Remove(ctx, req.TaskID); err != nil {
		log.Warn("Failed to remove task from tracker", zap.Error(err))
	}
	if err := s.hearts.Delete(ctx, heartbeat.KindTask, strconv.FormatInt(req.TaskID, 10)); err != nil {
		log.Warn("Failed to delete task heartbeat", zap.Error(err))
	}
	log.Info("Task cancel processed")
	return nil
}

// cancelExecutions marks the task's sandbox executions CANCELLED. Without a
// subtask id every non-terminal execution of the task is cancelled.
func (s *Service) cancelExecutions(ctx context.Context, req *v1.CancelTaskRequest) {
	if req.SubtaskID != "" {
		s.sandboxes.CancelExecution(ctx, req.TaskID, req.SubtaskID)
		return
	}
	execs, err := s.sandboxes.ListExecutions(ctx, strconv.FormatInt(req.TaskID, 10))
	if err != nil {
		// No sandbox session; a plain regular task has nothing to mark.
		return
	}
	for _, exec := range execs {
		if !exec.Status.IsTerminal() {
			s.sandboxes.CancelExecution(ctx, req.TaskID, exec.SubtaskID())
		}
	}
}

func (s *Service) forwardCancel(ctx context.Context, baseURL string, req *v1.CancelTaskRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/tasks/cancel", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("executor returned %d", resp.StatusCode)
	}
	return nil
}

// RemoveExecutor tears down the named executor container and forgets the
// task everywhere it is tracked. Executors call this when they are done
// with themselves; the back-end calls it when it gives up on a task.
func (s *Service) RemoveExecutor(ctx context.Context, executorName string) error {
	taskID, ok := dispatcher.ParseContainerName(executorName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExecutorName, executorName)
	}
	id := strconv.FormatInt(taskID, 10)
	log := s.log.WithFields(zap.Int64("task_id", taskID))

	// A sandbox row means the full retirement path applies; missing rows
	// make this a no-op.
	if err := s.sandboxes.TerminateSandbox(ctx, id); err != nil {
		log.Warn("Sandbox termination failed during executor delete", zap.Error(err))
	}
	if err := s.dispatch.DeleteExecutor(ctx, taskID); err != nil {
		return fmt.Errorf("failed to delete executor container: %w", err)
	}
	if err := s.tracked.Remove(ctx, taskID); err != nil {
		log.Warn("Failed to remove task from tracker", zap.Error(err))
	}
	if err := s.hearts.Delete(ctx, heartbeat.KindTask, id); err != nil {
		log.Warn("Failed to delete task heartbeat", zap.Error(err))
	}
	if err := s.hearts.Delete(ctx, heartbeat.KindSandbox, id); err != nil {
		log.Warn("Failed to delete sandbox heartbeat", zap.Error(err))
	}

	log.Info("Executor removed", zap.String("executor_name", executorName))
	return nil
}

// discard tears down a container whose task never started.
func (s *Service) discard(ctx context.Context, taskID int64, log *logger.Logger) {
	if err := s.dispatch.DeleteExecutor(ctx, taskID); err != nil {
		log.Warn("Failed to delete unused executor container", zap.Error(err))
	}
}
