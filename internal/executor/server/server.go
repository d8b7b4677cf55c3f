// Package server exposes the executor's in-container HTTP surface: a health
// probe for the manager's readiness poll, task execution, and cancellation.
package server

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	v1 "github.com/wegent/wegent/pkg/api/v1"

	"github.com/wegent/wegent/internal/common/config"
	"github.com/wegent/wegent/internal/common/logger"
	"github.com/wegent/wegent/internal/executor/callback"
	"github.com/wegent/wegent/internal/executor/engine"
	"github.com/wegent/wegent/internal/executor/processor"
	"github.com/wegent/wegent/internal/executor/sessions"
	"github.com/wegent/wegent/internal/executor/taskstate"
)

// inlineCancelWait caps how long the cancel handler blocks before handing
// the rest of the unwind to the background.
const inlineCancelWait = 2 * time.Second

// Server owns the execution pipeline: it accepts tasks, runs them through
// the processor on background goroutines, and coordinates cancellation.
type Server struct {
	engines   *engine.Registry
	states    *taskstate.Manager
	sessions  *sessions.Store
	proc      *processor.Processor
	callbacks *callback.Client
	cfg       config.ExecutorConfig
	logger    *logger.Logger

	active   *activeTasks
	wg       sync.WaitGroup
	bg       context.Context
	bgCancel context.CancelFunc
}

func New(
	engines *engine.Registry,
	states *taskstate.Manager,
	store *sessions.Store,
	proc *processor.Processor,
	callbacks *callback.Client,
	cfg config.ExecutorConfig,
	log *logger.Logger,
) *Server {
	bg, cancel := context.WithCancel(context.Background())
	return &Server{
		engines:   engines,
		states:    states,
		sessions:  store,
		proc:      proc,
		callbacks: callbacks,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "executor-server")),
		active:    newActiveTasks(),
		bg:        bg,
		bgCancel:  cancel,
	}
}

// RegisterRoutes mounts the executor API on the router.
func (s *Server) RegisterRoutes(router *gin.Engine) {
	health := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":       "ok",
			"service":      "wegent-executor",
			"active_tasks": s.states.ActiveCount(),
		})
	}
	router.GET("/", health)
	router.GET("/health", health)

	api := router.Group("/api")
	{
		api.POST("/tasks/execute", s.ExecuteTask)
		api.POST("/tasks/cancel", s.CancelTask)
	}
}

// ResolveActiveTask is the TaskResolver the MCP server uses: the most
// recently started execution still in flight.
func (s *Server) ResolveActiveTask() (*v1.TaskData, bool) {
	return s.active.latest()
}

// ExecuteTask accepts one task, refuses duplicates, and runs the stream
// pipeline on a background goroutine. The HTTP response only acknowledges
// acceptance; outcomes travel via callbacks.
func (s *Server) ExecuteTask(c *gin.Context) {
	var task v1.TaskData
	if err := c.ShouldBindJSON(&task); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task data: " + err.Error()})
		return
	}
	if task.TaskID <= 0 || task.Prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id and prompt are required"})
		return
	}

	eng, err := s.engines.Get(task.ShellType())
	if err != nil {
		s.logger.Warn("Rejecting task for unknown shell type",
			zap.Int64("task_id", task.TaskID),
			zap.String("shell_type", task.ShellType()))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !s.states.Begin(task.TaskID, task.SubtaskID) {
		c.JSON(http.StatusConflict, gin.H{"error": "task is already running"})
		return
	}

	key := taskstate.Key(task.TaskID, task.SubtaskID)
	s.active.add(key, &task)
	s.logger.Info("Accepted task",
		zap.Int64("task_id", task.TaskID),
		zap.String("subtask_id", task.SubtaskID),
		zap.String("engine", eng.Name()))

	s.wg.Add(1)
	go s.run(eng, &task, key)

	c.JSON(http.StatusOK, v1.ExecuteResponse{
		Status:    "accepted",
		TaskID:    task.TaskID,
		SubtaskID: task.SubtaskID,
	})
}

func (s *Server) run(eng engine.Engine, task *v1.TaskData, key string) {
	defer s.wg.Done()
	defer func() {
		s.active.remove(key)
		s.sessions.Close(key)
		s.states.Clear(task.TaskID, task.SubtaskID)
	}()

	outcome := s.proc.Run(s.bg, eng, task)
	s.states.Finish(task.TaskID, task.SubtaskID, outcome)
	s.logger.Info("Task finished",
		zap.Int64("task_id", task.TaskID),
		zap.String("subtask_id", task.SubtaskID),
		zap.String("outcome", string(outcome)))
}

// CancelTask applies the three cancellation layers: flip the task state so
// the stream loop stops at its next checkpoint, interrupt the engine best
// effort, then wait briefly for the unwind. The CANCELLED callback goes out
// in the background so this handler never blocks on delivery.
func (s *Server) CancelTask(c *gin.Context) {
	var req v1.CancelTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cancel request: " + err.Error()})
		return
	}

	var subtasks []string
	if req.SubtaskID != "" {
		if s.states.Cancel(req.TaskID, req.SubtaskID) {
			subtasks = []string{req.SubtaskID}
		}
	} else {
		subtasks = s.states.CancelTask(req.TaskID)
	}

	s.logger.Info("Cancel requested",
		zap.Int64("task_id", req.TaskID),
		zap.String("subtask_id", req.SubtaskID),
		zap.Int("active_matches", len(subtasks)))

	targets := make([]*v1.TaskData, 0, len(subtasks)+1)
	for _, sub := range subtasks {
		key := taskstate.Key(req.TaskID, sub)
		task, ok := s.active.byKey(key)
		if !ok {
			task = &v1.TaskData{TaskID: req.TaskID, SubtaskID: sub}
		}
		targets = append(targets, task)

		if eng, err := s.engines.Get(task.ShellType()); err == nil {
			if err := eng.Interrupt(key); err != nil {
				s.logger.Debug("Engine interrupt declined", zap.String("key", key), zap.Error(err))
			}
		}
	}
	if len(targets) == 0 {
		// Nothing live; still confirm the terminal state to the manager.
		targets = append(targets, &v1.TaskData{TaskID: req.TaskID, SubtaskID: req.SubtaskID})
	}

	s.waitForUnwind(c.Request.Context(), req.TaskID, subtasks)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		for _, task := range targets {
			if err := s.callbacks.Send(ctx, task.CallbackURL, callback.Cancelled(task)); err != nil {
				s.logger.Warn("Cancelled callback delivery failed",
					zap.Int64("task_id", task.TaskID),
					zap.Error(err))
			}
		}
	}()

	c.JSON(http.StatusOK, gin.H{"status": "ok", "task_id": strconv.FormatInt(req.TaskID, 10)})
}

// waitForUnwind polls for the execution goroutines to clear their state
// entries, bounded by the configured graceful wait clamped for the inline
// path.
func (s *Server) waitForUnwind(ctx context.Context, taskID int64, subtasks []string) {
	if len(subtasks) == 0 {
		return
	}
	wait := s.cfg.GracefulCancelWaitDuration()
	if wait > inlineCancelWait {
		wait = inlineCancelWait
	}
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		gone := true
		for _, sub := range subtasks {
			if s.states.Exists(taskID, sub) {
				gone = false
				break
			}
		}
		if gone {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Shutdown stops accepting work results: it cancels in-flight executions,
// waits for their goroutines, and closes every live session.
func (s *Server) Shutdown(ctx context.Context) {
	s.bgCancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Shutdown wait expired with executions still unwinding")
	}
	s.sessions.CloseAll()
}
