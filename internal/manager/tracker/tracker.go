// Package tracker watches running task containers and decides, when a
// heartbeat goes silent, whether the task crashed or finished cleanly.
package tracker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wegent/wegent/internal/common/config"
	"github.com/wegent/wegent/internal/common/logger"
	"github.com/wegent/wegent/internal/manager/backend"
	"github.com/wegent/wegent/internal/manager/coordination"
	"github.com/wegent/wegent/internal/manager/dispatcher"
	"github.com/wegent/wegent/internal/manager/heartbeat"
	"github.com/wegent/wegent/internal/observability"
)

const (
	runningTasksKey = "running_tasks:heartbeat"
	metaKeyPrefix   = "running_task:meta:"

	heartbeatCheckLock    = "task_heartbeat_check"
	heartbeatCheckLockTTL = 30 * time.Second

	// SIGKILL exit code; the kernel OOM killer and manual kills both
	// produce it.
	exitCodeSIGKILL = 137
)

func metaKey(taskID int64) string {
	return metaKeyPrefix + strconv.FormatInt(taskID, 10)
}

// TrackedTask is one running task under liveness watch.
type TrackedTask struct {
	TaskID        int64
	SubtaskID     string
	ContainerName string
	UserID        string
	StartedAt     time.Time
}

// RunningTaskTracker keeps the running-task registry in Redis and sweeps
// it for missing heartbeats.
type RunningTaskTracker struct {
	client     *redis.Client
	heartbeats *heartbeat.Store
	dispatch   dispatcher.ExecutorDispatcher
	backend    *backend.Client
	locks      *coordination.LockManager
	cfg        *config.Config
	log        *logger.Logger
}

// NewRunningTaskTracker wires the tracker over shared infrastructure.
func NewRunningTaskTracker(
	client *redis.Client,
	heartbeats *heartbeat.Store,
	dispatch dispatcher.ExecutorDispatcher,
	backendClient *backend.Client,
	locks *coordination.LockManager,
	cfg *config.Config,
	log *logger.Logger,
) *RunningTaskTracker {
	return &RunningTaskTracker{
		client:     client,
		heartbeats: heartbeats,
		dispatch:   dispatch,
		backend:    backendClient,
		locks:      locks,
		cfg:        cfg,
		log:        log.WithFields(zap.String("component", "running-task-tracker")),
	}
}

// Track registers a task for liveness sweeps.
func (t *RunningTaskTracker) Track(ctx context.Context, task TrackedTask) error {
	startedAt := task.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	containerName := task.ContainerName
	if containerName == "" {
		containerName = dispatcher.ContainerName(task.TaskID)
	}

	id := strconv.FormatInt(task.TaskID, 10)
	_, err := t.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, runningTasksKey, redis.Z{
			Score:  float64(startedAt.Unix()),
			Member: id,
		})
		pipe.HSet(ctx, metaKey(task.TaskID), map[string]interface{}{
			"task_id":        id,
			"subtask_id":     task.SubtaskID,
			"container_name": containerName,
			"user_id":        task.UserID,
			"started_at":     startedAt.UTC().Format(time.RFC3339),
		})
		pipe.Expire(ctx, metaKey(task.TaskID), t.cfg.Tracker.MetaTTLDuration())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to track task %d: %w", task.TaskID, err)
	}

	t.log.Info("Tracking running task",
		zap.Int64("task_id", task.TaskID),
		zap.String("container", containerName))
	return nil
}

// Remove drops a task from the registry.
func (t *RunningTaskTracker) Remove(ctx context.Context, taskID int64) error {
	id := strconv.FormatInt(taskID, 10)
	_, err := t.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, runningTasksKey, id)
		pipe.Del(ctx, metaKey(taskID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove tracked task %d: %w", taskID, err)
	}
	return nil
}

// IsTracked reports whether a task is currently in the registry.
func (t *RunningTaskTracker) IsTracked(ctx context.Context, taskID int64) (bool, error) {
	err := t.client.ZScore(ctx, runningTasksKey, strconv.FormatInt(taskID, 10)).Err()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// StaleTasks returns tracked task ids whose registry score is older than
// the grace window.
func (t *RunningTaskTracker) StaleTasks(ctx context.Context, grace time.Duration) ([]int64, error) {
	cutoff := time.Now().Add(-grace).Unix()
	// Exclusive bound: a task exactly grace old is not yet stale.
	members, err := t.client.ZRangeByScore(ctx, runningTasksKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list stale tasks: %w", err)
	}

	ids := make([]int64, 0, len(members))
	for _, member := range members {
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			t.log.Warn("Dropping unparseable tracker member", zap.String("member", member))
			_ = t.client.ZRem(ctx, runningTasksKey, member).Err()
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// CheckHeartbeats sweeps stale tasks under the shared check lock so only
// one manager replica runs forensics at a time.
func (t *RunningTaskTracker) CheckHeartbeats(ctx context.Context) error {
	held, err := t.locks.WithLock(ctx, heartbeatCheckLock, heartbeatCheckLockTTL, func(ctx context.Context) error {
		start := time.Now()
		defer func() {
			observability.SweepDuration.WithLabelValues("task_heartbeat").Observe(time.Since(start).Seconds())
		}()

		stale, err := t.StaleTasks(ctx, t.cfg.Heartbeat.GracePeriodDuration())
		if err != nil {
			return err
		}

		for _, taskID := range stale {
			alive, err := t.heartbeats.Alive(ctx, heartbeat.KindTask, strconv.FormatInt(taskID, 10))
			if err != nil {
				t.log.Warn("Heartbeat check failed", zap.Int64("task_id", taskID), zap.Error(err))
				continue
			}
			if alive {
				observability.HeartbeatSweeps.WithLabelValues("task", "alive").Inc()
				continue
			}
			t.handleTaskDead(ctx, taskID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !held {
		t.log.Debug("Task heartbeat check already running elsewhere")
	}
	return nil
}

// handleTaskDead decides what a silent heartbeat means by inspecting the
// task's container.
func (t *RunningTaskTracker) handleTaskDead(ctx context.Context, taskID int64) {
	meta, err := t.client.HGetAll(ctx, metaKey(taskID)).Result()
	if err != nil {
		t.log.Warn("Failed to load task meta, skipping forensics",
			zap.Int64("task_id", taskID), zap.Error(err))
		return
	}
	containerName := meta["container_name"]
	if containerName == "" {
		containerName = dispatcher.ContainerName(taskID)
	}

	log := t.log.WithFields(zap.Int64("task_id", taskID), zap.String("container", containerName))

	status, err := t.dispatch.GetContainerStatus(ctx, containerName)
	if err != nil {
		// Transient daemon failure; try again next sweep.
		log.Warn("Container inspect failed, keeping task tracked", zap.Error(err))
		return
	}

	switch {
	case status.Exists && status.Running:
		// Container lives; the heartbeat likely got lost in transit.
		log.Info("Heartbeat silent but container still running, not marking failed")
		observability.HeartbeatSweeps.WithLabelValues("task", "running_container").Inc()
		return

	case !status.Exists:
		if taskStatus, err := t.backend.GetTaskStatus(ctx, taskID); err == nil && backend.IsTerminalTaskStatus(taskStatus) {
			log.Info("Container gone but task already terminal, cleaning up",
				zap.String("task_status", taskStatus))
			t.cleanup(ctx, taskID)
			observability.HeartbeatSweeps.WithLabelValues("task", "benign").Inc()
			return
		}
		t.failTask(ctx, taskID, "Task container removed unexpectedly")

	case status.OOMKilled:
		t.failTask(ctx, taskID, "Task killed: Out Of Memory (container OOMKilled)")
		t.maybeRemoveZombie(ctx, taskID, log)

	case status.ExitCode == exitCodeSIGKILL:
		t.failTask(ctx, taskID, "Task killed by SIGKILL (possibly OOM or manual kill)")
		t.maybeRemoveZombie(ctx, taskID, log)

	case status.ExitCode == 0:
		// Clean exit; a completion callback may still be in flight.
		// Do not overwrite whatever status the back-end receives.
		log.Info("Container exited cleanly, cleaning up tracker only")
		t.cleanup(ctx, taskID)
		observability.HeartbeatSweeps.WithLabelValues("task", "benign").Inc()
		t.maybeRemoveZombie(ctx, taskID, log)

	default:
		t.failTask(ctx, taskID, fmt.Sprintf("Task container exited with code %d", status.ExitCode))
		t.maybeRemoveZombie(ctx, taskID, log)
	}
}

// failTask reports FAILED to the back-end and clears all liveness state.
func (t *RunningTaskTracker) failTask(ctx context.Context, taskID int64, msg string) {
	t.log.Warn("Marking task failed",
		zap.Int64("task_id", taskID),
		zap.String("reason", msg))

	if err := t.backend.UpdateTaskStatus(ctx, taskID, backend.TaskStatusFailed, msg, nil); err != nil {
		t.log.Error("Failed to report task failure to back-end",
			zap.Int64("task_id", taskID), zap.Error(err))
	}
	t.cleanup(ctx, taskID)
	observability.HeartbeatSweeps.WithLabelValues("task", "dead").Inc()
}

// cleanup deletes the heartbeat key and the tracker entry.
func (t *RunningTaskTracker) cleanup(ctx context.Context, taskID int64) {
	id := strconv.FormatInt(taskID, 10)
	if err := t.heartbeats.Delete(ctx, heartbeat.KindTask, id); err != nil {
		t.log.Warn("Failed to delete task heartbeat", zap.Int64("task_id", taskID), zap.Error(err))
	}
	if err := t.Remove(ctx, taskID); err != nil {
		t.log.Warn("Failed to remove tracked task", zap.Int64("task_id", taskID), zap.Error(err))
	}
}

// maybeRemoveZombie removes the stopped container when configured to.
// The default keeps it around for post-mortem debugging.
func (t *RunningTaskTracker) maybeRemoveZombie(ctx context.Context, taskID int64, log *logger.Logger) {
	if !t.cfg.Docker.DeleteZombieContainers {
		return
	}
	if err := t.dispatch.DeleteExecutor(ctx, taskID); err != nil {
		log.Warn("Failed to remove zombie container", zap.Error(err))
	} else {
		log.Info("Removed zombie container")
	}
}
