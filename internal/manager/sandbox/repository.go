package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wegent/wegent/internal/common/logger"
	v1 "github.com/wegent/wegent/pkg/api/v1"
)

// Redis layout. One hash per task session: the sandbox record under a
// reserved field, one field per subtask execution. The active set tracks
// live sandbox ids scored by last activity.
const (
	sessionKeyPrefix      = "wegent-sandbox-session:"
	activeSetKey          = "wegent-sandbox:active"
	sandboxField          = "__sandbox__"
	taskExecutorKeyPrefix = "task_executor:"

	taskExecutorTTL = 24 * time.Hour
)

func sessionKey(taskID int64) string {
	return sessionKeyPrefix + strconv.FormatInt(taskID, 10)
}

func taskExecutorKey(taskID int64) string {
	return taskExecutorKeyPrefix + strconv.FormatInt(taskID, 10)
}

// Repository persists sandboxes and executions in Redis. Every write
// refreshes the session TTL so active sessions never expire mid-task.
type Repository struct {
	client     *redis.Client
	sessionTTL time.Duration
	log        *logger.Logger
}

// NewRepository creates a Repository on an existing Redis client.
func NewRepository(client *redis.Client, sessionTTL time.Duration, log *logger.Logger) *Repository {
	return &Repository{
		client:     client,
		sessionTTL: sessionTTL,
		log:        log.WithFields(zap.String("component", "sandbox-repository")),
	}
}

// SaveSandbox writes the sandbox record and refreshes the session TTL.
// Non-terminated sandboxes are (re)scored in the active set; terminated
// ones are removed from it.
func (r *Repository) SaveSandbox(ctx context.Context, sb *Sandbox) error {
	payload, err := json.Marshal(sb)
	if err != nil {
		return fmt.Errorf("failed to marshal sandbox %s: %w", sb.SandboxID, err)
	}

	key := sessionKey(sb.TaskID())
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, sandboxField, payload)
		pipe.Expire(ctx, key, r.sessionTTL)
		if sb.Status == v1.SandboxStatusTerminated {
			pipe.ZRem(ctx, activeSetKey, sb.SandboxID)
		} else {
			pipe.ZAdd(ctx, activeSetKey, redis.Z{
				Score:  float64(sb.LastActivityAt.Unix()),
				Member: sb.SandboxID,
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save sandbox %s: %w", sb.SandboxID, err)
	}
	return nil
}

// GetSandbox loads the sandbox record for a task, or nil when no session
// exists.
func (r *Repository) GetSandbox(ctx context.Context, taskID int64) (*Sandbox, error) {
	raw, err := r.client.HGet(ctx, sessionKey(taskID), sandboxField).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load sandbox for task %d: %w", taskID, err)
	}

	var sb Sandbox
	if err := json.Unmarshal([]byte(raw), &sb); err != nil {
		return nil, fmt.Errorf("failed to decode sandbox for task %d: %w", taskID, err)
	}
	inferStatus(&sb)
	return &sb, nil
}

// inferStatus fills in a missing status on records written by older managers:
// a sandbox with a base URL was serving, one without never started.
func inferStatus(sb *Sandbox) {
	if sb.Status != "" {
		return
	}
	if sb.BaseURL == "" {
		sb.Status = v1.SandboxStatusPending
	} else {
		sb.Status = v1.SandboxStatusRunning
	}
}

// GetSandboxByE2BID scans sessions for a sandbox carrying the given
// alternate id in its metadata. Returns nil when none matches.
func (r *Repository) GetSandboxByE2BID(ctx context.Context, e2bID string) (*Sandbox, error) {
	if e2bID == "" {
		return nil, nil
	}

	iter := r.client.Scan(ctx, 0, sessionKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := r.client.HGet(ctx, iter.Val(), sandboxField).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("failed to read session %s: %w", iter.Val(), err)
		}

		var sb Sandbox
		if err := json.Unmarshal([]byte(raw), &sb); err != nil {
			r.log.Warn("Skipping undecodable sandbox record", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		if sb.E2BSandboxID() == e2bID {
			inferStatus(&sb)
			return &sb, nil
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	return nil, nil
}

// SaveExecution writes the execution under its subtask field and refreshes
// the session TTL.
func (r *Repository) SaveExecution(ctx context.Context, exec *Execution) error {
	subtaskID := exec.SubtaskID()
	if subtaskID == "" {
		return fmt.Errorf("execution %s has no subtask id", exec.ExecutionID)
	}

	payload, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution %s: %w", exec.ExecutionID, err)
	}

	key := sessionKey(exec.TaskID())
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, subtaskID, payload)
		pipe.Expire(ctx, key, r.sessionTTL)
		// Execution traffic counts as sandbox activity.
		pipe.ZAdd(ctx, activeSetKey, redis.Z{
			Score:  float64(time.Now().Unix()),
			Member: exec.SandboxID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save execution %s: %w", exec.ExecutionID, err)
	}
	return nil
}

// GetExecution loads one execution by (task, subtask), or nil when absent.
func (r *Repository) GetExecution(ctx context.Context, taskID int64, subtaskID string) (*Execution, error) {
	raw, err := r.client.HGet(ctx, sessionKey(taskID), subtaskID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load execution %d/%s: %w", taskID, subtaskID, err)
	}

	var exec Execution
	if err := json.Unmarshal([]byte(raw), &exec); err != nil {
		return nil, fmt.Errorf("failed to decode execution %d/%s: %w", taskID, subtaskID, err)
	}
	return &exec, nil
}

// ListExecutions loads all executions in a task session.
func (r *Repository) ListExecutions(ctx context.Context, taskID int64) ([]*Execution, error) {
	fields, err := r.client.HGetAll(ctx, sessionKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list executions for task %d: %w", taskID, err)
	}

	execs := make([]*Execution, 0, len(fields))
	for field, raw := range fields {
		if field == sandboxField {
			continue
		}
		var exec Execution
		if err := json.Unmarshal([]byte(raw), &exec); err != nil {
			r.log.Warn("Skipping undecodable execution record",
				zap.Int64("task_id", taskID),
				zap.String("subtask_id", field),
				zap.Error(err))
			continue
		}
		execs = append(execs, &exec)
	}
	return execs, nil
}

// DeleteSession removes the whole session hash and the active set entry.
func (r *Repository) DeleteSession(ctx context.Context, taskID int64) error {
	sandboxID := strconv.FormatInt(taskID, 10)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(taskID))
		pipe.ZRem(ctx, activeSetKey, sandboxID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete session for task %d: %w", taskID, err)
	}
	return nil
}

// RefreshSession extends the session TTL without touching its contents.
func (r *Repository) RefreshSession(ctx context.Context, taskID int64) error {
	if err := r.client.Expire(ctx, sessionKey(taskID), r.sessionTTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh session for task %d: %w", taskID, err)
	}
	return nil
}

// ActiveSandboxIDs returns every sandbox id in the active set.
func (r *Repository) ActiveSandboxIDs(ctx context.Context) ([]string, error) {
	ids, err := r.client.ZRange(ctx, activeSetKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read active sandbox set: %w", err)
	}
	return ids, nil
}

// ExpiredSandboxIDs returns active-set members whose last activity is at
// least maxAge in the past.
func (r *Repository) ExpiredSandboxIDs(ctx context.Context, maxAge time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	ids, err := r.client.ZRangeByScore(ctx, activeSetKey, &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query expired sandboxes: %w", err)
	}
	return ids, nil
}

// TouchActive rescores a sandbox in the active set at the given time.
func (r *Repository) TouchActive(ctx context.Context, sandboxID string, now time.Time) error {
	err := r.client.ZAdd(ctx, activeSetKey, redis.Z{
		Score:  float64(now.Unix()),
		Member: sandboxID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to touch active sandbox %s: %w", sandboxID, err)
	}
	return nil
}

// RemoveFromActive drops a sandbox from the active set, keeping its session.
func (r *Repository) RemoveFromActive(ctx context.Context, sandboxID string) error {
	if err := r.client.ZRem(ctx, activeSetKey, sandboxID).Err(); err != nil {
		return fmt.Errorf("failed to remove sandbox %s from active set: %w", sandboxID, err)
	}
	return nil
}

// SetTaskExecutor records which executor base URL serves a task.
func (r *Repository) SetTaskExecutor(ctx context.Context, taskID int64, baseURL string) error {
	if err := r.client.Set(ctx, taskExecutorKey(taskID), baseURL, taskExecutorTTL).Err(); err != nil {
		return fmt.Errorf("failed to set executor mapping for task %d: %w", taskID, err)
	}
	return nil
}

// GetTaskExecutor returns the executor base URL for a task, or empty.
func (r *Repository) GetTaskExecutor(ctx context.Context, taskID int64) (string, error) {
	url, err := r.client.Get(ctx, taskExecutorKey(taskID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get executor mapping for task %d: %w", taskID, err)
	}
	return url, nil
}

// DeleteTaskExecutor removes the executor mapping for a task.
func (r *Repository) DeleteTaskExecutor(ctx context.Context, taskID int64) error {
	if err := r.client.Del(ctx, taskExecutorKey(taskID)).Err(); err != nil {
		return fmt.Errorf("failed to delete executor mapping for task %d: %w", taskID, err)
	}
	return nil
}
