package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/wegent/wegent/internal/common/config"
	"github.com/wegent/wegent/internal/common/logger"
	"github.com/wegent/wegent/internal/events"
	"github.com/wegent/wegent/internal/events/bus"
	"github.com/wegent/wegent/internal/manager/coordination"
	"github.com/wegent/wegent/internal/manager/dispatcher"
	"github.com/wegent/wegent/internal/manager/heartbeat"
	"github.com/wegent/wegent/internal/manager/runner"
	"github.com/wegent/wegent/internal/observability"
	v1 "github.com/wegent/wegent/pkg/api/v1"
)

const (
	// Both heartbeat sweeps share one lock name so a single replica does
	// the scanning for sandboxes and regular tasks alike.
	sweepLockName = "task_heartbeat_check"
	sweepLockTTL  = 30 * time.Second

	gcLockName = "sandbox_gc"
	gcLockTTL  = 300 * time.Second

	// probeTimeout bounds the inline GET / health checks.
	probeTimeout = 2 * time.Second

	// submitHTTPCap bounds a single execute POST regardless of the
	// execution timeout.
	submitHTTPCap = 5 * time.Minute

	crashedMessage = "SubAgent crashed"
)

// Errors the API layer maps onto HTTP status codes.
var (
	ErrSandboxNotFound   = errors.New("sandbox not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrSandboxNotActive  = errors.New("sandbox is not active")
	ErrMissingSubtaskID  = errors.New("metadata.subtask_id is required")
)

// Manager orchestrates sandbox and execution lifecycles. All state lives
// in Redis; replicas coordinate through the repository and the sweep locks.
type Manager struct {
	repo     *Repository
	dispatch dispatcher.ExecutorDispatcher
	hearts   *heartbeat.Store
	locks    *coordination.LockManager
	events   bus.EventBus
	runner   *runner.ExecutionRunner
	cfg      *config.Config
	log      *logger.Logger

	probes    *http.Client
	createSem *semaphore.Weighted

	// bg outlives individual requests; execution submits run on it.
	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wires a sandbox manager from its collaborators.
func NewManager(
	repo *Repository,
	dispatch dispatcher.ExecutorDispatcher,
	hearts *heartbeat.Store,
	locks *coordination.LockManager,
	eventBus bus.EventBus,
	cfg *config.Config,
	log *logger.Logger,
) *Manager {
	maxConcurrent := int64(cfg.Sandbox.MaxConcurrent)
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	bg, cancel := context.WithCancel(context.Background())
	return &Manager{
		repo:      repo,
		dispatch:  dispatch,
		hearts:    hearts,
		locks:     locks,
		events:    eventBus,
		runner:    runner.NewExecutionRunner(submitHTTPCap, log),
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "sandbox-manager")),
		probes:    &http.Client{Timeout: probeTimeout},
		createSem: semaphore.NewWeighted(maxConcurrent),
		bg:        bg,
		cancel:    cancel,
	}
}

// Close stops background execution submits and waits for them to drain.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// CreateSandbox returns a running sandbox for the task, reusing a healthy
// existing one when possible. The call blocks until the container answers
// health checks or provisioning fails.
func (m *Manager) CreateSandbox(ctx context.Context, req *v1.CreateSandboxRequest) (*Sandbox, error) {
	if req.TaskID <= 0 {
		return nil, errors.New("task_id is required")
	}
	timeout := time.Duration(req.Timeout) * time.Second
	if timeout <= 0 {
		timeout = m.cfg.Sandbox.DefaultTimeoutDuration()
	}

	log := m.log.WithFields(zap.Int64("task_id", req.TaskID))

	existing, err := m.repo.GetSandbox(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.IsActive() {
		if m.probeHealthy(ctx, existing.BaseURL) {
			now := time.Now().UTC()
			existing.ExtendExpiry(now, timeout)
			existing.Touch(now)
			if err := m.repo.SaveSandbox(ctx, existing); err != nil {
				return nil, err
			}
			observability.SandboxesReused.Inc()
			m.publish(bus.EventSandboxReused, events.SandboxPayload(existing.SandboxID, existing.ShellType, string(existing.Status)))
			log.Info("Reusing healthy sandbox", zap.String("base_url", existing.BaseURL))
			return existing, nil
		}
		log.Warn("Existing sandbox failed health probe, recreating",
			zap.String("status", string(existing.Status)),
			zap.String("base_url", existing.BaseURL))
		m.cleanupDeadSandbox(ctx, existing)
	}

	metadata := cloneMetadata(req.Metadata)
	if req.WorkspaceRef != "" {
		metadata[MetaWorkspaceRef] = req.WorkspaceRef
	}
	if len(req.BotConfig) > 0 {
		metadata[MetaBotConfig] = req.BotConfig
	}

	sb := NewSandbox(req.TaskID, req.ShellType, req.UserID, req.UserName, metadata)
	sb.ContainerName = dispatcher.ContainerName(req.TaskID)
	sb.ExtendExpiry(sb.CreatedAt, timeout)
	if err := m.repo.SaveSandbox(ctx, sb); err != nil {
		return nil, err
	}

	if err := m.provision(ctx, sb); err != nil {
		return nil, err
	}
	return sb, nil
}

// provision starts the executor container and waits for it to serve.
// Concurrent creates are bounded by the semaphore.
func (m *Manager) provision(ctx context.Context, sb *Sandbox) error {
	if err := m.createSem.Acquire(ctx, 1); err != nil {
		return m.failProvision(ctx, sb, fmt.Sprintf("sandbox creation aborted: %v", err))
	}
	defer m.createSem.Release(1)

	taskID := sb.TaskID()
	log := m.log.WithFields(zap.Int64("task_id", taskID), zap.String("shell_type", sb.ShellType))
	log.Info("Provisioning executor container")

	env := make(map[string]string)
	if ref := metaString(sb.Metadata, MetaWorkspaceRef); ref != "" {
		env["WORKSPACE_REF"] = ref
	}

	if _, err := m.dispatch.SubmitExecutor(ctx, dispatcher.ExecutorSpec{
		TaskID:    taskID,
		ShellType: sb.ShellType,
		UserID:    sb.UserID,
		Env:       env,
	}); err != nil {
		return m.failProvision(ctx, sb, fmt.Sprintf("failed to start executor container: %v", err))
	}

	baseURL, err := m.waitForReady(ctx, taskID)
	if err != nil {
		return m.failProvision(ctx, sb, err.Error())
	}

	now := time.Now().UTC()
	sb.MarkRunning(baseURL, now)
	if err := m.repo.SaveSandbox(ctx, sb); err != nil {
		return err
	}

	// Seed the heartbeat so the sweep has a baseline before the executor's
	// first ping lands.
	if err := m.hearts.Beat(ctx, heartbeat.KindSandbox, sb.SandboxID); err != nil {
		log.Warn("Failed to seed sandbox heartbeat", zap.Error(err))
	}
	if err := m.repo.SetTaskExecutor(ctx, taskID, baseURL); err != nil {
		log.Warn("Failed to record executor mapping", zap.Error(err))
	}

	observability.SandboxesCreated.WithLabelValues(sb.ShellType).Inc()
	m.publish(bus.EventSandboxCreated, events.SandboxPayload(sb.SandboxID, sb.ShellType, string(sb.Status)))
	log.Info("Sandbox running", zap.String("base_url", baseURL))
	return nil
}

// failProvision persists the FAILED row so clients can observe the reason.
func (m *Manager) failProvision(ctx context.Context, sb *Sandbox, msg string) error {
	if sb.MarkFailed(msg, time.Now().UTC()) {
		if err := m.repo.SaveSandbox(ctx, sb); err != nil {
			m.log.Error("Failed to persist failed sandbox",
				zap.String("sandbox_id", sb.SandboxID), zap.Error(err))
		}
	}
	observability.SandboxesFailed.WithLabelValues("start_error").Inc()
	m.publish(bus.EventSandboxFailed, events.SandboxFailurePayload(sb.SandboxID, sb.ShellType, string(sb.Status), msg))
	return errors.New(msg)
}

// waitForReady polls for the container address and verifies the executor
// answers its health endpoint.
func (m *Manager) waitForReady(ctx context.Context, taskID int64) (string, error) {
	return dispatcher.AwaitReady(ctx, m.dispatch, m.probes, taskID,
		m.cfg.Sandbox.ReadyTimeoutDuration(), m.cfg.Sandbox.ReadyPollIntervalDuration())
}

// probeHealthy performs the inline GET / health check.
func (m *Manager) probeHealthy(ctx context.Context, baseURL string) bool {
	return dispatcher.ProbeHealthy(ctx, m.probes, baseURL)
}

// cleanupDeadSandbox tears down the remnants of a sandbox that failed its
// reuse probe so a fresh create can take its place.
func (m *Manager) cleanupDeadSandbox(ctx context.Context, sb *Sandbox) {
	taskID := sb.TaskID()
	if err := m.dispatch.DeleteExecutor(ctx, taskID); err != nil {
		m.log.Warn("Failed to delete dead executor container", zap.Int64("task_id", taskID), zap.Error(err))
	}
	if err := m.repo.DeleteSession(ctx, taskID); err != nil {
		m.log.Warn("Failed to delete dead sandbox session", zap.Int64("task_id", taskID), zap.Error(err))
	}
	if err := m.hearts.Delete(ctx, heartbeat.KindSandbox, sb.SandboxID); err != nil {
		m.log.Warn("Failed to delete stale heartbeat", zap.Int64("task_id", taskID), zap.Error(err))
	}
}

// GetSandbox resolves a sandbox by numeric task id or opaque e2b id.
// Returns nil when no sandbox matches.
func (m *Manager) GetSandbox(ctx context.Context, sandboxID string) (*Sandbox, error) {
	return m.loadByEitherID(ctx, sandboxID)
}

// ExecutorBaseURL resolves where a task's executor listens: the executor
// mapping first, then the sandbox row. Empty when neither knows.
func (m *Manager) ExecutorBaseURL(ctx context.Context, taskID int64) (string, error) {
	url, err := m.repo.GetTaskExecutor(ctx, taskID)
	if err != nil || url != "" {
		return url, err
	}
	sb, err := m.repo.GetSandbox(ctx, taskID)
	if err != nil || sb == nil {
		return "", err
	}
	return sb.BaseURL, nil
}

func (m *Manager) loadByEitherID(ctx context.Context, sandboxID string) (*Sandbox, error) {
	if taskID, err := strconv.ParseInt(sandboxID, 10, 64); err == nil {
		sb, err := m.repo.GetSandbox(ctx, taskID)
		if err != nil || sb != nil {
			return sb, err
		}
		// A numeric id can still be an e2b alias; fall through to the scan.
	}
	return m.repo.GetSandboxByE2BID(ctx, sandboxID)
}

func (m *Manager) requireSandbox(ctx context.Context, sandboxID string) (*Sandbox, error) {
	sb, err := m.loadByEitherID(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if sb == nil {
		return nil, fmt.Errorf("%w: %s", ErrSandboxNotFound, sandboxID)
	}
	return sb, nil
}

// TerminateSandbox stops the executor and retires the sandbox. A missing
// or already terminating sandbox is a no-op.
func (m *Manager) TerminateSandbox(ctx context.Context, sandboxID string) error {
	sb, err := m.loadByEitherID(ctx, sandboxID)
	if err != nil {
		return err
	}
	if sb == nil {
		return nil
	}
	return m.terminate(ctx, sb, "request")
}

func (m *Manager) terminate(ctx context.Context, sb *Sandbox, cause string) error {
	if sb.Status == v1.SandboxStatusTerminated || sb.Status == v1.SandboxStatusTerminating {
		return nil
	}

	taskID := sb.TaskID()
	log := m.log.WithFields(zap.Int64("task_id", taskID), zap.String("cause", cause))

	sb.Status = v1.SandboxStatusTerminating
	sb.Touch(time.Now().UTC())
	if err := m.repo.SaveSandbox(ctx, sb); err != nil {
		return err
	}

	if err := m.dispatch.DeleteExecutor(ctx, taskID); err != nil {
		log.Warn("Failed to delete executor container", zap.Error(err))
	}

	if err := m.repo.DeleteSession(ctx, taskID); err != nil {
		return err
	}

	// Leave a terminal row readable until the session TTL runs out. The
	// save drops the sandbox from the active set.
	sb.Status = v1.SandboxStatusTerminated
	sb.BaseURL = ""
	sb.Touch(time.Now().UTC())
	if err := m.repo.SaveSandbox(ctx, sb); err != nil {
		log.Warn("Failed to persist terminated sandbox", zap.Error(err))
	}

	for _, kind := range []heartbeat.Kind{heartbeat.KindSandbox, heartbeat.KindTask} {
		if err := m.hearts.Delete(ctx, kind, sb.SandboxID); err != nil {
			log.Warn("Failed to delete heartbeat key", zap.String("kind", string(kind)), zap.Error(err))
		}
	}
	if err := m.repo.DeleteTaskExecutor(ctx, taskID); err != nil {
		log.Warn("Failed to delete executor mapping", zap.Error(err))
	}

	observability.SandboxesTerminated.WithLabelValues(cause).Inc()
	m.publish(bus.EventSandboxTerminated, events.SandboxPayload(sb.SandboxID, sb.ShellType, string(sb.Status)))
	log.Info("Sandbox terminated")
	return nil
}

// PauseSandbox freezes a RUNNING sandbox's container.
func (m *Manager) PauseSandbox(ctx context.Context, sandboxID string) (*Sandbox, error) {
	sb, err := m.requireSandbox(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if sb.Status != v1.SandboxStatusRunning {
		return nil, fmt.Errorf("sandbox %s is %s, only RUNNING sandboxes can be paused: %w", sb.SandboxID, sb.Status, ErrSandboxNotActive)
	}

	if err := m.dispatch.PauseExecutor(ctx, sb.TaskID()); err != nil {
		return nil, fmt.Errorf("failed to pause executor: %w", err)
	}

	sb.MarkPaused(time.Now().UTC())
	if err := m.repo.SaveSandbox(ctx, sb); err != nil {
		return nil, err
	}
	m.publish(bus.EventSandboxPaused, events.SandboxPayload(sb.SandboxID, sb.ShellType, string(sb.Status)))
	m.log.Info("Sandbox paused", zap.String("sandbox_id", sb.SandboxID))
	return sb, nil
}

// ResumeSandbox unfreezes a paused sandbox and restores RUNNING.
func (m *Manager) ResumeSandbox(ctx context.Context, sandboxID string) (*Sandbox, error) {
	sb, err := m.requireSandbox(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if !sb.IsPaused() {
		return nil, fmt.Errorf("sandbox %s is not paused: %w", sb.SandboxID, ErrSandboxNotActive)
	}

	taskID := sb.TaskID()
	if err := m.dispatch.ResumeExecutor(ctx, taskID); err != nil {
		return nil, fmt.Errorf("failed to resume executor: %w", err)
	}

	// The container kept its port mapping across the freeze.
	baseURL, err := m.dispatch.GetContainerAddress(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("executor resumed but is not addressable: %w", err)
	}

	sb.ClearPaused()
	sb.MarkRunning(baseURL, time.Now().UTC())
	if err := m.repo.SaveSandbox(ctx, sb); err != nil {
		return nil, err
	}
	m.publish(bus.EventSandboxResumed, events.SandboxPayload(sb.SandboxID, sb.ShellType, string(sb.Status)))
	m.log.Info("Sandbox resumed", zap.String("sandbox_id", sb.SandboxID))
	return sb, nil
}

// KeepAlive extends a sandbox's expiry by the requested duration.
func (m *Manager) KeepAlive(ctx context.Context, sandboxID string, additional time.Duration) (*Sandbox, error) {
	sb, err := m.requireSandbox(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if !sb.IsActive() {
		return nil, fmt.Errorf("sandbox %s is %s: %w", sb.SandboxID, sb.Status, ErrSandboxNotActive)
	}
	if additional <= 0 {
		additional = m.cfg.Sandbox.DefaultTimeoutDuration()
	}

	now := time.Now().UTC()
	sb.ExtendExpiry(now, additional)
	sb.Touch(now)
	if err := m.repo.SaveSandbox(ctx, sb); err != nil {
		return nil, err
	}
	return sb, nil
}

// CreateExecution records an execution and submits it to the sandbox's
// executor in the background. The PENDING record returns immediately;
// progress and the terminal state arrive through callbacks.
func (m *Manager) CreateExecution(ctx context.Context, sandboxID string, req *v1.CreateExecutionRequest) (*Execution, error) {
	sb, err := m.requireSandbox(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if !sb.IsActive() {
		return nil, fmt.Errorf("sandbox %s is %s: %w", sb.SandboxID, sb.Status, ErrSandboxNotActive)
	}
	if !sb.IsPaused() && !m.probeHealthy(ctx, sb.BaseURL) {
		m.failUnhealthy(ctx, sb)
		return nil, fmt.Errorf("sandbox %s failed its health check", sb.SandboxID)
	}

	subtaskID := req.SubtaskID
	if subtaskID == "" {
		subtaskID = SubtaskIDFrom(req.Metadata)
	}
	if subtaskID == "" {
		return nil, ErrMissingSubtaskID
	}

	taskID := sb.TaskID()
	if existing, err := m.repo.GetExecution(ctx, taskID, subtaskID); err != nil {
		return nil, err
	} else if existing != nil {
		// One execution per (task, subtask); repeated submits get the record.
		return existing, nil
	}

	execTimeout := time.Duration(req.Timeout) * time.Second
	if execTimeout <= 0 {
		execTimeout = m.cfg.Sandbox.ExecutionTimeoutDuration()
	}

	executionID := req.ExecutionID
	if executionID == "" {
		executionID = newExecutionID()
	}

	metadata := cloneMetadata(req.Metadata)
	metadata[MetaTimeout] = int(execTimeout.Seconds())

	exec := NewExecution(executionID, sb.SandboxID, req.Prompt, subtaskID, taskID, metadata)
	if err := m.repo.SaveExecution(ctx, exec); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sb.Touch(now)
	if err := m.repo.SaveSandbox(ctx, sb); err != nil {
		m.log.Warn("Failed to touch sandbox on execution create",
			zap.String("sandbox_id", sb.SandboxID), zap.Error(err))
	}

	observability.ExecutionsStarted.Inc()
	m.publish(bus.EventExecutionStarted, events.ExecutionPayload(taskID, subtaskID, executionID, string(exec.Status)))

	// The goroutine gets its own copy so the caller can keep reading the
	// snapshot it was returned.
	submitted := *exec
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runExecution(m.bg, sb, &submitted, execTimeout)
	}()

	return exec, nil
}

// failUnhealthy marks a sandbox FAILED after a missed inline health check.
func (m *Manager) failUnhealthy(ctx context.Context, sb *Sandbox) {
	if !sb.MarkFailed("Executor container is not responding", time.Now().UTC()) {
		return
	}
	if err := m.repo.SaveSandbox(ctx, sb); err != nil {
		m.log.Warn("Failed to persist unhealthy sandbox",
			zap.String("sandbox_id", sb.SandboxID), zap.Error(err))
	}
	observability.SandboxesFailed.WithLabelValues("health_check").Inc()
	m.publish(bus.EventSandboxFailed, events.SandboxFailurePayload(sb.SandboxID, sb.ShellType, string(sb.Status), sb.ErrorMessage))
}

// runExecution drives one submit through the runner's hooks.
func (m *Manager) runExecution(ctx context.Context, sb *Sandbox, exec *Execution, timeout time.Duration) {
	task := runner.BuildTaskData(runner.TaskParams{
		TaskID:      exec.TaskID(),
		SubtaskID:   exec.SubtaskID(),
		ExecutionID: exec.ExecutionID,
		TaskTitle:   metaString(exec.Metadata, MetaTaskTitle),
		Prompt:      exec.Prompt,
		ShellType:   sb.ShellType,
		UserID:      sb.UserID,
		UserName:    sb.UserName,
		CallbackURL: m.cfg.Callback.URL,
		Metadata:    exec.Metadata,
		BotConfig:   botConfigFromMeta(sb.Metadata),
		Timeout:     timeout,
	})

	hooks := runner.Hooks{
		OnRunning: func(ctx context.Context) {
			if !exec.MarkRunning(time.Now().UTC()) {
				return
			}
			if err := m.repo.SaveExecution(ctx, exec); err != nil {
				m.log.Warn("Failed to persist running execution",
					zap.String("execution_id", exec.ExecutionID), zap.Error(err))
			}
		},
		OnComplete: func(ctx context.Context) {
			// Accepted by the executor; the terminal state arrives later
			// through the callback endpoint.
			sb.Touch(time.Now().UTC())
			if err := m.repo.SaveSandbox(ctx, sb); err != nil {
				m.log.Warn("Failed to touch sandbox after accept",
					zap.String("sandbox_id", sb.SandboxID), zap.Error(err))
			}
		},
		OnError: func(ctx context.Context, msg string) {
			m.FailExecution(ctx, exec.TaskID(), exec.SubtaskID(), msg)
		},
	}

	m.runner.Run(ctx, sb.BaseURL, task, timeout, hooks)
}

// FailExecution marks an execution FAILED unless a callback already
// finished it. Used by the submit error path and the cancel orchestration.
func (m *Manager) FailExecution(ctx context.Context, taskID int64, subtaskID, msg string) {
	exec, err := m.repo.GetExecution(ctx, taskID, subtaskID)
	if err != nil || exec == nil {
		m.log.Warn("Cannot fail execution: record not loadable",
			zap.Int64("task_id", taskID), zap.String("subtask_id", subtaskID), zap.Error(err))
		return
	}
	now := time.Now().UTC()
	if !exec.SetFailed(msg, now) {
		return
	}
	if err := m.repo.SaveExecution(ctx, exec); err != nil {
		m.log.Warn("Failed to persist failed execution",
			zap.String("execution_id", exec.ExecutionID), zap.Error(err))
	}
	m.finishExecution(exec, "failed", bus.EventExecutionFailed, now)
}

// CancelExecution marks an execution CANCELLED. Terminal states stick, so a
// cancel that races a completion callback is a no-op.
func (m *Manager) CancelExecution(ctx context.Context, taskID int64, subtaskID string) {
	exec, err := m.repo.GetExecution(ctx, taskID, subtaskID)
	if err != nil || exec == nil {
		return
	}
	now := time.Now().UTC()
	if !exec.SetCancelled(now) {
		return
	}
	if err := m.repo.SaveExecution(ctx, exec); err != nil {
		m.log.Warn("Failed to persist cancelled execution",
			zap.String("execution_id", exec.ExecutionID), zap.Error(err))
	}
	m.finishExecution(exec, "cancelled", bus.EventExecutionCancelled, now)
}

// ApplyExecutionCallback folds an executor progress report into the stored
// execution. Returns false when no execution matches the (task, subtask)
// pair; callers acknowledge those anyway so late executor retries drain.
func (m *Manager) ApplyExecutionCallback(ctx context.Context, cb *v1.CallbackRequest) (bool, error) {
	exec, err := m.repo.GetExecution(ctx, cb.TaskID, cb.SubtaskID)
	if err != nil {
		return false, err
	}
	if exec == nil {
		return false, nil
	}

	now := time.Now().UTC()
	var changed bool
	var outcome, subject string
	switch cb.Status {
	case v1.ExecutionStatusCompleted:
		changed = exec.SetCompleted(cb.Result, now)
		outcome, subject = "completed", bus.EventExecutionCompleted
	case v1.ExecutionStatusFailed:
		changed = exec.SetFailed(cb.ErrorMessage, now)
		outcome, subject = "failed", bus.EventExecutionFailed
	case v1.ExecutionStatusCancelled:
		changed = exec.SetCancelled(now)
		outcome, subject = "cancelled", bus.EventExecutionCancelled
	default:
		// RUNNING or bare progress report.
		if exec.Status == v1.ExecutionStatusPending {
			changed = exec.MarkRunning(now)
		}
		if p := cb.ProgressValue(); p >= 0 && exec.ApplyProgress(p) {
			changed = true
		}
	}
	if !changed {
		// Terminal states absorb duplicates and stragglers.
		return true, nil
	}
	if err := m.repo.SaveExecution(ctx, exec); err != nil {
		return true, err
	}
	if outcome != "" {
		m.finishExecution(exec, outcome, subject, now)
	}
	return true, nil
}

// finishExecution records terminal metrics and publishes the lifecycle
// event. Call only after a successful terminal transition.
func (m *Manager) finishExecution(exec *Execution, outcome, subject string, now time.Time) {
	started := exec.CreatedAt
	if exec.StartedAt != nil {
		started = *exec.StartedAt
	}
	observability.ExecutionDuration.Observe(now.Sub(started).Seconds())
	observability.ExecutionsFinished.WithLabelValues(outcome).Inc()
	m.publish(subject, events.ExecutionPayload(exec.TaskID(), exec.SubtaskID(), exec.ExecutionID, string(exec.Status)))
}

// GetExecution resolves one execution through the sandbox's dual addressing.
func (m *Manager) GetExecution(ctx context.Context, sandboxID, subtaskID string) (*Execution, error) {
	sb, err := m.requireSandbox(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	exec, err := m.repo.GetExecution(ctx, sb.TaskID(), subtaskID)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrExecutionNotFound, sandboxID, subtaskID)
	}
	return exec, nil
}

// ListExecutions returns every execution recorded in the sandbox's session.
func (m *Manager) ListExecutions(ctx context.Context, sandboxID string) ([]*Execution, error) {
	sb, err := m.requireSandbox(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	return m.repo.ListExecutions(ctx, sb.TaskID())
}

// CheckHeartbeats scans active sandboxes for executors that stopped
// reporting. The shared sweep lock keeps it to one replica per pass.
func (m *Manager) CheckHeartbeats(ctx context.Context) error {
	held, err := m.locks.WithLock(ctx, sweepLockName, sweepLockTTL, m.sweepSandboxes)
	if err != nil {
		return err
	}
	if !held {
		observability.HeartbeatSweeps.WithLabelValues("sandbox", "lock_busy").Inc()
	}
	return nil
}

func (m *Manager) sweepSandboxes(ctx context.Context) error {
	start := time.Now()
	defer func() {
		observability.SweepDuration.WithLabelValues("sandbox_heartbeat").Observe(time.Since(start).Seconds())
	}()

	ids, err := m.repo.ActiveSandboxIDs(ctx)
	if err != nil {
		return err
	}
	observability.ActiveSandboxes.Set(float64(len(ids)))

	grace := m.cfg.Heartbeat.GracePeriodDuration()
	now := time.Now().UTC()
	for _, id := range ids {
		taskID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			continue // GC clears garbage members
		}
		sb, err := m.repo.GetSandbox(ctx, taskID)
		if err != nil {
			m.log.Warn("Sweep failed to load sandbox", zap.String("sandbox_id", id), zap.Error(err))
			continue
		}
		if sb == nil || sb.Status != v1.SandboxStatusRunning {
			continue
		}

		alive, err := m.hearts.Alive(ctx, heartbeat.KindSandbox, id)
		if err != nil {
			m.log.Warn("Sweep failed to read heartbeat", zap.String("sandbox_id", id), zap.Error(err))
			continue
		}
		if alive {
			observability.HeartbeatSweeps.WithLabelValues("sandbox", "alive").Inc()
			continue
		}
		if now.Sub(sb.CreatedAt) <= grace {
			continue // startup grace
		}

		// The key usually expired with the executor, so fall back to the
		// sandbox's own activity stamp for the last-known-alive time.
		lastSeen, ok, err := m.hearts.LastSeen(ctx, heartbeat.KindSandbox, id)
		if err != nil || !ok {
			lastSeen = sb.LastActivityAt
		}
		m.handleExecutorDead(ctx, sb, lastSeen)
	}
	return nil
}

// handleExecutorDead fails a sandbox whose executor stopped heartbeating.
// The session hash is kept so clients can still read the terminal state;
// GC reaps it after the retention window.
func (m *Manager) handleExecutorDead(ctx context.Context, sb *Sandbox, lastSeen time.Time) {
	taskID := sb.TaskID()
	log := m.log.WithFields(zap.Int64("task_id", taskID))
	log.Warn("Executor heartbeat lost", zap.Time("last_seen", lastSeen))

	now := time.Now().UTC()
	execs, err := m.repo.ListExecutions(ctx, taskID)
	if err != nil {
		log.Warn("Failed to list executions for dead sandbox", zap.Error(err))
	}
	for _, exec := range execs {
		if exec.Status != v1.ExecutionStatusRunning {
			continue
		}
		if exec.SetFailed(crashedMessage, now) {
			if err := m.repo.SaveExecution(ctx, exec); err != nil {
				log.Warn("Failed to fail crashed execution",
					zap.String("subtask_id", exec.SubtaskID()), zap.Error(err))
			}
			m.finishExecution(exec, "failed", bus.EventExecutionFailed, now)
		}
	}

	if err := m.hearts.Delete(ctx, heartbeat.KindSandbox, sb.SandboxID); err != nil {
		log.Warn("Failed to delete heartbeat key", zap.Error(err))
	}

	if sb.MarkFailed(crashedMessage, now) {
		if err := m.repo.SaveSandbox(ctx, sb); err != nil {
			log.Warn("Failed to persist crashed sandbox", zap.Error(err))
		}
	}
	// Stop re-checking it on subsequent sweeps. Must come after the saves
	// above, which rescore the active set.
	if err := m.repo.RemoveFromActive(ctx, sb.SandboxID); err != nil {
		log.Warn("Failed to remove crashed sandbox from active set", zap.Error(err))
	}

	if err := m.dispatch.DeleteExecutor(ctx, taskID); err != nil {
		log.Warn("Failed to delete crashed executor container", zap.Error(err))
	}

	observability.SandboxesFailed.WithLabelValues("heartbeat_lost").Inc()
	observability.HeartbeatSweeps.WithLabelValues("sandbox", "dead").Inc()
	m.publish(bus.EventSandboxFailed, events.SandboxFailurePayload(sb.SandboxID, sb.ShellType, string(sb.Status), crashedMessage))
}

// CollectExpiredSandboxes terminates sandboxes idle past the session
// retention window and clears orphaned active-set entries.
func (m *Manager) CollectExpiredSandboxes(ctx context.Context) error {
	held, err := m.locks.WithLock(ctx, gcLockName, gcLockTTL, m.collectExpired)
	if err != nil {
		return err
	}
	if !held {
		m.log.Debug("GC lock busy, skipping pass")
	}
	return nil
}

func (m *Manager) collectExpired(ctx context.Context) error {
	start := time.Now()
	defer func() {
		observability.SweepDuration.WithLabelValues("sandbox_gc").Observe(time.Since(start).Seconds())
	}()

	ids, err := m.repo.ExpiredSandboxIDs(ctx, m.cfg.Redis.SessionTTLDuration())
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		m.log.Info("Collecting expired sandboxes", zap.Int("count", len(ids)))
	}

	for _, id := range ids {
		var sb *Sandbox
		if taskID, err := strconv.ParseInt(id, 10, 64); err == nil {
			sb, err = m.repo.GetSandbox(ctx, taskID)
			if err != nil {
				m.log.Warn("GC failed to load sandbox", zap.String("sandbox_id", id), zap.Error(err))
				continue
			}
		}
		if sb == nil {
			// Score without a session behind it; drop the entry.
			if err := m.repo.RemoveFromActive(ctx, id); err != nil {
				m.log.Warn("GC failed to drop orphan entry", zap.String("sandbox_id", id), zap.Error(err))
				continue
			}
			observability.GCCollected.WithLabelValues("orphan").Inc()
			continue
		}
		if err := m.terminate(ctx, sb, "gc"); err != nil {
			m.log.Warn("GC failed to terminate sandbox", zap.String("sandbox_id", id), zap.Error(err))
			continue
		}
		observability.GCCollected.WithLabelValues("expired").Inc()
	}
	return nil
}

func (m *Manager) publish(subject string, data map[string]interface{}) {
	if m.events == nil {
		return
	}
	evt := bus.NewEvent(subject, "sandbox-manager", data)
	if err := m.events.Publish(m.bg, subject, evt); err != nil {
		m.log.Debug("Event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

func newExecutionID() string {
	return "exec-" + uuid.NewString()
}

func cloneMetadata(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// botConfigFromMeta recovers the bot list from sandbox metadata. JSON
// round-trips degrade it to []interface{} of maps.
func botConfigFromMeta(meta map[string]interface{}) []map[string]interface{} {
	if meta == nil {
		return nil
	}
	switch v := meta[MetaBotConfig].(type) {
	case []map[string]interface{}:
		return v
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(v))
		for _, item := range v {
			if bot, ok := item.(map[string]interface{}); ok {
				out = append(out, bot)
			}
		}
		return out
	}
	return nil
}
