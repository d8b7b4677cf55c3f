package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegent/wegent/internal/common/config"
	"github.com/wegent/wegent/internal/common/logger"
	"github.com/wegent/wegent/internal/events/bus"
	"github.com/wegent/wegent/internal/manager/coordination"
	"github.com/wegent/wegent/internal/manager/dispatcher"
	"github.com/wegent/wegent/internal/manager/heartbeat"
	v1 "github.com/wegent/wegent/pkg/api/v1"
)

// fakeDispatcher satisfies dispatcher.ExecutorDispatcher against a map of
// pre-arranged addresses instead of a container runtime.
type fakeDispatcher struct {
	mu        sync.Mutex
	addrs     map[int64]string
	submitted []dispatcher.ExecutorSpec
	submitErr error
	paused    map[int64]bool
	deleted   []int64
	statuses  map[string]*dispatcher.ContainerStatus
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		addrs:    make(map[int64]string),
		paused:   make(map[int64]bool),
		statuses: make(map[string]*dispatcher.ContainerStatus),
	}
}

func (f *fakeDispatcher) SubmitExecutor(_ context.Context, spec dispatcher.ExecutorSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, spec)
	return dispatcher.ContainerName(spec.TaskID), nil
}

func (f *fakeDispatcher) GetContainerAddress(_ context.Context, taskID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr, ok := f.addrs[taskID]
	if !ok {
		return "", fmt.Errorf("no address for task %d", taskID)
	}
	return addr, nil
}

func (f *fakeDispatcher) PauseExecutor(_ context.Context, taskID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused[taskID] = true
	return nil
}

func (f *fakeDispatcher) ResumeExecutor(_ context.Context, taskID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused[taskID] = false
	return nil
}

func (f *fakeDispatcher) DeleteExecutor(_ context.Context, taskID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, taskID)
	return nil
}

func (f *fakeDispatcher) GetContainerStatus(_ context.Context, name string) (*dispatcher.ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.statuses[name]; ok {
		return st, nil
	}
	return &dispatcher.ContainerStatus{Exists: false}, nil
}

func (f *fakeDispatcher) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func (f *fakeDispatcher) deletedTasks() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.deleted))
	copy(out, f.deleted)
	return out
}

// executorStub mimics the in-container executor HTTP surface.
type executorStub struct {
	srv *httptest.Server

	mu            sync.Mutex
	executed      []v1.TaskData
	executeStatus int
}

func newExecutorStub(t *testing.T) *executorStub {
	t.Helper()
	stub := &executorStub{executeStatus: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/tasks/execute", func(w http.ResponseWriter, r *http.Request) {
		var task v1.TaskData
		_ = json.NewDecoder(r.Body).Decode(&task)
		stub.mu.Lock()
		stub.executed = append(stub.executed, task)
		status := stub.executeStatus
		stub.mu.Unlock()
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v1.ExecuteResponse{Status: "accepted", TaskID: task.TaskID})
	})

	stub.srv = httptest.NewServer(mux)
	t.Cleanup(stub.srv.Close)
	return stub
}

func (s *executorStub) rejectWith(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executeStatus = status
}

func (s *executorStub) received() []v1.TaskData {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]v1.TaskData, len(s.executed))
	copy(out, s.executed)
	return out
}

type managerFixture struct {
	mgr      *Manager
	repo     *Repository
	dispatch *fakeDispatcher
	hearts   *heartbeat.Store
	executor *executorStub
	client   *redis.Client
	mr       *miniredis.Miniredis
	cfg      *config.Config
}

func setupManager(t *testing.T) *managerFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	cfg := &config.Config{
		Redis: config.RedisConfig{SessionTTL: 86400},
		Sandbox: config.SandboxConfig{
			DefaultTimeout:    1800,
			ExecutionTimeout:  600,
			MaxConcurrent:     2,
			GCInterval:        600,
			ReadyTimeout:      2,
			ReadyPollInterval: 1,
		},
		Heartbeat: config.HeartbeatConfig{
			Timeout:       30,
			CheckInterval: 5,
			GracePeriod:   30,
			KeyTTL:        20,
		},
		Callback: config.CallbackConfig{URL: "http://manager.internal/api/v1/manager/callback"},
	}

	repo := NewRepository(client, cfg.Redis.SessionTTLDuration(), log)
	hearts := heartbeat.NewStore(client, cfg.Heartbeat.KeyTTLDuration())
	locks := coordination.NewLockManager(client, log)
	dispatch := newFakeDispatcher()
	executor := newExecutorStub(t)

	mgr := NewManager(repo, dispatch, hearts, locks, bus.NewMemoryEventBus(log), cfg, log)
	t.Cleanup(mgr.Close)

	return &managerFixture{
		mgr:      mgr,
		repo:     repo,
		dispatch: dispatch,
		hearts:   hearts,
		executor: executor,
		client:   client,
		mr:       mr,
		cfg:      cfg,
	}
}

// createRunning provisions a sandbox against the executor stub.
func (f *managerFixture) createRunning(t *testing.T, taskID int64) *Sandbox {
	t.Helper()
	f.dispatch.mu.Lock()
	f.dispatch.addrs[taskID] = f.executor.srv.URL
	f.dispatch.mu.Unlock()

	sb, err := f.mgr.CreateSandbox(context.Background(), &v1.CreateSandboxRequest{
		TaskID:    taskID,
		ShellType: "claudecode",
		UserID:    "1",
		UserName:  "u",
	})
	require.NoError(t, err)
	require.Equal(t, v1.SandboxStatusRunning, sb.Status)
	return sb
}

func TestCreateSandboxProvisionsExecutor(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	f.dispatch.mu.Lock()
	f.dispatch.addrs[100] = f.executor.srv.URL
	f.dispatch.mu.Unlock()

	sb, err := f.mgr.CreateSandbox(ctx, &v1.CreateSandboxRequest{
		TaskID:    100,
		ShellType: "ClaudeCode",
		UserID:    "1",
		UserName:  "u",
	})
	require.NoError(t, err)

	assert.Equal(t, "100", sb.SandboxID)
	assert.Equal(t, "claudecode", sb.ShellType)
	assert.Equal(t, v1.SandboxStatusRunning, sb.Status)
	assert.Equal(t, f.executor.srv.URL, sb.BaseURL)
	require.NotNil(t, sb.ExpiresAt)

	stored, err := f.repo.GetSandbox(ctx, 100)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, v1.SandboxStatusRunning, stored.Status)

	alive, err := f.hearts.Alive(ctx, heartbeat.KindSandbox, "100")
	require.NoError(t, err)
	assert.True(t, alive, "provisioning must seed the heartbeat")

	mapped, err := f.repo.GetTaskExecutor(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, f.executor.srv.URL, mapped)

	ids, err := f.repo.ActiveSandboxIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, "100")
}

func TestCreateSandboxStartFailurePersistsFailedRow(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	f.dispatch.mu.Lock()
	f.dispatch.submitErr = errors.New("image pull failed")
	f.dispatch.mu.Unlock()

	_, err := f.mgr.CreateSandbox(ctx, &v1.CreateSandboxRequest{TaskID: 101, ShellType: "claudecode"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start executor container")

	stored, err := f.repo.GetSandbox(ctx, 101)
	require.NoError(t, err)
	require.NotNil(t, stored, "the FAILED row must remain observable")
	assert.Equal(t, v1.SandboxStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "image pull failed")
}

func TestCreateSandboxReusesHealthySandbox(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	first := f.createRunning(t, 300)
	firstExpiry := *first.ExpiresAt

	second, err := f.mgr.CreateSandbox(ctx, &v1.CreateSandboxRequest{
		TaskID:    300,
		ShellType: "claudecode",
		Timeout:   600,
	})
	require.NoError(t, err)

	assert.Equal(t, first.SandboxID, second.SandboxID)
	assert.Equal(t, 1, f.dispatch.submitCount(), "no new container for a healthy sandbox")
	require.NotNil(t, second.ExpiresAt)
	assert.True(t, second.ExpiresAt.Equal(firstExpiry.Add(600*time.Second)),
		"expiry extends on top of the current deadline: got %v want %v",
		second.ExpiresAt, firstExpiry.Add(600*time.Second))
}

func TestCreateSandboxRecreatesDeadSandbox(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	// A row whose base URL no longer answers.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	stale := NewSandbox(400, "claudecode", "1", "u", nil)
	stale.MarkRunning(deadURL, time.Now().UTC())
	require.NoError(t, f.repo.SaveSandbox(ctx, stale))

	f.dispatch.mu.Lock()
	f.dispatch.addrs[400] = f.executor.srv.URL
	f.dispatch.mu.Unlock()

	sb, err := f.mgr.CreateSandbox(ctx, &v1.CreateSandboxRequest{TaskID: 400, ShellType: "claudecode"})
	require.NoError(t, err)
	assert.Equal(t, v1.SandboxStatusRunning, sb.Status)
	assert.Equal(t, f.executor.srv.URL, sb.BaseURL)
	assert.Contains(t, f.dispatch.deletedTasks(), int64(400), "the dead container is torn down first")
	assert.Equal(t, 1, f.dispatch.submitCount())
}

func TestTerminateSandboxIsIdempotent(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	f.createRunning(t, 500)

	require.NoError(t, f.mgr.TerminateSandbox(ctx, "500"))

	stored, err := f.repo.GetSandbox(ctx, 500)
	require.NoError(t, err)
	require.NotNil(t, stored, "a terminal row stays readable")
	assert.Equal(t, v1.SandboxStatusTerminated, stored.Status)
	assert.Empty(t, stored.BaseURL)

	ids, err := f.repo.ActiveSandboxIDs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, ids, "500")

	alive, err := f.hearts.Alive(ctx, heartbeat.KindSandbox, "500")
	require.NoError(t, err)
	assert.False(t, alive)

	mapped, err := f.repo.GetTaskExecutor(ctx, 500)
	require.NoError(t, err)
	assert.Empty(t, mapped)

	deletedOnce := len(f.dispatch.deletedTasks())

	// Second and third calls are no-ops.
	require.NoError(t, f.mgr.TerminateSandbox(ctx, "500"))
	require.NoError(t, f.mgr.TerminateSandbox(ctx, "999"))
	assert.Equal(t, deletedOnce, len(f.dispatch.deletedTasks()))
}

func TestPauseAndResume(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	f.createRunning(t, 600)

	paused, err := f.mgr.PauseSandbox(ctx, "600")
	require.NoError(t, err)
	assert.Equal(t, v1.SandboxStatusPending, paused.Status)
	assert.True(t, paused.IsPaused())
	assert.Empty(t, paused.BaseURL)
	assert.True(t, f.dispatch.paused[600])

	// Pause is only valid from RUNNING.
	_, err = f.mgr.PauseSandbox(ctx, "600")
	require.Error(t, err)

	resumed, err := f.mgr.ResumeSandbox(ctx, "600")
	require.NoError(t, err)
	assert.Equal(t, v1.SandboxStatusRunning, resumed.Status)
	assert.False(t, resumed.IsPaused())
	assert.Equal(t, f.executor.srv.URL, resumed.BaseURL)
	assert.False(t, f.dispatch.paused[600])

	// Resume requires the paused flag.
	_, err = f.mgr.ResumeSandbox(ctx, "600")
	require.Error(t, err)
}

func TestKeepAliveExtendsExpiry(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	sb := f.createRunning(t, 700)
	before := *sb.ExpiresAt

	extended, err := f.mgr.KeepAlive(ctx, "700", 600*time.Second)
	require.NoError(t, err)
	assert.True(t, extended.ExpiresAt.Equal(before.Add(600*time.Second)))

	_, err = f.mgr.KeepAlive(ctx, "404404", time.Minute)
	require.ErrorIs(t, err, ErrSandboxNotFound)
}

func TestCreateExecutionSubmitsToExecutor(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	f.createRunning(t, 100)

	exec, err := f.mgr.CreateExecution(ctx, "100", &v1.CreateExecutionRequest{
		Prompt:    "hi",
		SubtaskID: "1",
	})
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStatusPending, exec.Status)
	assert.Equal(t, "100", exec.SandboxID)
	assert.Equal(t, "1", exec.SubtaskID())
	assert.Equal(t, int64(100), exec.TaskID())
	assert.Equal(t, 600, exec.Metadata[MetaTimeout])

	// The background submit marks it RUNNING and posts to the executor.
	require.Eventually(t, func() bool {
		stored, err := f.repo.GetExecution(ctx, 100, "1")
		return err == nil && stored != nil && stored.Status == v1.ExecutionStatusRunning
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(f.executor.received()) == 1
	}, 3*time.Second, 20*time.Millisecond)

	task := f.executor.received()[0]
	assert.Equal(t, int64(100), task.TaskID)
	assert.Equal(t, "1", task.SubtaskID)
	assert.Equal(t, v1.TaskTypeSandbox, task.Type)
	assert.Equal(t, "hi", task.Prompt)
	assert.Equal(t, f.cfg.Callback.URL, task.CallbackURL)
	assert.Equal(t, "claudecode", task.ShellType())
}

func TestCreateExecutionDuplicateReturnsExisting(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	f.createRunning(t, 100)

	first, err := f.mgr.CreateExecution(ctx, "100", &v1.CreateExecutionRequest{Prompt: "hi", SubtaskID: "1"})
	require.NoError(t, err)

	second, err := f.mgr.CreateExecution(ctx, "100", &v1.CreateExecutionRequest{Prompt: "again", SubtaskID: "1"})
	require.NoError(t, err)
	assert.Equal(t, first.ExecutionID, second.ExecutionID)
	assert.Equal(t, "hi", second.Prompt, "the original record wins")
}

func TestCreateExecutionRequiresSubtaskID(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	f.createRunning(t, 100)

	_, err := f.mgr.CreateExecution(ctx, "100", &v1.CreateExecutionRequest{Prompt: "hi"})
	require.ErrorIs(t, err, ErrMissingSubtaskID)

	// Numeric subtask ids in metadata are accepted.
	exec, err := f.mgr.CreateExecution(ctx, "100", &v1.CreateExecutionRequest{
		Prompt:   "hi",
		Metadata: map[string]interface{}{"subtask_id": float64(7)},
	})
	require.NoError(t, err)
	assert.Equal(t, "7", exec.SubtaskID())
}

func TestCreateExecutionRejectedByExecutor(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	f.createRunning(t, 100)
	f.executor.rejectWith(http.StatusConflict)

	_, err := f.mgr.CreateExecution(ctx, "100", &v1.CreateExecutionRequest{Prompt: "hi", SubtaskID: "1"})
	require.NoError(t, err, "the record is created; the failure lands asynchronously")

	require.Eventually(t, func() bool {
		stored, err := f.repo.GetExecution(ctx, 100, "1")
		return err == nil && stored != nil && stored.Status == v1.ExecutionStatusFailed
	}, 3*time.Second, 20*time.Millisecond)

	stored, err := f.repo.GetExecution(ctx, 100, "1")
	require.NoError(t, err)
	assert.Contains(t, stored.ErrorMessage, "Executor returned 409")
	assert.Equal(t, 100, stored.Progress)
}

func TestSweepFailsDeadSandbox(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	f.createRunning(t, 100)

	// A RUNNING execution recorded straight in the repository.
	exec := NewExecution("exec-1", "100", "hi", "1", 100, nil)
	exec.MarkRunning(time.Now().UTC())
	require.NoError(t, f.repo.SaveExecution(ctx, exec))

	// Age the sandbox past the grace window and drop its heartbeat.
	stored, err := f.repo.GetSandbox(ctx, 100)
	require.NoError(t, err)
	stored.CreatedAt = time.Now().UTC().Add(-2 * time.Minute)
	require.NoError(t, f.repo.SaveSandbox(ctx, stored))
	require.NoError(t, f.hearts.Delete(ctx, heartbeat.KindSandbox, "100"))

	require.NoError(t, f.mgr.CheckHeartbeats(ctx))

	after, err := f.repo.GetSandbox(ctx, 100)
	require.NoError(t, err)
	require.NotNil(t, after, "the session hash survives the crash")
	assert.Equal(t, v1.SandboxStatusFailed, after.Status)
	assert.Equal(t, "SubAgent crashed", after.ErrorMessage)

	deadExec, err := f.repo.GetExecution(ctx, 100, "1")
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStatusFailed, deadExec.Status)
	assert.Equal(t, "SubAgent crashed", deadExec.ErrorMessage)

	ids, err := f.repo.ActiveSandboxIDs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, ids, "100")

	assert.Contains(t, f.dispatch.deletedTasks(), int64(100))
}

func TestSweepHonorsStartupGrace(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	f.createRunning(t, 400)
	require.NoError(t, f.hearts.Delete(ctx, heartbeat.KindSandbox, "400"))

	require.NoError(t, f.mgr.CheckHeartbeats(ctx))

	after, err := f.repo.GetSandbox(ctx, 400)
	require.NoError(t, err)
	assert.Equal(t, v1.SandboxStatusRunning, after.Status, "a young sandbox is never declared dead")
}

func TestSweepSkipsAliveSandbox(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	f.createRunning(t, 100)

	// Old but still heartbeating.
	stored, err := f.repo.GetSandbox(ctx, 100)
	require.NoError(t, err)
	stored.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, f.repo.SaveSandbox(ctx, stored))
	require.NoError(t, f.hearts.Beat(ctx, heartbeat.KindSandbox, "100"))

	require.NoError(t, f.mgr.CheckHeartbeats(ctx))

	after, err := f.repo.GetSandbox(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, v1.SandboxStatusRunning, after.Status)
}

func TestSweepSkipsWhileLockHeld(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	f.createRunning(t, 100)
	stored, err := f.repo.GetSandbox(ctx, 100)
	require.NoError(t, err)
	stored.CreatedAt = time.Now().UTC().Add(-2 * time.Minute)
	require.NoError(t, f.repo.SaveSandbox(ctx, stored))
	require.NoError(t, f.hearts.Delete(ctx, heartbeat.KindSandbox, "100"))

	// Another replica holds the sweep lock.
	require.NoError(t, f.client.Set(ctx, "wegent-sandbox:lock:task_heartbeat_check", "other", time.Minute).Err())

	require.NoError(t, f.mgr.CheckHeartbeats(ctx))

	after, err := f.repo.GetSandbox(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, v1.SandboxStatusRunning, after.Status)
}

func TestGCDropsOrphanEntries(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	old := time.Now().Add(-25 * time.Hour)
	require.NoError(t, f.repo.TouchActive(ctx, "31337", old))
	require.NoError(t, f.repo.TouchActive(ctx, "not-a-task", old))

	require.NoError(t, f.mgr.CollectExpiredSandboxes(ctx))

	ids, err := f.repo.ActiveSandboxIDs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, ids, "31337")
	assert.NotContains(t, ids, "not-a-task")
	assert.Empty(t, f.dispatch.deletedTasks(), "orphans never reach the dispatcher")
}

func TestGCTerminatesExpiredSandbox(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	f.createRunning(t, 800)
	require.NoError(t, f.repo.TouchActive(ctx, "800", time.Now().Add(-25*time.Hour)))

	require.NoError(t, f.mgr.CollectExpiredSandboxes(ctx))

	stored, err := f.repo.GetSandbox(ctx, 800)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, v1.SandboxStatusTerminated, stored.Status)
	assert.Contains(t, f.dispatch.deletedTasks(), int64(800))

	ids, err := f.repo.ActiveSandboxIDs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, ids, "800")
}

func TestDualAddressingByE2BID(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	f.dispatch.mu.Lock()
	f.dispatch.addrs[900] = f.executor.srv.URL
	f.dispatch.mu.Unlock()

	_, err := f.mgr.CreateSandbox(ctx, &v1.CreateSandboxRequest{
		TaskID:    900,
		ShellType: "claudecode",
		Metadata:  map[string]interface{}{MetaE2BSandboxID: "e2b-alias-900"},
	})
	require.NoError(t, err)

	byAlias, err := f.mgr.GetSandbox(ctx, "e2b-alias-900")
	require.NoError(t, err)
	require.NotNil(t, byAlias)
	assert.Equal(t, "900", byAlias.SandboxID)

	_, err = f.mgr.CreateExecution(ctx, "e2b-alias-900", &v1.CreateExecutionRequest{Prompt: "hi", SubtaskID: "1"})
	require.NoError(t, err)

	exec, err := f.mgr.GetExecution(ctx, "e2b-alias-900", "1")
	require.NoError(t, err)
	assert.Equal(t, int64(900), exec.TaskID())

	execs, err := f.mgr.ListExecutions(ctx, "e2b-alias-900")
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestSandboxEventsPublished(t *testing.T) {
	f := setupManager(t)
	ctx := context.Background()

	got := make(chan string, 16)
	_, err := f.mgr.events.Subscribe("sandbox.>", func(_ context.Context, evt *bus.Event) error {
		got <- evt.Type
		return nil
	})
	require.NoError(t, err)

	f.createRunning(t, 100)
	require.NoError(t, f.mgr.TerminateSandbox(ctx, "100"))

	want := map[string]bool{bus.EventSandboxCreated: false, bus.EventSandboxTerminated: false}
	deadline := time.After(3 * time.Second)
	for {
		allSeen := true
		for _, seen := range want {
			if !seen {
				allSeen = false
			}
		}
		if allSeen {
			break
		}
		select {
		case evt := <-got:
			if _, ok := want[evt]; ok {
				want[evt] = true
			}
		case <-deadline:
			t.Fatalf("missing lifecycle events: %v", want)
		}
	}
}
