package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/wegent/wegent/pkg/api/v1"

	"github.com/wegent/wegent/internal/common/config"
	"github.com/wegent/wegent/internal/common/logger"
	"github.com/wegent/wegent/internal/executor/callback"
	"github.com/wegent/wegent/internal/executor/engine"
	"github.com/wegent/wegent/internal/executor/processor"
	"github.com/wegent/wegent/internal/executor/sessions"
	"github.com/wegent/wegent/internal/executor/taskstate"
)

type callbackCapture struct {
	mu  sync.Mutex
	got []v1.CallbackRequest
	srv *httptest.Server
}

func newCallbackCapture(t *testing.T) *callbackCapture {
	t.Helper()
	c := &callbackCapture{}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cb v1.CallbackRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cb))
		c.mu.Lock()
		c.got = append(c.got, cb)
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *callbackCapture) statuses() []v1.ExecutionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]v1.ExecutionStatus, 0, len(c.got))
	for _, cb := range c.got {
		out = append(out, cb.Status)
	}
	return out
}

func (c *callbackCapture) terminal() *v1.CallbackRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.got {
		if c.got[i].IsTerminal() {
			return &c.got[i]
		}
	}
	return nil
}

// fakeEngine blocks in Execute until released, then replays its events.
type fakeEngine struct {
	mu         sync.Mutex
	release    chan struct{}
	started    chan *v1.TaskData
	events     []engine.Event
	execErr    error
	interrupts []string
}

func newFakeEngine(events ...engine.Event) *fakeEngine {
	return &fakeEngine{
		release: make(chan struct{}),
		started: make(chan *v1.TaskData, 4),
		events:  events,
	}
}

func (f *fakeEngine) Name() string { return v1.ShellTypeClaudeCode }

func (f *fakeEngine) Execute(ctx context.Context, task *v1.TaskData, sink engine.EventSink) error {
	f.started <- task
	select {
	case <-f.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	if f.execErr != nil {
		return f.execErr
	}
	for _, ev := range f.events {
		if err := sink.Emit(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeEngine) Interrupt(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts = append(f.interrupts, key)
	return nil
}

func (f *fakeEngine) interruptedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.interrupts))
	copy(out, f.interrupts)
	return out
}

func successEvents(value string) []engine.Event {
	return []engine.Event{
		{Kind: engine.EventSystem, Subtype: "init", Data: map[string]interface{}{"session_id": "sess"}},
		{Kind: engine.EventResult, Result: &engine.Result{Subtype: "success", Text: value}},
	}
}

type executorFixture struct {
	router *gin.Engine
	srv    *Server
	states *taskstate.Manager
	store  *sessions.Store
	eng    *fakeEngine
	cap    *callbackCapture
}

func setupExecutor(t *testing.T, eng *fakeEngine) *executorFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	cap := newCallbackCapture(t)
	client := callback.NewClient(config.CallbackConfig{
		URL:        cap.srv.URL,
		MaxRetries: 2,
		RetryDelay: 1,
		Timeout:    5,
	}, callback.Identity{Name: "wegent-executor-test"}, log)

	states := taskstate.NewManager()
	store := sessions.NewStore()
	proc := processor.New(client, states, log)
	reg := engine.NewRegistry()
	reg.Register(eng)

	srv := New(reg, states, store, proc, client, config.ExecutorConfig{
		Port:               8080,
		GracefulCancelWait: 10,
	}, log)

	router := gin.New()
	srv.RegisterRoutes(router)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	return &executorFixture{router: router, srv: srv, states: states, store: store, eng: eng, cap: cap}
}

func (f *executorFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func executeBody(cap *callbackCapture, taskID int64, subtaskID string) *v1.TaskData {
	return &v1.TaskData{
		TaskID:      taskID,
		SubtaskID:   subtaskID,
		TaskTitle:   "Task",
		Prompt:      "do something",
		Bots:        []map[string]interface{}{{"shell_type": "claudecode"}},
		CallbackURL: cap.srv.URL,
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := setupExecutor(t, newFakeEngine())

	w := f.do(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "wegent-executor", body["service"])

	w = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestExecuteRunsToCompletion(t *testing.T) {
	eng := newFakeEngine(successEvents("all good")...)
	f := setupExecutor(t, eng)

	w := f.do(t, http.MethodPost, "/api/tasks/execute", executeBody(f.cap, 21, "sub-1"))
	require.Equal(t, http.StatusOK, w.Code)

	var resp v1.ExecuteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp.Status)
	assert.Equal(t, int64(21), resp.TaskID)

	close(eng.release)

	require.Eventually(t, func() bool {
		term := f.cap.terminal()
		return term != nil && term.Status == v1.ExecutionStatusCompleted
	}, 3*time.Second, 25*time.Millisecond)

	term := f.cap.terminal()
	assert.Equal(t, "all good", term.Result["value"])
	assert.Equal(t, 100, term.ProgressValue())

	require.Eventually(t, func() bool { return !f.states.Exists(21, "sub-1") },
		3*time.Second, 25*time.Millisecond, "state entry is cleared after the run")
}

func TestExecuteRejectsDuplicate(t *testing.T) {
	eng := newFakeEngine(successEvents("done")...)
	f := setupExecutor(t, eng)

	require.Equal(t, http.StatusOK,
		f.do(t, http.MethodPost, "/api/tasks/execute", executeBody(f.cap, 30, "s")).Code)
	<-eng.started

	w := f.do(t, http.MethodPost, "/api/tasks/execute", executeBody(f.cap, 30, "s"))
	assert.Equal(t, http.StatusConflict, w.Code)

	close(eng.release)
	require.Eventually(t, func() bool { return f.cap.terminal() != nil },
		3*time.Second, 25*time.Millisecond)
}

func TestExecuteValidation(t *testing.T) {
	f := setupExecutor(t, newFakeEngine())

	w := f.do(t, http.MethodPost, "/api/tasks/execute", &v1.TaskData{TaskID: 1})
	assert.Equal(t, http.StatusBadRequest, w.Code, "missing prompt")

	w = f.do(t, http.MethodPost, "/api/tasks/execute", &v1.TaskData{Prompt: "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "missing task_id")

	body := executeBody(f.cap, 2, "s")
	body.Bots = []map[string]interface{}{{"shell_type": "mystery"}}
	w = f.do(t, http.MethodPost, "/api/tasks/execute", body)
	assert.Equal(t, http.StatusBadRequest, w.Code, "unknown shell type")

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "unknown shell type")
}

func TestCancelRunningTask(t *testing.T) {
	eng := newFakeEngine(successEvents("late result")...)
	f := setupExecutor(t, eng)

	require.Equal(t, http.StatusOK,
		f.do(t, http.MethodPost, "/api/tasks/execute", executeBody(f.cap, 40, "sub-c")).Code)
	<-eng.started

	// Let the engine wake mid-cancel so the checkpoint sees the flag.
	go func() {
		time.Sleep(150 * time.Millisecond)
		close(eng.release)
	}()

	w := f.do(t, http.MethodPost, "/api/tasks/cancel",
		&v1.CancelTaskRequest{TaskID: 40, SubtaskID: "sub-c"})
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []string{taskstate.Key(40, "sub-c")}, eng.interruptedKeys(),
		"engine interrupt is attempted")

	require.Eventually(t, func() bool {
		term := f.cap.terminal()
		return term != nil && term.Status == v1.ExecutionStatusCancelled
	}, 3*time.Second, 25*time.Millisecond, "background CANCELLED callback")

	require.Eventually(t, func() bool { return !f.states.Exists(40, "sub-c") },
		3*time.Second, 25*time.Millisecond)

	for _, st := range f.cap.statuses() {
		assert.NotEqual(t, v1.ExecutionStatusCompleted, st,
			"a cancelled run must not report COMPLETED")
	}
}

func TestCancelWholeTask(t *testing.T) {
	eng := newFakeEngine(successEvents("x")...)
	f := setupExecutor(t, eng)

	require.Equal(t, http.StatusOK,
		f.do(t, http.MethodPost, "/api/tasks/execute", executeBody(f.cap, 41, "a")).Code)
	<-eng.started

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(eng.release)
	}()

	w := f.do(t, http.MethodPost, "/api/tasks/cancel", &v1.CancelTaskRequest{TaskID: 41})
	require.Equal(t, http.StatusOK, w.Code)

	require.Eventually(t, func() bool {
		term := f.cap.terminal()
		return term != nil && term.Status == v1.ExecutionStatusCancelled
	}, 3*time.Second, 25*time.Millisecond)
}

func TestCancelUnknownTaskStillConfirms(t *testing.T) {
	f := setupExecutor(t, newFakeEngine())

	w := f.do(t, http.MethodPost, "/api/tasks/cancel",
		&v1.CancelTaskRequest{TaskID: 999, SubtaskID: "ghost"})
	require.Equal(t, http.StatusOK, w.Code)

	require.Eventually(t, func() bool {
		term := f.cap.terminal()
		return term != nil && term.Status == v1.ExecutionStatusCancelled && term.TaskID == 999
	}, 3*time.Second, 25*time.Millisecond,
		"idempotent cancel confirms the terminal state via the default callback URL")
}

func TestResolveActiveTask(t *testing.T) {
	eng := newFakeEngine(successEvents("v")...)
	f := setupExecutor(t, eng)

	_, ok := f.srv.ResolveActiveTask()
	assert.False(t, ok, "no active task before any execute")

	require.Equal(t, http.StatusOK,
		f.do(t, http.MethodPost, "/api/tasks/execute", executeBody(f.cap, 50, "s")).Code)
	<-eng.started

	task, ok := f.srv.ResolveActiveTask()
	require.True(t, ok)
	assert.Equal(t, int64(50), task.TaskID)

	close(eng.release)
	require.Eventually(t, func() bool {
		_, ok := f.srv.ResolveActiveTask()
		return !ok
	}, 3*time.Second, 25*time.Millisecond, "registry empties after the run")
}

func TestShutdownCancelsInFlight(t *testing.T) {
	eng := newFakeEngine() // never released; Execute exits only via ctx
	f := setupExecutor(t, eng)

	require.Equal(t, http.StatusOK,
		f.do(t, http.MethodPost, "/api/tasks/execute", executeBody(f.cap, 60, "s")).Code)
	<-eng.started

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	f.srv.Shutdown(ctx)

	assert.False(t, f.states.Exists(60, "s"), "execution goroutine unwound")
	assert.Equal(t, 0, f.store.Len(), "sessions closed on shutdown")
}
