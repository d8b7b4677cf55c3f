// Package runner submits executions to executor containers. The executor
// acknowledges immediately and reports real progress through callbacks,
// so the runner's job ends at a classified accept-or-fail.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/wegent/wegent/internal/common/logger"
	"github.com/wegent/wegent/internal/tracing"
	v1 "github.com/wegent/wegent/pkg/api/v1"
)

// Failure messages surfaced on executions when a submit goes wrong.
const (
	ErrMsgTimeout    = "Executor container not responding (timeout)"
	ErrMsgConnection = "Cannot connect to executor container"
)

// Hooks observe the stages of a submission.
type Hooks struct {
	// OnRunning fires before the request is sent.
	OnRunning func(ctx context.Context)
	// OnComplete fires when the executor accepted the execution.
	OnComplete func(ctx context.Context)
	// OnError fires with a user-readable message when the submit failed.
	OnError func(ctx context.Context, msg string)
}

// TaskParams carries everything needed to assemble the executor payload.
type TaskParams struct {
	TaskID      int64
	SubtaskID   string
	ExecutionID string
	TaskTitle   string
	Prompt      string
	ShellType   string
	UserID      string
	UserName    string
	CallbackURL string
	Metadata    map[string]interface{}
	BotConfig   []map[string]interface{}
	Timeout     time.Duration
}

// BuildTaskData assembles the wire payload for POST /api/tasks/execute.
// When the sandbox carried a verbatim bot configuration it is passed
// through untouched; otherwise a minimal single-bot list is synthesized.
func BuildTaskData(p TaskParams) v1.TaskData {
	title := p.TaskTitle
	if title == "" {
		title = fmt.Sprintf("Task %d", p.TaskID)
	}

	bots := p.BotConfig
	if len(bots) == 0 {
		bots = []map[string]interface{}{{"shell_type": p.ShellType}}
	}

	return v1.TaskData{
		TaskID:       p.TaskID,
		SubtaskID:    p.SubtaskID,
		TaskTitle:    title,
		SubtaskTitle: p.ExecutionID,
		Type:         v1.TaskTypeSandbox,
		Prompt:       p.Prompt,
		Bots:         bots,
		UserID:       p.UserID,
		UserName:     p.UserName,
		CallbackURL:  p.CallbackURL,
		Metadata:     p.Metadata,
		Timeout:      int(p.Timeout.Seconds()),
	}
}

// ExecutionRunner posts executions to executors with a capped timeout.
type ExecutionRunner struct {
	httpClient *http.Client
	httpCap    time.Duration
	log        *logger.Logger
}

// NewExecutionRunner creates a runner. httpCap bounds how long a single
// submit may block regardless of the execution timeout.
func NewExecutionRunner(httpCap time.Duration, log *logger.Logger) *ExecutionRunner {
	return &ExecutionRunner{
		httpClient: &http.Client{},
		httpCap:    httpCap,
		log:        log.WithFields(zap.String("component", "execution-runner")),
	}
}

// Run submits the task to the executor at baseURL and reports the outcome
// through hooks. The request deadline is min(httpCap, timeout).
func (r *ExecutionRunner) Run(ctx context.Context, baseURL string, task v1.TaskData, timeout time.Duration, hooks Hooks) {
	log := r.log.WithFields(
		zap.Int64("task_id", task.TaskID),
		zap.String("subtask_id", task.SubtaskID))

	if hooks.OnRunning != nil {
		hooks.OnRunning(ctx)
	}

	deadline := timeout
	if r.httpCap > 0 && r.httpCap < deadline {
		deadline = r.httpCap
	}
	reqCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ctx, span := tracing.TraceDispatch(reqCtx, strconv.FormatInt(task.TaskID, 10), task.ShellType())
	defer span.End()

	status, body, err := r.postExecute(ctx, baseURL, task)
	if err != nil {
		msg := classifySubmitError(err)
		tracing.EndWithError(span, err)
		log.Warn("Execution submit failed", zap.String("reason", msg), zap.Error(err))
		if hooks.OnError != nil {
			hooks.OnError(ctx, msg)
		}
		return
	}

	if status != http.StatusOK {
		msg := fmt.Sprintf("Executor returned %d: %s", status, truncateBody(body))
		tracing.EndWithError(span, errors.New(msg))
		log.Warn("Executor rejected execution", zap.Int("status", status))
		if hooks.OnError != nil {
			hooks.OnError(ctx, msg)
		}
		return
	}

	log.Info("Execution accepted by executor")
	if hooks.OnComplete != nil {
		hooks.OnComplete(ctx)
	}
}

func (r *ExecutionRunner) postExecute(ctx context.Context, baseURL string, task v1.TaskData) (int, []byte, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/tasks/execute", bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectHTTP(ctx, req)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return resp.StatusCode, nil, nil
	}
	return resp.StatusCode, buf.Bytes(), nil
}

// classifySubmitError maps transport errors onto the two user-facing
// failure messages.
func classifySubmitError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrMsgTimeout
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return ErrMsgTimeout
	}
	return ErrMsgConnection
}

func truncateBody(body []byte) string {
	const maxLen = 200
	if len(body) > maxLen {
		return string(body[:maxLen]) + "..."
	}
	return string(body)
}
