package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	v1 "github.com/wegent/wegent/pkg/api/v1"

	"github.com/wegent/wegent/internal/common/config"
	"github.com/wegent/wegent/internal/common/logger"
)

// Agno runs queries against an Agno agent service. Calls are blocking, so
// the whole query collapses into one system event and one result event.
type Agno struct {
	baseURL string
	client  *http.Client
	logger  *logger.Logger
}

func NewAgno(cfg config.EnginesConfig, log *logger.Logger) *Agno {
	return &Agno{
		baseURL: strings.TrimSuffix(cfg.AgnoBaseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Minute},
		logger:  log.WithFields(zap.String("component", "agno-engine")),
	}
}

func (e *Agno) Name() string { return v1.ShellTypeAgno }

func (e *Agno) Interrupt(string) error {
	return errors.New("agno engine does not support interrupts")
}

func (e *Agno) Execute(ctx context.Context, task *v1.TaskData, sink EventSink) error {
	if e.baseURL == "" {
		return errors.New("agno base URL not configured")
	}
	if err := sink.Emit(ctx, Event{
		Kind:    EventSystem,
		Subtype: "init",
		Data:    map[string]interface{}{"engine": v1.ShellTypeAgno},
	}); err != nil {
		return err
	}

	reqBody := map[string]interface{}{
		"message": task.Prompt,
		"stream":  false,
	}
	if sid := task.SessionID(); sid != "" {
		reqBody["session_id"] = sid
	}
	if task.UserID != "" {
		reqBody["user_id"] = task.UserID
	}

	status, body, err := postJSON(ctx, e.client, e.baseURL+"/v1/runs", nil, reqBody)
	if err != nil {
		return fmt.Errorf("agno request failed: %w", err)
	}
	if status < 200 || status >= 300 {
		return sink.Emit(ctx, Event{Kind: EventResult, Result: apiErrorResult(status, body)})
	}

	var run struct {
		Content   string `json:"content"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(body, &run); err != nil {
		return fmt.Errorf("failed to parse agno response: %w", err)
	}

	return sink.Emit(ctx, Event{Kind: EventResult, Result: &Result{
		Subtype:   ResultSubtypeSuccess,
		Text:      run.Content,
		SessionID: run.SessionID,
	}})
}
