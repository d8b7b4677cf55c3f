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

// Dify runs queries against a Dify chat application in blocking mode. The
// conversation ID doubles as the session ID so follow-up prompts continue
// the same chat.
type Dify struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *logger.Logger
}

func NewDify(cfg config.EnginesConfig, log *logger.Logger) *Dify {
	return &Dify{
		baseURL: strings.TrimSuffix(cfg.DifyBaseURL, "/"),
		apiKey:  cfg.DifyAPIKey,
		client:  &http.Client{Timeout: 10 * time.Minute},
		logger:  log.WithFields(zap.String("component", "dify-engine")),
	}
}

func (e *Dify) Name() string { return v1.ShellTypeDify }

func (e *Dify) Interrupt(string) error {
	return errors.New("dify engine does not support interrupts")
}

func (e *Dify) Execute(ctx context.Context, task *v1.TaskData, sink EventSink) error {
	if e.baseURL == "" {
		return errors.New("dify base URL not configured")
	}
	if err := sink.Emit(ctx, Event{
		Kind:    EventSystem,
		Subtype: "init",
		Data:    map[string]interface{}{"engine": v1.ShellTypeDify},
	}); err != nil {
		return err
	}

	user := task.UserID
	if user == "" {
		user = "wegent"
	}
	reqBody := map[string]interface{}{
		"inputs":        map[string]interface{}{},
		"query":         task.Prompt,
		"response_mode": "blocking",
		"user":          user,
	}
	if sid := task.SessionID(); sid != "" {
		reqBody["conversation_id"] = sid
	}
	headers := map[string]string{"Authorization": "Bearer " + e.apiKey}

	status, body, err := postJSON(ctx, e.client, e.baseURL+"/v1/chat-messages", headers, reqBody)
	if err != nil {
		return fmt.Errorf("dify request failed: %w", err)
	}
	if status < 200 || status >= 300 {
		return sink.Emit(ctx, Event{Kind: EventResult, Result: apiErrorResult(status, body)})
	}

	var chat struct {
		Answer         string `json:"answer"`
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(body, &chat); err != nil {
		return fmt.Errorf("failed to parse dify response: %w", err)
	}

	return sink.Emit(ctx, Event{Kind: EventResult, Result: &Result{
		Subtype:   ResultSubtypeSuccess,
		Text:      chat.Answer,
		SessionID: chat.ConversationID,
	}})
}
