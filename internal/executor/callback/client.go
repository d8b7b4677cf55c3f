// Package callback delivers executor progress reports to the manager's
// callback endpoint with retries, so transient manager restarts do not lose
// terminal states.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	v1 "github.com/wegent/wegent/pkg/api/v1"

	"github.com/wegent/wegent/internal/common/config"
	"github.com/wegent/wegent/internal/common/logger"
	"github.com/wegent/wegent/internal/tracing"
)

// ErrRejected marks a 4xx response. The report is malformed or refers to an
// unknown task, so retrying the same body cannot succeed.
var ErrRejected = errors.New("callback rejected")

const maxRetryDelay = 30 * time.Second

// Client posts CallbackRequest bodies to a manager callback URL.
type Client struct {
	httpClient *http.Client
	defaultURL string
	maxRetries int
	retryDelay time.Duration
	timeout    time.Duration
	identity   Identity
	logger     *logger.Logger
}

// Identity names the reporting executor. Both fields are informational; the
// manager routes on task_id and subtask_id.
type Identity struct {
	Name      string
	Namespace string
}

func NewClient(cfg config.CallbackConfig, id Identity, log *logger.Logger) *Client {
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 1
	}
	delay := cfg.RetryDelayDuration()
	if delay <= 0 {
		delay = time.Second
	}
	timeout := cfg.TimeoutDuration()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		defaultURL: cfg.URL,
		maxRetries: retries,
		retryDelay: delay,
		timeout:    timeout,
		identity:   id,
		logger:     log.WithFields(zap.String("component", "callback-client")),
	}
}

// Send delivers one callback, retrying with doubling delays up to the
// configured attempt count. 2xx stops the loop, 4xx aborts it with
// ErrRejected, everything else is retried. The per-task callback URL wins
// over the configured default.
func (c *Client) Send(ctx context.Context, url string, cb *v1.CallbackRequest) error {
	if url == "" {
		url = c.defaultURL
	}
	if url == "" {
		return errors.New("no callback URL available")
	}
	if cb.ExecutorName == "" {
		cb.ExecutorName = c.identity.Name
	}
	if cb.ExecutorNamespace == "" {
		cb.ExecutorNamespace = c.identity.Namespace
	}

	body, err := json.Marshal(cb)
	if err != nil {
		return fmt.Errorf("failed to encode callback: %w", err)
	}

	delay := c.retryDelay
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		err := c.post(ctx, url, body)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("Callback delivered after retry",
					zap.Int64("task_id", cb.TaskID),
					zap.Int("attempt", attempt))
			}
			return nil
		}
		if errors.Is(err, ErrRejected) {
			return err
		}
		lastErr = err
		c.logger.Warn("Callback delivery failed",
			zap.Int64("task_id", cb.TaskID),
			zap.String("subtask_id", cb.SubtaskID),
			zap.String("status", string(cb.Status)),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.maxRetries),
			zap.Error(err))
		if attempt == c.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
	return fmt.Errorf("callback delivery failed after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *Client) post(ctx context.Context, url string, body []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectHTTP(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	var respBody bytes.Buffer
	_, _ = respBody.ReadFrom(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("status %d: %s: %w", resp.StatusCode, truncate(respBody.Bytes()), ErrRejected)
	default:
		return fmt.Errorf("status %d: %s", resp.StatusCode, truncate(respBody.Bytes()))
	}
}

func truncate(body []byte) string {
	const maxLen = 200
	if len(body) > maxLen {
		return string(body[:maxLen]) + "..."
	}
	return string(body)
}
