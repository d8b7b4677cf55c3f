// Package heartbeat reports container liveness to the manager. A container
// that stops beating gets its work marked orphaned by the manager's
// scheduler, so the reporter runs for the whole executor lifetime.
package heartbeat

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wegent/wegent/internal/common/logger"
)

const beatTimeout = 10 * time.Second

// Reporter posts periodic heartbeats to one URL.
type Reporter struct {
	client   *http.Client
	interval time.Duration
	logger   *logger.Logger
}

func NewReporter(interval time.Duration, log *logger.Logger) *Reporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reporter{
		client:   &http.Client{Timeout: beatTimeout},
		interval: interval,
		logger:   log.WithFields(zap.String("component", "heartbeat-reporter")),
	}
}

// URL derives the heartbeat endpoint from the manager callback URL the
// dispatcher injected. Both live under the same API prefix.
func URL(callbackURL, taskID string) string {
	prefix := strings.TrimSuffix(strings.TrimRight(callbackURL, "/"), "/callback")
	return fmt.Sprintf("%s/tasks/%s/heartbeat", prefix, taskID)
}

// Run beats immediately and then on every tick until the context ends.
// Failures are logged at debug level only; the manager's grace period
// absorbs occasional misses and the next tick retries anyway.
func (r *Reporter) Run(ctx context.Context, url string) {
	r.beat(ctx, url)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.beat(ctx, url)
		}
	}
}

func (r *Reporter) beat(ctx context.Context, url string) {
	beatCtx, cancel := context.WithTimeout(ctx, beatTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(beatCtx, http.MethodPost, url, nil)
	if err != nil {
		r.logger.Debug("Heartbeat request build failed", zap.Error(err))
		return
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Debug("Heartbeat failed", zap.String("url", url), zap.Error(err))
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.logger.Debug("Heartbeat rejected",
			zap.String("url", url),
			zap.Int("status", resp.StatusCode))
	}
}
