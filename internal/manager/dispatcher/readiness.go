package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// AwaitReady polls the dispatcher for a task's container address and
// returns it once the executor answers its health endpoint.
func AwaitReady(ctx context.Context, d ExecutorDispatcher, client *http.Client, taskID int64, timeout, poll time.Duration) (string, error) {
	if poll <= 0 {
		poll = time.Second
	}

	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		addr, err := d.GetContainerAddress(ctx, taskID)
		switch {
		case err != nil:
			lastErr = err
		case ProbeHealthy(ctx, client, addr):
			return addr, nil
		default:
			lastErr = fmt.Errorf("executor at %s is not answering health checks", addr)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(poll):
		}
	}
	if lastErr == nil {
		lastErr = errors.New("container never became addressable")
	}
	return "", fmt.Errorf("executor container not ready within %s: %v", timeout, lastErr)
}

// ProbeHealthy performs the inline GET / check executors answer once their
// HTTP server is up.
func ProbeHealthy(ctx context.Context, client *http.Client, baseURL string) bool {
	if baseURL == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}
