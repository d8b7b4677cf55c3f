package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// ResultSubtypeSuccess is the subtype engines attach to a normally
// completed query.
const ResultSubtypeSuccess = "success"

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload interface{}) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// apiErrorResult shapes a non-2xx engine API response as an error result so
// the retry policy can classify it by status.
func apiErrorResult(status int, body []byte) *Result {
	return &Result{
		Subtype: "error",
		IsError: true,
		Text:    fmt.Sprintf("API Error: %d: %s", status, truncateBody(body)),
	}
}

func truncateBody(body []byte) string {
	const maxLen = 300
	if len(body) > maxLen {
		return string(body[:maxLen]) + "..."
	}
	return string(body)
}
