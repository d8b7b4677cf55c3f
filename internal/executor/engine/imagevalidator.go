package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	v1 "github.com/wegent/wegent/pkg/api/v1"

	"github.com/wegent/wegent/internal/common/logger"
)

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>)\]]+`)

// ImageValidator fetches the image URLs attached to a task and verifies they
// resolve to actual image content. It backs validation-type tasks; its
// verdict lands in the result as "valid" plus a human-readable "details".
type ImageValidator struct {
	client *http.Client
	logger *logger.Logger
}

func NewImageValidator(log *logger.Logger) *ImageValidator {
	return &ImageValidator{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: log.WithFields(zap.String("component", "imagevalidator-engine")),
	}
}

func (e *ImageValidator) Name() string { return v1.ShellTypeImageValidator }

func (e *ImageValidator) Interrupt(string) error {
	return errors.New("imagevalidator engine does not support interrupts")
}

func (e *ImageValidator) Execute(ctx context.Context, task *v1.TaskData, sink EventSink) error {
	if err := sink.Emit(ctx, Event{
		Kind:    EventSystem,
		Subtype: "init",
		Data:    map[string]interface{}{"engine": v1.ShellTypeImageValidator},
	}); err != nil {
		return err
	}

	urls := imageURLs(task)
	if len(urls) == 0 {
		return sink.Emit(ctx, Event{Kind: EventResult, Result: &Result{
			Subtype: ResultSubtypeSuccess,
			Data: map[string]interface{}{
				"valid":   false,
				"details": "no image URLs to validate",
			},
		}})
	}

	var problems []string
	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.checkImage(ctx, u); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", u, err))
		}
	}

	valid := len(problems) == 0
	details := fmt.Sprintf("validated %d image(s)", len(urls))
	if !valid {
		details = strings.Join(problems, "; ")
	}
	e.logger.Info("Image validation finished",
		zap.Int64("task_id", task.TaskID),
		zap.Int("urls", len(urls)),
		zap.Bool("valid", valid))

	return sink.Emit(ctx, Event{Kind: EventResult, Result: &Result{
		Subtype: ResultSubtypeSuccess,
		Data: map[string]interface{}{
			"valid":   valid,
			"details": details,
		},
	}})
}

// imageURLs collects candidate URLs from metadata first, then falls back to
// scanning the prompt.
func imageURLs(task *v1.TaskData) []string {
	var urls []string
	if task.Metadata != nil {
		if list, ok := task.Metadata["image_urls"].([]interface{}); ok {
			for _, item := range list {
				if u, ok := item.(string); ok && u != "" {
					urls = append(urls, u)
				}
			}
		}
		if u, ok := task.Metadata["image_url"].(string); ok && u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		urls = urlPattern.FindAllString(task.Prompt, -1)
	}
	return urls
}

func (e *ImageValidator) checkImage(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "image/") {
		return nil
	}
	// Content-Type lies often enough; sniff the payload.
	head := make([]byte, 512)
	n, err := io.ReadFull(resp.Body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return err
	}
	if detected := http.DetectContentType(head[:n]); strings.HasPrefix(detected, "image/") {
		return nil
	}
	return errors.New("not an image")
}
