// Package processor consumes engine event streams, reports throttled
// progress to the manager, and owns the in-stream retry and silent-exit
// policies.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	v1 "github.com/wegent/wegent/pkg/api/v1"

	"github.com/wegent/wegent/internal/common/logger"
	"github.com/wegent/wegent/internal/executor/callback"
	"github.com/wegent/wegent/internal/executor/engine"
	"github.com/wegent/wegent/internal/executor/taskstate"
)

const (
	defaultContentThrottle  = 500 * time.Millisecond
	defaultThinkingThrottle = 300 * time.Millisecond

	// MaxAPIErrorRetries bounds in-stream re-queries after a retryable
	// agent-API failure.
	MaxAPIErrorRetries = 3

	retryPrompt = "Retry to proceed"
)

// Processor runs one execution against an engine and translates its event
// stream into manager callbacks.
type Processor struct {
	callbacks *callback.Client
	states    *taskstate.Manager
	logger    *logger.Logger

	contentThrottle  time.Duration
	thinkingThrottle time.Duration
	maxRetries       int
}

func New(callbacks *callback.Client, states *taskstate.Manager, log *logger.Logger) *Processor {
	return &Processor{
		callbacks:        callbacks,
		states:           states,
		logger:           log.WithFields(zap.String("component", "processor")),
		contentThrottle:  defaultContentThrottle,
		thinkingThrottle: defaultThinkingThrottle,
		maxRetries:       MaxAPIErrorRetries,
	}
}

// Run drives the engine until a terminal outcome. Retryable API errors
// restart the stream with a "Retry to proceed" query on the same session, up
// to the retry cap. A cancelled execution stops cleanly without a terminal
// callback; the cancel path owns the CANCELLED report.
func (p *Processor) Run(ctx context.Context, eng engine.Engine, task *v1.TaskData) taskstate.State {
	log := p.logger.WithFields(
		zap.Int64("task_id", task.TaskID),
		zap.String("subtask_id", task.SubtaskID),
		zap.String("engine", eng.Name()))

	// The query is mutated across retries; never touch the caller's copy.
	query := *task
	if task.Metadata != nil {
		meta := make(map[string]interface{}, len(task.Metadata))
		for k, v := range task.Metadata {
			meta[k] = v
		}
		query.Metadata = meta
	}

	retries := 0
	progress := 0
	silentExit := false
	silentReason := ""
	sessionID := task.SessionID()

	for {
		s := &stream{
			p:            p,
			task:         task,
			log:          log,
			progress:     progress,
			silentExit:   silentExit,
			silentReason: silentReason,
			sessionID:    sessionID,
		}

		err := eng.Execute(ctx, &query, s)

		progress = s.progress
		silentExit = s.silentExit
		silentReason = s.silentReason
		sessionID = s.sessionID

		if errors.Is(err, engine.ErrStopped) || p.states.IsCancelled(task.TaskID, task.SubtaskID) {
			log.Info("Execution stream stopped by cancellation")
			return taskstate.StateCancelled
		}
		if err != nil {
			log.Error("Engine execution failed", zap.Error(err))
			p.report(ctx, task, callback.Failed(task, err.Error()), log)
			return taskstate.StateFailed
		}

		res := s.result
		if res == nil {
			p.report(ctx, task, callback.Failed(task, "stream ended without a result"), log)
			return taskstate.StateFailed
		}

		if res.IsError {
			if (s.retryable || IsRetryableAPIError(res.Text)) && retries < p.maxRetries {
				retries++
				log.Warn("Retryable API error, re-querying",
					zap.Int("attempt", retries),
					zap.Int("max", p.maxRetries),
					zap.String("error", preview(res.Text, 200)))
				p.report(ctx, task, callback.Thinking(task, "retry",
					fmt.Sprintf("Recoverable API error, retrying (%d/%d)", retries, p.maxRetries),
					s.progress), log)

				query.Prompt = retryPrompt
				if sessionID != "" {
					if query.Metadata == nil {
						query.Metadata = map[string]interface{}{}
					}
					query.Metadata["session_id"] = sessionID
				}
				continue
			}

			s.flushPending(ctx)
			msg := res.Text
			if msg == "" {
				msg = "execution failed"
			}
			log.Error("Execution failed", zap.String("error", preview(msg, 200)), zap.Int("retries", retries))
			p.report(ctx, task, callback.Failed(task, msg), log)
			return taskstate.StateFailed
		}

		s.flushPending(ctx)

		result := map[string]interface{}{}
		if res.Data != nil {
			for k, v := range res.Data {
				result[k] = v
			}
		} else {
			result["value"] = res.Text
		}

		// Fallback marker scan on the result body itself.
		if !silentExit {
			if reason, ok := silentExitReason(res.Text); ok {
				silentExit, silentReason = true, reason
			} else if flagged, ok := result[silentExitMarker].(bool); ok && flagged {
				silentExit = true
				if r, ok := result["reason"].(string); ok {
					silentReason = r
				}
			}
		}
		if silentExit {
			result["silent_exit"] = true
			if silentReason != "" {
				result["silent_exit_reason"] = silentReason
			}
		}

		log.Info("Execution completed",
			zap.Int("turns", res.NumTurns),
			zap.Bool("silent_exit", silentExit),
			zap.Int("retries", retries))
		p.report(ctx, task, callback.Completed(task, result), log)
		return taskstate.StateCompleted
	}
}

func (p *Processor) report(ctx context.Context, task *v1.TaskData, cb *v1.CallbackRequest, log *logger.Logger) {
	if err := p.callbacks.Send(ctx, task.CallbackURL, cb); err != nil {
		log.Warn("Callback delivery failed",
			zap.String("status", string(cb.Status)),
			zap.Error(err))
	}
}

// stream is the per-attempt event consumer. It applies the cancellation
// checkpoint before every event and the two report throttles.
type stream struct {
	p    *Processor
	task *v1.TaskData
	log  *logger.Logger

	lastContent  time.Time
	lastThinking time.Time

	pendingContent  string
	pendingThinking string
	pendingStep     string

	progress     int
	retryable    bool
	silentExit   bool
	silentReason string
	sessionID    string
	result       *engine.Result
}

func (s *stream) Emit(ctx context.Context, ev engine.Event) error {
	if s.p.states.IsCancelled(s.task.TaskID, s.task.SubtaskID) {
		return engine.ErrStopped
	}

	switch ev.Kind {
	case engine.EventSystem:
		if sid, ok := ev.Data["session_id"].(string); ok && sid != "" {
			s.sessionID = sid
		}
		s.bump()
		// System messages are rare and load-bearing; never throttled.
		s.send(ctx, callback.Thinking(s.task, ev.Subtype,
			fmt.Sprintf("System message: %s", ev.Subtype), s.progress))
		s.lastThinking = time.Now()

	case engine.EventUser:
		for _, b := range ev.Blocks {
			if b.Type != "tool_result" {
				continue
			}
			if reason, ok := silentExitReason(b.Text); ok {
				s.silentExit = true
				if reason != "" {
					s.silentReason = reason
				}
				s.log.Info("Silent exit marker observed", zap.String("reason", reason))
			}
		}

	case engine.EventAssistant:
		if IsRetryableAPIError(joinBlockText(ev.Blocks)) {
			s.retryable = true
		}
		for _, b := range ev.Blocks {
			switch b.Type {
			case "thinking":
				s.reportThinking(ctx, "assistant_message_received", preview(b.Text, 120))
			case "tool_use":
				s.reportThinking(ctx, "assistant_message_received", "Using tool "+b.ToolName)
			case "text":
				s.reportContent(ctx, preview(b.Text, 200))
			}
		}

	case engine.EventResult:
		res := *ev.Result
		s.result = &res
		if res.SessionID != "" {
			s.sessionID = res.SessionID
		}
	}
	return nil
}

// reportContent passes at most one content update per throttle window.
// Suppressed updates are kept so the last one can be flushed before the
// terminal report.
func (s *stream) reportContent(ctx context.Context, msg string) {
	now := time.Now()
	if now.Sub(s.lastContent) < s.p.contentThrottle {
		s.pendingContent = msg
		return
	}
	s.lastContent = now
	s.pendingContent = ""
	s.bump()
	s.send(ctx, callback.Progress(s.task, s.progress, msg))
}

func (s *stream) reportThinking(ctx context.Context, step, msg string) {
	now := time.Now()
	if now.Sub(s.lastThinking) < s.p.thinkingThrottle {
		s.pendingThinking, s.pendingStep = msg, step
		return
	}
	s.lastThinking = now
	s.pendingThinking, s.pendingStep = "", ""
	s.bump()
	s.send(ctx, callback.Thinking(s.task, step, msg, s.progress))
}

// flushPending delivers whatever the throttles suppressed, so the last
// pre-terminal update is never lost.
func (s *stream) flushPending(ctx context.Context) {
	if s.pendingThinking != "" {
		s.send(ctx, callback.Thinking(s.task, s.pendingStep, s.pendingThinking, s.progress))
		s.pendingThinking, s.pendingStep = "", ""
	}
	if s.pendingContent != "" {
		s.send(ctx, callback.Progress(s.task, s.progress, s.pendingContent))
		s.pendingContent = ""
	}
}

func (s *stream) send(ctx context.Context, cb *v1.CallbackRequest) {
	s.p.report(ctx, s.task, cb, s.log)
}

// bump advances the synthetic progress estimate. Terminal reports override
// it with 100.
func (s *stream) bump() {
	if s.progress < 95 {
		s.progress += 5
	}
}

func joinBlockText(blocks []engine.Block) string {
	var joined string
	for _, b := range blocks {
		if b.Text != "" {
			joined += b.Text + "\n"
		}
	}
	return joined
}

func preview(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}
