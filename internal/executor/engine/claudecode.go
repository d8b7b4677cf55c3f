package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	v1 "github.com/wegent/wegent/pkg/api/v1"

	"github.com/wegent/wegent/internal/common/config"
	"github.com/wegent/wegent/internal/common/logger"
	"github.com/wegent/wegent/internal/executor/sessions"
	"github.com/wegent/wegent/internal/executor/taskstate"
	"github.com/wegent/wegent/pkg/claudecode"
)

const (
	claudeInitTimeout      = 30 * time.Second
	claudeInterruptTimeout = 5 * time.Second
)

// ClaudeCode drives the Claude Code CLI in stream-json mode. One CLI process
// is kept per execution key so retries continue the live conversation;
// follow-up executions resume persisted sessions via --resume.
type ClaudeCode struct {
	binary string
	mcpURL string
	store  *sessions.Store
	logger *logger.Logger
}

func NewClaudeCode(cfg config.EnginesConfig, mcpURL string, store *sessions.Store, log *logger.Logger) *ClaudeCode {
	binary := cfg.ClaudeBinary
	if binary == "" {
		binary = "claude"
	}
	return &ClaudeCode{
		binary: binary,
		mcpURL: mcpURL,
		store:  store,
		logger: log.WithFields(zap.String("component", "claudecode-engine")),
	}
}

func (e *ClaudeCode) Name() string { return v1.ShellTypeClaudeCode }

// Execute sends the prompt into the task's CLI session and pumps the reply
// stream into the sink until a result message lands.
func (e *ClaudeCode) Execute(ctx context.Context, task *v1.TaskData, sink EventSink) error {
	key := taskstate.Key(task.TaskID, task.SubtaskID)
	sess, err := e.session(ctx, task, key)
	if err != nil {
		return err
	}

	if err := sess.client.SendUserMessage(task.Prompt); err != nil {
		e.store.Close(key)
		return fmt.Errorf("failed to send prompt to claude CLI: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sess.exited:
			// The process may have flushed its result right before dying.
			for {
				select {
				case msg := <-sess.events:
					ev, keep := translateCLI(msg)
					if !keep {
						continue
					}
					if err := sink.Emit(ctx, ev); err != nil {
						return err
					}
					if ev.Kind == EventResult {
						return nil
					}
				default:
					e.store.Close(key)
					return errors.New("claude CLI exited before returning a result")
				}
			}
		case msg := <-sess.events:
			ev, keep := translateCLI(msg)
			if !keep {
				continue
			}
			if err := sink.Emit(ctx, ev); err != nil {
				return err
			}
			if ev.Kind == EventResult {
				return nil
			}
		}
	}
}

// Interrupt sends the CLI an interrupt control request over the live
// session, if one exists.
func (e *ClaudeCode) Interrupt(taskKey string) error {
	existing, ok := e.store.Get(taskKey)
	if !ok {
		return fmt.Errorf("no live claude session for %s", taskKey)
	}
	sess, ok := existing.(*cliSession)
	if !ok {
		return fmt.Errorf("session for %s is not a claude session", taskKey)
	}
	ctx, cancel := context.WithTimeout(context.Background(), claudeInterruptTimeout)
	defer cancel()
	return sess.client.Interrupt(ctx, claudeInterruptTimeout)
}

// session returns the live session for the key, replacing dead ones.
func (e *ClaudeCode) session(ctx context.Context, task *v1.TaskData, key string) (*cliSession, error) {
	if existing, ok := e.store.Get(key); ok {
		if sess, isCLI := existing.(*cliSession); isCLI {
			select {
			case <-sess.exited:
				e.store.Close(key)
			default:
				return sess, nil
			}
		}
	}

	sess, err := e.spawn(ctx, task)
	if err != nil {
		return nil, err
	}
	e.store.Put(key, sess)
	return sess, nil
}

func (e *ClaudeCode) spawn(ctx context.Context, task *v1.TaskData) (*cliSession, error) {
	args := []string{
		"-p",
		"--output-format=stream-json",
		"--input-format=stream-json",
		"--verbose",
		"--permission-prompt-tool=stdio",
		"--disallowedTools=AskUserQuestion",
		"--setting-sources=user,project",
		"--permission-mode", "bypassPermissions",
	}
	if sid := task.SessionID(); sid != "" {
		args = append(args, "--resume", sid)
	}
	if e.mcpURL != "" {
		args = append(args, "--mcp-config",
			fmt.Sprintf(`{"mcpServers":{"wegent":{"type":"http","url":"%s"}}}`, e.mcpURL))
	}

	cmd := exec.Command(e.binary, args...)
	cmd.Env = os.Environ()
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open claude stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open claude stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start claude CLI: %w", err)
	}

	e.logger.Info("Started claude CLI",
		zap.Int64("task_id", task.TaskID),
		zap.String("subtask_id", task.SubtaskID),
		zap.Bool("resume", task.SessionID() != ""),
		zap.Int("pid", cmd.Process.Pid))

	sess := &cliSession{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan *claudecode.CLIMessage, 256),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(sess.exited)
	}()

	client := claudecode.NewClient(stdin, stdout, e.logger)
	client.AutoApprove()
	client.SetMessageHandler(func(msg *claudecode.CLIMessage) {
		select {
		case sess.events <- msg:
		case <-sess.done:
		}
	})
	sess.client = client

	// The pump outlives individual queries; session lifetime governs it.
	<-client.Start(context.Background())

	if _, err := client.Initialize(ctx, claudeInitTimeout); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("claude CLI initialize failed: %w", err)
	}
	return sess, nil
}

// cliSession is one running CLI process plus its protocol client.
type cliSession struct {
	cmd       *exec.Cmd
	client    *claudecode.Client
	stdin     io.WriteCloser
	events    chan *claudecode.CLIMessage
	done      chan struct{} // closed by Close, unblocks the message handler
	exited    chan struct{} // closed when the process is reaped
	closeOnce sync.Once
}

func (s *cliSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.client.Stop()
		_ = s.stdin.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
	return nil
}

// translateCLI normalizes one CLI protocol message into an engine event.
// Unknown message types and empty turns are dropped.
func translateCLI(msg *claudecode.CLIMessage) (Event, bool) {
	switch msg.Type {
	case claudecode.MessageTypeSystem:
		data := map[string]interface{}{}
		if msg.SessionID != "" {
			data["session_id"] = msg.SessionID
		}
		return Event{Kind: EventSystem, Subtype: msg.Subtype, Data: data}, true
	case claudecode.MessageTypeAssistant:
		blocks := translateBlocks(msg)
		if len(blocks) == 0 {
			return Event{}, false
		}
		return Event{Kind: EventAssistant, Blocks: blocks}, true
	case claudecode.MessageTypeUser:
		blocks := translateBlocks(msg)
		if len(blocks) == 0 {
			return Event{}, false
		}
		return Event{Kind: EventUser, Blocks: blocks}, true
	case claudecode.MessageTypeResult:
		return Event{Kind: EventResult, Result: &Result{
			Subtype:   msg.Subtype,
			IsError:   msg.IsError,
			Text:      msg.ResultText(),
			Data:      msg.ResultMap(),
			SessionID: msg.SessionID,
			NumTurns:  msg.NumTurns,
		}}, true
	default:
		return Event{}, false
	}
}

func translateBlocks(msg *claudecode.CLIMessage) []Block {
	if msg.Message == nil {
		return nil
	}
	var blocks []Block
	for _, cb := range msg.Message.Content {
		switch cb.Type {
		case "text":
			if cb.Text != "" {
				blocks = append(blocks, Block{Type: "text", Text: cb.Text})
			}
		case "thinking":
			if cb.Thinking != "" {
				blocks = append(blocks, Block{Type: "thinking", Text: cb.Thinking})
			}
		case "tool_use":
			blocks = append(blocks, Block{Type: "tool_use", ToolName: cb.Name})
		case "tool_result":
			blocks = append(blocks, Block{Type: "tool_result", Text: cb.TextContent(), IsError: cb.IsError})
		}
	}
	return blocks
}
