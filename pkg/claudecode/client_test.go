package claudecode

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wegent/wegent/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

func TestClient_SendUserMessage(t *testing.T) {
	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(""), newTestLogger())

	err := client.SendUserMessage("Hello, Claude!")
	if err != nil {
		t.Fatalf("SendUserMessage() error = %v", err)
	}

	var msg UserMessage
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &msg); err != nil {
		t.Fatalf("failed to parse sent message: %v", err)
	}

	if msg.Type != MessageTypeUser {
		t.Errorf("Type = %q, want %q", msg.Type, MessageTypeUser)
	}
	if msg.Message.Role != "user" {
		t.Errorf("Message.Role = %q, want %q", msg.Message.Role, "user")
	}
	if msg.Message.Content != "Hello, Claude!" {
		t.Errorf("Message.Content = %q, want %q", msg.Message.Content, "Hello, Claude!")
	}
}

func TestClient_HandleMessages(t *testing.T) {
	messages := []string{
		`{"type":"system","subtype":"init","session_id":"sess123"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Hello"}]}}`,
	}
	input := strings.Join(messages, "\n") + "\n"

	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(input), newTestLogger())

	var received []CLIMessage
	var mu sync.Mutex
	client.SetMessageHandler(func(msg *CLIMessage) {
		mu.Lock()
		received = append(received, *msg)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	client.Start(ctx)
	time.Sleep(50 * time.Millisecond) // Give time for processing

	mu.Lock()
	defer mu.Unlock()

	if len(received) != 2 {
		t.Fatalf("received %d messages, want 2", len(received))
	}
	if received[0].SessionID != "sess123" {
		t.Errorf("SessionID = %q, want %q", received[0].SessionID, "sess123")
	}
}

func TestClient_AutoApprove(t *testing.T) {
	input := `{"type":"control_request","request_id":"req123","request":{"subtype":"can_use_tool","tool_name":"Bash"}}` + "\n"

	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(input), newTestLogger())
	client.AutoApprove()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	client.Start(ctx)
	time.Sleep(50 * time.Millisecond) // Give time for processing

	var resp ControlResponseMessage
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.RequestID != "req123" {
		t.Errorf("RequestID = %q, want %q", resp.RequestID, "req123")
	}
	if resp.Response == nil || resp.Response.Result == nil {
		t.Fatal("expected a permission result")
	}
	if resp.Response.Result.Behavior != BehaviorAllow {
		t.Errorf("Behavior = %q, want %q", resp.Response.Result.Behavior, BehaviorAllow)
	}
}

func TestClient_NoHandlerAutoReject(t *testing.T) {
	input := `{"type":"control_request","request_id":"req123","request":{"subtype":"can_use_tool","tool_name":"Bash"}}` + "\n"

	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(input), newTestLogger())

	// No request handler set - should auto-reject

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	client.Start(ctx)
	time.Sleep(50 * time.Millisecond) // Give time for processing

	if buf.Len() == 0 {
		t.Fatal("expected error response to be sent")
	}

	var resp ControlResponseMessage
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Response == nil || resp.Response.Subtype != "error" {
		t.Error("expected error response")
	}
}

// controlEcho answers every SDK control request read from r with a canned
// success response written to w.
func controlEcho(t *testing.T, r io.Reader, w io.Writer, payload map[string]any) {
	t.Helper()
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			var req SDKControlRequest
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			resp := map[string]any{
				"type": MessageTypeControlResponse,
				"response": map[string]any{
					"request_id": req.RequestID,
					"subtype":    "success",
					"response":   payload,
				},
			}
			data, _ := json.Marshal(resp)
			_, _ = w.Write(append(data, '\n'))
		}
	}()
}

func TestClient_InitializeRoundtrip(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	defer func() {
		_ = stdinW.Close()
		_ = stdoutW.Close()
	}()

	client := NewClient(stdinW, stdoutR, newTestLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	<-client.Start(ctx)

	controlEcho(t, stdinR, stdoutW, map[string]any{
		"commands": []map[string]string{{"name": "/compact"}},
		"agents":   []string{"general"},
	})

	result, err := client.Initialize(ctx, time.Second)
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if len(result.Commands) != 1 || result.Commands[0].Name != "/compact" {
		t.Errorf("Commands = %+v, want one /compact", result.Commands)
	}
}

func TestClient_InterruptRoundtrip(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	defer func() {
		_ = stdinW.Close()
		_ = stdoutW.Close()
	}()

	client := NewClient(stdinW, stdoutR, newTestLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	<-client.Start(ctx)

	controlEcho(t, stdinR, stdoutW, nil)

	if err := client.Interrupt(ctx, time.Second); err != nil {
		t.Fatalf("Interrupt() error = %v", err)
	}
}

func TestClient_InterruptTimeout(t *testing.T) {
	// Nothing ever answers on stdout.
	pr, pw := io.Pipe()
	defer func() { _ = pw.Close() }()

	var buf bytes.Buffer
	client := NewClient(&buf, pr, newTestLogger())
	ctx := context.Background()
	<-client.Start(ctx)

	err := client.Interrupt(ctx, 30*time.Millisecond)
	if err == nil {
		t.Fatal("Interrupt() error = nil, want timeout")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %v, want a timeout", err)
	}
}

func TestClient_Stop(t *testing.T) {
	pr, _ := io.Pipe()

	var buf bytes.Buffer
	client := NewClient(&buf, pr, newTestLogger())

	ctx := context.Background()
	client.Start(ctx)

	// Stop should not panic even if called multiple times
	client.Stop()
	client.Stop()
}

func TestClient_InvalidJSON(t *testing.T) {
	input := "{invalid json}\n{\"type\":\"system\"}\n"

	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(input), newTestLogger())

	var count int
	var mu sync.Mutex
	client.SetMessageHandler(func(msg *CLIMessage) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	client.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	// Should still process the valid message
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}
