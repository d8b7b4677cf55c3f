package engine

import (
	"context"
	"errors"
)

// ErrStopped is returned by an EventSink that no longer wants events, most
// commonly because the execution was cancelled. Engines treat it as a clean
// stop, not a failure.
var ErrStopped = errors.New("event consumer stopped")

// EventKind classifies normalized engine events.
type EventKind string

const (
	EventSystem    EventKind = "system"
	EventAssistant EventKind = "assistant"
	EventUser      EventKind = "user"
	EventResult    EventKind = "result"
)

// Block is one content block of an assistant or user turn, flattened to the
// fields the processor cares about.
type Block struct {
	Type     string // "text", "thinking", "tool_use", "tool_result"
	Text     string // text, thinking or flattened tool_result payload
	ToolName string // set for tool_use blocks
	IsError  bool   // set for tool_result blocks
}

// Result is the terminal payload of one query.
type Result struct {
	Subtype   string
	IsError   bool
	Text      string                 // string results, verbatim
	Data      map[string]interface{} // object results, nil for string results
	SessionID string
	NumTurns  int
}

// Event is one normalized item of an engine's stream. Exactly one of the
// kind-specific fields is populated.
type Event struct {
	Kind    EventKind
	Subtype string                 // system events
	Data    map[string]interface{} // system events
	Blocks  []Block                // assistant and user events
	Result  *Result                // result events
}

// EventSink consumes an engine's event stream in order. An error from Emit
// stops the engine's pump; ErrStopped means stop without failing.
type EventSink interface {
	Emit(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Emit(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}
