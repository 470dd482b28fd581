package tabletalk

import "encoding/json"

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventStatus marks a stage transition ("planning", "executing").
	EventStatus StreamEventType = "status"
	// EventToken carries a chunk of assistant text.
	EventToken StreamEventType = "token"
	// EventToolCall signals a tool is about to be invoked.
	EventToolCall StreamEventType = "tool_call"
	// EventToolResult carries the result of a completed tool call.
	EventToolResult StreamEventType = "tool_result"
	// EventResult carries the final response payload.
	EventResult StreamEventType = "result"
	// EventError carries a terminal failure.
	EventError StreamEventType = "error"
	// EventDone terminates the stream; it always carries the run id.
	EventDone StreamEventType = "done"
)

// StreamEvent is a typed event emitted while a turn runs. Consumers
// receive these on the channel passed to the streaming entry points; the
// server serializes them as SSE frames.
type StreamEvent struct {
	Type StreamEventType `json:"type"`
	// Stage is set for status events.
	Stage string `json:"stage,omitempty"`
	// Content carries the token text or a tool result summary.
	Content string `json:"content,omitempty"`
	// Name and Args describe a tool call.
	Name string          `json:"name,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
	// Data carries the result, error, or done payload.
	Data any `json:"data,omitempty"`
}
