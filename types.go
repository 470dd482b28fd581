package tabletalk

import "encoding/json"

// Role values for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is a single message in a model conversation. Assistant
// messages may carry tool calls; tool messages carry the result of one
// call and reference it through ToolCallID.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolDefinition describes a callable tool to the model. Parameters is a
// JSON Schema object.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatRequest is a provider-agnostic chat completion request.
type ChatRequest struct {
	Messages []ChatMessage
	Tools    []ToolDefinition
}

// ChatResponse is the provider's reply: either assistant text, tool
// calls, or both.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Usage reports token consumption for a single provider call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// SystemMessage builds a system-role message.
func SystemMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: content}
}

// UserMessage builds a user-role message.
func UserMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant-role message.
func AssistantMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: content}
}

// ToolResultMessage builds a tool-role message answering the call with
// the given id.
func ToolResultMessage(callID, name, content string) ChatMessage {
	return ChatMessage{Role: RoleTool, Content: content, ToolCallID: callID, Name: name}
}

// IsTextOnly reports whether m is an assistant message that carries text
// and no tool calls.
func (m ChatMessage) IsTextOnly() bool {
	return m.Role == RoleAssistant && m.Content != "" && len(m.ToolCalls) == 0
}
