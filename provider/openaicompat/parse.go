package openaicompat

import (
	"encoding/json"

	"github.com/tabletalk/tabletalk"
)

// ParseResponse converts an OpenAI-format ChatResponse to the
// provider-agnostic shape. It extracts content, tool calls, and usage
// from choices[0].
func ParseResponse(resp ChatResponse) (tabletalk.ChatResponse, error) {
	var out tabletalk.ChatResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}

	if resp.Usage != nil {
		out.Usage = tabletalk.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to tool calls. The
// API returns function.arguments as a JSON string; invalid JSON falls
// back to an empty object so the tool layer can still reject it with a
// proper error envelope.
func ParseToolCalls(tcs []ToolCallRequest) []tabletalk.ToolCall {
	if len(tcs) == 0 {
		return nil
	}

	out := make([]tabletalk.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, tabletalk.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
