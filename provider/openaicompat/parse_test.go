package openaicompat

import (
	"testing"
)

func TestParseResponseText(t *testing.T) {
	resp := ChatResponse{
		Choices: []Choice{{
			Message: &ChoiceMessage{Role: "assistant", Content: "There are 5 orders."},
		}},
		Usage: &Usage{PromptTokens: 100, CompletionTokens: 20},
	}
	out, err := ParseResponse(resp)
	if err != nil {
		t.Fatal(err)
	}
	if out.Content != "There are 5 orders." {
		t.Errorf("content = %q", out.Content)
	}
	if out.Usage.InputTokens != 100 || out.Usage.OutputTokens != 20 {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestParseResponseToolCalls(t *testing.T) {
	resp := ChatResponse{
		Choices: []Choice{{
			Message: &ChoiceMessage{
				ToolCalls: []ToolCallRequest{{
					ID: "call-1", Type: "function",
					Function: FunctionCall{Name: "execute_sql", Arguments: `{"sql":"SELECT 1"}`},
				}},
			},
		}},
	}
	out, err := ParseResponse(resp)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", out.ToolCalls)
	}
	tc := out.ToolCalls[0]
	if tc.ID != "call-1" || tc.Name != "execute_sql" || string(tc.Args) != `{"sql":"SELECT 1"}` {
		t.Errorf("tool call = %+v", tc)
	}
}

func TestParseResponseEmptyChoices(t *testing.T) {
	out, err := ParseResponse(ChatResponse{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Content != "" || len(out.ToolCalls) != 0 {
		t.Errorf("out = %+v", out)
	}
}

func TestParseToolCallsInvalidArguments(t *testing.T) {
	tcs := ParseToolCalls([]ToolCallRequest{{
		ID:       "call-1",
		Function: FunctionCall{Name: "execute_sql", Arguments: "not json"},
	}})
	if len(tcs) != 1 {
		t.Fatalf("tool calls = %+v", tcs)
	}
	if string(tcs[0].Args) != `{}` {
		t.Errorf("args = %s", tcs[0].Args)
	}
}
