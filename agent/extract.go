package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tabletalk/tabletalk"
	"github.com/tabletalk/tabletalk/store"
	"github.com/tabletalk/tabletalk/tools"
)

// TurnData is everything a finished turn contributes to its capsule.
type TurnData struct {
	DatasetID        string
	Question         string
	QueryMode        string
	CompiledSQL      string
	PythonCode       string
	PlanJSON         json.RawMessage
	Status           string
	Result           *tabletalk.RunnerResult
	AssistantMessage string
}

// Extract walks the messages a turn produced and builds capsule data.
// Only tool messages answering execution tools contribute a result; the
// last one wins. Tool inputs provide the compiled SQL, plan, or python
// code, and the last text-only assistant message becomes the reply.
func Extract(messages []tabletalk.ChatMessage, datasetID, question string) TurnData {
	// Map tool call ids to tool names first, so tool messages can be
	// attributed even when their Name field is empty.
	callNames := make(map[string]string)
	for _, m := range messages {
		if m.Role != tabletalk.RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			callNames[tc.ID] = tc.Name
		}
	}

	data := TurnData{
		DatasetID: datasetID,
		Question:  question,
		QueryMode: tabletalk.ModeChat,
	}
	for _, m := range messages {
		switch m.Role {
		case tabletalk.RoleAssistant:
			for _, tc := range m.ToolCalls {
				var args struct {
					SQL        string `json:"sql"`
					Plan       string `json:"plan"`
					PythonCode string `json:"python_code"`
				}
				_ = json.Unmarshal(tc.Args, &args)
				switch tc.Name {
				case "execute_sql":
					data.CompiledSQL = args.SQL
					data.QueryMode = tabletalk.ModeSQL
				case "execute_query_plan":
					if json.Valid([]byte(args.Plan)) {
						data.PlanJSON = json.RawMessage(args.Plan)
					} else {
						data.PlanJSON = nil
					}
					data.QueryMode = tabletalk.ModePlan
				case "execute_python":
					data.PythonCode = args.PythonCode
					data.QueryMode = tabletalk.ModePython
				}
			}
			if m.Content != "" && len(m.ToolCalls) == 0 {
				data.AssistantMessage = m.Content
			}

		case tabletalk.RoleTool:
			name := m.Name
			if name == "" {
				name = callNames[m.ToolCallID]
			}
			if !tools.ExecutionToolNames[name] {
				continue
			}
			var result tabletalk.RunnerResult
			if err := json.Unmarshal([]byte(m.Content), &result); err != nil || result.Status == "" {
				continue
			}
			data.Result = &result
		}
	}

	data.Status = deriveStatus(data.QueryMode, data.Result)
	if data.AssistantMessage == "" {
		data.AssistantMessage = "Done."
	}
	return data
}

// deriveStatus maps the last execution envelope to a turn status.
// Chat-only turns never executed anything, so they always succeed.
func deriveStatus(queryMode string, result *tabletalk.RunnerResult) string {
	if queryMode == tabletalk.ModeChat {
		return tabletalk.StatusSucceeded
	}
	return tabletalk.CapsuleStatus(result)
}

const (
	contextSnippetLimit = 500
	contextColumnLimit  = 15
)

// PriorRunContext builds the follow-up grounding block from the latest
// successful run referenced by the thread history, newest first.
// Returns "" when no matching capsule exists.
func PriorRunContext(ctx context.Context, history []tabletalk.ThreadMessage, datasetID string, capsules store.CapsuleStore) string {
	seen := make(map[string]bool)
	for i := len(history) - 1; i >= 0; i-- {
		runID := history[i].RunID
		if runID == "" || seen[runID] {
			continue
		}
		seen[runID] = true

		capsule, err := capsules.GetCapsule(ctx, runID)
		if err != nil || capsule == nil {
			continue
		}
		if capsule.DatasetID != datasetID || capsule.Status != tabletalk.StatusSucceeded {
			continue
		}
		switch capsule.QueryMode {
		case tabletalk.ModeSQL, tabletalk.ModePlan, tabletalk.ModePython:
		default:
			continue
		}

		var columns []string
		rowCount := 0
		if capsule.Result != nil {
			columns = capsule.Result.Columns
			rowCount = capsule.Result.RowCount
		}
		if columns == nil {
			columns = []string{}
		}
		if len(columns) > contextColumnLimit {
			columns = columns[:contextColumnLimit]
		}
		colsJSON, _ := json.Marshal(columns)

		return "Previous successful run context:\n" +
			fmt.Sprintf("- query_mode: %s\n", capsule.QueryMode) +
			fmt.Sprintf("- row_count: %d\n", rowCount) +
			fmt.Sprintf("- columns: %s\n", colsJSON) +
			fmt.Sprintf("- compiled_sql: %s\n", snippet(capsule.CompiledSQL)) +
			fmt.Sprintf("- python_code: %s\n", snippet(capsule.PythonCode)) +
			"Use this only when the current user request is a follow-up that refers to prior results."
	}
	return ""
}

// snippet trims trailing noise and caps the length, marking truncation.
func snippet(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "N/A"
	}
	if len(s) > contextSnippetLimit {
		return s[:contextSnippetLimit] + "..."
	}
	return s
}
