package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/tabletalk/tabletalk"
)

func toolCallMsg(id, name, args string) tabletalk.ChatMessage {
	return tabletalk.ChatMessage{
		Role:      tabletalk.RoleAssistant,
		ToolCalls: []tabletalk.ToolCall{{ID: id, Name: name, Args: json.RawMessage(args)}},
	}
}

func TestExtractSQLTurn(t *testing.T) {
	messages := []tabletalk.ChatMessage{
		toolCallMsg("c1", "execute_sql", `{"dataset_id": "e", "sql": "SELECT COUNT(*) AS n FROM orders"}`),
		tabletalk.ToolResultMessage("c1", "execute_sql",
			`{"status": "success", "columns": ["n"], "rows": [[5]], "row_count": 1, "exec_time_ms": 12}`),
		tabletalk.AssistantMessage("There are 5 orders."),
	}
	data := Extract(messages, "e", "how many orders?")

	if data.QueryMode != tabletalk.ModeSQL {
		t.Errorf("QueryMode = %q", data.QueryMode)
	}
	if data.CompiledSQL != "SELECT COUNT(*) AS n FROM orders" {
		t.Errorf("CompiledSQL = %q", data.CompiledSQL)
	}
	if data.Status != tabletalk.StatusSucceeded {
		t.Errorf("Status = %q", data.Status)
	}
	if data.Result == nil || data.Result.RowCount != 1 {
		t.Errorf("Result = %+v", data.Result)
	}
	if data.AssistantMessage != "There are 5 orders." {
		t.Errorf("AssistantMessage = %q", data.AssistantMessage)
	}
}

func TestExtractChatOnlyTurn(t *testing.T) {
	messages := []tabletalk.ChatMessage{
		tabletalk.AssistantMessage("I can query your datasets with SQL."),
	}
	data := Extract(messages, "e", "what can you do?")

	if data.QueryMode != tabletalk.ModeChat || data.Status != tabletalk.StatusSucceeded {
		t.Errorf("mode = %q, status = %q", data.QueryMode, data.Status)
	}
	if data.Result != nil {
		t.Errorf("Result = %+v", data.Result)
	}
}

func TestExtractFallbackAssistantMessage(t *testing.T) {
	data := Extract(nil, "e", "q")
	if data.AssistantMessage != "Done." {
		t.Errorf("AssistantMessage = %q", data.AssistantMessage)
	}
}

func TestExtractPlanTurn(t *testing.T) {
	planArg := `{"table": "orders", "select": [{"column": "order_id"}]}`
	args, _ := json.Marshal(map[string]string{"dataset_id": "e", "plan": planArg})
	messages := []tabletalk.ChatMessage{
		toolCallMsg("c1", "execute_query_plan", string(args)),
		tabletalk.ToolResultMessage("c1", "execute_query_plan",
			`{"status": "success", "columns": ["order_id"], "rows": [], "row_count": 0}`),
		tabletalk.AssistantMessage("No rows."),
	}
	data := Extract(messages, "e", "list orders")

	if data.QueryMode != tabletalk.ModePlan {
		t.Errorf("QueryMode = %q", data.QueryMode)
	}
	if string(data.PlanJSON) != planArg {
		t.Errorf("PlanJSON = %s", data.PlanJSON)
	}
}

func TestExtractRejectedTurn(t *testing.T) {
	messages := []tabletalk.ChatMessage{
		toolCallMsg("c1", "execute_sql", `{"dataset_id": "e", "sql": "DROP TABLE orders"}`),
		tabletalk.ToolResultMessage("c1", "execute_sql",
			`{"status": "error", "columns": [], "rows": [], "row_count": 0, "error": {"type": "SQL_POLICY_VIOLATION", "message": "SQL contains blocked token: drop"}}`),
		tabletalk.AssistantMessage("I can't run DDL statements."),
	}
	data := Extract(messages, "e", "drop the table")

	if data.Status != tabletalk.StatusRejected {
		t.Errorf("Status = %q", data.Status)
	}
}

func TestExtractTimedOutTurn(t *testing.T) {
	messages := []tabletalk.ChatMessage{
		toolCallMsg("c1", "execute_python", `{"dataset_id": "e", "python_code": "while True: pass"}`),
		tabletalk.ToolResultMessage("c1", "execute_python",
			`{"status": "timeout", "columns": [], "rows": [], "row_count": 0, "error": {"type": "RUNNER_TIMEOUT", "message": "Query exceeded timeout of 10 seconds"}}`),
		tabletalk.AssistantMessage("That took too long."),
	}
	data := Extract(messages, "e", "hang forever")

	if data.QueryMode != tabletalk.ModePython {
		t.Errorf("QueryMode = %q", data.QueryMode)
	}
	if data.PythonCode != "while True: pass" {
		t.Errorf("PythonCode = %q", data.PythonCode)
	}
	if data.Status != tabletalk.StatusTimedOut {
		t.Errorf("Status = %q", data.Status)
	}
}

func TestExtractLastExecutionWins(t *testing.T) {
	messages := []tabletalk.ChatMessage{
		toolCallMsg("c1", "execute_sql", `{"sql": "SELECT bogus FROM orders"}`),
		tabletalk.ToolResultMessage("c1", "execute_sql",
			`{"status": "error", "columns": [], "rows": [], "row_count": 0, "error": {"type": "SQL_EXECUTION_ERROR", "message": "no such column"}}`),
		toolCallMsg("c2", "execute_sql", `{"sql": "SELECT order_id FROM orders"}`),
		tabletalk.ToolResultMessage("c2", "execute_sql",
			`{"status": "success", "columns": ["order_id"], "rows": [["o1"]], "row_count": 1}`),
		tabletalk.AssistantMessage("Found it."),
	}
	data := Extract(messages, "e", "q")

	if data.Status != tabletalk.StatusSucceeded {
		t.Errorf("Status = %q, retry result should win", data.Status)
	}
	if data.CompiledSQL != "SELECT order_id FROM orders" {
		t.Errorf("CompiledSQL = %q", data.CompiledSQL)
	}
}

func TestExtractIgnoresNonExecutionTools(t *testing.T) {
	messages := []tabletalk.ChatMessage{
		toolCallMsg("c1", "get_dataset_schema", `{"dataset_id": "e"}`),
		tabletalk.ToolResultMessage("c1", "get_dataset_schema",
			`{"status": "success", "id": "e", "files": []}`),
		tabletalk.AssistantMessage("The schema has two tables."),
	}
	data := Extract(messages, "e", "what tables?")

	if data.Result != nil {
		t.Errorf("schema output should not become a result: %+v", data.Result)
	}
	if data.QueryMode != tabletalk.ModeChat {
		t.Errorf("QueryMode = %q", data.QueryMode)
	}
}

// capsuleByID serves capsules from a map.
type capsuleByID map[string]*tabletalk.Capsule

func (c capsuleByID) Init(context.Context) error { return nil }
func (c capsuleByID) InsertCapsule(_ context.Context, cp tabletalk.Capsule) error {
	c[cp.RunID] = &cp
	return nil
}
func (c capsuleByID) GetCapsule(_ context.Context, runID string) (*tabletalk.Capsule, error) {
	return c[runID], nil
}
func (c capsuleByID) Close() error { return nil }

func TestPriorRunContext(t *testing.T) {
	capsules := capsuleByID{
		"r1": {
			RunID:       "r1",
			DatasetID:   "e",
			QueryMode:   tabletalk.ModeSQL,
			Status:      tabletalk.StatusSucceeded,
			CompiledSQL: "SELECT product, SUM(total) FROM orders GROUP BY product",
			Result: &tabletalk.RunnerResult{
				Status:   tabletalk.RunnerSuccess,
				Columns:  []string{"product", "sum_total"},
				RowCount: 10,
			},
		},
		"r2": {RunID: "r2", DatasetID: "e", QueryMode: tabletalk.ModeChat, Status: tabletalk.StatusSucceeded},
	}
	history := []tabletalk.ThreadMessage{
		{Role: "user", Content: "top products", RunID: "r1"},
		{Role: "assistant", Content: "here", RunID: "r1"},
		{Role: "user", Content: "thanks", RunID: "r2"},
		{Role: "assistant", Content: "welcome", RunID: "r2"},
	}

	got := PriorRunContext(context.Background(), history, "e", capsules)
	if !strings.HasPrefix(got, "Previous successful run context:") {
		t.Fatalf("context = %q", got)
	}
	if !strings.Contains(got, "- query_mode: sql") || !strings.Contains(got, "- row_count: 10") {
		t.Errorf("context = %q", got)
	}
	if !strings.Contains(got, `["product","sum_total"]`) {
		t.Errorf("columns preview missing: %q", got)
	}
	if !strings.Contains(got, "- python_code: N/A") {
		t.Errorf("python snippet should be N/A: %q", got)
	}
}

func TestPriorRunContextSkipsOtherDatasets(t *testing.T) {
	capsules := capsuleByID{
		"r1": {RunID: "r1", DatasetID: "other", QueryMode: tabletalk.ModeSQL, Status: tabletalk.StatusSucceeded},
	}
	history := []tabletalk.ThreadMessage{{Role: "user", Content: "q", RunID: "r1"}}

	if got := PriorRunContext(context.Background(), history, "e", capsules); got != "" {
		t.Errorf("context = %q, want empty", got)
	}
}

func TestPriorRunContextTruncatesSQL(t *testing.T) {
	long := strings.Repeat("SELECT * FROM orders UNION ALL ", 30)
	capsules := capsuleByID{
		"r1": {
			RunID: "r1", DatasetID: "e", QueryMode: tabletalk.ModeSQL,
			Status: tabletalk.StatusSucceeded, CompiledSQL: long,
			Result: &tabletalk.RunnerResult{Status: tabletalk.RunnerSuccess},
		},
	}
	history := []tabletalk.ThreadMessage{{Role: "user", Content: "q", RunID: "r1"}}

	got := PriorRunContext(context.Background(), history, "e", capsules)
	if !strings.Contains(got, "...") {
		t.Errorf("long SQL should be truncated: %q", got)
	}
}
