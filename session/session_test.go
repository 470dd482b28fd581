package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tabletalk/tabletalk"
	"github.com/tabletalk/tabletalk/agent"
	"github.com/tabletalk/tabletalk/dataset"
	"github.com/tabletalk/tabletalk/executor"
	"github.com/tabletalk/tabletalk/tools"
)

// fakeExecutor records the last payload and returns a canned envelope.
type fakeExecutor struct {
	calls  int
	last   tabletalk.RunnerPayload
	result *tabletalk.RunnerResult
}

func (f *fakeExecutor) SubmitRun(_ context.Context, payload tabletalk.RunnerPayload) executor.Submission {
	f.calls++
	f.last = payload
	status := executor.StatusFailed
	if f.result != nil && f.result.Status == tabletalk.RunnerSuccess {
		status = executor.StatusSucceeded
	}
	return executor.Submission{RunID: "exec-run-1", Status: status, Result: f.result}
}

func (f *fakeExecutor) Status(string) string                  { return executor.StatusNotFound }
func (f *fakeExecutor) Result(string) *tabletalk.RunnerResult { return nil }
func (f *fakeExecutor) Cleanup(string)                        {}

// memStore keeps capsules and messages in memory.
type memStore struct {
	capsules map[string]tabletalk.Capsule
	messages []tabletalk.ThreadMessage
}

func newMemStore() *memStore {
	return &memStore{capsules: make(map[string]tabletalk.Capsule)}
}

func (s *memStore) Init(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

func (s *memStore) InsertCapsule(_ context.Context, c tabletalk.Capsule) error {
	s.capsules[c.RunID] = c
	return nil
}

func (s *memStore) GetCapsule(_ context.Context, runID string) (*tabletalk.Capsule, error) {
	c, ok := s.capsules[runID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *memStore) AppendMessage(_ context.Context, m tabletalk.ThreadMessage) error {
	m.ID = int64(len(s.messages) + 1)
	s.messages = append(s.messages, m)
	return nil
}

func (s *memStore) GetMessages(_ context.Context, threadID string, limit int) ([]tabletalk.ThreadMessage, error) {
	var out []tabletalk.ThreadMessage
	for _, m := range s.messages {
		if m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// scriptedProvider replays a fixed sequence of responses.
type scriptedProvider struct {
	responses []tabletalk.ChatResponse
	calls     int
	firstReq  tabletalk.ChatRequest
}

func (p *scriptedProvider) Chat(_ context.Context, req tabletalk.ChatRequest) (tabletalk.ChatResponse, error) {
	if p.calls == 0 {
		p.firstReq = req
	}
	if p.calls >= len(p.responses) {
		return tabletalk.ChatResponse{}, errors.New("script exhausted")
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

func testRegistry(t *testing.T) *dataset.Registry {
	t.Helper()
	dir := t.TempDir()
	reg := `{
		"datasets": [
			{
				"id": "ecommerce",
				"name": "E-commerce Orders",
				"version_hash": "abc123",
				"files": [
					{"name": "orders", "path": "orders.csv",
					 "schema": {"order_id": {"type": "string"}, "total": {"type": "number"}}}
				]
			}
		]
	}`
	if err := os.WriteFile(filepath.Join(dir, "registry.json"), []byte(reg), 0o644); err != nil {
		t.Fatal(err)
	}
	csv := "order_id,total\no1,10\n"
	if err := os.WriteFile(filepath.Join(dir, "orders.csv"), []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := dataset.LoadRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

type fixture struct {
	orch     *Orchestrator
	exec     *fakeExecutor
	store    *memStore
	provider *scriptedProvider
}

func newFixture(t *testing.T, responses []tabletalk.ChatResponse, enablePython bool) *fixture {
	t.Helper()
	reg := testRegistry(t)
	exec := &fakeExecutor{result: &tabletalk.RunnerResult{
		Status:   tabletalk.RunnerSuccess,
		Columns:  []string{"n"},
		Rows:     [][]any{{float64(5)}},
		RowCount: 1,
	}}
	toolset := tools.New(reg, exec, tools.Config{
		TimeoutSeconds: 10, MaxRows: 200, MaxOutputBytes: 65536, EnablePython: enablePython,
	}, nil)
	toolReg := tabletalk.NewToolRegistry()
	toolReg.Add(toolset)
	provider := &scriptedProvider{responses: responses}
	engine := agent.New(provider, toolReg)
	mem := newMemStore()
	orch := New(engine, toolset, reg, mem, mem, Config{MaxRows: 200, EnablePython: enablePython})
	return &fixture{orch: orch, exec: exec, store: mem, provider: provider}
}

func TestDirective(t *testing.T) {
	tests := []struct {
		in, mode, body string
	}{
		{"SQL: SELECT 1", InputSQL, "SELECT 1"},
		{"sql:SELECT 1", InputSQL, "SELECT 1"},
		{"  Python: print(1)  ", InputPython, "print(1)"},
		{"how many orders?", InputAgent, ""},
		{"sqlite is nice", InputAgent, ""},
	}
	for _, tt := range tests {
		mode, body := Directive(tt.in)
		if mode != tt.mode || body != tt.body {
			t.Errorf("Directive(%q) = %q, %q", tt.in, mode, body)
		}
	}
}

func TestChatFastPathSQL(t *testing.T) {
	f := newFixture(t, nil, true)
	resp, err := f.orch.Chat(context.Background(), Request{
		DatasetID: "ecommerce",
		Message:   `SQL: SELECT COUNT(*) AS n FROM "ecommerce".orders`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != tabletalk.StatusSucceeded {
		t.Errorf("status = %q", resp.Status)
	}
	if resp.AssistantMessage != "The result is 5." {
		t.Errorf("assistant message = %q", resp.AssistantMessage)
	}
	if !strings.HasPrefix(resp.ThreadID, "thread-") {
		t.Errorf("thread id = %q", resp.ThreadID)
	}
	// Normalization strips the dataset qualifier before execution.
	if f.exec.last.SQL != "SELECT COUNT(*) AS n FROM orders" {
		t.Errorf("executed sql = %q", f.exec.last.SQL)
	}
	if resp.Details.QueryMode != tabletalk.ModeSQL || resp.Details.CompiledSQL != f.exec.last.SQL {
		t.Errorf("details = %+v", resp.Details)
	}

	capsule := f.store.capsules[resp.RunID]
	if capsule.Status != tabletalk.StatusSucceeded || capsule.DatasetVersionHash != "abc123" {
		t.Errorf("capsule = %+v", capsule)
	}
	if len(f.store.messages) != 2 || f.store.messages[0].Role != tabletalk.RoleUser ||
		f.store.messages[1].Role != tabletalk.RoleAssistant {
		t.Errorf("messages = %+v", f.store.messages)
	}
	if f.store.messages[1].RunID != resp.RunID {
		t.Errorf("assistant message run id = %q", f.store.messages[1].RunID)
	}
}

func TestChatFastPathSQLPolicyRejection(t *testing.T) {
	f := newFixture(t, nil, true)
	resp, err := f.orch.Chat(context.Background(), Request{
		DatasetID: "ecommerce",
		Message:   "sql: DROP TABLE orders",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != tabletalk.StatusRejected {
		t.Errorf("status = %q", resp.Status)
	}
	if resp.AssistantMessage != "Query rejected by SQL policy." {
		t.Errorf("assistant message = %q", resp.AssistantMessage)
	}
	if resp.Result.Error == nil || resp.Result.Error.Type != tabletalk.ErrSQLPolicyViolation {
		t.Errorf("error = %+v", resp.Result.Error)
	}
	if f.exec.calls != 0 {
		t.Error("rejected SQL must not reach the executor")
	}
}

func TestChatFastPathPythonDisabled(t *testing.T) {
	f := newFixture(t, nil, false)
	resp, err := f.orch.Chat(context.Background(), Request{
		DatasetID: "ecommerce",
		Message:   "python: print(df)",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != tabletalk.StatusRejected {
		t.Errorf("status = %q", resp.Status)
	}
	if resp.AssistantMessage != "Query rejected: Python execution is disabled." {
		t.Errorf("assistant message = %q", resp.AssistantMessage)
	}
	if resp.Result.Error == nil || resp.Result.Error.Type != tabletalk.ErrFeatureDisabled {
		t.Errorf("error = %+v", resp.Result.Error)
	}
}

func TestChatFastPathUnknownDataset(t *testing.T) {
	f := newFixture(t, nil, true)
	_, err := f.orch.Chat(context.Background(), Request{DatasetID: "nope", Message: "sql: SELECT 1"})
	var httpErr *tabletalk.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusNotFound {
		t.Fatalf("err = %v", err)
	}
}

func TestChatAgentTurn(t *testing.T) {
	f := newFixture(t, []tabletalk.ChatResponse{
		{ToolCalls: []tabletalk.ToolCall{{
			ID: "c1", Name: "execute_sql",
			Args: json.RawMessage(`{"dataset_id": "ecommerce", "sql": "SELECT COUNT(*) AS n FROM orders"}`),
		}}},
		{Content: "There are 5 orders."},
	}, true)

	resp, err := f.orch.Chat(context.Background(), Request{
		DatasetID: "ecommerce", Message: "how many orders?", ThreadID: "t1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != tabletalk.StatusSucceeded || resp.AssistantMessage != "There are 5 orders." {
		t.Errorf("resp = %+v", resp)
	}
	if resp.ThreadID != "t1" {
		t.Errorf("thread id = %q", resp.ThreadID)
	}
	if resp.Details.QueryMode != tabletalk.ModeSQL ||
		resp.Details.CompiledSQL != "SELECT COUNT(*) AS n FROM orders" {
		t.Errorf("details = %+v", resp.Details)
	}
	if resp.Result == nil || resp.Result.RowCount != 1 {
		t.Errorf("result = %+v", resp.Result)
	}

	// The first provider call carries the system prompt, the schema
	// context, and the user question.
	msgs := f.provider.firstReq.Messages
	if len(msgs) < 3 || msgs[0].Role != tabletalk.RoleSystem ||
		!strings.Contains(msgs[0].Content, "careful data analyst") {
		t.Fatalf("first request messages = %+v", msgs)
	}
	foundSchema := false
	for _, m := range msgs {
		if strings.Contains(m.Content, "Dataset schema context") {
			foundSchema = true
		}
	}
	if !foundSchema {
		t.Error("schema context missing from agent input")
	}
	if last := msgs[len(msgs)-1]; last.Role != tabletalk.RoleUser || last.Content != "how many orders?" {
		t.Errorf("last message = %+v", last)
	}

	capsule := f.store.capsules[resp.RunID]
	if capsule.QueryMode != tabletalk.ModeSQL || capsule.Status != tabletalk.StatusSucceeded {
		t.Errorf("capsule = %+v", capsule)
	}
	if capsule.Question != "how many orders?" {
		t.Errorf("question = %q", capsule.Question)
	}
}

func TestChatAgentRecursionLimit(t *testing.T) {
	call := tabletalk.ChatResponse{ToolCalls: []tabletalk.ToolCall{{
		ID: "c", Name: "list_datasets", Args: json.RawMessage(`{}`),
	}}}
	responses := make([]tabletalk.ChatResponse, agent.DefaultMaxIterations+1)
	for i := range responses {
		responses[i] = call
	}
	f := newFixture(t, responses, true)

	resp, err := f.orch.Chat(context.Background(), Request{
		DatasetID: "ecommerce", Message: "loop forever", ThreadID: "t1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != tabletalk.StatusFailed {
		t.Errorf("status = %q", resp.Status)
	}
	if !strings.Contains(resp.AssistantMessage, "internal reasoning limit") {
		t.Errorf("assistant message = %q", resp.AssistantMessage)
	}
	if resp.Result.Error == nil || resp.Result.Error.Type != tabletalk.ErrAgentRecursionLimit {
		t.Errorf("error = %+v", resp.Result.Error)
	}

	capsule := f.store.capsules[resp.RunID]
	if capsule.QueryMode != tabletalk.ModeChat || capsule.Status != tabletalk.StatusFailed {
		t.Errorf("capsule = %+v", capsule)
	}
}

func TestChatStreamFastPath(t *testing.T) {
	f := newFixture(t, nil, true)
	ch := make(chan tabletalk.StreamEvent, 16)
	resp := f.orch.ChatStream(context.Background(), Request{
		DatasetID: "ecommerce", Message: "sql: SELECT COUNT(*) AS n FROM orders",
	}, ch)
	close(ch)
	if resp == nil || resp.Status != tabletalk.StatusSucceeded {
		t.Fatalf("resp = %+v", resp)
	}

	var types []tabletalk.StreamEventType
	for ev := range ch {
		types = append(types, ev.Type)
	}
	want := []tabletalk.StreamEventType{
		tabletalk.EventStatus, tabletalk.EventStatus, tabletalk.EventResult, tabletalk.EventDone,
	}
	if len(types) != len(want) {
		t.Fatalf("events = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, types[i], want[i])
		}
	}
}

func TestChatStreamAgentRecursionLimit(t *testing.T) {
	call := tabletalk.ChatResponse{ToolCalls: []tabletalk.ToolCall{{
		ID: "c", Name: "list_datasets", Args: json.RawMessage(`{}`),
	}}}
	responses := make([]tabletalk.ChatResponse, agent.DefaultMaxIterations+1)
	for i := range responses {
		responses[i] = call
	}
	f := newFixture(t, responses, true)

	ch := make(chan tabletalk.StreamEvent, 64)
	resp := f.orch.ChatStream(context.Background(), Request{
		DatasetID: "ecommerce", Message: "loop forever",
	}, ch)
	close(ch)
	if resp == nil || resp.Status != tabletalk.StatusFailed {
		t.Fatalf("resp = %+v", resp)
	}

	var sawError, sawResult bool
	var lastType tabletalk.StreamEventType
	for ev := range ch {
		lastType = ev.Type
		switch ev.Type {
		case tabletalk.EventError:
			sawError = true
			info, ok := ev.Data.(*tabletalk.ErrorInfo)
			if !ok || info.Type != tabletalk.ErrAgentRecursionLimit {
				t.Errorf("error event data = %+v", ev.Data)
			}
			if ok && !strings.Contains(info.Message, "Please retry with explicit fields/tables.") {
				t.Errorf("error message = %q", info.Message)
			}
		case tabletalk.EventResult:
			sawResult = true
		}
	}
	if !sawError || sawResult {
		t.Errorf("sawError = %v, sawResult = %v", sawError, sawResult)
	}
	if lastType != tabletalk.EventDone {
		t.Errorf("last event = %q", lastType)
	}
}

func TestChatStreamUnknownDataset(t *testing.T) {
	f := newFixture(t, nil, true)
	ch := make(chan tabletalk.StreamEvent, 16)
	resp := f.orch.ChatStream(context.Background(), Request{DatasetID: "nope", Message: "hi"}, ch)
	close(ch)
	if resp != nil {
		t.Fatalf("resp = %+v", resp)
	}
	var types []tabletalk.StreamEventType
	for ev := range ch {
		types = append(types, ev.Type)
	}
	want := []tabletalk.StreamEventType{tabletalk.EventStatus, tabletalk.EventError, tabletalk.EventDone}
	if len(types) != len(want) {
		t.Fatalf("events = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, types[i], want[i])
		}
	}
}

func TestSubmitRunSQL(t *testing.T) {
	f := newFixture(t, nil, true)
	resp, err := f.orch.SubmitRun(context.Background(), RunRequest{
		DatasetID: "ecommerce", QueryType: tabletalk.ModeSQL,
		SQL: "SELECT COUNT(*) AS n FROM orders",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.AssistantMessage != "Run submitted and executed." {
		t.Errorf("assistant message = %q", resp.AssistantMessage)
	}
	// The executor's run id wins so status lookups resolve.
	if resp.RunID != "exec-run-1" {
		t.Errorf("run id = %q", resp.RunID)
	}
	if resp.Status != tabletalk.StatusSucceeded {
		t.Errorf("status = %q", resp.Status)
	}
	capsule := f.store.capsules["exec-run-1"]
	if capsule.QueryMode != tabletalk.ModeSQL || capsule.Question != "" {
		t.Errorf("capsule = %+v", capsule)
	}
	if len(f.store.messages) != 0 {
		t.Error("run submission must not touch threads")
	}
}

func TestSubmitRunMissingFields(t *testing.T) {
	f := newFixture(t, nil, true)
	tests := []RunRequest{
		{DatasetID: "ecommerce", QueryType: tabletalk.ModeSQL},
		{DatasetID: "ecommerce", QueryType: tabletalk.ModePython},
		{DatasetID: "ecommerce", QueryType: tabletalk.ModePlan},
		{DatasetID: "ecommerce", QueryType: "bogus"},
	}
	for _, req := range tests {
		_, err := f.orch.SubmitRun(context.Background(), req)
		var httpErr *tabletalk.HTTPError
		if !errors.As(err, &httpErr) || httpErr.Status != http.StatusBadRequest {
			t.Errorf("SubmitRun(%+v) err = %v", req, err)
		}
	}
}

func TestSubmitRunPlan(t *testing.T) {
	f := newFixture(t, nil, true)
	planBody := `{"table": "orders", "select": [{"column": "order_id"}], "limit": 5}`
	resp, err := f.orch.SubmitRun(context.Background(), RunRequest{
		DatasetID: "ecommerce", QueryType: tabletalk.ModePlan,
		PlanJSON: json.RawMessage(planBody),
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != tabletalk.StatusSucceeded {
		t.Errorf("status = %q", resp.Status)
	}
	if !strings.Contains(resp.Details.CompiledSQL, "LIMIT 5") {
		t.Errorf("compiled sql = %q", resp.Details.CompiledSQL)
	}
	// The merged plan echoes the dataset id from the request.
	if !strings.Contains(string(resp.Details.PlanJSON), `"dataset_id":"ecommerce"`) {
		t.Errorf("plan json = %s", resp.Details.PlanJSON)
	}
	if f.exec.last.QueryType != tabletalk.ModeSQL {
		t.Errorf("query type sent to runner = %q", f.exec.last.QueryType)
	}
}

func TestSubmitRunPlanPolicyRejection(t *testing.T) {
	f := newFixture(t, nil, true)
	resp, err := f.orch.SubmitRun(context.Background(), RunRequest{
		DatasetID: "ecommerce", QueryType: tabletalk.ModePlan,
		PlanJSON: json.RawMessage(`{"table": "orders; drop table orders"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != tabletalk.StatusRejected {
		t.Errorf("status = %q", resp.Status)
	}
	if resp.Result.Error == nil || resp.Result.Error.Type != tabletalk.ErrSQLPolicyViolation {
		t.Errorf("error = %+v", resp.Result.Error)
	}
	if f.exec.calls != 0 {
		t.Error("rejected plan must not reach the executor")
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name string
		mode string
		r    *tabletalk.RunnerResult
		want string
	}{
		{
			name: "error",
			mode: tabletalk.ModeSQL,
			r:    tabletalk.ErrorResult(tabletalk.ErrSQLExecution, "no such column"),
			want: "I couldn't execute that request successfully: no such column",
		},
		{
			name: "no rows",
			mode: tabletalk.ModeSQL,
			r:    &tabletalk.RunnerResult{Status: tabletalk.RunnerSuccess, Columns: []string{"a"}},
			want: "No rows matched your request.",
		},
		{
			name: "total prefix",
			mode: tabletalk.ModeSQL,
			r: &tabletalk.RunnerResult{
				Status: tabletalk.RunnerSuccess, Columns: []string{"total_orders"},
				Rows: [][]any{{float64(42)}}, RowCount: 1,
			},
			want: "There are 42 total orders in the dataset.",
		},
		{
			name: "count column",
			mode: tabletalk.ModeSQL,
			r: &tabletalk.RunnerResult{
				Status: tabletalk.RunnerSuccess, Columns: []string{"n"},
				Rows: [][]any{{float64(7)}}, RowCount: 1,
			},
			want: "The result is 7.",
		},
		{
			name: "named scalar",
			mode: tabletalk.ModeSQL,
			r: &tabletalk.RunnerResult{
				Status: tabletalk.RunnerSuccess, Columns: []string{"max_total"},
				Rows: [][]any{{float64(99.5)}}, RowCount: 1,
			},
			want: "max total: 99.5.",
		},
		{
			name: "single row grid",
			mode: tabletalk.ModeSQL,
			r: &tabletalk.RunnerResult{
				Status: tabletalk.RunnerSuccess, Columns: []string{"product_name", "revenue"},
				Rows: [][]any{{"widget", float64(100)}}, RowCount: 1,
			},
			want: "I found one row: product name=widget, revenue=100. See Result for full details.",
		},
		{
			name: "small grid",
			mode: tabletalk.ModeSQL,
			r: &tabletalk.RunnerResult{
				Status: tabletalk.RunnerSuccess, Columns: []string{"a", "b"},
				Rows: [][]any{{"x", float64(1)}, {"y", float64(2)}}, RowCount: 2,
			},
			want: "I found 2 rows. First row: a=x, b=1. See Result for full details.",
		},
		{
			name: "large python result",
			mode: tabletalk.ModePython,
			r: &tabletalk.RunnerResult{
				Status:  tabletalk.RunnerSuccess,
				Columns: []string{"a", "b", "c", "d", "e"},
				Rows: [][]any{
					{1.0, 2.0, 3.0, 4.0, 5.0}, {1.0, 2.0, 3.0, 4.0, 5.0},
					{1.0, 2.0, 3.0, 4.0, 5.0}, {1.0, 2.0, 3.0, 4.0, 5.0},
					{1.0, 2.0, 3.0, 4.0, 5.0}, {1.0, 2.0, 3.0, 4.0, 5.0},
				},
				RowCount: 6,
			},
			want: "I ran the Python analysis and returned 6 rows across 5 columns. " +
				"Please see the Result table for the full breakdown.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Summarize(tt.mode, tt.r); got != tt.want {
				t.Errorf("Summarize() = %q, want %q", got, tt.want)
			}
		})
	}
}
