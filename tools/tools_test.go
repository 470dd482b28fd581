package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tabletalk/tabletalk"
	"github.com/tabletalk/tabletalk/dataset"
	"github.com/tabletalk/tabletalk/executor"
)

// fakeExecutor records the last payload and returns a canned envelope.
type fakeExecutor struct {
	last    tabletalk.RunnerPayload
	result  *tabletalk.RunnerResult
	cleaned []string
}

func (f *fakeExecutor) SubmitRun(_ context.Context, payload tabletalk.RunnerPayload) executor.Submission {
	f.last = payload
	status := executor.StatusFailed
	if f.result != nil && f.result.Status == tabletalk.RunnerSuccess {
		status = executor.StatusSucceeded
	}
	return executor.Submission{RunID: "run-1", Status: status, Result: f.result}
}

func (f *fakeExecutor) Status(string) string                  { return executor.StatusNotFound }
func (f *fakeExecutor) Result(string) *tabletalk.RunnerResult { return nil }
func (f *fakeExecutor) Cleanup(runID string)                  { f.cleaned = append(f.cleaned, runID) }

func successResult() *tabletalk.RunnerResult {
	return &tabletalk.RunnerResult{
		Status:   tabletalk.RunnerSuccess,
		Columns:  []string{"n"},
		Rows:     [][]any{{float64(3)}},
		RowCount: 1,
	}
}

func testRegistry(t *testing.T) *dataset.Registry {
	t.Helper()
	dir := t.TempDir()
	reg := `{
		"datasets": [
			{
				"id": "ecommerce",
				"name": "E-commerce Orders",
				"description": "Orders and inventory",
				"prompts": ["top products"],
				"version_hash": "abc123",
				"files": [
					{"name": "orders", "path": "ecommerce/orders.csv",
					 "schema": {"order_id": {"type": "string"}}}
				]
			}
		]
	}`
	if err := os.WriteFile(filepath.Join(dir, "registry.json"), []byte(reg), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "ecommerce"), 0o755); err != nil {
		t.Fatal(err)
	}
	csv := "order_id,total\no1,10\no2,20\no3,30\no4,40\n"
	if err := os.WriteFile(filepath.Join(dir, "ecommerce", "orders.csv"), []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := dataset.LoadRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func newTestTools(t *testing.T, fake *fakeExecutor) *Tools {
	t.Helper()
	cfg := Config{TimeoutSeconds: 10, MaxRows: 200, MaxOutputBytes: 65536, EnablePython: true}
	return New(testRegistry(t), fake, cfg, nil)
}

func TestDefinitionsCoverAllTools(t *testing.T) {
	tl := newTestTools(t, &fakeExecutor{})
	defs := tl.Definitions()
	if len(defs) != 5 {
		t.Fatalf("got %d definitions", len(defs))
	}
	want := []string{"list_datasets", "get_dataset_schema", "execute_sql", "execute_query_plan", "execute_python"}
	for i, name := range want {
		if defs[i].Name != name {
			t.Errorf("defs[%d] = %q, want %q", i, defs[i].Name, name)
		}
		if !json.Valid(defs[i].Parameters) {
			t.Errorf("%s parameters are not valid JSON", name)
		}
	}
	for _, name := range []string{"execute_sql", "execute_query_plan", "execute_python"} {
		if !ExecutionToolNames[name] {
			t.Errorf("%s should be an execution tool", name)
		}
	}
	if ExecutionToolNames["list_datasets"] {
		t.Error("list_datasets is not an execution tool")
	}
}

func TestListDatasets(t *testing.T) {
	tl := newTestTools(t, &fakeExecutor{})
	out := tl.ListDatasets()
	if len(out.Datasets) != 1 {
		t.Fatalf("got %d datasets", len(out.Datasets))
	}
	ds := out.Datasets[0]
	if ds.ID != "ecommerce" || ds.VersionHash != "abc123" {
		t.Errorf("summary = %+v", ds)
	}
	if len(ds.Prompts) != 1 || ds.Prompts[0] != "top products" {
		t.Errorf("prompts = %v", ds.Prompts)
	}
}

func TestDatasetSchema(t *testing.T) {
	tl := newTestTools(t, &fakeExecutor{})
	out := tl.DatasetSchema("ecommerce")
	if out.Error != nil {
		t.Fatalf("unexpected error: %v", out.Error)
	}
	if len(out.Files) != 1 {
		t.Fatalf("files = %+v", out.Files)
	}
	f := out.Files[0]
	if len(f.SampleRows) != 3 {
		t.Errorf("sample rows = %d, want 3", len(f.SampleRows))
	}
	if f.SampleRows[0]["order_id"] != "o1" {
		t.Errorf("first sample = %v", f.SampleRows[0])
	}
	if _, ok := f.Schema["order_id"]; !ok {
		t.Errorf("schema = %v", f.Schema)
	}
}

func TestDatasetSchemaUnknownDataset(t *testing.T) {
	tl := newTestTools(t, &fakeExecutor{})
	out := tl.DatasetSchema("nope")
	if out.Error == nil || out.Error.Type != tabletalk.ErrValidation {
		t.Fatalf("error = %+v", out.Error)
	}
}

func TestExecuteSQL(t *testing.T) {
	fake := &fakeExecutor{result: successResult()}
	tl := newTestTools(t, fake)

	env := tl.ExecuteSQL(context.Background(), "ecommerce", `SELECT COUNT(*) AS n FROM "ecommerce".orders`)
	if env.Status != tabletalk.RunnerSuccess {
		t.Fatalf("status = %q, error = %+v", env.Status, env.Error)
	}
	if env.RunID != "run-1" {
		t.Errorf("RunID = %q", env.RunID)
	}
	// Dataset qualifier is stripped before execution.
	if strings.Contains(env.CompiledSQL, "ecommerce.") {
		t.Errorf("CompiledSQL not normalized: %q", env.CompiledSQL)
	}
	if fake.last.QueryType != tabletalk.ModeSQL || fake.last.SQL != env.CompiledSQL {
		t.Errorf("payload = %+v", fake.last)
	}
	if len(fake.last.Files) != 1 || fake.last.Files[0].Path != "/data/ecommerce/orders.csv" {
		t.Errorf("payload files = %+v", fake.last.Files)
	}
	if fake.last.MaxRows != 200 || fake.last.TimeoutSeconds != 10 {
		t.Errorf("payload limits = %+v", fake.last)
	}
}

func TestRunSandboxReleasesRunBookkeeping(t *testing.T) {
	fake := &fakeExecutor{result: successResult()}
	tl := newTestTools(t, fake)

	env := tl.ExecuteSQL(context.Background(), "ecommerce", `SELECT COUNT(*) AS n FROM orders`)
	// The executor's per-run entry is released once the envelope is
	// built; otherwise entries pile up for the life of the process.
	if len(fake.cleaned) != 1 || fake.cleaned[0] != env.RunID {
		t.Errorf("cleaned = %v, want [%q]", fake.cleaned, env.RunID)
	}
}

func TestExecuteSQLPolicyRejection(t *testing.T) {
	fake := &fakeExecutor{result: successResult()}
	tl := newTestTools(t, fake)

	env := tl.ExecuteSQL(context.Background(), "ecommerce", "DROP TABLE orders")
	if env.Error == nil || env.Error.Type != tabletalk.ErrSQLPolicyViolation {
		t.Fatalf("error = %+v", env.Error)
	}
	if env.CompiledSQL == "" {
		t.Error("rejected envelope should still carry the SQL")
	}
	if fake.last.DatasetID != "" {
		t.Error("rejected SQL must not reach the executor")
	}
}

func TestExecuteSQLUnknownDataset(t *testing.T) {
	tl := newTestTools(t, &fakeExecutor{})
	env := tl.ExecuteSQL(context.Background(), "nope", "SELECT 1")
	if env.Error == nil || env.Error.Type != tabletalk.ErrValidation {
		t.Fatalf("error = %+v", env.Error)
	}
}

func TestExecutePlan(t *testing.T) {
	fake := &fakeExecutor{result: successResult()}
	tl := newTestTools(t, fake)

	planJSON := `{
		"dataset_id": "ignored",
		"table": "orders",
		"select": [{"column": "order_id"}],
		"limit": 5
	}`
	env := tl.ExecutePlan(context.Background(), "ecommerce", json.RawMessage(planJSON))
	if env.Status != tabletalk.RunnerSuccess {
		t.Fatalf("status = %q, error = %+v", env.Status, env.Error)
	}
	if !strings.Contains(env.CompiledSQL, `"order_id"`) || !strings.Contains(env.CompiledSQL, "LIMIT 5") {
		t.Errorf("CompiledSQL = %q", env.CompiledSQL)
	}
	if len(env.PlanJSON) == 0 {
		t.Fatal("PlanJSON missing")
	}
	var echoed struct {
		DatasetID string `json:"dataset_id"`
	}
	if err := json.Unmarshal(env.PlanJSON, &echoed); err != nil {
		t.Fatal(err)
	}
	if echoed.DatasetID != "ecommerce" {
		t.Errorf("plan dataset_id = %q, argument should win", echoed.DatasetID)
	}
}

func TestExecutePlanInvalid(t *testing.T) {
	tl := newTestTools(t, &fakeExecutor{})
	env := tl.ExecutePlan(context.Background(), "ecommerce", json.RawMessage(`{"table": ""}`))
	if env.Error == nil || env.Error.Type != tabletalk.ErrValidation {
		t.Fatalf("error = %+v", env.Error)
	}
	env = tl.ExecutePlan(context.Background(), "ecommerce", json.RawMessage(`not json`))
	if env.Error == nil || env.Error.Type != tabletalk.ErrValidation {
		t.Fatalf("error = %+v", env.Error)
	}
}

func TestExecutePythonDisabled(t *testing.T) {
	fake := &fakeExecutor{result: successResult()}
	cfg := Config{TimeoutSeconds: 10, MaxRows: 200, MaxOutputBytes: 65536, EnablePython: false}
	tl := New(testRegistry(t), fake, cfg, nil)

	env := tl.ExecutePython(context.Background(), "ecommerce", "result = 1")
	if env.Error == nil || env.Error.Type != tabletalk.ErrFeatureDisabled {
		t.Fatalf("error = %+v", env.Error)
	}
	if env.Error.Message != "Python execution mode is disabled." {
		t.Errorf("message = %q", env.Error.Message)
	}
	if fake.last.DatasetID != "" {
		t.Error("disabled python must not reach the executor")
	}
}

func TestExecutePython(t *testing.T) {
	fake := &fakeExecutor{result: successResult()}
	tl := newTestTools(t, fake)

	env := tl.ExecutePython(context.Background(), "ecommerce", "result = df.head()")
	if env.Status != tabletalk.RunnerSuccess {
		t.Fatalf("status = %q", env.Status)
	}
	if fake.last.QueryType != tabletalk.ModePython || fake.last.PythonCode != "result = df.head()" {
		t.Errorf("payload = %+v", fake.last)
	}
	if fake.last.SQL != "" {
		t.Error("python payload should not carry SQL")
	}
}

func TestExecuteDispatch(t *testing.T) {
	fake := &fakeExecutor{result: successResult()}
	tl := newTestTools(t, fake)

	res, err := tl.Execute(context.Background(), "execute_sql",
		json.RawMessage(`{"dataset_id": "ecommerce", "sql": "SELECT 1"}`))
	if err != nil {
		t.Fatal(err)
	}
	var env Envelope
	if err := json.Unmarshal([]byte(res.Content), &env); err != nil {
		t.Fatalf("tool result is not an envelope: %v", err)
	}
	if env.Status != tabletalk.RunnerSuccess {
		t.Errorf("status = %q", env.Status)
	}

	res, err = tl.Execute(context.Background(), "no_such_tool", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == "" {
		t.Error("unknown tool should report a dispatch error")
	}
}
