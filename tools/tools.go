// Package tools implements the agent's five-tool surface: dataset
// discovery, schema inspection, and the three execution tools. Every
// execution tool returns a JSON envelope so the model always sees the
// same result shape, whether the run succeeded, failed, or was rejected
// before reaching a sandbox.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tabletalk/tabletalk"
	"github.com/tabletalk/tabletalk/dataset"
	"github.com/tabletalk/tabletalk/executor"
	"github.com/tabletalk/tabletalk/plan"
	"github.com/tabletalk/tabletalk/sqlpolicy"
)

// ExecutionToolNames marks the tools whose results carry runner
// envelopes. Capsule extraction filters tool messages on this set.
var ExecutionToolNames = map[string]bool{
	"execute_sql":        true,
	"execute_query_plan": true,
	"execute_python":     true,
}

const sampleRowCount = 3

// Envelope is a runner result extended with the compilation artifacts
// of the tool that produced it.
type Envelope struct {
	tabletalk.RunnerResult
	CompiledSQL string          `json:"compiled_sql,omitempty"`
	PlanJSON    json.RawMessage `json:"plan_json,omitempty"`

	// RunID is the executor's run id when a sandbox actually ran. It is
	// not part of the model-visible JSON.
	RunID string `json:"-"`
}

// Config carries the execution limits shared by all tools.
type Config struct {
	TimeoutSeconds int
	MaxRows        int
	MaxOutputBytes int
	EnablePython   bool
}

// Tools exposes the five agent tools over a dataset registry and a
// sandbox executor.
type Tools struct {
	registry *dataset.Registry
	exec     executor.Executor
	cfg      Config
	logger   *slog.Logger
}

var _ tabletalk.Tool = (*Tools)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates the tool set.
func New(registry *dataset.Registry, exec executor.Executor, cfg Config, logger *slog.Logger) *Tools {
	if logger == nil {
		logger = nopLogger
	}
	return &Tools{registry: registry, exec: exec, cfg: cfg, logger: logger}
}

// Definitions returns the five tool definitions in the order they are
// presented to the model.
func (t *Tools) Definitions() []tabletalk.ToolDefinition {
	return []tabletalk.ToolDefinition{
		{
			Name:        "list_datasets",
			Description: "List all available CSV datasets with their descriptions and prompts.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {}
			}`),
		},
		{
			Name:        "get_dataset_schema",
			Description: "Get the schema and 3 sample rows for a dataset.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"dataset_id": {
						"type": "string",
						"description": "The identifier of the dataset (e.g. 'ecommerce', 'support', 'sensors')"
					}
				},
				"required": ["dataset_id"]
			}`),
		},
		{
			Name:        "execute_sql",
			Description: "Execute a SQL query against a dataset in a sandboxed runner.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"dataset_id": {
						"type": "string",
						"description": "The identifier of the dataset to query"
					},
					"sql": {
						"type": "string",
						"description": "A SELECT or WITH SQL query (no DDL / DML)"
					}
				},
				"required": ["dataset_id", "sql"]
			}`),
		},
		{
			Name:        "execute_query_plan",
			Description: "Compile a QueryPlan JSON object to SQL and execute it.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"dataset_id": {
						"type": "string",
						"description": "The identifier of the dataset to query"
					},
					"plan": {
						"type": "string",
						"description": "JSON string of the QueryPlan object"
					}
				},
				"required": ["dataset_id", "plan"]
			}`),
		},
		{
			Name:        "execute_python",
			Description: "Execute Python/pandas code against a dataset in a sandboxed runner.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"dataset_id": {
						"type": "string",
						"description": "The identifier of the dataset"
					},
					"python_code": {
						"type": "string",
						"description": "Python code string. Must set result_df or result."
					}
				},
				"required": ["dataset_id", "python_code"]
			}`),
		},
	}
}

// Execute dispatches a tool call by name. Execution tools always answer
// with an envelope, so errors reach the model as structured JSON rather
// than dispatch failures.
func (t *Tools) Execute(ctx context.Context, name string, args json.RawMessage) (tabletalk.ToolResult, error) {
	var in struct {
		DatasetID  string `json:"dataset_id"`
		SQL        string `json:"sql"`
		Plan       string `json:"plan"`
		PythonCode string `json:"python_code"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return tabletalk.ToolResult{Error: fmt.Sprintf("invalid tool arguments: %v", err)}, nil
		}
	}

	switch name {
	case "list_datasets":
		return jsonResult(t.ListDatasets())
	case "get_dataset_schema":
		return jsonResult(t.DatasetSchema(in.DatasetID))
	case "execute_sql":
		return jsonResult(t.ExecuteSQL(ctx, in.DatasetID, in.SQL))
	case "execute_query_plan":
		return jsonResult(t.ExecutePlan(ctx, in.DatasetID, json.RawMessage(in.Plan)))
	case "execute_python":
		return jsonResult(t.ExecutePython(ctx, in.DatasetID, in.PythonCode))
	}
	return tabletalk.ToolResult{Error: "unknown tool: " + name}, nil
}

func jsonResult(v any) (tabletalk.ToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return tabletalk.ToolResult{Error: fmt.Sprintf("encode tool result: %v", err)}, nil
	}
	return tabletalk.ToolResult{Content: string(data)}, nil
}

// DatasetSummary is one entry in the list_datasets response.
type DatasetSummary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Prompts     []string `json:"prompts"`
	VersionHash string   `json:"version_hash,omitempty"`
}

// DatasetList is the list_datasets response.
type DatasetList struct {
	Datasets []DatasetSummary `json:"datasets"`
}

// ListDatasets summarizes every registered dataset.
func (t *Tools) ListDatasets() DatasetList {
	out := DatasetList{Datasets: make([]DatasetSummary, 0, len(t.registry.Datasets))}
	for _, ds := range t.registry.Datasets {
		prompts := ds.Prompts
		if prompts == nil {
			prompts = []string{}
		}
		out.Datasets = append(out.Datasets, DatasetSummary{
			ID:          ds.ID,
			Name:        ds.Name,
			Description: ds.Description,
			Prompts:     prompts,
			VersionHash: ds.VersionHash,
		})
	}
	return out
}

// SchemaFile is one file entry in a get_dataset_schema response.
type SchemaFile struct {
	Name       string                          `json:"name"`
	Path       string                          `json:"path"`
	Schema     map[string]dataset.ColumnSchema `json:"schema"`
	SampleRows []map[string]string             `json:"sample_rows"`
}

// SchemaResponse is the get_dataset_schema response.
type SchemaResponse struct {
	ID    string               `json:"id"`
	Name  string               `json:"name"`
	Files []SchemaFile         `json:"files"`
	Error *tabletalk.ErrorInfo `json:"error,omitempty"`
}

// DatasetSchema returns schema plus up to three sample rows per file.
func (t *Tools) DatasetSchema(datasetID string) SchemaResponse {
	ds, err := t.registry.ByID(datasetID)
	if err != nil {
		return SchemaResponse{Error: tabletalk.NewError(tabletalk.ErrValidation, "%v", err)}
	}
	files := make([]SchemaFile, 0, len(ds.Files))
	for _, f := range ds.Files {
		sample, err := dataset.SampleRows(t.registry.FilePath(f), sampleRowCount)
		if err != nil {
			t.logger.Warn("schema sample read failed", "dataset_id", datasetID, "file", f.Name, "error", err)
			sample = []map[string]string{}
		}
		schema := f.Schema
		if schema == nil {
			schema = map[string]dataset.ColumnSchema{}
		}
		files = append(files, SchemaFile{Name: f.Name, Path: f.Path, Schema: schema, SampleRows: sample})
	}
	return SchemaResponse{ID: ds.ID, Name: ds.Name, Files: files}
}

// ExecuteSQL normalizes and policy-checks the SQL, then runs it in a
// sandbox. Policy rejections never reach the executor.
func (t *Tools) ExecuteSQL(ctx context.Context, datasetID, sql string) Envelope {
	ds, err := t.registry.ByID(datasetID)
	if err != nil {
		return errorEnvelope(tabletalk.ErrValidation, "%v", err)
	}

	normalized := sqlpolicy.NormalizeForDataset(sql, datasetID)
	if msg := sqlpolicy.Validate(normalized); msg != "" {
		env := errorEnvelope(tabletalk.ErrSQLPolicyViolation, "%s", msg)
		env.CompiledSQL = normalized
		return env
	}

	env := t.RunSandbox(ctx, ds, tabletalk.ModeSQL, normalized, "")
	env.CompiledSQL = normalized
	return env
}

// ExecutePlan validates and compiles a query plan, then executes the
// compiled SQL. The dataset_id argument always wins over any dataset_id
// inside the plan body.
func (t *Tools) ExecutePlan(ctx context.Context, datasetID string, planData json.RawMessage) Envelope {
	p, err := plan.Parse(planData)
	if err != nil {
		return errorEnvelope(tabletalk.ErrValidation, "invalid query plan: %v", err)
	}
	p.DatasetID = datasetID
	if err := p.Validate(); err != nil {
		return errorEnvelope(tabletalk.ErrValidation, "%v", err)
	}

	compiled, err := plan.Compile(p)
	if err != nil {
		return errorEnvelope(tabletalk.ErrValidation, "%v", err)
	}
	planJSON, _ := json.Marshal(p)

	ds, err := t.registry.ByID(datasetID)
	if err != nil {
		return errorEnvelope(tabletalk.ErrValidation, "%v", err)
	}

	normalized := sqlpolicy.NormalizeForDataset(compiled, datasetID)
	if msg := sqlpolicy.Validate(normalized); msg != "" {
		env := errorEnvelope(tabletalk.ErrSQLPolicyViolation, "%s", msg)
		env.CompiledSQL = normalized
		env.PlanJSON = planJSON
		return env
	}

	env := t.RunSandbox(ctx, ds, tabletalk.ModeSQL, normalized, "")
	env.CompiledSQL = normalized
	env.PlanJSON = planJSON
	return env
}

// ExecutePython runs pandas code in a sandbox, unless python execution
// is disabled.
func (t *Tools) ExecutePython(ctx context.Context, datasetID, code string) Envelope {
	if !t.cfg.EnablePython {
		return errorEnvelope(tabletalk.ErrFeatureDisabled, "Python execution mode is disabled.")
	}
	ds, err := t.registry.ByID(datasetID)
	if err != nil {
		return errorEnvelope(tabletalk.ErrValidation, "%v", err)
	}
	return t.RunSandbox(ctx, ds, tabletalk.ModePython, "", code)
}

// RunSandbox builds the runner payload for a dataset and dispatches it.
// Dataset files are presented to the runner under /data.
func (t *Tools) RunSandbox(ctx context.Context, ds dataset.Dataset, queryType, sql, pythonCode string) Envelope {
	files := make([]tabletalk.PayloadFile, 0, len(ds.Files))
	for _, f := range ds.Files {
		files = append(files, tabletalk.PayloadFile{Name: f.Name, Path: "/data/" + f.Path})
	}
	payload := tabletalk.RunnerPayload{
		DatasetID:      ds.ID,
		Files:          files,
		QueryType:      queryType,
		TimeoutSeconds: t.cfg.TimeoutSeconds,
		MaxRows:        t.cfg.MaxRows,
		MaxOutputBytes: t.cfg.MaxOutputBytes,
	}
	if queryType == tabletalk.ModePython {
		payload.PythonCode = pythonCode
	} else {
		payload.SQL = sql
	}

	sub := t.exec.SubmitRun(ctx, payload)
	t.logger.Info("sandbox run finished",
		"run_id", sub.RunID, "dataset_id", ds.ID, "query_type", queryType, "status", sub.Status)

	env := Envelope{RunID: sub.RunID}
	if sub.Result != nil {
		env.RunnerResult = *sub.Result
	} else {
		env.RunnerResult = *tabletalk.ErrorResult(tabletalk.ErrRunnerInternal, "Executor returned no result.")
	}
	// The envelope now carries everything callers read; the executor's
	// per-run bookkeeping can go.
	t.exec.Cleanup(sub.RunID)
	return env
}

func errorEnvelope(errType, format string, args ...any) Envelope {
	return Envelope{RunnerResult: *tabletalk.ErrorResult(errType, format, args...)}
}
