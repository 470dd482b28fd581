// Package session orchestrates chat turns: it routes explicit SQL:/
// PYTHON: directives to the fast execution path, runs everything else
// through the agent engine, and persists the capsule and thread
// messages every turn produces.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tabletalk/tabletalk"
	"github.com/tabletalk/tabletalk/agent"
	"github.com/tabletalk/tabletalk/dataset"
	"github.com/tabletalk/tabletalk/plan"
	"github.com/tabletalk/tabletalk/sqlpolicy"
	"github.com/tabletalk/tabletalk/store"
	"github.com/tabletalk/tabletalk/tools"
)

// DefaultHistoryWindow is the number of prior thread messages replayed
// into an agent turn.
const DefaultHistoryWindow = 12

// Input modes for a chat message. SQL and python are selected with an
// explicit "sql:" or "python:" prefix; everything else goes to the
// agent.
const (
	InputSQL    = tabletalk.ModeSQL
	InputPython = tabletalk.ModePython
	InputAgent  = "agent"
)

const (
	recursionReply = "I hit an internal reasoning limit while refining that request. " +
		"Please rephrase it with explicit fields/tables (for example: " +
		"'top 10 products by revenue including inventory.name')."
	recursionStreamMessage = "I hit an internal reasoning limit while refining that request. " +
		"Please retry with explicit fields/tables."
	recursionCapsuleMessage = "Agent reached recursion limit before completion."
)

// Request is one inbound chat message.
type Request struct {
	DatasetID string `json:"dataset_id"`
	Message   string `json:"message"`
	ThreadID  string `json:"thread_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// RunRequest is a direct run submission that bypasses the conversation.
type RunRequest struct {
	DatasetID  string          `json:"dataset_id"`
	QueryType  string          `json:"query_type"`
	SQL        string          `json:"sql,omitempty"`
	PlanJSON   json.RawMessage `json:"plan_json,omitempty"`
	PythonCode string          `json:"python_code,omitempty"`
}

// Details carries the execution artifacts of a turn.
type Details struct {
	DatasetID   string          `json:"dataset_id"`
	QueryMode   string          `json:"query_mode"`
	PlanJSON    json.RawMessage `json:"plan_json"`
	CompiledSQL string          `json:"compiled_sql,omitempty"`
	PythonCode  string          `json:"python_code,omitempty"`
}

// Response is the uniform answer for chat turns and run submissions.
type Response struct {
	AssistantMessage string                  `json:"assistant_message"`
	RunID            string                  `json:"run_id"`
	ThreadID         string                  `json:"thread_id,omitempty"`
	Status           string                  `json:"status"`
	Result           *tabletalk.RunnerResult `json:"result"`
	Details          Details                 `json:"details"`
}

// Config carries the orchestration settings.
type Config struct {
	// HistoryWindow is how many stored messages are replayed per agent
	// turn. Defaults to DefaultHistoryWindow.
	HistoryWindow int
	// MaxRows is the row cap advertised in the system prompt.
	MaxRows int
	// EnablePython gates the python fast path and run submissions.
	EnablePython bool
}

// Orchestrator ties the agent engine, the tool set, and the stores into
// the chat surface.
type Orchestrator struct {
	engine   *agent.Engine
	toolset  *tools.Tools
	registry *dataset.Registry
	capsules store.CapsuleStore
	messages store.MessageStore
	cfg      Config
	logger   *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates an orchestrator.
func New(engine *agent.Engine, toolset *tools.Tools, registry *dataset.Registry,
	capsules store.CapsuleStore, messages store.MessageStore, cfg Config, opts ...Option) *Orchestrator {
	if cfg.HistoryWindow < 1 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	o := &Orchestrator{
		engine:   engine,
		toolset:  toolset,
		registry: registry,
		capsules: capsules,
		messages: messages,
		cfg:      cfg,
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Directive classifies a chat message: an explicit "sql:" or "python:"
// prefix selects the fast path and yields the statement body, anything
// else is an agent turn.
func Directive(message string) (mode, body string) {
	msg := strings.TrimSpace(message)
	lower := strings.ToLower(msg)
	switch {
	case strings.HasPrefix(lower, "sql:"):
		return InputSQL, strings.TrimSpace(msg[len("sql:"):])
	case strings.HasPrefix(lower, "python:"):
		return InputPython, strings.TrimSpace(msg[len("python:"):])
	}
	return InputAgent, ""
}

// Chat handles one chat message end to end and returns the response.
func (o *Orchestrator) Chat(ctx context.Context, req Request) (*Response, error) {
	switch mode, body := Directive(req.Message); mode {
	case InputSQL:
		return o.executeDirect(ctx, req, tabletalk.ModeSQL, body, "")
	case InputPython:
		return o.executeDirect(ctx, req, tabletalk.ModePython, "", body)
	}
	return o.runAgent(ctx, req, nil)
}

// ChatStream handles one chat message, emitting stream events on ch as
// the turn progresses. The returned response is nil when the turn
// failed before producing one; failures are reported as error events.
// The channel is not closed.
func (o *Orchestrator) ChatStream(ctx context.Context, req Request, ch chan<- tabletalk.StreamEvent) *Response {
	mode, body := Directive(req.Message)
	o.emit(ctx, ch, tabletalk.StreamEvent{Type: tabletalk.EventStatus, Stage: "planning"})

	if mode == InputSQL || mode == InputPython {
		var resp *Response
		var err error
		if mode == InputSQL {
			resp, err = o.executeDirect(ctx, req, tabletalk.ModeSQL, body, "")
		} else {
			resp, err = o.executeDirect(ctx, req, tabletalk.ModePython, "", body)
		}
		if err != nil {
			o.emitError(ctx, ch, err)
			o.emit(ctx, ch, tabletalk.StreamEvent{Type: tabletalk.EventDone, Data: map[string]any{}})
			return nil
		}
		o.emit(ctx, ch, tabletalk.StreamEvent{Type: tabletalk.EventStatus, Stage: "executing"})
		o.emit(ctx, ch, tabletalk.StreamEvent{Type: tabletalk.EventResult, Data: resp})
		o.emit(ctx, ch, tabletalk.StreamEvent{Type: tabletalk.EventDone, Data: map[string]any{"run_id": resp.RunID}})
		return resp
	}

	resp, err := o.runAgent(ctx, req, ch)
	if err != nil {
		o.emitError(ctx, ch, err)
		o.emit(ctx, ch, tabletalk.StreamEvent{Type: tabletalk.EventDone, Data: map[string]any{}})
		return nil
	}
	if resp.Result != nil && resp.Result.Error != nil && resp.Result.Error.Type == tabletalk.ErrAgentRecursionLimit {
		o.emit(ctx, ch, tabletalk.StreamEvent{
			Type: tabletalk.EventError,
			Data: tabletalk.NewError(tabletalk.ErrAgentRecursionLimit, "%s", recursionStreamMessage),
		})
		o.emit(ctx, ch, tabletalk.StreamEvent{Type: tabletalk.EventDone, Data: map[string]any{"run_id": resp.RunID}})
		return resp
	}
	o.emit(ctx, ch, tabletalk.StreamEvent{Type: tabletalk.EventResult, Data: resp})
	o.emit(ctx, ch, tabletalk.StreamEvent{Type: tabletalk.EventDone, Data: map[string]any{"run_id": resp.RunID}})
	return resp
}

// executeDirect runs an explicit SQL or python statement without any
// model involvement, persisting the same records an agent turn would.
func (o *Orchestrator) executeDirect(ctx context.Context, req Request, queryType, sqlText, pythonCode string) (*Response, error) {
	start := time.Now()
	ds, err := o.registry.ByID(req.DatasetID)
	if err != nil {
		return nil, tabletalk.NewHTTPError(http.StatusNotFound, tabletalk.ErrNotFound, "%v", err)
	}

	runID := tabletalk.NewID()
	threadID := req.ThreadID
	if threadID == "" {
		threadID = "thread-" + tabletalk.NewID()
	}

	if err := o.messages.AppendMessage(ctx, tabletalk.ThreadMessage{
		ThreadID:  threadID,
		Role:      tabletalk.RoleUser,
		Content:   req.Message,
		DatasetID: req.DatasetID,
		RunID:     runID,
	}); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	var compiledSQL string
	status := tabletalk.StatusSucceeded
	result := emptyResult()
	assistantMessage := "Executed query."

	switch queryType {
	case tabletalk.ModeSQL:
		normalized := sqlpolicy.NormalizeForDataset(sqlText, req.DatasetID)
		compiledSQL = normalized
		if msg := sqlpolicy.Validate(normalized); msg != "" {
			status = tabletalk.StatusRejected
			assistantMessage = "Query rejected by SQL policy."
			result = tabletalk.ErrorResult(tabletalk.ErrSQLPolicyViolation, "%s", msg)
		} else {
			env := o.toolset.RunSandbox(ctx, ds, tabletalk.ModeSQL, normalized, "")
			r := env.RunnerResult
			result = &r
			status = tabletalk.CapsuleStatus(result)
			assistantMessage = Summarize(queryType, result)
		}

	case tabletalk.ModePython:
		if !o.cfg.EnablePython {
			status = tabletalk.StatusRejected
			assistantMessage = "Query rejected: Python execution is disabled."
			result = tabletalk.ErrorResult(tabletalk.ErrFeatureDisabled, "Python execution mode is disabled.")
		} else {
			env := o.toolset.RunSandbox(ctx, ds, tabletalk.ModePython, "", pythonCode)
			r := env.RunnerResult
			result = &r
			status = tabletalk.CapsuleStatus(result)
			assistantMessage = Summarize(queryType, result)
		}
	}

	capsule := tabletalk.Capsule{
		RunID:              runID,
		CreatedAt:          time.Now().UTC(),
		DatasetID:          req.DatasetID,
		DatasetVersionHash: ds.VersionHash,
		Question:           req.Message,
		QueryMode:          queryType,
		CompiledSQL:        compiledSQL,
		Status:             status,
		Result:             result,
		Error:              result.Error,
		ExecTimeMS:         result.ExecTimeMS,
	}
	if queryType == tabletalk.ModePython {
		capsule.PythonCode = pythonCode
	}
	if err := o.capsules.InsertCapsule(ctx, capsule); err != nil {
		return nil, fmt.Errorf("persist capsule: %w", err)
	}

	if err := o.messages.AppendMessage(ctx, tabletalk.ThreadMessage{
		ThreadID:  threadID,
		Role:      tabletalk.RoleAssistant,
		Content:   assistantMessage,
		DatasetID: req.DatasetID,
		RunID:     runID,
	}); err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}

	o.logger.Info("session: direct execution completed",
		"run_id", runID, "dataset_id", req.DatasetID, "query_mode", queryType,
		"status", status, "duration", time.Since(start))

	details := Details{DatasetID: req.DatasetID, QueryMode: queryType, CompiledSQL: compiledSQL}
	if queryType == tabletalk.ModePython {
		details.PythonCode = pythonCode
	}
	return &Response{
		AssistantMessage: assistantMessage,
		RunID:            runID,
		ThreadID:         threadID,
		Status:           status,
		Result:           result,
		Details:          details,
	}, nil
}

// runAgent runs a full agent turn: history replay, schema and prior-run
// grounding, the tool-calling loop, then persistence.
func (o *Orchestrator) runAgent(ctx context.Context, req Request, ch chan<- tabletalk.StreamEvent) (*Response, error) {
	start := time.Now()
	if _, err := o.registry.ByID(req.DatasetID); err != nil {
		return nil, tabletalk.NewHTTPError(http.StatusNotFound, tabletalk.ErrNotFound, "%v", err)
	}

	runID := tabletalk.NewID()
	threadID := req.ThreadID
	if threadID == "" {
		threadID = "thread-" + tabletalk.NewID()
	}

	history, err := o.messages.GetMessages(ctx, threadID, o.cfg.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if err := o.messages.AppendMessage(ctx, tabletalk.ThreadMessage{
		ThreadID:  threadID,
		Role:      tabletalk.RoleUser,
		Content:   req.Message,
		DatasetID: req.DatasetID,
		RunID:     runID,
	}); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	input := make([]tabletalk.ChatMessage, 0, len(history)+4)
	input = append(input, tabletalk.SystemMessage(agent.SystemPrompt(o.cfg.MaxRows)))
	input = append(input, agent.HistoryToMessages(history)...)
	if sc := agent.SchemaContext(o.registry, req.DatasetID); sc != "" {
		input = append(input, tabletalk.SystemMessage(sc))
	}
	if pc := agent.PriorRunContext(ctx, history, req.DatasetID, o.capsules); pc != "" {
		input = append(input, tabletalk.SystemMessage(pc))
	}
	input = append(input, tabletalk.UserMessage(req.Message))

	produced, err := o.engine.RunTurn(ctx, input, ch)
	if errors.Is(err, agent.ErrRecursionLimit) {
		o.logger.Warn("session: agent recursion limit hit",
			"thread_id", threadID, "dataset_id", req.DatasetID)
		return o.finishRecursionLimit(ctx, req, runID, threadID)
	}
	if err != nil {
		return nil, err
	}

	data := agent.Extract(produced, req.DatasetID, req.Message)
	if err := o.messages.AppendMessage(ctx, tabletalk.ThreadMessage{
		ThreadID:  threadID,
		Role:      tabletalk.RoleAssistant,
		Content:   data.AssistantMessage,
		DatasetID: req.DatasetID,
		RunID:     runID,
	}); err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}

	result := data.Result
	if result == nil {
		result = emptyResult()
	}
	if err := o.capsules.InsertCapsule(ctx, tabletalk.Capsule{
		RunID:       runID,
		CreatedAt:   time.Now().UTC(),
		DatasetID:   req.DatasetID,
		Question:    req.Message,
		QueryMode:   data.QueryMode,
		PlanJSON:    data.PlanJSON,
		CompiledSQL: data.CompiledSQL,
		PythonCode:  data.PythonCode,
		Status:      data.Status,
		Result:      result,
		Error:       result.Error,
		ExecTimeMS:  result.ExecTimeMS,
	}); err != nil {
		return nil, fmt.Errorf("persist capsule: %w", err)
	}

	o.logger.Info("session: agent turn completed",
		"run_id", runID, "thread_id", threadID, "dataset_id", req.DatasetID,
		"query_mode", data.QueryMode, "status", data.Status, "duration", time.Since(start))

	return &Response{
		AssistantMessage: data.AssistantMessage,
		RunID:            runID,
		ThreadID:         threadID,
		Status:           data.Status,
		Result:           result,
		Details: Details{
			DatasetID:   req.DatasetID,
			QueryMode:   data.QueryMode,
			PlanJSON:    data.PlanJSON,
			CompiledSQL: data.CompiledSQL,
			PythonCode:  data.PythonCode,
		},
	}, nil
}

// finishRecursionLimit persists the failure records for a turn that ran
// out of tool-calling budget and builds the failed response.
func (o *Orchestrator) finishRecursionLimit(ctx context.Context, req Request, runID, threadID string) (*Response, error) {
	result := emptyResult()
	result.Error = tabletalk.NewError(tabletalk.ErrAgentRecursionLimit, "%s", recursionCapsuleMessage)

	if err := o.messages.AppendMessage(ctx, tabletalk.ThreadMessage{
		ThreadID:  threadID,
		Role:      tabletalk.RoleAssistant,
		Content:   recursionReply,
		DatasetID: req.DatasetID,
		RunID:     runID,
	}); err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}
	if err := o.capsules.InsertCapsule(ctx, tabletalk.Capsule{
		RunID:     runID,
		CreatedAt: time.Now().UTC(),
		DatasetID: req.DatasetID,
		Question:  req.Message,
		QueryMode: tabletalk.ModeChat,
		Status:    tabletalk.StatusFailed,
		Result:    result,
		Error:     result.Error,
	}); err != nil {
		return nil, fmt.Errorf("persist capsule: %w", err)
	}

	return &Response{
		AssistantMessage: recursionReply,
		RunID:            runID,
		ThreadID:         threadID,
		Status:           tabletalk.StatusFailed,
		Result:           result,
		Details:          Details{DatasetID: req.DatasetID, QueryMode: tabletalk.ModeChat},
	}, nil
}

// SubmitRun executes a direct run submission. It records a capsule but
// touches no thread.
func (o *Orchestrator) SubmitRun(ctx context.Context, req RunRequest) (*Response, error) {
	start := time.Now()
	ds, err := o.registry.ByID(req.DatasetID)
	if err != nil {
		return nil, tabletalk.NewHTTPError(http.StatusNotFound, tabletalk.ErrNotFound, "%v", err)
	}

	runID := tabletalk.NewID()
	createdAt := time.Now().UTC()
	planJSON := req.PlanJSON

	var (
		executionRunID string
		compiledSQL    string
		result         *tabletalk.RunnerResult
		status         string
	)

	switch req.QueryType {
	case tabletalk.ModeSQL:
		if req.SQL == "" {
			return nil, tabletalk.NewHTTPError(http.StatusBadRequest, tabletalk.ErrValidation,
				"sql is required for query_type=sql")
		}
		normalized := sqlpolicy.NormalizeForDataset(req.SQL, req.DatasetID)
		compiledSQL = normalized
		executionRunID, result, status = o.runPolicyChecked(ctx, ds, normalized)

	case tabletalk.ModePython:
		if req.PythonCode == "" {
			return nil, tabletalk.NewHTTPError(http.StatusBadRequest, tabletalk.ErrValidation,
				"python_code is required for query_type=python")
		}
		if !o.cfg.EnablePython {
			result = tabletalk.ErrorResult(tabletalk.ErrFeatureDisabled, "Python execution mode is disabled.")
			status = tabletalk.StatusRejected
		} else {
			env := o.toolset.RunSandbox(ctx, ds, tabletalk.ModePython, "", req.PythonCode)
			executionRunID = env.RunID
			r := env.RunnerResult
			result = &r
			status = tabletalk.CapsuleStatus(result)
		}

	case tabletalk.ModePlan:
		if len(req.PlanJSON) == 0 {
			return nil, tabletalk.NewHTTPError(http.StatusBadRequest, tabletalk.ErrValidation,
				"plan_json is required for query_type=plan")
		}
		p, err := plan.Parse(req.PlanJSON)
		if err != nil {
			return nil, tabletalk.NewHTTPError(http.StatusBadRequest, tabletalk.ErrValidation, "%v", err)
		}
		p.DatasetID = req.DatasetID
		if err := p.Validate(); err != nil {
			return nil, tabletalk.NewHTTPError(http.StatusBadRequest, tabletalk.ErrValidation, "%v", err)
		}
		compiled, err := plan.Compile(p)
		if err != nil {
			return nil, tabletalk.NewHTTPError(http.StatusBadRequest, tabletalk.ErrValidation, "%v", err)
		}
		planJSON, _ = json.Marshal(p)
		normalized := sqlpolicy.NormalizeForDataset(compiled, req.DatasetID)
		compiledSQL = normalized
		executionRunID, result, status = o.runPolicyChecked(ctx, ds, normalized)

	default:
		return nil, tabletalk.NewHTTPError(http.StatusBadRequest, tabletalk.ErrValidation,
			"unsupported query_type: %s", req.QueryType)
	}

	// A sandbox run reports its own run id; reuse it so status lookups
	// against either id resolve to the same capsule.
	if executionRunID != "" {
		runID = executionRunID
	}

	capsule := tabletalk.Capsule{
		RunID:              runID,
		CreatedAt:          createdAt,
		DatasetID:          req.DatasetID,
		DatasetVersionHash: ds.VersionHash,
		QueryMode:          req.QueryType,
		PlanJSON:           planJSON,
		CompiledSQL:        compiledSQL,
		PythonCode:         req.PythonCode,
		Status:             status,
		Result:             result,
		Error:              result.Error,
		ExecTimeMS:         result.ExecTimeMS,
	}
	if err := o.capsules.InsertCapsule(ctx, capsule); err != nil {
		return nil, fmt.Errorf("persist capsule: %w", err)
	}

	o.logger.Info("session: run submission completed",
		"run_id", runID, "dataset_id", req.DatasetID, "query_mode", req.QueryType,
		"status", status, "duration", time.Since(start))

	return &Response{
		AssistantMessage: "Run submitted and executed.",
		RunID:            runID,
		Status:           status,
		Result:           result,
		Details: Details{
			DatasetID:   req.DatasetID,
			QueryMode:   req.QueryType,
			PlanJSON:    planJSON,
			CompiledSQL: compiledSQL,
			PythonCode:  req.PythonCode,
		},
	}, nil
}

// runPolicyChecked gates normalized SQL through the policy and runs it.
func (o *Orchestrator) runPolicyChecked(ctx context.Context, ds dataset.Dataset, normalized string) (runID string, result *tabletalk.RunnerResult, status string) {
	if msg := sqlpolicy.Validate(normalized); msg != "" {
		return "", tabletalk.ErrorResult(tabletalk.ErrSQLPolicyViolation, "%s", msg), tabletalk.StatusRejected
	}
	env := o.toolset.RunSandbox(ctx, ds, tabletalk.ModeSQL, normalized, "")
	r := env.RunnerResult
	return env.RunID, &r, tabletalk.CapsuleStatus(&r)
}

// emit sends an event unless ch is nil or the context is done.
func (o *Orchestrator) emit(ctx context.Context, ch chan<- tabletalk.StreamEvent, ev tabletalk.StreamEvent) {
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

// emitError converts a turn failure into an error event.
func (o *Orchestrator) emitError(ctx context.Context, ch chan<- tabletalk.StreamEvent, err error) {
	errType := "AGENT_ERROR"
	var httpErr *tabletalk.HTTPError
	if errors.As(err, &httpErr) {
		errType = httpErr.Type
		o.emit(ctx, ch, tabletalk.StreamEvent{Type: tabletalk.EventError, Data: tabletalk.NewError(errType, "%s", httpErr.Msg)})
		return
	}
	o.emit(ctx, ch, tabletalk.StreamEvent{Type: tabletalk.EventError, Data: tabletalk.NewError(errType, "%v", err)})
}

func emptyResult() *tabletalk.RunnerResult {
	return &tabletalk.RunnerResult{Columns: []string{}, Rows: [][]any{}}
}

// Summarize renders a short natural-language summary of an execution
// result for the fast path, where no model writes the reply.
func Summarize(queryMode string, r *tabletalk.RunnerResult) string {
	if r.Error != nil {
		msg := r.Error.Message
		if msg == "" {
			msg = "Execution failed."
		}
		return "I couldn't execute that request successfully: " + msg
	}

	columns := r.Columns
	rows := r.Rows
	if r.RowCount == 0 {
		return "No rows matched your request."
	}

	if len(columns) == 1 && len(rows) == 1 {
		col := columns[0]
		value := ""
		if len(rows[0]) > 0 {
			value = formatValue(rows[0][0])
		}
		colLower := strings.ToLower(col)
		if strings.HasPrefix(colLower, "total_") {
			subject := strings.TrimSpace(strings.ReplaceAll(colLower[len("total_"):], "_", " "))
			return fmt.Sprintf("There are %s total %s in the dataset.", value, subject)
		}
		switch colLower {
		case "count", "n", "total", "total_count", "row_count":
			return fmt.Sprintf("The result is %s.", value)
		}
		return fmt.Sprintf("%s: %s.", strings.TrimSpace(strings.ReplaceAll(col, "_", " ")), value)
	}

	if len(rows) <= 5 && len(columns) <= 4 {
		first := rows[0]
		pairs := make([]string, 0, len(columns))
		for i, col := range columns {
			if i >= len(first) {
				break
			}
			name := strings.TrimSpace(strings.ReplaceAll(col, "_", " "))
			pairs = append(pairs, name+"="+formatValue(first[i]))
		}
		joined := strings.Join(pairs, ", ")
		if len(rows) == 1 {
			return fmt.Sprintf("I found one row: %s. See Result for full details.", joined)
		}
		return fmt.Sprintf("I found %d rows. First row: %s. See Result for full details.", len(rows), joined)
	}

	modeHint := "query"
	if queryMode == tabletalk.ModePython {
		modeHint = "Python analysis"
	}
	return fmt.Sprintf("I ran the %s and returned %d rows across %d columns. "+
		"Please see the Result table for the full breakdown.", modeHint, r.RowCount, len(columns))
}

// formatValue renders a JSON-decoded cell value. Whole-number floats
// print without a fractional part, matching how the runner emitted
// them.
func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return "null"
	}
	return fmt.Sprintf("%v", v)
}
