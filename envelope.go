package tabletalk

import (
	"encoding/json"
	"time"
)

// Query modes recorded on a capsule.
const (
	ModeChat   = "chat"
	ModeSQL    = "sql"
	ModePlan   = "plan"
	ModePython = "python"
)

// Runner statuses reported inside envelopes.
const (
	RunnerSuccess = "success"
	RunnerError   = "error"
	RunnerTimeout = "timeout"
)

// Capsule statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusRejected  = "rejected"
	StatusTimedOut  = "timed_out"
)

// PayloadFile names one dataset file and its path inside the sandbox.
type PayloadFile struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// RunnerPayload is the request written to a sandbox runner. Exactly one
// of SQL or PythonCode is set, matching QueryType.
type RunnerPayload struct {
	DatasetID      string        `json:"dataset_id"`
	Files          []PayloadFile `json:"files"`
	QueryType      string        `json:"query_type"`
	TimeoutSeconds int           `json:"timeout_seconds"`
	MaxRows        int           `json:"max_rows"`
	MaxOutputBytes int           `json:"max_output_bytes"`
	SQL            string        `json:"sql,omitempty"`
	PythonCode     string        `json:"python_code,omitempty"`
}

// RunnerResult is the envelope a runner prints on stdout. The service
// also synthesizes envelopes of this shape for policy rejections,
// timeouts, and infrastructure failures, so every execution path yields
// one uniform result.
type RunnerResult struct {
	Status      string     `json:"status"`
	Columns     []string   `json:"columns"`
	Rows        [][]any    `json:"rows"`
	RowCount    int        `json:"row_count"`
	ExecTimeMS  int64      `json:"exec_time_ms"`
	StdoutTrunc string     `json:"stdout_trunc,omitempty"`
	StderrTrunc string     `json:"stderr_trunc,omitempty"`
	Error       *ErrorInfo `json:"error,omitempty"`
}

// ErrorResult synthesizes an error envelope.
func ErrorResult(errType, format string, args ...any) *RunnerResult {
	return &RunnerResult{
		Status:  RunnerError,
		Columns: []string{},
		Rows:    [][]any{},
		Error:   NewError(errType, format, args...),
	}
}

// TimeoutResult synthesizes a timeout envelope for a run that exceeded
// the wall budget.
func TimeoutResult(seconds int) *RunnerResult {
	return &RunnerResult{
		Status:  RunnerTimeout,
		Columns: []string{},
		Rows:    [][]any{},
		Error:   NewError(ErrRunnerTimeout, "Query exceeded timeout of %d seconds", seconds),
	}
}

// CapsuleStatus maps a runner envelope to a capsule status. A nil result
// means no execution happened this turn, which is a successful chat-only
// turn.
func CapsuleStatus(result *RunnerResult) string {
	if result == nil {
		return StatusSucceeded
	}
	switch result.Status {
	case RunnerSuccess:
		return StatusSucceeded
	case RunnerTimeout:
		return StatusTimedOut
	}
	if result.Error != nil {
		switch result.Error.Type {
		case ErrTimeout, ErrRunnerTimeout:
			return StatusTimedOut
		case ErrSQLPolicyViolation, ErrFeatureDisabled:
			return StatusRejected
		}
	}
	return StatusFailed
}

// Capsule is the durable record of one run: what was asked, what was
// executed, and what came back.
type Capsule struct {
	RunID              string          `json:"run_id"`
	CreatedAt          time.Time       `json:"created_at"`
	DatasetID          string          `json:"dataset_id"`
	DatasetVersionHash string          `json:"dataset_version_hash,omitempty"`
	Question           string          `json:"question"`
	QueryMode          string          `json:"query_mode"`
	PlanJSON           json.RawMessage `json:"plan_json,omitempty"`
	CompiledSQL        string          `json:"compiled_sql,omitempty"`
	PythonCode         string          `json:"python_code,omitempty"`
	Status             string          `json:"status"`
	Result             *RunnerResult   `json:"result_json,omitempty"`
	Error              *ErrorInfo      `json:"error_json,omitempty"`
	ExecTimeMS         int64           `json:"exec_time_ms"`
}

// ThreadMessage is one persisted conversation message. RunID links
// assistant messages to the capsule their turn produced.
type ThreadMessage struct {
	ID        int64           `json:"id,omitempty"`
	ThreadID  string          `json:"thread_id"`
	CreatedAt time.Time       `json:"created_at"`
	DatasetID string          `json:"dataset_id,omitempty"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	RunID     string          `json:"run_id,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}
