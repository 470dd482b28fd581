package tabletalk

import "fmt"

// Error type codes form a closed taxonomy. Every failure surfaced to a
// client carries exactly one of these in ErrorInfo.Type.
const (
	ErrSQLPolicyViolation  = "SQL_POLICY_VIOLATION"
	ErrFeatureDisabled     = "FEATURE_DISABLED"
	ErrValidation          = "VALIDATION_ERROR"
	ErrRunnerTimeout       = "RUNNER_TIMEOUT"
	ErrTimeout             = "TIMEOUT"
	ErrSQLExecution        = "SQL_EXECUTION_ERROR"
	ErrPythonExecution     = "PYTHON_EXECUTION_ERROR"
	ErrPythonPolicy        = "PYTHON_POLICY_VIOLATION"
	ErrRunnerInternal      = "RUNNER_INTERNAL_ERROR"
	ErrAgentRecursionLimit = "AGENT_RECURSION_LIMIT"
	ErrNotFound            = "NOT_FOUND"
)

// ErrorInfo is the wire-visible failure shape carried inside runner
// envelopes, capsules, and HTTP error bodies.
type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewError builds an ErrorInfo with a formatted message.
func NewError(errType, format string, args ...any) *ErrorInfo {
	return &ErrorInfo{Type: errType, Message: fmt.Sprintf(format, args...)}
}

// HTTPError is a request-level fault with an HTTP status. Handlers map
// it to a JSON error body; anything else becomes a 500.
type HTTPError struct {
	Status int
	Type   string
	Msg    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d %s: %s", e.Status, e.Type, e.Msg)
}

// NewHTTPError builds an HTTPError with a formatted message.
func NewHTTPError(status int, errType, format string, args ...any) *HTTPError {
	return &HTTPError{Status: status, Type: errType, Msg: fmt.Sprintf(format, args...)}
}
