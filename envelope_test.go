package tabletalk

import "testing"

func TestCapsuleStatus(t *testing.T) {
	tests := []struct {
		name   string
		result *RunnerResult
		want   string
	}{
		{"chat turn", nil, StatusSucceeded},
		{"success", &RunnerResult{Status: RunnerSuccess}, StatusSucceeded},
		{"timeout status", &RunnerResult{Status: RunnerTimeout}, StatusTimedOut},
		{"timeout error type", &RunnerResult{Status: RunnerError, Error: NewError(ErrTimeout, "slow")}, StatusTimedOut},
		{"runner timeout error type", &RunnerResult{Status: RunnerError, Error: NewError(ErrRunnerTimeout, "slow")}, StatusTimedOut},
		{"policy violation", &RunnerResult{Status: RunnerError, Error: NewError(ErrSQLPolicyViolation, "blocked")}, StatusRejected},
		{"feature disabled", &RunnerResult{Status: RunnerError, Error: NewError(ErrFeatureDisabled, "off")}, StatusRejected},
		{"execution error", &RunnerResult{Status: RunnerError, Error: NewError(ErrSQLExecution, "bad column")}, StatusFailed},
		{"error without info", &RunnerResult{Status: RunnerError}, StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CapsuleStatus(tt.result); got != tt.want {
				t.Errorf("CapsuleStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorResult(t *testing.T) {
	r := ErrorResult(ErrValidation, "limit %d out of range", 5000)
	if r.Status != RunnerError {
		t.Errorf("Status = %q, want %q", r.Status, RunnerError)
	}
	if r.Error == nil || r.Error.Type != ErrValidation {
		t.Fatalf("Error = %+v, want VALIDATION_ERROR", r.Error)
	}
	if r.Error.Message != "limit 5000 out of range" {
		t.Errorf("Message = %q", r.Error.Message)
	}
	if r.Columns == nil || r.Rows == nil {
		t.Error("Columns and Rows should be non-nil empty slices")
	}
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	if a == b {
		t.Error("ids should be unique")
	}
	if len(a) != 36 {
		t.Errorf("len = %d, want 36", len(a))
	}
}
