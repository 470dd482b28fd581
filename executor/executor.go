// Package executor runs payloads in disposable sandboxes. Each provider
// creates one isolated environment per run, feeds it the payload, parses
// the envelope from its output, and tears it down. SubmitRun never
// returns a Go error: every failure mode is folded into the envelope so
// callers handle exactly one result shape.
package executor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tabletalk/tabletalk"
)

// nopLogger is a logger that discards all output. Used when no logger is
// provided.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Run statuses reported by Status.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusNotFound  = "not_found"
)

// Submission is the outcome of a completed run.
type Submission struct {
	RunID  string                  `json:"run_id"`
	Status string                  `json:"status"`
	Result *tabletalk.RunnerResult `json:"result"`
}

// Executor is a sandbox provider. Implementations are safe for
// concurrent use; runs do not share state.
type Executor interface {
	// SubmitRun executes the payload synchronously and returns when the
	// sandbox has finished or timed out.
	SubmitRun(ctx context.Context, payload tabletalk.RunnerPayload) Submission
	// Status reports the current status for a run id.
	Status(runID string) string
	// Result returns the stored envelope, or nil if unknown.
	Result(runID string) *tabletalk.RunnerResult
	// Cleanup forgets a run and releases any provider resources tied to it.
	Cleanup(runID string)
}

// runBook tracks per-run status and results. All providers embed one;
// the mutex covers both maps.
type runBook struct {
	mu      sync.Mutex
	status  map[string]string
	results map[string]*tabletalk.RunnerResult
}

func newRunBook() *runBook {
	return &runBook{
		status:  make(map[string]string),
		results: make(map[string]*tabletalk.RunnerResult),
	}
}

func (b *runBook) begin(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status[runID] = StatusRunning
}

// finish stores the result and derives the terminal status from the
// envelope.
func (b *runBook) finish(runID string, result *tabletalk.RunnerResult) string {
	status := StatusFailed
	if result != nil && result.Status == tabletalk.RunnerSuccess {
		status = StatusSucceeded
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[runID] = result
	b.status[runID] = status
	return status
}

func (b *runBook) statusOf(runID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.status[runID]; ok {
		return s
	}
	return StatusNotFound
}

func (b *runBook) resultOf(runID string) *tabletalk.RunnerResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.results[runID]
}

func (b *runBook) drop(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.status, runID)
	delete(b.results, runID)
}
