// Package agent runs the tool-calling turn loop and extracts run
// capsules from the messages a turn produced.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/tabletalk/tabletalk"
	"github.com/tabletalk/tabletalk/dataset"
)

// ErrRecursionLimit is returned by RunTurn when the model keeps calling
// tools past the iteration budget.
var ErrRecursionLimit = errors.New("agent recursion limit reached")

// DefaultMaxIterations bounds the tool-calling loop. Each iteration is
// one provider call plus the execution of any tool calls it requests.
const DefaultMaxIterations = 8

const systemPromptTemplate = "You are a careful data analyst assistant. You have access to tools that let you " +
	"discover datasets and run queries against them.\n\n" +
	"Rules:\n" +
	"- Default to execute_sql for data questions.\n" +
	"- Use execute_query_plan only when you want structured query plans.\n" +
	"- Use execute_python only when the user explicitly asks for pandas/Python.\n" +
	"- If a user asks for any value derived from the dataset (count, top, max/min, trend, date, aggregate), " +
	"you MUST execute an execution tool before answering.\n" +
	"- Prefer using exact table and column names from schema context/tool output. Do not invent table names.\n" +
	"- Never describe a query you would run without actually running it.\n" +
	"- If execute_sql returns a missing table/column error, call get_dataset_schema(dataset_id) and retry once with corrected SQL.\n" +
	"- Do not claim data is unavailable unless schema inspection confirms required fields are absent.\n" +
	"- After you receive a successful execution result that answers the user, STOP calling tools and provide the final answer.\n" +
	"- For follow-up requests that refine prior results (e.g., 'those again but with name'), reuse prior run context and execute one focused query.\n" +
	"- For greetings, capability questions, or schema questions you can answer " +
	"from tool output — reply in text without executing a query.\n" +
	"- Always keep result sets to <= %d rows.\n" +
	"- Never suggest or generate DDL/DML (DROP, INSERT, etc.).\n"

// SystemPrompt renders the analyst system prompt with the row limit.
func SystemPrompt(maxRows int) string {
	return fmt.Sprintf(systemPromptTemplate, maxRows)
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Engine drives one conversation turn: it calls the provider, executes
// the tool calls it requests, and repeats until the model answers in
// text or the iteration budget runs out.
type Engine struct {
	provider      tabletalk.Provider
	registry      *tabletalk.ToolRegistry
	maxIterations int
	logger        *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxIterations overrides the tool-calling iteration budget.
func WithMaxIterations(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxIterations = n
		}
	}
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates a turn engine over a provider and a tool registry.
func New(provider tabletalk.Provider, registry *tabletalk.ToolRegistry, opts ...Option) *Engine {
	e := &Engine{
		provider:      provider,
		registry:      registry,
		maxIterations: DefaultMaxIterations,
		logger:        nopLogger,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// RunTurn executes the loop starting from input and returns every
// message the turn produced (assistant and tool messages, excluding the
// input). When ch is non-nil, tool calls, tool results, and the final
// assistant text are emitted as stream events; the channel is not
// closed.
//
// On hitting the iteration budget the produced messages so far are
// returned together with ErrRecursionLimit so callers can still persist
// the partial transcript.
func (e *Engine) RunTurn(ctx context.Context, input []tabletalk.ChatMessage, ch chan<- tabletalk.StreamEvent) ([]tabletalk.ChatMessage, error) {
	messages := make([]tabletalk.ChatMessage, len(input))
	copy(messages, input)
	var produced []tabletalk.ChatMessage

	tools := e.registry.AllDefinitions()

	for iter := 0; iter < e.maxIterations; iter++ {
		resp, err := e.provider.Chat(ctx, tabletalk.ChatRequest{Messages: messages, Tools: tools})
		if err != nil {
			return produced, fmt.Errorf("provider %s: %w", e.provider.Name(), err)
		}

		if len(resp.ToolCalls) == 0 {
			final := tabletalk.AssistantMessage(resp.Content)
			produced = append(produced, final)
			emit(ctx, ch, tabletalk.StreamEvent{Type: tabletalk.EventToken, Content: resp.Content})
			return produced, nil
		}

		assistant := tabletalk.ChatMessage{
			Role:      tabletalk.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		messages = append(messages, assistant)
		produced = append(produced, assistant)

		for _, tc := range resp.ToolCalls {
			emit(ctx, ch, tabletalk.StreamEvent{Type: tabletalk.EventToolCall, Name: tc.Name, Args: tc.Args})
			e.logger.Info("tool call", "tool", tc.Name, "iteration", iter)

			result, err := e.registry.Execute(ctx, tc.Name, tc.Args)
			if err != nil {
				result = tabletalk.ToolResult{Error: err.Error()}
			}
			content := result.Content
			if result.Error != "" {
				content = "error: " + result.Error
			}
			toolMsg := tabletalk.ToolResultMessage(tc.ID, tc.Name, content)
			messages = append(messages, toolMsg)
			produced = append(produced, toolMsg)
			emit(ctx, ch, tabletalk.StreamEvent{Type: tabletalk.EventToolResult, Name: tc.Name, Content: content})
		}
	}

	e.logger.Warn("turn aborted at iteration budget", "max_iterations", e.maxIterations)
	return produced, ErrRecursionLimit
}

// emit sends an event unless ch is nil or the context is done.
func emit(ctx context.Context, ch chan<- tabletalk.StreamEvent, ev tabletalk.StreamEvent) {
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

// HistoryToMessages converts stored thread messages to provider chat
// messages. Anything that is not an assistant message is replayed as
// user content.
func HistoryToMessages(history []tabletalk.ThreadMessage) []tabletalk.ChatMessage {
	out := make([]tabletalk.ChatMessage, 0, len(history))
	for _, m := range history {
		if m.Role == tabletalk.RoleAssistant {
			out = append(out, tabletalk.AssistantMessage(m.Content))
		} else {
			out = append(out, tabletalk.UserMessage(m.Content))
		}
	}
	return out
}

// SchemaContext renders the schema grounding block for a dataset: table
// names derived from file names plus up to 30 column names per table.
// Column names are sorted for a stable prompt. Returns "" when the
// dataset is unknown.
func SchemaContext(reg *dataset.Registry, datasetID string) string {
	ds, err := reg.ByID(datasetID)
	if err != nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("Dataset schema context (use these exact table/column names):\n")
	fmt.Fprintf(&b, "- dataset_id: %s", datasetID)
	for _, f := range ds.Files {
		preview := "(schema unavailable)"
		if len(f.Schema) > 0 {
			cols := make([]string, 0, len(f.Schema))
			for col := range f.Schema {
				cols = append(cols, col)
			}
			sort.Strings(cols)
			if len(cols) > 30 {
				cols = cols[:30]
			}
			preview = strings.Join(cols, ", ")
		}
		fmt.Fprintf(&b, "\n- table %s: %s", dataset.TableName(f.Name), preview)
	}
	return b.String()
}
