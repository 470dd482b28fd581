package executor

import (
	"encoding/json"
	"strings"

	"github.com/tabletalk/tabletalk"
)

// truncLimit bounds the stdout/stderr excerpts attached to parse
// failures.
const truncLimit = 4096

// ParseRunnerOutput recovers an envelope from whatever a sandbox printed.
// Runners emit one JSON object on stdout, but wrappers and log pipelines
// can wrap it in noise or re-print it as a Python dict repr, so parsing
// degrades gracefully: strict JSON, then a Python-literal rewrite, then
// the widest {...} span, then individual lines from the bottom up.
func ParseRunnerOutput(stdout, stderr string) *tabletalk.RunnerResult {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		r := tabletalk.ErrorResult(tabletalk.ErrRunnerInternal, "Runner returned empty stdout.")
		r.StderrTrunc = truncate(stderr, truncLimit)
		return r
	}

	if r, ok := decodeEnvelope(trimmed); ok {
		return r
	}
	if r, ok := decodeEnvelope(pythonLiteralToJSON(trimmed)); ok {
		return r
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && start < end {
		if r, ok := decodeEnvelope(trimmed[start : end+1]); ok {
			return r
		}
	}

	lines := strings.Split(trimmed, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if r, ok := decodeEnvelope(line); ok {
			return r
		}
		if r, ok := decodeEnvelope(pythonLiteralToJSON(line)); ok {
			return r
		}
	}

	r := tabletalk.ErrorResult(tabletalk.ErrRunnerInternal, "Runner returned invalid JSON.")
	r.StdoutTrunc = truncate(trimmed, truncLimit)
	r.StderrTrunc = truncate(stderr, truncLimit)
	return r
}

// isParseFailure reports whether the envelope is one of the two
// synthetic parse-failure results. Used to retry log reads that raced
// with sandbox teardown.
func isParseFailure(r *tabletalk.RunnerResult) bool {
	if r == nil || r.Status != tabletalk.RunnerError || r.Error == nil {
		return false
	}
	msg := strings.ToLower(r.Error.Message)
	return strings.Contains(msg, "empty stdout") || strings.Contains(msg, "invalid json")
}

func decodeEnvelope(s string) (*tabletalk.RunnerResult, bool) {
	var r tabletalk.RunnerResult
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil, false
	}
	// A bare JSON scalar like "null" decodes without error; a real
	// envelope always carries a status.
	if r.Status == "" {
		return nil, false
	}
	if r.Columns == nil {
		r.Columns = []string{}
	}
	if r.Rows == nil {
		r.Rows = [][]any{}
	}
	return &r, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// pythonLiteralToJSON rewrites a Python dict repr into JSON: single
// quotes become double quotes and True/False/None become their JSON
// spellings. String contents are preserved, including quote characters.
func pythonLiteralToJSON(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inSingle, inDouble := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inSingle:
			switch {
			case c == '\\' && i+1 < len(s):
				if s[i+1] == '\'' {
					b.WriteByte('\'')
				} else {
					b.WriteByte(c)
					b.WriteByte(s[i+1])
				}
				i++
			case c == '\'':
				b.WriteByte('"')
				inSingle = false
			case c == '"':
				b.WriteString(`\"`)
			default:
				b.WriteByte(c)
			}
		case inDouble:
			switch {
			case c == '\\' && i+1 < len(s):
				b.WriteByte(c)
				b.WriteByte(s[i+1])
				i++
			case c == '"':
				b.WriteByte(c)
				inDouble = false
			default:
				b.WriteByte(c)
			}
		default:
			switch {
			case c == '\'':
				b.WriteByte('"')
				inSingle = true
			case c == '"':
				b.WriteByte(c)
				inDouble = true
			case bareWordAt(s, i, "True"):
				b.WriteString("true")
				i += 3
			case bareWordAt(s, i, "False"):
				b.WriteString("false")
				i += 4
			case bareWordAt(s, i, "None"):
				b.WriteString("null")
				i += 3
			default:
				b.WriteByte(c)
			}
		}
	}
	return b.String()
}

func bareWordAt(s string, i int, word string) bool {
	if !strings.HasPrefix(s[i:], word) {
		return false
	}
	if i > 0 && isWordByte(s[i-1]) {
		return false
	}
	if end := i + len(word); end < len(s) && isWordByte(s[end]) {
		return false
	}
	return true
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
