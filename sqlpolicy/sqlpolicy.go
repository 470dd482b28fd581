// Package sqlpolicy gates SQL before it reaches a sandbox: only a single
// read-only SELECT or WITH statement may pass, and a blocklist of
// side-effecting keywords is rejected on word boundaries so column names
// like created_at or load_time stay legal.
package sqlpolicy

import (
	"fmt"
	"regexp"
	"strings"
)

// Blocklist contains keywords rejected anywhere in a statement. Matching
// is word-bounded, case-insensitive.
var Blocklist = []string{
	"drop", "delete", "insert", "update", "create", "alter",
	"attach", "install", "load", "pragma", "call", "copy", "export",
}

var blockedPatterns = func() map[string]*regexp.Regexp {
	m := make(map[string]*regexp.Regexp, len(Blocklist))
	for _, token := range Blocklist {
		// Word boundary in the identifier alphabet: the token must not be
		// preceded or followed by [a-z0-9_].
		m[token] = regexp.MustCompile(`(^|[^a-z0-9_])` + regexp.QuoteMeta(token) + `([^a-z0-9_]|$)`)
	}
	return m
}()

// ContainsBlockedToken reports whether the lowercased SQL contains the
// blocklist token as a whole word.
func ContainsBlockedToken(sqlLower, token string) bool {
	re, ok := blockedPatterns[token]
	if !ok {
		re = regexp.MustCompile(`(^|[^a-z0-9_])` + regexp.QuoteMeta(token) + `([^a-z0-9_]|$)`)
	}
	return re.MatchString(sqlLower)
}

// NormalizeForDataset strips dataset-qualified table prefixes, quoted or
// bare, so models that write ecommerce.orders or "ecommerce".orders hit
// the runner's unqualified table names.
func NormalizeForDataset(sql, datasetID string) string {
	quoted := regexp.MustCompile(`(?i)"` + regexp.QuoteMeta(datasetID) + `"\s*\.\s*`)
	bare := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(datasetID) + `\s*\.\s*`)
	return bare.ReplaceAllString(quoted.ReplaceAllString(sql, ""), "")
}

// Validate returns an empty string when sql passes the policy, otherwise
// a human-readable rejection reason. A trailing semicolon is tolerated;
// any other semicolon means multiple statements.
func Validate(sql string) string {
	clean := strings.TrimSpace(sql)
	lowered := strings.ToLower(clean)

	if !strings.HasPrefix(lowered, "select") && !strings.HasPrefix(lowered, "with") {
		return "Only SELECT/WITH queries are allowed."
	}
	if strings.Contains(strings.TrimRight(clean, ";"), ";") {
		return "Multiple SQL statements are not allowed."
	}
	for _, token := range Blocklist {
		if ContainsBlockedToken(lowered, token) {
			return fmt.Sprintf("SQL contains blocked token: %s", token)
		}
	}
	return ""
}
