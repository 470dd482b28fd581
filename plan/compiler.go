package plan

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// maxColumnsWithoutAggregation is the width threshold for the
// exfiltration heuristic.
const maxColumnsWithoutAggregation = 20

// Compile validates the plan and renders it as SQL. Identical plans
// always produce identical SQL, and a LIMIT is always present.
func Compile(p *QueryPlan) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}

	var parts []string

	sel, err := buildSelect(p)
	if err != nil {
		return "", err
	}
	parts = append(parts, sel)

	table, err := quoteIdentifier(p.Table)
	if err != nil {
		return "", err
	}
	parts = append(parts, "FROM "+table)

	if len(p.Filters) > 0 {
		where, err := buildWhere(p.Filters)
		if err != nil {
			return "", err
		}
		parts = append(parts, where)
	}
	if len(p.GroupBy) > 0 {
		group, err := buildGroupBy(p.GroupBy)
		if err != nil {
			return "", err
		}
		parts = append(parts, group)
	}
	if len(p.OrderBy) > 0 {
		order, err := buildOrderBy(p.OrderBy)
		if err != nil {
			return "", err
		}
		parts = append(parts, order)
	}
	parts = append(parts, fmt.Sprintf("LIMIT %d", p.EffectiveLimit()))

	return strings.Join(parts, "\n"), nil
}

func buildSelect(p *QueryPlan) (string, error) {
	if len(p.Select) == 0 {
		return "SELECT *", nil
	}
	columns := make([]string, 0, len(p.Select))
	for _, item := range p.Select {
		col, err := buildSelectItem(item)
		if err != nil {
			return "", err
		}
		columns = append(columns, col)
	}
	return "SELECT\n  " + strings.Join(columns, ",\n  "), nil
}

func buildSelectItem(item SelectItem) (string, error) {
	column, err := quoteIdentifier(item.Column)
	if err != nil {
		return "", err
	}
	if item.IsAggregation() {
		alias, err := quoteIdentifier(item.Alias)
		if err != nil {
			return "", err
		}
		if item.Func == AggCountDistinct {
			return fmt.Sprintf("COUNT(DISTINCT %s) AS %s", column, alias), nil
		}
		return fmt.Sprintf("%s(%s) AS %s", strings.ToUpper(string(item.Func)), column, alias), nil
	}
	if item.Alias != "" {
		alias, err := quoteIdentifier(item.Alias)
		if err != nil {
			return "", err
		}
		return column + " AS " + alias, nil
	}
	return column, nil
}

func buildWhere(filters []Filter) (string, error) {
	conditions := make([]string, 0, len(filters))
	for _, f := range filters {
		cond, err := buildFilter(f)
		if err != nil {
			return "", err
		}
		conditions = append(conditions, cond)
	}
	return "WHERE\n  " + strings.Join(conditions, "\n  AND "), nil
}

func buildFilter(f Filter) (string, error) {
	column, err := quoteIdentifier(f.Column)
	if err != nil {
		return "", err
	}
	switch f.Op {
	case OpIsNull:
		return column + " IS NULL", nil
	case OpIsNotNull:
		return column + " IS NOT NULL", nil
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
		v, err := formatValue(f.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s %s", column, f.Op, v), nil
	case OpIn:
		list := f.Value.([]any)
		values := make([]string, 0, len(list))
		for _, item := range list {
			v, err := formatValue(item)
			if err != nil {
				return "", err
			}
			values = append(values, v)
		}
		return fmt.Sprintf("%s IN (%s)", column, strings.Join(values, ", ")), nil
	case OpBetween:
		list := f.Value.([]any)
		low, err := formatValue(list[0])
		if err != nil {
			return "", err
		}
		high, err := formatValue(list[1])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s BETWEEN %s AND %s", column, low, high), nil
	case OpContains:
		return fmt.Sprintf("%s LIKE '%%%s%%'", column, escapeLikePattern(stringify(f.Value))), nil
	case OpStartsWith:
		return fmt.Sprintf("%s LIKE '%s%%'", column, escapeLikePattern(stringify(f.Value))), nil
	case OpEndsWith:
		return fmt.Sprintf("%s LIKE '%%%s'", column, escapeLikePattern(stringify(f.Value))), nil
	}
	return "", fmt.Errorf("unsupported filter operator: %s", f.Op)
}

func buildGroupBy(groupBy []string) (string, error) {
	columns := make([]string, 0, len(groupBy))
	for _, col := range groupBy {
		quoted, err := quoteIdentifier(col)
		if err != nil {
			return "", err
		}
		columns = append(columns, quoted)
	}
	return "GROUP BY " + strings.Join(columns, ", "), nil
}

func buildOrderBy(orderBy []OrderBy) (string, error) {
	items := make([]string, 0, len(orderBy))
	for _, o := range orderBy {
		expr, err := quoteIdentifier(o.Expr)
		if err != nil {
			return "", err
		}
		dir := o.Direction
		if dir == "" {
			dir = Asc
		}
		items = append(items, expr+" "+strings.ToUpper(string(dir)))
	}
	return "ORDER BY " + strings.Join(items, ", "), nil
}

// quoteIdentifier double-quotes a table or column name after checking it
// only contains alphanumerics and underscores. Pre-existing quotes are
// stripped first.
func quoteIdentifier(identifier string) (string, error) {
	identifier = strings.Trim(identifier, `"`)
	if identifier == "" {
		return "", fmt.Errorf("empty identifier")
	}
	for _, c := range identifier {
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '_' {
			return "", fmt.Errorf("invalid identifier: %s. Only alphanumeric and underscore allowed", identifier)
		}
	}
	return `"` + identifier + `"`, nil
}

// formatValue renders a scalar as a SQL literal. Strings are
// single-quoted with embedded quotes doubled.
func formatValue(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "NULL", nil
	case bool:
		if v {
			return "TRUE", nil
		}
		return "FALSE", nil
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'", nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case json.Number:
		return v.String(), nil
	}
	return "", fmt.Errorf("unsupported value type: %T", value)
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// escapeLikePattern escapes LIKE wildcards and quotes in a pattern
// fragment.
func escapeLikePattern(pattern string) string {
	pattern = strings.ReplaceAll(pattern, "%", `\%`)
	pattern = strings.ReplaceAll(pattern, "_", `\_`)
	return strings.ReplaceAll(pattern, "'", "''")
}

// SuspectExfiltration flags plans that look like bulk extraction rather
// than analysis: a wide unaggregated select that is either unfiltered or
// raises the limit. Advisory only; the caller decides what to do.
func SuspectExfiltration(p *QueryPlan) bool {
	if p.HasAggregation() {
		return false
	}
	if len(p.Select) <= maxColumnsWithoutAggregation {
		return false
	}
	return len(p.Filters) == 0 || p.EffectiveLimit() > DefaultLimit
}
