// Package plan defines the structured query-plan DSL and its compiler.
// A plan is a restricted, validated description of a single-table query;
// Compile turns it into deterministic DuckDB-compatible SQL that always
// carries a LIMIT.
package plan

import (
	"encoding/json"
	"fmt"
)

// Operator is a filter comparison operator.
type Operator string

const (
	OpEq         Operator = "="
	OpNe         Operator = "!="
	OpLt         Operator = "<"
	OpLte        Operator = "<="
	OpGt         Operator = ">"
	OpGte        Operator = ">="
	OpIn         Operator = "in"
	OpBetween    Operator = "between"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startswith"
	OpEndsWith   Operator = "endswith"
	OpIsNull     Operator = "is_null"
	OpIsNotNull  Operator = "is_not_null"
)

// AggFunc is an aggregation function.
type AggFunc string

const (
	AggCount         AggFunc = "count"
	AggCountDistinct AggFunc = "count_distinct"
	AggSum           AggFunc = "sum"
	AggAvg           AggFunc = "avg"
	AggMin           AggFunc = "min"
	AggMax           AggFunc = "max"
)

// Direction is a sort direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// DefaultLimit is applied when a plan omits its limit.
const DefaultLimit = 200

// MaxLimit bounds any plan limit.
const MaxLimit = 1000

// Filter is one WHERE condition. Value holds a scalar for comparison
// operators, a list for in/between, and nothing for the null checks.
type Filter struct {
	Column string   `json:"column"`
	Op     Operator `json:"op"`
	Value  any      `json:"value,omitempty"`
}

// SelectItem is either a plain column reference (Column, optional Alias)
// or an aggregation (Func + Column + Alias).
type SelectItem struct {
	Column string  `json:"column,omitempty"`
	Alias  string  `json:"alias,omitempty"`
	Func   AggFunc `json:"func,omitempty"`
}

// IsAggregation reports whether the item applies an aggregation function.
func (s SelectItem) IsAggregation() bool { return s.Func != "" }

// OrderBy sorts by a column name or select alias.
type OrderBy struct {
	Expr      string    `json:"expr"`
	Direction Direction `json:"direction,omitempty"`
}

// QueryPlan is the structured query DSL. Zero Limit means DefaultLimit.
type QueryPlan struct {
	DatasetID string       `json:"dataset_id"`
	Table     string       `json:"table"`
	Select    []SelectItem `json:"select,omitempty"`
	Filters   []Filter     `json:"filters,omitempty"`
	GroupBy   []string     `json:"group_by,omitempty"`
	OrderBy   []OrderBy    `json:"order_by,omitempty"`
	Limit     int          `json:"limit,omitempty"`
	Notes     string       `json:"notes,omitempty"`
}

// Parse unmarshals a plan from JSON. The caller sets DatasetID (the
// request's dataset always wins over any embedded one) and then calls
// Validate.
func Parse(data []byte) (*QueryPlan, error) {
	var p QueryPlan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid query plan JSON: %w", err)
	}
	return &p, nil
}

var validOps = map[Operator]bool{
	OpEq: true, OpNe: true, OpLt: true, OpLte: true, OpGt: true, OpGte: true,
	OpIn: true, OpBetween: true, OpContains: true, OpStartsWith: true,
	OpEndsWith: true, OpIsNull: true, OpIsNotNull: true,
}

var validAggs = map[AggFunc]bool{
	AggCount: true, AggCountDistinct: true, AggSum: true,
	AggAvg: true, AggMin: true, AggMax: true,
}

// Validate checks the plan's structural invariants. It mutates nothing;
// the default limit is applied during compilation.
func (p *QueryPlan) Validate() error {
	if p.DatasetID == "" {
		return fmt.Errorf("query plan: dataset_id is required")
	}
	if p.Table == "" {
		return fmt.Errorf("query plan: table is required")
	}
	if p.Limit < 0 || p.Limit > MaxLimit {
		return fmt.Errorf("query plan: limit %d out of range [1, %d]", p.Limit, MaxLimit)
	}
	if p.Select != nil && len(p.Select) == 0 {
		return fmt.Errorf("query plan: select list cannot be empty if provided")
	}
	for i, s := range p.Select {
		if s.IsAggregation() {
			if !validAggs[s.Func] {
				return fmt.Errorf("query plan: select[%d]: unknown aggregation function %q", i, s.Func)
			}
			if s.Column == "" {
				return fmt.Errorf("query plan: select[%d]: aggregation requires a column", i)
			}
			if s.Alias == "" {
				return fmt.Errorf("query plan: select[%d]: aggregation requires an alias", i)
			}
		} else if s.Column == "" {
			return fmt.Errorf("query plan: select[%d]: column is required", i)
		}
	}
	for i, f := range p.Filters {
		if err := validateFilter(f); err != nil {
			return fmt.Errorf("query plan: filters[%d]: %w", i, err)
		}
	}
	for i, o := range p.OrderBy {
		if o.Expr == "" {
			return fmt.Errorf("query plan: order_by[%d]: expr is required", i)
		}
		if o.Direction != "" && o.Direction != Asc && o.Direction != Desc {
			return fmt.Errorf("query plan: order_by[%d]: invalid direction %q", i, o.Direction)
		}
	}
	return p.validateAggregationMix()
}

func validateFilter(f Filter) error {
	if f.Column == "" {
		return fmt.Errorf("column is required")
	}
	if !validOps[f.Op] {
		return fmt.Errorf("unknown operator %q", f.Op)
	}
	switch f.Op {
	case OpIsNull, OpIsNotNull:
		if f.Value != nil {
			return fmt.Errorf("operator %s should not have a value", f.Op)
		}
	case OpIn:
		list, ok := f.Value.([]any)
		if !ok {
			return fmt.Errorf("operator 'in' requires a list value")
		}
		if len(list) == 0 {
			return fmt.Errorf("operator 'in' requires a non-empty list")
		}
	case OpBetween:
		list, ok := f.Value.([]any)
		if !ok || len(list) != 2 {
			return fmt.Errorf("operator 'between' requires a list of exactly 2 values")
		}
	default:
		if f.Value == nil {
			return fmt.Errorf("operator %s requires a value", f.Op)
		}
	}
	return nil
}

// validateAggregationMix enforces the GROUP BY discipline: when a plan
// mixes aggregations with plain columns, every plain column must appear
// in group_by.
func (p *QueryPlan) validateAggregationMix() error {
	hasAgg, hasPlain := false, false
	for _, s := range p.Select {
		if s.IsAggregation() {
			hasAgg = true
		} else {
			hasPlain = true
		}
	}
	if !hasAgg || !hasPlain {
		return nil
	}
	if len(p.GroupBy) == 0 {
		return fmt.Errorf("query plan: group_by is required when mixing aggregations with plain columns")
	}
	grouped := make(map[string]bool, len(p.GroupBy))
	for _, g := range p.GroupBy {
		grouped[g] = true
	}
	for _, s := range p.Select {
		if !s.IsAggregation() && !grouped[s.Column] {
			return fmt.Errorf("query plan: column %q must be in group_by when using aggregations", s.Column)
		}
	}
	return nil
}

// EffectiveLimit returns the limit that compilation will enforce.
func (p *QueryPlan) EffectiveLimit() int {
	if p.Limit == 0 {
		return DefaultLimit
	}
	return p.Limit
}

// HasAggregation reports whether any select item aggregates.
func (p *QueryPlan) HasAggregation() bool {
	for _, s := range p.Select {
		if s.IsAggregation() {
			return true
		}
	}
	return false
}
