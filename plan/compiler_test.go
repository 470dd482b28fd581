package plan

import (
	"strings"
	"testing"

	"github.com/tabletalk/tabletalk/sqlpolicy"
)

func TestCompileSimple(t *testing.T) {
	p := &QueryPlan{
		DatasetID: "ecommerce",
		Table:     "orders",
		Select:    []SelectItem{{Column: "order_id"}, {Column: "total"}},
		Filters:   []Filter{{Column: "status", Op: OpEq, Value: "completed"}},
		OrderBy:   []OrderBy{{Expr: "total", Direction: Desc}},
		Limit:     10,
	}
	want := `SELECT
  "order_id",
  "total"
FROM "orders"
WHERE
  "status" = 'completed'
ORDER BY "total" DESC
LIMIT 10`
	got, err := Compile(p)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if got != want {
		t.Errorf("Compile() =\n%s\nwant:\n%s", got, want)
	}
}

func TestCompileAggregation(t *testing.T) {
	p := &QueryPlan{
		DatasetID: "ecommerce",
		Table:     "order_items",
		Select: []SelectItem{
			{Column: "category"},
			{Func: AggSum, Column: "price", Alias: "total_revenue"},
			{Func: AggCountDistinct, Column: "order_id", Alias: "orders"},
		},
		GroupBy: []string{"category"},
		OrderBy: []OrderBy{{Expr: "total_revenue", Direction: Desc}},
		Limit:   20,
	}
	want := `SELECT
  "category",
  SUM("price") AS "total_revenue",
  COUNT(DISTINCT "order_id") AS "orders"
FROM "order_items"
GROUP BY "category"
ORDER BY "total_revenue" DESC
LIMIT 20`
	got, err := Compile(p)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if got != want {
		t.Errorf("Compile() =\n%s\nwant:\n%s", got, want)
	}
}

func TestCompileStarWithDefaultLimit(t *testing.T) {
	p := &QueryPlan{DatasetID: "d", Table: "orders"}
	got, err := Compile(p)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	want := "SELECT *\nFROM \"orders\"\nLIMIT 200"
	if got != want {
		t.Errorf("Compile() = %q, want %q", got, want)
	}
}

func TestCompileFilterOperators(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		want   string
	}{
		{"eq string", Filter{Column: "status", Op: OpEq, Value: "Open"}, `"status" = 'Open'`},
		{"ne number", Filter{Column: "n", Op: OpNe, Value: 3.0}, `"n" != 3`},
		{"gt float", Filter{Column: "price", Op: OpGt, Value: 10.5}, `"price" > 10.5`},
		{"lte int", Filter{Column: "qty", Op: OpLte, Value: 7}, `"qty" <= 7`},
		{"bool", Filter{Column: "active", Op: OpEq, Value: true}, `"active" = TRUE`},
		{"in", Filter{Column: "priority", Op: OpIn, Value: []any{"High", "Critical"}},
			`"priority" IN ('High', 'Critical')`},
		{"between", Filter{Column: "price", Op: OpBetween, Value: []any{10.0, 100.0}},
			`"price" BETWEEN 10 AND 100`},
		{"contains", Filter{Column: "name", Op: OpContains, Value: "wireless"},
			`"name" LIKE '%wireless%'`},
		{"startswith", Filter{Column: "sku", Op: OpStartsWith, Value: "AB"},
			`"sku" LIKE 'AB%'`},
		{"endswith", Filter{Column: "email", Op: OpEndsWith, Value: "@example.com"},
			`"email" LIKE '%@example.com'`},
		{"is_null", Filter{Column: "resolved_at", Op: OpIsNull}, `"resolved_at" IS NULL`},
		{"is_not_null", Filter{Column: "resolved_at", Op: OpIsNotNull}, `"resolved_at" IS NOT NULL`},
		{"quote escaping", Filter{Column: "name", Op: OpEq, Value: "O'Brien"}, `"name" = 'O''Brien'`},
		{"like wildcard escaping", Filter{Column: "name", Op: OpContains, Value: "50%_off"},
			`"name" LIKE '%50\%\_off%'`},
		{"like quote escaping", Filter{Column: "name", Op: OpContains, Value: "it's"},
			`"name" LIKE '%it''s%'`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildFilter(tt.filter)
			if err != nil {
				t.Fatalf("buildFilter: %v", err)
			}
			if got != tt.want {
				t.Errorf("buildFilter() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCompileMultipleFilters(t *testing.T) {
	p := &QueryPlan{
		DatasetID: "support",
		Table:     "tickets",
		Filters: []Filter{
			{Column: "status", Op: OpEq, Value: "Open"},
			{Column: "priority", Op: OpIn, Value: []any{"High"}},
		},
	}
	got, err := Compile(p)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	want := "WHERE\n  \"status\" = 'Open'\n  AND \"priority\" IN ('High')"
	if !strings.Contains(got, want) {
		t.Errorf("Compile() missing AND-joined WHERE:\n%s", got)
	}
}

func TestCompileRejectsBadIdentifiers(t *testing.T) {
	bad := []QueryPlan{
		{DatasetID: "d", Table: "orders; DROP TABLE x"},
		{DatasetID: "d", Table: "t", Select: []SelectItem{{Column: "a b"}}},
		{DatasetID: "d", Table: "t", GroupBy: []string{"x--"}},
		{DatasetID: "d", Table: "t", OrderBy: []OrderBy{{Expr: "x)"}}},
	}
	for _, p := range bad {
		if _, err := Compile(&p); err == nil {
			t.Errorf("Compile(%+v) should fail", p)
		}
	}
}

func TestCompileDeterministic(t *testing.T) {
	p := &QueryPlan{
		DatasetID: "d", Table: "t",
		Select:  []SelectItem{{Column: "a"}, {Func: AggAvg, Column: "b", Alias: "avg_b"}},
		GroupBy: []string{"a"},
		Filters: []Filter{{Column: "c", Op: OpGte, Value: 1.0}},
	}
	first, err := Compile(p)
	if err != nil {
		t.Fatal(err)
	}
	for range 5 {
		again, err := Compile(p)
		if err != nil {
			t.Fatal(err)
		}
		if again != first {
			t.Fatalf("compilation not deterministic:\n%s\nvs\n%s", first, again)
		}
	}
}

func TestCompiledSQLPassesPolicy(t *testing.T) {
	plans := []*QueryPlan{
		{DatasetID: "d", Table: "orders"},
		{DatasetID: "d", Table: "orders",
			Select:  []SelectItem{{Func: AggCount, Column: "id", Alias: "n"}},
			Filters: []Filter{{Column: "status", Op: OpNe, Value: "x"}}},
	}
	for _, p := range plans {
		sql, err := Compile(p)
		if err != nil {
			t.Fatal(err)
		}
		if reason := sqlpolicy.Validate(sql); reason != "" {
			t.Errorf("compiled SQL rejected by policy: %s\n%s", reason, sql)
		}
	}
}

func TestSuspectExfiltration(t *testing.T) {
	wide := make([]SelectItem, 25)
	for i := range wide {
		wide[i] = SelectItem{Column: "c"}
	}
	tests := []struct {
		name string
		plan QueryPlan
		want bool
	}{
		{"aggregation is safe", QueryPlan{Select: []SelectItem{{Func: AggCount, Column: "x", Alias: "n"}}, Limit: 1000}, false},
		{"wide select no filters", QueryPlan{Select: wide}, true},
		{"wide select filtered at default limit", QueryPlan{Select: wide, Filters: []Filter{{Column: "x", Op: OpEq, Value: "y"}}}, false},
		{"wide select filtered with raised limit", QueryPlan{Select: wide, Limit: 500, Filters: []Filter{{Column: "x", Op: OpEq, Value: "y"}}}, true},
		{"narrow select no filters", QueryPlan{Limit: 500}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SuspectExfiltration(&tt.plan); got != tt.want {
				t.Errorf("SuspectExfiltration() = %v, want %v", got, tt.want)
			}
		})
	}
}
