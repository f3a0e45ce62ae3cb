package expr_test

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/wdm0006/tributary/pkg/dataset"
	"github.com/wdm0006/tributary/pkg/destination/memdest"
	"github.com/wdm0006/tributary/pkg/expr"
	"github.com/wdm0006/tributary/pkg/tabular"
)

func seedDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	dest := memdest.New()
	ctx := context.Background()

	commits := tabular.NewFrame(tabular.Schema{Columns: []tabular.ColumnSchema{
		{Name: "sha", Type: tabular.KindString},
		{Name: "author", Type: tabular.KindString, Nullable: true},
		{Name: "at", Type: tabular.KindTime, Nullable: true},
	}})
	commits.AppendRecord(map[string]any{"sha": "a", "author": "ada", "at": "2024-03-01T09:00:00Z"})
	commits.AppendRecord(map[string]any{"sha": "b", "author": "ada", "at": "2024-03-01T17:30:00Z"})
	commits.AppendRecord(map[string]any{"sha": "c", "author": "brian", "at": "2024-03-02T08:00:00Z"})
	commits.AppendRecord(map[string]any{"sha": "d", "author": nil, "at": nil})

	parents := tabular.NewFrame(tabular.Schema{Columns: []tabular.ColumnSchema{
		{Name: "child", Type: tabular.KindString},
		{Name: "sha", Type: tabular.KindString},
	}})
	parents.AppendRecord(map[string]any{"child": "b", "sha": "a"})
	parents.AppendRecord(map[string]any{"child": "c", "sha": "a"})
	parents.AppendRecord(map[string]any{"child": "d", "sha": "b"})
	parents.AppendRecord(map[string]any{"child": "d", "sha": "c"})

	load, err := dest.BeginLoad(ctx, "repo", "load-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := load.WriteTable(ctx, "commits", commits, tabular.WriteReplace, nil); err != nil {
		t.Fatal(err)
	}
	if err := load.WriteTable(ctx, "parents", parents, tabular.WriteReplace, nil); err != nil {
		t.Fatal(err)
	}
	if err := load.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	return dataset.New(dest, "repo")
}

func TestSelectAndFilter(t *testing.T) {
	ds := seedDataset(t)
	ctx := context.Background()

	rel := ds.Table("commits").
		Filter(expr.Eq(expr.Col("author"), expr.Lit("ada"))).
		Select(expr.As("sha", expr.Col("sha")))

	schema, err := rel.Schema(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(schema.Columns) != 1 || schema.Columns[0].Name != "sha" {
		t.Fatalf("unexpected schema %v", schema.Names())
	}

	f, err := rel.Eval(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if f.Rows() != 2 {
		t.Fatalf("expected 2 rows, got %d", f.Rows())
	}
}

func TestFilterDropsNullPredicates(t *testing.T) {
	ds := seedDataset(t)
	// author is null for commit d; comparing null yields null, which drops
	f, err := ds.Table("commits").
		Filter(expr.Ne(expr.Col("author"), expr.Lit("ada"))).
		Eval(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if f.Rows() != 1 {
		t.Fatalf("expected only brian's commit, got %d rows", f.Rows())
	}
}

func TestMutateOverwrites(t *testing.T) {
	ds := seedDataset(t)
	f, err := ds.Table("commits").
		Mutate(expr.As("author", expr.Coalesce(expr.Col("author"), expr.Lit("unknown")))).
		Eval(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if f.Cols() != 3 {
		t.Fatalf("mutate should keep the column count, got %d", f.Cols())
	}
	authors := map[any]bool{}
	for i := 0; i < f.Rows(); i++ {
		v, _ := f.Value(i, "author")
		authors[v] = true
	}
	if !authors["unknown"] {
		t.Fatal("null author should be coalesced")
	}
}

func TestGroupByAggregate(t *testing.T) {
	ds := seedDataset(t)
	f, err := ds.Table("commits").
		GroupBy("author").
		Aggregate(
			expr.AggAs("n", expr.Count(nil)),
			expr.AggAs("first_at", expr.Min(expr.Col("at"))),
		).
		Eval(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if f.Rows() != 3 {
		t.Fatalf("expected 3 groups (ada, brian, null), got %d", f.Rows())
	}
	counts := map[any]int64{}
	for i := 0; i < f.Rows(); i++ {
		a, _ := f.Value(i, "author")
		n, _ := f.Value(i, "n")
		counts[a] = n.(int64)
	}
	if counts["ada"] != 2 || counts["brian"] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestLeftJoinFansOutAndNullExtends(t *testing.T) {
	ds := seedDataset(t)
	f, err := ds.Table("commits").
		LeftJoin(ds.Table("parents"), "sha", "child").
		Eval(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// a: no parents (1), b: 1, c: 1, d: 2 -> 5 rows
	if f.Rows() != 5 {
		t.Fatalf("expected 5 rows, got %d", f.Rows())
	}
	if _, ok := f.Schema().Column("sha_right"); !ok {
		t.Fatal("colliding right column should be suffixed _right")
	}
	var unmatched int
	for i := 0; i < f.Rows(); i++ {
		if v, _ := f.Value(i, "child"); v == nil {
			unmatched++
		}
	}
	if unmatched != 1 {
		t.Fatalf("expected 1 null-extended row, got %d", unmatched)
	}
}

func TestDistinctOrderLimit(t *testing.T) {
	ds := seedDataset(t)
	ctx := context.Background()

	f, err := ds.Table("commits").
		Select(expr.As("author", expr.Col("author"))).
		Distinct().
		Eval(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if f.Rows() != 3 {
		t.Fatalf("expected 3 distinct authors, got %d", f.Rows())
	}

	ordered, err := ds.Table("commits").OrderBy("at", false).Eval(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := ordered.Value(0, "at"); v != nil {
		t.Fatal("nulls should sort first ascending")
	}
	last, _ := ordered.Value(ordered.Rows()-1, "at")
	if last.(time.Time).Format("2006-01-02") != "2024-03-02" {
		t.Fatalf("unexpected order, last at %v", last)
	}

	limited, err := ds.Table("commits").Limit(2).Eval(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if limited.Rows() != 2 {
		t.Fatalf("expected 2 rows, got %d", limited.Rows())
	}
}

func TestScalarHelpers(t *testing.T) {
	ds := seedDataset(t)
	f, err := ds.Table("commits").
		Mutate(
			expr.As("len", expr.Length(expr.Col("author"))),
			expr.As("day", expr.TruncDay(expr.Col("at"))),
			expr.As("known", expr.CastInt(expr.NotNull(expr.Col("author")))),
		).
		Eval(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := f.Value(0, "len"); v.(int64) != 3 {
		t.Fatalf("length of ada should be 3, got %v", v)
	}
	if v, _ := f.Value(0, "day"); v.(time.Time).Hour() != 0 {
		t.Fatalf("trunc_day should zero the clock, got %v", v)
	}
	if v, _ := f.Value(3, "known"); v.(int64) != 0 {
		t.Fatalf("cast of false should be 0, got %v", v)
	}
}

func TestSQLCompilationNeedsSQLProvider(t *testing.T) {
	ds := seedDataset(t)
	_, err := ds.Table("commits").Select(expr.As("sha", expr.Col("sha"))).SQL(context.Background())
	if err == nil {
		t.Fatal("memory provider should refuse SQL compilation")
	}
}

func TestSQLCompilationShape(t *testing.T) {
	p := &fakeSQLProvider{schema: tabular.Schema{Columns: []tabular.ColumnSchema{
		{Name: "sha", Type: tabular.KindString},
		{Name: "author", Type: tabular.KindString, Nullable: true},
	}}}
	rel := expr.Scan(p, "commits").
		Filter(expr.Eq(expr.Col("author"), expr.Lit("ada"))).
		GroupBy("author").
		Aggregate(expr.AggAs("n", expr.Count(nil)))
	q, err := rel.SQL(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"main.commits"`, "WHERE", `'ada'`, "COUNT(*)", "GROUP BY"} {
		if !strings.Contains(q, want) {
			t.Fatalf("query missing %q:\n%s", want, q)
		}
	}
}

func TestSQLJoinSubqueryAliasedOnce(t *testing.T) {
	p := &fakeSQLProvider{schema: tabular.Schema{Columns: []tabular.ColumnSchema{
		{Name: "sha", Type: tabular.KindString},
		{Name: "parent", Type: tabular.KindString, Nullable: true},
	}}}
	counts := expr.Scan(p, "parents").
		GroupBy("parent").
		Aggregate(expr.AggAs("n", expr.Count(nil)))
	rel := expr.Scan(p, "commits").LeftJoin(counts, "sha", "parent")
	q, err := rel.SQL(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if regexp.MustCompile(`AS \w+ AS`).MatchString(q) {
		t.Fatalf("subquery join side aliased twice:\n%s", q)
	}
	for _, want := range []string{"LEFT JOIN", "GROUP BY", " AS jl", " AS jr"} {
		if !strings.Contains(q, want) {
			t.Fatalf("query missing %q:\n%s", want, q)
		}
	}
}

type fakeSQLProvider struct {
	schema tabular.Schema
}

func (p *fakeSQLProvider) Engine() string { return "sqlite" }

func (p *fakeSQLProvider) ReadTable(ctx context.Context, table string) (*tabular.Frame, error) {
	return tabular.NewFrame(p.schema), nil
}

func (p *fakeSQLProvider) TableSchema(ctx context.Context, table string) (tabular.Schema, error) {
	return p.schema, nil
}

func (p *fakeSQLProvider) QualifiedTable(table string) (string, bool) {
	return `"main.` + table + `"`, true
}
