package transform_test

import (
	"context"
	"testing"

	"github.com/wdm0006/tributary/pkg/dataset"
	"github.com/wdm0006/tributary/pkg/destination/memdest"
	"github.com/wdm0006/tributary/pkg/destination/sqlitedest"
	"github.com/wdm0006/tributary/pkg/expr"
	"github.com/wdm0006/tributary/pkg/pipeline"
	"github.com/wdm0006/tributary/pkg/source"
	"github.com/wdm0006/tributary/pkg/tabular"
	"github.com/wdm0006/tributary/pkg/transform"
)

func commitRecords() []map[string]any {
	return []map[string]any{
		{"sha": "a", "author": "ada", "parents": []any{}},
		{"sha": "b", "author": "ada", "parents": []any{map[string]any{"sha": "a"}}},
		{"sha": "c", "author": "brian", "parents": []any{
			map[string]any{"sha": "a"},
			map[string]any{"sha": "b"},
		}},
	}
}

func mergeFlags(t *testing.T, ds *dataset.Dataset) map[string]bool {
	t.Helper()
	f, err := ds.ReadTable(context.Background(), "commit_stats")
	if err != nil {
		t.Fatal(err)
	}
	out := map[string]bool{}
	for i := 0; i < f.Rows(); i++ {
		sha, _ := f.Value(i, "sha")
		merge, _ := f.Value(i, "is_merge_commit")
		b, ok := merge.(bool)
		if !ok {
			// sqlite pushdown returns bools as 0/1 integers
			if n, isInt := merge.(int64); isInt {
				b = n != 0
			} else {
				t.Fatalf("unexpected merge flag %T %v", merge, merge)
			}
		}
		out[sha.(string)] = b
	}
	return out
}

func commitStats(src *dataset.Dataset) *expr.Relation {
	parents := src.Table("commits__parents").
		GroupBy(tabular.ParentIDColumn).
		Aggregate(expr.AggAs("parent_count", expr.Count(nil)))
	return src.Table("commits").
		LeftJoin(parents, tabular.IDColumn, tabular.ParentIDColumn).
		Mutate(expr.As("parent_count", expr.Coalesce(expr.Col("parent_count"), expr.Lit(0)))).
		Mutate(expr.As("is_merge_commit", expr.Gt(expr.Col("parent_count"), expr.Lit(1)))).
		Select(
			expr.As("sha", expr.Col("sha")),
			expr.As("parent_count", expr.Col("parent_count")),
			expr.As("is_merge_commit", expr.Col("is_merge_commit")),
		)
}

func statsTransformation() transform.Transformation {
	return transform.Transformation{
		Name: "commit_stats",
		Build: func(ctx context.Context, src *dataset.Dataset) ([]transform.Output, error) {
			return []transform.Output{{Table: "commit_stats", Relation: commitStats(src)}}, nil
		},
	}
}

func TestRunInMemoryEvaluation(t *testing.T) {
	dest := memdest.New()
	p := pipeline.New("github", dest, "raw")
	ctx := context.Background()
	if _, err := p.Run(ctx, source.FromRecords("commits", commitRecords())); err != nil {
		t.Fatal(err)
	}

	target := dataset.New(dest, "analytics")
	result, err := transform.NewRunner(p.Dataset(), target).Run(ctx, statsTransformation())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Tables) != 1 || result.Tables[0].Pushdown {
		t.Fatalf("memory engine should evaluate in memory, got %+v", result.Tables)
	}

	flags := mergeFlags(t, target)
	if flags["a"] || flags["b"] {
		t.Fatalf("0 and 1 parent commits are not merges: %v", flags)
	}
	if !flags["c"] {
		t.Fatalf("2-parent commit should be a merge: %v", flags)
	}

	f, err := target.ReadTable(ctx, "commit_stats")
	if err != nil {
		t.Fatal(err)
	}
	counts := map[string]int64{}
	for i := 0; i < f.Rows(); i++ {
		sha, _ := f.Value(i, "sha")
		n, _ := f.Value(i, "parent_count")
		counts[sha.(string)] = n.(int64)
	}
	if counts["a"] != 0 || counts["b"] != 1 || counts["c"] != 2 {
		t.Fatalf("parent counts %v, want a=0 b=1 c=2", counts)
	}
}

func TestRunSQLitePushdown(t *testing.T) {
	dest, err := sqlitedest.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer dest.Close()

	p := pipeline.New("github", dest, "raw")
	ctx := context.Background()
	if _, err := p.Run(ctx, source.FromRecords("commits", commitRecords())); err != nil {
		t.Fatal(err)
	}

	target := dataset.New(dest, "analytics")
	result, err := transform.NewRunner(p.Dataset(), target).Run(ctx, statsTransformation())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Tables) != 1 || !result.Tables[0].Pushdown {
		t.Fatalf("matching engines should push down, got %+v", result.Tables)
	}

	flags := mergeFlags(t, target)
	if flags["a"] || flags["b"] || !flags["c"] {
		t.Fatalf("unexpected merge flags %v", flags)
	}
}

func TestRunDistinctDatabasesFallBackToStaging(t *testing.T) {
	src, err := sqlitedest.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	tgt, err := sqlitedest.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer tgt.Close()

	p := pipeline.New("github", src, "raw")
	ctx := context.Background()
	if _, err := p.Run(ctx, source.FromRecords("commits", commitRecords())); err != nil {
		t.Fatal(err)
	}

	// same engine name, different database; the query cannot run on the target
	target := dataset.New(tgt, "analytics")
	result, err := transform.NewRunner(p.Dataset(), target).Run(ctx, statsTransformation())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Tables) != 1 || result.Tables[0].Pushdown {
		t.Fatalf("separate databases must stage in memory, got %+v", result.Tables)
	}
	flags := mergeFlags(t, target)
	if flags["a"] || flags["b"] || !flags["c"] {
		t.Fatalf("unexpected merge flags %v", flags)
	}
}

func TestRunRejectsIncompatibleOutputBeforeWriting(t *testing.T) {
	dest := memdest.New()
	p := pipeline.New("github", dest, "raw")
	ctx := context.Background()
	if _, err := p.Run(ctx, source.FromRecords("commits", commitRecords())); err != nil {
		t.Fatal(err)
	}

	target := dataset.New(dest, "analytics")
	runner := transform.NewRunner(p.Dataset(), target)
	if _, err := runner.Run(ctx, statsTransformation()); err != nil {
		t.Fatal(err)
	}

	// same table, append, but sha becomes an int now
	bad := transform.Transformation{
		Name: "commit_stats",
		Build: func(ctx context.Context, src *dataset.Dataset) ([]transform.Output, error) {
			rel := src.Table("commits").Select(expr.As("sha", expr.Lit(int64(1))))
			return []transform.Output{{Table: "commit_stats", Policy: tabular.WriteAppend, Relation: rel}}, nil
		},
	}
	if _, err := runner.Run(ctx, bad); err == nil {
		t.Fatal("kind change under append should fail")
	}
	f, err := target.ReadTable(ctx, "commit_stats")
	if err != nil {
		t.Fatal(err)
	}
	if f.Rows() != 3 {
		t.Fatalf("failed run must not modify the target, got %d rows", f.Rows())
	}
}
