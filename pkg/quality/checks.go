package quality

import (
	"context"
	"fmt"

	"github.com/wdm0006/tributary/pkg/dataset"
	"github.com/wdm0006/tributary/pkg/tabular"
)

// Granularity says what one check predicate ranges over.
type Granularity string

const (
	RowCheck     Granularity = "row"
	TableCheck   Granularity = "table"
	DatasetCheck Granularity = "dataset"
)

// Check is one named predicate. Row checks run per row and count failures;
// table and dataset checks pass or fail as a whole.
type Check struct {
	Name        string
	Table       string
	Column      string
	Granularity Granularity
	row         func(f *tabular.Frame, i int) bool
	table       func(f *tabular.Frame) (bool, string)
	dataset     func(ctx context.Context, ds *dataset.Dataset) (bool, string)
}

// NotNull fails for every null cell in the column.
func NotNull(table, column string) Check {
	return Check{
		Name: "not_null", Table: table, Column: column, Granularity: RowCheck,
		row: func(f *tabular.Frame, i int) bool {
			v, ok := f.Value(i, column)
			return ok && v != nil
		},
	}
}

// Unique fails when any non-null value in the column repeats.
func Unique(table, column string) Check {
	return Check{
		Name: "unique", Table: table, Column: column, Granularity: TableCheck,
		table: func(f *tabular.Frame) (bool, string) {
			seen := map[string]int{}
			dupes := 0
			col, ok := f.ColumnByName(column)
			if !ok {
				return false, fmt.Sprintf("no column %s", column)
			}
			for i := 0; i < col.Len(); i++ {
				if col.IsNull(i) {
					continue
				}
				k := fmt.Sprintf("%v", col.Value(i))
				seen[k]++
				if seen[k] == 2 {
					dupes++
				}
			}
			if dupes > 0 {
				return false, fmt.Sprintf("%d duplicated values", dupes)
			}
			return true, ""
		},
	}
}

// InSet fails for rows whose value falls outside the allowed set.
func InSet(table, column string, allowed []string) Check {
	set := make(map[string]struct{}, len(allowed))
	for _, v := range allowed {
		set[v] = struct{}{}
	}
	return Check{
		Name: "in_set", Table: table, Column: column, Granularity: RowCheck,
		row: func(f *tabular.Frame, i int) bool {
			v, ok := f.Value(i, column)
			if !ok || v == nil {
				return true
			}
			_, member := set[fmt.Sprintf("%v", v)]
			return member
		},
	}
}

// InRange fails for rows whose numeric value falls outside [min, max]. A nil
// bound is open.
func InRange(table, column string, min, max *float64) Check {
	return Check{
		Name: "in_range", Table: table, Column: column, Granularity: RowCheck,
		row: func(f *tabular.Frame, i int) bool {
			v, ok := f.Value(i, column)
			if !ok || v == nil {
				return true
			}
			var fv float64
			switch n := v.(type) {
			case int64:
				fv = float64(n)
			case float64:
				fv = n
			default:
				return false
			}
			if min != nil && fv < *min {
				return false
			}
			if max != nil && fv > *max {
				return false
			}
			return true
		},
	}
}

// RowPredicate wraps an arbitrary per-record predicate as a named row check.
func RowPredicate(name, table string, pred func(rec map[string]any) bool) Check {
	return Check{
		Name: name, Table: table, Granularity: RowCheck,
		row: func(f *tabular.Frame, i int) bool { return pred(f.Record(i)) },
	}
}

// TablePredicate wraps a whole-table predicate as a named table check.
func TablePredicate(name, table string, pred func(f *tabular.Frame) (bool, string)) Check {
	return Check{Name: name, Table: table, Granularity: TableCheck, table: pred}
}

// DatasetPredicate wraps a dataset-wide predicate as a named dataset check.
func DatasetPredicate(name string, pred func(ctx context.Context, ds *dataset.Dataset) (bool, string)) Check {
	return Check{Name: name, Granularity: DatasetCheck, dataset: pred}
}

func checkResultSchema() tabular.Schema {
	return tabular.Schema{Columns: []tabular.ColumnSchema{
		{Name: "check", Type: tabular.KindString},
		{Name: "table_name", Type: tabular.KindString, Nullable: true},
		{Name: "column_name", Type: tabular.KindString, Nullable: true},
		{Name: "granularity", Type: tabular.KindString},
		{Name: "passed", Type: tabular.KindBool},
		{Name: "failures", Type: tabular.KindInt},
		{Name: "detail", Type: tabular.KindString, Nullable: true},
	}}
}

// RunChecks evaluates every check and returns one result row per check. The
// caller decides whether failures abort a run or only get recorded.
func RunChecks(ctx context.Context, ds *dataset.Dataset, checks []Check) (*tabular.Frame, error) {
	out := tabular.NewFrame(checkResultSchema())
	frames := map[string]*tabular.Frame{}
	for _, c := range checks {
		rec := map[string]any{
			"check":       c.Name,
			"granularity": string(c.Granularity),
			"failures":    int64(0),
		}
		if c.Table != "" {
			rec["table_name"] = c.Table
		}
		if c.Column != "" {
			rec["column_name"] = c.Column
		}

		var f *tabular.Frame
		if c.Granularity != DatasetCheck {
			var ok bool
			if f, ok = frames[c.Table]; !ok {
				var err error
				f, err = ds.ReadTable(ctx, c.Table)
				if err != nil {
					return nil, fmt.Errorf("check %s on %s: %w", c.Name, c.Table, err)
				}
				frames[c.Table] = f
			}
		}

		switch c.Granularity {
		case RowCheck:
			failures := 0
			for i := 0; i < f.Rows(); i++ {
				if !c.row(f, i) {
					failures++
				}
			}
			rec["passed"] = failures == 0
			rec["failures"] = int64(failures)
			if failures > 0 {
				rec["detail"] = fmt.Sprintf("%d of %d rows failed", failures, f.Rows())
			}
		case TableCheck:
			passed, detail := c.table(f)
			rec["passed"] = passed
			if !passed {
				rec["failures"] = int64(1)
				rec["detail"] = detail
			}
		case DatasetCheck:
			passed, detail := c.dataset(ctx, ds)
			rec["passed"] = passed
			if !passed {
				rec["failures"] = int64(1)
				rec["detail"] = detail
			}
		default:
			return nil, fmt.Errorf("check %s: unknown granularity %q", c.Name, c.Granularity)
		}
		out.AppendRecord(rec)
	}
	return out, nil
}

// Failed filters a check result frame down to its failing rows.
func Failed(results *tabular.Frame) []map[string]any {
	var out []map[string]any
	for i := 0; i < results.Rows(); i++ {
		if v, ok := results.Value(i, "passed"); ok {
			if passed, isBool := v.(bool); isBool && !passed {
				out = append(out, results.Record(i))
			}
		}
	}
	return out
}
