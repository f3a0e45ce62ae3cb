// Package quality measures and checks loaded data. Metrics are scalar
// measurements appended to an audit table after each load; checks are
// boolean predicates evaluated on demand.
package quality

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/montanaflynn/stats"

	"github.com/wdm0006/tributary/pkg/dataset"
	"github.com/wdm0006/tributary/pkg/pipeline"
	"github.com/wdm0006/tributary/pkg/tabular"
)

// MetricsTable is the append-only audit table metric rows land in.
const MetricsTable = "_quality_metrics"

// Metric names at column granularity.
const (
	NullCount     = "null_count"
	UniqueCount   = "unique_count"
	Mean          = "mean"
	Minimum       = "minimum"
	Maximum       = "maximum"
	MinimumLength = "minimum_length"
)

// Metric names at table and dataset granularity.
const (
	RowCount      = "row_count"
	LoadRowCount  = "load_row_count"
	TotalRowCount = "total_row_count"
)

// Metric declares one measurement. Column metrics need Table and Column,
// table metrics need Table, dataset metrics need neither.
type Metric struct {
	Name   string `json:"name" yaml:"name" toml:"name"`
	Table  string `json:"table,omitempty" yaml:"table,omitempty" toml:"table,omitempty"`
	Column string `json:"column,omitempty" yaml:"column,omitempty" toml:"column,omitempty"`
}

func (m Metric) scope() string {
	switch {
	case m.Column != "":
		return "column"
	case m.Table != "":
		return "table"
	default:
		return "dataset"
	}
}

// Row is one computed measurement.
type Row struct {
	Metric   string
	Table    string
	Column   string
	Scope    string
	Value    float64 // NaN-free; ok reports presence
	HasValue bool
	Text     string // formatted value, set even when Value is not numeric
	LoadID   string
	LoadedAt time.Time
}

// Compute evaluates each metric against the dataset and appends one row per
// metric to the audit table, keyed by the load id being measured. One call
// per load keeps the trail append-only: history is never rewritten.
func Compute(ctx context.Context, ds *dataset.Dataset, loadID string, metrics []Metric) ([]Row, error) {
	now := time.Now().UTC()
	frames := map[string]*tabular.Frame{}
	frame := func(table string) (*tabular.Frame, error) {
		if f, ok := frames[table]; ok {
			return f, nil
		}
		f, err := ds.ReadTable(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("metric input %s.%s: %w", ds.Name(), table, err)
		}
		frames[table] = f
		return f, nil
	}

	rows := make([]Row, 0, len(metrics))
	for _, m := range metrics {
		row := Row{Metric: m.Name, Table: m.Table, Column: m.Column,
			Scope: m.scope(), LoadID: loadID, LoadedAt: now}
		var err error
		switch m.scope() {
		case "column":
			var f *tabular.Frame
			if f, err = frame(m.Table); err == nil {
				err = computeColumn(&row, f, m)
			}
		case "table":
			var f *tabular.Frame
			if f, err = frame(m.Table); err == nil {
				err = computeTable(&row, f, m, loadID)
			}
		default:
			err = computeDataset(ctx, &row, ds, m)
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	if err := appendRows(ctx, ds, rows); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"dataset": ds.Name(),
		"load_id": loadID,
		"metrics": len(rows),
	}).Info("quality metrics recorded")
	return rows, nil
}

func computeColumn(row *Row, f *tabular.Frame, m Metric) error {
	col, ok := f.ColumnByName(m.Column)
	if !ok {
		return fmt.Errorf("metric %s: no column %s in table %s", m.Name, m.Column, m.Table)
	}
	switch m.Name {
	case NullCount:
		n := 0
		for i := 0; i < col.Len(); i++ {
			if col.IsNull(i) {
				n++
			}
		}
		setInt(row, int64(n))
	case UniqueCount:
		seen := map[string]struct{}{}
		for i := 0; i < col.Len(); i++ {
			if col.IsNull(i) {
				continue
			}
			seen[fmt.Sprintf("%v", col.Value(i))] = struct{}{}
		}
		setInt(row, int64(len(seen)))
	case Mean:
		nums, err := numericValues(col)
		if err != nil {
			return fmt.Errorf("metric %s on %s.%s: %w", m.Name, m.Table, m.Column, err)
		}
		if len(nums) == 0 {
			row.Text = ""
			return nil
		}
		v, err := stats.Mean(nums)
		if err != nil {
			return err
		}
		setFloat(row, v)
	case Minimum, Maximum:
		return computeExtreme(row, col, m.Name == Minimum)
	case MinimumLength:
		best := -1
		for i := 0; i < col.Len(); i++ {
			if col.IsNull(i) {
				continue
			}
			n := len([]rune(fmt.Sprintf("%v", col.Value(i))))
			if best < 0 || n < best {
				best = n
			}
		}
		if best >= 0 {
			setInt(row, int64(best))
		}
	default:
		return fmt.Errorf("unknown column metric %q", m.Name)
	}
	return nil
}

func computeExtreme(row *Row, col tabular.Column, min bool) error {
	if col.Kind() == tabular.KindInt || col.Kind() == tabular.KindFloat {
		nums, err := numericValues(col)
		if err != nil {
			return err
		}
		if len(nums) == 0 {
			return nil
		}
		var v float64
		if min {
			v, err = stats.Min(nums)
		} else {
			v, err = stats.Max(nums)
		}
		if err != nil {
			return err
		}
		setFloat(row, v)
		return nil
	}
	// strings and times order lexically; RFC 3339 sorts chronologically
	best := ""
	found := false
	for i := 0; i < col.Len(); i++ {
		if col.IsNull(i) {
			continue
		}
		s := textValue(col.Value(i))
		if !found || (min && s < best) || (!min && s > best) {
			best, found = s, true
		}
	}
	if found {
		row.Text = best
	}
	return nil
}

func computeTable(row *Row, f *tabular.Frame, m Metric, loadID string) error {
	switch m.Name {
	case RowCount:
		setInt(row, int64(f.Rows()))
	case LoadRowCount:
		col, ok := f.ColumnByName(tabular.LoadIDColumn)
		if !ok {
			return fmt.Errorf("metric %s: table %s has no %s column", m.Name, m.Table, tabular.LoadIDColumn)
		}
		n := 0
		for i := 0; i < col.Len(); i++ {
			if !col.IsNull(i) && fmt.Sprintf("%v", col.Value(i)) == loadID {
				n++
			}
		}
		setInt(row, int64(n))
	default:
		return fmt.Errorf("unknown table metric %q", m.Name)
	}
	return nil
}

func computeDataset(ctx context.Context, row *Row, ds *dataset.Dataset, m Metric) error {
	if m.Name != TotalRowCount {
		return fmt.Errorf("unknown dataset metric %q", m.Name)
	}
	tables, err := ds.Tables(ctx)
	if err != nil {
		return err
	}
	total := int64(0)
	for _, t := range tables {
		if strings.HasPrefix(t, "_") {
			continue
		}
		f, err := ds.ReadTable(ctx, t)
		if err != nil {
			return err
		}
		total += int64(f.Rows())
	}
	setInt(row, total)
	return nil
}

func setInt(row *Row, v int64) {
	row.Value, row.HasValue = float64(v), true
	row.Text = fmt.Sprintf("%d", v)
}

func setFloat(row *Row, v float64) {
	row.Value, row.HasValue = v, true
	row.Text = fmt.Sprintf("%g", v)
}

func textValue(v any) string {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%v", v)
}

func numericValues(col tabular.Column) ([]float64, error) {
	out := make([]float64, 0, col.Len())
	for i := 0; i < col.Len(); i++ {
		if col.IsNull(i) {
			continue
		}
		switch v := col.Value(i).(type) {
		case int64:
			out = append(out, float64(v))
		case float64:
			out = append(out, v)
		default:
			return nil, fmt.Errorf("column %s is not numeric", col.Name())
		}
	}
	return out, nil
}

func metricsSchema() tabular.Schema {
	return tabular.Schema{Columns: []tabular.ColumnSchema{
		{Name: "metric", Type: tabular.KindString},
		{Name: "table_name", Type: tabular.KindString, Nullable: true},
		{Name: "column_name", Type: tabular.KindString, Nullable: true},
		{Name: "scope", Type: tabular.KindString},
		{Name: "value", Type: tabular.KindFloat, Nullable: true},
		{Name: "text_value", Type: tabular.KindString, Nullable: true},
		{Name: "load_id", Type: tabular.KindString},
		{Name: "loaded_at", Type: tabular.KindTime},
	}}
}

func appendRows(ctx context.Context, ds *dataset.Dataset, rows []Row) error {
	f := tabular.NewFrame(metricsSchema())
	for _, r := range rows {
		rec := map[string]any{
			"metric":     r.Metric,
			"scope":      r.Scope,
			"load_id":    r.LoadID,
			"loaded_at":  r.LoadedAt,
			"text_value": r.Text,
		}
		if r.Table != "" {
			rec["table_name"] = r.Table
		}
		if r.Column != "" {
			rec["column_name"] = r.Column
		}
		if r.HasValue {
			rec["value"] = r.Value
		}
		f.AppendRecord(rec)
	}
	load, err := ds.Destination().BeginLoad(ctx, ds.Name(), pipeline.NewLoadID())
	if err != nil {
		return err
	}
	if err := load.WriteTable(ctx, MetricsTable, f, tabular.WriteAppend, nil); err != nil {
		_ = load.Abort()
		return err
	}
	return load.Commit(ctx)
}

// Point is one metric observation in a history series.
type Point struct {
	LoadID   string
	LoadedAt time.Time
	Value    float64
	HasValue bool
	Text     string
}

// History reads the time series of one metric from the audit table, ordered
// by observation time.
func History(ctx context.Context, ds *dataset.Dataset, m Metric) ([]Point, error) {
	f, err := ds.ReadTable(ctx, MetricsTable)
	if err != nil {
		return nil, err
	}
	var points []Point
	for i := 0; i < f.Rows(); i++ {
		name, _ := f.Value(i, "metric")
		table, _ := f.Value(i, "table_name")
		column, _ := f.Value(i, "column_name")
		if name != m.Name || !matchOpt(table, m.Table) || !matchOpt(column, m.Column) {
			continue
		}
		p := Point{}
		if v, ok := f.Value(i, "load_id"); ok {
			p.LoadID = fmt.Sprintf("%v", v)
		}
		if v, ok := f.Value(i, "loaded_at"); ok {
			if t, isTime := v.(time.Time); isTime {
				p.LoadedAt = t
			}
		}
		if v, ok := f.Value(i, "value"); ok {
			if fv, isFloat := v.(float64); isFloat {
				p.Value, p.HasValue = fv, true
			}
		}
		if v, ok := f.Value(i, "text_value"); ok {
			p.Text = fmt.Sprintf("%v", v)
		}
		points = append(points, p)
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].LoadedAt.Before(points[j].LoadedAt) })
	return points, nil
}

func matchOpt(v any, want string) bool {
	if want == "" {
		return v == nil || v == ""
	}
	return v != nil && fmt.Sprintf("%v", v) == want
}
