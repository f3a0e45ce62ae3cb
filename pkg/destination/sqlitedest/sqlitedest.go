// Package sqlitedest stores datasets in a single SQLite database file.
// Tables are namespaced as "dataset.table" (a quoted identifier, since
// SQLite has no schemas), and every load runs inside one transaction, so a
// failed run leaves nothing behind. Logical column kinds round-trip through
// a small catalog table because SQLite's own affinities are too loose.
package sqlitedest

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wdm0006/tributary/pkg/destination"
	"github.com/wdm0006/tributary/pkg/tabular"
)

const catalogTable = "_tributary_catalog"

type Destination struct {
	db *sql.DB
}

// Open opens (or creates) the database at path. Use ":memory:" for an
// in-process scratch engine.
func Open(path string) (*Destination, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// single connection so ":memory:" databases survive pool churn
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		dataset TEXT NOT NULL,
		table_name TEXT NOT NULL,
		column_name TEXT NOT NULL,
		ord INTEGER NOT NULL,
		kind TEXT NOT NULL,
		nullable INTEGER NOT NULL,
		PRIMARY KEY (dataset, table_name, column_name)
	)`, catalogTable)); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Destination{db: db}, nil
}

func (d *Destination) Close() error { return d.db.Close() }

func (d *Destination) Engine() string { return "sqlite" }

func (d *Destination) Dialect() string { return "sqlite" }

// QualifiedTable renders the quoted identifier used in queries.
func (d *Destination) QualifiedTable(dataset, table string) string {
	return fmt.Sprintf("%q", dataset+"."+table)
}

func (d *Destination) TableSchema(ctx context.Context, dataset, table string) (tabular.Schema, bool, error) {
	return readSchema(ctx, d.db, dataset, table)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func readSchema(ctx context.Context, q querier, dataset, table string) (tabular.Schema, bool, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(
		`SELECT column_name, kind, nullable FROM %q WHERE dataset = ? AND table_name = ? ORDER BY ord`,
		catalogTable), dataset, table)
	if err != nil {
		return tabular.Schema{}, false, err
	}
	defer rows.Close()
	var s tabular.Schema
	for rows.Next() {
		var name, kind string
		var nullable int
		if err := rows.Scan(&name, &kind, &nullable); err != nil {
			return tabular.Schema{}, false, err
		}
		s.Columns = append(s.Columns, tabular.ColumnSchema{
			Name:     name,
			Type:     tabular.KindFromString(kind),
			Nullable: nullable != 0,
		})
	}
	if err := rows.Err(); err != nil {
		return tabular.Schema{}, false, err
	}
	return s, len(s.Columns) > 0, nil
}

func (d *Destination) Tables(ctx context.Context, dataset string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT DISTINCT table_name FROM %q WHERE dataset = ? ORDER BY table_name`, catalogTable), dataset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (d *Destination) ReadTable(ctx context.Context, dataset, table string) (*tabular.Frame, error) {
	schema, ok, err := readSchema(ctx, d.db, dataset, table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("table %s.%s: %w", dataset, table, destination.ErrNotFound)
	}
	cols := make([]string, len(schema.Columns))
	for i, cs := range schema.Columns {
		cols[i] = fmt.Sprintf("%q", cs.Name)
	}
	rows, err := d.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s",
		strings.Join(cols, ", "), d.QualifiedTable(dataset, table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	f := tabular.NewFrame(schema)
	vals := make([]any, len(schema.Columns))
	ptrs := make([]any, len(schema.Columns))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		f.AppendNullRow()
		r := f.Rows() - 1
		for i, cs := range schema.Columns {
			if err := f.SetCell(r, cs.Name, fromSQLite(vals[i], cs.Type)); err != nil {
				return nil, fmt.Errorf("table %s.%s: %w", dataset, table, err)
			}
		}
	}
	return f, rows.Err()
}

func (d *Destination) BeginLoad(ctx context.Context, dataset, loadID string) (destination.Load, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &load{dest: d, tx: tx, dataset: dataset}, nil
}

type load struct {
	dest    *Destination
	tx      *sql.Tx
	dataset string
	done    bool
}

func (l *load) WriteTable(ctx context.Context, table string, f *tabular.Frame, policy tabular.WritePolicy, mergeKeys []string) error {
	if l.done {
		return fmt.Errorf("load already finished")
	}
	incoming := f.Schema()
	existing, present, err := readSchema(ctx, l.tx, l.dataset, table)
	if err != nil {
		return err
	}
	if policy == tabular.WriteReplace || !present {
		if err := l.createTable(ctx, table, incoming); err != nil {
			return err
		}
	} else if _, err = l.widenTable(ctx, table, existing, incoming); err != nil {
		return err
	}
	if policy == tabular.WriteMerge && present {
		if len(mergeKeys) == 0 {
			return fmt.Errorf("merge write requires merge keys")
		}
		if err := l.deleteMatching(ctx, table, f, mergeKeys); err != nil {
			return err
		}
	}
	return l.insertRows(ctx, table, f)
}

// WriteTableAs materializes a query result inside the load transaction.
// The caller supplies the derived schema so the catalog stays typed.
func (l *load) WriteTableAs(ctx context.Context, table, query string, schema tabular.Schema, policy tabular.WritePolicy) error {
	if l.done {
		return fmt.Errorf("load already finished")
	}
	qt := l.dest.QualifiedTable(l.dataset, table)
	_, present, err := readSchema(ctx, l.tx, l.dataset, table)
	if err != nil {
		return err
	}
	if policy == tabular.WriteReplace || !present {
		if _, err := l.tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+qt); err != nil {
			return err
		}
		if _, err := l.tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s AS %s", qt, query)); err != nil {
			return err
		}
		return l.writeCatalog(ctx, table, schema)
	}
	cols := make([]string, len(schema.Columns))
	for i, cs := range schema.Columns {
		cols[i] = fmt.Sprintf("%q", cs.Name)
	}
	_, err = l.tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) %s", qt, strings.Join(cols, ", "), query))
	return err
}

func (l *load) createTable(ctx context.Context, table string, schema tabular.Schema) error {
	qt := l.dest.QualifiedTable(l.dataset, table)
	if _, err := l.tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+qt); err != nil {
		return err
	}
	defs := make([]string, len(schema.Columns))
	for i, cs := range schema.Columns {
		defs[i] = fmt.Sprintf("%q %s", cs.Name, sqliteType(cs.Type))
	}
	if _, err := l.tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", qt, strings.Join(defs, ", "))); err != nil {
		return err
	}
	return l.writeCatalog(ctx, table, schema)
}

func (l *load) widenTable(ctx context.Context, table string, existing, incoming tabular.Schema) (tabular.Schema, error) {
	qt := l.dest.QualifiedTable(l.dataset, table)
	added := tabular.AddedColumns(existing, incoming)
	for _, cs := range added {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %q %s", qt, cs.Name, sqliteType(cs.Type))
		if _, err := l.tx.ExecContext(ctx, stmt); err != nil {
			return tabular.Schema{}, err
		}
		existing.Columns = append(existing.Columns, cs)
	}
	if len(added) > 0 {
		if err := l.writeCatalog(ctx, table, existing); err != nil {
			return tabular.Schema{}, err
		}
	}
	return existing, nil
}

func (l *load) writeCatalog(ctx context.Context, table string, schema tabular.Schema) error {
	if _, err := l.tx.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %q WHERE dataset = ? AND table_name = ?`, catalogTable), l.dataset, table); err != nil {
		return err
	}
	for i, cs := range schema.Columns {
		nullable := 0
		if cs.Nullable {
			nullable = 1
		}
		if _, err := l.tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %q (dataset, table_name, column_name, ord, kind, nullable) VALUES (?, ?, ?, ?, ?, ?)`,
			catalogTable), l.dataset, table, cs.Name, i, cs.Type.String(), nullable); err != nil {
			return err
		}
	}
	return nil
}

func (l *load) deleteMatching(ctx context.Context, table string, f *tabular.Frame, keys []string) error {
	qt := l.dest.QualifiedTable(l.dataset, table)
	preds := make([]string, len(keys))
	for i, k := range keys {
		preds[i] = fmt.Sprintf("%q = ?", k)
	}
	stmt, err := l.tx.PrepareContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", qt, strings.Join(preds, " AND ")))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for r := 0; r < f.Rows(); r++ {
		args := make([]any, len(keys))
		for i, k := range keys {
			v, _ := f.Value(r, k)
			cs, _ := f.Schema().Column(k)
			args[i] = toSQLite(v, cs.Type)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return err
		}
	}
	return nil
}

func (l *load) insertRows(ctx context.Context, table string, f *tabular.Frame) error {
	qt := l.dest.QualifiedTable(l.dataset, table)
	cols := make([]string, len(f.Schema().Columns))
	marks := make([]string, len(cols))
	for i, cs := range f.Schema().Columns {
		cols[i] = fmt.Sprintf("%q", cs.Name)
		marks[i] = "?"
	}
	stmt, err := l.tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		qt, strings.Join(cols, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for r := 0; r < f.Rows(); r++ {
		args := make([]any, len(f.Schema().Columns))
		for i, cs := range f.Schema().Columns {
			v, _ := f.Value(r, cs.Name)
			args[i] = toSQLite(v, cs.Type)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", table, err)
		}
	}
	return nil
}

func (l *load) Commit(ctx context.Context) error {
	if l.done {
		return fmt.Errorf("load already finished")
	}
	l.done = true
	return l.tx.Commit()
}

func (l *load) Abort() error {
	if l.done {
		return nil
	}
	l.done = true
	return l.tx.Rollback()
}

func sqliteType(k tabular.Kind) string {
	switch k {
	case tabular.KindBool, tabular.KindInt:
		return "INTEGER"
	case tabular.KindFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

func toSQLite(v any, k tabular.Kind) any {
	if v == nil {
		return nil
	}
	switch k {
	case tabular.KindBool:
		if v.(bool) {
			return int64(1)
		}
		return int64(0)
	case tabular.KindTime:
		return v.(time.Time).UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

func fromSQLite(v any, k tabular.Kind) any {
	if v == nil {
		return nil
	}
	switch k {
	case tabular.KindBool:
		switch t := v.(type) {
		case int64:
			return t != 0
		case bool:
			return t
		}
	case tabular.KindInt:
		if t, ok := v.(int64); ok {
			return t
		}
	case tabular.KindFloat:
		switch t := v.(type) {
		case float64:
			return t
		case int64:
			return float64(t)
		}
	case tabular.KindTime:
		switch t := v.(type) {
		case string:
			if ts, err := tabular.ParseTime(t); err == nil {
				return ts
			}
		case []byte:
			if ts, err := tabular.ParseTime(string(t)); err == nil {
				return ts
			}
		case time.Time:
			return t
		}
	case tabular.KindString:
		switch t := v.(type) {
		case string:
			return t
		case []byte:
			return string(t)
		}
	}
	return fmt.Sprintf("%v", v)
}
