// Package expr builds lazy relational expressions over dataset tables.
// Nothing reads data until Eval runs; Schema derives the output shape
// without executing, and SQL compiles the whole tree to a single query for
// destinations that share the source's engine.
package expr

import (
	"context"
	"fmt"

	"github.com/wdm0006/tributary/pkg/tabular"
)

// TableProvider supplies tables to Scan nodes. dataset.Dataset implements it.
type TableProvider interface {
	Engine() string
	ReadTable(ctx context.Context, table string) (*tabular.Frame, error)
	TableSchema(ctx context.Context, table string) (tabular.Schema, error)
	// QualifiedTable renders the identifier for SQL compilation; ok=false
	// when the provider is not SQL-backed.
	QualifiedTable(table string) (string, bool)
}

// Relation is a lazily-defined relational expression.
type Relation struct {
	op node
}

type node interface {
	schema(ctx context.Context) (tabular.Schema, error)
	eval(ctx context.Context) (*tabular.Frame, error)
	sql(ctx context.Context, n *int) (string, error)
	providers(out *[]TableProvider)
}

// Scan starts a relation from a provider table.
func Scan(p TableProvider, table string) *Relation {
	return &Relation{op: &scanNode{p: p, table: table}}
}

// Field names a scalar expression in a Select or Mutate.
type Field struct {
	Name string
	Expr Expr
}

// As pairs a name with an expression.
func As(name string, e Expr) Field { return Field{Name: name, Expr: e} }

// Select projects to exactly the given fields.
func (r *Relation) Select(fields ...Field) *Relation {
	return &Relation{op: &projectNode{in: r.op, fields: fields, keep: false}}
}

// Mutate keeps existing columns and adds (or overwrites) the given fields.
func (r *Relation) Mutate(fields ...Field) *Relation {
	return &Relation{op: &projectNode{in: r.op, fields: fields, keep: true}}
}

// Filter keeps rows where pred evaluates to true. Null predicates drop the row.
func (r *Relation) Filter(pred Expr) *Relation {
	return &Relation{op: &filterNode{in: r.op, pred: pred}}
}

// LeftJoin joins other on leftKey = rightKey. Right-side columns whose names
// collide with left-side ones come out suffixed "_right".
func (r *Relation) LeftJoin(other *Relation, leftKey, rightKey string) *Relation {
	return &Relation{op: &joinNode{left: r.op, right: other.op, leftKey: leftKey, rightKey: rightKey}}
}

// Grouped is a relation with pending grouping keys.
type Grouped struct {
	in   node
	keys []string
}

func (r *Relation) GroupBy(keys ...string) *Grouped {
	return &Grouped{in: r.op, keys: keys}
}

// AggField names an aggregate in a grouped relation.
type AggField struct {
	Name string
	Agg  Agg
}

func AggAs(name string, a Agg) AggField { return AggField{Name: name, Agg: a} }

// Aggregate produces one row per group: key columns followed by aggregates.
func (g *Grouped) Aggregate(aggs ...AggField) *Relation {
	return &Relation{op: &groupNode{in: g.in, keys: g.keys, aggs: aggs}}
}

// Distinct removes duplicate rows.
func (r *Relation) Distinct() *Relation {
	return &Relation{op: &distinctNode{in: r.op}}
}

// OrderBy sorts by one column. Nulls sort first.
func (r *Relation) OrderBy(column string, desc bool) *Relation {
	return &Relation{op: &orderNode{in: r.op, column: column, desc: desc}}
}

// Limit keeps the first n rows.
func (r *Relation) Limit(n int) *Relation {
	return &Relation{op: &limitNode{in: r.op, n: n}}
}

// Schema derives the output schema without reading any data.
func (r *Relation) Schema(ctx context.Context) (tabular.Schema, error) {
	return r.op.schema(ctx)
}

// Eval materializes the relation in memory.
func (r *Relation) Eval(ctx context.Context) (*tabular.Frame, error) {
	return r.op.eval(ctx)
}

// SQL compiles the relation to a single SELECT. It fails when any scanned
// provider is not SQL-backed.
func (r *Relation) SQL(ctx context.Context) (string, error) {
	n := 0
	return r.op.sql(ctx, &n)
}

// Providers lists the table providers referenced by scans, in tree order.
func (r *Relation) Providers() []TableProvider {
	var out []TableProvider
	r.op.providers(&out)
	return out
}

type scanNode struct {
	p     TableProvider
	table string
}

func (s *scanNode) schema(ctx context.Context) (tabular.Schema, error) {
	return s.p.TableSchema(ctx, s.table)
}

func (s *scanNode) eval(ctx context.Context) (*tabular.Frame, error) {
	return s.p.ReadTable(ctx, s.table)
}

func (s *scanNode) sql(ctx context.Context, n *int) (string, error) {
	qt, ok := s.p.QualifiedTable(s.table)
	if !ok {
		return "", fmt.Errorf("table %s: provider %s cannot be queried in SQL", s.table, s.p.Engine())
	}
	return qt, nil
}

func (s *scanNode) providers(out *[]TableProvider) { *out = append(*out, s.p) }
