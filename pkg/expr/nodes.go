package expr

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/wdm0006/tributary/pkg/tabular"
)

// fromClause renders the input of a node, aliasing subqueries.
func fromClause(ctx context.Context, in node, n *int) (string, error) {
	inner, err := in.sql(ctx, n)
	if err != nil {
		return "", err
	}
	if _, ok := in.(*scanNode); ok {
		return inner, nil
	}
	*n++
	return fmt.Sprintf("(%s) AS t%d", inner, *n), nil
}

// joinSide renders one join input without an alias; the join attaches its own.
func joinSide(ctx context.Context, in node, n *int) (string, error) {
	inner, err := in.sql(ctx, n)
	if err != nil {
		return "", err
	}
	if _, ok := in.(*scanNode); ok {
		return inner, nil
	}
	return "(" + inner + ")", nil
}

// projectNode implements Select (keep=false) and Mutate (keep=true).
type projectNode struct {
	in     node
	fields []Field
	keep   bool
}

func (p *projectNode) providers(out *[]TableProvider) { p.in.providers(out) }

func (p *projectNode) schema(ctx context.Context) (tabular.Schema, error) {
	in, err := p.in.schema(ctx)
	if err != nil {
		return tabular.Schema{}, err
	}
	return p.schemaFrom(in)
}

func indexOf(s tabular.Schema, name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (p *projectNode) eval(ctx context.Context) (*tabular.Frame, error) {
	in, err := p.in.eval(ctx)
	if err != nil {
		return nil, err
	}
	schema, err := p.schemaFrom(in.Schema())
	if err != nil {
		return nil, err
	}
	out := tabular.NewFrame(schema)
	for r := 0; r < in.Rows(); r++ {
		out.AppendNullRow()
		row := out.Rows() - 1
		if p.keep {
			for _, cs := range in.Schema().Columns {
				v, _ := in.Value(r, cs.Name)
				if err := out.SetCell(row, cs.Name, v); err != nil {
					return nil, err
				}
			}
		}
		for _, fld := range p.fields {
			v, err := fld.Expr.evalRow(in, r)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", fld.Name, err)
			}
			if err := out.SetCell(row, fld.Name, v); err != nil {
				return nil, fmt.Errorf("field %s: %w", fld.Name, err)
			}
		}
	}
	return out, nil
}

// schemaFrom derives the output schema given a known input schema,
// avoiding a second provider round trip during eval.
func (p *projectNode) schemaFrom(in tabular.Schema) (tabular.Schema, error) {
	var out tabular.Schema
	if p.keep {
		out.Columns = append(out.Columns, in.Columns...)
	}
	for _, fld := range p.fields {
		k, err := fld.Expr.kindOf(in)
		if err != nil {
			return tabular.Schema{}, fmt.Errorf("field %s: %w", fld.Name, err)
		}
		cs := tabular.ColumnSchema{Name: fld.Name, Type: k, Nullable: true}
		if i := indexOf(out, fld.Name); i >= 0 {
			out.Columns[i] = cs
		} else {
			out.Columns = append(out.Columns, cs)
		}
	}
	return out, nil
}

func (p *projectNode) sql(ctx context.Context, n *int) (string, error) {
	from, err := fromClause(ctx, p.in, n)
	if err != nil {
		return "", err
	}
	var parts []string
	if p.keep {
		in, err := p.in.schema(ctx)
		if err != nil {
			return "", err
		}
		named := map[string]bool{}
		for _, fld := range p.fields {
			named[fld.Name] = true
		}
		for _, cs := range in.Columns {
			if !named[cs.Name] {
				parts = append(parts, strconv.Quote(cs.Name))
			}
		}
	}
	for _, fld := range p.fields {
		s, err := fld.Expr.toSQL()
		if err != nil {
			return "", fmt.Errorf("field %s: %w", fld.Name, err)
		}
		parts = append(parts, s+" AS "+strconv.Quote(fld.Name))
	}
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(parts, ", "), from), nil
}

type filterNode struct {
	in   node
	pred Expr
}

func (f *filterNode) providers(out *[]TableProvider) { f.in.providers(out) }

func (f *filterNode) schema(ctx context.Context) (tabular.Schema, error) {
	return f.in.schema(ctx)
}

func (f *filterNode) eval(ctx context.Context) (*tabular.Frame, error) {
	in, err := f.in.eval(ctx)
	if err != nil {
		return nil, err
	}
	var keep []int
	for r := 0; r < in.Rows(); r++ {
		v, err := f.pred.evalRow(in, r)
		if err != nil {
			return nil, fmt.Errorf("filter: %w", err)
		}
		if b, ok := v.(bool); ok && b {
			keep = append(keep, r)
		}
	}
	return in.Gather(keep), nil
}

func (f *filterNode) sql(ctx context.Context, n *int) (string, error) {
	from, err := fromClause(ctx, f.in, n)
	if err != nil {
		return "", err
	}
	pred, err := f.pred.toSQL()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SELECT * FROM %s WHERE %s", from, pred), nil
}

type joinNode struct {
	left, right       node
	leftKey, rightKey string
}

func (j *joinNode) providers(out *[]TableProvider) {
	j.left.providers(out)
	j.right.providers(out)
}

// rightOutName resolves the output name for a right-side column: collisions
// with left-side names get the "_right" suffix.
func rightOutName(left tabular.Schema, name string) string {
	if _, ok := left.Column(name); ok {
		return name + "_right"
	}
	return name
}

func (j *joinNode) schema(ctx context.Context) (tabular.Schema, error) {
	l, err := j.left.schema(ctx)
	if err != nil {
		return tabular.Schema{}, err
	}
	r, err := j.right.schema(ctx)
	if err != nil {
		return tabular.Schema{}, err
	}
	return joinSchema(l, r), nil
}

func joinSchema(l, r tabular.Schema) tabular.Schema {
	var out tabular.Schema
	out.Columns = append(out.Columns, l.Columns...)
	for _, cs := range r.Columns {
		cs.Name = rightOutName(l, cs.Name)
		cs.Nullable = true
		out.Columns = append(out.Columns, cs)
	}
	return out
}

func (j *joinNode) eval(ctx context.Context) (*tabular.Frame, error) {
	l, err := j.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	r, err := j.right.eval(ctx)
	if err != nil {
		return nil, err
	}
	out := tabular.NewFrame(joinSchema(l.Schema(), r.Schema()))
	byKey := map[string][]int{}
	for i := 0; i < r.Rows(); i++ {
		v, ok := r.Value(i, j.rightKey)
		if !ok {
			return nil, fmt.Errorf("join: unknown right column %q", j.rightKey)
		}
		if v == nil {
			continue
		}
		k := fmt.Sprintf("%v", v)
		byKey[k] = append(byKey[k], i)
	}
	emit := func(li int, ri int) error {
		out.AppendNullRow()
		row := out.Rows() - 1
		for _, cs := range l.Schema().Columns {
			v, _ := l.Value(li, cs.Name)
			if err := out.SetCell(row, cs.Name, v); err != nil {
				return err
			}
		}
		if ri >= 0 {
			for _, cs := range r.Schema().Columns {
				v, _ := r.Value(ri, cs.Name)
				if err := out.SetCell(row, rightOutName(l.Schema(), cs.Name), v); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for i := 0; i < l.Rows(); i++ {
		v, ok := l.Value(i, j.leftKey)
		if !ok {
			return nil, fmt.Errorf("join: unknown left column %q", j.leftKey)
		}
		var matches []int
		if v != nil {
			matches = byKey[fmt.Sprintf("%v", v)]
		}
		if len(matches) == 0 {
			if err := emit(i, -1); err != nil {
				return nil, err
			}
			continue
		}
		for _, ri := range matches {
			if err := emit(i, ri); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (j *joinNode) sql(ctx context.Context, n *int) (string, error) {
	l, err := j.left.schema(ctx)
	if err != nil {
		return "", err
	}
	r, err := j.right.schema(ctx)
	if err != nil {
		return "", err
	}
	leftFrom, err := joinSide(ctx, j.left, n)
	if err != nil {
		return "", err
	}
	*n++
	leftAlias := fmt.Sprintf("jl%d", *n)
	rightFrom, err := joinSide(ctx, j.right, n)
	if err != nil {
		return "", err
	}
	*n++
	rightAlias := fmt.Sprintf("jr%d", *n)

	var parts []string
	for _, cs := range l.Columns {
		parts = append(parts, leftAlias+"."+strconv.Quote(cs.Name))
	}
	for _, cs := range r.Columns {
		parts = append(parts, fmt.Sprintf("%s.%s AS %s",
			rightAlias, strconv.Quote(cs.Name), strconv.Quote(rightOutName(l, cs.Name))))
	}
	return fmt.Sprintf("SELECT %s FROM %s AS %s LEFT JOIN %s AS %s ON %s.%s = %s.%s",
		strings.Join(parts, ", "),
		leftFrom, leftAlias, rightFrom, rightAlias,
		leftAlias, strconv.Quote(j.leftKey), rightAlias, strconv.Quote(j.rightKey)), nil
}

type groupNode struct {
	in   node
	keys []string
	aggs []AggField
}

func (g *groupNode) providers(out *[]TableProvider) { g.in.providers(out) }

func (g *groupNode) schema(ctx context.Context) (tabular.Schema, error) {
	in, err := g.in.schema(ctx)
	if err != nil {
		return tabular.Schema{}, err
	}
	return g.schemaFrom(in)
}

func (g *groupNode) schemaFrom(in tabular.Schema) (tabular.Schema, error) {
	var out tabular.Schema
	for _, k := range g.keys {
		cs, ok := in.Column(k)
		if !ok {
			return tabular.Schema{}, fmt.Errorf("group by unknown column %q", k)
		}
		out.Columns = append(out.Columns, cs)
	}
	for _, af := range g.aggs {
		k, err := af.Agg.kindOf(in)
		if err != nil {
			return tabular.Schema{}, fmt.Errorf("aggregate %s: %w", af.Name, err)
		}
		out.Columns = append(out.Columns, tabular.ColumnSchema{Name: af.Name, Type: k, Nullable: true})
	}
	return out, nil
}

func (g *groupNode) eval(ctx context.Context) (*tabular.Frame, error) {
	in, err := g.in.eval(ctx)
	if err != nil {
		return nil, err
	}
	schema, err := g.schemaFrom(in.Schema())
	if err != nil {
		return nil, err
	}
	// group rows by key tuple, preserving first-seen order
	groups := map[string][]int{}
	var order []string
	for r := 0; r < in.Rows(); r++ {
		parts := make([]string, len(g.keys))
		for i, k := range g.keys {
			v, _ := in.Value(r, k)
			parts[i] = fmt.Sprintf("%v", v)
		}
		key := strings.Join(parts, "\x1f")
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}
	out := tabular.NewFrame(schema)
	for _, key := range order {
		rows := groups[key]
		out.AppendNullRow()
		or := out.Rows() - 1
		for _, k := range g.keys {
			v, _ := in.Value(rows[0], k)
			if err := out.SetCell(or, k, v); err != nil {
				return nil, err
			}
		}
		for _, af := range g.aggs {
			v, err := af.Agg.apply(in, rows)
			if err != nil {
				return nil, fmt.Errorf("aggregate %s: %w", af.Name, err)
			}
			if err := out.SetCell(or, af.Name, v); err != nil {
				return nil, fmt.Errorf("aggregate %s: %w", af.Name, err)
			}
		}
	}
	return out, nil
}

func (g *groupNode) sql(ctx context.Context, n *int) (string, error) {
	from, err := fromClause(ctx, g.in, n)
	if err != nil {
		return "", err
	}
	var parts []string
	var keys []string
	for _, k := range g.keys {
		parts = append(parts, strconv.Quote(k))
		keys = append(keys, strconv.Quote(k))
	}
	for _, af := range g.aggs {
		s, err := af.Agg.toSQL()
		if err != nil {
			return "", fmt.Errorf("aggregate %s: %w", af.Name, err)
		}
		parts = append(parts, s+" AS "+strconv.Quote(af.Name))
	}
	q := fmt.Sprintf("SELECT %s FROM %s", strings.Join(parts, ", "), from)
	if len(keys) > 0 {
		q += " GROUP BY " + strings.Join(keys, ", ")
	}
	return q, nil
}

type distinctNode struct{ in node }

func (d *distinctNode) providers(out *[]TableProvider) { d.in.providers(out) }

func (d *distinctNode) schema(ctx context.Context) (tabular.Schema, error) {
	return d.in.schema(ctx)
}

func (d *distinctNode) eval(ctx context.Context) (*tabular.Frame, error) {
	in, err := d.in.eval(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var keep []int
	for r := 0; r < in.Rows(); r++ {
		parts := make([]string, len(in.Schema().Columns))
		for i, cs := range in.Schema().Columns {
			v, _ := in.Value(r, cs.Name)
			parts[i] = fmt.Sprintf("%v", v)
		}
		key := strings.Join(parts, "\x1f")
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keep = append(keep, r)
	}
	return in.Gather(keep), nil
}

func (d *distinctNode) sql(ctx context.Context, n *int) (string, error) {
	from, err := fromClause(ctx, d.in, n)
	if err != nil {
		return "", err
	}
	return "SELECT DISTINCT * FROM " + from, nil
}

type orderNode struct {
	in     node
	column string
	desc   bool
}

func (o *orderNode) providers(out *[]TableProvider) { o.in.providers(out) }

func (o *orderNode) schema(ctx context.Context) (tabular.Schema, error) {
	return o.in.schema(ctx)
}

func (o *orderNode) eval(ctx context.Context) (*tabular.Frame, error) {
	in, err := o.in.eval(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := in.Schema().Column(o.column); !ok {
		return nil, fmt.Errorf("order by unknown column %q", o.column)
	}
	idx := make([]int, in.Rows())
	for i := range idx {
		idx[i] = i
	}
	var sortErr error
	sort.SliceStable(idx, func(a, b int) bool {
		va, _ := in.Value(idx[a], o.column)
		vb, _ := in.Value(idx[b], o.column)
		switch {
		case va == nil && vb == nil:
			return false
		case va == nil:
			return !o.desc // nulls first ascending, last descending
		case vb == nil:
			return o.desc
		}
		c, err := compareValues(va, vb)
		if err != nil && sortErr == nil {
			sortErr = err
		}
		if o.desc {
			return c > 0
		}
		return c < 0
	})
	if sortErr != nil {
		return nil, sortErr
	}
	return in.Gather(idx), nil
}

func (o *orderNode) sql(ctx context.Context, n *int) (string, error) {
	from, err := fromClause(ctx, o.in, n)
	if err != nil {
		return "", err
	}
	dir := "ASC"
	if o.desc {
		dir = "DESC"
	}
	return fmt.Sprintf("SELECT * FROM %s ORDER BY %s %s", from, strconv.Quote(o.column), dir), nil
}

type limitNode struct {
	in node
	n  int
}

func (l *limitNode) providers(out *[]TableProvider) { l.in.providers(out) }

func (l *limitNode) schema(ctx context.Context) (tabular.Schema, error) {
	return l.in.schema(ctx)
}

func (l *limitNode) eval(ctx context.Context) (*tabular.Frame, error) {
	in, err := l.in.eval(ctx)
	if err != nil {
		return nil, err
	}
	if in.Rows() <= l.n {
		return in, nil
	}
	idx := make([]int, l.n)
	for i := range idx {
		idx[i] = i
	}
	return in.Gather(idx), nil
}

func (l *limitNode) sql(ctx context.Context, n *int) (string, error) {
	from, err := fromClause(ctx, l.in, n)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SELECT * FROM %s LIMIT %d", from, l.n), nil
}
