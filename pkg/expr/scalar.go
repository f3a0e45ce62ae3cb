package expr

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wdm0006/tributary/pkg/tabular"
)

// Expr is a scalar expression evaluated per row. Values are nil (null),
// bool, int64, float64, string or time.Time.
type Expr interface {
	kindOf(in tabular.Schema) (tabular.Kind, error)
	evalRow(f *tabular.Frame, row int) (any, error)
	toSQL() (string, error)
}

// Col references a column of the input relation.
func Col(name string) Expr { return colExpr{name} }

type colExpr struct{ name string }

func (e colExpr) kindOf(in tabular.Schema) (tabular.Kind, error) {
	cs, ok := in.Column(e.name)
	if !ok {
		return tabular.KindInvalid, fmt.Errorf("unknown column %q", e.name)
	}
	return cs.Type, nil
}

func (e colExpr) evalRow(f *tabular.Frame, row int) (any, error) {
	v, ok := f.Value(row, e.name)
	if !ok {
		return nil, fmt.Errorf("unknown column %q", e.name)
	}
	return v, nil
}

func (e colExpr) toSQL() (string, error) { return strconv.Quote(e.name), nil }

// Lit is a literal value.
func Lit(v any) Expr {
	switch t := v.(type) {
	case int:
		return litExpr{int64(t)}
	case int32:
		return litExpr{int64(t)}
	case float32:
		return litExpr{float64(t)}
	}
	return litExpr{v}
}

type litExpr struct{ v any }

func (e litExpr) kindOf(tabular.Schema) (tabular.Kind, error) {
	switch e.v.(type) {
	case nil:
		return tabular.KindString, nil
	case bool:
		return tabular.KindBool, nil
	case int64:
		return tabular.KindInt, nil
	case float64:
		return tabular.KindFloat, nil
	case string:
		return tabular.KindString, nil
	case time.Time:
		return tabular.KindTime, nil
	}
	return tabular.KindInvalid, fmt.Errorf("unsupported literal %T", e.v)
}

func (e litExpr) evalRow(*tabular.Frame, int) (any, error) { return e.v, nil }

func (e litExpr) toSQL() (string, error) {
	switch t := e.v.(type) {
	case nil:
		return "NULL", nil
	case bool:
		if t {
			return "1", nil
		}
		return "0", nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case string:
		return sqlString(t), nil
	case time.Time:
		return sqlString(t.UTC().Format(time.RFC3339Nano)), nil
	}
	return "", fmt.Errorf("unsupported literal %T", e.v)
}

func sqlString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

type cmpOp string

const (
	opEq cmpOp = "="
	opNe cmpOp = "<>"
	opGt cmpOp = ">"
	opGe cmpOp = ">="
	opLt cmpOp = "<"
	opLe cmpOp = "<="
)

// Comparisons. A null operand makes the result null.
func Eq(a, b Expr) Expr { return cmpExpr{a, b, opEq} }
func Ne(a, b Expr) Expr { return cmpExpr{a, b, opNe} }
func Gt(a, b Expr) Expr { return cmpExpr{a, b, opGt} }
func Ge(a, b Expr) Expr { return cmpExpr{a, b, opGe} }
func Lt(a, b Expr) Expr { return cmpExpr{a, b, opLt} }
func Le(a, b Expr) Expr { return cmpExpr{a, b, opLe} }

type cmpExpr struct {
	a, b Expr
	op   cmpOp
}

func (e cmpExpr) kindOf(in tabular.Schema) (tabular.Kind, error) {
	if _, err := e.a.kindOf(in); err != nil {
		return tabular.KindInvalid, err
	}
	if _, err := e.b.kindOf(in); err != nil {
		return tabular.KindInvalid, err
	}
	return tabular.KindBool, nil
}

func (e cmpExpr) evalRow(f *tabular.Frame, row int) (any, error) {
	av, err := e.a.evalRow(f, row)
	if err != nil {
		return nil, err
	}
	bv, err := e.b.evalRow(f, row)
	if err != nil {
		return nil, err
	}
	if av == nil || bv == nil {
		return nil, nil
	}
	c, err := compareValues(av, bv)
	if err != nil {
		return nil, err
	}
	switch e.op {
	case opEq:
		return c == 0, nil
	case opNe:
		return c != 0, nil
	case opGt:
		return c > 0, nil
	case opGe:
		return c >= 0, nil
	case opLt:
		return c < 0, nil
	default:
		return c <= 0, nil
	}
}

func (e cmpExpr) toSQL() (string, error) {
	a, err := e.a.toSQL()
	if err != nil {
		return "", err
	}
	b, err := e.b.toSQL()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(%s %s %s)", a, e.op, b), nil
}

// compareValues orders two non-null values of comparable kinds.
func compareValues(a, b any) (int, error) {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1, nil
			case af > bf:
				return 1, nil
			}
			return 0, nil
		}
	}
	switch at := a.(type) {
	case string:
		if bt, ok := b.(string); ok {
			return strings.Compare(at, bt), nil
		}
	case time.Time:
		if bt, ok := b.(time.Time); ok {
			switch {
			case at.Before(bt):
				return -1, nil
			case at.After(bt):
				return 1, nil
			}
			return 0, nil
		}
	case bool:
		if bt, ok := b.(bool); ok {
			switch {
			case at == bt:
				return 0, nil
			case bt:
				return -1, nil
			}
			return 1, nil
		}
	}
	return 0, fmt.Errorf("cannot compare %T with %T", a, b)
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

// And is true when both operands are true; null operands yield null.
func And(a, b Expr) Expr { return boolExpr{a, b, true} }

// Or is true when either operand is true; null operands yield null.
func Or(a, b Expr) Expr { return boolExpr{a, b, false} }

type boolExpr struct {
	a, b Expr
	and  bool
}

func (e boolExpr) kindOf(in tabular.Schema) (tabular.Kind, error) {
	if _, err := e.a.kindOf(in); err != nil {
		return tabular.KindInvalid, err
	}
	if _, err := e.b.kindOf(in); err != nil {
		return tabular.KindInvalid, err
	}
	return tabular.KindBool, nil
}

func (e boolExpr) evalRow(f *tabular.Frame, row int) (any, error) {
	av, err := e.a.evalRow(f, row)
	if err != nil {
		return nil, err
	}
	bv, err := e.b.evalRow(f, row)
	if err != nil {
		return nil, err
	}
	if av == nil || bv == nil {
		return nil, nil
	}
	ab, aok := av.(bool)
	bb, bok := bv.(bool)
	if !aok || !bok {
		return nil, fmt.Errorf("boolean operator on non-bool operands")
	}
	if e.and {
		return ab && bb, nil
	}
	return ab || bb, nil
}

func (e boolExpr) toSQL() (string, error) {
	a, err := e.a.toSQL()
	if err != nil {
		return "", err
	}
	b, err := e.b.toSQL()
	if err != nil {
		return "", err
	}
	op := "OR"
	if e.and {
		op = "AND"
	}
	return fmt.Sprintf("(%s %s %s)", a, op, b), nil
}

// Not negates a boolean expression.
func Not(a Expr) Expr { return notExpr{a} }

type notExpr struct{ a Expr }

func (e notExpr) kindOf(in tabular.Schema) (tabular.Kind, error) {
	if _, err := e.a.kindOf(in); err != nil {
		return tabular.KindInvalid, err
	}
	return tabular.KindBool, nil
}

func (e notExpr) evalRow(f *tabular.Frame, row int) (any, error) {
	v, err := e.a.evalRow(f, row)
	if err != nil || v == nil {
		return nil, err
	}
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("NOT on non-bool operand")
	}
	return !b, nil
}

func (e notExpr) toSQL() (string, error) {
	a, err := e.a.toSQL()
	if err != nil {
		return "", err
	}
	return "(NOT " + a + ")", nil
}

// NotNull is true when the operand is non-null.
func NotNull(a Expr) Expr { return nullExpr{a, true} }

// IsNull is true when the operand is null.
func IsNull(a Expr) Expr { return nullExpr{a, false} }

type nullExpr struct {
	a      Expr
	invert bool
}

func (e nullExpr) kindOf(in tabular.Schema) (tabular.Kind, error) {
	if _, err := e.a.kindOf(in); err != nil {
		return tabular.KindInvalid, err
	}
	return tabular.KindBool, nil
}

func (e nullExpr) evalRow(f *tabular.Frame, row int) (any, error) {
	v, err := e.a.evalRow(f, row)
	if err != nil {
		return nil, err
	}
	if e.invert {
		return v != nil, nil
	}
	return v == nil, nil
}

func (e nullExpr) toSQL() (string, error) {
	a, err := e.a.toSQL()
	if err != nil {
		return "", err
	}
	if e.invert {
		return "(" + a + " IS NOT NULL)", nil
	}
	return "(" + a + " IS NULL)", nil
}

// Coalesce returns the first non-null operand.
func Coalesce(exprs ...Expr) Expr { return coalesceExpr{exprs} }

type coalesceExpr struct{ exprs []Expr }

func (e coalesceExpr) kindOf(in tabular.Schema) (tabular.Kind, error) {
	if len(e.exprs) == 0 {
		return tabular.KindInvalid, fmt.Errorf("coalesce needs at least one operand")
	}
	return e.exprs[0].kindOf(in)
}

func (e coalesceExpr) evalRow(f *tabular.Frame, row int) (any, error) {
	for _, ex := range e.exprs {
		v, err := ex.evalRow(f, row)
		if err != nil {
			return nil, err
		}
		if v != nil {
			return v, nil
		}
	}
	return nil, nil
}

func (e coalesceExpr) toSQL() (string, error) {
	parts := make([]string, len(e.exprs))
	for i, ex := range e.exprs {
		s, err := ex.toSQL()
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return "COALESCE(" + strings.Join(parts, ", ") + ")", nil
}

// Length returns the character length of a string expression.
func Length(a Expr) Expr { return lengthExpr{a} }

type lengthExpr struct{ a Expr }

func (e lengthExpr) kindOf(in tabular.Schema) (tabular.Kind, error) {
	if _, err := e.a.kindOf(in); err != nil {
		return tabular.KindInvalid, err
	}
	return tabular.KindInt, nil
}

func (e lengthExpr) evalRow(f *tabular.Frame, row int) (any, error) {
	v, err := e.a.evalRow(f, row)
	if err != nil || v == nil {
		return nil, err
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("length of non-string value %T", v)
	}
	return int64(len([]rune(s))), nil
}

func (e lengthExpr) toSQL() (string, error) {
	a, err := e.a.toSQL()
	if err != nil {
		return "", err
	}
	return "LENGTH(" + a + ")", nil
}

// TruncDay truncates a timestamp to its calendar day (UTC).
func TruncDay(a Expr) Expr { return truncDayExpr{a} }

type truncDayExpr struct{ a Expr }

func (e truncDayExpr) kindOf(in tabular.Schema) (tabular.Kind, error) {
	if _, err := e.a.kindOf(in); err != nil {
		return tabular.KindInvalid, err
	}
	return tabular.KindTime, nil
}

func (e truncDayExpr) evalRow(f *tabular.Frame, row int) (any, error) {
	v, err := e.a.evalRow(f, row)
	if err != nil || v == nil {
		return nil, err
	}
	t, ok := v.(time.Time)
	if !ok {
		if s, sok := v.(string); sok {
			parsed, perr := tabular.ParseTime(s)
			if perr != nil {
				return nil, perr
			}
			t = parsed
		} else {
			return nil, fmt.Errorf("date truncation of non-time value %T", v)
		}
	}
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

func (e truncDayExpr) toSQL() (string, error) {
	a, err := e.a.toSQL()
	if err != nil {
		return "", err
	}
	return "DATE(" + a + ")", nil
}

// CastInt coerces bools (false=0, true=1) and floats to integers.
func CastInt(a Expr) Expr { return castIntExpr{a} }

type castIntExpr struct{ a Expr }

func (e castIntExpr) kindOf(in tabular.Schema) (tabular.Kind, error) {
	if _, err := e.a.kindOf(in); err != nil {
		return tabular.KindInvalid, err
	}
	return tabular.KindInt, nil
}

func (e castIntExpr) evalRow(f *tabular.Frame, row int) (any, error) {
	v, err := e.a.evalRow(f, row)
	if err != nil || v == nil {
		return nil, err
	}
	switch t := v.(type) {
	case bool:
		if t {
			return int64(1), nil
		}
		return int64(0), nil
	case int64:
		return t, nil
	case float64:
		return int64(t), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot cast %q to int", t)
		}
		return n, nil
	}
	return nil, fmt.Errorf("cannot cast %T to int", v)
}

func (e castIntExpr) toSQL() (string, error) {
	a, err := e.a.toSQL()
	if err != nil {
		return "", err
	}
	return "CAST(" + a + " AS INTEGER)", nil
}
