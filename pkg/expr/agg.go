package expr

import (
	"fmt"

	"github.com/montanaflynn/stats"

	"github.com/wdm0006/tributary/pkg/tabular"
)

type aggKind int

const (
	aggCount aggKind = iota
	aggCountDistinct
	aggSum
	aggMin
	aggMax
	aggMean
)

// Agg is an aggregate over the rows of a group.
type Agg struct {
	kind aggKind
	arg  Expr // nil means count(*)
}

// Count counts non-null values of e, or all rows when e is nil.
func Count(e Expr) Agg         { return Agg{kind: aggCount, arg: e} }
func CountDistinct(e Expr) Agg { return Agg{kind: aggCountDistinct, arg: e} }
func Sum(e Expr) Agg           { return Agg{kind: aggSum, arg: e} }
func Min(e Expr) Agg           { return Agg{kind: aggMin, arg: e} }
func Max(e Expr) Agg           { return Agg{kind: aggMax, arg: e} }
func Mean(e Expr) Agg          { return Agg{kind: aggMean, arg: e} }

func (a Agg) kindOf(in tabular.Schema) (tabular.Kind, error) {
	var argKind tabular.Kind
	if a.arg != nil {
		k, err := a.arg.kindOf(in)
		if err != nil {
			return tabular.KindInvalid, err
		}
		argKind = k
	}
	switch a.kind {
	case aggCount, aggCountDistinct:
		return tabular.KindInt, nil
	case aggSum:
		if argKind == tabular.KindFloat {
			return tabular.KindFloat, nil
		}
		return tabular.KindInt, nil
	case aggMin, aggMax:
		return argKind, nil
	case aggMean:
		return tabular.KindFloat, nil
	}
	return tabular.KindInvalid, fmt.Errorf("unknown aggregate")
}

// apply evaluates the aggregate over the given rows of f.
func (a Agg) apply(f *tabular.Frame, rows []int) (any, error) {
	if a.arg == nil {
		if a.kind != aggCount {
			return nil, fmt.Errorf("aggregate requires an argument expression")
		}
		return int64(len(rows)), nil
	}
	var vals []any
	for _, r := range rows {
		v, err := a.arg.evalRow(f, r)
		if err != nil {
			return nil, err
		}
		if v != nil {
			vals = append(vals, v)
		}
	}
	switch a.kind {
	case aggCount:
		return int64(len(vals)), nil
	case aggCountDistinct:
		seen := map[string]struct{}{}
		for _, v := range vals {
			seen[fmt.Sprintf("%v", v)] = struct{}{}
		}
		return int64(len(seen)), nil
	case aggSum:
		return sumValues(vals)
	case aggMin, aggMax:
		if len(vals) == 0 {
			return nil, nil
		}
		best := vals[0]
		for _, v := range vals[1:] {
			c, err := compareValues(v, best)
			if err != nil {
				return nil, err
			}
			if (a.kind == aggMin && c < 0) || (a.kind == aggMax && c > 0) {
				best = v
			}
		}
		return best, nil
	case aggMean:
		if len(vals) == 0 {
			return nil, nil
		}
		fs := make([]float64, 0, len(vals))
		for _, v := range vals {
			fv, ok := asFloat(v)
			if !ok {
				return nil, fmt.Errorf("mean of non-numeric value %T", v)
			}
			fs = append(fs, fv)
		}
		return stats.Mean(fs)
	}
	return nil, fmt.Errorf("unknown aggregate")
}

func sumValues(vals []any) (any, error) {
	if len(vals) == 0 {
		return nil, nil
	}
	allInt := true
	for _, v := range vals {
		if _, ok := v.(int64); !ok {
			allInt = false
			break
		}
	}
	if allInt {
		var s int64
		for _, v := range vals {
			s += v.(int64)
		}
		return s, nil
	}
	var s float64
	for _, v := range vals {
		fv, ok := asFloat(v)
		if !ok {
			return nil, fmt.Errorf("sum of non-numeric value %T", v)
		}
		s += fv
	}
	return s, nil
}

func (a Agg) toSQL() (string, error) {
	if a.arg == nil {
		if a.kind != aggCount {
			return "", fmt.Errorf("aggregate requires an argument expression")
		}
		return "COUNT(*)", nil
	}
	arg, err := a.arg.toSQL()
	if err != nil {
		return "", err
	}
	switch a.kind {
	case aggCount:
		return "COUNT(" + arg + ")", nil
	case aggCountDistinct:
		return "COUNT(DISTINCT " + arg + ")", nil
	case aggSum:
		return "SUM(" + arg + ")", nil
	case aggMin:
		return "MIN(" + arg + ")", nil
	case aggMax:
		return "MAX(" + arg + ")", nil
	case aggMean:
		return "AVG(" + arg + ")", nil
	}
	return "", fmt.Errorf("unknown aggregate")
}
