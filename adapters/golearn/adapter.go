package golearn

// Package golearn converts materialized tables to and from
// github.com/sjwhitworth/golearn/base DenseInstances so transformed data can
// feed ML code directly.

import (
	"time"

	"github.com/sjwhitworth/golearn/base"

	"github.com/wdm0006/tributary/pkg/tabular"
)

// ToDenseInstances converts a Frame into golearn DenseInstances. Numeric
// columns become float attributes; everything else becomes categorical.
func ToDenseInstances(f *tabular.Frame) (*base.DenseInstances, error) {
	attrs := make([]base.Attribute, len(f.Schema().Columns))
	for i, cs := range f.Schema().Columns {
		switch cs.Type {
		case tabular.KindFloat, tabular.KindInt:
			attrs[i] = base.NewFloatAttribute(cs.Name)
		default:
			ca := new(base.CategoricalAttribute)
			ca.SetName(cs.Name)
			attrs[i] = ca
		}
	}
	inst := base.NewDenseInstances()
	specs := make([]base.AttributeSpec, len(attrs))
	for i, a := range attrs {
		specs[i] = inst.AddAttribute(a)
	}
	if err := inst.Extend(f.Rows()); err != nil {
		return nil, err
	}

	for r := 0; r < f.Rows(); r++ {
		for c, cs := range f.Schema().Columns {
			col, _ := f.ColumnByName(cs.Name)
			switch cs.Type {
			case tabular.KindFloat:
				if v, ok := col.(*tabular.FloatColumn).Get(r); ok {
					inst.Set(specs[c], r, base.PackFloatToBytes(v))
				}
			case tabular.KindInt:
				if v, ok := col.(*tabular.IntColumn).Get(r); ok {
					inst.Set(specs[c], r, base.PackFloatToBytes(float64(v)))
				}
			case tabular.KindBool:
				if v, ok := col.(*tabular.BoolColumn).Get(r); ok {
					s := "false"
					if v {
						s = "true"
					}
					inst.Set(specs[c], r, base.Attribute.GetSysValFromString(attrs[c], s))
				}
			case tabular.KindTime:
				if v, ok := col.(*tabular.TimeColumn).Get(r); ok {
					inst.Set(specs[c], r, base.Attribute.GetSysValFromString(attrs[c], v.UTC().Format(time.RFC3339Nano)))
				}
			default:
				if v, ok := col.(*tabular.StringColumn).Get(r); ok {
					inst.Set(specs[c], r, base.Attribute.GetSysValFromString(attrs[c], v))
				}
			}
		}
	}
	// Heuristic: last column as class if categorical
	if len(attrs) > 0 {
		if err := inst.AddClassAttribute(attrs[len(attrs)-1]); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

// FromDenseInstances converts golearn DenseInstances into a Frame.
func FromDenseInstances(inst *base.DenseInstances) (*tabular.Frame, error) {
	attrs := inst.AllAttributes()
	schema := tabular.Schema{Columns: make([]tabular.ColumnSchema, len(attrs))}
	specs := make([]base.AttributeSpec, len(attrs))
	for i, a := range attrs {
		k := tabular.KindString
		if a.GetType() == 1 { // float in golearn
			k = tabular.KindFloat
		}
		schema.Columns[i] = tabular.ColumnSchema{Name: a.GetName(), Type: k, Nullable: true}
		spec, _ := inst.GetAttribute(a)
		specs[i] = spec
	}
	f := tabular.NewFrame(schema)
	_, nrows := inst.Size()
	for r := 0; r < nrows; r++ {
		f.AppendNullRow()
		for c, cs := range schema.Columns {
			switch cs.Type {
			case tabular.KindFloat:
				v := base.UnpackBytesToFloat(inst.Get(specs[c], r))
				_ = f.SetCell(r, cs.Name, v)
			default:
				v := base.Attribute.GetStringFromSysVal(specs[c].GetAttribute(), inst.Get(specs[c], r))
				_ = f.SetCell(r, cs.Name, v)
			}
		}
	}
	return f, nil
}
