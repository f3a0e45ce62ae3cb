package tabular

import (
	"fmt"
	"time"

	"github.com/apex/log"
)

// Names of the surrogate columns the normalizer adds to every ingested table.
const (
	IDColumn       = "_tributary_id"
	ParentIDColumn = "_tributary_parent_id"
	LoadIDColumn   = "_tributary_load_id"
)

// Schema describes the logical shape of a table.
type Schema struct {
	Columns []ColumnSchema
}

type ColumnSchema struct {
	Name     string
	Type     Kind
	Nullable bool
}

// Column returns the schema entry for name.
func (s Schema) Column(name string) (ColumnSchema, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSchema{}, false
}

// Names returns column names in declaration order.
func (s Schema) Names() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

// Kind enumerates supported logical types.
type Kind int

const (
	KindInvalid Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindTime:
		return "time"
	default:
		return "invalid"
	}
}

// KindFromString is the inverse of Kind.String.
func KindFromString(s string) Kind {
	switch s {
	case "bool":
		return KindBool
	case "int":
		return KindInt
	case "float":
		return KindFloat
	case "string":
		return KindString
	case "time":
		return KindTime
	default:
		return KindInvalid
	}
}

// Column is a typed, nullable column abstraction.
type Column interface {
	Name() string
	Kind() Kind
	Len() int
	IsNull(i int) bool
	SetNull(i int)
	// Value returns the cell as a native Go value, nil when null.
	Value(i int) any
}

type BoolColumn struct {
	name  string
	data  []bool
	nulls []bool
}

func NewBoolColumn(name string, n int) *BoolColumn {
	return &BoolColumn{name: name, data: make([]bool, n), nulls: make([]bool, n)}
}
func (c *BoolColumn) Name() string           { return c.name }
func (c *BoolColumn) Kind() Kind             { return KindBool }
func (c *BoolColumn) Len() int               { return len(c.data) }
func (c *BoolColumn) IsNull(i int) bool      { return c.nulls[i] }
func (c *BoolColumn) SetNull(i int)          { c.nulls[i] = true }
func (c *BoolColumn) Get(i int) (bool, bool) { return c.data[i], !c.nulls[i] }
func (c *BoolColumn) Set(i int, v bool)      { c.data[i] = v; c.nulls[i] = false }
func (c *BoolColumn) Value(i int) any {
	if c.nulls[i] {
		return nil
	}
	return c.data[i]
}

type IntColumn struct {
	name  string
	data  []int64
	nulls []bool
}

func NewIntColumn(name string, n int) *IntColumn {
	return &IntColumn{name: name, data: make([]int64, n), nulls: make([]bool, n)}
}
func (c *IntColumn) Name() string            { return c.name }
func (c *IntColumn) Kind() Kind              { return KindInt }
func (c *IntColumn) Len() int                { return len(c.data) }
func (c *IntColumn) IsNull(i int) bool       { return c.nulls[i] }
func (c *IntColumn) SetNull(i int)           { c.nulls[i] = true }
func (c *IntColumn) Get(i int) (int64, bool) { return c.data[i], !c.nulls[i] }
func (c *IntColumn) Set(i int, v int64)      { c.data[i] = v; c.nulls[i] = false }
func (c *IntColumn) Value(i int) any {
	if c.nulls[i] {
		return nil
	}
	return c.data[i]
}

type FloatColumn struct {
	name  string
	data  []float64
	nulls []bool
}

func NewFloatColumn(name string, n int) *FloatColumn {
	return &FloatColumn{name: name, data: make([]float64, n), nulls: make([]bool, n)}
}
func (c *FloatColumn) Name() string              { return c.name }
func (c *FloatColumn) Kind() Kind                { return KindFloat }
func (c *FloatColumn) Len() int                  { return len(c.data) }
func (c *FloatColumn) IsNull(i int) bool         { return c.nulls[i] }
func (c *FloatColumn) SetNull(i int)             { c.nulls[i] = true }
func (c *FloatColumn) Get(i int) (float64, bool) { return c.data[i], !c.nulls[i] }
func (c *FloatColumn) Set(i int, v float64)      { c.data[i] = v; c.nulls[i] = false }
func (c *FloatColumn) Value(i int) any {
	if c.nulls[i] {
		return nil
	}
	return c.data[i]
}

type StringColumn struct {
	name  string
	data  []string
	nulls []bool
}

func NewStringColumn(name string, n int) *StringColumn {
	return &StringColumn{name: name, data: make([]string, n), nulls: make([]bool, n)}
}
func (c *StringColumn) Name() string             { return c.name }
func (c *StringColumn) Kind() Kind               { return KindString }
func (c *StringColumn) Len() int                 { return len(c.data) }
func (c *StringColumn) IsNull(i int) bool        { return c.nulls[i] }
func (c *StringColumn) SetNull(i int)            { c.nulls[i] = true }
func (c *StringColumn) Get(i int) (string, bool) { return c.data[i], !c.nulls[i] }
func (c *StringColumn) Set(i int, v string)      { c.data[i] = v; c.nulls[i] = false }
func (c *StringColumn) Value(i int) any {
	if c.nulls[i] {
		return nil
	}
	return c.data[i]
}

type TimeColumn struct {
	name  string
	data  []time.Time
	nulls []bool
}

func NewTimeColumn(name string, n int) *TimeColumn {
	return &TimeColumn{name: name, data: make([]time.Time, n), nulls: make([]bool, n)}
}
func (c *TimeColumn) Name() string                { return c.name }
func (c *TimeColumn) Kind() Kind                  { return KindTime }
func (c *TimeColumn) Len() int                    { return len(c.data) }
func (c *TimeColumn) IsNull(i int) bool           { return c.nulls[i] }
func (c *TimeColumn) SetNull(i int)               { c.nulls[i] = true }
func (c *TimeColumn) Get(i int) (time.Time, bool) { return c.data[i], !c.nulls[i] }
func (c *TimeColumn) Set(i int, v time.Time)      { c.data[i] = v; c.nulls[i] = false }
func (c *TimeColumn) Value(i int) any {
	if c.nulls[i] {
		return nil
	}
	return c.data[i]
}

// Frame is a columnar container for tabular data.
type Frame struct {
	schema Schema
	cols   []Column
	index  map[string]int // name -> col index
	nrows  int
}

func NewFrame(s Schema) *Frame {
	f := &Frame{schema: s, cols: make([]Column, len(s.Columns)), index: make(map[string]int)}
	for i, cs := range s.Columns {
		switch cs.Type {
		case KindBool:
			f.cols[i] = NewBoolColumn(cs.Name, 0)
		case KindInt:
			f.cols[i] = NewIntColumn(cs.Name, 0)
		case KindFloat:
			f.cols[i] = NewFloatColumn(cs.Name, 0)
		case KindString:
			f.cols[i] = NewStringColumn(cs.Name, 0)
		case KindTime:
			f.cols[i] = NewTimeColumn(cs.Name, 0)
		default:
			panic("invalid column kind")
		}
		f.index[cs.Name] = i
	}
	return f
}

func (f *Frame) Schema() Schema { return f.schema }
func (f *Frame) Rows() int      { return f.nrows }
func (f *Frame) Cols() int      { return len(f.cols) }

func (f *Frame) ColumnByName(name string) (Column, bool) {
	i, ok := f.index[name]
	if !ok {
		return nil, false
	}
	return f.cols[i], true
}

// AppendNullRow appends a row with all-null values.
func (f *Frame) AppendNullRow() {
	for i, c := range f.cols {
		switch col := c.(type) {
		case *BoolColumn:
			col.data = append(col.data, false)
			col.nulls = append(col.nulls, true)
		case *IntColumn:
			col.data = append(col.data, 0)
			col.nulls = append(col.nulls, true)
		case *FloatColumn:
			col.data = append(col.data, 0)
			col.nulls = append(col.nulls, true)
		case *StringColumn:
			col.data = append(col.data, "")
			col.nulls = append(col.nulls, true)
		case *TimeColumn:
			col.data = append(col.data, time.Time{})
			col.nulls = append(col.nulls, true)
		default:
			panic(fmt.Sprintf("unknown column type at %d", i))
		}
	}
	f.nrows++
}

// SetCell sets a single cell value by name (row must exist). Values are
// loosely coerced toward the column kind; nil sets null.
func (f *Frame) SetCell(row int, name string, v any) error {
	i, ok := f.index[name]
	if !ok {
		return fmt.Errorf("unknown column: %s", name)
	}
	c := f.cols[i]
	if v == nil {
		c.SetNull(row)
		return nil
	}
	switch col := c.(type) {
	case *BoolColumn:
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("column %s expects bool, got %T", name, v)
		}
		col.Set(row, b)
	case *IntColumn:
		switch t := v.(type) {
		case int:
			col.Set(row, int64(t))
		case int32:
			col.Set(row, int64(t))
		case int64:
			col.Set(row, t)
		case float64:
			col.Set(row, int64(t))
		case bool:
			if t {
				col.Set(row, 1)
			} else {
				col.Set(row, 0)
			}
		default:
			return fmt.Errorf("column %s expects int, got %T", name, v)
		}
	case *FloatColumn:
		switch t := v.(type) {
		case float32:
			col.Set(row, float64(t))
		case float64:
			col.Set(row, t)
		case int:
			col.Set(row, float64(t))
		case int64:
			col.Set(row, float64(t))
		default:
			return fmt.Errorf("column %s expects float, got %T", name, v)
		}
	case *StringColumn:
		switch t := v.(type) {
		case string:
			col.Set(row, t)
		case fmt.Stringer:
			col.Set(row, t.String())
		default:
			return fmt.Errorf("column %s expects string, got %T", name, v)
		}
	case *TimeColumn:
		switch t := v.(type) {
		case time.Time:
			col.Set(row, t)
		case string:
			ts, err := ParseTime(t)
			if err != nil {
				return fmt.Errorf("column %s: %w", name, err)
			}
			col.Set(row, ts)
		default:
			return fmt.Errorf("column %s expects time, got %T", name, v)
		}
	default:
		return fmt.Errorf("unknown column kind")
	}
	return nil
}

// Value returns a cell as a native Go value; nil when the cell is null.
// The second result reports whether the column exists.
func (f *Frame) Value(row int, name string) (any, bool) {
	i, ok := f.index[name]
	if !ok {
		return nil, false
	}
	return f.cols[i].Value(row), true
}

// AppendRecord appends one flat record, coercing values toward column kinds.
// Keys without a matching column are ignored; uncoercible values stay null,
// logged at debug level.
func (f *Frame) AppendRecord(rec map[string]any) {
	f.AppendNullRow()
	row := f.nrows - 1
	for _, cs := range f.schema.Columns {
		if v, ok := rec[cs.Name]; ok {
			if err := f.SetCell(row, cs.Name, v); err != nil {
				log.WithField("column", cs.Name).WithError(err).Debug("cell left null")
			}
		}
	}
}

// Record returns one row as a map, nulls as nil values.
func (f *Frame) Record(row int) map[string]any {
	rec := make(map[string]any, len(f.cols))
	for _, c := range f.cols {
		rec[c.Name()] = c.Value(row)
	}
	return rec
}

// Append concatenates rows of other into f. Column sets must match by name;
// missing columns in other stay null.
func (f *Frame) Append(other *Frame) error {
	for _, cs := range other.Schema().Columns {
		own, ok := f.schema.Column(cs.Name)
		if !ok {
			return fmt.Errorf("append: unknown column %s", cs.Name)
		}
		if own.Type != cs.Type {
			return fmt.Errorf("append: column %s kind mismatch (%s vs %s)", cs.Name, own.Type, cs.Type)
		}
	}
	for r := 0; r < other.Rows(); r++ {
		f.AppendRecord(other.Record(r))
	}
	return nil
}

// Gather builds a new frame containing the given rows of f, in order.
func (f *Frame) Gather(rows []int) *Frame {
	out := NewFrame(f.schema)
	for _, r := range rows {
		out.AppendRecord(f.Record(r))
	}
	return out
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses the timestamp formats accepted across sources.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
