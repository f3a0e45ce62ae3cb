package tabular

import "fmt"

// WritePolicy governs how repeated loads affect an existing table.
type WritePolicy string

const (
	// WriteReplace drops the existing table and writes fresh rows.
	WriteReplace WritePolicy = "replace"
	// WriteAppend adds rows; the incoming schema must be compatible.
	WriteAppend WritePolicy = "append"
	// WriteMerge upserts rows by primary key; schema rules as append.
	WriteMerge WritePolicy = "merge"
)

func (p WritePolicy) Valid() bool {
	switch p {
	case WriteReplace, WriteAppend, WriteMerge:
		return true
	}
	return false
}

// IncompatibleSchemaError reports a schema-evolution violation detected
// before any row was written.
type IncompatibleSchemaError struct {
	Table  string
	Column string
	Reason string
}

func (e *IncompatibleSchemaError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("incompatible schema for table %s: column %s: %s", e.Table, e.Column, e.Reason)
	}
	return fmt.Sprintf("incompatible schema for table %s: %s", e.Table, e.Reason)
}

// CheckEvolution decides whether incoming may be written over existing under
// the given policy. Replace tolerates any change. Append and merge accept
// identical or additive schemas: new nullable columns may appear, but columns
// may not change kind or disappear.
func CheckEvolution(table string, existing, incoming Schema, policy WritePolicy) error {
	if policy == WriteReplace {
		return nil
	}
	for _, old := range existing.Columns {
		cur, ok := incoming.Column(old.Name)
		if !ok {
			return &IncompatibleSchemaError{Table: table, Column: old.Name, Reason: "column removed"}
		}
		if cur.Type != old.Type {
			return &IncompatibleSchemaError{
				Table:  table,
				Column: old.Name,
				Reason: fmt.Sprintf("kind changed from %s to %s", old.Type, cur.Type),
			}
		}
	}
	for _, cur := range incoming.Columns {
		if _, ok := existing.Column(cur.Name); !ok && !cur.Nullable {
			return &IncompatibleSchemaError{
				Table:  table,
				Column: cur.Name,
				Reason: "new column must be nullable",
			}
		}
	}
	return nil
}

// AddedColumns lists columns of incoming that existing lacks, in incoming
// order. Destinations use it to widen tables on additive appends.
func AddedColumns(existing, incoming Schema) []ColumnSchema {
	var out []ColumnSchema
	for _, cur := range incoming.Columns {
		if _, ok := existing.Column(cur.Name); !ok {
			out = append(out, cur)
		}
	}
	return out
}
