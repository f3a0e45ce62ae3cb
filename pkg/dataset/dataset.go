// Package dataset provides read handles over a named table collection at a
// destination. Handles are what transformation functions receive; they
// implement expr.TableProvider so relations can scan their tables lazily.
package dataset

import (
	"context"
	"fmt"

	"github.com/wdm0006/tributary/pkg/destination"
	"github.com/wdm0006/tributary/pkg/expr"
	"github.com/wdm0006/tributary/pkg/tabular"
)

type Dataset struct {
	name string
	dest destination.Destination
}

func New(dest destination.Destination, name string) *Dataset {
	return &Dataset{name: name, dest: dest}
}

func (d *Dataset) Name() string { return d.name }

func (d *Dataset) Destination() destination.Destination { return d.dest }

func (d *Dataset) Engine() string { return d.dest.Engine() }

// Table starts a lazy relation over one of the dataset's tables.
func (d *Dataset) Table(table string) *expr.Relation {
	return expr.Scan(d, table)
}

func (d *Dataset) Tables(ctx context.Context) ([]string, error) {
	return d.dest.Tables(ctx, d.name)
}

func (d *Dataset) ReadTable(ctx context.Context, table string) (*tabular.Frame, error) {
	return d.dest.ReadTable(ctx, d.name, table)
}

func (d *Dataset) TableSchema(ctx context.Context, table string) (tabular.Schema, error) {
	s, ok, err := d.dest.TableSchema(ctx, d.name, table)
	if err != nil {
		return tabular.Schema{}, err
	}
	if !ok {
		return tabular.Schema{}, fmt.Errorf("table %s.%s: %w", d.name, table, destination.ErrNotFound)
	}
	return s, nil
}

// QualifiedTable reports the SQL identifier for table when the destination
// speaks SQL.
func (d *Dataset) QualifiedTable(table string) (string, bool) {
	if sq, ok := d.dest.(destination.SQLExecutor); ok {
		return sq.QualifiedTable(d.name, table), true
	}
	return "", false
}
