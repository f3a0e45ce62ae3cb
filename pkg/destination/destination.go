// Package destination defines the contract between pipelines and the table
// stores they load into. A destination owns datasets (named table
// collections) and guarantees that a load either commits fully or leaves no
// trace: readers never observe partially written tables.
package destination

import (
	"context"
	"errors"

	"github.com/wdm0006/tributary/pkg/tabular"
)

// ErrNotFound is returned when a dataset or table does not exist.
var ErrNotFound = errors.New("not found")

// Destination is a named execution engine holding datasets of tables.
type Destination interface {
	// Engine identifies the execution engine ("sqlite", "parquet", "memory").
	// Pipelines use it to decide whether a transformation can be pushed down.
	Engine() string

	ReadTable(ctx context.Context, dataset, table string) (*tabular.Frame, error)
	// TableSchema returns the committed schema; ok=false when absent.
	TableSchema(ctx context.Context, dataset, table string) (tabular.Schema, bool, error)
	Tables(ctx context.Context, dataset string) ([]string, error)

	// BeginLoad opens a staging handle for one atomic load into dataset.
	BeginLoad(ctx context.Context, dataset, loadID string) (Load, error)
}

// Load stages table writes for a single run. Nothing is visible to readers
// until Commit returns; Abort discards everything staged.
type Load interface {
	WriteTable(ctx context.Context, table string, f *tabular.Frame, policy tabular.WritePolicy, mergeKeys []string) error
	Commit(ctx context.Context) error
	Abort() error
}

// SQLExecutor is implemented by destinations whose engine can evaluate a
// derived table natively, letting transformations run without moving data.
type SQLExecutor interface {
	Dialect() string
	// QualifiedTable renders the identifier a query should use for a table.
	QualifiedTable(dataset, table string) string
}

// SQLLoad is implemented by Load handles of SQL destinations. The query runs
// inside the load's transaction so multi-table transformation runs stay atomic.
type SQLLoad interface {
	Load
	// WriteTableAs materializes the query result as table under policy.
	// The caller passes the derived schema it validated against the target.
	WriteTableAs(ctx context.Context, table, query string, schema tabular.Schema, policy tabular.WritePolicy) error
}
