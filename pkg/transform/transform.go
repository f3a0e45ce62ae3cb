// Package transform runs the transformation stage: named sets of derived
// tables built from relational expressions over a source dataset and
// materialized into a target dataset under a write policy.
//
// When every table an expression reads lives on the same engine as the
// target, the expression is compiled to SQL and executed in place. Otherwise
// the expression is evaluated in memory and staged through parquet before
// the load begins, so a failed evaluation never opens a load at all.
package transform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/apex/log"

	"github.com/wdm0006/tributary/pkg/dataset"
	"github.com/wdm0006/tributary/pkg/destination"
	"github.com/wdm0006/tributary/pkg/expr"
	"github.com/wdm0006/tributary/pkg/pipeline"
	"github.com/wdm0006/tributary/pkg/stage"
	"github.com/wdm0006/tributary/pkg/tabular"
)

// Output is one derived table a transformation produces.
type Output struct {
	Table     string
	Policy    tabular.WritePolicy
	Relation  *expr.Relation
	MergeKeys []string
}

// Transformation builds the outputs of one named transformation run against
// a source dataset. Build is called once per run; the relations it returns
// stay lazy until the runner materializes them.
type Transformation struct {
	Name  string
	Build func(ctx context.Context, src *dataset.Dataset) ([]Output, error)
}

// Runner materializes transformations from a source dataset into a target.
type Runner struct {
	source *dataset.Dataset
	target *dataset.Dataset
}

func NewRunner(source, target *dataset.Dataset) *Runner {
	return &Runner{source: source, target: target}
}

// RunResult reports how each output table was materialized.
type RunResult struct {
	LoadID string
	Tables []TableResult
}

type TableResult struct {
	Name     string
	Policy   tabular.WritePolicy
	Rows     int  // -1 when pushed down, the engine does not report it
	Pushdown bool
}

// Run builds and materializes each transformation in order, committing all
// outputs of all transformations as one atomic load. Schemas of every output
// are derived and validated against the target before anything is written.
func (r *Runner) Run(ctx context.Context, transformations ...Transformation) (*RunResult, error) {
	loadID := pipeline.NewLoadID()
	logger := log.WithFields(log.Fields{
		"source":  r.source.Name(),
		"target":  r.target.Name(),
		"load_id": loadID,
	})
	logger.Info("starting transformation run")

	var outputs []plannedOutput
	for _, t := range transformations {
		outs, err := t.Build(ctx, r.source)
		if err != nil {
			return nil, fmt.Errorf("transformation %s: %w", t.Name, err)
		}
		for _, out := range outs {
			planned, err := r.plan(ctx, t.Name, out)
			if err != nil {
				return nil, err
			}
			outputs = append(outputs, planned)
		}
	}

	// cross-engine outputs are evaluated and staged up front, before the
	// load opens, so evaluation failures leave the target untouched
	spool, err := os.MkdirTemp("", "tributary-stage-")
	if err != nil {
		return nil, fmt.Errorf("transformation staging: %w", err)
	}
	defer os.RemoveAll(spool)
	for i := range outputs {
		if outputs[i].pushdown {
			continue
		}
		f, err := outputs[i].relation.Eval(ctx)
		if err != nil {
			return nil, fmt.Errorf("transformation %s (%s): %w", outputs[i].transformation, outputs[i].table, err)
		}
		path := filepath.Join(spool, fmt.Sprintf("%03d-%s.parquet", i, outputs[i].table))
		if err := stage.WriteFrame(path, f); err != nil {
			return nil, fmt.Errorf("staging %s: %w", outputs[i].table, err)
		}
		outputs[i].staged = path
		outputs[i].rows = f.Rows()
	}

	load, err := r.target.Destination().BeginLoad(ctx, r.target.Name(), loadID)
	if err != nil {
		return nil, err
	}
	result := &RunResult{LoadID: loadID}
	started := time.Now()
	for _, out := range outputs {
		if err := r.materialize(ctx, load, out); err != nil {
			_ = load.Abort()
			return nil, fmt.Errorf("transformation %s (%s): %w", out.transformation, out.table, err)
		}
		result.Tables = append(result.Tables, TableResult{
			Name: out.table, Policy: out.policy, Rows: out.rows, Pushdown: out.pushdown,
		})
	}
	if err := load.Commit(ctx); err != nil {
		_ = load.Abort()
		return nil, err
	}
	logger.WithField("tables", len(result.Tables)).
		WithField("elapsed", time.Since(started).Round(time.Millisecond).String()).
		Info("transformation run committed")
	return result, nil
}

type plannedOutput struct {
	transformation string
	table          string
	policy         tabular.WritePolicy
	relation       *expr.Relation
	mergeKeys      []string
	schema         tabular.Schema
	pushdown       bool
	query          string
	staged         string
	rows           int
}

// plan derives the output schema, validates it against the target table's
// write policy, and decides whether the expression can run on the engine.
func (r *Runner) plan(ctx context.Context, name string, out Output) (plannedOutput, error) {
	p := plannedOutput{
		transformation: name,
		table:          out.Table,
		policy:         out.Policy,
		relation:       out.Relation,
		mergeKeys:      out.MergeKeys,
		rows:           -1,
	}
	if p.policy == "" {
		p.policy = tabular.WriteReplace
	}
	if !p.policy.Valid() {
		return p, fmt.Errorf("transformation %s (%s): invalid write policy %q", name, out.Table, out.Policy)
	}
	schema, err := out.Relation.Schema(ctx)
	if err != nil {
		return p, fmt.Errorf("transformation %s (%s): %w", name, out.Table, err)
	}
	p.schema = schema

	existing, present, err := r.target.Destination().TableSchema(ctx, r.target.Name(), out.Table)
	if err != nil {
		return p, err
	}
	if present {
		if err := tabular.CheckEvolution(out.Table, existing, schema, p.policy); err != nil {
			return p, err
		}
	}

	// merge needs per-row key matching, which only the in-memory path does
	if p.policy != tabular.WriteMerge && r.canPushdown(out.Relation) {
		query, err := out.Relation.SQL(ctx)
		if err == nil {
			p.pushdown = true
			p.query = query
		} else {
			log.WithField("table", out.Table).WithError(err).Debug("falling back to in-memory evaluation")
		}
	}
	return p, nil
}

// canPushdown reports whether every table the relation reads lives on the
// same destination instance as the target and that destination executes SQL.
// Matching engine names are not enough: two sqlite files share an engine but
// not a connection.
func (r *Runner) canPushdown(rel *expr.Relation) bool {
	dest := r.target.Destination()
	if _, ok := dest.(destination.SQLExecutor); !ok {
		return false
	}
	providers := rel.Providers()
	for _, p := range providers {
		d, ok := p.(interface{ Destination() destination.Destination })
		if !ok || d.Destination() != dest {
			return false
		}
	}
	return len(providers) > 0
}

func (r *Runner) materialize(ctx context.Context, load destination.Load, out plannedOutput) error {
	if out.pushdown {
		sqlLoad, ok := load.(destination.SQLLoad)
		if !ok {
			return fmt.Errorf("engine %s does not execute queries", r.target.Engine())
		}
		return sqlLoad.WriteTableAs(ctx, out.table, out.query, out.schema, out.policy)
	}
	f, err := stage.ReadFrame(out.staged, out.schema)
	if err != nil {
		return err
	}
	return load.WriteTable(ctx, out.table, f, out.policy, out.mergeKeys)
}
