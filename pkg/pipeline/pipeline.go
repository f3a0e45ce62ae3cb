// Package pipeline runs the ingestion stage: drain raw record sources,
// normalize them into relational tables, and commit the result to a
// destination dataset in one atomic load.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/wdm0006/tributary/pkg/dataset"
	"github.com/wdm0006/tributary/pkg/destination"
	"github.com/wdm0006/tributary/pkg/source"
	"github.com/wdm0006/tributary/pkg/tabular"
)

const (
	idColumn     = tabular.IDColumn
	parentColumn = tabular.ParentIDColumn
	loadColumn   = tabular.LoadIDColumn
)

type Pipeline struct {
	name    string
	dest    destination.Destination
	dataset string
}

// New binds a pipeline name to a destination and dataset name. The dataset
// name defaults to "<name>_data" like the systems this one grew up around.
func New(name string, dest destination.Destination, datasetName string) *Pipeline {
	if datasetName == "" {
		datasetName = name + "_data"
	}
	return &Pipeline{name: name, dest: dest, dataset: datasetName}
}

func (p *Pipeline) Name() string                         { return p.name }
func (p *Pipeline) DatasetName() string                  { return p.dataset }
func (p *Pipeline) Destination() destination.Destination { return p.dest }

// Dataset returns a read handle over the tables this pipeline loads.
func (p *Pipeline) Dataset() *dataset.Dataset {
	return dataset.New(p.dest, p.dataset)
}

// NewLoadID mints a sortable load id: epoch seconds plus a random suffix.
func NewLoadID() string {
	return fmt.Sprintf("%d-%s", time.Now().UTC().Unix(), uuid.NewString()[:8])
}

// LoadInfo summarizes one committed run.
type LoadInfo struct {
	LoadID     string
	Pipeline   string
	Dataset    string
	Engine     string
	StartedAt  time.Time
	FinishedAt time.Time
	Tables     []TableLoad
}

type TableLoad struct {
	Name   string
	Rows   int
	Policy tabular.WritePolicy
}

func (li *LoadInfo) String() string {
	s := fmt.Sprintf("load %s: pipeline %s -> %s (%s), %d tables in %s",
		li.LoadID, li.Pipeline, li.Dataset, li.Engine, len(li.Tables),
		li.FinishedAt.Sub(li.StartedAt).Round(time.Millisecond))
	for _, t := range li.Tables {
		s += fmt.Sprintf("\n  %s: %d rows (%s)", t.Name, t.Rows, t.Policy)
	}
	return s
}

// LoadError is the structured failure a run reports: which stage broke, on
// which resource or table, and why. Nothing is committed when it is returned.
type LoadError struct {
	Stage    string // extract | normalize | schema | load | commit
	Resource string
	Table    string
	Err      error
}

func (e *LoadError) Error() string {
	where := e.Resource
	if e.Table != "" {
		where = e.Table
	}
	return fmt.Sprintf("load failed during %s (%s): %v", e.Stage, where, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Run drains every resource, normalizes the records, validates schemas
// against the destination under each table's write policy, and commits one
// atomic load. On any failure the load is aborted and nothing is visible.
func (p *Pipeline) Run(ctx context.Context, resources ...*source.Resource) (*LoadInfo, error) {
	loadID := NewLoadID()
	logger := log.WithFields(log.Fields{
		"pipeline": p.name,
		"dataset":  p.dataset,
		"load_id":  loadID,
	})
	started := time.Now().UTC()
	logger.Info("starting load")

	norm := newNormalized()
	policies := map[string]tabular.WritePolicy{}
	mergeKeys := map[string][]string{}
	for _, res := range resources {
		policy := res.Policy
		if policy == "" {
			policy = tabular.WriteReplace
		}
		if !policy.Valid() {
			return nil, &LoadError{Stage: "extract", Resource: res.Name,
				Err: fmt.Errorf("invalid write policy %q", policy)}
		}
		count := 0
		for {
			rec, err := res.Source.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				_ = res.Source.Close()
				return nil, &LoadError{Stage: "extract", Resource: res.Name, Err: err}
			}
			if _, err := norm.normalizeRecord(res.Name, rec, loadID); err != nil {
				_ = res.Source.Close()
				return nil, &LoadError{Stage: "normalize", Resource: res.Name, Err: err}
			}
			count++
		}
		if err := res.Source.Close(); err != nil {
			return nil, &LoadError{Stage: "extract", Resource: res.Name, Err: err}
		}
		logger.WithField("resource", res.Name).WithField("records", count).Debug("extracted")

		// the root table's policy cascades to its child tables; merge
		// children fall back to append since surrogate keys never repeat
		policies[res.Name] = policy
		mergeKeys[res.Name] = res.PrimaryKey
		for _, table := range norm.order {
			if _, ok := policies[table]; !ok {
				if policy == tabular.WriteMerge {
					policies[table] = tabular.WriteAppend
				} else {
					policies[table] = policy
				}
			}
		}
	}

	// dedupe merge tables within the batch, last record wins; child rows of
	// a discarded record go with it so no orphan parent ids survive
	for table, keys := range mergeKeys {
		if policies[table] == tabular.WriteMerge && len(keys) > 0 {
			kept, dropped := dedupeByKey(norm.tables[table], keys)
			norm.tables[table] = kept
			norm.dropOrphans(dropped)
		}
	}

	// build frames and check schema evolution before anything is written
	frames := map[string]*tabular.Frame{}
	for _, table := range norm.order {
		records := norm.tables[table]
		schema := tabular.InferSchema(records)
		existing, present, err := p.dest.TableSchema(ctx, p.dataset, table)
		if err != nil {
			return nil, &LoadError{Stage: "schema", Table: table, Err: err}
		}
		if present {
			if err := tabular.CheckEvolution(table, existing, schema, policies[table]); err != nil {
				logger.WithField("table", table).WithError(err).Error("schema check failed")
				return nil, &LoadError{Stage: "schema", Table: table, Err: err}
			}
		}
		f := tabular.NewFrame(schema)
		for _, rec := range records {
			f.AppendRecord(rec)
		}
		frames[table] = f
	}

	info := &LoadInfo{
		LoadID:    loadID,
		Pipeline:  p.name,
		Dataset:   p.dataset,
		Engine:    p.dest.Engine(),
		StartedAt: started,
	}
	load, err := p.dest.BeginLoad(ctx, p.dataset, loadID)
	if err != nil {
		return nil, &LoadError{Stage: "load", Err: err}
	}
	for _, table := range norm.order {
		f := frames[table]
		if err := load.WriteTable(ctx, table, f, policies[table], mergeKeys[table]); err != nil {
			_ = load.Abort()
			return nil, &LoadError{Stage: "load", Table: table, Err: err}
		}
		info.Tables = append(info.Tables, TableLoad{Name: table, Rows: f.Rows(), Policy: policies[table]})
	}
	if err := load.Commit(ctx); err != nil {
		_ = load.Abort()
		return nil, &LoadError{Stage: "commit", Err: err}
	}
	info.FinishedAt = time.Now().UTC()
	logger.WithField("tables", len(info.Tables)).
		WithField("elapsed", info.FinishedAt.Sub(started).Round(time.Millisecond).String()).
		Info("load committed")
	return info, nil
}

func dedupeByKey(records []map[string]any, keys []string) ([]map[string]any, map[string]bool) {
	index := map[string]int{}
	dropped := map[string]bool{}
	var out []map[string]any
	for _, rec := range records {
		k := ""
		for _, key := range keys {
			k += fmt.Sprintf("%v\x1f", rec[key])
		}
		if i, ok := index[k]; ok {
			if id, isStr := out[i][idColumn].(string); isStr {
				dropped[id] = true
			}
			out[i] = rec
			continue
		}
		index[k] = len(out)
		out = append(out, rec)
	}
	return out, dropped
}

// IsSchemaError reports whether err stems from a schema-evolution rejection.
func IsSchemaError(err error) bool {
	var ise *tabular.IncompatibleSchemaError
	return errors.As(err, &ise)
}
