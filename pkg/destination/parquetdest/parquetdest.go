// Package parquetdest stores each dataset as a directory of parquet files,
// one per table, with a JSON catalog carrying the logical schemas. Loads
// write into a hidden staging directory and rename files into place on
// commit, so readers never see a half-written table.
package parquetdest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/wdm0006/tributary/pkg/destination"
	"github.com/wdm0006/tributary/pkg/stage"
	"github.com/wdm0006/tributary/pkg/tabular"
)

const catalogFile = "_catalog.json"

type Destination struct {
	root string
}

func Open(root string) (*Destination, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Destination{root: root}, nil
}

func (d *Destination) Engine() string { return "parquet" }

func (d *Destination) datasetDir(dataset string) string { return filepath.Join(d.root, dataset) }

func (d *Destination) tablePath(dataset, table string) string {
	return filepath.Join(d.datasetDir(dataset), table+".parquet")
}

type catalogColumn struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Nullable bool   `json:"nullable"`
}

type catalog map[string][]catalogColumn

func (d *Destination) readCatalog(dataset string) (catalog, error) {
	b, err := os.ReadFile(filepath.Join(d.datasetDir(dataset), catalogFile))
	if os.IsNotExist(err) {
		return catalog{}, nil
	}
	if err != nil {
		return nil, err
	}
	var c catalog
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("dataset %s: corrupt catalog: %w", dataset, err)
	}
	return c, nil
}

func toSchema(cols []catalogColumn) tabular.Schema {
	s := tabular.Schema{Columns: make([]tabular.ColumnSchema, len(cols))}
	for i, c := range cols {
		s.Columns[i] = tabular.ColumnSchema{Name: c.Name, Type: tabular.KindFromString(c.Kind), Nullable: c.Nullable}
	}
	return s
}

func fromSchema(s tabular.Schema) []catalogColumn {
	cols := make([]catalogColumn, len(s.Columns))
	for i, c := range s.Columns {
		cols[i] = catalogColumn{Name: c.Name, Kind: c.Type.String(), Nullable: c.Nullable}
	}
	return cols
}

func (d *Destination) TableSchema(ctx context.Context, dataset, table string) (tabular.Schema, bool, error) {
	c, err := d.readCatalog(dataset)
	if err != nil {
		return tabular.Schema{}, false, err
	}
	cols, ok := c[table]
	if !ok {
		return tabular.Schema{}, false, nil
	}
	return toSchema(cols), true, nil
}

func (d *Destination) Tables(ctx context.Context, dataset string) ([]string, error) {
	c, err := d.readCatalog(dataset)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (d *Destination) ReadTable(ctx context.Context, dataset, table string) (*tabular.Frame, error) {
	schema, ok, err := d.TableSchema(ctx, dataset, table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("table %s.%s: %w", dataset, table, destination.ErrNotFound)
	}
	return stage.ReadFrame(d.tablePath(dataset, table), schema)
}

func (d *Destination) BeginLoad(ctx context.Context, dataset, loadID string) (destination.Load, error) {
	dir := filepath.Join(d.datasetDir(dataset), ".load-"+loadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	cat, err := d.readCatalog(dataset)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	return &load{dest: d, dataset: dataset, dir: dir, cat: cat, staged: map[string]string{}}, nil
}

type load struct {
	dest    *Destination
	dataset string
	dir     string
	cat     catalog
	staged  map[string]string // table -> staged file
	done    bool
}

func (l *load) WriteTable(ctx context.Context, table string, f *tabular.Frame, policy tabular.WritePolicy, mergeKeys []string) error {
	if l.done {
		return fmt.Errorf("load already finished")
	}
	var base *tabular.Frame
	if policy != tabular.WriteReplace {
		if path, ok := l.staged[table]; ok {
			prev, err := stage.ReadFrame(path, toSchema(l.cat[table]))
			if err != nil {
				return err
			}
			base = prev
		} else if cols, ok := l.cat[table]; ok {
			prev, err := stage.ReadFrame(l.dest.tablePath(l.dataset, table), toSchema(cols))
			if err != nil {
				return err
			}
			base = prev
		}
	}
	merged, err := destination.ApplyWrite(base, f, policy, mergeKeys)
	if err != nil {
		return err
	}
	path := filepath.Join(l.dir, table+".parquet")
	if err := stage.WriteFrame(path, merged); err != nil {
		return err
	}
	l.staged[table] = path
	l.cat[table] = fromSchema(merged.Schema())
	return nil
}

func (l *load) Commit(ctx context.Context) error {
	if l.done {
		return fmt.Errorf("load already finished")
	}
	l.done = true
	for table, src := range l.staged {
		if err := os.Rename(src, l.dest.tablePath(l.dataset, table)); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(l.cat, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(l.dir, catalogFile)
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(l.dest.datasetDir(l.dataset), catalogFile)); err != nil {
		return err
	}
	return os.RemoveAll(l.dir)
}

func (l *load) Abort() error {
	if l.done {
		return nil
	}
	l.done = true
	return os.RemoveAll(l.dir)
}

// StagingDirs reports leftover staging directories from aborted process
// crashes, for manual cleanup.
func (d *Destination) StagingDirs(dataset string) ([]string, error) {
	entries, err := os.ReadDir(d.datasetDir(dataset))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), ".load-") {
			out = append(out, filepath.Join(d.datasetDir(dataset), e.Name()))
		}
	}
	return out, nil
}
