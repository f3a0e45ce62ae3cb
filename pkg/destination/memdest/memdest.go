// Package memdest is an in-memory destination used by tests and benchmarks.
// Loads stage into a shadow copy of the dataset and swap in on commit.
package memdest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wdm0006/tributary/pkg/destination"
	"github.com/wdm0006/tributary/pkg/tabular"
)

type Destination struct {
	mu       sync.Mutex
	datasets map[string]map[string]*tabular.Frame
}

func New() *Destination {
	return &Destination{datasets: make(map[string]map[string]*tabular.Frame)}
}

func (d *Destination) Engine() string { return "memory" }

func (d *Destination) ReadTable(ctx context.Context, dataset, table string) (*tabular.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ds, ok := d.datasets[dataset]
	if !ok {
		return nil, fmt.Errorf("dataset %s: %w", dataset, destination.ErrNotFound)
	}
	f, ok := ds[table]
	if !ok {
		return nil, fmt.Errorf("table %s.%s: %w", dataset, table, destination.ErrNotFound)
	}
	return f, nil
}

func (d *Destination) TableSchema(ctx context.Context, dataset, table string) (tabular.Schema, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ds, ok := d.datasets[dataset]; ok {
		if f, ok := ds[table]; ok {
			return f.Schema(), true, nil
		}
	}
	return tabular.Schema{}, false, nil
}

func (d *Destination) Tables(ctx context.Context, dataset string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ds, ok := d.datasets[dataset]
	if !ok {
		return nil, nil
	}
	names := make([]string, 0, len(ds))
	for name := range ds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (d *Destination) BeginLoad(ctx context.Context, dataset, loadID string) (destination.Load, error) {
	return &load{dest: d, dataset: dataset, staged: make(map[string]*tabular.Frame)}, nil
}

type load struct {
	dest    *Destination
	dataset string
	staged  map[string]*tabular.Frame
	done    bool
}

func (l *load) WriteTable(ctx context.Context, table string, f *tabular.Frame, policy tabular.WritePolicy, mergeKeys []string) error {
	if l.done {
		return fmt.Errorf("load already finished")
	}
	base := l.staged[table]
	if base == nil {
		l.dest.mu.Lock()
		if ds, ok := l.dest.datasets[l.dataset]; ok {
			base = ds[table]
		}
		l.dest.mu.Unlock()
	}
	merged, err := destination.ApplyWrite(base, f, policy, mergeKeys)
	if err != nil {
		return err
	}
	l.staged[table] = merged
	return nil
}

func (l *load) Commit(ctx context.Context) error {
	if l.done {
		return fmt.Errorf("load already finished")
	}
	l.done = true
	l.dest.mu.Lock()
	defer l.dest.mu.Unlock()
	ds, ok := l.dest.datasets[l.dataset]
	if !ok {
		ds = make(map[string]*tabular.Frame)
		l.dest.datasets[l.dataset] = ds
	}
	for name, f := range l.staged {
		ds[name] = f
	}
	return nil
}

func (l *load) Abort() error {
	l.done = true
	l.staged = nil
	return nil
}
