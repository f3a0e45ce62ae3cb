package pipeline

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Nested structures flatten the way warehouse loaders conventionally do:
// nested maps become prefix__field columns, lists of maps become child
// tables named parent__field, and scalar lists become child tables with a
// single value column. Every row gets a surrogate id; child rows reference
// their parent's id.

type normalized struct {
	// tables preserves first-seen table order for deterministic loads
	order  []string
	tables map[string][]map[string]any
}

func newNormalized() *normalized {
	return &normalized{tables: map[string][]map[string]any{}}
}

func (n *normalized) add(table string, rec map[string]any) {
	if _, ok := n.tables[table]; !ok {
		n.order = append(n.order, table)
	}
	n.tables[table] = append(n.tables[table], rec)
}

// dropOrphans removes rows whose parent id was discarded, cascading through
// grandchildren. Table order lists parents before their children, so one
// forward pass sees every drop before the rows that reference it.
func (n *normalized) dropOrphans(dropped map[string]bool) {
	if len(dropped) == 0 {
		return
	}
	for _, table := range n.order {
		rows := n.tables[table]
		kept := rows[:0]
		for _, rec := range rows {
			if pid, ok := rec[parentColumn].(string); ok && dropped[pid] {
				if id, isStr := rec[idColumn].(string); isStr {
					dropped[id] = true
				}
				continue
			}
			kept = append(kept, rec)
		}
		n.tables[table] = kept
	}
}

// normalizeRecord flattens one raw record into table rows, returning the
// root row's surrogate id.
func (n *normalized) normalizeRecord(table string, raw map[string]any, loadID string) (string, error) {
	return n.normalizeInto(table, raw, loadID, "")
}

func (n *normalized) normalizeInto(table string, raw map[string]any, loadID, parentID string) (string, error) {
	flat := map[string]any{}
	type pendingList struct {
		table string
		items []any
	}
	var lists []pendingList

	var walk func(prefix string, m map[string]any) error
	walk = func(prefix string, m map[string]any) error {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := m[k]
			name := k
			if prefix != "" {
				name = prefix + "__" + k
			}
			switch t := v.(type) {
			case map[string]any:
				if err := walk(name, t); err != nil {
					return err
				}
			case []any:
				lists = append(lists, pendingList{table: table + "__" + name, items: t})
			default:
				flat[name] = v
			}
		}
		return nil
	}
	if err := walk("", raw); err != nil {
		return "", err
	}

	id := uuid.NewString()
	flat[idColumn] = id
	flat[loadColumn] = loadID
	if parentID != "" {
		flat[parentColumn] = parentID
	}
	n.add(table, flat)

	for _, pl := range lists {
		for _, item := range pl.items {
			switch t := item.(type) {
			case map[string]any:
				if _, err := n.normalizeInto(pl.table, t, loadID, id); err != nil {
					return "", err
				}
			case []any:
				return "", fmt.Errorf("table %s: nested list of lists is not supported", pl.table)
			default:
				if _, err := n.normalizeInto(pl.table, map[string]any{"value": t}, loadID, id); err != nil {
					return "", err
				}
			}
		}
	}
	return id, nil
}
