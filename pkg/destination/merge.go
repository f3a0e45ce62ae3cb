package destination

import (
	"fmt"
	"strings"

	"github.com/wdm0006/tributary/pkg/tabular"
)

// ApplyWrite folds incoming into existing under policy, in memory. Frame-based
// destinations share this; SQL destinations express the same semantics in SQL.
// existing may be nil for a first write. mergeKeys is required for merge.
func ApplyWrite(existing, incoming *tabular.Frame, policy tabular.WritePolicy, mergeKeys []string) (*tabular.Frame, error) {
	if policy == tabular.WriteReplace || existing == nil {
		return incoming, nil
	}
	// widen existing with any added nullable columns
	out := tabular.NewFrame(widen(existing.Schema(), incoming.Schema()))
	if err := out.Append(existing); err != nil {
		return nil, err
	}
	switch policy {
	case tabular.WriteAppend:
		if err := out.Append(incoming); err != nil {
			return nil, err
		}
		return out, nil
	case tabular.WriteMerge:
		if len(mergeKeys) == 0 {
			return nil, fmt.Errorf("merge write requires merge keys")
		}
		replaced := map[string]int{}
		for r := 0; r < incoming.Rows(); r++ {
			replaced[mergeKey(incoming, r, mergeKeys)] = r
		}
		kept := make([]int, 0, out.Rows())
		for r := 0; r < out.Rows(); r++ {
			if _, ok := replaced[mergeKey(out, r, mergeKeys)]; !ok {
				kept = append(kept, r)
			}
		}
		merged := out.Gather(kept)
		if err := merged.Append(incoming); err != nil {
			return nil, err
		}
		return merged, nil
	default:
		return nil, fmt.Errorf("unknown write policy %q", policy)
	}
}

func widen(existing, incoming tabular.Schema) tabular.Schema {
	cols := append([]tabular.ColumnSchema{}, existing.Columns...)
	cols = append(cols, tabular.AddedColumns(existing, incoming)...)
	return tabular.Schema{Columns: cols}
}

func mergeKey(f *tabular.Frame, row int, keys []string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		v, _ := f.Value(row, k)
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, "\x1f")
}
