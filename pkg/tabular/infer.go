package tabular

import (
	"sort"
	"strings"
	"time"
)

// InferSchema determines column kinds from a sample of flat records.
// Surrogate columns sort first, then remaining names alphabetically, so the
// inferred order is stable across runs.
func InferSchema(sample []map[string]any) Schema {
	keysSet := map[string]struct{}{}
	for _, m := range sample {
		for k := range m {
			keysSet[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(keysSet))
	for k := range keysSet {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		si, sj := strings.HasPrefix(keys[i], "_tributary"), strings.HasPrefix(keys[j], "_tributary")
		if si != sj {
			return si
		}
		return keys[i] < keys[j]
	})

	schema := Schema{Columns: make([]ColumnSchema, len(keys))}
	for i, k := range keys {
		schema.Columns[i] = ColumnSchema{Name: k, Type: inferKind(sample, k), Nullable: true}
	}
	return schema
}

func inferKind(sample []map[string]any, key string) Kind {
	nBool, nInt, nFloat, nTime, nStr := 0, 0, 0, 0, 0
	for _, m := range sample {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case bool:
			nBool++
		case int, int32, int64:
			nInt++
		case float32, float64:
			// whole-valued floats stay float: a JSON 2.0 column inferred as
			// int would reject an appended 2.5 on the next run
			nFloat++
		case time.Time:
			nTime++
		case string:
			if _, err := ParseTime(t); err == nil && looksTemporal(t) {
				nTime++
			} else {
				nStr++
			}
		default:
			nStr++
		}
	}
	switch {
	case nStr > 0:
		return KindString
	case nTime > 0 && nBool+nInt+nFloat == 0:
		return KindTime
	case nBool > 0 && nInt+nFloat == 0:
		return KindBool
	case nFloat > 0:
		return KindFloat
	case nInt > 0:
		return KindInt
	default:
		// no non-null observation; string is the safest default
		return KindString
	}
}

// looksTemporal filters out bare numbers that ParseTime would reject anyway
// and strings like "2006" that parse as dates by accident.
func looksTemporal(s string) bool {
	return len(s) >= len("2006-01-02") && strings.Count(s, "-") >= 2
}
