package destination

import (
	"testing"

	"github.com/wdm0006/tributary/pkg/tabular"
)

func frameOf(t *testing.T, schema tabular.Schema, recs ...map[string]any) *tabular.Frame {
	t.Helper()
	f := tabular.NewFrame(schema)
	for _, r := range recs {
		f.AppendRecord(r)
	}
	return f
}

func baseSchema() tabular.Schema {
	return tabular.Schema{Columns: []tabular.ColumnSchema{
		{Name: "id", Type: tabular.KindInt},
		{Name: "name", Type: tabular.KindString, Nullable: true},
	}}
}

func TestApplyWriteReplace(t *testing.T) {
	old := frameOf(t, baseSchema(), map[string]any{"id": int64(1)})
	incoming := frameOf(t, baseSchema(), map[string]any{"id": int64(2)})
	out, err := ApplyWrite(old, incoming, tabular.WriteReplace, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Rows() != 1 {
		t.Fatalf("expected 1 row, got %d", out.Rows())
	}
	if v, _ := out.Value(0, "id"); v.(int64) != 2 {
		t.Fatalf("replace should keep only incoming rows, got %v", v)
	}
}

func TestApplyWriteAppendWidens(t *testing.T) {
	old := frameOf(t, baseSchema(), map[string]any{"id": int64(1), "name": "a"})
	wide := tabular.Schema{Columns: append(baseSchema().Columns,
		tabular.ColumnSchema{Name: "extra", Type: tabular.KindFloat, Nullable: true})}
	incoming := frameOf(t, wide, map[string]any{"id": int64(2), "extra": 1.5})

	out, err := ApplyWrite(old, incoming, tabular.WriteAppend, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Rows() != 2 {
		t.Fatalf("expected 2 rows, got %d", out.Rows())
	}
	if v, _ := out.Value(0, "extra"); v != nil {
		t.Fatalf("old rows should be null in added column, got %v", v)
	}
	if v, _ := out.Value(1, "extra"); v.(float64) != 1.5 {
		t.Fatalf("new row should keep its value, got %v", v)
	}
}

func TestApplyWriteMerge(t *testing.T) {
	old := frameOf(t, baseSchema(),
		map[string]any{"id": int64(1), "name": "a"},
		map[string]any{"id": int64(2), "name": "b"},
	)
	incoming := frameOf(t, baseSchema(),
		map[string]any{"id": int64(2), "name": "b2"},
		map[string]any{"id": int64(3), "name": "c"},
	)
	out, err := ApplyWrite(old, incoming, tabular.WriteMerge, []string{"id"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Rows() != 3 {
		t.Fatalf("expected 3 rows, got %d", out.Rows())
	}
	byID := map[int64]string{}
	for i := 0; i < out.Rows(); i++ {
		id, _ := out.Value(i, "id")
		name, _ := out.Value(i, "name")
		byID[id.(int64)] = name.(string)
	}
	if byID[2] != "b2" {
		t.Fatalf("merge should replace matched row, got %q", byID[2])
	}
	if byID[1] != "a" || byID[3] != "c" {
		t.Fatalf("unexpected merge result %v", byID)
	}
}

func TestApplyWriteMergeNeedsKeys(t *testing.T) {
	old := frameOf(t, baseSchema(), map[string]any{"id": int64(1)})
	incoming := frameOf(t, baseSchema(), map[string]any{"id": int64(2)})
	if _, err := ApplyWrite(old, incoming, tabular.WriteMerge, nil); err == nil {
		t.Fatal("merge without keys should fail")
	}
}
