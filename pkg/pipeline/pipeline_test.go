package pipeline_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/wdm0006/tributary/pkg/destination/memdest"
	"github.com/wdm0006/tributary/pkg/pipeline"
	"github.com/wdm0006/tributary/pkg/source"
	"github.com/wdm0006/tributary/pkg/tabular"
)

func orderRecords() []map[string]any {
	return []map[string]any{
		{
			"id":       int64(1),
			"customer": map[string]any{"name": "ada", "city": "london"},
			"items":    []any{map[string]any{"sku": "a", "qty": int64(2)}, map[string]any{"sku": "b", "qty": int64(1)}},
			"tags":     []any{"rush", "gift"},
		},
		{
			"id":       int64(2),
			"customer": map[string]any{"name": "brian", "city": "leeds"},
			"items":    []any{map[string]any{"sku": "c", "qty": int64(5)}},
		},
	}
}

func TestRunFlattensAndLinksChildren(t *testing.T) {
	dest := memdest.New()
	p := pipeline.New("orders", dest, "orders_data")
	info, err := p.Run(context.Background(), source.FromRecords("orders", orderRecords()))
	if err != nil {
		t.Fatal(err)
	}
	if info.LoadID == "" {
		t.Fatal("missing load id")
	}

	ctx := context.Background()
	ds := p.Dataset()
	orders, err := ds.ReadTable(ctx, "orders")
	if err != nil {
		t.Fatal(err)
	}
	if orders.Rows() != 2 {
		t.Fatalf("expected 2 orders, got %d", orders.Rows())
	}
	if _, ok := orders.Schema().Column("customer__name"); !ok {
		t.Fatal("nested map should flatten to customer__name")
	}
	if v, _ := orders.Value(0, tabular.LoadIDColumn); v != info.LoadID {
		t.Fatalf("row should carry the load id, got %v", v)
	}

	items, err := ds.ReadTable(ctx, "orders__items")
	if err != nil {
		t.Fatal(err)
	}
	if items.Rows() != 3 {
		t.Fatalf("expected 3 item rows, got %d", items.Rows())
	}

	// every child parent id matches exactly one parent id
	parentIDs := map[any]int{}
	for i := 0; i < orders.Rows(); i++ {
		v, _ := orders.Value(i, tabular.IDColumn)
		parentIDs[v]++
	}
	for i := 0; i < items.Rows(); i++ {
		v, _ := items.Value(i, tabular.ParentIDColumn)
		if parentIDs[v] != 1 {
			t.Fatalf("item row %d parent id %v matches %d parents", i, v, parentIDs[v])
		}
	}

	tags, err := ds.ReadTable(ctx, "orders__tags")
	if err != nil {
		t.Fatal(err)
	}
	if tags.Rows() != 2 {
		t.Fatalf("expected 2 tag rows, got %d", tags.Rows())
	}
	if v, _ := tags.Value(0, "value"); v != "rush" && v != "gift" {
		t.Fatalf("scalar list items should land in a value column, got %v", v)
	}
}

func TestRunReplaceIsIdempotent(t *testing.T) {
	dest := memdest.New()
	p := pipeline.New("orders", dest, "orders_data")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := p.Run(ctx, source.FromRecords("orders", orderRecords())); err != nil {
			t.Fatal(err)
		}
	}
	orders, err := p.Dataset().ReadTable(ctx, "orders")
	if err != nil {
		t.Fatal(err)
	}
	if orders.Rows() != 2 {
		t.Fatalf("replace re-runs should not accumulate rows, got %d", orders.Rows())
	}
	items, _ := p.Dataset().ReadTable(ctx, "orders__items")
	if items.Rows() != 3 {
		t.Fatalf("child table should also be replaced, got %d rows", items.Rows())
	}
}

func TestRunAppendAccumulates(t *testing.T) {
	dest := memdest.New()
	p := pipeline.New("events", dest, "events_data")
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		res := source.FromRecords("events", []map[string]any{{"n": int64(i)}})
		res.Policy = tabular.WriteAppend
		if _, err := p.Run(ctx, res); err != nil {
			t.Fatal(err)
		}
	}
	f, err := p.Dataset().ReadTable(ctx, "events")
	if err != nil {
		t.Fatal(err)
	}
	if f.Rows() != 2 {
		t.Fatalf("expected 2 rows after two append loads, got %d", f.Rows())
	}
}

func TestRunMergeUpsertsByPrimaryKey(t *testing.T) {
	dest := memdest.New()
	p := pipeline.New("users", dest, "users_data")
	ctx := context.Background()

	first := source.FromRecords("users", []map[string]any{
		{"login": "ada", "score": int64(1)},
		{"login": "brian", "score": int64(2)},
	})
	first.Policy = tabular.WriteMerge
	first.PrimaryKey = []string{"login"}
	if _, err := p.Run(ctx, first); err != nil {
		t.Fatal(err)
	}

	second := source.FromRecords("users", []map[string]any{
		{"login": "ada", "score": int64(10)},
		{"login": "carol", "score": int64(3)},
	})
	second.Policy = tabular.WriteMerge
	second.PrimaryKey = []string{"login"}
	if _, err := p.Run(ctx, second); err != nil {
		t.Fatal(err)
	}

	f, err := p.Dataset().ReadTable(ctx, "users")
	if err != nil {
		t.Fatal(err)
	}
	if f.Rows() != 3 {
		t.Fatalf("expected 3 users after merge, got %d", f.Rows())
	}
	scores := map[string]int64{}
	for i := 0; i < f.Rows(); i++ {
		login, _ := f.Value(i, "login")
		score, _ := f.Value(i, "score")
		scores[fmt.Sprintf("%v", login)] = score.(int64)
	}
	if scores["ada"] != 10 {
		t.Fatalf("merge should update ada's row, got %d", scores["ada"])
	}
}

func TestRunMergeDedupesWithinBatch(t *testing.T) {
	dest := memdest.New()
	p := pipeline.New("users", dest, "users_data")
	res := source.FromRecords("users", []map[string]any{
		{"login": "ada", "score": int64(1)},
		{"login": "ada", "score": int64(2)},
	})
	res.Policy = tabular.WriteMerge
	res.PrimaryKey = []string{"login"}
	if _, err := p.Run(context.Background(), res); err != nil {
		t.Fatal(err)
	}
	f, _ := p.Dataset().ReadTable(context.Background(), "users")
	if f.Rows() != 1 {
		t.Fatalf("duplicate keys in one batch should collapse, got %d rows", f.Rows())
	}
	if v, _ := f.Value(0, "score"); v.(int64) != 2 {
		t.Fatalf("last record should win, got %v", v)
	}
}

func TestRunMergeDedupeDropsChildrenOfDiscardedRecords(t *testing.T) {
	dest := memdest.New()
	p := pipeline.New("users", dest, "users_data")
	res := source.FromRecords("users", []map[string]any{
		{"login": "ada", "score": int64(1), "tags": []any{"old", "stale"}},
		{"login": "ada", "score": int64(2), "tags": []any{"fresh"}},
	})
	res.Policy = tabular.WriteMerge
	res.PrimaryKey = []string{"login"}
	ctx := context.Background()
	if _, err := p.Run(ctx, res); err != nil {
		t.Fatal(err)
	}

	users, _ := p.Dataset().ReadTable(ctx, "users")
	if users.Rows() != 1 {
		t.Fatalf("got %d users, want 1", users.Rows())
	}
	keeperID, _ := users.Value(0, tabular.IDColumn)

	tags, err := p.Dataset().ReadTable(ctx, "users__tags")
	if err != nil {
		t.Fatal(err)
	}
	if tags.Rows() != 1 {
		t.Fatalf("discarded record's children should go with it, got %d tag rows", tags.Rows())
	}
	if v, _ := tags.Value(0, "value"); v != "fresh" {
		t.Fatalf("surviving tag = %v, want fresh", v)
	}
	if pid, _ := tags.Value(0, tabular.ParentIDColumn); pid != keeperID {
		t.Fatalf("tag parent %v does not match surviving user %v", pid, keeperID)
	}
}

func TestRunRejectsIncompatibleAppendWithoutWriting(t *testing.T) {
	dest := memdest.New()
	p := pipeline.New("events", dest, "events_data")
	ctx := context.Background()

	res := source.FromRecords("events", []map[string]any{{"n": int64(1), "tag": "a"}})
	res.Policy = tabular.WriteAppend
	if _, err := p.Run(ctx, res); err != nil {
		t.Fatal(err)
	}

	bad := source.FromRecords("events", []map[string]any{{"n": "not a number", "tag": "b"}})
	bad.Policy = tabular.WriteAppend
	_, err := p.Run(ctx, bad)
	if err == nil {
		t.Fatal("kind change under append should fail the load")
	}
	if !pipeline.IsSchemaError(err) {
		t.Fatalf("expected a schema error, got %v", err)
	}

	f, _ := p.Dataset().ReadTable(ctx, "events")
	if f.Rows() != 1 {
		t.Fatalf("failed load must write nothing, got %d rows", f.Rows())
	}
}

func TestRunSourceErrorAbortsLoad(t *testing.T) {
	dest := memdest.New()
	p := pipeline.New("broken", dest, "broken_data")
	res := &source.Resource{Name: "broken", Policy: tabular.WriteReplace, Source: &failingSource{}}
	_, err := p.Run(context.Background(), res)
	if err == nil {
		t.Fatal("expected source failure to surface")
	}
	var le *pipeline.LoadError
	if !asLoadError(err, &le) || le.Stage != "extract" {
		t.Fatalf("expected extract-stage load error, got %v", err)
	}
	tables, _ := p.Dataset().Tables(context.Background())
	if len(tables) != 0 {
		t.Fatalf("nothing should be committed, got tables %v", tables)
	}
}

type failingSource struct{ n int }

func (s *failingSource) Next(ctx context.Context) (map[string]any, error) {
	if s.n == 0 {
		s.n++
		return map[string]any{"ok": true}, nil
	}
	return nil, fmt.Errorf("connection reset")
}

func (s *failingSource) Close() error { return nil }

func asLoadError(err error, target **pipeline.LoadError) bool {
	le, ok := err.(*pipeline.LoadError)
	if ok {
		*target = le
	}
	return ok
}
