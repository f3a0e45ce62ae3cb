package tabular

import "testing"

func TestInferSchemaKinds(t *testing.T) {
	sample := []map[string]any{
		{"n": int64(1), "f": 1.5, "b": true, "s": "abc", "ts": "2024-03-01T09:15:00Z"},
		{"n": int64(2), "f": nil, "b": false, "s": "def", "ts": "2024-03-02T10:00:00Z"},
	}
	s := InferSchema(sample)
	want := map[string]Kind{
		"n": KindInt, "f": KindFloat, "b": KindBool, "s": KindString, "ts": KindTime,
	}
	for name, k := range want {
		cs, ok := s.Column(name)
		if !ok {
			t.Fatalf("missing column %s", name)
		}
		if cs.Type != k {
			t.Fatalf("column %s: expected %s, got %s", name, k, cs.Type)
		}
	}
}

func TestInferSchemaSurrogatesFirst(t *testing.T) {
	sample := []map[string]any{
		{"zz": 1, IDColumn: "a", LoadIDColumn: "l", "aa": 2},
	}
	s := InferSchema(sample)
	names := s.Names()
	if names[0] != IDColumn || names[1] != LoadIDColumn {
		t.Fatalf("surrogate columns should sort first, got %v", names)
	}
	if names[2] != "aa" || names[3] != "zz" {
		t.Fatalf("remaining columns should be alphabetical, got %v", names)
	}
}

func TestInferSchemaStringWins(t *testing.T) {
	sample := []map[string]any{
		{"x": int64(1)},
		{"x": "one"},
	}
	s := InferSchema(sample)
	cs, _ := s.Column("x")
	if cs.Type != KindString {
		t.Fatalf("mixed column should infer string, got %s", cs.Type)
	}
}

func TestInferSchemaWholeFloatsStayFloats(t *testing.T) {
	// JSON numbers decode as float64; inferring int from whole values would
	// reject an appended 2.5 on the next run
	sample := []map[string]any{{"x": 3.0}, {"x": 4.0}}
	s := InferSchema(sample)
	cs, _ := s.Column("x")
	if cs.Type != KindFloat {
		t.Fatalf("expected float, got %s", cs.Type)
	}
}

func TestInferSchemaShortDateStringsStayStrings(t *testing.T) {
	sample := []map[string]any{{"x": "2006"}, {"x": "2007"}}
	s := InferSchema(sample)
	cs, _ := s.Column("x")
	if cs.Type != KindString {
		t.Fatalf("expected string, got %s", cs.Type)
	}
}
