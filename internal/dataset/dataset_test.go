package dataset_test

import (
	"testing"

	"github.com/rateio/rateio-core/internal/dataset"
)

func TestSchema_Unit_RequireFields(t *testing.T) {
	schema := &dataset.Schema{Fields: []*dataset.FieldDefinition{
		{Name: "center_id", DataType: dataset.TypeString},
		{Name: "value", DataType: dataset.TypeDouble},
	}}

	if err := schema.RequireFields("center_id", "value"); err != nil {
		t.Fatalf("RequireFields on present columns: %v", err)
	}
	if err := schema.RequireFields("center_id", "metric_value"); err == nil {
		t.Fatal("expected error for missing column metric_value")
	}
	// Empty names are skipped so optional bindings validate cleanly
	if err := schema.RequireFields("", "value"); err != nil {
		t.Fatalf("RequireFields with empty name: %v", err)
	}
}

func TestSchema_Unit_WithFieldDoesNotMutate(t *testing.T) {
	schema := &dataset.Schema{Fields: []*dataset.FieldDefinition{
		{Name: "value", DataType: dataset.TypeDouble},
	}}

	extended := schema.WithField("allocated_value", dataset.TypeDouble, true)
	if len(schema.Fields) != 1 {
		t.Fatalf("source schema mutated: %d fields", len(schema.Fields))
	}
	if !extended.HasField("allocated_value") {
		t.Fatal("extended schema missing allocated_value")
	}
	// Adding an existing field is a no-op
	again := extended.WithField("allocated_value", dataset.TypeDouble, true)
	if len(again.Fields) != len(extended.Fields) {
		t.Fatalf("duplicate field added: %d fields", len(again.Fields))
	}
}

func TestInferSchema_Unit_TypesAndOrder(t *testing.T) {
	rows := []dataset.Record{
		{"center_id": "100", "value": 10.5, "active": true},
		{"center_id": "204", "value": 3.0, "note": nil},
	}
	schema := dataset.InferSchema(rows)

	checks := map[string]string{
		"center_id": dataset.TypeString,
		"value":     dataset.TypeDouble,
		"active":    dataset.TypeBool,
		"note":      dataset.TypeString,
	}
	for name, want := range checks {
		f := schema.Field(name)
		if f == nil {
			t.Fatalf("inferred schema missing %s", name)
		}
		if f.DataType != want {
			t.Errorf("%s: type %s, want %s", name, f.DataType, want)
		}
	}
	if f := schema.Field("note"); !f.Nullable {
		t.Error("note should be nullable (only nil values seen)")
	}
}

func TestCanonicalString_Unit_IntegralFloats(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{float64(100), "100"},
		{float64(1.5), "1.5"},
		{"canalA", "canalA"},
		{nil, ""},
		{int64(288), "288"},
		{true, "true"},
	}
	for _, tc := range cases {
		if got := dataset.CanonicalString(tc.in); got != tc.want {
			t.Errorf("CanonicalString(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFloat_Unit_NumericStrings(t *testing.T) {
	rec := dataset.Record{"a": 2.5, "b": "17.25", "c": "abc", "d": int64(4)}

	if v, ok := dataset.Float(rec, "a"); !ok || v != 2.5 {
		t.Errorf("Float(a) = %v, %v", v, ok)
	}
	if v, ok := dataset.Float(rec, "b"); !ok || v != 17.25 {
		t.Errorf("Float(b) = %v, %v", v, ok)
	}
	if _, ok := dataset.Float(rec, "c"); ok {
		t.Error("Float(c) should not parse")
	}
	if v, ok := dataset.Float(rec, "d"); !ok || v != 4 {
		t.Errorf("Float(d) = %v, %v", v, ok)
	}
	if _, ok := dataset.Float(rec, "missing"); ok {
		t.Error("Float(missing) should report absent")
	}
}

func TestRowFilter_Unit_PartitionByColumnAndMonth(t *testing.T) {
	rows := []dataset.Record{
		{"center_id": float64(100), "booking_date": "2023-10-05"},
		{"center_id": float64(100), "booking_date": "2023-09-05"},
		{"center_id": float64(999), "booking_date": "2023-10-05"},
		{"center_id": float64(204), "booking_date": "2023-11-20"},
	}
	filter := dataset.RowFilter{
		Columns: map[string][]string{"center_id": {"100", "204"}},
		Months:  map[string][]int{"booking_date": {10, 11}},
	}

	selected, rest := filter.Partition(rows)
	if len(selected) != 2 || selected[0] != 0 || selected[1] != 3 {
		t.Fatalf("selected = %v, want [0 3]", selected)
	}
	if len(rest) != 2 || rest[0] != 1 || rest[1] != 2 {
		t.Fatalf("rest = %v, want [1 2]", rest)
	}
}

func TestRowFilter_Unit_EmptySelectsAll(t *testing.T) {
	rows := []dataset.Record{{"a": 1.0}, {"a": 2.0}}
	selected, rest := dataset.RowFilter{}.Partition(rows)
	if len(selected) != 2 || len(rest) != 0 {
		t.Fatalf("empty filter: selected=%v rest=%v", selected, rest)
	}
}

func TestRowFilter_Unit_CaseInsensitiveValues(t *testing.T) {
	rows := []dataset.Record{{"channel": "CanalA"}, {"channel": "canalB"}, {"channel": "canalC"}}
	filter := dataset.RowFilter{Columns: map[string][]string{"channel": {"canala", "CANALB"}}}
	selected, _ := filter.Partition(rows)
	if len(selected) != 2 {
		t.Fatalf("selected = %v, want two rows", selected)
	}
}

func TestRowFilter_Unit_UnparseableDateNeverMatches(t *testing.T) {
	rows := []dataset.Record{{"booking_date": "10/05/2023"}, {"booking_date": nil}}
	filter := dataset.RowFilter{Months: map[string][]int{"booking_date": {10}}}
	selected, rest := filter.Partition(rows)
	if len(selected) != 0 || len(rest) != 2 {
		t.Fatalf("selected=%v rest=%v, want all rows rejected", selected, rest)
	}
}

func TestGroupRows_Unit_FirstSeenOrder(t *testing.T) {
	rows := []dataset.Record{
		{"segment_id": "s2", "v": 1.0},
		{"segment_id": "s1", "v": 2.0},
		{"segment_id": "s2", "v": 3.0},
		{"segment_id": "s1", "v": 4.0},
	}
	groups := dataset.GroupRows(rows, nil, []string{"segment_id"})
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	if groups[0].Parts[0] != "s2" || groups[1].Parts[0] != "s1" {
		t.Fatalf("group order = %v, %v; want first-seen s2 then s1", groups[0].Parts, groups[1].Parts)
	}
	if len(groups[0].Rows) != 2 || groups[0].Rows[0] != 0 || groups[0].Rows[1] != 2 {
		t.Fatalf("s2 rows = %v, want [0 2]", groups[0].Rows)
	}
}

func TestGroupRows_Unit_CompositeKey(t *testing.T) {
	rows := []dataset.Record{
		{"channel": "canalA", "segment_id": "s1"},
		{"channel": "canalA", "segment_id": "s2"},
		{"channel": "canalA", "segment_id": "s1"},
	}
	groups := dataset.GroupRows(rows, []int{0, 1, 2}, []string{"channel", "segment_id"})
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	if groups[0].Parts[0] != "canalA" || groups[0].Parts[1] != "s1" {
		t.Fatalf("first group parts = %v", groups[0].Parts)
	}
}

func TestRowIterator_Unit_DrainsInOrder(t *testing.T) {
	table := dataset.NewTable("postings", dataset.InferSchema(nil), []dataset.Record{
		{"value": 1.0}, {"value": 2.0},
	})
	it := dataset.NewRowIterator(table)
	defer it.Close()

	var got []float64
	for it.Next() {
		v, _ := dataset.Float(it.Value(), "value")
		got = append(got, v)
	}
	if it.Err() != nil {
		t.Fatalf("iterator error: %v", it.Err())
	}
	if len(got) != 2 || got[0] != 1.0 || got[1] != 2.0 {
		t.Fatalf("drained = %v", got)
	}
}
