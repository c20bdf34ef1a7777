package transformer

import (
	"errors"
	"strings"
	"testing"

	"jsoncsv/internal/schema"
	"jsoncsv/internal/value"
)

func col(name, path string, k value.Kind) schema.Column {
	return schema.Column{Name: name, Path: path, Type: k}
}

func snap(cols ...schema.Column) *schema.Snapshot {
	return &schema.Snapshot{Version: 1, Columns: cols}
}

func m(k string, v value.Value) value.Member { return value.Member{Name: k, V: v} }

func flatten(v value.Value) []schema.FlatField {
	return schema.Flatten(v, schema.ArrayIndexed)
}

/*
TestApplyAlignsToSnapshot verifies cells land by column position regardless
of field order in the record, absent columns render the null cell, and
fields newer than the snapshot are ignored until the next chunk.
*/
func TestApplyAlignsToSnapshot(t *testing.T) {
	tr := New(Rules{Precision: -1})
	s := snap(
		col("a", "a", value.KindInteger),
		col("b", "b", value.KindString),
		col("c", "c", value.KindInteger),
	)
	rec := value.Object(
		m("c", value.Int(3)),
		m("a", value.Int(1)),
		m("d", value.Int(9)), // not in snapshot
	)
	row, err := tr.Apply(flatten(rec), 0, s)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	defer row.Free()

	want := []string{"1", "", "3"}
	for i, w := range want {
		if row.Cells[i] != w {
			t.Fatalf("cell %d = %q, want %q", i, row.Cells[i], w)
		}
	}
}

/*
TestNullHandling verifies all three policies for both explicit nulls and
absent fields.
*/
func TestNullHandling(t *testing.T) {
	s := snap(col("x", "x", value.KindString), col("gone", "gone", value.KindString))
	rec := flatten(value.Object(m("x", value.Null())))

	tests := []struct {
		policy string
		want   string
	}{
		{NullEmpty, ""},
		{NullLiteral, "null"},
		{NullSkip, ""},
	}
	for _, tc := range tests {
		tr := New(Rules{NullHandling: tc.policy, Precision: -1})
		row, err := tr.Apply(rec, 0, s)
		if err != nil {
			t.Fatalf("%s: %v", tc.policy, err)
		}
		if row.Cells[0] != tc.want || row.Cells[1] != tc.want {
			t.Fatalf("%s: cells = %q, want both %q", tc.policy, row.Cells, tc.want)
		}
		row.Free()
	}
}

/*
TestGenericRendering verifies untyped columns render by value kind, with
float columns honoring the configured precision.
*/
func TestGenericRendering(t *testing.T) {
	tr := New(Rules{Precision: 2})
	s := snap(
		col("ok", "ok", value.KindBool),
		col("n", "n", value.KindInteger),
		col("f", "f", value.KindFloat),
		col("s", "s", value.KindString),
	)
	rec := value.Object(
		m("ok", value.Bool(true)),
		m("n", value.Int(42)),
		m("f", value.Float(2.675)),
		m("s", value.String("plain, text")),
	)
	row, err := tr.Apply(flatten(rec), 0, s)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	defer row.Free()

	want := []string{"true", "42", "2.67", "plain, text"}
	for i, w := range want {
		if row.Cells[i] != w {
			t.Fatalf("cell %d = %q, want %q", i, row.Cells[i], w)
		}
	}
}

/*
TestFloatColumnWidensIntegers verifies integers arriving in a float-typed
column render in the column's fixed-precision form, keeping cells uniform.
*/
func TestFloatColumnWidensIntegers(t *testing.T) {
	tr := New(Rules{Precision: 2})
	s := snap(col("f", "f", value.KindFloat))
	row, err := tr.Apply(flatten(value.Object(m("f", value.Int(3)))), 0, s)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	defer row.Free()
	if row.Cells[0] != "3.00" {
		t.Fatalf("cell = %q, want 3.00", row.Cells[0])
	}
}

/*
TestDeclaredTypes verifies the field_types coercions, success and failure.
*/
func TestDeclaredTypes(t *testing.T) {
	rules := Rules{
		Types: map[string]string{
			"i": "int",
			"b": "bool",
			"f": "float",
			"s": "string",
		},
		Precision: -1,
	}

	ok := []struct {
		path string
		v    value.Value
		want string
	}{
		{"i", value.Int(42), "42"},
		{"i", value.String("42"), "42"},
		{"i", value.String(" 42.0 "), "42"},
		{"i", value.Float(7), "7"},
		{"b", value.Bool(false), "false"},
		{"b", value.String("yes"), "true"},
		{"b", value.String("N"), "false"},
		{"b", value.Int(1), "true"},
		{"f", value.String("3.5"), "3.5"},
		{"f", value.Int(2), "2"},
		{"s", value.Int(5), "5"},
		{"s", value.Bool(true), "true"},
	}
	for _, tc := range ok {
		tr := New(rules)
		s := snap(col(tc.path, tc.path, tc.v.Kind))
		row, err := tr.Apply([]schema.FlatField{{Path: tc.path, V: tc.v}}, 0, s)
		if err != nil {
			t.Fatalf("%s %v: %v", tc.path, tc.v, err)
		}
		if row.Cells[0] != tc.want {
			t.Fatalf("%s %v: cell = %q, want %q", tc.path, tc.v, row.Cells[0], tc.want)
		}
		row.Free()
	}

	bad := []struct {
		path string
		v    value.Value
	}{
		{"i", value.String("forty-two")},
		{"i", value.Float(2.5)},
		{"i", value.Bool(true)},
		{"b", value.String("maybe")},
		{"b", value.Int(7)},
		{"f", value.String("NaN-ish")},
	}
	for _, tc := range bad {
		tr := New(rules)
		s := snap(col(tc.path, tc.path, tc.v.Kind))
		_, err := tr.Apply([]schema.FlatField{{Path: tc.path, V: tc.v}}, 128, s)
		var re *RowError
		if !errors.As(err, &re) {
			t.Fatalf("%s %v: err = %v, want RowError", tc.path, tc.v, err)
		}
		if re.Offset != 128 || re.Path != tc.path {
			t.Fatalf("%s %v: error context = %#v", tc.path, tc.v, re)
		}
	}
}

/*
TestDateFields verifies date parsing and re-rendering: default layouts,
custom output format, restricted input layouts, and failures.
*/
func TestDateFields(t *testing.T) {
	s := snap(col("d", "d", value.KindString))

	tr := New(Rules{DateFields: []string{"d"}, Precision: -1})
	row, err := tr.Apply([]schema.FlatField{{Path: "d", V: value.String("2024-03-09")}}, 0, s)
	if err != nil {
		t.Fatalf("iso date: %v", err)
	}
	if row.Cells[0] != "2024-03-09" {
		t.Fatalf("iso date cell = %q", row.Cells[0])
	}
	row.Free()

	// Timestamps collapse to the date format.
	row, err = tr.Apply([]schema.FlatField{{Path: "d", V: value.String("2024-03-09T14:30:00Z")}}, 0, s)
	if err != nil {
		t.Fatalf("timestamp: %v", err)
	}
	if row.Cells[0] != "2024-03-09" {
		t.Fatalf("timestamp cell = %q", row.Cells[0])
	}
	row.Free()

	// Custom output format.
	tr = New(Rules{DateFields: []string{"d"}, DateFormat: "02.01.2006", Precision: -1})
	row, err = tr.Apply([]schema.FlatField{{Path: "d", V: value.String("2024-03-09")}}, 0, s)
	if err != nil {
		t.Fatalf("custom format: %v", err)
	}
	if row.Cells[0] != "09.03.2024" {
		t.Fatalf("custom format cell = %q", row.Cells[0])
	}
	row.Free()

	// Restricted input layouts reject other forms.
	tr = New(Rules{DateFields: []string{"d"}, DateLayouts: []string{"02.01.2006"}, Precision: -1})
	var re *RowError
	if _, err = tr.Apply([]schema.FlatField{{Path: "d", V: value.String("2024-03-09")}}, 0, s); !errors.As(err, &re) {
		t.Fatalf("restricted layouts: err = %v, want RowError", err)
	}

	// Non-string values are not dates.
	tr = New(Rules{DateFields: []string{"d"}, Precision: -1})
	if _, err = tr.Apply([]schema.FlatField{{Path: "d", V: value.Int(20240309)}}, 0, s); !errors.As(err, &re) {
		t.Fatalf("numeric date: err = %v, want RowError", err)
	}
	if _, err = tr.Apply([]schema.FlatField{{Path: "d", V: value.String("not a date")}}, 0, s); !errors.As(err, &re) {
		t.Fatalf("garbage date: err = %v, want RowError", err)
	}
	if !strings.Contains(re.Error(), "d") {
		t.Fatalf("error text lacks column: %q", re.Error())
	}
}

/*
TestFilter verifies include/exclude semantics: entries match a path and its
dot-descendants, exclusion wins, empty include keeps everything.
*/
func TestFilter(t *testing.T) {
	rec := value.Object(
		m("user", value.Object(m("name", value.String("a")), m("ssn", value.String("x")))),
		m("meta", value.Object(m("v", value.Int(1)))),
		m("id", value.Int(7)),
	)

	tests := []struct {
		name  string
		rules Rules
		want  []string
	}{
		{"exclude subtree", Rules{Exclude: []string{"user.ssn"}}, []string{"user.name", "meta.v", "id"}},
		{"exclude parent", Rules{Exclude: []string{"user"}}, []string{"meta.v", "id"}},
		{"include parent", Rules{Include: []string{"user"}}, []string{"user.name", "user.ssn"}},
		{"exclude wins", Rules{Include: []string{"user"}, Exclude: []string{"user.ssn"}}, []string{"user.name"}},
		{"no rules", Rules{}, []string{"user.name", "user.ssn", "meta.v", "id"}},
	}
	for _, tc := range tests {
		tr := New(tc.rules)
		got := tr.Filter(flatten(rec))
		var paths []string
		for _, ff := range got {
			paths = append(paths, ff.Path)
		}
		if len(paths) != len(tc.want) {
			t.Fatalf("%s: paths = %v, want %v", tc.name, paths, tc.want)
		}
		for i := range paths {
			if paths[i] != tc.want[i] {
				t.Fatalf("%s: paths = %v, want %v", tc.name, paths, tc.want)
			}
		}
	}
}

/*
TestPlanReuse verifies the compiled plan is reused for a snapshot version
and replaced when the snapshot changes.
*/
func TestPlanReuse(t *testing.T) {
	tr := New(Rules{Precision: -1})
	s1 := snap(col("a", "a", value.KindInteger))
	p1 := tr.plan(s1)
	if p2 := tr.plan(s1); p2 != p1 {
		t.Fatal("plan not reused for same snapshot version")
	}

	s2 := &schema.Snapshot{Version: 2, Columns: []schema.Column{
		col("a", "a", value.KindInteger),
		col("b", "b", value.KindString),
	}}
	p3 := tr.plan(s2)
	if p3 == p1 || len(p3.cols) != 2 {
		t.Fatal("plan not recompiled for new snapshot version")
	}
}

/*
TestValidateRules covers the rule-level checks that do not need a snapshot.
*/
func TestValidateRules(t *testing.T) {
	if err := ValidateRules(Rules{Types: map[string]string{"a": "int"}, NullHandling: NullEmpty}); err != nil {
		t.Fatalf("valid rules rejected: %v", err)
	}
	if err := ValidateRules(Rules{Types: map[string]string{"a": "decimal"}}); err == nil {
		t.Fatal("unknown declared type accepted")
	}
	if err := ValidateRules(Rules{NullHandling: "drop"}); err == nil {
		t.Fatal("unknown null handling accepted")
	}
}
