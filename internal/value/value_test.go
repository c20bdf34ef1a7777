package value

import (
	"reflect"
	"testing"
)

/*
TestParsePreservesMemberOrder verifies that object members come back in
source order, not map order. Column ordering downstream depends on this.
*/
func TestParsePreservesMemberOrder(t *testing.T) {
	v, err := Parse([]byte(`{"z": 1, "a": 2, "m": 3}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if v.Kind != KindObject {
		t.Fatalf("Kind = %v, want object", v.Kind)
	}
	got := []string{}
	for _, m := range v.Obj {
		got = append(got, m.Name)
	}
	want := []string{"z", "a", "m"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("member order = %v, want %v", got, want)
	}
}

/*
TestParseNumberKinds verifies the integer/float split: whole JSON numbers
that fit int64 decode as Integer, everything else as Float. encoding/json's
default any-decoding would flatten both to float64 and lose 2^53+1.
*/
func TestParseNumberKinds(t *testing.T) {
	tests := []struct {
		in   string
		kind Kind
	}{
		{`42`, KindInteger},
		{`-7`, KindInteger},
		{`9007199254740993`, KindInteger}, // 2^53+1, not representable in float64
		{`3.25`, KindFloat},
		{`1e3`, KindFloat},
		{`-0.0`, KindFloat},
		{`99999999999999999999999999`, KindFloat}, // beyond int64
	}
	for _, tc := range tests {
		v, err := Parse([]byte(tc.in))
		if err != nil {
			t.Fatalf("Parse(%s): %v", tc.in, err)
		}
		if v.Kind != tc.kind {
			t.Fatalf("Parse(%s).Kind = %v, want %v", tc.in, v.Kind, tc.kind)
		}
	}

	v, _ := Parse([]byte(`9007199254740993`))
	if v.I != 9007199254740993 {
		t.Fatalf("large integer lost precision: %d", v.I)
	}
}

/*
TestParseScalarsAndNesting covers the remaining kinds and nested shapes.
*/
func TestParseScalarsAndNesting(t *testing.T) {
	v, err := Parse([]byte(`{"a": {"b": [null, true, "x"]}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	inner := v.Obj[0].V
	if inner.Kind != KindObject || inner.Obj[0].Name != "b" {
		t.Fatalf("nested object wrong: %#v", inner)
	}
	arr := inner.Obj[0].V
	if arr.Kind != KindArray || len(arr.Arr) != 3 {
		t.Fatalf("nested array wrong: %#v", arr)
	}
	if arr.Arr[0].Kind != KindNull || arr.Arr[1].Kind != KindBool || arr.Arr[2].Kind != KindString {
		t.Fatalf("array element kinds wrong: %#v", arr.Arr)
	}
}

/*
TestParseRejectsTrailingData verifies that bytes after the first value fail:
a record slice must hold exactly one value.
*/
func TestParseRejectsTrailingData(t *testing.T) {
	if _, err := Parse([]byte(`{"a":1} {"b":2}`)); err == nil {
		t.Fatal("expected error for trailing data, got nil")
	}
	if _, err := Parse([]byte(`1 2`)); err == nil {
		t.Fatal("expected error for trailing scalar, got nil")
	}
	// Trailing whitespace is fine.
	if _, err := Parse([]byte("{\"a\":1}\n")); err != nil {
		t.Fatalf("trailing whitespace rejected: %v", err)
	}
}

/*
TestParseMalformed verifies malformed input errors instead of producing a
partial value.
*/
func TestParseMalformed(t *testing.T) {
	for _, in := range []string{`{`, `{"a":}`, `[1,`, `tru`, `"unterminated`} {
		if _, err := Parse([]byte(in)); err == nil {
			t.Fatalf("Parse(%q) expected error, got nil", in)
		}
	}
}

/*
TestText verifies scalar rendering: bools lowercase, integers plain, floats
shortest by default and fixed with a precision, arrays/objects as compact
JSON.
*/
func TestText(t *testing.T) {
	tests := []struct {
		v    Value
		prec int
		want string
	}{
		{Null(), -1, ""},
		{Bool(true), -1, "true"},
		{Bool(false), -1, "false"},
		{Int(42), -1, "42"},
		{Int(3), 2, "3.00"}, // integer in a float-precision column
		{Float(3.25), -1, "3.25"},
		{Float(3.14159), 2, "3.14"},
		{Float(2.675), 2, "2.67"}, // binary float, rounds down like strconv
		{String("hi"), -1, "hi"},
		{Array(Int(1), String("a")), -1, `[1,"a"]`},
		{Object(Member{"k", Null()}), -1, `{"k":null}`},
	}
	for _, tc := range tests {
		if got := tc.v.Text(tc.prec); got != tc.want {
			t.Fatalf("Text(%#v, %d) = %q, want %q", tc.v, tc.prec, got, tc.want)
		}
	}
}

/*
TestAppendJSONRoundTrip verifies the JSON renderer escapes and nests
correctly by re-parsing its own output.
*/
func TestAppendJSONRoundTrip(t *testing.T) {
	orig, err := Parse([]byte(`{"q":"he said \"hi\"","nl":"a\nb","tab":"a\tb","ctl":"a\u0001b","deep":[{"x":[1,2.5,null]}]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	enc := orig.AppendJSON(nil)
	back, err := Parse(enc)
	if err != nil {
		t.Fatalf("re-Parse(%s): %v", enc, err)
	}
	if !reflect.DeepEqual(orig, back) {
		t.Fatalf("round trip mismatch:\n orig %#v\n back %#v", orig, back)
	}
}

/*
TestKindString pins the names used in schema reports.
*/
func TestKindString(t *testing.T) {
	want := map[Kind]string{
		KindNull: "null", KindBool: "bool", KindInteger: "integer",
		KindFloat: "float", KindString: "string", KindArray: "array",
		KindObject: "object",
	}
	for k, s := range want {
		if k.String() != s {
			t.Fatalf("Kind(%d).String() = %q, want %q", k, k.String(), s)
		}
	}
	if !KindFloat.Scalar() || KindArray.Scalar() {
		t.Fatal("Scalar() boundary wrong")
	}
}
