// Package config tests exercise the JSON-friendly configuration helpers:
// the Options typed getters, the Default/Load layering that keeps absent
// keys at their documented defaults, and custom unmarshaling semantics.
// Tests parse JSON strings directly to stay hermetic.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

/*
TestDefaultValues verifies the documented defaults: 64MB read-ahead, one
worker, comma delimiter, strict policy, shortest float rendering.
*/
func TestDefaultValues(t *testing.T) {
	t.Parallel()

	c := Default()

	if c.ChunkSizeBytes != 64<<20 {
		t.Fatalf("ChunkSizeBytes = %d, want %d", c.ChunkSizeBytes, 64<<20)
	}
	if c.ParallelWorkers != 1 {
		t.Fatalf("ParallelWorkers = %d, want 1", c.ParallelWorkers)
	}
	if c.Delimiter != "," {
		t.Fatalf("Delimiter = %q, want %q", c.Delimiter, ",")
	}
	if c.ErrorPolicy != PolicyStrict {
		t.Fatalf("ErrorPolicy = %q, want %q", c.ErrorPolicy, PolicyStrict)
	}
	if c.NullHandling != NullEmptyString {
		t.Fatalf("NullHandling = %q, want %q", c.NullHandling, NullEmptyString)
	}
	if c.NumericPrecision != -1 {
		t.Fatalf("NumericPrecision = %d, want -1", c.NumericPrecision)
	}
	if c.Output.Prefix != "chunk_" {
		t.Fatalf("Output.Prefix = %q, want %q", c.Output.Prefix, "chunk_")
	}
	if c.Source.Format != FormatAuto {
		t.Fatalf("Source.Format = %q, want %q", c.Source.Format, FormatAuto)
	}
}

/*
TestLoadLayersOverDefaults verifies that Load keeps defaults for absent keys
while explicit values (including explicit zeroes) override them. An explicit
numeric_precision of 0 must survive because it means "round to integers",
which is why Load decodes over a pre-filled Default value instead of a zero
struct.
*/
func TestLoadLayersOverDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "job.json")
	body := `{
		"job": "t",
		"source": {"path": "in.ndjson", "format": "ndjson"},
		"output": {"dir": "out"},
		"output_chunk_rows": 100,
		"numeric_precision": 0,
		"error_policy": "lenient_skip"
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write job file: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if c.OutputChunkRows != 100 {
		t.Fatalf("OutputChunkRows = %d, want 100", c.OutputChunkRows)
	}
	if c.NumericPrecision != 0 {
		t.Fatalf("NumericPrecision = %d, want explicit 0", c.NumericPrecision)
	}
	if c.ErrorPolicy != PolicySkip {
		t.Fatalf("ErrorPolicy = %q, want %q", c.ErrorPolicy, PolicySkip)
	}
	// Absent keys keep their defaults.
	if c.ChunkSizeBytes != DefaultReadAhead {
		t.Fatalf("ChunkSizeBytes = %d, want default %d", c.ChunkSizeBytes, int64(DefaultReadAhead))
	}
	if c.ArrayFlattenMode != ArrayIndexedColumns {
		t.Fatalf("ArrayFlattenMode = %q, want default %q", c.ArrayFlattenMode, ArrayIndexedColumns)
	}
	if c.Output.QuarantineFile != "quarantine.csv" {
		t.Fatalf("Output.QuarantineFile = %q, want default quarantine.csv", c.Output.QuarantineFile)
	}
}

/*
TestLoadMissingFile verifies Load surfaces unreadable job files as errors
rather than silently running on pure defaults.
*/
func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err == nil {
		t.Fatal("Load(missing) expected error, got nil")
	}
}

/*
TestConversionDecodeRoundTrip validates that a representative full job file
decodes into the intended Go struct graph, including the free-form options
block.
*/
func TestConversionDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	const js = `{
	  "job": "orders",
	  "source": { "path": "orders.json", "format": "array" },
	  "output": { "dir": "out", "prefix": "part_" },
	  "chunk_size_bytes": 1048576,
	  "output_chunk_size_bytes": 4096,
	  "output_chunk_rows": 10,
	  "parallel_workers": 4,
	  "null_handling": "null_literal",
	  "array_flatten_mode": "json_string",
	  "include_fields": ["id", "user.name"],
	  "field_types": { "user.age": "int" },
	  "date_fields": ["created_at"],
	  "date_format": "2006-01-02",
	  "options": { "fadvise": false }
	}`

	c := Default()
	if err := json.Unmarshal([]byte(js), &c); err != nil {
		t.Fatalf("json.Unmarshal(Conversion): %v", err)
	}

	if c.Source.Format != FormatArray || c.Source.Path != "orders.json" {
		t.Fatalf("source decoded = %#v, want path=orders.json format=array", c.Source)
	}
	if c.Output.Prefix != "part_" {
		t.Fatalf("output.prefix = %q, want part_", c.Output.Prefix)
	}
	if c.NullHandling != NullLiteral || c.ArrayFlattenMode != ArrayJSONString {
		t.Fatalf("policies decoded = %q/%q", c.NullHandling, c.ArrayFlattenMode)
	}
	if len(c.IncludeFields) != 2 || c.IncludeFields[1] != "user.name" {
		t.Fatalf("include_fields = %#v", c.IncludeFields)
	}
	if c.FieldTypes["user.age"] != "int" {
		t.Fatalf("field_types = %#v, want user.age -> int", c.FieldTypes)
	}
	if got := c.Options.Bool("fadvise", true); got != false {
		t.Fatalf("options.fadvise = %v, want false", got)
	}
}

/*
TestOptionsString verifies that Options.String returns:
 1. the string value when present and of the correct type,
 2. the provided default when the key is missing or not a string.
*/
func TestOptionsString(t *testing.T) {
	o := Options{
		"s": "ok",
		"n": 123,
	}

	tests := []struct {
		key string
		def string
		got string
	}{
		{"s", "zzz", "ok"},
		{"n", "def", "def"},
		{"missing", "fallback", "fallback"},
	}
	for _, tc := range tests {
		if got := o.String(tc.key, tc.def); got != tc.got {
			t.Fatalf("String(%q,%q)=%q; want %q", tc.key, tc.def, got, tc.got)
		}
	}
}

/*
TestOptionsInt verifies that Options.Int:
  - accepts JSON numbers (float64) and casts to int,
  - returns a native int directly,
  - falls back to the provided default for other types or missing keys.
*/
func TestOptionsInt(t *testing.T) {
	o := Options{
		"f": float64(3.9), // typical encoding/json number
		"i": 7,            // native int
		"s": "nope",
	}

	tests := []struct {
		key string
		def int
		got int
	}{
		{"f", -1, 3}, // int(3.9) == 3
		{"i", -1, 7},
		{"s", 42, 42},
		{"missing", 99, 99},
	}
	for _, tc := range tests {
		if got := o.Int(tc.key, tc.def); got != tc.got {
			t.Fatalf("Int(%q,%d)=%d; want %d", tc.key, tc.def, got, tc.got)
		}
	}
}

/*
TestOptionsRune verifies that Options.Rune returns the first rune of a
non-empty string and the default otherwise.
*/
func TestOptionsRune(t *testing.T) {
	o := Options{
		"word":   "abc",
		"empty":  "",
		"notstr": 123,
	}

	tests := []struct {
		key string
		def rune
		got rune
	}{
		{"word", 'Z', 'a'},
		{"empty", 'Z', 'Z'},
		{"notstr", 'X', 'X'},
		{"missing", 'M', 'M'},
	}
	for _, tc := range tests {
		if got := o.Rune(tc.key, tc.def); got != tc.got {
			t.Fatalf("Rune(%q,%q)=%q; want %q", tc.key, tc.def, got, tc.got)
		}
	}
}

/*
TestOptionsStringSlice verifies that Options.StringSlice returns []string
from either []any (mixed, non-strings dropped) or []string inputs, and nil
when the key is missing or the value isn't an array.
*/
func TestOptionsStringSlice(t *testing.T) {
	o := Options{
		"arr_any": []any{"a", 2, "c", true, "d"},
		"arr_str": []string{"x", "y"},
		"notarr":  "nope",
	}

	gotAny := o.StringSlice("arr_any")
	wantAny := []string{"a", "c", "d"}
	if len(gotAny) != len(wantAny) {
		t.Fatalf("StringSlice(arr_any) len=%d; want %d (%#v)", len(gotAny), len(wantAny), gotAny)
	}
	for i := range wantAny {
		if gotAny[i] != wantAny[i] {
			t.Fatalf("StringSlice(arr_any)[%d]=%q; want %q", i, gotAny[i], wantAny[i])
		}
	}

	if got := o.StringSlice("notarr"); got != nil {
		t.Fatalf("StringSlice(notarr) expected nil; got %#v", got)
	}
	if got := o.StringSlice("missing"); got != nil {
		t.Fatalf("StringSlice(missing) expected nil; got %#v", got)
	}
}

/*
TestOptionsUnmarshalJSON verifies the custom json.Unmarshaler implementation:
  - a null or empty Options value results in a non-nil, empty map,
  - a valid object decodes into the map,
  - invalid JSON returns an error.
*/
func TestOptionsUnmarshalJSON(t *testing.T) {
	var o1 Options
	if err := o1.UnmarshalJSON([]byte("null")); err != nil {
		t.Fatalf("UnmarshalJSON(null) error: %v", err)
	}
	if o1 == nil || len(o1) != 0 {
		t.Fatalf("UnmarshalJSON(null) => %#v; want empty non-nil map", o1)
	}

	var o2 Options
	if err := o2.UnmarshalJSON(nil); err != nil {
		t.Fatalf("UnmarshalJSON(empty) error: %v", err)
	}
	if o2 == nil || len(o2) != 0 {
		t.Fatalf("UnmarshalJSON(empty) => %#v; want empty non-nil map", o2)
	}

	var o3 Options
	if err := o3.UnmarshalJSON([]byte(`{"a": "b", "n": 1}`)); err != nil {
		t.Fatalf("UnmarshalJSON(object) error: %v", err)
	}
	if len(o3) != 2 || o3["a"] != "b" {
		t.Fatalf("UnmarshalJSON(object) unexpected content: %#v", o3)
	}

	var o4 Options
	if err := o4.UnmarshalJSON([]byte(`123`)); err == nil {
		t.Fatal("UnmarshalJSON(123) expected error, got nil")
	}
}
