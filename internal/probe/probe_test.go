package probe

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeInput(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func defaults(path string) Options {
	return Options{
		Path:             path,
		Format:           "auto",
		ArrayFlattenMode: "indexed_columns",
		ColumnNameMode:   "raw",
	}
}

/*
TestProbeNDJSON

A small NDJSON sample: the probe reports the flattened columns, the type
each settled on, and the evolution steps in order.
*/
func TestProbeNDJSON(t *testing.T) {
	path := writeInput(t, "in.ndjson",
		`{"id":1,"user":{"name":"ada"}}`+"\n"+
			`{"id":2,"user":{"name":"bob"},"score":3.5}`+"\n"+
			`{"id":3,"user":{"name":"eve"}}`+"\n")

	res, err := Probe(context.Background(), defaults(path))
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.Mode != "ndjson" {
		t.Fatalf("mode = %q, want ndjson", res.Mode)
	}
	if res.Records != 3 || res.ParseErrors != 0 {
		t.Fatalf("records = %d errors = %d, want 3 and 0", res.Records, res.ParseErrors)
	}
	header := res.Schema.Header()
	want := []string{"id", "user.name", "score"}
	if len(header) != len(want) {
		t.Fatalf("columns = %v, want %v", header, want)
	}
	for i := range want {
		if header[i] != want[i] {
			t.Fatalf("columns = %v, want %v", header, want)
		}
	}
	if len(res.Evolution) != 3 {
		t.Fatalf("evolution = %d events, want 3", len(res.Evolution))
	}
	if res.Truncated {
		t.Fatalf("truncated = true on a full scan")
	}
}

/*
TestProbeCountsParseErrors
*/
func TestProbeCountsParseErrors(t *testing.T) {
	path := writeInput(t, "in.ndjson",
		`{"id":1}`+"\n"+`{broken`+"\n"+`{"id":2}`+"\n")

	res, err := Probe(context.Background(), defaults(path))
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.Records != 2 || res.ParseErrors != 1 {
		t.Fatalf("records = %d errors = %d, want 2 and 1", res.Records, res.ParseErrors)
	}
}

/*
TestProbeMaxRecordsTruncates
*/
func TestProbeMaxRecordsTruncates(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 5; i++ {
		b.WriteString(`{"id":1}` + "\n")
	}
	path := writeInput(t, "in.ndjson", b.String())

	opts := defaults(path)
	opts.MaxRecords = 2
	res, err := Probe(context.Background(), opts)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.Records != 2 || !res.Truncated {
		t.Fatalf("records = %d truncated = %v, want 2 and true", res.Records, res.Truncated)
	}
}

/*
TestProbeReportsConflict

A scalar column turning into an object is not coercible. The probe keeps
the schema from before the conflicting record and surfaces the conflict
instead of failing.
*/
func TestProbeReportsConflict(t *testing.T) {
	path := writeInput(t, "in.ndjson",
		`{"a":1}`+"\n"+`{"a":{"b":2}}`+"\n")

	res, err := Probe(context.Background(), defaults(path))
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.Conflict == "" {
		t.Fatalf("conflict empty, want the shape change reported")
	}
	if res.Records != 1 {
		t.Fatalf("records = %d, want 1 (the record before the conflict)", res.Records)
	}
	if h := res.Schema.Header(); len(h) != 1 || h[0] != "a" {
		t.Fatalf("columns = %v, want [a]", h)
	}
}

/*
TestProbeAutoDetectsArray
*/
func TestProbeAutoDetectsArray(t *testing.T) {
	path := writeInput(t, "in.json", `[{"id":1},{"id":2}]`)

	res, err := Probe(context.Background(), defaults(path))
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.Mode != "array" {
		t.Fatalf("mode = %q, want array", res.Mode)
	}
	if res.Records != 2 {
		t.Fatalf("records = %d, want 2", res.Records)
	}
}

/*
TestRenderRoundTrips
*/
func TestRenderRoundTrips(t *testing.T) {
	path := writeInput(t, "in.ndjson", `{"id":1}`+"\n")

	res, err := Probe(context.Background(), defaults(path))
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	body, err := res.Render()
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("rendered body is not JSON: %v", err)
	}
	if out["records"].(float64) != 1 {
		t.Fatalf("records = %v, want 1", out["records"])
	}
}
