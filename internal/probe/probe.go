// Package probe samples a JSON source and reports the schema a conversion
// would infer from it: the flattened columns with their types, the
// evolution steps the sample went through, and the parse error count.
// It writes no output files; the rendered result is a JSON document for
// sizing and debugging conversion jobs.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"jsoncsv/internal/datasource"
	"jsoncsv/internal/decoder"
	"jsoncsv/internal/schema"
)

// Options control the sampling behavior.
type Options struct {
	// Path of the input file. "-" reads stdin.
	Path string

	// Format forces the top-level shape: auto, ndjson or array.
	Format string

	// MaxRecords bounds the sample. 0 scans the whole input.
	MaxRecords int64

	// ArrayFlattenMode and ColumnNameMode mirror the conversion settings,
	// so the probe reports the columns a conversion with the same config
	// would actually produce.
	ArrayFlattenMode string
	ColumnNameMode   string
}

// Result summarizes one probed source.
type Result struct {
	Path        string `json:"path"`
	Mode        string `json:"mode"`
	Compression string `json:"compression,omitempty"`

	Records     int64 `json:"records"`
	ParseErrors int64 `json:"parse_errors"`

	// Truncated marks a sample cut short by MaxRecords; columns seen only
	// later in the input are missing from the schema.
	Truncated bool `json:"truncated,omitempty"`

	// Conflict is set when the sample hit an irreconcilable shape change.
	// The schema reflects the records before the conflicting one.
	Conflict string `json:"conflict,omitempty"`

	Schema    *schema.Snapshot `json:"schema"`
	Evolution []schema.Event   `json:"evolution,omitempty"`
}

// Render returns the result as an indented JSON document with a trailing
// newline, ready to print.
func (r *Result) Render() ([]byte, error) {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode probe result: %w", err)
	}
	return append(b, '\n'), nil
}

// Probe scans the source and infers its schema. Malformed records are
// counted and skipped like the lenient conversion policies do; only a
// broken top-level framing (for example an unterminated array) fails the
// probe.
func Probe(ctx context.Context, opts Options) (*Result, error) {
	mode, err := decoder.ParseMode(opts.Format)
	if err != nil {
		return nil, err
	}
	arrays, err := schema.ParseArrayMode(opts.ArrayFlattenMode)
	if err != nil {
		return nil, err
	}
	names, err := schema.ParseNameMode(opts.ColumnNameMode)
	if err != nil {
		return nil, err
	}

	src, err := datasource.Open(ctx, opts.Path)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	dec := decoder.New(src.Reader(), decoder.Config{Mode: mode})
	tr := schema.NewTracker(arrays, names)

	res := &Result{Path: src.Path()}
	if c := src.Compression(); c != datasource.None {
		res.Compression = c.String()
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		var pe *decoder.ParseError
		if errors.As(err, &pe) && !pe.Fatal {
			res.ParseErrors++
			continue
		}
		if err != nil {
			return nil, err
		}

		flat := schema.Flatten(rec.Val, arrays)
		if _, err := tr.ObserveFlat(rec.Val, flat, rec.Start); err != nil {
			var ce *schema.ConflictError
			if errors.As(err, &ce) {
				res.Conflict = ce.Error()
				break
			}
			return nil, err
		}
		res.Records++
		if opts.MaxRecords > 0 && res.Records >= opts.MaxRecords {
			res.Truncated = true
			break
		}
	}

	res.Mode = dec.Mode().String()
	res.Schema = tr.Snapshot()
	res.Evolution = tr.Log()
	return res, nil
}
