// Package config defines the canonical, JSON-serializable configuration model
// for the JSON→CSV conversion pipeline. It is intentionally small, explicit,
// and dependency-free so that conversion jobs can be loaded from disk (or
// other sources) and passed through the program without additional glue code.
//
// Design goals:
//
//  1. Stability: Changes to this package should be additive and backwards-
//     compatible whenever possible.
//  2. Clarity: Field names in Go mirror the JSON structure used in job files.
//  3. Minimalism: No third-party config libraries; decoding is performed by the
//     standard library, with a light Options helper for typed access.
//
// Example (trimmed):
//
//	{
//	  "job":    "orders-2024",
//	  "source": { "path": "orders.ndjson", "format": "auto" },
//	  "output": { "dir": "out" },
//	  "output_chunk_rows": 1000000,
//	  "null_handling": "empty_string",
//	  "error_policy": "lenient_quarantine"
//	}
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Enumerated values for the policy fields below. Validate rejects anything
// not listed here.
const (
	FormatAuto   = "auto"
	FormatNDJSON = "ndjson"
	FormatArray  = "array"

	NullEmptyString = "empty_string"
	NullLiteral     = "null_literal"
	NullSkipField   = "skip_field"

	PolicyStrict     = "strict"
	PolicySkip       = "lenient_skip"
	PolicyQuarantine = "lenient_quarantine"

	ArrayIndexedColumns = "indexed_columns"
	ArrayJSONString     = "json_string"

	NamesRaw        = "raw"
	NamesNormalized = "normalized"
)

// DefaultReadAhead is the decoder read-ahead buffer bound applied when
// chunk_size_bytes is absent from the job file.
const DefaultReadAhead = 64 << 20

// Conversion describes one full conversion job in JSON. It is the top-level
// object decoded from a job file.
type Conversion struct {
	// Job names the run. It is used for metrics labeling and in the metadata
	// report; it has no effect on conversion behavior.
	Job string `json:"job"`

	// Source describes where input bytes come from.
	Source Source `json:"source"`

	// Output describes where chunk files and reports are written.
	Output Output `json:"output"`

	// ChunkSizeBytes bounds the decoder's read-ahead buffer. It caps the
	// memory spent on input buffering per worker, not the output chunk size.
	ChunkSizeBytes int64 `json:"chunk_size_bytes"`

	// Rotation thresholds. Any threshold crossing triggers rotation at the
	// next record boundary; a zero value disables that threshold.
	OutputChunkSizeBytes int64 `json:"output_chunk_size_bytes"`
	OutputChunkRows      int64 `json:"output_chunk_rows"`
	OutputChunkSeconds   int   `json:"output_chunk_seconds"`

	// CheckpointSeconds additionally commits a checkpoint mid-chunk every
	// interval, for deployments whose chunks take a long time to fill.
	// Zero disables interval commits; rotation commits always happen.
	CheckpointSeconds int `json:"checkpoint_seconds"`

	// ParallelWorkers sets the worker pool size. 1 runs the single-pipeline
	// path, which is also the only mode for non-seekable (e.g. compressed)
	// sources.
	ParallelWorkers int `json:"parallel_workers"`

	// Resume attempts to continue from the checkpoint file in Output.Dir.
	Resume bool `json:"resume"`

	// NullHandling selects how JSON nulls and schema-absent fields render:
	// empty_string, null_literal, or skip_field.
	NullHandling string `json:"null_handling"`

	// ErrorPolicy governs malformed records: strict, lenient_skip, or
	// lenient_quarantine.
	ErrorPolicy string `json:"error_policy"`

	// ArrayFlattenMode selects indexed_columns (tags.0, tags.1, ...) or
	// json_string (one column holding the JSON-encoded array).
	ArrayFlattenMode string `json:"array_flatten_mode"`

	// ColumnNameMode selects raw (flattened JSON keys as-is) or normalized
	// (diacritics folded, lower_snake identifiers).
	ColumnNameMode string `json:"column_name_mode"`

	// Delimiter is the single-rune CSV field separator.
	Delimiter string `json:"delimiter"`

	// IncludeFields / ExcludeFields filter flattened column names. An empty
	// include list means "all fields"; exclusion wins over inclusion.
	IncludeFields []string `json:"include_fields"`
	ExcludeFields []string `json:"exclude_fields"`

	// FieldTypes optionally declares a type per flattened column name
	// (bool|int|float|string). Declared fields are coerced at transform
	// time; a value that cannot be coerced is a transform error handled per
	// ErrorPolicy.
	FieldTypes map[string]string `json:"field_types"`

	// DateFields names columns parsed as dates and re-rendered with
	// DateFormat. DateLayouts lists accepted input layouts; when empty,
	// RFC 3339 and plain dates ("2006-01-02") are accepted.
	DateFields  []string `json:"date_fields"`
	DateFormat  string   `json:"date_format"`
	DateLayouts []string `json:"date_layouts"`

	// NumericPrecision fixes the number of decimal places for float cells.
	// -1 renders the shortest representation that round-trips.
	NumericPrecision int `json:"numeric_precision"`

	// Options is a free-form map for knobs that have not earned a typed
	// field yet.
	Options Options `json:"options"`
}

// Source identifies the input byte stream.
type Source struct {
	// Path is the local filesystem path to the input file. "-" reads stdin
	// (single-worker mode only).
	Path string `json:"path"`

	// Format forces the top-level shape: auto (peek first byte), ndjson, or
	// array.
	Format string `json:"format"`
}

// Output holds destination settings for chunk files and reports.
type Output struct {
	// Dir is the directory receiving chunk_<NNN>.csv, schema.json,
	// metadata.json, checkpoint.json and the quarantine file. Created if
	// absent.
	Dir string `json:"dir"`

	// Prefix overrides the chunk filename prefix. Default "chunk_".
	Prefix string `json:"prefix"`

	// QuarantineFile overrides the quarantine sink filename, relative to
	// Dir. Default "quarantine.csv".
	QuarantineFile string `json:"quarantine_file"`
}

// Default returns a Conversion pre-filled with documented defaults. Load
// decodes the job file over this value, so absent keys keep their defaults
// while explicit zeroes stay meaningful (e.g. numeric_precision: 0 rounds to
// integers, while an absent key leaves -1 = shortest).
func Default() Conversion {
	return Conversion{
		Source: Source{Format: FormatAuto},
		Output: Output{
			Prefix:         "chunk_",
			QuarantineFile: "quarantine.csv",
		},
		ChunkSizeBytes:       DefaultReadAhead,
		OutputChunkSizeBytes: 128 << 20,
		ParallelWorkers:      1,
		NullHandling:         NullEmptyString,
		ErrorPolicy:          PolicyStrict,
		ArrayFlattenMode:     ArrayIndexedColumns,
		ColumnNameMode:       NamesRaw,
		Delimiter:            ",",
		NumericPrecision:     -1,
		Options:              Options{},
	}
}

// Load reads and decodes a job file, layered over Default values.
func Load(path string) (Conversion, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// Options is a small helper to fetch typed values from arbitrary JSON maps
// without introducing third-party configuration libraries. It purposefully
// performs only minimal type coercion and returns provided defaults when a key
// is absent or of an unexpected type.
type Options map[string]any

// String returns the string value for key or def if key is missing or not a string.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Bool returns the bool value for key or def if key is missing or not a bool.
func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Int returns the int value for key or def. JSON numbers are decoded as
// float64 by encoding/json, so this method accepts float64 and casts to int.
// If the value is neither float64 nor int, def is returned.
func (o Options) Int(key string, def int) int {
	if v, ok := o[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return def
}

// Rune returns the first rune of a string value for key, or def if key is
// missing or empty. This is useful for single-character settings such as a
// CSV delimiter.
func (o Options) Rune(key string, def rune) rune {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok && len(s) > 0 {
			return []rune(s)[0]
		}
	}
	return def
}

// StringMap returns a map[string]string for key when the value is an object
// whose values are strings. Non-string values are ignored. Returns an empty map
// when the key is missing or the value is not an object.
func (o Options) StringMap(key string) map[string]string {
	res := map[string]string{}
	if v, ok := o[key]; ok {
		if m, ok := v.(map[string]any); ok {
			for k, vv := range m {
				if s, ok := vv.(string); ok {
					res[k] = s
				}
			}
		}
	}
	return res
}

// StringSlice returns a []string for key when the value is an array of strings
// (or an array of interface values containing strings). Returns nil when the
// key is missing or the value is not an array.
func (o Options) StringSlice(key string) []string {
	if v, ok := o[key]; ok {
		switch vv := v.(type) {
		case []any:
			out := make([]string, 0, len(vv))
			for _, x := range vv {
				if s, ok := x.(string); ok {
					out = append(out, s)
				}
			}
			return out
		case []string:
			return vv
		}
	}
	return nil
}

// Any returns the raw value for key (which may itself be a nested
// map[string]any, []any, or primitive). This is useful for retrieving nested
// configuration blocks that will be unmarshaled into a typed struct by the
// caller.
func (o Options) Any(key string) any {
	if v, ok := o[key]; ok {
		return v
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler so that a missing or null "options"
// object in JSON decodes to a non-nil, empty Options map. This simplifies call
// sites by removing the need to nil-check Options values.
func (o *Options) UnmarshalJSON(b []byte) error {
	var tmp map[string]any
	if len(b) == 0 || string(b) == "null" {
		*o = Options{}
		return nil
	}
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*o = Options(tmp)
	return nil
}
