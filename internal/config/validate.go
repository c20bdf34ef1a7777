// This file adds a lightweight linter/validator for Conversion values. It
// performs static checks over a decoded Conversion and returns a list of
// issues (errors and warnings) that callers can surface in a CLI or tests.
package config

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a configuration warning that should be surfaced
	// to users but may not necessarily block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation/lint finding for a Conversion.
//
// Path is a dotted path into the config (e.g. "source.path",
// "field_types.user.age"). Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue in the slice is SeverityError.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate performs static validation / linting of a Conversion.
//
// It does not mutate the config. Instead it returns a slice of Issue values.
// Callers may decide whether to treat warnings as fatal or not.
//
// Example:
//
//	cfg, err := config.Load(path)
//	if err != nil { ... }
//	issues := config.Validate(cfg)
//	for _, iss := range issues {
//	    fmt.Printf("%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
//	}
func Validate(c Conversion) []Issue {
	var issues []Issue

	if strings.TrimSpace(c.Job) == "" {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "job",
			Message:  "job is empty; metrics and metadata will carry a generated run id only",
		})
	}
	issues = append(issues, validateSource(c.Source)...)
	issues = append(issues, validateOutput(c.Output)...)
	issues = append(issues, validatePolicies(c)...)
	issues = append(issues, validateThresholds(c)...)
	issues = append(issues, validateTransformRules(c)...)

	return issues
}

// validateSource validates Source configuration.
func validateSource(s Source) []Issue {
	var issues []Issue

	if strings.TrimSpace(s.Path) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "source.path",
			Message:  "source.path must not be empty (use \"-\" for stdin)",
		})
	}

	known := map[string]struct{}{
		FormatAuto:   {},
		FormatNDJSON: {},
		FormatArray:  {},
	}
	if _, ok := known[s.Format]; !ok {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "source.format",
			Message:  fmt.Sprintf("unknown format %q; expected auto, ndjson or array", s.Format),
		})
	}

	return issues
}

// validateOutput validates Output configuration.
func validateOutput(o Output) []Issue {
	var issues []Issue

	if strings.TrimSpace(o.Dir) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "output.dir",
			Message:  "output.dir must not be empty",
		})
	}
	if strings.ContainsAny(o.Prefix, "/\\") {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "output.prefix",
			Message:  "output.prefix must not contain path separators",
		})
	}

	return issues
}

// validatePolicies checks the enumerated policy fields.
func validatePolicies(c Conversion) []Issue {
	var issues []Issue

	check := func(path, got string, allowed ...string) {
		for _, a := range allowed {
			if got == a {
				return
			}
		}
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     path,
			Message:  fmt.Sprintf("unknown value %q; expected one of %s", got, strings.Join(allowed, ", ")),
		})
	}

	check("null_handling", c.NullHandling, NullEmptyString, NullLiteral, NullSkipField)
	check("error_policy", c.ErrorPolicy, PolicyStrict, PolicySkip, PolicyQuarantine)
	check("array_flatten_mode", c.ArrayFlattenMode, ArrayIndexedColumns, ArrayJSONString)
	check("column_name_mode", c.ColumnNameMode, NamesRaw, NamesNormalized)

	if n := utf8.RuneCountInString(c.Delimiter); n != 1 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "delimiter",
			Message:  fmt.Sprintf("delimiter must be exactly one rune, got %d", n),
		})
	} else {
		switch r, _ := utf8.DecodeRuneInString(c.Delimiter); r {
		case '"', '\n', '\r':
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "delimiter",
				Message:  "delimiter must not be a quote or newline character",
			})
		}
	}

	return issues
}

// validateThresholds checks buffer sizes, rotation thresholds and worker
// counts for obvious misconfigurations.
func validateThresholds(c Conversion) []Issue {
	var issues []Issue

	if c.ChunkSizeBytes <= 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "chunk_size_bytes",
			Message:  "read-ahead bound must be positive",
		})
	} else if c.ChunkSizeBytes < 4096 {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "chunk_size_bytes",
			Message:  fmt.Sprintf("read-ahead of %d bytes is very small; records longer than this cannot be decoded", c.ChunkSizeBytes),
		})
	}
	if c.OutputChunkSizeBytes < 0 || c.OutputChunkRows < 0 || c.OutputChunkSeconds < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "output_chunk_*",
			Message:  "rotation thresholds must not be negative",
		})
	}
	if c.OutputChunkSizeBytes == 0 && c.OutputChunkRows == 0 && c.OutputChunkSeconds == 0 {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "output_chunk_size_bytes",
			Message:  "all rotation thresholds are disabled; the whole input will land in one chunk",
		})
	}
	if c.CheckpointSeconds < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "checkpoint_seconds",
			Message:  "checkpoint interval must not be negative",
		})
	}
	if c.ParallelWorkers < 1 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "parallel_workers",
			Message:  "parallel_workers must be at least 1",
		})
	}
	if c.ParallelWorkers > 1 && c.Source.Path == "-" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "parallel_workers",
			Message:  "stdin is not seekable; parallel mode requires a regular file",
		})
	}

	return issues
}

// validateTransformRules checks filter lists, declared types and date rules.
func validateTransformRules(c Conversion) []Issue {
	var issues []Issue

	excluded := map[string]struct{}{}
	for _, f := range c.ExcludeFields {
		excluded[f] = struct{}{}
	}
	for _, f := range c.IncludeFields {
		if _, ok := excluded[f]; ok {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Path:     "include_fields",
				Message:  fmt.Sprintf("field %q is both included and excluded; exclusion wins", f),
			})
		}
	}

	knownTypes := map[string]struct{}{
		"bool": {}, "int": {}, "float": {}, "string": {},
	}
	for name, typ := range c.FieldTypes {
		if _, ok := knownTypes[typ]; !ok {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "field_types." + name,
				Message:  fmt.Sprintf("unknown declared type %q; expected bool, int, float or string", typ),
			})
		}
	}

	if c.DateFormat != "" && len(c.DateFields) == 0 {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "date_format",
			Message:  "date_format is set but date_fields is empty; no column will be reformatted",
		})
	}
	if len(c.DateFields) > 0 && c.DateFormat == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "date_fields",
			Message:  "date_fields requires a date_format output layout",
		})
	}
	if c.NumericPrecision < -1 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "numeric_precision",
			Message:  "numeric_precision must be -1 (shortest) or a non-negative digit count",
		})
	}

	return issues
}
