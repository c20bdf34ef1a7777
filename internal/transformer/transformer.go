// Package transformer turns flattened records into CSV-ready rows aligned to
// a schema snapshot.
//
// Design goals:
//   - Pure per-record work: (flattened fields, snapshot, rules) -> Row; the
//     same inputs always give the same row.
//   - Avoid per-row map churn; precompile a per-column rendering plan once
//     per schema snapshot and reuse it for every row of a chunk.
//   - Keep coercion fast and predictable; use zero-alloc date parsing for the
//     common ISO form ("2006-01-02").
//   - All knobs are passed in by the caller; no ambient configuration.
package transformer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"jsoncsv/internal/schema"
	"jsoncsv/internal/value"
)

// Null handling policies. Values match the configuration surface.
const (
	NullEmpty   = "empty_string"
	NullLiteral = "null_literal"
	NullSkip    = "skip_field"
)

// Rules is the transformer's configuration, assembled by the caller from the
// conversion config.
type Rules struct {
	// NullHandling renders explicit nulls and absent fields: "" for
	// empty_string and skip_field, the text "null" for null_literal.
	NullHandling string

	// Include keeps only the listed flattened paths (and their children).
	// Empty means keep everything. Exclude wins on overlap.
	Include []string
	Exclude []string

	// Types declares target types per flattened path: "bool" | "int" |
	// "float" | "string". A value that cannot be coerced is a *RowError.
	Types map[string]string

	// DateFields lists paths whose string values are parsed as dates and
	// re-rendered with DateFormat. DateLayouts overrides the accepted input
	// layouts; empty means the built-in set.
	DateFields  []string
	DateFormat  string
	DateLayouts []string

	// Precision fixes the decimal places of float-typed columns; negative
	// means shortest round-trip form.
	Precision int
}

// RowError reports a value that could not be coerced to its column's
// declared type or date rule. Handling follows the configured error policy.
type RowError struct {
	Offset int64
	Column string
	Path   string
	Err    error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("transform column %q (record at byte %d): %v", e.Column, e.Offset, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// Transformer applies one rule set. It caches the compiled plan for the most
// recent snapshot; a Transformer belongs to one pipeline instance and is not
// safe for concurrent use.
type Transformer struct {
	rules     Rules
	include   pathSet
	exclude   pathSet
	dates     map[string]struct{}
	layouts   []string
	outLayout string
	fastISO   bool
	nullCell  string

	cached *plan
}

// New compiles the static parts of the rules.
func New(rules Rules) *Transformer {
	t := &Transformer{
		rules:     rules,
		include:   pathSet(rules.Include),
		exclude:   pathSet(rules.Exclude),
		layouts:   rules.DateLayouts,
		outLayout: rules.DateFormat,
		fastISO:   len(rules.DateLayouts) == 0,
	}
	if len(rules.DateFields) > 0 {
		t.dates = make(map[string]struct{}, len(rules.DateFields))
		for _, p := range rules.DateFields {
			t.dates[p] = struct{}{}
		}
	}
	if len(t.layouts) == 0 {
		t.layouts = defaultLayouts
	}
	if t.outLayout == "" {
		t.outLayout = "2006-01-02"
	}
	if rules.NullHandling == NullLiteral {
		t.nullCell = "null"
	}
	return t
}

// Filter drops fields removed by the include/exclude rules, in place. It
// runs before schema observation so filtered fields never become columns.
func (t *Transformer) Filter(flat []schema.FlatField) []schema.FlatField {
	if len(t.include) == 0 && len(t.exclude) == 0 {
		return flat
	}
	out := flat[:0]
	for _, ff := range flat {
		if t.keep(ff.Path) {
			out = append(out, ff)
		}
	}
	return out
}

func (t *Transformer) keep(path string) bool {
	if t.exclude.match(path) {
		return false
	}
	if len(t.include) > 0 && !t.include.match(path) {
		return false
	}
	return true
}

// Apply renders one record against snap. Fields newer than the snapshot are
// ignored (they become columns at the next chunk rotation); columns absent
// from the record get the null cell. The returned Row is pooled; the
// consumer frees it.
func (t *Transformer) Apply(flat []schema.FlatField, off int64, snap *schema.Snapshot) (*Row, error) {
	p := t.plan(snap)
	row := GetRow(len(p.cols))
	for i := range p.cols {
		row.Cells[i] = t.nullCell
	}
	for _, ff := range flat {
		i, ok := p.index[ff.Path]
		if !ok {
			continue
		}
		if ff.V.Kind == value.KindNull {
			row.Cells[i] = t.nullCell
			continue
		}
		s, err := p.cols[i].render(ff.V)
		if err != nil {
			row.Free()
			return nil, &RowError{Offset: off, Column: p.cols[i].name, Path: ff.Path, Err: err}
		}
		row.Cells[i] = s
	}
	return row, nil
}

// pathSet matches a flattened path or any of its dot-descendants.
type pathSet []string

func (s pathSet) match(path string) bool {
	for _, e := range s {
		if path == e {
			return true
		}
		if len(path) > len(e) && path[len(e)] == '.' && strings.HasPrefix(path, e) {
			return true
		}
	}
	return false
}

// --- plan compilation -------------------------------------------------------

type colPlan struct {
	name   string
	render func(v value.Value) (string, error)
}

// plan holds the per-snapshot rendering table: a path index instead of
// per-row map building, and one closure per column.
type plan struct {
	version int
	index   map[string]int
	cols    []colPlan
}

func (t *Transformer) plan(snap *schema.Snapshot) *plan {
	if t.cached != nil && t.cached.version == snap.Version {
		return t.cached
	}
	p := &plan{
		version: snap.Version,
		index:   make(map[string]int, len(snap.Columns)),
		cols:    make([]colPlan, len(snap.Columns)),
	}
	for i, col := range snap.Columns {
		p.index[col.Path] = i
		p.cols[i] = colPlan{name: col.Name, render: t.renderer(col)}
	}
	t.cached = p
	return p
}

// renderer builds the per-column closure. Declared types take priority, then
// date rules, then a generic rendering by the column's inferred type.
func (t *Transformer) renderer(col schema.Column) func(value.Value) (string, error) {
	if typ, ok := t.rules.Types[col.Path]; ok {
		switch strings.ToLower(typ) {
		case "int":
			return renderInt
		case "float":
			prec := t.rules.Precision
			return func(v value.Value) (string, error) { return renderFloat(v, prec) }
		case "bool":
			return renderBool
		case "string":
			return func(v value.Value) (string, error) { return v.Text(-1), nil }
		}
	}
	if _, ok := t.dates[col.Path]; ok {
		return func(v value.Value) (string, error) { return t.renderDate(v) }
	}
	if col.Type == value.KindFloat {
		prec := t.rules.Precision
		return func(v value.Value) (string, error) { return v.Text(prec), nil }
	}
	return func(v value.Value) (string, error) { return v.Text(-1), nil }
}

func renderInt(v value.Value) (string, error) {
	switch v.Kind {
	case value.KindInteger:
		return strconv.FormatInt(v.I, 10), nil
	case value.KindFloat:
		if v.F == float64(int64(v.F)) {
			return strconv.FormatInt(int64(v.F), 10), nil
		}
		return "", fmt.Errorf("float %v has a fractional part", v.F)
	case value.KindString:
		if i, ok := toIntFast(v.S); ok {
			return strconv.FormatInt(i, 10), nil
		}
		return "", fmt.Errorf("%q is not an integer", v.S)
	}
	return "", fmt.Errorf("cannot coerce %s to int", v.Kind)
}

func renderFloat(v value.Value, prec int) (string, error) {
	switch v.Kind {
	case value.KindInteger:
		return formatFloat(float64(v.I), prec), nil
	case value.KindFloat:
		return formatFloat(v.F, prec), nil
	case value.KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.S), 64)
		if err != nil {
			return "", fmt.Errorf("%q is not a number", v.S)
		}
		return formatFloat(f, prec), nil
	}
	return "", fmt.Errorf("cannot coerce %s to float", v.Kind)
}

func renderBool(v value.Value) (string, error) {
	switch v.Kind {
	case value.KindBool:
		return strconv.FormatBool(v.B), nil
	case value.KindInteger:
		switch v.I {
		case 0:
			return "false", nil
		case 1:
			return "true", nil
		}
		return "", fmt.Errorf("%d is not a boolean", v.I)
	case value.KindString:
		if b, ok := toBoolFast(v.S); ok {
			return strconv.FormatBool(b), nil
		}
		return "", fmt.Errorf("%q is not a boolean", v.S)
	}
	return "", fmt.Errorf("cannot coerce %s to bool", v.Kind)
}

func (t *Transformer) renderDate(v value.Value) (string, error) {
	if v.Kind != value.KindString {
		return "", fmt.Errorf("cannot parse %s as a date", v.Kind)
	}
	s := strings.TrimSpace(v.S)
	if t.fastISO {
		if ts, ok := parseISODate(s); ok {
			return ts.Format(t.outLayout), nil
		}
	}
	for _, layout := range t.layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.Format(t.outLayout), nil
		}
	}
	return "", fmt.Errorf("%q matches no date layout", v.S)
}

func formatFloat(f float64, prec int) string {
	if prec < 0 {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return strconv.FormatFloat(f, 'f', prec, 64)
}

// --- helpers (fast, allocation-conscious) -----------------------------------

// toIntFast parses integers quickly and only falls back to float parsing
// when the field contains a '.' (supporting inputs like "42.0").
func toIntFast(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true
	}
	if strings.IndexByte(s, '.') >= 0 {
		if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int64(f)) {
			return int64(f), true
		}
	}
	return 0, false
}

// toBoolFast resolves booleans from a small case-insensitive vocabulary.
func toBoolFast(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "yes", "y":
		return true, true
	case "0", "f", "false", "no", "n":
		return false, true
	}
	return false, false
}

// parseISODate is a zero-allocation parser for "2006-01-02", the dominant
// date form in JSON payloads. Returns (zero, false) on any other input.
func parseISODate(s string) (time.Time, bool) {
	if len(s) != 10 || s[4] != '-' || s[7] != '-' {
		return time.Time{}, false
	}
	y3, y2, y1, y0 := s[0]-'0', s[1]-'0', s[2]-'0', s[3]-'0'
	m1, m0 := s[5]-'0', s[6]-'0'
	d1, d0 := s[8]-'0', s[9]-'0'
	if y3 > 9 || y2 > 9 || y1 > 9 || y0 > 9 || m1 > 9 || m0 > 9 || d1 > 9 || d0 > 9 {
		return time.Time{}, false
	}
	year := int(y3)*1000 + int(y2)*100 + int(y1)*10 + int(y0)
	mon := int(m1)*10 + int(m0)
	day := int(d1)*10 + int(d0)
	if mon < 1 || mon > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(mon), day, 0, 0, 0, 0, time.UTC), true
}

// defaultLayouts are the input forms accepted for date fields when no
// explicit layouts are configured, most specific first.
var defaultLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"02.01.2006",
	"02/01/2006",
	"20060102",
}

// ValidateRules rejects rule sets that reference unknown declared types.
// Path typos cannot be caught here: fields appear over the stream's
// lifetime, so an unmatched path is indistinguishable from a late one.
func ValidateRules(rules Rules) error {
	for path, typ := range rules.Types {
		switch strings.ToLower(typ) {
		case "bool", "int", "float", "string":
		default:
			return fmt.Errorf("field_types[%q]: unknown type %q", path, typ)
		}
	}
	switch rules.NullHandling {
	case "", NullEmpty, NullLiteral, NullSkip:
	default:
		return errors.New("unknown null_handling " + strconv.Quote(rules.NullHandling))
	}
	return nil
}
