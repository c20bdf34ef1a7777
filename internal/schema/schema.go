// Package schema infers and evolves a flat column schema from decoded JSON
// records:
//   - nested objects flatten to dot-joined column paths, arrays either to
//     index-suffixed columns or to one JSON-encoded string column
//   - a column's type only widens along null → bool → integer → float →
//     string; it never narrows and is never removed
//   - a path seen as a scalar in one record and as a container in another is
//     an irreconcilable shape conflict and fails the pass
//
// Every field introduction and widening is appended to an evolution log so
// chunk files written under different snapshots can be reconciled later.
// A Tracker belongs to one pipeline instance and is not safe for concurrent
// use.
package schema

import (
	"fmt"

	"jsoncsv/internal/value"
)

// ArrayMode selects how array values become columns.
type ArrayMode uint8

const (
	// ArrayIndexed flattens elements to index-suffixed columns (tags.0).
	ArrayIndexed ArrayMode = iota
	// ArrayJSON keeps the whole array as one JSON-encoded string column.
	ArrayJSON
)

// ParseArrayMode maps a configured mode name to an ArrayMode.
func ParseArrayMode(s string) (ArrayMode, error) {
	switch s {
	case "indexed_columns", "":
		return ArrayIndexed, nil
	case "json_string":
		return ArrayJSON, nil
	}
	return ArrayIndexed, fmt.Errorf("unknown array_flatten_mode %q", s)
}

// NameMode selects how flattened paths become CSV column names.
type NameMode uint8

const (
	// NamesRaw uses the flattened path verbatim.
	NamesRaw NameMode = iota
	// NamesNormalized folds names to lower_snake ASCII identifiers.
	NamesNormalized
)

// ParseNameMode maps a configured mode name to a NameMode.
func ParseNameMode(s string) (NameMode, error) {
	switch s {
	case "raw", "":
		return NamesRaw, nil
	case "normalized":
		return NamesNormalized, nil
	}
	return NamesRaw, fmt.Errorf("unknown column_name_mode %q", s)
}

// ConflictError reports a path whose shape changed irreconcilably between
// records. No coercion between a scalar column and a nested container is
// safe, so this aborts the pass.
type ConflictError struct {
	Path   string
	Offset int64
	Prev   string
	New    string
}

func (e *ConflictError) Error() string {
	p := e.Path
	if p == "" {
		p = "(record root)"
	}
	return fmt.Sprintf("schema conflict at %q (record at byte %d): previously %s, now %s",
		p, e.Offset, e.Prev, e.New)
}

// Column is one schema column. Name is the display identifier written to CSV
// headers; Path is the flattened source path that identifies the field. The
// JSON form appears in schema.json and in checkpoints.
type Column struct {
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	Type     value.Kind `json:"type"`
	Nullable bool       `json:"nullable"`
}

// Widening records one lattice step for an existing column.
type Widening struct {
	Path string
	From value.Kind
	To   value.Kind
}

// Delta reports what a single Observe changed. An empty Delta means the
// record fit the schema as-is.
type Delta struct {
	Added   []Column
	Widened []Widening
}

// Empty reports whether the Observe changed nothing.
func (d Delta) Empty() bool { return len(d.Added) == 0 && len(d.Widened) == 0 }

// Event is one evolution log entry, serialized into schema.json.
type Event struct {
	Version int    `json:"version"`
	Offset  int64  `json:"offset"`
	Change  string `json:"change"` // "added" or "widened"
	Column  string `json:"column"`
	Path    string `json:"path"`
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
}

// Snapshot is an immutable versioned view of the columns. Rows and chunk
// headers are always produced against a snapshot, never against the live
// tracker, so a chunk's column set is fixed the moment the chunk opens.
type Snapshot struct {
	Version int      `json:"version"`
	Columns []Column `json:"columns"`
}

// Header returns the CSV header row for this snapshot.
func (s *Snapshot) Header() []string {
	h := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		h[i] = c.Name
	}
	return h
}

type field struct {
	col     int
	typ     value.Kind
	sawNull bool
	late    bool // introduced after the first record (or after a resume)
}

// Tracker owns the evolving schema for one pipeline instance.
type Tracker struct {
	arrays ArrayMode
	names  NameMode

	fields   map[string]*field
	interior map[string]struct{}
	used     map[string]struct{}
	columns  []Column
	log      []Event

	version  int
	records  int64
	restored bool
}

// NewTracker builds an empty Tracker.
func NewTracker(arrays ArrayMode, names NameMode) *Tracker {
	return &Tracker{
		arrays:   arrays,
		names:    names,
		fields:   make(map[string]*field),
		interior: make(map[string]struct{}),
		used:     make(map[string]struct{}),
	}
}

// Restore rebuilds a Tracker from a checkpointed snapshot so column order
// and types stay stable across a resume. Fields added after the restore are
// marked nullable: the snapshot proves earlier records lacked them.
func Restore(snap *Snapshot, arrays ArrayMode, names NameMode) *Tracker {
	t := NewTracker(arrays, names)
	t.version = snap.Version
	t.restored = true
	for _, c := range snap.Columns {
		t.columns = append(t.columns, c)
		t.fields[c.Path] = &field{
			col:     len(t.columns) - 1,
			typ:     c.Type,
			sawNull: c.Nullable,
		}
		t.used[c.Name] = struct{}{}
		t.markPrefixes(c.Path)
		if c.Path != "" {
			t.interior[""] = struct{}{}
		}
	}
	return t
}

// Version returns the current schema version. It starts at 0 (no columns)
// and increments once per record that changed the schema.
func (t *Tracker) Version() int { return t.version }

// Log returns a copy of the evolution log so far.
func (t *Tracker) Log() []Event {
	out := make([]Event, len(t.log))
	copy(out, t.log)
	return out
}

// Snapshot returns an immutable copy of the current columns.
func (t *Tracker) Snapshot() *Snapshot {
	cols := make([]Column, len(t.columns))
	copy(cols, t.columns)
	for i := range cols {
		f := t.fields[cols[i].Path]
		cols[i].Nullable = f.sawNull || f.late
	}
	return &Snapshot{Version: t.version, Columns: cols}
}

// Observe folds one record into the schema and reports the delta. off is
// the record's source byte offset, kept for conflict reports and the
// evolution log. The record is validated as a whole first: a *ConflictError
// leaves the schema exactly as it was.
func (t *Tracker) Observe(v value.Value, off int64) (Delta, error) {
	return t.ObserveFlat(v, Flatten(v, t.arrays), off)
}

// ObserveFlat is Observe for a record the caller already flattened, and
// possibly filtered. Fields dropped before this call never become columns.
// flat must come from Flatten with this Tracker's array mode; v is the
// record's root value, consulted only for root shape checks.
func (t *Tracker) ObserveFlat(v value.Value, flat []FlatField, off int64) (Delta, error) {
	t.records++
	if err := t.validate(v, flat, off); err != nil {
		return Delta{}, err
	}

	var d Delta
	if structuralRoot(v, t.arrays) {
		t.interior[""] = struct{}{}
	}
	for _, ff := range flat {
		t.observeField(ff, &d)
	}

	if !d.Empty() {
		t.version++
		for _, c := range d.Added {
			t.log = append(t.log, Event{
				Version: t.version,
				Offset:  off,
				Change:  "added",
				Column:  c.Name,
				Path:    c.Path,
				To:      c.Type.String(),
			})
		}
		for _, w := range d.Widened {
			t.log = append(t.log, Event{
				Version: t.version,
				Offset:  off,
				Change:  "widened",
				Column:  t.columns[t.fields[w.Path].col].Name,
				Path:    w.Path,
				From:    w.From.String(),
				To:      w.To.String(),
			})
		}
	}
	return d, nil
}

// structuralRoot reports whether the record's top-level value flattens into
// child paths rather than a single root column.
func structuralRoot(v value.Value, arrays ArrayMode) bool {
	switch v.Kind {
	case value.KindObject:
		return true
	case value.KindArray:
		return arrays == ArrayIndexed
	}
	return false
}

// validate checks the whole record against the existing schema and against
// itself (JSON permits duplicate keys) before anything is applied.
func (t *Tracker) validate(v value.Value, flat []FlatField, off int64) error {
	var (
		staged   map[string]value.Kind
		stagedIn map[string]struct{}
	)
	stageInterior := func(p string) {
		if stagedIn == nil {
			stagedIn = make(map[string]struct{})
		}
		stagedIn[p] = struct{}{}
	}

	if structuralRoot(v, t.arrays) {
		if _, ok := t.fields[""]; ok {
			return &ConflictError{
				Offset: off,
				Prev:   "a scalar value",
				New:    "a nested container",
			}
		}
		stageInterior("")
	}

	for _, ff := range flat {
		if _, known := t.fields[ff.Path]; known {
			continue
		}
		if _, dup := staged[ff.Path]; dup {
			continue
		}
		if _, clash := t.interior[ff.Path]; clash {
			return &ConflictError{
				Path:   ff.Path,
				Offset: off,
				Prev:   "a nested container",
				New:    "a scalar value",
			}
		}
		if _, clash := stagedIn[ff.Path]; clash {
			return &ConflictError{
				Path:   ff.Path,
				Offset: off,
				Prev:   "a nested container",
				New:    "a scalar value",
			}
		}
		for i := 0; i < len(ff.Path); i++ {
			if ff.Path[i] != '.' {
				continue
			}
			p := ff.Path[:i]
			if pf, isCol := t.fields[p]; isCol {
				return &ConflictError{
					Path:   p,
					Offset: off,
					Prev:   "a " + pf.typ.String() + " value",
					New:    "a nested container",
				}
			}
			if k, isCol := staged[p]; isCol {
				return &ConflictError{
					Path:   p,
					Offset: off,
					Prev:   "a " + k.String() + " value",
					New:    "a nested container",
				}
			}
			stageInterior(p)
		}
		if staged == nil {
			staged = make(map[string]value.Kind)
		}
		staged[ff.Path] = ff.V.Kind
	}
	return nil
}

// observeField applies one validated leaf: a new column, a null sighting,
// or a lattice widening.
func (t *Tracker) observeField(ff FlatField, d *Delta) {
	f, ok := t.fields[ff.Path]
	if !ok {
		t.markPrefixes(ff.Path)
		c := Column{
			Name: t.claimName(ff.Path),
			Path: ff.Path,
			Type: ff.V.Kind,
		}
		t.fields[ff.Path] = &field{
			col:     len(t.columns),
			typ:     ff.V.Kind,
			sawNull: ff.V.Kind == value.KindNull,
			late:    t.records > 1 || t.restored,
		}
		t.columns = append(t.columns, c)
		d.Added = append(d.Added, c)
		return
	}
	k := ff.V.Kind
	if k == value.KindNull {
		f.sawNull = true
		return
	}
	if k > f.typ {
		d.Widened = append(d.Widened, Widening{Path: ff.Path, From: f.typ, To: k})
		f.typ = k
		t.columns[f.col].Type = k
	}
}

func (t *Tracker) markPrefixes(path string) {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			t.interior[path[:i]] = struct{}{}
		}
	}
}

// claimName derives a unique display name for a new column under the active
// naming mode. A collision (normalization can merge distinct paths, and the
// root column competes with a literal "value" key) gets a numeric suffix.
func (t *Tracker) claimName(path string) string {
	base := path
	if base == "" {
		base = "value"
	}
	if t.names == NamesNormalized {
		base = NormalizeName(base)
	}
	name := base
	for i := 2; ; i++ {
		if _, taken := t.used[name]; !taken {
			break
		}
		name = fmt.Sprintf("%s_%d", base, i)
	}
	t.used[name] = struct{}{}
	return name
}
