package decoder

import (
	"errors"
	"fmt"
)

// snippetLen bounds the raw excerpt carried in error messages. Quarantine
// gets the full damaged region via ParseError.Raw; logs get this much.
const snippetLen = 120

// ErrNotSeekable is returned by Seek when the underlying source cannot seek
// (stdin, decompressed streams). Callers fall back to RescanTo.
var ErrNotSeekable = errors.New("source is not seekable")

// ParseError reports malformed input at a known byte offset. Fatal marks
// damage the scanner could not bound to a record boundary (an unterminated
// string swallowing the rest of an array, a region larger than the read-ahead
// window in array mode); such errors abort the pass regardless of the error
// policy, because nothing after them can be trusted.
type ParseError struct {
	Offset int64
	Raw    []byte // damaged region, capped at the read-ahead window
	Err    error
	Fatal  bool
}

// Error renders offset, cause and a bounded snippet.
func (e *ParseError) Error() string {
	s := e.Raw
	if len(s) > snippetLen {
		s = s[:snippetLen]
	}
	return fmt.Sprintf("parse error at byte %d: %v (near %q)", e.Offset, e.Err, s)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *ParseError) Unwrap() error { return e.Err }

// Snippet returns the bounded excerpt used in log lines.
func (e *ParseError) Snippet() string {
	if len(e.Raw) > snippetLen {
		return string(e.Raw[:snippetLen])
	}
	return string(e.Raw)
}
