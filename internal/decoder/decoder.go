// Package decoder turns a JSON byte stream into a lazy sequence of records
// with exact byte spans. It supports two top-level shapes, auto-detected by
// peeking the first non-whitespace byte: '[' starts array mode (elements of
// one top-level array), anything else is newline-delimited mode (one record
// per line).
//
// Memory stays bounded: the decoder holds one sliding window that grows only
// up to the configured read-ahead limit, independent of stream size. Records
// larger than the window are skipped (newline mode) or fatal (array mode,
// where nothing after an unbounded region can be trusted).
//
// Byte offsets are absolute stream positions, which makes Offset() a safe
// checkpoint target: it always points at the start of the next record, never
// inside one.
package decoder

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"jsoncsv/internal/value"
)

// Mode is the top-level input shape.
type Mode uint8

const (
	ModeAuto Mode = iota
	ModeNDJSON
	ModeArray
)

// String returns the mode name used in checkpoints and reports.
func (m Mode) String() string {
	switch m {
	case ModeNDJSON:
		return "ndjson"
	case ModeArray:
		return "array"
	}
	return "auto"
}

// ParseMode maps a stored mode name back to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "ndjson":
		return ModeNDJSON, nil
	case "array":
		return ModeArray, nil
	case "auto", "":
		return ModeAuto, nil
	}
	return ModeAuto, fmt.Errorf("unknown decoder mode %q", s)
}

// RawRecord is one decoded JSON value plus its source byte span [Start, End).
// Raw aliases the decoder's window and is only valid until the next call to
// Next; copy it if it must outlive the iteration.
type RawRecord struct {
	Val   value.Value
	Start int64
	End   int64
	Raw   []byte
}

// Config tunes a Decoder. The zero value auto-detects the mode and applies
// the default read-ahead bound.
type Config struct {
	// Mode forces the top-level shape. ModeAuto peeks the first byte.
	Mode Mode

	// ReadAhead bounds the sliding window in bytes. Default 64MB.
	ReadAhead int

	// BaseOffset is the absolute stream offset of the reader's first byte.
	// Range workers read io.SectionReaders and set this so record spans and
	// Offset() stay absolute.
	BaseOffset int64

	// InArray marks a reader that starts inside a top-level array (a resumed
	// pipeline or a non-first worker range): elements follow immediately,
	// with no leading '['. Implies ModeArray.
	InArray bool

	// AllowTruncated suppresses the unexpected-EOF error when the stream
	// ends mid-array. Worker ranges end at element boundaries by
	// construction, so their readers run out exactly there.
	AllowTruncated bool
}

const (
	defaultReadAhead = 64 << 20
	initialWindow    = 64 << 10
)

var errWindowFull = errors.New("window full")

// Decoder scans one stream. Not safe for concurrent use; parallel mode runs
// one Decoder per worker.
type Decoder struct {
	src io.Reader
	cfg Config
	max int

	mode Mode

	buf    []byte
	bufOff int64 // absolute offset of buf[0]
	r, w   int   // unconsumed window is buf[r:w]
	eof    bool

	sniffed   bool
	inArray   bool
	arrayDone bool
}

// New builds a Decoder over src.
func New(src io.Reader, cfg Config) *Decoder {
	max := cfg.ReadAhead
	if max <= 0 {
		max = defaultReadAhead
	}
	iw := initialWindow
	if iw > max {
		iw = max
	}
	d := &Decoder{
		src:    src,
		cfg:    cfg,
		max:    max,
		mode:   cfg.Mode,
		buf:    make([]byte, iw),
		bufOff: cfg.BaseOffset,
	}
	if cfg.InArray {
		d.mode = ModeArray
		d.sniffed = true
		d.inArray = true
	}
	return d
}

// Mode returns the detected (or configured) shape. Before the first record
// of an auto-detecting decoder it returns ModeAuto.
func (d *Decoder) Mode() Mode { return d.mode }

// Offset returns the absolute offset of the next unconsumed record start.
// It is record-boundary-aligned after every successful or skipped record,
// which is what makes it a safe checkpoint value.
func (d *Decoder) Offset() int64 { return d.abs(d.r) }

func (d *Decoder) abs(i int) int64 { return d.bufOff + int64(i) }

// fill makes at least one more byte available past w, sliding out consumed
// bytes and growing the window up to the read-ahead bound.
func (d *Decoder) fill() error {
	if d.r > 0 {
		n := copy(d.buf, d.buf[d.r:d.w])
		d.bufOff += int64(d.r)
		d.w = n
		d.r = 0
	}
	if d.w == len(d.buf) {
		if len(d.buf) >= d.max {
			return errWindowFull
		}
		sz := len(d.buf) * 2
		if sz > d.max {
			sz = d.max
		}
		nb := make([]byte, sz)
		copy(nb, d.buf[:d.w])
		d.buf = nb
	}
	if d.eof {
		return io.EOF
	}
	n, err := d.src.Read(d.buf[d.w:])
	d.w += n
	if err == io.EOF {
		d.eof = true
		if n == 0 {
			return io.EOF
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	if n == 0 {
		return io.ErrNoProgress
	}
	return nil
}

// skipWS consumes whitespace. Returns io.EOF when the stream ends first.
func (d *Decoder) skipWS() error {
	for {
		for d.r < d.w {
			if !isSpace(d.buf[d.r]) {
				return nil
			}
			d.r++
		}
		if err := d.fill(); err != nil {
			return err
		}
	}
}

// sniff settles the mode on first use and consumes the opening '[' in array
// mode.
func (d *Decoder) sniff() error {
	if d.sniffed {
		return nil
	}
	d.sniffed = true
	err := d.skipWS()
	if err == io.EOF {
		if d.mode == ModeAuto {
			d.mode = ModeNDJSON
		}
		return nil
	}
	if err != nil {
		return err
	}
	c := d.buf[d.r]
	if d.mode == ModeAuto {
		if c == '[' {
			d.mode = ModeArray
		} else {
			d.mode = ModeNDJSON
		}
	}
	if d.mode == ModeArray && !d.inArray {
		if c != '[' {
			return &ParseError{
				Offset: d.abs(d.r),
				Raw:    d.window(snippetLen),
				Err:    errors.New("array mode input does not start with '['"),
				Fatal:  true,
			}
		}
		d.r++
		d.inArray = true
	}
	return nil
}

// window returns up to n unconsumed bytes for error snippets.
func (d *Decoder) window(n int) []byte {
	b := d.buf[d.r:d.w]
	if len(b) > n {
		b = b[:n]
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Next returns the next record or io.EOF. Malformed records come back as a
// *ParseError with the decoder already positioned at the next record
// boundary (unless the error is Fatal), so lenient policies can keep
// calling.
func (d *Decoder) Next() (RawRecord, error) {
	if err := d.sniff(); err != nil {
		return RawRecord{}, err
	}
	if d.mode == ModeArray {
		return d.nextArray()
	}
	return d.nextLine()
}

// nextLine extracts one newline-delimited record. Blank lines are skipped.
func (d *Decoder) nextLine() (RawRecord, error) {
	if err := d.skipWS(); err != nil {
		return RawRecord{}, err // io.EOF is the clean end
	}
	start := d.abs(d.r)
	from := 0 // bytes already searched, relative to r; survives window slides
	for {
		if i := bytes.IndexByte(d.buf[d.r+from:d.w], '\n'); i >= 0 {
			end := d.r + from + i
			line := d.buf[d.r:end]
			d.r = end + 1
			return d.record(line, start)
		}
		from = d.w - d.r
		err := d.fill()
		if err == io.EOF {
			line := d.buf[d.r:d.w]
			d.r = d.w
			return d.record(line, start)
		}
		if err == errWindowFull {
			return d.overlongLine(start)
		}
		if err != nil {
			return RawRecord{}, err
		}
	}
}

// record parses one extracted record slice and builds the RawRecord.
func (d *Decoder) record(raw []byte, start int64) (RawRecord, error) {
	raw = bytes.TrimRight(raw, " \t\r")
	v, err := value.Parse(raw)
	if err != nil {
		return RawRecord{}, &ParseError{Offset: start, Raw: raw, Err: err}
	}
	return RawRecord{Val: v, Start: start, End: start + int64(len(raw)), Raw: raw}, nil
}

// overlongLine handles a line that outgrew the window: keep a snippet,
// stream-discard to the next newline, report a recoverable parse error.
func (d *Decoder) overlongLine(start int64) (RawRecord, error) {
	n := d.w - d.r
	if n > snippetLen {
		n = snippetLen
	}
	snip := make([]byte, n)
	copy(snip, d.buf[d.r:d.w])
	for {
		if i := bytes.IndexByte(d.buf[d.r:d.w], '\n'); i >= 0 {
			d.r += i + 1
			break
		}
		d.r = d.w
		err := d.fill()
		if err == io.EOF {
			break
		}
		if err != nil {
			return RawRecord{}, err
		}
	}
	return RawRecord{}, &ParseError{
		Offset: start,
		Raw:    snip,
		Err:    fmt.Errorf("record exceeds read-ahead window (%d bytes)", d.max),
	}
}

// nextArray extracts one element of the top-level array.
func (d *Decoder) nextArray() (RawRecord, error) {
	if d.arrayDone {
		return RawRecord{}, io.EOF
	}
	err := d.skipWS()
	if err == io.EOF {
		if d.cfg.AllowTruncated {
			return RawRecord{}, io.EOF
		}
		d.arrayDone = true
		return RawRecord{}, &ParseError{
			Offset: d.abs(d.r),
			Err:    errors.New("unexpected end of input inside array"),
		}
	}
	if err != nil {
		return RawRecord{}, err
	}

	if d.buf[d.r] == ']' {
		d.r++
		d.arrayDone = true
		switch err := d.skipWS(); err {
		case nil:
			return RawRecord{}, &ParseError{
				Offset: d.abs(d.r),
				Raw:    d.window(snippetLen),
				Err:    errors.New("trailing data after array"),
				Fatal:  true,
			}
		case io.EOF:
			return RawRecord{}, io.EOF
		default:
			return RawRecord{}, err
		}
	}

	start := d.abs(d.r)
	raw, serr := d.scanElement()
	if serr != nil {
		return RawRecord{}, serr
	}
	rec, perr := d.record(raw, start)
	if cerr := d.consumeSep(); cerr != nil {
		return RawRecord{}, cerr
	}
	if perr != nil {
		return RawRecord{}, perr
	}
	return rec, nil
}

// scanElement finds the current element's end (a ',' or the array's ']' at
// top level, outside strings) without consuming the terminator. The element
// bytes stay in the window while the scan runs ahead.
func (d *Decoder) scanElement() ([]byte, error) {
	var st jsonScan
	j := 0 // scan cursor relative to r; survives slides because r slides to 0
	for {
		for d.r+j < d.w {
			c := d.buf[d.r+j]
			if top := st.step(c); top && !st.inStr {
				if (c == ',' && st.depth == 0) || (c == ']' && st.depth < 0) {
					raw := d.buf[d.r : d.r+j]
					d.r += j
					return bytes.TrimRight(raw, " \t\r\n"), nil
				}
			}
			j++
		}
		err := d.fill()
		if err == io.EOF {
			d.arrayDone = true
			return nil, &ParseError{
				Offset: d.abs(d.r),
				Raw:    d.window(snippetLen),
				Err:    errors.New("unexpected end of input inside array element"),
				Fatal:  true,
			}
		}
		if err == errWindowFull {
			d.arrayDone = true
			return nil, &ParseError{
				Offset: d.abs(d.r),
				Raw:    d.window(snippetLen),
				Err:    fmt.Errorf("record exceeds read-ahead window (%d bytes)", d.max),
				Fatal:  true,
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

// consumeSep advances past the ',' (and surrounding whitespace) that follows
// an element, leaving the position at the next element start, at ']', or at
// EOF. Offset() is checkpoint-safe right after it.
func (d *Decoder) consumeSep() error {
	err := d.skipWS()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}
	if d.buf[d.r] == ',' {
		d.r++
		if err := d.skipWS(); err != nil && err != io.EOF {
			return err
		}
	}
	return nil
}

// Seek repositions a seekable source at off and reports whether the offset
// could be proven record-aligned: for newline mode the previous byte must be
// a '\n' (checked via ReadAt), for array mode the next non-space byte must
// begin a value or close the array. Resume treats an unproven offset as
// checkpoint corruption; the manual force-offset path follows up with
// AlignForward instead.
//
// Seeking to a non-zero offset requires an explicit Mode in the Config; the
// shape cannot be sniffed mid-stream.
func (d *Decoder) Seek(off int64) (bool, error) {
	sk, ok := d.src.(io.Seeker)
	if !ok {
		return false, ErrNotSeekable
	}
	if off != 0 && d.mode == ModeAuto {
		return false, errors.New("seek to non-zero offset requires an explicit mode")
	}
	if _, err := sk.Seek(off, io.SeekStart); err != nil {
		return false, fmt.Errorf("seek: %w", err)
	}
	d.resetAt(off)
	return d.verifyAligned(off)
}

// RescanTo advances a non-seekable stream to off by reading and discarding,
// then verifies alignment the same way Seek does. This is the resume path
// for compressed sources, whose offsets address the decompressed stream.
func (d *Decoder) RescanTo(off int64) (bool, error) {
	cur := d.abs(d.r)
	if off < cur {
		return false, fmt.Errorf("cannot rescan backwards: at %d, want %d", cur, off)
	}
	if off == 0 && cur == 0 {
		return true, nil
	}
	if d.mode == ModeAuto {
		return false, errors.New("rescan requires an explicit mode")
	}
	var last byte
	for cur < off {
		if d.r == d.w {
			err := d.fill()
			if err == io.EOF {
				return false, io.ErrUnexpectedEOF
			}
			if err != nil {
				return false, err
			}
		}
		n := int64(d.w - d.r)
		if n > off-cur {
			n = off - cur
		}
		last = d.buf[d.r+int(n)-1]
		d.r += int(n)
		cur += n
	}
	d.sniffed = true
	d.inArray = d.mode == ModeArray
	d.arrayDone = false
	if d.mode == ModeNDJSON {
		return last == '\n', nil
	}
	return d.peekAligned()
}

// resetAt clears window state for a fresh read at off.
func (d *Decoder) resetAt(off int64) {
	d.bufOff = off
	d.r, d.w = 0, 0
	d.eof = false
	d.arrayDone = false
	if off == 0 {
		d.sniffed = false
		d.inArray = false
		if d.cfg.Mode == ModeAuto {
			d.mode = ModeAuto
		}
		if d.cfg.InArray {
			d.sniffed = true
			d.inArray = true
		}
		return
	}
	d.sniffed = true
	d.inArray = d.mode == ModeArray
}

func (d *Decoder) verifyAligned(off int64) (bool, error) {
	if off == 0 {
		return true, nil
	}
	if d.mode == ModeNDJSON {
		if ra, ok := d.src.(io.ReaderAt); ok {
			var b [1]byte
			if _, err := ra.ReadAt(b[:], off-1); err == nil {
				return b[0] == '\n', nil
			}
		}
		return false, nil
	}
	return d.peekAligned()
}

// peekAligned checks that the next non-space byte can begin an array element
// (or close the array). Consumes only whitespace.
func (d *Decoder) peekAligned() (bool, error) {
	err := d.skipWS()
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c := d.buf[d.r]
	return valueStart(c) || c == ']', nil
}

// AlignForward discards bytes up to the next plausible record boundary and
// returns the aligned offset. It backs the manual force-offset override for
// targets that could not be proven aligned: in newline mode the next line
// start is exact; in array mode the scan assumes it starts outside a string,
// so a target inside a string literal can misalign and will surface as a
// parse error on the next record.
func (d *Decoder) AlignForward() (int64, error) {
	if d.mode == ModeAuto {
		return 0, errors.New("align requires an explicit mode")
	}
	if d.mode == ModeNDJSON {
		for {
			if i := bytes.IndexByte(d.buf[d.r:d.w], '\n'); i >= 0 {
				d.r += i + 1
				return d.abs(d.r), nil
			}
			d.r = d.w
			err := d.fill()
			if err == io.EOF {
				return d.abs(d.r), nil
			}
			if err != nil {
				return 0, err
			}
		}
	}

	var st jsonScan
	for {
		for d.r < d.w {
			c := d.buf[d.r]
			top := st.step(c)
			d.r++
			if !top || st.inStr {
				continue
			}
			if c == ',' && st.depth <= 0 {
				if err := d.skipWS(); err != nil && err != io.EOF {
					return 0, err
				}
				return d.abs(d.r), nil
			}
			if c == ']' && st.depth < 0 {
				switch err := d.skipWS(); err {
				case io.EOF:
					d.arrayDone = true
					return d.abs(d.r), nil
				case nil:
					st = jsonScan{} // inner close, keep scanning fresh
				default:
					return 0, err
				}
			}
		}
		err := d.fill()
		if err == io.EOF {
			return d.abs(d.r), nil
		}
		if err != nil && err != errWindowFull {
			return 0, err
		}
		if err == errWindowFull {
			d.r = d.w // nothing structural in a full window; drop it
		}
	}
}
