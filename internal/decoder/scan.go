package decoder

import (
	"bufio"
	"fmt"
	"io"
)

// jsonScan tracks string, escape and nesting state byte by byte. It is the
// one piece of logic shared between record extraction and the lightweight
// pre-scan: both must agree on where records begin or resume would not be
// safe.
type jsonScan struct {
	inStr bool
	esc   bool
	depth int
}

// step feeds one byte through the state machine. It returns true when c is
// structural at the current top level (depth 0, outside any string), which is
// how element terminators (',' and ']') are recognized.
func (s *jsonScan) step(c byte) (top bool) {
	if s.inStr {
		switch {
		case s.esc:
			s.esc = false
		case c == '\\':
			s.esc = true
		case c == '"':
			s.inStr = false
		}
		return false
	}
	switch c {
	case '"':
		s.inStr = true
	case '{', '[':
		s.depth++
	case '}', ']':
		s.depth--
	}
	return s.depth <= 0
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

// valueStart reports whether c can begin a JSON value. Seek verification
// uses it to prove a resumed offset plausible.
func valueStart(c byte) bool {
	switch c {
	case '{', '[', '"', 't', 'f', 'n', '-':
		return true
	}
	return c >= '0' && c <= '9'
}

// ScanArrayCuts streams r once through the boundary state machine and
// returns, for each ascending target offset, the first element-start offset
// at or past it. It decodes nothing and allocates only a fixed read buffer;
// this is the pre-scan parallel mode runs before splitting an array-mode
// source into worker ranges.
//
// A cut of -1 means the stream ended before that target was reached (the
// caller drops the surplus ranges). The scan stops early once all targets
// are resolved.
func ScanArrayCuts(r io.Reader, targets []int64) ([]int64, error) {
	cuts := make([]int64, len(targets))
	for i := range cuts {
		cuts[i] = -1
	}
	if len(targets) == 0 {
		return cuts, nil
	}

	br := bufio.NewReaderSize(r, 256<<10)
	var (
		off       int64
		st        jsonScan
		started   bool // consumed the opening '['
		expectVal bool // next non-space byte begins an element
		ti        int
	)
	for {
		c, err := br.ReadByte()
		if err == io.EOF {
			return cuts, nil
		}
		if err != nil {
			return cuts, fmt.Errorf("pre-scan read: %w", err)
		}
		pos := off
		off++

		if !started {
			if isSpace(c) {
				continue
			}
			if c != '[' {
				return cuts, fmt.Errorf("pre-scan: array mode source starts with %q, not '['", c)
			}
			started = true
			expectVal = true
			continue
		}

		if expectVal {
			if isSpace(c) {
				continue
			}
			if c == ']' { // empty array or trailing position
				return cuts, nil
			}
			// c is the first byte of an element.
			for ti < len(targets) && pos >= targets[ti] {
				cuts[ti] = pos
				ti++
			}
			if ti == len(targets) {
				return cuts, nil
			}
			expectVal = false
			// Fall through: c is also part of the element body.
		}

		if top := st.step(c); top && !st.inStr {
			switch {
			case c == ',' && st.depth == 0:
				expectVal = true
			case c == ']' && st.depth < 0:
				// Array closed.
				return cuts, nil
			}
		}
	}
}

// CountLines scans r and returns the number of non-blank lines, the
// lightweight NDJSON pre-count used by the probe tool. It does not parse.
func CountLines(r io.Reader) (int64, error) {
	br := bufio.NewReaderSize(r, 256<<10)
	var (
		n     int64
		blank = true
	)
	for {
		c, err := br.ReadByte()
		if err == io.EOF {
			if !blank {
				n++
			}
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if c == '\n' {
			if !blank {
				n++
			}
			blank = true
			continue
		}
		if !isSpace(c) {
			blank = false
		}
	}
}
