// Package quarantine preserves rejected records in a CSV side file so a
// lenient run loses no evidence. The file appears only when the first
// record is actually quarantined; a clean run leaves nothing behind.
package quarantine

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
)

// maxRawBytes caps the raw column so one overlong damaged record cannot
// bloat the sink.
const maxRawBytes = 8192

var header = []string{"byte_offset", "kind", "detail", "raw"}

// Sink appends quarantined records to one CSV file. Safe for concurrent
// use; parallel workers share a single Sink.
type Sink struct {
	path string

	mu sync.Mutex
	f  *os.File
	w  *csv.Writer
	n  int64
}

// NewSink builds a Sink writing to path. Nothing is created yet.
func NewSink(path string) *Sink {
	return &Sink{path: path}
}

// Add appends one rejected record. The file is created (or reopened for
// append, on resume) on the first call; a fresh file gets the header row.
func (s *Sink) Add(off int64, kind, detail string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		if err := s.open(); err != nil {
			return err
		}
	}
	if len(raw) > maxRawBytes {
		raw = append(raw[:maxRawBytes:maxRawBytes], "... [truncated]"...)
	}
	rec := []string{strconv.FormatInt(off, 10), kind, detail, string(raw)}
	if err := s.w.Write(rec); err != nil {
		return fmt.Errorf("quarantine %s: %w", s.path, err)
	}
	// One flush per record: quarantined records are rare and each one is
	// evidence worth surviving a crash.
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("quarantine %s: %w", s.path, err)
	}
	s.n++
	return nil
}

func (s *Sink) open() error {
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("quarantine %s: %w", s.path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("quarantine %s: %w", s.path, err)
	}
	w := csv.NewWriter(f)
	if fi.Size() == 0 {
		if err := w.Write(header); err != nil {
			f.Close()
			return fmt.Errorf("quarantine %s: header: %w", s.path, err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return fmt.Errorf("quarantine %s: header: %w", s.path, err)
		}
	}
	s.f = f
	s.w = w
	return nil
}

// Count returns how many records this Sink has accepted.
func (s *Sink) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Close finalizes the file if one was ever created.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	s.w.Flush()
	err := s.w.Error()
	if serr := s.f.Sync(); err == nil {
		err = serr
	}
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	s.f = nil
	s.w = nil
	if err != nil {
		return fmt.Errorf("quarantine %s: %w", s.path, err)
	}
	return nil
}
