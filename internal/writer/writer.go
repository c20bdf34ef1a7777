// Package writer produces the chunked CSV output: header-then-data files
// named from a shared sequence, rotated when any configured threshold is
// crossed at a record boundary.
//
// The writer never rotates mid-record: the caller appends a full row, then
// asks ShouldRotate. A finalized chunk is flushed, fsynced and closed before
// its manifest entry is recorded, so a manifest entry always describes bytes
// that are durably on disk.
package writer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/zeebo/xxh3"

	"jsoncsv/internal/schema"
	"jsoncsv/internal/transformer"
)

// Sequence dispenses globally unique chunk indexes. All workers share one,
// which is the only thing that keeps their output filenames disjoint.
type Sequence struct {
	last atomic.Int64
}

// NewSequence returns a Sequence that continues after last (0 for a fresh
// run, so the first chunk is 1).
func NewSequence(last int64) *Sequence {
	s := &Sequence{}
	s.last.Store(last)
	return s
}

// Next allocates the next chunk index.
func (s *Sequence) Next() int64 { return s.last.Add(1) }

// Limits holds the three independent rotation thresholds. Zero disables a
// threshold.
type Limits struct {
	Bytes   int64
	Rows    int64
	Seconds int
}

// ChunkInfo is one finalized chunk's manifest entry.
type ChunkInfo struct {
	Index         int64  `json:"index"`
	Path          string `json:"path"`
	Rows          int64  `json:"rows"`
	Bytes         int64  `json:"bytes"`
	Hash          string `json:"xxh3"`
	SchemaVersion int    `json:"schema_version"`
}

// State describes the open chunk, for mid-chunk checkpoints and resume.
type State struct {
	Index         int64  `json:"index"`
	Path          string `json:"path"`
	Rows          int64  `json:"rows"`
	Bytes         int64  `json:"bytes"`
	SchemaVersion int    `json:"schema_version"`
}

// Config tunes a Writer.
type Config struct {
	Dir       string
	Prefix    string // chunk file name prefix, e.g. "chunk_"
	Delimiter rune
	Limits    Limits
	Seq       *Sequence
}

// Writer owns one worker's chunk files. Not safe for concurrent use; each
// pipeline instance writes through its own Writer, sharing only the
// Sequence.
type Writer struct {
	cfg   Config
	clock func() time.Time

	f     *os.File
	count *countWriter
	csvw  *csv.Writer

	index   int64
	path    string
	rows    int64
	opened  time.Time
	version int

	manifest []ChunkInfo
}

// New builds a Writer. The output directory must already exist.
func New(cfg Config) *Writer {
	if cfg.Prefix == "" {
		cfg.Prefix = "chunk_"
	}
	if cfg.Delimiter == 0 {
		cfg.Delimiter = ','
	}
	return &Writer{cfg: cfg, clock: time.Now}
}

// Active reports whether a chunk is open.
func (w *Writer) Active() bool { return w.f != nil }

// Open allocates the next chunk index, creates its file and writes the
// header row for snap. Rows appended until the next rotation are aligned to
// this snapshot.
func (w *Writer) Open(snap *schema.Snapshot) error {
	if w.f != nil {
		return errors.New("open: chunk already open")
	}
	idx := w.cfg.Seq.Next()
	path := filepath.Join(w.cfg.Dir, fmt.Sprintf("%s%03d.csv", w.cfg.Prefix, idx))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("open chunk %d: %w", idx, err)
	}
	w.install(f, idx, path, 0, newCountWriter(f, 0), snap.Version)
	if err := w.writeRecord(snap.Header()); err != nil {
		return fmt.Errorf("chunk %d header: %w", idx, err)
	}
	return nil
}

// Reopen continues a partially-written chunk recorded by a mid-chunk
// checkpoint: the file is truncated to the committed byte count (discarding
// any unsynced tail from the crashed run) and appending resumes. The
// running hash is rebuilt from the surviving bytes. Closed chunks are never
// reopened.
func (w *Writer) Reopen(st State, snap *schema.Snapshot) error {
	if w.f != nil {
		return errors.New("reopen: chunk already open")
	}
	if snap.Version != st.SchemaVersion {
		return fmt.Errorf("reopen chunk %d: snapshot version %d, checkpoint has %d",
			st.Index, snap.Version, st.SchemaVersion)
	}
	f, err := os.OpenFile(st.Path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("reopen chunk %d: %w", st.Index, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("reopen chunk %d: %w", st.Index, err)
	}
	if fi.Size() < st.Bytes {
		f.Close()
		return fmt.Errorf("reopen chunk %d: file holds %d bytes, checkpoint recorded %d",
			st.Index, fi.Size(), st.Bytes)
	}
	if err := f.Truncate(st.Bytes); err != nil {
		f.Close()
		return fmt.Errorf("reopen chunk %d: truncate: %w", st.Index, err)
	}

	h := xxh3.New()
	if _, err := io.Copy(h, io.NewSectionReader(f, 0, st.Bytes)); err != nil {
		f.Close()
		return fmt.Errorf("reopen chunk %d: rehash: %w", st.Index, err)
	}
	if _, err := f.Seek(st.Bytes, io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("reopen chunk %d: %w", st.Index, err)
	}

	cw := newCountWriter(f, st.Bytes)
	cw.h = h
	w.install(f, st.Index, st.Path, st.Rows, cw, st.SchemaVersion)
	return nil
}

func (w *Writer) install(f *os.File, idx int64, path string, rows int64, cw *countWriter, version int) {
	w.f = f
	w.count = cw
	w.csvw = csv.NewWriter(cw)
	w.csvw.Comma = w.cfg.Delimiter
	w.index = idx
	w.path = path
	w.rows = rows
	w.opened = w.clock()
	w.version = version
}

// Append writes one row to the open chunk. The caller keeps ownership of
// the row and frees it afterwards.
func (w *Writer) Append(row *transformer.Row) error {
	if w.f == nil {
		return errors.New("append: no open chunk")
	}
	if err := w.writeRecord(row.Cells); err != nil {
		return fmt.Errorf("chunk %d: %w", w.index, err)
	}
	w.rows++
	return nil
}

// writeRecord pushes one CSV record through to the counting writer so the
// byte threshold sees every record it has accepted.
func (w *Writer) writeRecord(cells []string) error {
	if err := w.csvw.Write(cells); err != nil {
		return err
	}
	w.csvw.Flush()
	return w.csvw.Error()
}

// ShouldRotate reports whether any threshold is crossed. Called after a
// record is fully appended, never mid-record. An empty chunk never rotates,
// so a single oversized record still lands somewhere.
func (w *Writer) ShouldRotate(now time.Time) bool {
	if w.f == nil || w.rows == 0 {
		return false
	}
	l := w.cfg.Limits
	if l.Bytes > 0 && w.count.n >= l.Bytes {
		return true
	}
	if l.Rows > 0 && w.rows >= l.Rows {
		return true
	}
	if l.Seconds > 0 && now.Sub(w.opened) >= time.Duration(l.Seconds)*time.Second {
		return true
	}
	return false
}

// State returns the open chunk's progress for a mid-chunk checkpoint. The
// caller must Sync first so the recorded bytes are durable.
func (w *Writer) State() State {
	return State{
		Index:         w.index,
		Path:          w.path,
		Rows:          w.rows,
		Bytes:         w.count.n,
		SchemaVersion: w.version,
	}
}

// Sync forces the open chunk's bytes to disk without closing it. Mid-chunk
// checkpoints call this before committing, so the checkpoint never
// describes bytes that could still vanish.
func (w *Writer) Sync() error {
	if w.f == nil {
		return nil
	}
	return w.f.Sync()
}

// Close finalizes the open chunk: flush, fsync, close, manifest entry. The
// directory entry is synced so the file survives a crash by name, not just
// by content.
func (w *Writer) Close() (ChunkInfo, error) {
	if w.f == nil {
		return ChunkInfo{}, errors.New("close: no open chunk")
	}
	info := ChunkInfo{
		Index:         w.index,
		Path:          w.path,
		Rows:          w.rows,
		Bytes:         w.count.n,
		Hash:          fmt.Sprintf("%016x", w.count.h.Sum64()),
		SchemaVersion: w.version,
	}
	err := w.f.Sync()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	w.f = nil
	w.count = nil
	w.csvw = nil
	if err != nil {
		return ChunkInfo{}, fmt.Errorf("finalize chunk %d: %w", info.Index, err)
	}
	if err := syncDir(w.cfg.Dir); err != nil {
		return ChunkInfo{}, fmt.Errorf("finalize chunk %d: %w", info.Index, err)
	}
	w.manifest = append(w.manifest, info)
	return info, nil
}

// Manifest returns the finalized chunks in creation order.
func (w *Writer) Manifest() []ChunkInfo {
	out := make([]ChunkInfo, len(w.manifest))
	copy(out, w.manifest)
	return out
}

// countWriter counts and hashes everything written through it.
type countWriter struct {
	w io.Writer
	n int64
	h *xxh3.Hasher
}

func newCountWriter(w io.Writer, n int64) *countWriter {
	return &countWriter{w: w, n: n, h: xxh3.New()}
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.h.Write(p[:n])
	return n, err
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	return err
}
