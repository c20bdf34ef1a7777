// Package datasource opens conversion inputs: local files, stdin, and
// transparently decompressed gzip/zstd sources selected by magic bytes.
//
// A plain local file is seekable, which is what permits checkpoint seeks
// and multi-worker range splitting. Anything else (stdin, a decompressor)
// is a forward-only stream and forces single-worker mode; resume on such a
// stream rescans forward instead of seeking.
package datasource

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression identifies the input encoding detected from magic bytes.
type Compression uint8

const (
	None Compression = iota
	Gzip
	Zstd
)

func (c Compression) String() string {
	switch c {
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	}
	return "none"
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// DetectCompression sniffs the leading bytes of a source.
func DetectCompression(head []byte) Compression {
	if len(head) >= 2 && head[0] == gzipMagic[0] && head[1] == gzipMagic[1] {
		return Gzip
	}
	if len(head) >= 4 &&
		head[0] == zstdMagic[0] && head[1] == zstdMagic[1] &&
		head[2] == zstdMagic[2] && head[3] == zstdMagic[3] {
		return Zstd
	}
	return None
}

// Stream is one opened input.
type Stream struct {
	path        string
	compression Compression

	f   *os.File      // nil for stdin
	r   io.Reader     // what the decoder consumes
	dec io.ReadCloser // decompressor, when compression is active
}

// Open opens path, or stdin for "-". A pre-canceled context short-circuits
// without touching the filesystem.
func Open(ctx context.Context, path string) (*Stream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if path == "-" {
		return openPipe(os.Stdin)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	head := make([]byte, 4)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		f.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	s := &Stream{path: path, f: f, r: f, compression: DetectCompression(head[:n])}
	if err := s.wrap(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return s, nil
}

// openPipe wraps a non-seekable input. The magic bytes are sniffed without
// losing them by stitching the consumed head back in front of the stream.
func openPipe(in *os.File) (*Stream, error) {
	head := make([]byte, 4)
	n, err := io.ReadFull(in, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	restored := io.MultiReader(bytes.NewReader(head[:n]), in)
	s := &Stream{path: "-", r: restored, compression: DetectCompression(head[:n])}
	if err := s.wrap(restored); err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return s, nil
}

func (s *Stream) wrap(raw io.Reader) error {
	switch s.compression {
	case Gzip:
		zr, err := gzip.NewReader(raw)
		if err != nil {
			return fmt.Errorf("gzip: %w", err)
		}
		s.dec = zr
		s.r = zr
	case Zstd:
		zr, err := zstd.NewReader(raw)
		if err != nil {
			return fmt.Errorf("zstd: %w", err)
		}
		s.dec = zr.IOReadCloser()
		s.r = s.dec
	}
	return nil
}

// Path returns the opened path ("-" for stdin).
func (s *Stream) Path() string { return s.path }

// Compression returns the detected encoding.
func (s *Stream) Compression() Compression { return s.compression }

// Reader returns the decoded byte stream.
func (s *Stream) Reader() io.Reader { return s.r }

// Seekable reports whether byte offsets into the decoded stream are
// addressable. Only an uncompressed local file qualifies.
func (s *Stream) Seekable() bool {
	return s.f != nil && s.compression == None
}

// ReaderAt exposes the underlying file for range splitting. Only available
// when Seekable.
func (s *Stream) ReaderAt() (io.ReaderAt, bool) {
	if !s.Seekable() {
		return nil, false
	}
	return s.f, true
}

// Size returns the decoded input size when knowable, which again is only
// the uncompressed local file case.
func (s *Stream) Size() (int64, bool) {
	if !s.Seekable() {
		return -1, false
	}
	fi, err := s.f.Stat()
	if err != nil {
		return -1, false
	}
	return fi.Size(), true
}

// AdviseSequential hints the kernel that the file will be scanned front to
// back. Best effort: callers ignore the error on platforms or filesystems
// that refuse the hint.
func (s *Stream) AdviseSequential() error {
	if s.f == nil {
		return nil
	}
	return fadviseSequential(s.f)
}

// Close releases the decompressor (if any) and the file.
func (s *Stream) Close() error {
	var err error
	if s.dec != nil {
		err = s.dec.Close()
	}
	if s.f != nil {
		if cerr := s.f.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
