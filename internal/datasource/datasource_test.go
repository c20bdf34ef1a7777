package datasource

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func zstdBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("zstd: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zstd close: %v", err)
	}
	return buf.Bytes()
}

/*
TestOpenPlainFile verifies an uncompressed file is seekable, sized, and
reads back verbatim.
*/
func TestOpenPlainFile(t *testing.T) {
	payload := []byte("{\"a\":1}\n{\"a\":2}\n")
	path := writeFile(t, "in.ndjson", payload)

	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.Compression() != None {
		t.Fatalf("Compression = %v, want none", s.Compression())
	}
	if !s.Seekable() {
		t.Fatalf("plain file not seekable")
	}
	if size, ok := s.Size(); !ok || size != int64(len(payload)) {
		t.Fatalf("Size = %d, %v, want %d, true", size, ok, len(payload))
	}
	if _, ok := s.ReaderAt(); !ok {
		t.Fatalf("ReaderAt unavailable for plain file")
	}
	got, err := io.ReadAll(s.Reader())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read = %q, want %q (sniffing must not consume bytes)", got, payload)
	}
	if err := s.AdviseSequential(); err != nil {
		t.Logf("fadvise refused: %v", err)
	}
}

/*
TestOpenCompressed covers both codecs: detected by magic, decompressed
transparently, and reported non-seekable.
*/
func TestOpenCompressed(t *testing.T) {
	payload := []byte("{\"n\":1}\n{\"n\":2}\n{\"n\":3}\n")
	cases := []struct {
		name string
		data []byte
		want Compression
	}{
		{"gzip", gzipBytes(t, payload), Gzip},
		{"zstd", zstdBytes(t, payload), Zstd},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, "in."+tc.name, tc.data)
			s, err := Open(context.Background(), path)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer s.Close()

			if s.Compression() != tc.want {
				t.Fatalf("Compression = %v, want %v", s.Compression(), tc.want)
			}
			if s.Seekable() {
				t.Fatalf("compressed source claims seekable")
			}
			if _, ok := s.Size(); ok {
				t.Fatalf("compressed source claims known size")
			}
			if _, ok := s.ReaderAt(); ok {
				t.Fatalf("compressed source handed out a ReaderAt")
			}
			got, err := io.ReadAll(s.Reader())
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("decompressed = %q, want %q", got, payload)
			}
		})
	}
}

/*
TestOpenShortFile: fewer bytes than the longest magic still opens as a
plain stream.
*/
func TestOpenShortFile(t *testing.T) {
	path := writeFile(t, "tiny", []byte("7"))
	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if s.Compression() != None {
		t.Fatalf("Compression = %v, want none", s.Compression())
	}
	got, err := io.ReadAll(s.Reader())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "7" {
		t.Fatalf("read = %q, want %q", got, "7")
	}
}

/*
TestOpenMissingFile keeps errors.Is(err, os.ErrNotExist) reachable through
the wrapping.
*/
func TestOpenMissingFile(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "absent"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Open = %v, want os.ErrNotExist through the wrap", err)
	}
}

/*
TestOpenCanceledContext short-circuits before touching the filesystem.
*/
func TestOpenCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Open(ctx, "irrelevant")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Open = %v, want context.Canceled", err)
	}
}

/*
TestDetectCompression table.
*/
func TestDetectCompression(t *testing.T) {
	cases := []struct {
		head []byte
		want Compression
	}{
		{[]byte{0x1f, 0x8b, 0x08, 0x00}, Gzip},
		{[]byte{0x28, 0xb5, 0x2f, 0xfd}, Zstd},
		{[]byte(`{"a"`), None},
		{[]byte{0x1f}, None},
		{[]byte{0x28, 0xb5, 0x2f, 0xfe}, None},
		{nil, None},
	}
	for _, tc := range cases {
		if got := DetectCompression(tc.head); got != tc.want {
			t.Errorf("DetectCompression(%v) = %v, want %v", tc.head, got, tc.want)
		}
	}
}
