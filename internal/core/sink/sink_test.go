package sink

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fetchkit/fetchkit/internal/core/errtax"
)

func TestFileWriteAtOutOfOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.bin")

	f, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if err := f.Extend(10); err != nil {
		t.Fatalf("Extend: %v", err)
	}

	if _, err := f.WriteAt(5, []byte("world")); err != nil {
		t.Fatalf("WriteAt(5): %v", err)
	}
	if _, err := f.WriteAt(0, []byte("hello")); err != nil {
		t.Fatalf("WriteAt(0): %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "helloworld" {
		t.Fatalf("got %q, want helloworld", got)
	}
}

func TestFileSetModTime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.bin")

	f, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	want := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := f.SetModTime(want); err != nil {
		t.Fatalf("SetModTime: %v", err)
	}
	f.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !info.ModTime().Equal(want) {
		t.Fatalf("mtime = %v, want %v", info.ModTime(), want)
	}
}

func TestMemoryWriteAtGrowsBuffer(t *testing.T) {
	m := NewMemory()
	if _, err := m.WriteAt(5, []byte("world")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if _, err := m.WriteAt(0, []byte("hello")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if got := string(m.Bytes()); got != "helloworld" {
		t.Fatalf("got %q, want helloworld", got)
	}
}

func TestMemoryExtendPreallocatesZeroes(t *testing.T) {
	m := NewMemory()
	if err := m.Extend(8); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if len(m.Bytes()) != 8 {
		t.Fatalf("got length %d, want 8", len(m.Bytes()))
	}
}

type fakeWriteCloser struct {
	written []byte
	closed  bool
}

func (f *fakeWriteCloser) Write(p []byte) (int, error) {
	f.written = append(f.written, p...)
	return len(p), nil
}

func (f *fakeWriteCloser) Close() error {
	f.closed = true
	return nil
}

func TestWebDAVRejectsNonSequentialWrites(t *testing.T) {
	fake := &fakeWriteCloser{}
	s := &WebDAV{w: fake, path: "/remote/artifact.bin"}

	if _, err := s.WriteAt(0, []byte("hello")); err != nil {
		t.Fatalf("sequential write at 0 failed: %v", err)
	}
	if _, err := s.WriteAt(10, []byte("gap")); err == nil {
		t.Fatal("expected error for out-of-order write")
	} else if taxErr, ok := errtax.As(err); !ok || taxErr.Kind != errtax.RangeUnsupported {
		t.Fatalf("got %v, want errtax.RangeUnsupported", err)
	}

	if _, err := s.WriteAt(5, []byte("world")); err != nil {
		t.Fatalf("sequential write at 5 failed: %v", err)
	}
	if string(fake.written) != "helloworld" {
		t.Fatalf("got %q, want helloworld", fake.written)
	}
}
