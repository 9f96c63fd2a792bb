package sink

import (
	"os"
	"time"
)

// File writes to a local, regular file with random-access WriteAt, the
// teacher's own approach to multi-chunk assembly (os.Create + Truncate +
// file.WriteAt in internal/core/downloader/multistream.go), generalized
// behind the Sink interface so the range engine can swap in Memory or
// WebDAV without change.
type File struct {
	f *os.File
}

// NewFile creates (or truncates) path and returns a File sink writing to it.
func NewFile(path string) (*File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &File{f: f}, nil
}

// OpenFileForResume opens an existing file for random-access writes without
// truncating it, so a resumed download can WriteAt into the bytes already on
// disk (spec §4.4 resume support).
func OpenFileForResume(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return &File{f: f}, nil
}

func (s *File) WriteAt(offset int64, p []byte) (int, error) {
	return s.f.WriteAt(p, offset)
}

func (s *File) Extend(size int64) error {
	return s.f.Truncate(size)
}

func (s *File) SetModTime(t time.Time) error {
	if t.IsZero() {
		return nil
	}
	return os.Chtimes(s.f.Name(), time.Now(), t)
}

func (s *File) Close() error {
	return s.f.Close()
}
