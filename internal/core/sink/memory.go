package sink

import (
	"sync"
	"time"
)

// Memory buffers an artifact entirely in process memory. Used for small
// artifacts and in tests, where standing up a filesystem fixture would be
// pure overhead.
type Memory struct {
	mu      sync.Mutex
	buf     []byte
	modTime time.Time
}

// NewMemory returns an empty Memory sink.
func NewMemory() *Memory { return &Memory{} }

func (s *Memory) WriteAt(offset int64, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := offset + int64(len(p))
	if end > int64(len(s.buf)) {
		grown := make([]byte, end)
		copy(grown, s.buf)
		s.buf = grown
	}
	copy(s.buf[offset:end], p)
	return len(p), nil
}

func (s *Memory) Extend(size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if size > int64(len(s.buf)) {
		grown := make([]byte, size)
		copy(grown, s.buf)
		s.buf = grown
	}
	return nil
}

func (s *Memory) SetModTime(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modTime = t
	return nil
}

func (s *Memory) Close() error { return nil }

// Bytes returns a copy of the buffered artifact.
func (s *Memory) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.buf))
	copy(out, s.buf)
	return out
}

// ModTime returns the timestamp set by SetModTime, if any.
func (s *Memory) ModTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modTime
}
