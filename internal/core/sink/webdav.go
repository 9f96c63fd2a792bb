package sink

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/emersion/go-webdav"

	"github.com/fetchkit/fetchkit/internal/core/errtax"
)

// WebDAV writes an artifact to a remote WebDAV collection. Grounded on the
// teacher's internal/core/webdav/client.go, which wraps
// github.com/emersion/go-webdav the same way for Stat/Open/List; this sink
// adds the Create-and-stream path the teacher never needed, since it only
// ever read from WebDAV remotes.
//
// WebDAV PUT has no notion of random access, so WriteAt only accepts writes
// at the current end of the stream; anything else is RangeUnsupported. The
// range engine (internal/core/rangeengine) does not switch plans on that
// error; a caller writing to this sink passes randomAccess=false to
// rangeengine.Plan so the plan is Sequential from the start (spec §4.4
// planning policy, "sink does not support random access").
type WebDAV struct {
	mu   sync.Mutex
	w    io.WriteCloser
	path string
	pos  int64
}

// NewWebDAV opens path on the given base URL for writing, authenticating
// with username/password if non-empty (mirrors
// internal/core/webdav.NewClientFromConfig in the teacher).
func NewWebDAV(ctx context.Context, baseURL, path, username, password string) (*WebDAV, error) {
	var httpClient webdav.HTTPClient
	if username != "" {
		httpClient = webdav.HTTPClientWithBasicAuth(nil, username, password)
	}

	client, err := webdav.NewClient(httpClient, baseURL)
	if err != nil {
		return nil, fmt.Errorf("sink: creating webdav client: %w", err)
	}

	w, err := client.Create(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("sink: creating remote file %s: %w", path, err)
	}

	return &WebDAV{w: w, path: path}, nil
}

func (s *WebDAV) WriteAt(offset int64, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if offset != s.pos {
		return 0, errtax.New(errtax.RangeUnsupported, s.path, fmt.Errorf("webdav sink requires sequential writes: got offset %d, expected %d", offset, s.pos))
	}
	n, err := s.w.Write(p)
	s.pos += int64(n)
	return n, err
}

// Extend is a no-op: WebDAV PUT streams have no separate preallocation step.
func (s *WebDAV) Extend(size int64) error { return nil }

// SetModTime is a no-op: most WebDAV servers compute Last-Modified from the
// PUT itself and do not expose a PROPPATCH for it that every server
// supports.
func (s *WebDAV) SetModTime(t time.Time) error { return nil }

func (s *WebDAV) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}
