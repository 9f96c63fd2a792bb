package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fetchkit/fetchkit/internal/core/httpclient"
	"github.com/fetchkit/fetchkit/internal/core/sink"
)

func newTestClient(t *testing.T) *httpclient.Client {
	t.Helper()
	client, err := httpclient.New(httpclient.Config{}, nil, nil)
	if err != nil {
		t.Fatalf("httpclient.New: %v", err)
	}
	return client
}

func rangeServingHandler(t *testing.T, data []byte, lastModified time.Time) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		if !lastModified.IsZero() {
			w.Header().Set("Last-Modified", lastModified.UTC().Format(http.TimeFormat))
		}

		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)
			return
		}

		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Write(data)
			return
		}

		spec := strings.TrimPrefix(rangeHeader, "bytes=")
		parts := strings.SplitN(spec, "-", 2)
		start, _ := strconv.ParseInt(parts[0], 10, 64)
		end := int64(len(data)) - 1
		if parts[1] != "" {
			end, _ = strconv.ParseInt(parts[1], 10, 64)
		}
		if end >= int64(len(data)) {
			end = int64(len(data)) - 1
		}

		w.Header().Set("Content-Range", "bytes "+spec+"/"+strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : end+1])
	}
}

func TestDownloadSimpleGet(t *testing.T) {
	data := []byte(strings.Repeat("x", 1000))
	srv := httptest.NewServer(rangeServingHandler(t, data, time.Time{}))
	defer srv.Close()

	client := newTestClient(t)
	sess := NewSession(client, DefaultConfig)
	mem := sink.NewMemory()

	result, err := sess.Download(context.Background(), srv.URL, mem, ResumeInfo{RandomAccessSink: true}, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if result.BytesWritten != int64(len(data)) {
		t.Fatalf("wrote %d bytes, want %d", result.BytesWritten, len(data))
	}
	if string(mem.Bytes()) != string(data) {
		t.Fatal("content mismatch")
	}
}

func TestDownloadParallelAcrossMultipleChunks(t *testing.T) {
	data := make([]byte, 3*1024*1024)
	for i := range data {
		data[i] = byte(i)
	}
	srv := httptest.NewServer(rangeServingHandler(t, data, time.Time{}))
	defer srv.Close()

	client := newTestClient(t)
	cfg := DefaultConfig
	cfg.Range.TargetChunkBytes = 512 * 1024
	cfg.Range.ParallelThreshold = 0
	sess := NewSession(client, cfg)
	mem := sink.NewMemory()

	result, err := sess.Download(context.Background(), srv.URL, mem, ResumeInfo{RandomAccessSink: true}, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if result.ChunkCount < 2 {
		t.Fatalf("expected multiple chunks, got %d", result.ChunkCount)
	}
	if string(mem.Bytes()) != string(data) {
		t.Fatal("assembled content mismatch")
	}
}

func TestDownloadResumesFromExistingSize(t *testing.T) {
	data := []byte(strings.Repeat("y", 5000))
	srv := httptest.NewServer(rangeServingHandler(t, data, time.Time{}))
	defer srv.Close()

	client := newTestClient(t)
	cfg := DefaultConfig
	cfg.Range.ParallelThreshold = 1 << 30 // force Sequential so resumeOffset plumbs through
	sess := NewSession(client, cfg)

	mem := sink.NewMemory()
	mem.Extend(int64(len(data)))
	resumeInfo := ResumeInfo{Exists: true, Size: 2000, RandomAccessSink: true}

	result, err := sess.Download(context.Background(), srv.URL, mem, resumeInfo, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if result.BytesWritten != int64(len(data))-2000 {
		t.Fatalf("wrote %d bytes, want %d", result.BytesWritten, int64(len(data))-2000)
	}
	if string(mem.Bytes()[2000:]) != string(data[2000:]) {
		t.Fatal("resumed tail mismatch")
	}
}

// rangeNotSatisfiableHandler serves data normally, but responds 416 to any
// Range request whose start is at or beyond len(data) — the shape a server
// returns when a local resume offset is stale or points past EOF.
func rangeNotSatisfiableHandler(t *testing.T, data []byte) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)
			return
		}

		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Write(data)
			return
		}

		spec := strings.TrimPrefix(rangeHeader, "bytes=")
		start, _ := strconv.ParseInt(strings.SplitN(spec, "-", 2)[0], 10, 64)
		if start >= int64(len(data)) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}

		w.Header().Set("Content-Range", "bytes "+spec+"/"+strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start:])
	}
}

func TestDownloadAlreadyCompleteOn416AtResumeOffset(t *testing.T) {
	data := []byte(strings.Repeat("z", 4000))
	srv := httptest.NewServer(rangeNotSatisfiableHandler(t, data))
	defer srv.Close()

	client := newTestClient(t)
	cfg := DefaultConfig
	cfg.Range.ParallelThreshold = 1 << 30 // force Sequential so resumeOffset plumbs through
	sess := NewSession(client, cfg)

	mem := sink.NewMemory()
	mem.Extend(int64(len(data)))
	resumeInfo := ResumeInfo{Exists: true, Size: int64(len(data)), RandomAccessSink: true}

	result, err := sess.Download(context.Background(), srv.URL, mem, resumeInfo, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !result.Skipped {
		t.Fatal("expected Skipped, a 416 at the resume offset means the file is already complete")
	}
	if result.BytesWritten != 0 {
		t.Fatalf("got BytesWritten %d, want 0", result.BytesWritten)
	}
}

// rangeAlwaysUnsatisfiableHandler 416s any Range request regardless of the
// requested start, the shape of a server whose range support is broken for a
// given resource despite advertising Accept-Ranges.
func rangeAlwaysUnsatisfiableHandler(t *testing.T, data []byte) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Header.Get("Range") != "" {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Write(data)
	}
}

func TestDownloadFallsBackToSequentialOn416(t *testing.T) {
	data := []byte(strings.Repeat("w", 4000))
	srv := httptest.NewServer(rangeAlwaysUnsatisfiableHandler(t, data))
	defer srv.Close()

	client := newTestClient(t)
	cfg := DefaultConfig
	cfg.Range.ParallelThreshold = 1 << 30 // force Sequential so resumeOffset plumbs through
	sess := NewSession(client, cfg)

	mem := sink.NewMemory()
	mem.Extend(int64(len(data)))
	// A stale resume offset the server refuses with 416, short of EOF.
	resumeInfo := ResumeInfo{Exists: true, Size: int64(len(data)) - 100, RandomAccessSink: true}

	result, err := sess.Download(context.Background(), srv.URL, mem, resumeInfo, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if result.Skipped {
		t.Fatal("expected a real refetch, not Skipped")
	}
	if result.BytesWritten != int64(len(data)) {
		t.Fatalf("wrote %d bytes, want a full refetch of %d", result.BytesWritten, len(data))
	}
	if string(mem.Bytes()) != string(data) {
		t.Fatal("refetched bytes do not match source data")
	}
}

func TestDownloadConditionalGetSkipsNotModified(t *testing.T) {
	modTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ims := r.Header.Get("If-Modified-Since"); ims != "" {
			if t, err := http.ParseTime(ims); err == nil && !modTime.After(t) {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
		w.Header().Set("Last-Modified", modTime.Format(http.TimeFormat))
		w.Write([]byte("fresh content"))
	}))
	defer srv.Close()

	client := newTestClient(t)
	cfg := DefaultConfig
	cfg.Timestamping = true
	sess := NewSession(client, cfg)
	mem := sink.NewMemory()

	resumeInfo := ResumeInfo{Exists: true, ModTime: modTime, RandomAccessSink: true}
	result, err := sess.Download(context.Background(), srv.URL, mem, resumeInfo, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !result.Skipped {
		t.Fatal("expected download to be skipped as not modified")
	}
}

func TestDownloadSetsTimestampFromLastModified(t *testing.T) {
	modTime := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	data := []byte("content")
	srv := httptest.NewServer(rangeServingHandler(t, data, modTime))
	defer srv.Close()

	client := newTestClient(t)
	cfg := DefaultConfig
	cfg.UseServerTimestamp = true
	sess := NewSession(client, cfg)
	mem := sink.NewMemory()

	_, err := sess.Download(context.Background(), srv.URL, mem, ResumeInfo{RandomAccessSink: true}, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !mem.ModTime().Equal(modTime) {
		t.Fatalf("mod time = %v, want %v", mem.ModTime(), modTime)
	}
}

func TestDownloadRetriesOnServerErrorThenSucceeds(t *testing.T) {
	data := []byte("eventually ok")
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Accept-Ranges", "bytes")
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			return
		}
		w.Write(data)
	}))
	defer srv.Close()

	client := newTestClient(t)
	cfg := DefaultConfig
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	cfg.MaxRetries = 5
	sess := NewSession(client, cfg)
	mem := sink.NewMemory()

	result, err := sess.Download(context.Background(), srv.URL, mem, ResumeInfo{RandomAccessSink: true}, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(mem.Bytes()) != string(data) {
		t.Fatal("content mismatch after retry")
	}
	if result.BytesWritten != int64(len(data)) {
		t.Fatalf("wrote %d bytes, want %d", result.BytesWritten, len(data))
	}
}

func TestDownloadGivesUpAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := newTestClient(t)
	cfg := DefaultConfig
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	cfg.MaxRetries = 2
	sess := NewSession(client, cfg)
	mem := sink.NewMemory()

	_, err := sess.Download(context.Background(), srv.URL, mem, ResumeInfo{RandomAccessSink: true}, nil)
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
}

func TestDownloadAuthProbeSucceedsWithBasicAuth(t *testing.T) {
	data := []byte("secret payload")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "wonderland" {
			w.Header().Set("WWW-Authenticate", `Basic realm="vault"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Accept-Ranges", "bytes")
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			return
		}
		w.Write(data)
	}))
	defer srv.Close()

	authState := httpclient.NewAuthState()
	client, err := httpclient.New(httpclient.Config{
		Credentials: &httpclient.Credentials{Username: "alice", Password: "wonderland"},
	}, nil, authState)
	if err != nil {
		t.Fatalf("httpclient.New: %v", err)
	}

	sess := NewSession(client, DefaultConfig)
	mem := sink.NewMemory()

	result, err := sess.Download(context.Background(), srv.URL, mem, ResumeInfo{RandomAccessSink: true}, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(mem.Bytes()) != string(data) {
		t.Fatal("content mismatch")
	}
	if result.BytesWritten != int64(len(data)) {
		t.Fatalf("wrote %d bytes, want %d", result.BytesWritten, len(data))
	}
}

func TestSessionQuotaExceededRefusesFurtherDownloads(t *testing.T) {
	data := []byte(strings.Repeat("z", 1000))
	srv := httptest.NewServer(rangeServingHandler(t, data, time.Time{}))
	defer srv.Close()

	client := newTestClient(t)
	cfg := DefaultConfig
	cfg.QuotaBytes = 500
	sess := NewSession(client, cfg)
	mem := sink.NewMemory()

	if _, err := sess.Download(context.Background(), srv.URL, mem, ResumeInfo{RandomAccessSink: true}, nil); err != nil {
		t.Fatalf("first Download (quota not yet exceeded): %v", err)
	}
	_, err := sess.Download(context.Background(), srv.URL, sink.NewMemory(), ResumeInfo{RandomAccessSink: true}, nil)
	if err == nil {
		t.Fatal("expected the download after the quota was exceeded to be refused")
	}
}

func TestSessionQuotaAllowsWithinBudgetThenBlocks(t *testing.T) {
	data := []byte(strings.Repeat("w", 100))
	srv := httptest.NewServer(rangeServingHandler(t, data, time.Time{}))
	defer srv.Close()

	client := newTestClient(t)
	cfg := DefaultConfig
	cfg.QuotaBytes = 250
	sess := NewSession(client, cfg)

	if _, err := sess.Download(context.Background(), srv.URL, sink.NewMemory(), ResumeInfo{RandomAccessSink: true}, nil); err != nil {
		t.Fatalf("first Download: %v", err)
	}
	if _, err := sess.Download(context.Background(), srv.URL, sink.NewMemory(), ResumeInfo{RandomAccessSink: true}, nil); err != nil {
		t.Fatalf("second Download: %v", err)
	}
	if _, err := sess.Download(context.Background(), srv.URL, sink.NewMemory(), ResumeInfo{RandomAccessSink: true}, nil); err != nil {
		t.Fatalf("third Download (200 of 250 bytes used): %v", err)
	}
	if _, err := sess.Download(context.Background(), srv.URL, sink.NewMemory(), ResumeInfo{RandomAccessSink: true}, nil); err == nil {
		t.Fatal("expected fourth download to be refused after the 250-byte quota was exceeded")
	}
}
