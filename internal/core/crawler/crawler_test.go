package crawler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fetchkit/fetchkit/internal/core/httpclient"
	"github.com/fetchkit/fetchkit/internal/core/orchestrator"
)

const indexHTML = `<html><body>
<a href="/page2.html">page 2</a>
<a href="https://external.example.com/other">external</a>
<img src="/static/logo.png">
</body></html>`

const page2HTML = `<html><body>
<a href="/index.html">home</a>
<a href="/page3.html">page 3</a>
</body></html>`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/index.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(indexHTML))
	})
	mux.HandleFunc("/page2.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(page2HTML))
	})
	mux.HandleFunc("/page3.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body>leaf page</body></html>`))
	})
	mux.HandleFunc("/static/logo.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("\x89PNG fake bytes"))
	})
	return httptest.NewServer(mux)
}

func newCrawler(t *testing.T, cfg Config) (*Crawler, string) {
	t.Helper()
	client, err := httpclient.New(httpclient.Config{}, nil, nil)
	if err != nil {
		t.Fatalf("httpclient.New: %v", err)
	}
	sess := orchestrator.NewSession(client, orchestrator.DefaultConfig)
	root := t.TempDir()
	return New(sess, nil, root, cfg), root
}

func TestCrawlFollowsLinksWithinHost(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	c, root := newCrawler(t, Config{MaxDepth: 5, Filter: Filter{SpanHosts: false}})

	artifacts, err := c.Crawl(context.Background(), srv.URL+"/index.html")
	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}

	urls := map[string]bool{}
	for _, a := range artifacts {
		urls[a.URL] = true
	}
	if !urls[srv.URL+"/index.html"] {
		t.Error("expected index.html to be crawled")
	}
	if !urls[srv.URL+"/page2.html"] {
		t.Error("expected page2.html to be crawled")
	}
	if !urls[srv.URL+"/page3.html"] {
		t.Error("expected page3.html to be crawled (reached via page2)")
	}
	if urls["https://external.example.com/other"] {
		t.Error("expected external host link to be excluded when span_hosts is disabled")
	}

	for _, a := range artifacts {
		if _, err := os.Stat(a.Path); err != nil {
			t.Errorf("artifact %s not written to disk: %v", a.URL, err)
		}
	}
	_ = root
}

func TestCrawlNeverVisitsSameURLTwice(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	c, _ := newCrawler(t, Config{MaxDepth: 10, Filter: Filter{SpanHosts: false}})

	artifacts, err := c.Crawl(context.Background(), srv.URL+"/index.html")
	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}

	seen := map[string]int{}
	for _, a := range artifacts {
		seen[a.URL]++
	}
	for u, count := range seen {
		if count > 1 {
			t.Errorf("url %s visited %d times, want 1", u, count)
		}
	}
}

func TestCrawlRespectsMaxDepth(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	c, _ := newCrawler(t, Config{MaxDepth: 0, Filter: Filter{SpanHosts: false}})

	artifacts, err := c.Crawl(context.Background(), srv.URL+"/index.html")
	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("got %d artifacts at max_depth=0, want 1 (seed only)", len(artifacts))
	}
}

func TestCrawlEnqueuesPageRequisitesAtSameDepth(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	c, _ := newCrawler(t, Config{MaxDepth: 0, PageRequisites: true, Filter: Filter{SpanHosts: false}})

	artifacts, err := c.Crawl(context.Background(), srv.URL+"/index.html")
	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}

	found := false
	for _, a := range artifacts {
		if strings.HasSuffix(a.URL, "/static/logo.png") {
			found = true
		}
	}
	if !found {
		t.Error("expected the page requisite (logo.png) to be fetched even at max_depth=0")
	}
}

func TestPathForMapsURLUnderRoot(t *testing.T) {
	u, _ := url.Parse("http://example.com/a/b.html")
	got := pathFor("/root", u)
	want := filepath.Join("/root", "example.com", "a", "b.html")
	if got != want {
		t.Fatalf("pathFor = %q, want %q", got, want)
	}
}

func TestPathForDefaultsToIndexHTMLForDirectory(t *testing.T) {
	u, _ := url.Parse("http://example.com/dir/")
	got := pathFor("/root", u)
	want := filepath.Join("/root", "example.com", "dir", "index.html")
	if got != want {
		t.Fatalf("pathFor = %q, want %q", got, want)
	}
}
