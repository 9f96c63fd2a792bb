package crawler

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"github.com/fetchkit/fetchkit/internal/core/orchestrator"
	"github.com/fetchkit/fetchkit/internal/core/sink"
)

// Config bounds a single crawl (spec §4.7).
type Config struct {
	MaxDepth       int
	PageRequisites bool // also extract img/link[stylesheet]/script
	RespectRobots  bool
	Filter         Filter
	UserAgent      string // used for robots.txt group matching
}

// Artifact identifies one URL retrieved during a crawl.
type Artifact struct {
	ID    string
	URL   string
	Path  string // local filesystem path it was written to
	Depth int
}

// Crawler drives the FIFO queue + visited-set algorithm spec §4.7
// describes, invoking an orchestrator.Session per enqueued URL.
type Crawler struct {
	session *orchestrator.Session
	robots  *RobotsChecker
	cfg     Config
	rootDir string

	visited map[string]bool
}

// New builds a Crawler that writes retrieved artifacts under rootDir,
// downloading through session and (if cfg.RespectRobots) checking
// robots.txt via robots.
func New(session *orchestrator.Session, robots *RobotsChecker, rootDir string, cfg Config) *Crawler {
	return &Crawler{
		session: session,
		robots:  robots,
		cfg:     cfg,
		rootDir: rootDir,
		visited: make(map[string]bool),
	}
}

type queueItem struct {
	url   *url.URL
	depth int
}

// Crawl runs the crawl starting from startURL, returning every distinct
// artifact retrieved. Each visited URL is downloaded exactly once, per
// spec §4.7's "no duplicates" invariant.
func (c *Crawler) Crawl(ctx context.Context, startURL string) ([]Artifact, error) {
	start, err := url.Parse(startURL)
	if err != nil {
		return nil, err
	}
	startHost := start.Hostname()

	queue := []queueItem{{url: start, depth: 0}}
	var artifacts []Artifact

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		key := NormalizeURL(item.url)
		if c.visited[key] {
			continue
		}
		if item.depth > c.cfg.MaxDepth {
			continue
		}

		if c.cfg.RespectRobots && c.robots != nil && !c.robots.Allowed(ctx, item.url) {
			c.visited[key] = true
			continue
		}

		artifact, body, contentType, err := c.fetch(ctx, item.url, item.depth)
		c.visited[key] = true
		if err != nil {
			continue
		}
		artifacts = append(artifacts, artifact)

		if body == nil {
			continue
		}
		if !isHTML(contentType, item.url.Path) {
			continue
		}

		links, requisites := extractCandidates(body, item.url, c.cfg.PageRequisites)
		body.Close()

		for _, link := range links {
			if c.cfg.Filter.Accept(link, startHost) {
				queue = append(queue, queueItem{url: link, depth: item.depth + 1})
			}
		}
		for _, req := range requisites {
			if c.cfg.Filter.Accept(req, startHost) {
				queue = append(queue, queueItem{url: req, depth: item.depth})
			}
		}
	}

	return artifacts, nil
}

// fetch downloads u into a deterministic path under the crawler's root
// directory and returns an open reader over the written file (nil if it
// cannot be reopened) alongside its content type.
func (c *Crawler) fetch(ctx context.Context, u *url.URL, depth int) (Artifact, io.ReadCloser, string, error) {
	localPath := pathFor(c.rootDir, u)
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return Artifact{}, nil, "", err
	}

	dst, err := sink.NewFile(localPath)
	if err != nil {
		return Artifact{}, nil, "", err
	}

	result, err := c.session.Download(ctx, u.String(), dst, orchestrator.ResumeInfo{RandomAccessSink: true}, nil)
	dst.Close()
	if err != nil {
		return Artifact{}, nil, "", err
	}

	artifact := Artifact{ID: uuid.NewString(), URL: u.String(), Path: localPath, Depth: depth}

	f, err := os.Open(localPath)
	if err != nil {
		return artifact, nil, result.ContentType, nil
	}
	return artifact, f, result.ContentType, nil
}

// pathFor maps a URL onto a deterministic path under root, mirroring
// wget's host/path/index.html convention.
func pathFor(root string, u *url.URL) string {
	p := u.Path
	if p == "" || strings.HasSuffix(p, "/") {
		p += "index.html"
	}
	return filepath.Join(root, u.Hostname(), filepath.FromSlash(strings.TrimPrefix(p, "/")))
}

func isHTML(contentType, urlPath string) bool {
	if contentType != "" {
		return strings.Contains(strings.ToLower(contentType), "html")
	}
	ext := strings.ToLower(filepath.Ext(urlPath))
	return ext == "" || ext == ".html" || ext == ".htm"
}

// extractCandidates parses body as HTML and resolves a[href] (links) and,
// when requisites is true, img[src]/link[rel=stylesheet][href]/script[src]
// (page requisites) against the document's base URL (spec §4.7 step 4).
func extractCandidates(body io.Reader, docURL *url.URL, requisites bool) (links, pageRequisites []*url.URL) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, nil
	}

	base := docURL
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := docURL.Parse(href); err == nil {
			base = resolved
		}
	}

	resolve := func(ref string) *url.URL {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return nil
		}
		u, err := base.Parse(ref)
		if err != nil {
			return nil
		}
		return u
	}

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			if u := resolve(href); u != nil {
				links = append(links, u)
			}
		}
	})

	if requisites {
		doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
			if src, ok := s.Attr("src"); ok {
				if u := resolve(src); u != nil {
					pageRequisites = append(pageRequisites, u)
				}
			}
		})
		doc.Find("link[rel=stylesheet][href]").Each(func(_ int, s *goquery.Selection) {
			if href, ok := s.Attr("href"); ok {
				if u := resolve(href); u != nil {
					pageRequisites = append(pageRequisites, u)
				}
			}
		})
		doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
			if src, ok := s.Attr("src"); ok {
				if u := resolve(src); u != nil {
					pageRequisites = append(pageRequisites, u)
				}
			}
		})
	}

	return links, pageRequisites
}
