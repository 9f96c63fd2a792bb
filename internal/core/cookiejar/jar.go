// Package cookiejar stores cookies keyed by domain and applies the matching
// rules spec.md §4.2 describes, including round-tripping the Netscape cookie
// file format wget itself uses.
//
// The teacher (internal/torrent/qbittorrent.go, other_examples' colly.go)
// reaches for the stdlib net/http/cookiejar for ordinary session cookies;
// this jar implements the same http.CookieJar interface so it drops into an
// http.Client unchanged, but stores entries explicitly so it can apply the
// domain/path/secure rules spec.md specifies exactly and persist to/from the
// Netscape format, which net/http/cookiejar cannot do.
package cookiejar

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Cookie is one stored cookie entry (spec §3).
type Cookie struct {
	Domain            string
	IncludeSubdomains bool
	Path              string
	Secure            bool
	HTTPOnly          bool
	Expiration        time.Time // zero value means session cookie (never expires on its own)
	Name              string
	Value             string
}

// Expired reports whether the cookie has passed its expiration.
func (c Cookie) Expired(now time.Time) bool {
	return !c.Expiration.IsZero() && now.After(c.Expiration)
}

// Jar is a concurrency-safe cookie store. All mutations serialize under a
// single mutex (spec §5: "Cookie Jar is a shared map guarded by a mutex").
type Jar struct {
	mu      sync.Mutex
	cookies []Cookie
}

// New creates an empty Jar.
func New() *Jar {
	return &Jar{}
}

// SetCookies implements http.CookieJar, parsing Set-Cookie values received
// for u and merging them into the store (spec §4.2 "Updates from Set-Cookie").
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, c := range cookies {
		entry := fromHTTPCookie(u, c)
		j.upsertLocked(entry)
	}
}

// upsertLocked replaces any existing cookie with the same (domain, path,
// name) identity, or appends a new one. Caller must hold j.mu.
func (j *Jar) upsertLocked(entry Cookie) {
	for i, existing := range j.cookies {
		if existing.Domain == entry.Domain && existing.Path == entry.Path && existing.Name == entry.Name {
			j.cookies[i] = entry
			return
		}
	}
	j.cookies = append(j.cookies, entry)
}

// fromHTTPCookie converts a parsed Set-Cookie header into our Cookie, with a
// missing Domain attribute defaulting to the request host and NOT matching
// subdomains (spec §4.2: "a missing domain defaults to the request host, not
// subdomain-matching").
func fromHTTPCookie(u *url.URL, c *http.Cookie) Cookie {
	domain := c.Domain
	includeSubdomains := true
	if domain == "" {
		domain = u.Hostname()
		includeSubdomains = false
	} else {
		domain = strings.TrimPrefix(domain, ".")
	}

	path := c.Path
	if path == "" {
		path = requestPath(u)
	}

	var expiration time.Time
	if c.MaxAge > 0 {
		expiration = time.Now().Add(time.Duration(c.MaxAge) * time.Second)
	} else if c.MaxAge == 0 && !c.Expires.IsZero() {
		expiration = c.Expires
	}

	return Cookie{
		Domain:            domain,
		IncludeSubdomains: includeSubdomains,
		Path:              path,
		Secure:            c.Secure,
		HTTPOnly:          c.HttpOnly,
		Expiration:        expiration,
		Name:              c.Name,
		Value:             c.Value,
	}
}

// requestPath returns the "directory" of a request's path, matching
// RFC 6265 default-path behavior used when Set-Cookie omits Path.
func requestPath(u *url.URL) string {
	p := u.Path
	if p == "" || p[0] != '/' {
		return "/"
	}
	if i := strings.LastIndex(p, "/"); i > 0 {
		return p[:i]
	}
	return "/"
}

// Cookies implements http.CookieJar, returning every unexpired cookie that
// matches u per the domain/path/secure rules in spec §4.2. Matching is order
// independent (spec §8 "Cookie matching is stable under permutation of
// storage order").
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := time.Now()
	var live []Cookie
	var out []*http.Cookie
	for _, c := range j.cookies {
		if c.Expired(now) {
			continue // lazily purged below
		}
		live = append(live, c)
		if Matches(c, u) {
			out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
		}
	}
	j.cookies = live
	return out
}

// Matches reports whether cookie c should be sent on a request to u, per
// spec §4.2: host matches the domain rule, path is a prefix at a segment
// boundary, and secure cookies require https.
func Matches(c Cookie, u *url.URL) bool {
	host := u.Hostname()
	if !domainMatches(host, c.Domain, c.IncludeSubdomains) {
		return false
	}
	if !pathMatches(u.Path, c.Path) {
		return false
	}
	if c.Secure && u.Scheme != "https" {
		return false
	}
	return true
}

func domainMatches(host, domain string, includeSubdomains bool) bool {
	host = strings.ToLower(host)
	domain = strings.ToLower(domain)
	if host == domain {
		return true
	}
	return includeSubdomains && strings.HasSuffix(host, "."+domain)
}

// pathMatches reports whether requestPath is "covered" by cookiePath: equal,
// or a prefix ending exactly at a '/' boundary (so "/foo" does not match
// cookie path "/foobar").
func pathMatches(requestPath, cookiePath string) bool {
	if cookiePath == "" || cookiePath == "/" {
		return true
	}
	if requestPath == cookiePath {
		return true
	}
	if strings.HasPrefix(requestPath, cookiePath) {
		if strings.HasSuffix(cookiePath, "/") {
			return true
		}
		return len(requestPath) > len(cookiePath) && requestPath[len(cookiePath)] == '/'
	}
	return false
}

// All returns a copy of every stored cookie, expired or not, for
// serialization (Save) or inspection.
func (j *Jar) All() []Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Cookie, len(j.cookies))
	copy(out, j.cookies)
	return out
}

// Add inserts or replaces a cookie directly, bypassing Set-Cookie parsing.
// Used by LoadNetscapeFile.
func (j *Jar) Add(c Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.upsertLocked(c)
}
