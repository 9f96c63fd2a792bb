// Package crawler implements recursive retrieval (C7): extracting links and
// page requisites from fetched HTML, filtering and enqueuing candidates,
// and tracking visited URLs so no URL is downloaded twice in one crawl.
//
// The teacher has no crawling code at all (vget downloads single media
// items named by their platform URL). This package is new work, grounded
// on the crawling structure in other_examples/2ea7fccb_asciimoo-colly
// (Collector's robots-checking, goquery-based extraction, and visited-set
// patterns), adapted from colly's callback-driven collector to the
// queue-and-filter algorithm spec.md §4.7 describes, and wired to the
// orchestrator (C6) for each enqueued fetch instead of colly's own request
// path.
package crawler

import (
	"net/url"
	"strings"
)

// Normalize canonicalizes a URL the way spec §4.7's visited-set key
// requires: lowercase scheme/host, default ports stripped, fragment dropped.
// Percent-encoding is not canonicalized: a path whose escaping is a valid
// encoding keeps that escaping and the query is kept verbatim, so two
// spellings of one URL that escape characters differently yield different
// keys.
func Normalize(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return NormalizeURL(u), nil
}

// NormalizeURL canonicalizes a copy of an already-parsed URL (u itself is
// not modified) and returns its string form, for use as a visited-set key.
func NormalizeURL(u *url.URL) string {
	out := *u
	out.Scheme = strings.ToLower(out.Scheme)
	out.Host = strings.ToLower(stripDefaultPort(out.Scheme, out.Host))
	out.Fragment = ""
	// url.URL.String() emits RawPath when it is a valid encoding of Path and
	// emits RawQuery as given, so the input's escaping passes through.
	return out.String()
}

func stripDefaultPort(scheme, host string) string {
	var defaultPort string
	switch scheme {
	case "http":
		defaultPort = "80"
	case "https":
		defaultPort = "443"
	default:
		return host
	}
	if idx := strings.LastIndex(host, ":"); idx != -1 && host[idx+1:] == defaultPort {
		return host[:idx]
	}
	return host
}
