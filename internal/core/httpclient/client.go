// Package httpclient issues single HTTP requests with the headers,
// authentication, cookies, timeouts, TLS policy, compression, and redirect
// handling spec.md §4.1 (C2) describes.
//
// The teacher issues one ad hoc &http.Client{} per download call (see
// MultiStreamDownload and downloadWithProgress in
// internal/core/downloader/multistream.go and progress.go). This package
// generalizes that into a single reusable, pooled Client so the connection
// pool really is "shared process-wide" as spec §5 requires, while keeping
// the teacher's habit of setting a realistic desktop-browser User-Agent by
// default and building the *http.Transport by hand.
package httpclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fetchkit/fetchkit/internal/core/cookiejar"
	"github.com/fetchkit/fetchkit/internal/core/errtax"
)

// DefaultUserAgent matches the teacher's constant in
// internal/core/downloader/downloader.go.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// TLSConfig controls certificate verification for the underlying transport.
type TLSConfig struct {
	InsecureSkipVerify bool
	CAFile             string
	ClientCertFile     string
	ClientKeyFile      string
}

func (t TLSConfig) build() (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: t.InsecureSkipVerify}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("httpclient: reading CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("httpclient: no certificates found in %s", t.CAFile)
		}
		cfg.RootCAs = pool
	}

	if t.ClientCertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.ClientCertFile, t.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("httpclient: loading client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// Config configures a Client instance (ambient, yaml-serializable; see
// internal/config).
type Config struct {
	UserAgent      string
	Referer        string
	Headers        map[string]string
	Credentials    *Credentials
	MaxRedirects   int // default 20, matches curl/wget conventions
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration // per-read deadline on the connection, not overall
	TLS            TLSConfig
	Proxy          ProxyConfig
	UseHTTP2       bool
	RateLimitBytes int // 0 disables throttling
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.MaxRedirects == 0 {
		c.MaxRedirects = 20
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60 * time.Second
	}
	return c
}

// Client is a pooled, reusable HTTP client implementing spec §4.1. One
// Client is meant to live for the whole process and be shared across every
// concurrent download (spec §5 "HTTP client's connection pool is shared
// process-wide and thread-safe").
type Client struct {
	cfg       Config
	http      *http.Client
	jar       *cookiejar.Jar
	authState *AuthState
}

// New builds a Client. jar may be nil to disable cookie handling; authState
// may be nil, in which case the Client creates a fresh AuthState of its own.
func New(cfg Config, jar *cookiejar.Jar, authState *AuthState) (*Client, error) {
	cfg = cfg.withDefaults()

	tlsConfig, err := cfg.TLS.build()
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	readTimeout := cfg.ReadTimeout

	transport := &http.Transport{
		Proxy: cfg.Proxy.proxyFunc,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &readDeadlineConn{Conn: conn, timeout: readTimeout}, nil
		},
		TLSClientConfig:     tlsConfig,
		ForceAttemptHTTP2:   cfg.UseHTTP2,
		MaxIdleConns:        0,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     120 * time.Second,
		DisableCompression:  true, // we negotiate and decode encodings ourselves
	}

	httpClient := &http.Client{
		Transport: transport,
		Jar:       jarAdapter{jar},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return errtax.New(errtax.TooManyRedirects, req.URL.String(), fmt.Errorf("exceeded %d redirects", cfg.MaxRedirects))
			}
			return nil
		},
	}

	if authState == nil {
		authState = NewAuthState()
	}

	return &Client{cfg: cfg, http: httpClient, jar: jar, authState: authState}, nil
}

// AuthState exposes the client's authority authentication cache so an
// orchestrator can inspect it (e.g. in tests, or to share across Clients).
func (c *Client) AuthState() *AuthState { return c.authState }

// ByteRange is an inclusive byte range for a Range request. End == -1 means
// open-ended ("bytes=Start-").
type ByteRange struct {
	Start int64
	End   int64
}

func (r ByteRange) header() string {
	if r.End < 0 {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Request describes a single HTTP request to issue through Do.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Range   *ByteRange
	Body    io.Reader
}

// Response wraps the subset of *http.Response this engine consumes. Body is
// already decompressed and, if configured, rate-limited.
type Response struct {
	StatusCode    int
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
	FinalURL      *url.URL
	raw           *http.Response
}

func (r *Response) Close() error {
	if r.Body != nil {
		return r.Body.Close()
	}
	return nil
}

// Do issues a single request and classifies failures into errtax.Error.
// Authentication is applied preemptively when the target authority is known
// to accept the configured credentials; otherwise a 401/407 triggers one
// reactive challenge-response retry (spec §4.1, §7).
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, errtax.New(errtax.InvalidURL, req.URL, err)
	}

	authority := authorityOf(httpReq)
	preemptive := c.cfg.Credentials != nil && c.authState.IsAuthorized(authority)
	if preemptive {
		httpReq.Header.Set("Authorization", basicAuthHeader(*c.cfg.Credentials))
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.classifyTransportError(req.URL, err)
	}

	if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusProxyAuthRequired) && c.cfg.Credentials != nil {
		if preemptive {
			// Sticky auth state: a previously-authorized authority that now
			// 401s does not get a second challenge parse (spec §7).
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil, errtax.New(errtax.AuthFailed, req.URL, fmt.Errorf("authority %s rejected preemptive credentials", authority))
		}
		return c.retryWithChallenge(ctx, req, resp, authority)
	}

	return c.wrapResponse(ctx, req.URL, resp)
}

func (c *Client) buildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, req.Body)
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	httpReq.Header.Set("Accept-Encoding", acceptEncodingHeader)
	if c.cfg.Referer != "" {
		httpReq.Header.Set("Referer", c.cfg.Referer)
	}
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.Range != nil {
		httpReq.Header.Set("Range", req.Range.header())
	}
	return httpReq, nil
}

// retryWithChallenge parses a WWW-Authenticate header from a 401/407 and
// retries once with Basic or Digest credentials. On success it marks the
// authority authorized for ANY method (spec §4.1 critical invariant), not
// just HEAD, which is the asymmetry spec §9's Open Questions calls out as a
// defect to not replicate.
func (c *Client) retryWithChallenge(ctx context.Context, req *Request, prevResp *http.Response, authority string) (*Response, error) {
	header := prevResp.Header.Get("WWW-Authenticate")
	io.Copy(io.Discard, prevResp.Body)
	prevResp.Body.Close()

	ch, ok := parseChallenge(header)
	if !ok {
		return nil, errtax.New(errtax.AuthRequired, req.URL, fmt.Errorf("missing WWW-Authenticate header"))
	}

	retryReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, errtax.New(errtax.InvalidURL, req.URL, err)
	}

	switch strings.ToLower(ch.scheme) {
	case "basic":
		retryReq.Header.Set("Authorization", basicAuthHeader(*c.cfg.Credentials))
	case "digest":
		value, err := digestAuthHeader(*c.cfg.Credentials, ch, req.Method, retryReq.URL.RequestURI(), authority, c.authState)
		if err != nil {
			return nil, errtax.New(errtax.AuthFailed, req.URL, err)
		}
		retryReq.Header.Set("Authorization", value)
	default:
		return nil, errtax.New(errtax.AuthRequired, req.URL, fmt.Errorf("unsupported auth scheme %q", ch.scheme))
	}

	resp, err := c.http.Do(retryReq)
	if err != nil {
		return nil, c.classifyTransportError(req.URL, err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusProxyAuthRequired {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, errtax.New(errtax.AuthFailed, req.URL, fmt.Errorf("challenge response rejected"))
	}

	c.authState.MarkAuthorized(authority)
	return c.wrapResponse(ctx, req.URL, resp)
}

func (c *Client) wrapResponse(ctx context.Context, url string, resp *http.Response) (*Response, error) {
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return nil, errtax.New(errtax.HTTPServer, url, fmt.Errorf("status %d", resp.StatusCode))
		}
		return nil, &errtax.Error{Kind: errtax.HTTPClient, URL: url, Cause: fmt.Errorf("status %d", resp.StatusCode), Code: resp.StatusCode}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, &errtax.Error{Kind: errtax.RateLimited, URL: url, Cause: fmt.Errorf("status 429"), RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, &errtax.Error{Kind: errtax.RangeUnsupported, URL: url, Cause: fmt.Errorf("status 416"), Code: resp.StatusCode}
	}

	body, err := decompressBody(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, errtax.New(errtax.Network, url, fmt.Errorf("decompressing response: %w", err))
	}
	if c.cfg.RateLimitBytes > 0 {
		body = &readCloserWrapper{Reader: newRateLimitedReader(ctx, body, c.cfg.RateLimitBytes), Closer: body}
	}

	return &Response{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		Body:          body,
		ContentLength: resp.ContentLength,
		FinalURL:      resp.Request.URL,
		raw:           resp,
	}, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		return time.Until(t)
	}
	return 0
}

func (c *Client) classifyTransportError(url string, err error) error {
	if taxErr, ok := errtax.As(err); ok {
		return taxErr // e.g. TooManyRedirects surfaced from CheckRedirect
	}

	var netErr net.Error
	if asNetError(err, &netErr) {
		if netErr.Timeout() {
			if isDialError(err) {
				return &errtax.Error{Kind: errtax.Timeout, URL: url, Cause: err, Phase: errtax.PhaseConnect}
			}
			return &errtax.Error{Kind: errtax.Timeout, URL: url, Cause: err, Phase: errtax.PhaseRead}
		}
	}

	if isTLSError(err) {
		return errtax.New(errtax.TLS, url, err)
	}

	return errtax.New(errtax.Network, url, err)
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

func isDialError(err error) bool {
	var opErr *net.OpError
	for err != nil {
		if oe, ok := err.(*net.OpError); ok {
			opErr = oe
			break
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	return opErr != nil && opErr.Op == "dial"
}

func isTLSError(err error) bool {
	for err != nil {
		switch err.(type) {
		case tls.RecordHeaderError, x509.UnknownAuthorityError, x509.HostnameError, x509.CertificateInvalidError:
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// readDeadlineConn enforces cfg.ReadTimeout as a per-Read deadline on the
// underlying connection, distinguishing read timeouts from the net.Dialer's
// connect timeout (spec §4.1 "distinguishes connect timeout from read
// timeout").
type readDeadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *readDeadlineConn) Read(b []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Read(b)
}

type readCloserWrapper struct {
	io.Reader
	io.Closer
}

// jarAdapter lets our cookiejar.Jar satisfy http.CookieJar even when nil,
// so Clients without cookie support can pass a nil *cookiejar.Jar safely.
type jarAdapter struct{ jar *cookiejar.Jar }

func (j jarAdapter) SetCookies(u *url.URL, cookies []*http.Cookie) {
	if j.jar != nil {
		j.jar.SetCookies(u, cookies)
	}
}

func (j jarAdapter) Cookies(u *url.URL) []*http.Cookie {
	if j.jar == nil {
		return nil
	}
	return j.jar.Cookies(u)
}
