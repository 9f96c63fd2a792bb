package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"io"

	"github.com/andybalholm/brotli"
)

// acceptEncodingHeader is sent on every request so the client controls
// decompression itself instead of relying on the Go transport's built-in
// (gzip-only, and disabled for Range requests) auto-decoding. Brotli support
// in particular requires doing this manually (spec §4.1: "Decompresses
// identity-advertised encodings (gzip, deflate, brotli) transparently").
const acceptEncodingHeader = "gzip, deflate, br"

// decompressBody wraps resp.Body according to its Content-Encoding header.
// An unrecognized or absent encoding returns the body unchanged.
func decompressBody(encoding string, body io.ReadCloser) (io.ReadCloser, error) {
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, err
		}
		return &wrappedReadCloser{Reader: gz, underlying: body}, nil
	case "deflate":
		fl := flate.NewReader(body)
		return &wrappedReadCloser{Reader: fl, underlying: body}, nil
	case "br":
		br := brotli.NewReader(body)
		return &wrappedReadCloser{Reader: br, underlying: body}, nil
	default:
		return body, nil
	}
}

// wrappedReadCloser closes both the decompressor (when it implements Close)
// and the underlying network body.
type wrappedReadCloser struct {
	io.Reader
	underlying io.ReadCloser
}

func (w *wrappedReadCloser) Close() error {
	if c, ok := w.Reader.(io.Closer); ok {
		_ = c.Close()
	}
	return w.underlying.Close()
}
