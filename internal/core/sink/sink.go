// Package sink abstracts "where downloaded bytes land" so the range engine
// (internal/core/rangeengine) never has to know whether it is writing to a
// local file, an in-memory buffer, or a WebDAV share.
//
// The teacher writes straight to an *os.File with Truncate+WriteAt in
// internal/core/downloader/multistream.go (calculateChunks/downloadChunk).
// That pattern becomes the File implementation below; Memory and WebDAV
// generalize the same four-method contract spec §4.4 describes.
package sink

import "time"

// Sink is the destination for a single artifact's bytes. Implementations
// must tolerate write_at calls for chunk indices arriving out of order and
// arbitrarily interleaved across goroutines (spec §4.4, §5: "one Sink per
// artifact, safe for concurrent WriteAt from multiple chunk workers").
type Sink interface {
	// WriteAt writes p at the given absolute byte offset. Implementations
	// that cannot support random access (WebDAV) return RangeUnsupported
	// from internal/core/errtax for any offset that is not the next
	// sequential write.
	WriteAt(offset int64, p []byte) (int, error)

	// Extend preallocates the sink to at least size bytes, when the final
	// size is known up front. Sinks that cannot preallocate treat this as a
	// no-op.
	Extend(size int64) error

	// SetModTime stamps the artifact with the source's Last-Modified time,
	// when known (spec §4.6 "preserves server mtime when present").
	SetModTime(t time.Time) error

	// Close finalizes the sink. After Close, WriteAt must not be called.
	Close() error
}
