package httpclient

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// rateLimitedReader throttles Read calls against a token bucket measured in
// bytes per second, over wall-clock time (spec §4.1: "Rate limits read
// throughput when configured (token-bucket over wall-clock)"), grounded on
// golang.org/x/time/rate, the stdlib-adjacent limiter the domain stack
// exposes for exactly this purpose.
type rateLimitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

// newRateLimitedReader wraps r with a limiter allowing bytesPerSec sustained
// throughput. A burst of one second's worth of bytes keeps small reads from
// starving on rounding.
func newRateLimitedReader(ctx context.Context, r io.Reader, bytesPerSec int) io.Reader {
	if bytesPerSec <= 0 {
		return r
	}
	return &rateLimitedReader{
		ctx:     ctx,
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec),
	}
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	if len(p) > r.limiter.Burst() {
		p = p[:r.limiter.Burst()]
	}
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.limiter.WaitN(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
