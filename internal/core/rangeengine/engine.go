package rangeengine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fetchkit/fetchkit/internal/core/errtax"
	"github.com/fetchkit/fetchkit/internal/core/httpclient"
	"github.com/fetchkit/fetchkit/internal/core/progress"
	"github.com/fetchkit/fetchkit/internal/core/sink"
	"github.com/fetchkit/fetchkit/internal/core/tuner"
)

// Fetcher is the subset of httpclient.Client the engine needs, so tests can
// substitute a fake without standing up a real transport.
type Fetcher interface {
	Do(ctx context.Context, req *httpclient.Request) (*httpclient.Response, error)
}

// Result reports what Execute actually wrote.
type Result struct {
	BytesWritten int64
	ChunkCount   int
	Stats        []tuner.ChunkStats
}

const (
	minSplitBytes  = 64 * 1024
	monitorPeriod  = 500 * time.Millisecond
	warmupDuration = 750 * time.Millisecond
)

// Execute runs plan against url, writing into dst (spec §4.4 execute). For a
// Parallel plan it launches one worker per chunk up to cfg.MaxChunks, each
// independently retryable with partial-resume-within-chunk (teacher's
// downloadChunk/downloadChunkOnce pattern in
// internal/core/downloader/multistream.go), and resplits any chunk that
// internal/core/tuner.SlowChunks flags against the cohort's mean speed.
func Execute(ctx context.Context, plan DownloadPlan, fetcher Fetcher, url string, dst sink.Sink, cfg Config, prog *progress.Tracker) (Result, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig.BufferSize
	}

	if plan.Kind == Sequential {
		return executeSequential(ctx, plan, fetcher, url, dst, cfg, prog)
	}
	return executeParallel(ctx, plan, fetcher, url, dst, cfg, prog)
}

func executeSequential(ctx context.Context, plan DownloadPlan, fetcher Fetcher, url string, dst sink.Sink, cfg Config, prog *progress.Tracker) (Result, error) {
	req := &httpclient.Request{Method: http.MethodGet, URL: url}
	if plan.Offset > 0 {
		req.Range = &httpclient.ByteRange{Start: plan.Offset, End: -1}
	}

	resp, err := fetcher.Do(ctx, req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Close()

	buf := make([]byte, cfg.BufferSize)
	offset := plan.Offset
	var written int64

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := dst.WriteAt(offset, buf[:n]); werr != nil {
				return Result{}, errtax.New(errtax.Filesystem, url, werr)
			}
			offset += int64(n)
			written += int64(n)
			if prog != nil {
				prog.Add(int64(n))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return Result{}, errtax.New(errtax.Network, url, readErr)
		}
	}

	if plan.Total >= 0 && offset != plan.Total {
		return Result{}, errtax.New(errtax.SizeMismatch, url, fmt.Errorf("wrote %d bytes, expected %d", offset-plan.Offset, plan.Total-plan.Offset))
	}

	return Result{BytesWritten: written, ChunkCount: 1}, nil
}

// activeChunk tracks one in-flight chunk's progress so the monitor goroutine
// can compute cohort speed and decide whether to resplit it.
type activeChunk struct {
	start      int64 // immutable original start of this chunk ID
	offset     int64 // atomic: current write position
	end        int64 // atomic: current (possibly shrunk) inclusive end
	startedAt  time.Time
	resplit    int32 // atomic bool: 1 once this chunk has been resplit
	done       int32 // atomic bool: 1 once the chunk finishes
}

func (a *activeChunk) speed() (float64, bool) {
	elapsed := time.Since(a.startedAt)
	if elapsed < warmupDuration {
		return 0, false
	}
	bytes := atomic.LoadInt64(&a.offset) - a.start
	if bytes <= 0 {
		return 0, false
	}
	return float64(bytes) / elapsed.Seconds(), true
}

type chunkJob struct {
	id    int
	start int64
	end   int64
}

func executeParallel(ctx context.Context, plan DownloadPlan, fetcher Fetcher, url string, dst sink.Sink, cfg Config, prog *progress.Tracker) (Result, error) {
	if err := dst.Extend(plan.Total); err != nil {
		return Result{}, errtax.New(errtax.Filesystem, url, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	maxChunks := cfg.MaxChunks
	if maxChunks <= 0 {
		maxChunks = DefaultConfig.MaxChunks
	}

	var (
		mu           sync.Mutex
		active       = make(map[int]*activeChunk, len(plan.Chunks))
		stats        []tuner.ChunkStats
		firstErr     error
		totalWritten int64
	)
	var nextID int32
	for _, c := range plan.Chunks {
		if int32(c.ID) >= nextID {
			nextID = int32(c.ID) + 1
		}
	}
	spawned := int32(len(plan.Chunks))
	outstanding := int32(len(plan.Chunks))

	// jobs is never explicitly closed while chunks remain outstanding,
	// since the monitor may still push resplit tails onto it; the last
	// worker to finish a job closes it via closeJobsOnce.
	jobs := make(chan chunkJob, maxChunks*4+8)
	var closeJobsOnce sync.Once
	// closeJobs takes mu so it can never race a send the monitor is making
	// to jobs under the same lock (monitorSlowChunks holds mu for its whole
	// per-tick decision-and-send).
	closeJobs := func() {
		mu.Lock()
		defer mu.Unlock()
		closeJobsOnce.Do(func() { close(jobs) })
	}

	for _, c := range plan.Chunks {
		ac := &activeChunk{start: c.Start, offset: c.Start, end: c.EndInclusive, startedAt: time.Now()}
		active[c.ID] = ac
		jobs <- chunkJob{id: c.ID, start: c.Start, end: c.EndInclusive}
	}

	monitorDone := make(chan struct{})
	go monitorSlowChunks(ctx, &mu, active, cfg, maxChunks, &spawned, &outstanding, &nextID, jobs, monitorDone)

	workers := len(plan.Chunks)
	if workers > maxChunks {
		workers = maxChunks
	}
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				mu.Lock()
				ac := active[job.id]
				mu.Unlock()

				n, err := downloadChunkResumable(ctx, fetcher, url, dst, ac, job, cfg, prog)
				atomic.StoreInt32(&ac.done, 1)

				mu.Lock()
				totalWritten += n
				if err != nil && firstErr == nil {
					firstErr = errtax.New(errtax.ChunkFailed, url, err)
					if e, ok := firstErr.(*errtax.Error); ok {
						e.ChunkID = job.id
					}
					cancel()
				} else if err == nil {
					stats = append(stats, tuner.ChunkStats{
						ID:       job.id,
						Bytes:    n,
						Duration: time.Since(ac.startedAt).Seconds(),
					})
				}
				mu.Unlock()

				if atomic.AddInt32(&outstanding, -1) == 0 {
					closeJobs()
				}
			}
		}()
	}

	wg.Wait()
	cancel() // all chunks accounted for (or a fatal error cancelled early); stop the monitor
	closeJobs()
	<-monitorDone

	mu.Lock()
	chunkCount := len(active)
	resultStats := append([]tuner.ChunkStats(nil), stats...)
	mu.Unlock()

	// Stats travels with the Result even on failure so the orchestrator can
	// still feed whatever chunks did complete into tuner.Tune before its next
	// retry round (spec §4.5 "C5 advises C4 between rounds").
	if firstErr != nil {
		return Result{Stats: resultStats}, firstErr
	}

	if totalWritten != plan.Total {
		return Result{Stats: resultStats}, errtax.New(errtax.SizeMismatch, url, fmt.Errorf("wrote %d bytes across %d chunks, expected %d", totalWritten, chunkCount, plan.Total))
	}

	return Result{BytesWritten: totalWritten, ChunkCount: chunkCount, Stats: resultStats}, nil
}

// monitorSlowChunks periodically recomputes cohort speed and resplits
// whichever in-flight chunks internal/core/tuner.SlowChunks flags, provided
// there is concurrency headroom left under maxChunks (spec §4.4
// "slow-chunk... is split... concurrency permitting"; spec §4.5 "C5 advises
// C4 between rounds" — the round here is one monitorPeriod tick).
func monitorSlowChunks(ctx context.Context, mu *sync.Mutex, active map[int]*activeChunk, cfg Config, maxChunks int, spawned, outstanding, nextID *int32, jobs chan chunkJob, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(monitorPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		mu.Lock()
		candidatesByID := make(map[int]*activeChunk, len(active))
		var liveStats []tuner.ChunkStats
		for id, ac := range active {
			if atomic.LoadInt32(&ac.done) == 1 {
				continue
			}
			speed, ok := ac.speed()
			if !ok {
				continue
			}
			// Duration: 1 makes ChunkStats.Speed() report exactly speed
			// (bytes/sec), since ac.speed() already normalizes by elapsed
			// time; tuner.SlowChunks only needs the ratio between chunks.
			liveStats = append(liveStats, tuner.ChunkStats{ID: id, Bytes: int64(speed), Duration: 1})
			if atomic.LoadInt32(&ac.resplit) == 0 {
				candidatesByID[id] = ac
			}
		}
		if len(liveStats) < 2 {
			mu.Unlock()
			continue
		}

		for _, slowID := range tuner.SlowChunks(liveStats) {
			cand, ok := candidatesByID[slowID]
			if !ok {
				continue
			}
			if atomic.LoadInt32(spawned) >= int32(maxChunks) {
				break
			}

			offset := atomic.LoadInt64(&cand.offset)
			end := atomic.LoadInt64(&cand.end)
			remaining := end - offset + 1
			if remaining < 2*minSplitBytes {
				continue
			}
			mid := offset + remaining/2
			if mid <= offset {
				continue
			}

			atomic.StoreInt64(&cand.end, mid-1)
			atomic.StoreInt32(&cand.resplit, 1)

			newID := int(atomic.AddInt32(nextID, 1) - 1)
			atomic.AddInt32(spawned, 1)
			atomic.AddInt32(outstanding, 1)
			tail := &activeChunk{start: mid, offset: mid, end: end, startedAt: time.Now()}
			active[newID] = tail

			select {
			case jobs <- chunkJob{id: newID, start: mid, end: end}:
			default:
				// Queue is saturated; abandon this resplit rather than block
				// the monitor. The original chunk still owns [mid, end]
				// implicitly once its shrunk end is reached it simply stops,
				// so this would lose the tail — extremely unlikely given the
				// channel is sized generously, but safe to skip rather than
				// corrupt accounting.
				delete(active, newID)
				atomic.StoreInt64(&cand.end, end)
				atomic.StoreInt32(&cand.resplit, 0)
				atomic.AddInt32(spawned, -1)
				atomic.AddInt32(outstanding, -1)
			}
		}
		mu.Unlock()
	}
}

// downloadChunkResumable downloads [job.start, job.end] (subject to live
// shrinking via ac.end), resuming from the last successfully written byte on
// failure rather than restarting, exactly as the teacher's downloadChunk
// does in internal/core/downloader/multistream.go.
func downloadChunkResumable(ctx context.Context, fetcher Fetcher, url string, dst sink.Sink, ac *activeChunk, job chunkJob, cfg Config, prog *progress.Tracker) (int64, error) {
	currentStart := job.start
	var lastErr error
	var totalWritten int64

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			if backoff > 8*time.Second {
				backoff = 8 * time.Second
			}
			select {
			case <-ctx.Done():
				return totalWritten, ctx.Err()
			case <-time.After(backoff):
			}
		}

		written, newOffset, err := downloadChunkOnce(ctx, fetcher, url, dst, ac, currentStart, cfg, prog)
		totalWritten += written
		if err == nil {
			return totalWritten, nil
		}

		lastErr = err
		if errtax.IsRangeUnsupported(err) {
			// A 416 on this exact byte range can never succeed on retry;
			// surface it immediately so the orchestrator can fall back to a
			// sequential fetch instead of burning the chunk's retry budget.
			return totalWritten, err
		}
		if written > 0 {
			currentStart = newOffset
			attempt = 0 // progress resets the retry budget, matching the teacher
		}
		if ctx.Err() != nil {
			return totalWritten, ctx.Err()
		}
	}

	return totalWritten, fmt.Errorf("chunk %d: after %d retries: %w", job.id, cfg.MaxRetries, lastErr)
}

func downloadChunkOnce(ctx context.Context, fetcher Fetcher, url string, dst sink.Sink, ac *activeChunk, start int64, cfg Config, prog *progress.Tracker) (int64, int64, error) {
	end := atomic.LoadInt64(&ac.end)
	if start > end {
		return 0, start, nil // already covered, e.g. by a resplit that shrank past us
	}

	resp, err := fetcher.Do(ctx, &httpclient.Request{
		Method: http.MethodGet,
		URL:    url,
		Range:  &httpclient.ByteRange{Start: start, End: end},
	})
	if err != nil {
		return 0, start, err
	}
	defer resp.Close()

	buf := make([]byte, cfg.BufferSize)
	offset := start
	var written int64

	for {
		currentEnd := atomic.LoadInt64(&ac.end)
		if offset > currentEnd {
			break // a resplit shrank our range out from under us; stop here
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			take := int64(n)
			if offset+take-1 > currentEnd {
				take = currentEnd - offset + 1
			}
			if take > 0 {
				if _, werr := dst.WriteAt(offset, buf[:take]); werr != nil {
					return written, offset, werr
				}
				atomic.StoreInt64(&ac.offset, offset+take)
				offset += take
				written += take
				if prog != nil {
					prog.Add(take)
				}
			}
		}
		if readErr == io.EOF {
			if offset <= currentEnd {
				return written, offset, fmt.Errorf("incomplete: stopped at %d, expected through %d", offset-1, currentEnd)
			}
			break
		}
		if readErr != nil {
			return written, offset, readErr
		}
	}

	return written, offset, nil
}
