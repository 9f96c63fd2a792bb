// Package progress aggregates bytes downloaded across one or many concurrent
// fetch tasks and delivers coalesced, non-blocking progress callbacks.
//
// The shape follows the teacher's downloadState in
// internal/core/downloader/progress.go: an atomic byte counter updated from
// any fetch goroutine, plus a periodic ticker that samples it for display.
// Here the ticker drives a caller-supplied Callback instead of a bubbletea
// program, since terminal rendering is a CLI concern this engine does not own.
package progress

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is the value delivered to a Callback.
type Snapshot struct {
	Downloaded    int64
	Total         int64 // 0 means unknown
	SmoothedSpeed float64 // bytes/sec
	Elapsed       time.Duration
}

// ETA returns the estimated remaining duration, or false when total or speed
// is unknown.
func (s Snapshot) ETA() (time.Duration, bool) {
	if s.Total <= 0 || s.SmoothedSpeed <= 0 || s.Downloaded >= s.Total {
		return 0, false
	}
	remaining := float64(s.Total - s.Downloaded)
	return time.Duration(remaining/s.SmoothedSpeed) * time.Second, true
}

// Callback receives progress snapshots. Implementations must not block —
// the tracker invokes it from its own coalescing goroutine on each tick, and
// once more from Stop's caller with the final snapshot (spec §4.3, §6).
type Callback func(Snapshot)

// emaAlpha is the smoothing factor for the exponentially weighted moving
// average of instantaneous throughput, sampled once per coalescing window.
const emaAlpha = 0.3

// defaultCoalesceInterval bounds the callback rate at ~20 Hz (spec §4.3).
const defaultCoalesceInterval = 50 * time.Millisecond

// Tracker aggregates downloaded bytes with atomics so any fetch task can
// report progress without taking a lock, and delivers a rate-limited stream
// of snapshots to a single Callback.
type Tracker struct {
	downloaded int64 // atomic
	total      int64 // atomic; 0 until known

	startedAt time.Time

	mu            sync.Mutex // guards smoothedSpeed and lastSample below
	smoothedSpeed float64
	lastSampleAt  time.Time
	lastSampleN   int64

	cb       Callback
	interval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Tracker whose total starts at 0 (unknown) and can be set
// later with SetTotal. If cb is nil, the tracker still aggregates but never
// calls out.
func New(cb Callback) *Tracker {
	return &Tracker{
		startedAt: time.Now(),
		cb:        cb,
		interval:  defaultCoalesceInterval,
		stop:      make(chan struct{}),
	}
}

// SetTotal records the resource's total size once known. Safe to call once;
// later calls are ignored to keep "immutable once known" (spec §3).
func (t *Tracker) SetTotal(total int64) {
	atomic.CompareAndSwapInt64(&t.total, 0, total)
}

// Add advances the downloaded counter. Safe to call concurrently from any
// number of fetch tasks (spec §5: "Progress updates are monotonic in
// downloaded across the process").
func (t *Tracker) Add(n int64) {
	if n <= 0 {
		return
	}
	atomic.AddInt64(&t.downloaded, n)
}

// Reset zeroes the downloaded counter and EWMA state so the tracker can be
// reused across an orchestrator retry attempt that re-executes an unmodified
// plan from scratch, without double-counting bytes the failed attempt already
// wrote (spec §8: downloaded equals the real file size at completion). Total,
// the callback, and the coalescing loop started by Start are left untouched.
func (t *Tracker) Reset() {
	atomic.StoreInt64(&t.downloaded, 0)

	t.mu.Lock()
	t.smoothedSpeed = 0
	t.lastSampleAt = time.Time{}
	t.lastSampleN = 0
	t.mu.Unlock()

	t.startedAt = time.Now()
}

// Snapshot reads the current state without blocking writers.
func (t *Tracker) Snapshot() Snapshot {
	downloaded := atomic.LoadInt64(&t.downloaded)
	total := atomic.LoadInt64(&t.total)

	t.mu.Lock()
	speed := t.smoothedSpeed
	t.mu.Unlock()

	return Snapshot{
		Downloaded:    downloaded,
		Total:         total,
		SmoothedSpeed: speed,
		Elapsed:       time.Since(t.startedAt),
	}
}

// sample updates the EWMA speed from the delta since the last sample. Called
// only from the single coalescing goroutine, so it owns the mutex alone on
// the write side; Snapshot readers take it briefly to read smoothedSpeed.
func (t *Tracker) sample() {
	now := time.Now()
	downloaded := atomic.LoadInt64(&t.downloaded)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lastSampleAt.IsZero() {
		t.lastSampleAt = now
		t.lastSampleN = downloaded
		return
	}

	elapsed := now.Sub(t.lastSampleAt).Seconds()
	if elapsed <= 0 {
		return
	}
	instant := float64(downloaded-t.lastSampleN) / elapsed
	if t.smoothedSpeed == 0 {
		t.smoothedSpeed = instant
	} else {
		t.smoothedSpeed = emaAlpha*instant + (1-emaAlpha)*t.smoothedSpeed
	}
	t.lastSampleAt = now
	t.lastSampleN = downloaded
}

// Start begins the coalescing loop that samples throughput and invokes the
// callback at most once per interval. Safe to call at most once; Stop must
// be called exactly once when the download concludes, which also delivers a
// final callback with the terminal snapshot (spec §4.3).
func (t *Tracker) Start() {
	if t.cb == nil {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				t.sample()
				t.cb(t.Snapshot())
			}
		}
	}()
}

// Stop halts the coalescing loop and delivers one final callback carrying the
// terminal snapshot.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
	t.wg.Wait()
	if t.cb != nil {
		t.sample()
		t.cb(t.Snapshot())
	}
}
