package repository

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter wraps reads in a token-bucket limiter and accumulates the time
// spent blocked waiting for tokens, per spec.md §4.11. The underlying
// limiter can be swapped atomically; in-flight streams see the new rate on
// their next read.
type RateLimiter struct {
	limiter      atomic.Pointer[rate.Limiter]
	throttleNanos atomic.Int64
}

// NewRateLimiter builds a limiter allowing bytesPerSecond sustained
// throughput with a burst of one second's worth of bytes, capped at 1 MiB. A bytesPerSecond of
// zero disables limiting (rate.Inf).
func NewRateLimiter(bytesPerSecond int64) *RateLimiter {
	l := &RateLimiter{}
	l.SetRate(bytesPerSecond)
	return l
}

// SetRate atomically replaces the limiter; existing wrapped readers observe
// the change on their next Read call.
func (l *RateLimiter) SetRate(bytesPerSecond int64) {
	if bytesPerSecond <= 0 {
		l.limiter.Store(rate.NewLimiter(rate.Inf, 0))
		return
	}
	burst := int(bytesPerSecond)
	if burst > 1<<20 {
		burst = 1 << 20
	}
	l.limiter.Store(rate.NewLimiter(rate.Limit(bytesPerSecond), burst))
}

// ThrottleNanos returns the cumulative time spent blocked waiting for
// tokens, across every stream this limiter has wrapped.
func (l *RateLimiter) ThrottleNanos() int64 {
	return l.throttleNanos.Load()
}

// Wrap returns r wrapped so that every Read call waits on this limiter's
// token bucket for the number of bytes returned, accumulating wait time into
// ThrottleNanos. Multiple limiters can be layered by wrapping sequentially
// (repository-local then node-wide), and both accumulate independently.
func (l *RateLimiter) Wrap(ctx context.Context, r io.Reader) io.Reader {
	return &limitedReader{ctx: ctx, r: r, limiter: l}
}

type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *RateLimiter
}

func (lr *limitedReader) Read(p []byte) (int, error) {
	n, err := lr.r.Read(p)
	if n <= 0 {
		return n, err
	}
	lim := lr.limiter.limiter.Load()
	start := time.Now()
	for remaining := n; remaining > 0; {
		step := remaining
		if b := lim.Burst(); b > 0 && step > b {
			step = b
		}
		if waitErr := lim.WaitN(lr.ctx, step); waitErr != nil {
			return n, waitErr
		}
		remaining -= step
	}
	lr.limiter.throttleNanos.Add(int64(time.Since(start)))
	return n, err
}

// ThrottleCounters tracks the two accumulators spec.md §4.11 requires:
// snapshot-throttle-nanos and restore-throttle-nanos.
type ThrottleCounters struct {
	Snapshot *RateLimiter
	Restore  *RateLimiter
}

// NewThrottleCounters builds independent snapshot/restore limiters.
func NewThrottleCounters(snapshotBytesPerSec, restoreBytesPerSec int64) *ThrottleCounters {
	return &ThrottleCounters{
		Snapshot: NewRateLimiter(snapshotBytesPerSec),
		Restore:  NewRateLimiter(restoreBytesPerSec),
	}
}
