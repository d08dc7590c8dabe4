package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// DispatchLimiter bounds the Session Manager dispatcher: at most MaxConcurrent
// commands in flight at once, and at most MaxPerSecond new commands admitted
// per rolling second. Unlike RateLimiter, this is process-local — the
// dispatcher's concurrency cap is a property of one gateway process's worker
// pool, not something that needs to be shared across instances, so a Redis
// round trip per admission check would only add latency for no benefit.
type DispatchLimiter struct {
	maxConcurrent int
	maxPerSecond  int

	inFlight atomic.Int64
	sem      chan struct{}

	mu       sync.Mutex
	window   time.Time
	admitted int
}

// DefaultDispatchLimiter returns the spec's defaults: 5 concurrent commands,
// 3 new admissions per second.
func DefaultDispatchLimiter() *DispatchLimiter {
	return NewDispatchLimiter(5, 3)
}

func NewDispatchLimiter(maxConcurrent, maxPerSecond int) *DispatchLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if maxPerSecond <= 0 {
		maxPerSecond = 1
	}
	return &DispatchLimiter{
		maxConcurrent: maxConcurrent,
		maxPerSecond:  maxPerSecond,
		sem:           make(chan struct{}, maxConcurrent),
		window:        time.Now(),
	}
}

// ErrDispatchRateLimited indicates the rolling per-second admission budget is
// exhausted; callers should retry shortly, not back off for a full minute.
var ErrDispatchRateLimited = &DispatchError{Message: "dispatch rate limit exceeded"}

// DispatchError is returned by Admit when a command cannot be admitted yet.
type DispatchError struct {
	Message string
}

func (e *DispatchError) Error() string { return e.Message }

// Admit blocks until a concurrency slot is free (or ctx is done), after first
// checking the rolling rate budget. On success, the returned release func
// must be called exactly once to free the concurrency slot.
func (d *DispatchLimiter) Admit(ctx context.Context) (release func(), err error) {
	if !d.allowRate() {
		return nil, ErrDispatchRateLimited
	}

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	d.inFlight.Inc()
	return func() {
		d.inFlight.Dec()
		<-d.sem
	}, nil
}

func (d *DispatchLimiter) allowRate() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if now.Sub(d.window) >= time.Second {
		d.window = now
		d.admitted = 0
	}
	if d.admitted >= d.maxPerSecond {
		return false
	}
	d.admitted++
	return true
}

// InFlight reports the number of currently admitted, not-yet-released calls.
func (d *DispatchLimiter) InFlight() int64 {
	return d.inFlight.Load()
}
