// Package ratelimit provides a token-bucket bandwidth limiter shared
// across every in-flight download, with zero overhead when disabled.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Priority affects yield behavior under contention: low-priority callers
// get a small extra sleep after acquiring tokens so high-priority
// transfers get first crack at the next burst.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Limiter wraps golang.org/x/time/rate behind the TryAcquire/Acquire
// contract: TryAcquire is the non-blocking AllowN path for a caller that
// wants to back off itself on rejection, Acquire is the blocking WaitN
// path for a caller happy to park until tokens are available.
type Limiter struct {
	mu      sync.Mutex
	bucket  *rate.Limiter
	enabled atomic.Bool
}

// New returns a Limiter with no cap (Acquire/TryAcquire never block or
// reject until SetLimit is called).
func New() *Limiter {
	return &Limiter{bucket: rate.NewLimiter(rate.Inf, 0)}
}

// SetLimit sets the global cap in bytes/sec. 0 or negative disables
// limiting entirely (the fast path below skips the bucket altogether).
// The bucket is rebuilt rather than mutated in place: mutating keeps the
// old (possibly zero) token balance, so a newly enabled cap would stall
// every caller for a full refill interval before admitting anything.
func (l *Limiter) SetLimit(bytesPerSec int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bytesPerSec <= 0 {
		l.enabled.Store(false)
		l.bucket = rate.NewLimiter(rate.Inf, 0)
		return
	}
	l.enabled.Store(true)
	l.bucket = rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)
}

func (l *Limiter) limiter() *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bucket
}

// Enabled reports whether a finite limit is currently configured.
func (l *Limiter) Enabled() bool {
	return l.enabled.Load()
}

// TryAcquire attempts to consume n bytes of budget immediately, without
// blocking. Returns false if the bucket doesn't have enough tokens right
// now.
func (l *Limiter) TryAcquire(n int) bool {
	if !l.enabled.Load() {
		return true
	}
	return l.limiter().AllowN(time.Now(), n)
}

// Acquire blocks until n bytes of budget are available or ctx is done.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if !l.enabled.Load() {
		return nil
	}
	return l.limiter().WaitN(ctx, n)
}

// AcquireWithPriority is Acquire plus a small extra yield for low-priority
// callers, so a background/low-priority transfer doesn't monopolize the
// next token burst at a high-priority transfer's expense.
func (l *Limiter) AcquireWithPriority(ctx context.Context, n int, p Priority) error {
	if err := l.Acquire(ctx, n); err != nil {
		return err
	}
	if l.enabled.Load() && p == PriorityLow {
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
