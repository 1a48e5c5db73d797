// Package cancel provides CancelToken, a cooperative cancellation and
// pause primitive for a single queue item's in-flight download.
package cancel

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCancelled is returned by Check when the token has been cancelled.
// It mirrors the sentinel-error idiom used for expired-link detection in
// the generic engine's probing path.
var ErrCancelled = errors.New("cancel: operation cancelled")

// Token is a single download's cancellation/pause switch. All fields are
// read and written behind one mutex — there is deliberately no lock-free
// fast path, since every access is already rare (one check per I/O chunk,
// not per byte).
type Token struct {
	mu            sync.Mutex
	cancelled     bool
	paused        bool
	pauseDeadline time.Time
}

// New returns a fresh, non-cancelled, non-paused token.
func New() *Token {
	return &Token{}
}

// Cancel marks the token cancelled. Idempotent.
func (t *Token) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
	t.paused = false
}

// Pause suspends the token until Resume is called or deadline passes.
// A zero deadline means pause indefinitely (until Resume or Cancel).
func (t *Token) Pause(deadline time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	t.paused = true
	t.pauseDeadline = deadline
}

// Resume clears a pause, leaving the token runnable.
func (t *Token) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = false
	t.pauseDeadline = time.Time{}
}

// IsCancelled reports the cancelled flag without blocking.
func (t *Token) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// IsPaused reports the paused flag without blocking.
func (t *Token) IsPaused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// Check returns ErrCancelled if cancelled, ctx.Err() if ctx is done, and
// nil otherwise. While paused it blocks until resumed, cancelled, ctx is
// done, or the pause deadline elapses — a deadline timeout is treated
// exactly like an implicit Resume, so Check simply falls through to nil
// rather than surfacing an error. Callers invoke this between chunks,
// never mid-write, so blocking here never holds a file handle idle.
func (t *Token) Check(ctx context.Context) error {
	for {
		t.mu.Lock()
		if t.cancelled {
			t.mu.Unlock()
			return ErrCancelled
		}
		if !t.paused {
			t.mu.Unlock()
			return ctx.Err()
		}
		deadline := t.pauseDeadline
		t.mu.Unlock()

		if !deadline.IsZero() {
			if time.Until(deadline) <= 0 {
				t.mu.Lock()
				if t.pauseDeadline.Equal(deadline) {
					t.paused = false
					t.pauseDeadline = time.Time{}
				}
				t.mu.Unlock()
				continue
			}
		}

		poll := time.NewTimer(50 * time.Millisecond)
		select {
		case <-ctx.Done():
			poll.Stop()
			return ctx.Err()
		case <-poll.C:
			continue
		}
	}
}
