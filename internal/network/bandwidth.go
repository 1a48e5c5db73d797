package network

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// taskPriority mirrors the three tiers the control API exposes for a
// queued item (low/normal/high); only low actually changes behavior today,
// by yielding a slice of time to everything else sharing the global cap.
const (
	priorityLow    = 1
	priorityNormal = 2
	priorityHigh   = 3
)

// BandwidthManager enforces one global, aggregate throughput ceiling across
// every concurrently-streaming item in GenericEngine.Global, on top of each
// item's own per-job ratelimit.Limiter. It costs nothing when disabled: Wait
// short-circuits on an atomic bool before ever touching the limiter.
type BandwidthManager struct {
	globalLimiter *rate.Limiter
	limitEnabled  atomic.Bool

	mu         sync.RWMutex
	priorities map[string]int // queue item ID -> priority tier
}

// NewBandwidthManager returns a manager with no cap; Wait is a no-op until
// SetLimit is called with a positive bytes/sec value.
func NewBandwidthManager() *BandwidthManager {
	return &BandwidthManager{
		globalLimiter: rate.NewLimiter(rate.Inf, 0),
		priorities:    make(map[string]int),
	}
}

// SetLimit sets the aggregate cap in bytes/sec; 0 or negative disables it.
// The burst equals the limit so the cap can absorb roughly one second of
// buffered reads before throttling kicks in. The limiter is rebuilt
// rather than mutated so a newly enabled cap starts with a full token
// balance instead of stalling every stream for a refill interval.
func (bm *BandwidthManager) SetLimit(bytesPerSec int) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if bytesPerSec <= 0 {
		bm.limitEnabled.Store(false)
		bm.globalLimiter = rate.NewLimiter(rate.Inf, 0)
		return
	}
	bm.limitEnabled.Store(true)
	bm.globalLimiter = rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)
}

// SetTaskPriority records itemID's priority tier for future Wait calls.
func (bm *BandwidthManager) SetTaskPriority(itemID string, priority int) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.priorities[itemID] = priority
}

// Wait blocks until n bytes are admitted under the global cap, then, for a
// low-priority item, yields a further fixed delay so normal/high-priority
// items sharing the cap get first claim on the freed-up allowance.
func (bm *BandwidthManager) Wait(ctx context.Context, itemID string, n int) error {
	if !bm.limitEnabled.Load() {
		return nil
	}

	bm.mu.RLock()
	priority, ok := bm.priorities[itemID]
	limiter := bm.globalLimiter
	bm.mu.RUnlock()
	if !ok {
		priority = priorityNormal
	}

	if err := limiter.WaitN(ctx, n); err != nil {
		return err
	}

	if priority == priorityLow {
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}
