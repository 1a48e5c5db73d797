package network

import (
	"sync"
	"time"
)

// CongestionController runs an AIMD (Additive Increase, Multiplicative
// Decrease) estimator per host, so scheduler.Scheduler can cap how many
// queue items it dispatches against the same host without a fixed,
// manually-tuned SetHostLimit value. A host that starts erroring gets its
// allowance halved immediately; a host that's been clean gets it nudged
// up one item at a time.
type CongestionController struct {
	mu         sync.RWMutex
	hosts      map[string]*HostStats
	minWorkers int
	maxWorkers int
}

// HostStats tracks one host's recent transfer outcomes, as last reported
// by scheduler.Scheduler.recordHostOutcome.
type HostStats struct {
	LastRTT      time.Duration
	SmoothedRTT  time.Duration // exponential moving average of LastRTT
	Concurrency  int
	LastUpdate   time.Time
	SuccessCount int
	ErrorCount   int
}

// NewCongestionController creates a controller bounding every host's
// ideal concurrency to [min, max].
func NewCongestionController(min, max int) *CongestionController {
	return &CongestionController{
		hosts:      make(map[string]*HostStats),
		minWorkers: min,
		maxWorkers: max,
	}
}

// RecordOutcome records one finished item's transfer time and whether it
// ended in an error, against the host it was downloaded from.
func (cc *CongestionController) RecordOutcome(host string, latency time.Duration, err error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	stats, ok := cc.hosts[host]
	if !ok {
		stats = &HostStats{
			Concurrency: cc.minWorkers,
			SmoothedRTT: latency,
		}
		cc.hosts[host] = stats
	}

	const emaWeight = 0.125
	stats.SmoothedRTT = time.Duration((1-emaWeight)*float64(stats.SmoothedRTT) + emaWeight*float64(latency))
	stats.LastRTT = latency
	stats.LastUpdate = time.Now()

	if err != nil {
		stats.ErrorCount++
	} else {
		stats.SuccessCount++
	}
}

// GetIdealConcurrency returns the current AIMD-derived concurrency cap
// for host, applying at most one additive step up or one multiplicative
// step down per call.
func (cc *CongestionController) GetIdealConcurrency(host string) int {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	stats, ok := cc.hosts[host]
	if !ok {
		return cc.minWorkers
	}

	if stats.ErrorCount > 0 {
		stats.Concurrency = maxInt(1, stats.Concurrency/2)
		stats.ErrorCount = 0
		return stats.Concurrency
	}

	if stats.SuccessCount > stats.Concurrency {
		if stats.Concurrency < cc.maxWorkers {
			stats.Concurrency++
		}
		stats.SuccessCount = 0
	}

	return stats.Concurrency
}

// GetHostStats returns a copy of host's stats, or nil if nothing has been
// recorded for it yet.
func (cc *CongestionController) GetHostStats(host string) *HostStats {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	stats, ok := cc.hosts[host]
	if !ok {
		return nil
	}
	copied := *stats
	return &copied
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
