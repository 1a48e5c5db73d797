// Package progress normalizes raw engine byte-counters into throttled,
// UI-ready updates and ties every tick back to the item's CancelToken.
package progress

import (
	"context"
	"sync"
	"time"

	"project-tachyon/internal/cancel"
)

// Phase is the coarse lifecycle stage a progress update belongs to.
type Phase string

const (
	PhaseConnecting  Phase = "connecting"
	PhaseExtracting  Phase = "extracting"
	PhaseDownloading Phase = "downloading"
	PhaseProcessing  Phase = "processing"
	PhaseCompleted   Phase = "completed"
	PhaseError       Phase = "error"
	PhaseCancelled   Phase = "cancelled"
)

// Update is the normalized shape every engine callback collapses into.
type Update struct {
	ItemID        string
	BytesDone     int64
	BytesTotal    int64 // 0 means unknown
	SpeedBPS      float64
	ETASeconds    float64 // 0 means unknown
	Phase         Phase
	ProgressRatio float64
}

// Sink receives normalized updates. Implemented by queue.Manager via a
// small adapter in downloadcore, kept as an interface here so progress
// has no import-time dependency on queue.
type Sink func(Update)

// maxUpdatesPerSecond bounds how often a Sink sees a non-terminal,
// non-phase-transition update for a single item.
const maxUpdatesPerSecond = 10

// Reporter throttles updates for one in-flight item.
type Reporter struct {
	mu          sync.Mutex
	itemID      string
	sink        Sink
	token       *cancel.Token
	lastPhase   Phase
	lastEmit    time.Time
	minInterval time.Duration
	bytesTotal  int64
	startedAt   time.Time
	lastBytes   int64
	lastSpeedAt time.Time
}

// New creates a Reporter for one item. token is checked on every Report
// call; a non-nil error from it propagates to the caller so the engine
// can stop work immediately.
func New(itemID string, bytesTotal int64, sink Sink, token *cancel.Token) *Reporter {
	now := time.Now()
	return &Reporter{
		itemID:      itemID,
		sink:        sink,
		token:       token,
		bytesTotal:  bytesTotal,
		minInterval: time.Second / maxUpdatesPerSecond,
		startedAt:   now,
		lastSpeedAt: now,
	}
}

// Report delivers one raw sample. phase transitions and the Completed/
// Error/Cancelled terminal phases always pass through immediately;
// everything else is throttled to maxUpdatesPerSecond.
func (r *Reporter) Report(ctx context.Context, bytesDone int64, phase Phase) error {
	if r.token != nil {
		if err := r.token.Check(ctx); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	isTransition := phase != r.lastPhase
	isTerminal := phase == PhaseCompleted || phase == PhaseError || phase == PhaseCancelled

	elapsed := now.Sub(r.lastSpeedAt).Seconds()
	var speed float64
	if elapsed > 0 {
		speed = float64(bytesDone-r.lastBytes) / elapsed
	}

	if !isTransition && !isTerminal && now.Sub(r.lastEmit) < r.minInterval {
		return nil
	}

	var ratio float64
	if r.bytesTotal > 0 {
		ratio = float64(bytesDone) / float64(r.bytesTotal)
		if ratio > 1 {
			ratio = 1
		}
	} else if isTerminal && phase == PhaseCompleted {
		ratio = 1
	}

	var eta float64
	if speed > 0 && r.bytesTotal > 0 {
		remaining := r.bytesTotal - bytesDone
		if remaining > 0 {
			eta = float64(remaining) / speed
		}
	}

	r.lastPhase = phase
	r.lastEmit = now
	r.lastBytes = bytesDone
	r.lastSpeedAt = now

	if r.sink != nil {
		r.sink(Update{
			ItemID:        r.itemID,
			BytesDone:     bytesDone,
			BytesTotal:    r.bytesTotal,
			SpeedBPS:      speed,
			ETASeconds:    eta,
			Phase:         phase,
			ProgressRatio: ratio,
		})
	}
	return nil
}
