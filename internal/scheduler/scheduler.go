// Package scheduler runs the bounded worker pool that drains
// internal/queue: it claims downloadable items, registers a cancellation
// token per in-flight item, and dispatches them to internal/downloadcore.
// It is the generalized descendant of the teacher's queueWorker loop
// (internal/engine/executor.go) and SmartScheduler
// (internal/queue/scheduler.go), replacing ad hoc host-limit bookkeeping
// with the claim-then-dispatch shape spec.md section 4.8 requires.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"project-tachyon/internal/cancel"
	"project-tachyon/internal/downloadcore"
	"project-tachyon/internal/network"
	"project-tachyon/internal/queue"
)

const (
	// defaultMaxConcurrent matches spec.md section 4.8's default.
	defaultMaxConcurrent = 3
	// pollInterval bounds how long the loop can go without re-checking
	// the queue even if no wake signal arrives.
	pollInterval = 500 * time.Millisecond
	// defaultShutdownGrace is the bounded wait before Shutdown forcibly
	// returns while workers are still draining.
	defaultShutdownGrace = 30 * time.Second
)

// Scheduler owns the worker pool and the cancellation-token registry; it
// never touches queue.Manager's internal state directly, only its public
// operations.
type Scheduler struct {
	queue  *queue.Manager
	core   *downloadcore.Core
	logger *slog.Logger

	concMu        sync.Mutex
	maxConcurrent int

	tokenMu sync.Mutex
	tokens  map[string]*cancel.Token

	active      sync.WaitGroup
	activeMu    sync.Mutex
	activeCount int

	hostMu       sync.Mutex
	hostLimits   map[string]int
	activeByHost map[string]int
	congestion   *network.CongestionController

	wake     chan struct{}
	stopOnce sync.Once
	stopCh   chan struct{}
	loopDone chan struct{}

	subHandle  int
	subscribed bool
}

// New builds a Scheduler around q and core. maxConcurrent <= 0 falls
// back to the spec default of 3.
func New(q *queue.Manager, core *downloadcore.Core, logger *slog.Logger, maxConcurrent int) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		queue:         q,
		core:          core,
		logger:        logger,
		maxConcurrent: maxConcurrent,
		tokens:        make(map[string]*cancel.Token),
		wake:          make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		loopDone:      make(chan struct{}),
		hostLimits:    make(map[string]int),
		activeByHost:  make(map[string]int),
	}
}

// SetCongestionController attaches a network.CongestionController whose
// AIMD-derived per-host concurrency estimate caps dispatch alongside any
// explicit SetHostLimit value. nil disables congestion-based limiting.
func (s *Scheduler) SetCongestionController(c *network.CongestionController) {
	s.hostMu.Lock()
	s.congestion = c
	s.hostMu.Unlock()
}

// SetHostLimit caps the number of concurrent in-flight downloads the
// scheduler will dispatch against a single host. limit <= 0 removes the
// cap for that host.
func (s *Scheduler) SetHostLimit(host string, limit int) {
	s.hostMu.Lock()
	defer s.hostMu.Unlock()
	if limit <= 0 {
		delete(s.hostLimits, host)
		return
	}
	s.hostLimits[host] = limit
}

// hostOf extracts the dispatch-relevant host from a queue item's URL,
// falling back to the raw URL if it doesn't parse so an unlimited host
// never accidentally matches another item's limit.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

// hostAllowed reports whether host has spare capacity under both its
// explicit SetHostLimit cap and the congestion controller's current ideal
// concurrency, when either is configured.
func (s *Scheduler) hostAllowed(host string) bool {
	s.hostMu.Lock()
	defer s.hostMu.Unlock()

	limit, explicit := s.hostLimits[host]
	if s.congestion != nil {
		ideal := s.congestion.GetIdealConcurrency(host)
		if !explicit || ideal < limit {
			limit = ideal
			explicit = true
		}
	}
	if !explicit {
		return true
	}
	return s.activeByHost[host] < limit
}

func (s *Scheduler) incActiveHost(host string) {
	s.hostMu.Lock()
	s.activeByHost[host]++
	s.hostMu.Unlock()
}

func (s *Scheduler) decActiveHost(host string) {
	s.hostMu.Lock()
	if s.activeByHost[host] > 0 {
		s.activeByHost[host]--
	}
	s.hostMu.Unlock()
}

// Start launches the background dispatch loop. It subscribes to queue
// events so a newly added or retried item wakes the loop immediately
// instead of waiting for the next poll tick.
func (s *Scheduler) Start(ctx context.Context) {
	s.subHandle = s.queue.Subscribe(func(queue.Event) { s.signalWake() })
	s.subscribed = true
	go s.loop(ctx)
}

// SetMaxConcurrency updates the worker pool size. Per spec.md section
// 4.8, changing it "drains and rebuilds the pool": in-flight downloads
// are left to finish, but the dispatch loop immediately starts honoring
// the new ceiling for subsequent claims.
func (s *Scheduler) SetMaxConcurrency(n int) error {
	if n < 1 || n > 32 {
		return fmt.Errorf("scheduler: max concurrency %d out of range [1,32]", n)
	}
	s.concMu.Lock()
	s.maxConcurrent = n
	s.concMu.Unlock()
	s.signalWake()
	return nil
}

func (s *Scheduler) maxConcurrency() int {
	s.concMu.Lock()
	defer s.concMu.Unlock()
	return s.maxConcurrent
}

func (s *Scheduler) incActive() {
	s.activeMu.Lock()
	s.activeCount++
	s.activeMu.Unlock()
}

func (s *Scheduler) decActive() {
	s.activeMu.Lock()
	s.activeCount--
	s.activeMu.Unlock()
}

// ActiveCount reports the number of workers currently in flight. The
// dispatch loop launches no worker while this is at or above the ceiling
// (spec.md section 8, property 3); after SetMaxConcurrency lowers the
// ceiling, in-flight workers keep running, so the count can sit above the
// new ceiling until they finish.
func (s *Scheduler) ActiveCount() int {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return s.activeCount
}

func (s *Scheduler) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		s.queue.UpdateScheduledItems(time.Now())
		s.dispatch(ctx)

		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// dispatch claims and launches as many downloadable items as the current
// concurrency ceiling allows. The claim itself is atomic inside
// queue.Manager, so two calls (even concurrent ones) can never return the
// same item id — dispatch is single-threaded by construction (only the
// loop goroutine calls it) but the guarantee holds regardless.
func (s *Scheduler) dispatch(ctx context.Context) {
	for s.ActiveCount() < s.maxConcurrency() {
		item, ok := s.queue.ClaimNextDownloadableMatching(func(it queue.Item) bool {
			return s.hostAllowed(hostOf(it.URL))
		})
		if !ok {
			return
		}
		s.launch(ctx, item)
	}
}

func (s *Scheduler) launch(parent context.Context, item queue.Item) {
	tok := cancel.New()
	s.tokenMu.Lock()
	s.tokens[item.ID] = tok
	s.tokenMu.Unlock()

	host := hostOf(item.URL)
	s.incActive()
	s.incActiveHost(host)
	s.active.Add(1)
	go func() {
		started := time.Now()
		defer s.active.Done()
		defer func() {
			s.tokenMu.Lock()
			delete(s.tokens, item.ID)
			s.tokenMu.Unlock()
			s.decActive()
			s.decActiveHost(host)
			s.recordHostOutcome(host, item.ID, started)
			s.signalWake()
		}()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("scheduler: worker panic recovered", "item", item.ID, "panic", r)
				s.queue.UpdateStatus(item.ID, queue.StatusError, func(it *queue.Item) {
					it.ErrorKind = "Internal"
					it.ErrorMessage = "internal worker error"
				})
			}
		}()
		s.core.Run(parent, item, tok)
	}()
}

// recordHostOutcome feeds the congestion controller's AIMD estimator with
// how this item's transfer actually went, so SetHostLimit/congestion-based
// caps adapt to the host's real error rate and latency over time.
func (s *Scheduler) recordHostOutcome(host, itemID string, started time.Time) {
	s.hostMu.Lock()
	controller := s.congestion
	s.hostMu.Unlock()
	if controller == nil {
		return
	}
	it, err := s.queue.Get(itemID)
	if err != nil {
		return
	}
	var outcomeErr error
	if it.Status == queue.StatusError {
		outcomeErr = errors.New(it.ErrorKind)
	}
	controller.RecordOutcome(host, time.Since(started), outcomeErr)
}

// CancelItem signals the item's in-flight token if one is registered
// (the worker observes it and transitions to Cancelled itself once it
// unwinds cleanly); otherwise the item never started and is cancelled
// directly through the queue.
func (s *Scheduler) CancelItem(id string) error {
	s.tokenMu.Lock()
	tok, ok := s.tokens[id]
	s.tokenMu.Unlock()
	if ok {
		tok.Cancel()
		return nil
	}
	_, err := s.queue.CancelItem(id)
	return err
}

// CancelAll cancels every non-terminal item, in-flight or not.
func (s *Scheduler) CancelAll() {
	for _, it := range s.queue.List() {
		if !it.Status.IsTerminal() {
			s.CancelItem(it.ID)
		}
	}
}

// PauseAll pauses every Queued item and suspends every in-flight token so
// Downloading items yield control back to the scheduler without losing
// their partial progress.
func (s *Scheduler) PauseAll(deadline time.Time) {
	s.queue.PauseAll()
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	for _, tok := range s.tokens {
		tok.Pause(deadline)
	}
}

// ResumeAll resumes every Paused item and every suspended in-flight token.
func (s *Scheduler) ResumeAll() {
	s.queue.ResumeAll()
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	for _, tok := range s.tokens {
		tok.Resume()
	}
}

// Shutdown stops the dispatch loop, cancels every in-flight token, and
// transitions items that never got a worker to Cancelled. It blocks up to
// grace (0 uses the spec default of 30s) for in-flight workers to unwind,
// then returns regardless.
func (s *Scheduler) Shutdown(grace time.Duration) {
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.subscribed {
			s.queue.Unsubscribe(s.subHandle)
		}
	})

	s.tokenMu.Lock()
	for _, tok := range s.tokens {
		tok.Cancel()
	}
	s.tokenMu.Unlock()

	for _, it := range s.queue.List() {
		if !it.Status.IsTerminal() {
			s.queue.CancelItem(it.ID)
		}
	}

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		s.logger.Warn("scheduler: shutdown grace period elapsed with workers still draining")
	}
	<-s.loopDone
}
