// Package queue implements the authoritative in-memory download queue: the
// status state machine, insertion-ordered claiming, and listener fan-out
// the rest of the core is built around.
package queue

import (
	"fmt"
	"sync"
	"time"
)

// Status is one node in the queue item state machine.
type Status string

const (
	StatusScheduled   Status = "Scheduled"
	StatusQueued      Status = "Queued"
	StatusAllocating  Status = "Allocating"
	StatusDownloading Status = "Downloading"
	StatusProcessing  Status = "Processing"
	StatusPaused      Status = "Paused"
	StatusCompleted   Status = "Completed"
	StatusCancelled   Status = "Cancelled"
	StatusError       Status = "Error"
)

// validTransitions encodes the table in spec.md section 4.7. RetryItem is
// the only path back to Queued from a terminal status.
var validTransitions = map[Status]map[Status]bool{
	StatusScheduled:   {StatusQueued: true},
	StatusQueued:      {StatusAllocating: true, StatusPaused: true, StatusCancelled: true, StatusScheduled: true},
	StatusAllocating:  {StatusDownloading: true, StatusCancelled: true, StatusError: true},
	StatusDownloading: {StatusProcessing: true, StatusPaused: true, StatusCancelled: true, StatusError: true},
	StatusProcessing:  {StatusCompleted: true, StatusCancelled: true, StatusError: true},
	StatusPaused:      {StatusQueued: true, StatusCancelled: true},
	StatusCompleted:   {},
	StatusCancelled:   {},
	StatusError:       {},
}

// IsTerminal reports whether s has no downstream transitions except retry.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusError
}

// Item is one queue entry. Fields mutated only by Manager, always under
// its lock; callers receive copies via Get/List so they never observe a
// half-mutated item.
type Item struct {
	ID              string
	URL             string
	OutputDir       string
	Filename        string
	Options         map[string]string
	Status          Status
	ScheduledAt     *time.Time
	BytesDone       int64
	BytesTotal      int64
	ProgressRatio   float64
	SpeedBPS        float64
	ETASeconds      float64
	Title           string
	SourceKind      string
	FilePath        string
	ErrorMessage    string
	ErrorKind       string
	RetryCount      int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	FinalStatusTime *time.Time
}

func (it Item) clone() Item {
	out := it
	if it.ScheduledAt != nil {
		t := *it.ScheduledAt
		out.ScheduledAt = &t
	}
	if it.FinalStatusTime != nil {
		t := *it.FinalStatusTime
		out.FinalStatusTime = &t
	}
	if it.Options != nil {
		out.Options = make(map[string]string, len(it.Options))
		for k, v := range it.Options {
			out.Options[k] = v
		}
	}
	return out
}

// EventKind distinguishes the three listener notifications.
type EventKind int

const (
	EventAdded EventKind = iota
	EventChanged
	EventRemoved
)

// Event is delivered to every subscribed Listener, outside the queue lock.
type Event struct {
	Kind      EventKind
	Item      Item
	OldStatus Status
	NewStatus Status
}

// Listener receives queue events. A panicking or slow listener must never
// break the queue; Manager recovers panics and runs listeners
// sequentially but never under its lock.
type Listener func(Event)

// ErrNotFound is returned when an operation targets an unknown item id.
type ErrNotFound struct{ ID string }

func (e *ErrNotFound) Error() string { return fmt.Sprintf("queue: item %q not found", e.ID) }

// ErrInvalidTransition is returned by UpdateStatus when the requested
// transition isn't in the table.
type ErrInvalidTransition struct {
	ID       string
	From, To Status
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("queue: item %q cannot transition %s -> %s", e.ID, e.From, e.To)
}

// ErrQueueFull is returned by Add when the configured size limit is hit.
type ErrQueueFull struct{ Limit int }

func (e *ErrQueueFull) Error() string { return fmt.Sprintf("queue: size limit %d reached", e.Limit) }

// Manager owns all Item state. Every exported method is atomic with
// respect to every other.
type Manager struct {
	mu        sync.Mutex
	items     map[string]*Item
	order     []string // insertion order, authoritative for display and claim tie-breaking
	listeners map[int]Listener
	nextSub   int
	sizeLimit int
}

// New returns an empty Manager with the given queue size limit (spec
// default 1000; callers pass config.GetQueueSizeLimit()).
func New(sizeLimit int) *Manager {
	if sizeLimit <= 0 {
		sizeLimit = 1000
	}
	return &Manager{
		items:     make(map[string]*Item),
		listeners: make(map[int]Listener),
		sizeLimit: sizeLimit,
	}
}

// Subscribe registers l and returns a handle for Unsubscribe.
func (m *Manager) Subscribe(l Listener) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.nextSub
	m.nextSub++
	m.listeners[h] = l
	return h
}

// Unsubscribe removes a listener registered via Subscribe.
func (m *Manager) Unsubscribe(handle int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, handle)
}

func (m *Manager) dispatch(events ...Event) {
	if len(events) == 0 {
		return
	}
	m.mu.Lock()
	ls := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		ls = append(ls, l)
	}
	m.mu.Unlock()

	for _, ev := range events {
		for _, l := range ls {
			dispatchOne(l, ev)
		}
	}
}

func dispatchOne(l Listener, ev Event) {
	defer func() { recover() }()
	l(ev)
}

// Add inserts a new item in Queued or Scheduled status (Scheduled if
// scheduledAt is non-nil and in the future). Rejects once the queue
// reaches its configured size limit.
func (m *Manager) Add(item Item) (Item, error) {
	m.mu.Lock()
	if len(m.items) >= m.sizeLimit {
		m.mu.Unlock()
		return Item{}, &ErrQueueFull{Limit: m.sizeLimit}
	}

	now := time.Now()
	item.CreatedAt = now
	item.UpdatedAt = now
	if item.ScheduledAt != nil && item.ScheduledAt.After(now) {
		item.Status = StatusScheduled
	} else {
		item.Status = StatusQueued
		item.ScheduledAt = nil
	}

	stored := item.clone()
	m.items[item.ID] = &stored
	m.order = append(m.order, item.ID)
	snapshot := stored.clone()
	m.mu.Unlock()

	m.dispatch(Event{Kind: EventAdded, Item: snapshot})
	return snapshot, nil
}

// Get returns a copy of the item, or ErrNotFound.
func (m *Manager) Get(id string) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return Item{}, &ErrNotFound{ID: id}
	}
	return it.clone(), nil
}

// List returns a snapshot of every item in insertion order.
func (m *Manager) List() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Item, 0, len(m.order))
	for _, id := range m.order {
		if it, ok := m.items[id]; ok {
			out = append(out, it.clone())
		}
	}
	return out
}

// Patch mutates fields of an item in place (e.g. progress updates) without
// a status transition. Intended for high-frequency progress reporting;
// does not validate a transition table entry.
func (m *Manager) Patch(id string, apply func(*Item)) (Item, error) {
	m.mu.Lock()
	it, ok := m.items[id]
	if !ok {
		m.mu.Unlock()
		return Item{}, &ErrNotFound{ID: id}
	}
	apply(it)
	it.UpdatedAt = time.Now()
	snapshot := it.clone()
	m.mu.Unlock()

	m.dispatch(Event{Kind: EventChanged, Item: snapshot, OldStatus: snapshot.Status, NewStatus: snapshot.Status})
	return snapshot, nil
}

// UpdateStatus enforces the transition table and applies patch atomically
// with the status change.
func (m *Manager) UpdateStatus(id string, newStatus Status, patch func(*Item)) (Item, error) {
	m.mu.Lock()
	it, ok := m.items[id]
	if !ok {
		m.mu.Unlock()
		return Item{}, &ErrNotFound{ID: id}
	}
	old := it.Status
	if !validTransitions[old][newStatus] {
		m.mu.Unlock()
		return Item{}, &ErrInvalidTransition{ID: id, From: old, To: newStatus}
	}
	it.Status = newStatus
	it.UpdatedAt = time.Now()
	if patch != nil {
		patch(it)
	}
	snapshot := it.clone()
	m.mu.Unlock()

	m.dispatch(Event{Kind: EventChanged, Item: snapshot, OldStatus: old, NewStatus: newStatus})
	return snapshot, nil
}

// ClaimNextDownloadable finds the earliest-inserted Queued item whose
// scheduled_at is nil or past, transitions it to Allocating, and returns
// it. Returns ErrNotFound (via ok=false) when there is nothing to claim.
func (m *Manager) ClaimNextDownloadable() (Item, bool) {
	return m.ClaimNextDownloadableMatching(nil)
}

// ClaimNextDownloadableMatching behaves like ClaimNextDownloadable but
// skips any otherwise-claimable item for which allowed returns false,
// leaving it Queued rather than claiming and immediately handing it
// back. allowed == nil matches everything. Scheduler uses this to honor
// per-host concurrency limits without ever claiming an item it can't
// dispatch yet.
func (m *Manager) ClaimNextDownloadableMatching(allowed func(Item) bool) (Item, bool) {
	m.mu.Lock()
	now := time.Now()
	for _, id := range m.order {
		it, ok := m.items[id]
		if !ok || it.Status != StatusQueued {
			continue
		}
		if it.ScheduledAt != nil && it.ScheduledAt.After(now) {
			continue
		}
		if allowed != nil && !allowed(it.clone()) {
			continue
		}
		it.Status = StatusAllocating
		it.UpdatedAt = now
		snapshot := it.clone()
		m.mu.Unlock()
		m.dispatch(Event{Kind: EventChanged, Item: snapshot, OldStatus: StatusQueued, NewStatus: StatusAllocating})
		return snapshot, true
	}
	m.mu.Unlock()
	return Item{}, false
}

// UpdateScheduledItems transitions every Scheduled item whose scheduled_at
// has arrived to Queued. Intended to be called periodically by Scheduler.
func (m *Manager) UpdateScheduledItems(now time.Time) {
	m.mu.Lock()
	var events []Event
	for _, id := range m.order {
		it, ok := m.items[id]
		if !ok || it.Status != StatusScheduled {
			continue
		}
		if it.ScheduledAt == nil || !it.ScheduledAt.After(now) {
			it.Status = StatusQueued
			it.UpdatedAt = now
			events = append(events, Event{Kind: EventChanged, Item: it.clone(), OldStatus: StatusScheduled, NewStatus: StatusQueued})
		}
	}
	m.mu.Unlock()
	m.dispatch(events...)
}

// CancelItem transitions id to Cancelled. The caller (Scheduler) is
// responsible for signalling the item's CancelToken first if it's
// in-flight; this just records the terminal state once the worker (or the
// caller, if the item never started) confirms it.
func (m *Manager) CancelItem(id string) (Item, error) {
	m.mu.Lock()
	it, ok := m.items[id]
	if !ok {
		m.mu.Unlock()
		return Item{}, &ErrNotFound{ID: id}
	}
	old := it.Status
	if old.IsTerminal() {
		m.mu.Unlock()
		return it.clone(), nil
	}
	if !validTransitions[old][StatusCancelled] {
		m.mu.Unlock()
		return Item{}, &ErrInvalidTransition{ID: id, From: old, To: StatusCancelled}
	}
	it.Status = StatusCancelled
	it.UpdatedAt = time.Now()
	snapshot := it.clone()
	m.mu.Unlock()
	m.dispatch(Event{Kind: EventChanged, Item: snapshot, OldStatus: old, NewStatus: StatusCancelled})
	return snapshot, nil
}

// CancelAll cancels every non-terminal item and returns their ids.
func (m *Manager) CancelAll() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.order))
	for _, id := range m.order {
		if it, ok := m.items[id]; ok && !it.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	cancelled := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := m.CancelItem(id); err == nil {
			cancelled = append(cancelled, id)
		}
	}
	return cancelled
}

// PauseAll transitions every Queued item to Paused. Items already
// downloading are left to the caller (Scheduler pauses their tokens
// separately; spec ties Downloading -> Paused to the engine observing the
// token, not a direct queue transition here).
func (m *Manager) PauseAll() []string {
	m.mu.Lock()
	ids := make([]string, 0)
	for _, id := range m.order {
		if it, ok := m.items[id]; ok && it.Status == StatusQueued {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	paused := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := m.UpdateStatus(id, StatusPaused, nil); err == nil {
			paused = append(paused, id)
		}
	}
	return paused
}

// ResumeAll transitions every Paused item back to Queued.
func (m *Manager) ResumeAll() []string {
	m.mu.Lock()
	ids := make([]string, 0)
	for _, id := range m.order {
		if it, ok := m.items[id]; ok && it.Status == StatusPaused {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	resumed := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := m.UpdateStatus(id, StatusQueued, nil); err == nil {
			resumed = append(resumed, id)
		}
	}
	return resumed
}

// ClearCompleted removes every item in a terminal status from the queue
// entirely (history already has the record by the time this is called).
func (m *Manager) ClearCompleted() []string {
	m.mu.Lock()
	var removed []string
	var events []Event
	newOrder := m.order[:0:0]
	for _, id := range m.order {
		it, ok := m.items[id]
		if ok && it.Status.IsTerminal() {
			removed = append(removed, id)
			events = append(events, Event{Kind: EventRemoved, Item: it.clone()})
			delete(m.items, id)
			continue
		}
		newOrder = append(newOrder, id)
	}
	m.order = newOrder
	m.mu.Unlock()
	m.dispatch(events...)
	return removed
}

// RetryItem takes a terminal item and gives it a fresh attempt: retry
// count incremented, progress reset, status directly back to Queued so
// the next dispatch pass can claim it immediately.
func (m *Manager) RetryItem(id string) (Item, error) {
	m.mu.Lock()
	it, ok := m.items[id]
	if !ok {
		m.mu.Unlock()
		return Item{}, &ErrNotFound{ID: id}
	}
	old := it.Status
	if !old.IsTerminal() {
		m.mu.Unlock()
		return Item{}, &ErrInvalidTransition{ID: id, From: old, To: StatusQueued}
	}
	now := time.Now()
	it.Status = StatusQueued
	it.ScheduledAt = nil
	it.RetryCount++
	it.BytesDone = 0
	it.ProgressRatio = 0
	it.SpeedBPS = 0
	it.ETASeconds = 0
	it.FilePath = ""
	it.ErrorMessage = ""
	it.ErrorKind = ""
	it.FinalStatusTime = nil
	it.UpdatedAt = now
	snapshot := it.clone()
	m.mu.Unlock()
	m.dispatch(Event{Kind: EventChanged, Item: snapshot, OldStatus: old, NewStatus: StatusQueued})
	return snapshot, nil
}

// Swap reorders two adjacent items in the display/claim order. Disallowed
// if either is Downloading or Processing.
func (m *Manager) Swap(i, j string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ii, jj := -1, -1
	for idx, id := range m.order {
		if id == i {
			ii = idx
		}
		if id == j {
			jj = idx
		}
	}
	if ii < 0 || jj < 0 {
		return fmt.Errorf("queue: swap target not found")
	}
	for _, id := range []string{i, j} {
		if it, ok := m.items[id]; ok && (it.Status == StatusDownloading || it.Status == StatusProcessing) {
			return fmt.Errorf("queue: cannot reorder item %q while %s", id, it.Status)
		}
	}
	m.order[ii], m.order[jj] = m.order[jj], m.order[ii]
	return nil
}

// Statistics returns item counts grouped by status.
func (m *Manager) Statistics() map[Status]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Status]int)
	for _, it := range m.items {
		out[it.Status]++
	}
	return out
}
