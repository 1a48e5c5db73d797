package queue

import (
	"sync"
	"testing"
	"time"
)

func newItem(id string) Item {
	return Item{ID: id, URL: "https://example.com/" + id}
}

func TestAddRejectsOverLimit(t *testing.T) {
	m := New(1)
	if _, err := m.Add(newItem("a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Add(newItem("b")); err == nil {
		t.Error("expected ErrQueueFull")
	}
}

func TestAddFutureScheduledStaysScheduled(t *testing.T) {
	m := New(10)
	future := time.Now().Add(time.Hour)
	item := newItem("a")
	item.ScheduledAt = &future

	got, err := m.Add(item)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusScheduled {
		t.Errorf("expected Scheduled, got %s", got.Status)
	}
}

func TestClaimNextDownloadableRespectsOrder(t *testing.T) {
	m := New(10)
	m.Add(newItem("a"))
	m.Add(newItem("b"))

	got, ok := m.ClaimNextDownloadable()
	if !ok {
		t.Fatal("expected a claimable item")
	}
	if got.ID != "a" {
		t.Errorf("expected a to claim first, got %s", got.ID)
	}
	if got.Status != StatusAllocating {
		t.Errorf("expected Allocating, got %s", got.Status)
	}
}

func TestClaimNextDownloadableNoDoubleClaim(t *testing.T) {
	m := New(50)
	for i := 0; i < 50; i++ {
		m.Add(newItem(string(rune('a' + i))))
	}

	seen := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				it, ok := m.ClaimNextDownloadable()
				if !ok {
					return
				}
				mu.Lock()
				if seen[it.ID] {
					t.Errorf("item %s claimed twice", it.ID)
				}
				seen[it.ID] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 50 {
		t.Errorf("expected 50 claims, got %d", len(seen))
	}
}

func TestUpdateStatusEnforcesTransitionTable(t *testing.T) {
	m := New(10)
	m.Add(newItem("a"))

	if _, err := m.UpdateStatus("a", StatusCompleted, nil); err == nil {
		t.Error("expected invalid transition error Queued->Completed")
	}

	if _, err := m.UpdateStatus("a", StatusAllocating, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.UpdateStatus("a", StatusDownloading, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCancelItemFromTerminalIsNoop(t *testing.T) {
	m := New(10)
	m.Add(newItem("a"))
	m.UpdateStatus("a", StatusAllocating, nil)
	m.UpdateStatus("a", StatusCancelled, nil)

	got, err := m.CancelItem("a")
	if err != nil {
		t.Fatalf("unexpected error cancelling a terminal item: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("expected Cancelled, got %s", got.Status)
	}
}

func TestRetryItemResetsProgress(t *testing.T) {
	m := New(10)
	m.Add(newItem("a"))
	m.UpdateStatus("a", StatusAllocating, nil)
	m.UpdateStatus("a", StatusError, func(it *Item) {
		it.BytesDone = 500
		it.ProgressRatio = 0.5
		it.ErrorMessage = "boom"
	})

	got, err := m.RetryItem("a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusQueued {
		t.Errorf("expected retry to return the item directly to Queued, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retry_count 1, got %d", got.RetryCount)
	}
	if got.ProgressRatio != 0 || got.BytesDone != 0 {
		t.Error("expected progress reset on retry")
	}
	if got.ErrorMessage != "" {
		t.Error("expected error message cleared on retry")
	}

	// Directly claimable: no Scheduled detour, no poll-tick latency.
	claimed, ok := m.ClaimNextDownloadable()
	if !ok || claimed.ID != "a" {
		t.Errorf("expected the retried item to be immediately claimable, got %v %v", claimed.ID, ok)
	}
}

func TestClearCompletedRemovesOnlyTerminalItems(t *testing.T) {
	m := New(10)
	m.Add(newItem("a"))
	m.Add(newItem("b"))
	m.UpdateStatus("a", StatusAllocating, nil)
	m.UpdateStatus("a", StatusCancelled, nil)

	removed := m.ClearCompleted()
	if len(removed) != 1 || removed[0] != "a" {
		t.Errorf("expected only a removed, got %v", removed)
	}
	if _, err := m.Get("b"); err != nil {
		t.Error("expected b to remain in the queue")
	}
	if _, err := m.Get("a"); err == nil {
		t.Error("expected a to be gone")
	}
}

func TestSwapDisallowedWhileDownloading(t *testing.T) {
	m := New(10)
	m.Add(newItem("a"))
	m.Add(newItem("b"))
	m.UpdateStatus("a", StatusAllocating, nil)
	m.UpdateStatus("a", StatusDownloading, nil)

	if err := m.Swap("a", "b"); err == nil {
		t.Error("expected swap to be rejected while a is Downloading")
	}
}

func TestListenersFireOutsideLock(t *testing.T) {
	m := New(10)
	done := make(chan struct{})
	m.Subscribe(func(ev Event) {
		// Re-entrant call into the manager from a listener must not
		// deadlock: proves dispatch happens outside the lock.
		m.List()
		close(done)
	})
	m.Add(newItem("a"))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener never fired or deadlocked")
	}
}

func TestStatisticsCountsByStatus(t *testing.T) {
	m := New(10)
	m.Add(newItem("a"))
	m.Add(newItem("b"))
	m.UpdateStatus("a", StatusAllocating, nil)

	stats := m.Statistics()
	if stats[StatusQueued] != 1 || stats[StatusAllocating] != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}
