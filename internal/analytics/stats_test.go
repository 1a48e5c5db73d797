package analytics

import (
	"project-tachyon/internal/storage"
	"testing"
	"time"
)

// mockDownloadPathFn is a test helper that returns a predictable path
func mockDownloadPathFn() (string, error) {
	return "C:\\Users\\test\\Downloads", nil
}

func newTestStatsManager(t *testing.T) *StatsManager {
	t.Helper()
	s, err := storage.OpenStorage(":memory:")
	if err != nil {
		t.Fatalf("open test storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewStatsManager(s, mockDownloadPathFn)
}

// TestTrackCompletedItemUpdatesLifetimeAndDailyStats exercises the exact
// call downloadcore.Core.Run makes once a queue item reaches
// StatusCompleted: TrackCompletedItem should move both the lifetime byte
// counter and today's daily-history row, with no increment lost between
// the two calls.
func TestTrackCompletedItemUpdatesLifetimeAndDailyStats(t *testing.T) {
	sm := newTestStatsManager(t)

	sm.TrackCompletedItem(2048)
	sm.TrackCompletedItem(4096)

	deadline := time.Now().Add(time.Second)
	var lifetime, files int64
	for time.Now().Before(deadline) {
		lifetime, _ = sm.GetLifetimeStats()
		files, _ = sm.GetTotalFiles()
		if lifetime == 6144 && files == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if lifetime != 6144 {
		t.Errorf("expected 6144 lifetime bytes, got %d", lifetime)
	}
	if files != 2 {
		t.Errorf("expected 2 completed files, got %d", files)
	}

	daily, err := sm.GetDailyStats(7)
	if err != nil {
		t.Fatalf("GetDailyStats returned error: %v", err)
	}
	if len(daily) > 7 {
		t.Errorf("expected at most 7 days of stats, got %d", len(daily))
	}
}

func TestCurrentSpeedRoundTrips(t *testing.T) {
	sm := newTestStatsManager(t)

	if sm.GetCurrentSpeed() != 0 {
		t.Fatalf("expected a fresh StatsManager to report 0 speed, got %d", sm.GetCurrentSpeed())
	}

	sm.UpdateDownloadSpeed(512_000)
	if got := sm.GetCurrentSpeed(); got != 512_000 {
		t.Errorf("expected 512000, got %d", got)
	}
}

func TestGetDiskUsage(t *testing.T) {
	sm := newTestStatsManager(t)

	usage := sm.GetDiskUsage()
	if usage.Percent < 0 || usage.Percent > 100 {
		t.Errorf("disk usage percent out of range: %f", usage.Percent)
	}
}

func TestGetSnapshot(t *testing.T) {
	sm := newTestStatsManager(t)
	sm.TrackCompletedItem(1024)

	deadline := time.Now().Add(time.Second)
	var snap Snapshot
	for time.Now().Before(deadline) {
		snap = sm.GetSnapshot()
		if snap.TotalDownloaded == 1024 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if snap.TotalDownloaded != 1024 {
		t.Errorf("expected 1024 total downloaded, got %d", snap.TotalDownloaded)
	}
	if snap.TotalFiles != 1 {
		t.Errorf("expected 1 total file, got %d", snap.TotalFiles)
	}
	if len(snap.DailyHistory) > 7 {
		t.Errorf("expected at most 7 days of history, got %d", len(snap.DailyHistory))
	}
}
