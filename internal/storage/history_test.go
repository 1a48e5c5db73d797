package storage

import (
	"testing"
	"time"
)

func TestHistoryCRUD(t *testing.T) {
	s := newTestStorage(t)

	err := s.AddHistoryEntry(HistoryEntry{
		ID:         "h1",
		URL:        "https://example.com/a.mp4",
		Title:      "a.mp4",
		BytesTotal: 1024,
		Status:     "completed",
	})
	if err != nil {
		t.Fatalf("AddHistoryEntry failed: %v", err)
	}

	err = s.AddHistoryEntry(HistoryEntry{
		ID:          "h2",
		URL:         "https://example.com/b.mp4",
		Title:       "b.mp4",
		Status:      "failed",
		ErrorReason: "network timeout",
	})
	if err != nil {
		t.Fatalf("AddHistoryEntry failed: %v", err)
	}

	all, err := s.ListHistory(0)
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(all))
	}

	found, err := s.SearchHistory("b.mp4", "", 0)
	if err != nil {
		t.Fatalf("SearchHistory failed: %v", err)
	}
	if len(found) != 1 || found[0].ID != "h2" {
		t.Errorf("expected to find h2, got %+v", found)
	}

	failed, err := s.SearchHistory("", "failed", 0)
	if err != nil {
		t.Fatalf("SearchHistory by status failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "h2" {
		t.Errorf("expected only h2 as failed, got %+v", failed)
	}

	stats, err := s.HistoryStats()
	if err != nil {
		t.Fatalf("HistoryStats failed: %v", err)
	}
	if stats.TotalCompleted != 1 || stats.TotalFailed != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.TotalBytes != 1024 {
		t.Errorf("expected 1024 total bytes, got %d", stats.TotalBytes)
	}

	if err := s.DeleteHistoryEntry("h1"); err != nil {
		t.Fatalf("DeleteHistoryEntry failed: %v", err)
	}
	all, _ = s.ListHistory(0)
	if len(all) != 1 {
		t.Errorf("expected 1 entry after delete, got %d", len(all))
	}
}

func TestClearHistory(t *testing.T) {
	s := newTestStorage(t)

	s.AddHistoryEntry(HistoryEntry{ID: "c1", Status: "completed"})
	s.AddHistoryEntry(HistoryEntry{ID: "c2", Status: "failed"})

	n, err := s.ClearHistory("completed")
	if err != nil {
		t.Fatalf("ClearHistory failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 row cleared, got %d", n)
	}

	all, _ := s.ListHistory(0)
	if len(all) != 1 || all[0].ID != "c2" {
		t.Errorf("expected only c2 to remain, got %+v", all)
	}
}

func TestVacuumPrunesOldEntries(t *testing.T) {
	s := newTestStorage(t)

	old := HistoryEntry{ID: "old", Status: "completed", FinishedAt: time.Now().Add(-48 * time.Hour)}
	recent := HistoryEntry{ID: "recent", Status: "completed", FinishedAt: time.Now()}
	s.AddHistoryEntry(old)
	s.AddHistoryEntry(recent)

	if err := s.Vacuum(24 * time.Hour); err != nil {
		t.Fatalf("Vacuum failed: %v", err)
	}

	all, _ := s.ListHistory(0)
	if len(all) != 1 || all[0].ID != "recent" {
		t.Errorf("expected only recent entry to survive vacuum, got %+v", all)
	}
}
