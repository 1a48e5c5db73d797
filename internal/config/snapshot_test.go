package config

import (
	"path/filepath"
	"testing"
)

func TestSnapshotApplySnapshotRoundTrip(t *testing.T) {
	c := newTestConfig(t)

	if err := c.SetMaxConcurrentDownloads(7); err != nil {
		t.Fatalf("SetMaxConcurrentDownloads: %v", err)
	}
	if err := c.SetDefaultOutputDir("/tmp/out"); err != nil {
		t.Fatalf("SetDefaultOutputDir: %v", err)
	}
	if err := c.SetQueueSizeLimit(42); err != nil {
		t.Fatalf("SetQueueSizeLimit: %v", err)
	}

	snap := c.Snapshot()
	if snap.MaxConcurrentDownloads != 7 || snap.DefaultOutputDir != "/tmp/out" || snap.QueueSizeLimit != 42 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	other := newTestConfig(t)
	if err := other.ApplySnapshot(snap); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if got := other.Snapshot(); got != snap {
		t.Errorf("ApplySnapshot did not round trip: got %+v, want %+v", got, snap)
	}
}

func TestWriteAtomicJSONThenReadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	snap := Snapshot{MaxConcurrentDownloads: 3, QueueSizeLimit: 500, PauseTimeoutSecs: 3600}
	if err := WriteAtomicJSON(path, snap); err != nil {
		t.Fatalf("WriteAtomicJSON: %v", err)
	}

	var got Snapshot
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got != snap {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, snap)
	}

	// A second write must leave no stray temp files behind in dir.
	if err := WriteAtomicJSON(path, snap); err != nil {
		t.Fatalf("second WriteAtomicJSON: %v", err)
	}
	entries, err := filepath.Glob(filepath.Join(dir, ".tachyon-config-*.tmp"))
	if err != nil {
		t.Fatalf("glob temp files: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no leftover temp files, found %v", entries)
	}
}
