package syncarchive

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"project-tachyon/internal/config"
)

func TestExportImportRoundTrip(t *testing.T) {
	dbDir := t.TempDir()
	dbPath := filepath.Join(dbDir, "history.db")
	if err := os.WriteFile(dbPath, []byte("fake sqlite contents"), 0644); err != nil {
		t.Fatalf("seed db file: %v", err)
	}

	snap := config.Snapshot{
		MaxConcurrentDownloads: 5,
		DefaultOutputDir:       "/tmp/downloads",
		QueueSizeLimit:         250,
		PauseTimeoutSecs:       1800,
	}

	var buf bytes.Buffer
	if err := Export(&buf, snap, dbPath); err != nil {
		t.Fatalf("Export: %v", err)
	}

	target := t.TempDir()
	cfgPath, gotDBPath, err := Import(bytes.NewReader(buf.Bytes()), int64(buf.Len()), target)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}

	var got config.Snapshot
	if err := config.ReadJSON(cfgPath, &got); err != nil {
		t.Fatalf("read extracted config: %v", err)
	}
	if got != snap {
		t.Errorf("snapshot round trip mismatch: got %+v, want %+v", got, snap)
	}

	dbContents, err := os.ReadFile(gotDBPath)
	if err != nil {
		t.Fatalf("read extracted db: %v", err)
	}
	if string(dbContents) != "fake sqlite contents" {
		t.Errorf("db contents mismatch: got %q", dbContents)
	}
}

func TestImportRejectsPathTraversal(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("../../etc/cron.d/evil")
	if err != nil {
		t.Fatalf("create malicious entry: %v", err)
	}
	if _, err := f.Write([]byte("payload")); err != nil {
		t.Fatalf("write malicious entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}

	target := t.TempDir()
	_, _, err = Import(bytes.NewReader(buf.Bytes()), int64(buf.Len()), target)
	if err == nil {
		t.Fatal("expected traversal entry to be rejected")
	}
	if !strings.Contains(err.Error(), "escapes target directory") {
		t.Errorf("expected escapes-target-directory error, got %v", err)
	}
}

func TestImportKeepsPlainEntryInsideTarget(t *testing.T) {
	target := t.TempDir()
	outside := t.TempDir()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	// filepath.Join(target, entryName) keeps a leading ".." and so climbs
	// out of target; that attack is exercised in
	// TestImportRejectsPathTraversal. This case asserts a plain entry lands
	// inside target and a same-named sibling outside target is never
	// touched.
	f, err := zw.Create("config.json")
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if _, err := f.Write([]byte(`{"max_concurrent_downloads":1,"queue_size_limit":1,"pause_timeout_secs":1}`)); err != nil {
		t.Fatalf("write entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}

	cfgPath, _, err := Import(bytes.NewReader(buf.Bytes()), int64(buf.Len()), target)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if !strings.HasPrefix(cfgPath, target) {
		t.Errorf("expected config extracted inside %q, got %q", target, cfgPath)
	}
	if _, err := os.Stat(filepath.Join(outside, "config.json")); !os.IsNotExist(err) {
		t.Errorf("expected no file written under unrelated dir %q", outside)
	}
}
