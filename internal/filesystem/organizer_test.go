package filesystem

import (
	"os"
	"path/filepath"
	"project-tachyon/internal/storage"
	"testing"
)

// newPostDownloadTask builds the DownloadTask shape downloadcore.Core.Run
// actually passes to OrganizeFile — just SavePath and Filename, no ID or
// other bookkeeping fields, since the queue item's own state lives in
// queue.Item by the time the core reaches its post-process stage.
func newPostDownloadTask(savePath, filename string) *storage.DownloadTask {
	return &storage.DownloadTask{SavePath: savePath, Filename: filename}
}

func TestOrganizer(t *testing.T) {
	tmpDir, _ := os.MkdirTemp("", "tachyon_organizer_test")
	defer os.RemoveAll(tmpDir)

	organizer := NewSmartOrganizer()

	tests := []struct {
		filename string
		category string
	}{
		{"pic.jpg", "Images"},
		{"song.mp3", "Music"},
		{"doc.pdf", "Documents"},
		{"installer.exe", "Software"},
		{"movie.mp4", "Videos"},
		{"archive.zip", "Archives"},
		{"unknown.xyz", "Others"},
	}

	for _, tt := range tests {
		originalPath := filepath.Join(tmpDir, tt.filename)
		os.WriteFile(originalPath, []byte("downloaded bytes"), 0644)

		task := newPostDownloadTask(originalPath, tt.filename)

		newPath, err := organizer.OrganizeFile(task)
		if err != nil {
			t.Errorf("OrganizeFile(%s) failed: %v", tt.filename, err)
			continue
		}

		expectedDir := filepath.Join(tmpDir, tt.category)
		expectedPath := filepath.Join(expectedDir, tt.filename)

		if newPath != expectedPath {
			t.Errorf("Expected path %s, got %s", expectedPath, newPath)
		}

		if _, err := os.Stat(newPath); os.IsNotExist(err) {
			t.Errorf("File not found at new path: %s", newPath)
		}
	}
}

func TestCollisionHandling(t *testing.T) {
	tmpDir, _ := os.MkdirTemp("", "tachyon_collision_test")
	defer os.RemoveAll(tmpDir)

	organizer := NewSmartOrganizer()

	filename := "test.jpg"
	category := "Images"

	imgDir := filepath.Join(tmpDir, category)
	os.MkdirAll(imgDir, 0755)

	targetPath := filepath.Join(imgDir, filename)
	os.WriteFile(targetPath, []byte("existing"), 0644)

	sourcePath := filepath.Join(tmpDir, filename)
	os.WriteFile(sourcePath, []byte("new"), 0644)

	task := newPostDownloadTask(sourcePath, filename)

	newPath, err := organizer.OrganizeFile(task)
	if err != nil {
		t.Fatalf("OrganizeFile failed: %v", err)
	}

	expectedPath := filepath.Join(imgDir, "test (1).jpg")
	if newPath != expectedPath {
		t.Errorf("Expected collision handling to %s, got %s", expectedPath, newPath)
	}
}

// TestOrganizeFileDisabledLeavesFileInPlace covers the non-opted-in
// default: SetEnabled(false) must make OrganizeFile a no-op returning the
// original SavePath untouched.
func TestOrganizeFileDisabledLeavesFileInPlace(t *testing.T) {
	tmpDir, _ := os.MkdirTemp("", "tachyon_organizer_disabled_test")
	defer os.RemoveAll(tmpDir)

	organizer := NewSmartOrganizer()
	organizer.SetEnabled(false)

	originalPath := filepath.Join(tmpDir, "report.pdf")
	os.WriteFile(originalPath, []byte("downloaded bytes"), 0644)

	task := newPostDownloadTask(originalPath, "report.pdf")

	newPath, err := organizer.OrganizeFile(task)
	if err != nil {
		t.Fatalf("OrganizeFile failed: %v", err)
	}
	if newPath != originalPath {
		t.Errorf("expected disabled organizer to return %q unchanged, got %q", originalPath, newPath)
	}
	if _, err := os.Stat(originalPath); err != nil {
		t.Errorf("expected file to remain at original path: %v", err)
	}
}
