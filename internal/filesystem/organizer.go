package filesystem

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"project-tachyon/internal/storage"
)

// SmartOrganizer sorts completed downloads into category subfolders next to
// their save directory (Images, Videos, Music, Archives, Documents, Software,
// Others), renaming on collision rather than overwriting.
type SmartOrganizer struct {
	enabled bool
}

// NewSmartOrganizer returns an organizer with smart sorting enabled.
func NewSmartOrganizer() *SmartOrganizer {
	return &SmartOrganizer{enabled: true}
}

// SetEnabled toggles whether OrganizeFile actually moves files.
func (o *SmartOrganizer) SetEnabled(enabled bool) {
	o.enabled = enabled
}

// GetCategory maps a filename's extension to a category folder name.
func (o *SmartOrganizer) GetCategory(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp", ".svg", ".tiff":
		return "Images"
	case ".mp4", ".mkv", ".avi", ".mov", ".wmv", ".flv", ".webm", ".m4v":
		return "Videos"
	case ".mp3", ".wav", ".flac", ".aac", ".ogg", ".m4a", ".wma":
		return "Music"
	case ".zip", ".rar", ".7z", ".tar", ".gz", ".bz2", ".xz":
		return "Archives"
	case ".pdf", ".doc", ".docx", ".txt", ".odt", ".rtf", ".xls", ".xlsx", ".ppt", ".pptx":
		return "Documents"
	case ".exe", ".msi", ".dmg", ".pkg", ".deb", ".rpm", ".appimage":
		return "Software"
	default:
		return "Others"
	}
}

// GetOrganizedPath returns the destination path a file would be organized to,
// without touching the filesystem.
func (o *SmartOrganizer) GetOrganizedPath(baseDir, filename string) string {
	category := o.GetCategory(filename)
	return filepath.Join(baseDir, category, filename)
}

// OrganizeFile moves a completed task's file into its category subfolder,
// renaming on collision, and returns the new path. If smart sorting is
// disabled it is a no-op returning the task's existing SavePath.
func (o *SmartOrganizer) OrganizeFile(task *storage.DownloadTask) (string, error) {
	if !o.enabled {
		return task.SavePath, nil
	}

	baseDir := filepath.Dir(task.SavePath)
	category := o.GetCategory(task.Filename)
	destDir := filepath.Join(baseDir, category)

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("organizer: create category dir: %w", err)
	}

	destPath, err := findAvailablePath(filepath.Join(destDir, task.Filename))
	if err != nil {
		return "", fmt.Errorf("organizer: find available path: %w", err)
	}

	if err := os.Rename(task.SavePath, destPath); err != nil {
		return "", fmt.Errorf("organizer: move file: %w", err)
	}

	return destPath, nil
}

// findAvailablePath returns path unchanged if nothing occupies it, otherwise
// appends " (N)" before the extension until a free name is found.
func findAvailablePath(path string) (string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path, nil
	}

	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(filepath.Base(path), ext)

	for i := 1; i <= 999; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}

	return filepath.Join(dir, fmt.Sprintf("%s_9999%s", base, ext)), nil
}
