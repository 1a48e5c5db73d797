package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// HistoryEntry is a terminal-state record of a finished download: it
// survives the queue item that produced it, so the queue can be cleared
// without losing the download's outcome.
type HistoryEntry struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	URL         string    `gorm:"index" json:"url"`
	Title       string    `json:"title"`
	FilePath    string    `json:"file_path"`
	BytesTotal  int64     `json:"bytes_total"`
	Status      string    `gorm:"index" json:"status"` // completed, failed, cancelled
	ErrorReason string    `json:"error_reason"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `gorm:"index" json:"finished_at"`
}

// TableName specifies the table name for HistoryEntry.
func (HistoryEntry) TableName() string {
	return "history_entries"
}

// AddHistoryEntry records a finished download, upserting by ID so retries
// of the same item don't duplicate rows.
func (s *Storage) AddHistoryEntry(entry HistoryEntry) error {
	if entry.FinishedAt.IsZero() {
		entry.FinishedAt = time.Now()
	}
	return s.DB.Clauses(clause.OnConflict{UpdateAll: true}).Create(&entry).Error
}

// ListHistory returns history entries newest-first, up to limit (0 = no
// limit).
func (s *Storage) ListHistory(limit int) ([]HistoryEntry, error) {
	q := s.DB.Order("finished_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []HistoryEntry
	err := q.Find(&entries).Error
	return entries, err
}

// SearchHistory filters history entries by a case-insensitive substring
// match against URL or title, and/or by status.
func (s *Storage) SearchHistory(query, status string, limit int) ([]HistoryEntry, error) {
	q := s.DB.Model(&HistoryEntry{})
	if query != "" {
		like := "%" + query + "%"
		q = q.Where("url LIKE ? OR title LIKE ?", like, like)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	q = q.Order("finished_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []HistoryEntry
	err := q.Find(&entries).Error
	return entries, err
}

// DeleteHistoryEntry permanently removes a single history record.
func (s *Storage) DeleteHistoryEntry(id string) error {
	return s.DB.Unscoped().Delete(&HistoryEntry{}, "id = ?", id).Error
}

// ClearHistory permanently deletes every history entry, optionally
// restricted to a status (e.g. clear only "completed" entries).
func (s *Storage) ClearHistory(status string) (int64, error) {
	q := s.DB.Unscoped()
	if status != "" {
		q = q.Where("status = ?", status)
	}
	res := q.Delete(&HistoryEntry{})
	return res.RowsAffected, res.Error
}

// HistoryStats summarizes the history table for the analytics dashboard.
type HistoryStats struct {
	TotalCompleted int64
	TotalFailed    int64
	TotalCancelled int64
	TotalBytes     int64
}

// HistoryStats computes aggregate history counters.
func (s *Storage) HistoryStats() (HistoryStats, error) {
	var stats HistoryStats
	if err := s.DB.Model(&HistoryEntry{}).Where("status = ?", "completed").Count(&stats.TotalCompleted).Error; err != nil {
		return stats, err
	}
	if err := s.DB.Model(&HistoryEntry{}).Where("status = ?", "failed").Count(&stats.TotalFailed).Error; err != nil {
		return stats, err
	}
	if err := s.DB.Model(&HistoryEntry{}).Where("status = ?", "cancelled").Count(&stats.TotalCancelled).Error; err != nil {
		return stats, err
	}
	if err := s.DB.Model(&HistoryEntry{}).Where("status = ?", "completed").
		Select("COALESCE(SUM(bytes_total), 0)").Scan(&stats.TotalBytes).Error; err != nil {
		return stats, err
	}
	return stats, nil
}

// Vacuum reclaims space after bulk history deletes, and prunes history
// entries older than retain. It is run periodically by
// internal/scheduler's maintenance loop.
func (s *Storage) Vacuum(retain time.Duration) error {
	if retain > 0 {
		cutoff := time.Now().Add(-retain)
		if err := s.DB.Unscoped().Where("finished_at < ?", cutoff).Delete(&HistoryEntry{}).Error; err != nil {
			return fmt.Errorf("storage: prune history: %w", err)
		}
	}
	return s.DB.Exec("VACUUM").Error
}

// AddHistoryEntryRetrying is AddHistoryEntry with the retry-on-busy
// policy spec.md section 4.5 requires: up to 5 attempts, starting at
// 50ms and doubling, so a transient SQLITE_BUSY from a concurrent writer
// never drops a completed download's record.
func (s *Storage) AddHistoryEntryRetrying(entry HistoryEntry) error {
	delay := 50 * time.Millisecond
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		if err = s.AddHistoryEntry(entry); err == nil {
			return nil
		}
		if !isBusyErr(err) {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return fmt.Errorf("storage: add history entry after 5 attempts: %w", err)
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}

// ExportFormat is the set of formats HistoryStore.export supports
// (spec.md section 4.5).
type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportCSV  ExportFormat = "csv"
)

// ExportHistory writes every history entry to w in the requested format.
func (s *Storage) ExportHistory(w io.Writer, format ExportFormat) error {
	entries, err := s.ListHistory(0)
	if err != nil {
		return fmt.Errorf("storage: export history: %w", err)
	}
	switch format {
	case ExportJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case ExportCSV:
		return exportHistoryCSV(w, entries)
	default:
		return fmt.Errorf("storage: unsupported export format %q", format)
	}
}

func exportHistoryCSV(w io.Writer, entries []HistoryEntry) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()
	header := []string{"id", "url", "title", "file_path", "bytes_total", "status", "error_reason", "started_at", "finished_at"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, e := range entries {
		row := []string{
			e.ID, e.URL, e.Title, e.FilePath,
			strconv.FormatInt(e.BytesTotal, 10),
			e.Status, e.ErrorReason,
			e.StartedAt.Format(time.RFC3339),
			e.FinishedAt.Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return nil
}

// ImportHistory reads entries from an ExportHistory JSON dump (CSV import
// is intentionally unsupported: spec.md section 6 only requires the sync
// archive round trip, which always carries the sqlite file itself rather
// than a CSV) and upserts each one.
func (s *Storage) ImportHistory(r io.Reader) (int, error) {
	var entries []HistoryEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return 0, fmt.Errorf("storage: import history: %w", err)
	}
	for _, e := range entries {
		if err := s.AddHistoryEntryRetrying(e); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}

// ErrNotFound is returned by lookups that find nothing; callers can
// compare with errors.Is against gorm.ErrRecordNotFound directly too,
// this alias just keeps the storage package's public error surface from
// leaking a gorm import into every caller.
var ErrNotFound = gorm.ErrRecordNotFound
