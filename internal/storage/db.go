// Package storage is the gorm/sqlite-backed persistence layer: task
// snapshots (for queue resume across restarts), completed-download history,
// saved locations, daily/lifetime counters and key-value app settings.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Storage wraps a gorm connection to a single-file SQLite database running
// in WAL mode, matching the teacher's AutoMigrate + WAL setup.
type Storage struct {
	DB   *gorm.DB
	Path string
}

// NewStorage opens (creating if necessary) the application database under
// the user config directory and runs AutoMigrate for every model.
func NewStorage() (*Storage, error) {
	appData, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	dbDir := filepath.Join(appData, "Tachyon", "data")
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, err
	}

	return OpenStorage(filepath.Join(dbDir, "tachyon.db"))
}

// OpenStorage opens a Storage at an explicit path ("" or ":memory:" for an
// ephemeral in-memory database, used by tests).
func OpenStorage(path string) (*Storage, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open db: %w", err)
	}

	if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
		return nil, fmt.Errorf("storage: set WAL mode: %w", err)
	}
	if err := db.Exec("PRAGMA busy_timeout=5000;").Error; err != nil {
		return nil, fmt.Errorf("storage: set busy timeout: %w", err)
	}

	if err := db.AutoMigrate(
		&DownloadTask{},
		&DownloadLocation{},
		&DailyStat{},
		&AppSetting{},
		&HistoryEntry{},
		&SpeedTestHistory{},
	); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	return &Storage{DB: db, Path: path}, nil
}

// Close releases the underlying database connection.
func (s *Storage) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveTask upserts a task snapshot by ID.
func (s *Storage) SaveTask(task DownloadTask) error {
	return s.DB.Clauses(clause.OnConflict{UpdateAll: true}).Create(&task).Error
}

// GetTask fetches a task by ID.
func (s *Storage) GetTask(id string) (DownloadTask, error) {
	var task DownloadTask
	err := s.DB.First(&task, "id = ?", id).Error
	return task, err
}

// GetAllTasks returns every non-deleted task, most recently created first.
func (s *Storage) GetAllTasks() ([]DownloadTask, error) {
	var tasks []DownloadTask
	err := s.DB.Order("created_at desc").Find(&tasks).Error
	return tasks, err
}

// DeleteTask soft-deletes a task by ID (gorm.DeletedAt).
func (s *Storage) DeleteTask(id string) error {
	return s.DB.Delete(&DownloadTask{}, "id = ?", id).Error
}

// IncrementDailyBytes adds to today's byte counter, creating the row if
// it doesn't exist yet.
func (s *Storage) IncrementDailyBytes(n int64) error {
	return s.upsertDailyStat(func(stat *DailyStat) { stat.Bytes += n })
}

// IncrementDailyFiles increments today's completed-file counter.
func (s *Storage) IncrementDailyFiles() error {
	return s.upsertDailyStat(func(stat *DailyStat) { stat.Files++ })
}

func (s *Storage) upsertDailyStat(mutate func(*DailyStat)) error {
	today := time.Now().Format("2006-01-02")
	return s.DB.Transaction(func(tx *gorm.DB) error {
		var stat DailyStat
		err := tx.First(&stat, "date = ?", today).Error
		if err != nil {
			if err != gorm.ErrRecordNotFound {
				return err
			}
			stat = DailyStat{Date: today}
		}
		mutate(&stat)
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&stat).Error
	})
}

// GetTotalLifetime sums bytes across every recorded day.
func (s *Storage) GetTotalLifetime() (int64, error) {
	var total int64
	err := s.DB.Model(&DailyStat{}).Select("COALESCE(SUM(bytes), 0)").Scan(&total).Error
	return total, err
}

// GetTotalFiles sums completed files across every recorded day.
func (s *Storage) GetTotalFiles() (int64, error) {
	var total int64
	err := s.DB.Model(&DailyStat{}).Select("COALESCE(SUM(files), 0)").Scan(&total).Error
	return total, err
}

// GetDailyHistory returns the last n days of stats, oldest first.
func (s *Storage) GetDailyHistory(n int) ([]DailyStat, error) {
	var stats []DailyStat
	err := s.DB.Order("date desc").Limit(n).Find(&stats).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(stats)-1; i < j; i, j = i+1, j-1 {
		stats[i], stats[j] = stats[j], stats[i]
	}
	return stats, nil
}

// AddLocation upserts a saved download location by path.
func (s *Storage) AddLocation(path, nickname string) error {
	loc := DownloadLocation{Path: path, Nickname: nickname}
	return s.DB.Clauses(clause.OnConflict{UpdateAll: true}).Create(&loc).Error
}

// GetLocations returns every saved location.
func (s *Storage) GetLocations() ([]DownloadLocation, error) {
	var locations []DownloadLocation
	err := s.DB.Find(&locations).Error
	return locations, err
}

// RemoveLocation deletes a saved location by path.
func (s *Storage) RemoveLocation(path string) error {
	return s.DB.Delete(&DownloadLocation{}, "path = ?", path).Error
}

// RecordSpeedTest persists one bandwidth probe result, for the `calibrate`
// CLI command and any future control-API endpoint that wants a history of
// measured link speed rather than just the most recent one.
func (s *Storage) RecordSpeedTest(entry SpeedTestHistory) error {
	return s.DB.Create(&entry).Error
}

// GetRecentSpeedTests returns the most recent speed test results,
// newest first, up to limit (0 = no limit).
func (s *Storage) GetRecentSpeedTests(limit int) ([]SpeedTestHistory, error) {
	q := s.DB.Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var results []SpeedTestHistory
	err := q.Find(&results).Error
	return results, err
}

// GetString retrieves a single setting value, returning "" if unset.
func (s *Storage) GetString(key string) (string, error) {
	var setting AppSetting
	err := s.DB.First(&setting, "key = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	return setting.Value, err
}

// SetString upserts a single setting value.
func (s *Storage) SetString(key, value string) error {
	setting := AppSetting{Key: key, Value: value}
	return s.DB.Clauses(clause.OnConflict{UpdateAll: true}).Create(&setting).Error
}

// GetStringList retrieves a JSON-encoded setting as a string slice.
func (s *Storage) GetStringList(key string) ([]string, error) {
	val, err := s.GetString(key)
	if err != nil {
		return nil, err
	}
	if val == "" {
		return []string{}, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(val), &list); err != nil {
		return nil, fmt.Errorf("storage: decode string list %q: %w", key, err)
	}
	return list, nil
}

// SetStringList stores a string slice as a JSON-encoded setting.
func (s *Storage) SetStringList(key string, list []string) error {
	bytes, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return s.SetString(key, string(bytes))
}
