// Package analytics tracks lifetime and daily download statistics for
// completed queue items, plus disk usage for the configured output
// directory. It backs both the `stats` CLI command and downloadcore.Core's
// per-item completion hook.
package analytics

import (
	"path/filepath"
	"sync/atomic"

	"project-tachyon/internal/storage"

	"github.com/shirou/gopsutil/v3/disk"
)

// DiskUsageInfo holds disk space information for the drive backing the
// configured output directory.
type DiskUsageInfo struct {
	UsedGB  float64 `json:"used_gb"`
	FreeGB  float64 `json:"free_gb"`
	TotalGB float64 `json:"total_gb"`
	Percent float64 `json:"percent"`
}

// Snapshot holds the aggregate counters the control API and `stats` CLI
// command report — lifetime totals plus a recent daily breakdown.
type Snapshot struct {
	TotalDownloaded int64            `json:"total_downloaded"`
	TotalFiles      int64            `json:"total_files"`
	DailyHistory    map[string]int64 `json:"daily_history"`
	DiskUsage       DiskUsageInfo    `json:"disk_usage"`
}

// StatsManager accumulates per-item completion counters into storage and
// serves lifetime/daily rollups back out. One StatsManager is shared by
// every worker the scheduler launches, same as downloadcore.Core itself.
type StatsManager struct {
	storage        *storage.Storage
	currentSpeed   int64 // atomic, aggregate bytes/sec across active transfers
	downloadPathFn func() (string, error)
}

// NewStatsManager creates a stats manager with storage backend
func NewStatsManager(s *storage.Storage, downloadPathFn func() (string, error)) *StatsManager {
	return &StatsManager{
		storage:        s,
		downloadPathFn: downloadPathFn,
	}
}

// UpdateDownloadSpeed updates the current aggregate transfer speed (atomic).
func (sm *StatsManager) UpdateDownloadSpeed(bytesPerSec int64) {
	atomic.StoreInt64(&sm.currentSpeed, bytesPerSec)
}

// GetCurrentSpeed returns the instant aggregate speed.
func (sm *StatsManager) GetCurrentSpeed() int64 {
	return atomic.LoadInt64(&sm.currentSpeed)
}

// TrackCompletedItem records a finished queue item against today's daily
// stats and the lifetime counters. downloadcore.Core.Run calls this once
// per item immediately after it transitions to StatusCompleted, using the
// same BytesWritten the item's history entry is recorded with.
func (sm *StatsManager) TrackCompletedItem(bytesWritten int64) {
	sm.storage.IncrementDailyBytes(bytesWritten)
	sm.storage.IncrementDailyFiles()
}

// GetLifetimeStats returns total bytes downloaded using SQL SUM
func (sm *StatsManager) GetLifetimeStats() (int64, error) {
	return sm.storage.GetTotalLifetime()
}

// GetTotalFiles returns total files downloaded using SQL SUM
func (sm *StatsManager) GetTotalFiles() (int64, error) {
	return sm.storage.GetTotalFiles()
}

// GetDailyStats returns the last N days of stats from SQLite, keyed by
// date string.
func (sm *StatsManager) GetDailyStats(days int) (map[string]int64, error) {
	stats, err := sm.storage.GetDailyHistory(days)
	if err != nil {
		return make(map[string]int64), err
	}

	res := make(map[string]int64)
	for _, stat := range stats {
		res[stat.Date] = stat.Bytes
	}
	return res, nil
}

// GetDiskUsage returns disk space info for the drive backing the
// configured output directory.
func (sm *StatsManager) GetDiskUsage() DiskUsageInfo {
	if sm.downloadPathFn == nil {
		return DiskUsageInfo{}
	}

	downloadPath, err := sm.downloadPathFn()
	if err != nil {
		return DiskUsageInfo{}
	}

	volumePath := filepath.VolumeName(downloadPath)
	if volumePath == "" {
		volumePath = "/"
	} else {
		volumePath += "\\"
	}

	usage, err := disk.Usage(volumePath)
	if err != nil {
		return DiskUsageInfo{}
	}

	const bytesPerGB = 1024 * 1024 * 1024
	return DiskUsageInfo{
		UsedGB:  float64(usage.Used) / bytesPerGB,
		FreeGB:  float64(usage.Free) / bytesPerGB,
		TotalGB: float64(usage.Total) / bytesPerGB,
		Percent: usage.UsedPercent,
	}
}

// GetSnapshot returns the full aggregate counters in one call.
func (sm *StatsManager) GetSnapshot() Snapshot {
	lifetime, _ := sm.GetLifetimeStats()
	totalFiles, _ := sm.GetTotalFiles()
	daily, _ := sm.GetDailyStats(7)
	diskUsage := sm.GetDiskUsage()

	return Snapshot{
		TotalDownloaded: lifetime,
		TotalFiles:      totalFiles,
		DailyHistory:    daily,
		DiskUsage:       diskUsage,
	}
}
