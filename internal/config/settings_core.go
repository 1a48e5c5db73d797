package config

import "strconv"

// Keys for the orchestration-core settings, stored in the same
// app_settings table as the control-API settings above.
const (
	KeyMaxConcurrentDownloads = "max_concurrent_downloads"
	KeyDefaultOutputDir       = "default_output_dir"
	KeyProxy                  = "proxy"
	KeyRateLimitBytesPerSec   = "rate_limit"
	KeyQueueSizeLimit         = "queue_size_limit"
	KeyPauseTimeoutSecs       = "pause_timeout_secs"
	KeyWindowEnabled          = "window_enabled"
	KeyWindowStartHour        = "window_start_hour"
	KeyWindowStopHour         = "window_stop_hour"
	KeyHistoryRetentionDays   = "history_retention_days"
)

const (
	defaultMaxConcurrentDownloads = 3
	defaultQueueSizeLimit         = 1000
	defaultPauseTimeoutSecs       = 3600 // 1 hour, per the resolved Open Question
)

// GetMaxConcurrentDownloads returns the scheduler's worker pool size.
func (c *ConfigManager) GetMaxConcurrentDownloads() int {
	return c.getIntOr(KeyMaxConcurrentDownloads, defaultMaxConcurrentDownloads)
}

func (c *ConfigManager) SetMaxConcurrentDownloads(n int) error {
	return c.storage.SetString(KeyMaxConcurrentDownloads, strconv.Itoa(n))
}

// GetDefaultOutputDir returns the fallback save directory used when a
// queue item doesn't specify one. Empty means the caller should fall
// back to the OS download folder.
func (c *ConfigManager) GetDefaultOutputDir() string {
	val, err := c.storage.GetString(KeyDefaultOutputDir)
	if err != nil {
		return ""
	}
	return val
}

func (c *ConfigManager) SetDefaultOutputDir(dir string) error {
	return c.storage.SetString(KeyDefaultOutputDir, dir)
}

// GetProxy returns the default proxy URL applied to downloads that don't
// override it, or "" for direct connections.
func (c *ConfigManager) GetProxy() string {
	val, err := c.storage.GetString(KeyProxy)
	if err != nil {
		return ""
	}
	return val
}

func (c *ConfigManager) SetProxy(proxyURL string) error {
	return c.storage.SetString(KeyProxy, proxyURL)
}

// GetRateLimitBytesPerSec returns the global bandwidth cap, 0 = unlimited.
func (c *ConfigManager) GetRateLimitBytesPerSec() int {
	return c.getIntOr(KeyRateLimitBytesPerSec, 0)
}

func (c *ConfigManager) SetRateLimitBytesPerSec(n int) error {
	return c.storage.SetString(KeyRateLimitBytesPerSec, strconv.Itoa(n))
}

// GetQueueSizeLimit returns the maximum number of items QueueManager will
// accept before Add rejects new submissions with a capacity error.
func (c *ConfigManager) GetQueueSizeLimit() int {
	return c.getIntOr(KeyQueueSizeLimit, defaultQueueSizeLimit)
}

func (c *ConfigManager) SetQueueSizeLimit(n int) error {
	return c.storage.SetString(KeyQueueSizeLimit, strconv.Itoa(n))
}

// GetPauseTimeoutSecs returns how long a pause-all lasts for in-flight
// items: the control API sets each running item's cancel.Token pause
// deadline this far ahead, and once it elapses the token stops blocking
// and the transfer resumes. Queued items moved to Paused are not
// affected by it and stay Paused until resumed.
func (c *ConfigManager) GetPauseTimeoutSecs() int {
	return c.getIntOr(KeyPauseTimeoutSecs, defaultPauseTimeoutSecs)
}

func (c *ConfigManager) SetPauseTimeoutSecs(n int) error {
	return c.storage.SetString(KeyPauseTimeoutSecs, strconv.Itoa(n))
}

// GetWindowEnabled reports whether a daily active-hours window gates
// when the scheduler resumes/pauses all downloads (spec.md section 9's
// cron-driven start/stop window idea). Disabled by default: absent a
// config write, the scheduler runs around the clock.
func (c *ConfigManager) GetWindowEnabled() bool {
	val, err := c.storage.GetString(KeyWindowEnabled)
	return err == nil && val == "true"
}

func (c *ConfigManager) SetWindowEnabled(enabled bool) error {
	val := "false"
	if enabled {
		val = "true"
	}
	return c.storage.SetString(KeyWindowEnabled, val)
}

// GetWindowStartHour/GetWindowStopHour are the local hours (0-23) the
// daily window resumes/pauses downloads.
func (c *ConfigManager) GetWindowStartHour() int {
	return c.getIntOr(KeyWindowStartHour, 8)
}

func (c *ConfigManager) SetWindowStartHour(hour int) error {
	return c.storage.SetString(KeyWindowStartHour, strconv.Itoa(hour))
}

func (c *ConfigManager) GetWindowStopHour() int {
	return c.getIntOr(KeyWindowStopHour, 23)
}

func (c *ConfigManager) SetWindowStopHour(hour int) error {
	return c.storage.SetString(KeyWindowStopHour, strconv.Itoa(hour))
}

// GetHistoryRetentionDays returns how long a terminal-state history entry
// survives before the daily maintenance sweep prunes it. Defaults to 90
// days, matching the teacher's unexercised db.go pruning intent.
func (c *ConfigManager) GetHistoryRetentionDays() int {
	return c.getIntOr(KeyHistoryRetentionDays, 90)
}

func (c *ConfigManager) SetHistoryRetentionDays(days int) error {
	return c.storage.SetString(KeyHistoryRetentionDays, strconv.Itoa(days))
}

func (c *ConfigManager) getIntOr(key string, fallback int) int {
	valStr, err := c.storage.GetString(key)
	if err != nil || valStr == "" {
		return fallback
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return fallback
	}
	return val
}
