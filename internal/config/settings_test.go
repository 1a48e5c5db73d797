package config

import (
	"project-tachyon/internal/storage"
	"testing"
)

func newTestConfig(t *testing.T) *ConfigManager {
	t.Helper()
	s, err := storage.OpenStorage(":memory:")
	if err != nil {
		t.Fatalf("failed to open test storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewConfigManager(s)
}

func TestCoreDefaults(t *testing.T) {
	c := newTestConfig(t)

	if got := c.GetMaxConcurrentDownloads(); got != defaultMaxConcurrentDownloads {
		t.Errorf("expected default max concurrent %d, got %d", defaultMaxConcurrentDownloads, got)
	}
	if got := c.GetQueueSizeLimit(); got != defaultQueueSizeLimit {
		t.Errorf("expected default queue size limit %d, got %d", defaultQueueSizeLimit, got)
	}
	if got := c.GetPauseTimeoutSecs(); got != defaultPauseTimeoutSecs {
		t.Errorf("expected default pause timeout %d, got %d", defaultPauseTimeoutSecs, got)
	}
	if got := c.GetRateLimitBytesPerSec(); got != 0 {
		t.Errorf("expected unlimited default rate limit, got %d", got)
	}
}

func TestCoreSettersPersist(t *testing.T) {
	c := newTestConfig(t)

	if err := c.SetMaxConcurrentDownloads(8); err != nil {
		t.Fatalf("SetMaxConcurrentDownloads: %v", err)
	}
	if got := c.GetMaxConcurrentDownloads(); got != 8 {
		t.Errorf("expected 8, got %d", got)
	}

	if err := c.SetProxy("http://127.0.0.1:8080"); err != nil {
		t.Fatalf("SetProxy: %v", err)
	}
	if got := c.GetProxy(); got != "http://127.0.0.1:8080" {
		t.Errorf("expected proxy to persist, got %q", got)
	}

	if err := c.SetDefaultOutputDir("/tmp/downloads"); err != nil {
		t.Fatalf("SetDefaultOutputDir: %v", err)
	}
	if got := c.GetDefaultOutputDir(); got != "/tmp/downloads" {
		t.Errorf("expected output dir to persist, got %q", got)
	}
}

func TestFactoryResetClearsCoreSettings(t *testing.T) {
	c := newTestConfig(t)
	c.SetMaxConcurrentDownloads(10)
	c.SetProxy("http://proxy.example.com")

	if err := c.FactoryReset(); err != nil {
		t.Fatalf("FactoryReset: %v", err)
	}

	if got := c.GetMaxConcurrentDownloads(); got != defaultMaxConcurrentDownloads {
		t.Errorf("expected default after reset, got %d", got)
	}
	if got := c.GetProxy(); got != "" {
		t.Errorf("expected empty proxy after reset, got %q", got)
	}
}
