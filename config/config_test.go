package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

const minimalConfig = `coindash:
  name: "TestApp"
  version: "1.0"
`

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Coindash.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Coindash.Name)
	}
	if len(cfg.Tracked.Symbols) != 10 {
		t.Errorf("expected default 10-symbol whitelist, got %d", len(cfg.Tracked.Symbols))
	}
	if cfg.Scheduler.PollInterval != 3*time.Second {
		t.Errorf("unexpected poll interval: %v", cfg.Scheduler.PollInterval)
	}
	if cfg.Scheduler.RateLimitInterval != time.Second {
		t.Errorf("unexpected rate limit interval: %v", cfg.Scheduler.RateLimitInterval)
	}
	if cfg.Spike.Threshold != 0.5 {
		t.Errorf("unexpected spike threshold: %v", cfg.Spike.Threshold)
	}
	if cfg.Retry.Critical.MaxAttempts != 10 || cfg.Retry.Critical.MaxDelay != 5*time.Minute {
		t.Errorf("unexpected critical retry profile: %+v", cfg.Retry.Critical)
	}
	if cfg.Source.Okx.BaseURL != "https://www.okx.com" {
		t.Errorf("unexpected base url: %s", cfg.Source.Okx.BaseURL)
	}
}

func TestLoadConfigMissingName(t *testing.T) {
	path := writeTempConfig(t, `coindash:
  version: "1.0"
`)
	if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), "coindash.name") {
		t.Fatalf("expected name validation error, got %v", err)
	}
}

func TestLoadConfigDuplicateSymbols(t *testing.T) {
	path := writeTempConfig(t, minimalConfig+`tracked:
  symbols: ["BTC-USDT", "BTC-USDT"]
`)
	if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), "duplicate symbol") {
		t.Fatalf("expected duplicate symbol error, got %v", err)
	}
}

func TestLoadConfigPollShorterThanRateLimit(t *testing.T) {
	path := writeTempConfig(t, minimalConfig+`scheduler:
  poll_interval: 500ms
  rate_limit_interval: 1s
`)
	if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), "poll_interval") {
		t.Fatalf("expected poll interval validation error, got %v", err)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("OKX_BASE_URL", "https://aws.okx.com")
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Source.Okx.BaseURL != "https://aws.okx.com" {
		t.Errorf("env override not applied: %s", cfg.Source.Okx.BaseURL)
	}
}
