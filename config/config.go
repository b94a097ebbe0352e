package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Coindash  CoindashConfig  `yaml:"coindash"`
	Tracked   TrackedConfig   `yaml:"tracked"`
	Source    SourceConfig    `yaml:"source"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Spike     SpikeConfig     `yaml:"spike"`
	Retry     RetryProfiles   `yaml:"retry"`
	Events    EventsConfig    `yaml:"events"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type CoindashConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// TrackedConfig fixes the whitelist of symbols the engine maintains for a
// session. The set never grows or shrinks while the process runs.
type TrackedConfig struct {
	Symbols []string `yaml:"symbols"`
}

type SourceConfig struct {
	Okx OkxSourceConfig `yaml:"okx"`
}

type OkxSourceConfig struct {
	BaseURL        string               `yaml:"base_url"`
	InstType       string               `yaml:"inst_type"`
	Timeout        time.Duration        `yaml:"timeout"`
	UserAgent      string               `yaml:"user_agent"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type SchedulerConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	DebounceInterval  time.Duration `yaml:"debounce_interval"`
	RateLimitInterval time.Duration `yaml:"rate_limit_interval"`
	StatusDebounce    time.Duration `yaml:"status_debounce"`
}

type SpikeConfig struct {
	Threshold float64 `yaml:"threshold"`
}

// RetryProfiles groups the retry policies chosen per call-site: critical for
// the initial load, fast for the periodic refresh.
type RetryProfiles struct {
	Standard RetryConfig `yaml:"standard"`
	Fast     RetryConfig `yaml:"fast"`
	Slow     RetryConfig `yaml:"slow"`
	Critical RetryConfig `yaml:"critical"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type EventsConfig struct {
	Buffer int `yaml:"buffer"`
}

type MetricsConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Address             string `yaml:"address"`
	CloudWatchNamespace string `yaml:"cloudwatch_namespace"`
	CloudWatchRegion    string `yaml:"cloudwatch_region"`
}

type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// DefaultSymbols is the ten-pair whitelist used when the configuration does
// not name its own tracked set.
var DefaultSymbols = []string{
	"BTC-USDT", "ETH-USDT", "XRP-USDT", "BNB-USDT", "SOL-USDT",
	"DOGE-USDT", "TRX-USDT", "ADA-USDT", "AVAX-USDT", "XLM-USDT",
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment overrides
	if v := os.Getenv("OKX_BASE_URL"); v != "" {
		config.Source.Okx.BaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		config.Metrics.CloudWatchRegion = strings.TrimSpace(v)
	}

	applyDefaults(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		Metrics: MetricsConfig{
			Enabled: true,
			Address: "0.0.0.0:2112",
		},
	}
}

// applyDefaults fills zero values with the documented defaults so a sparse
// configuration file still yields a runnable engine.
func applyDefaults(cfg *Config) {
	if len(cfg.Tracked.Symbols) == 0 {
		cfg.Tracked.Symbols = append([]string(nil), DefaultSymbols...)
	}
	if cfg.Source.Okx.BaseURL == "" {
		cfg.Source.Okx.BaseURL = "https://www.okx.com"
	}
	if cfg.Source.Okx.InstType == "" {
		cfg.Source.Okx.InstType = "SPOT"
	}
	if cfg.Source.Okx.Timeout <= 0 {
		cfg.Source.Okx.Timeout = 10 * time.Second
	}
	if cfg.Scheduler.PollInterval <= 0 {
		cfg.Scheduler.PollInterval = 3 * time.Second
	}
	if cfg.Scheduler.DebounceInterval <= 0 {
		cfg.Scheduler.DebounceInterval = 300 * time.Millisecond
	}
	if cfg.Scheduler.RateLimitInterval <= 0 {
		cfg.Scheduler.RateLimitInterval = time.Second
	}
	if cfg.Scheduler.StatusDebounce <= 0 {
		cfg.Scheduler.StatusDebounce = 500 * time.Millisecond
	}
	if cfg.Spike.Threshold <= 0 {
		cfg.Spike.Threshold = 0.5
	}
	if cfg.Events.Buffer <= 0 {
		cfg.Events.Buffer = 256
	}

	if cfg.Retry.Standard.MaxAttempts == 0 {
		cfg.Retry.Standard = RetryConfig{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
	}
	if cfg.Retry.Fast.MaxAttempts == 0 {
		cfg.Retry.Fast = RetryConfig{MaxAttempts: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second}
	}
	if cfg.Retry.Slow.MaxAttempts == 0 {
		cfg.Retry.Slow = RetryConfig{MaxAttempts: 5, BaseDelay: 5 * time.Second, MaxDelay: time.Minute}
	}
	if cfg.Retry.Critical.MaxAttempts == 0 {
		cfg.Retry.Critical = RetryConfig{MaxAttempts: 10, BaseDelay: 2 * time.Second, MaxDelay: 5 * time.Minute}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Coindash.Name == "" {
		return fmt.Errorf("coindash.name is required")
	}

	if cfg.Coindash.Version == "" {
		return fmt.Errorf("coindash.version is required")
	}

	if len(cfg.Tracked.Symbols) == 0 {
		return fmt.Errorf("tracked.symbols must not be empty")
	}

	seen := make(map[string]struct{}, len(cfg.Tracked.Symbols))
	for _, sym := range cfg.Tracked.Symbols {
		sym = strings.TrimSpace(sym)
		if sym == "" {
			return fmt.Errorf("tracked.symbols must not contain empty entries")
		}
		if _, dup := seen[sym]; dup {
			return fmt.Errorf("tracked.symbols contains duplicate symbol '%s'", sym)
		}
		seen[sym] = struct{}{}
	}

	if cfg.Scheduler.PollInterval < cfg.Scheduler.RateLimitInterval {
		return fmt.Errorf("scheduler.poll_interval must not be shorter than scheduler.rate_limit_interval")
	}

	if cfg.Spike.Threshold <= 0 {
		return fmt.Errorf("spike.threshold must be greater than 0")
	}

	for name, rc := range map[string]RetryConfig{
		"standard": cfg.Retry.Standard,
		"fast":     cfg.Retry.Fast,
		"slow":     cfg.Retry.Slow,
		"critical": cfg.Retry.Critical,
	} {
		if rc.MaxAttempts <= 0 {
			return fmt.Errorf("retry.%s.max_attempts must be greater than 0", name)
		}
		if rc.BaseDelay <= 0 {
			return fmt.Errorf("retry.%s.base_delay must be greater than 0", name)
		}
		if rc.MaxDelay < rc.BaseDelay {
			return fmt.Errorf("retry.%s.max_delay must not be shorter than base_delay", name)
		}
	}

	if cfg.Dashboard.Enabled && cfg.Dashboard.Address == "" {
		return fmt.Errorf("dashboard.address is required when dashboard is enabled")
	}

	return nil
}
