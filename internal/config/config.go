// Package config handles Foreman configuration
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds Foreman configuration
type Config struct {
	// Database connection
	DatabasePath string

	// Worker registry
	WorkerRegistryPath string

	// Scheduler settings
	MaxConcurrent   int
	TaskTimeout     time.Duration
	MaxTaskAttempts int
	LeaseSeconds    int
	PollInterval    time.Duration

	// Watchdog settings
	WatchdogInterval  time.Duration
	StaleAfter        time.Duration
	LaunchStagger     time.Duration
	MaxLaunchPerCycle int

	// Agent settings
	AgentPath string

	// HTTP read surface
	HTTPAddr string

	// Outbound notifications; empty URL disables delivery
	WebhookURL    string
	WebhookSecret string

	// Telemetry
	OTLPEndpoint string

	// Verbose mode for debugging
	Verbose bool
}

// projectFile is the optional foreman.toml shape
type projectFile struct {
	Database struct {
		Path string `toml:"path"`
	} `toml:"database"`
	Workers struct {
		Registry string `toml:"registry"`
	} `toml:"workers"`
	Scheduler struct {
		MaxConcurrent int    `toml:"max_concurrent"`
		TaskTimeout   string `toml:"task_timeout"`
		MaxAttempts   int    `toml:"max_attempts"`
		LeaseSeconds  int    `toml:"lease_seconds"`
	} `toml:"scheduler"`
	Watchdog struct {
		Interval   string `toml:"interval"`
		StaleAfter string `toml:"stale_after"`
	} `toml:"watchdog"`
	HTTP struct {
		Addr string `toml:"addr"`
	} `toml:"http"`
	Webhooks struct {
		URL    string `toml:"url"`
		Secret string `toml:"secret"`
	} `toml:"webhooks"`
}

// Load builds the configuration from defaults, an optional foreman.toml,
// and FOREMAN_* environment overrides, in that precedence order.
func Load(projectPath string) (*Config, error) {
	cfg := &Config{
		DatabasePath:       ".foreman/foreman.db",
		WorkerRegistryPath: ".foreman/workers.yaml",
		MaxConcurrent:      10,
		TaskTimeout:        30 * time.Minute,
		MaxTaskAttempts:    3,
		LeaseSeconds:       1800,
		PollInterval:       2 * time.Second,
		WatchdogInterval:   5 * time.Minute,
		StaleAfter:         30 * time.Minute,
		LaunchStagger:      3 * time.Second,
		MaxLaunchPerCycle:  10,
		AgentPath:          "claude",
		HTTPAddr:           ":8710",
	}

	if projectPath != "" {
		if err := cfg.applyProjectFile(projectPath); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if cfg.MaxConcurrent < 1 {
		return nil, fmt.Errorf("max_concurrent must be at least 1, got %d", cfg.MaxConcurrent)
	}
	if cfg.MaxTaskAttempts < 1 {
		return nil, fmt.Errorf("max_attempts must be at least 1, got %d", cfg.MaxTaskAttempts)
	}
	return cfg, nil
}

func (c *Config) applyProjectFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	var file projectFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if file.Database.Path != "" {
		c.DatabasePath = file.Database.Path
	}
	if file.Workers.Registry != "" {
		c.WorkerRegistryPath = file.Workers.Registry
	}
	if file.Scheduler.MaxConcurrent > 0 {
		c.MaxConcurrent = file.Scheduler.MaxConcurrent
	}
	if file.Scheduler.TaskTimeout != "" {
		c.TaskTimeout = parseDurationOrDefault(file.Scheduler.TaskTimeout, c.TaskTimeout)
	}
	if file.Scheduler.MaxAttempts > 0 {
		c.MaxTaskAttempts = file.Scheduler.MaxAttempts
	}
	if file.Scheduler.LeaseSeconds > 0 {
		c.LeaseSeconds = file.Scheduler.LeaseSeconds
	}
	if file.Watchdog.Interval != "" {
		c.WatchdogInterval = parseDurationOrDefault(file.Watchdog.Interval, c.WatchdogInterval)
	}
	if file.Watchdog.StaleAfter != "" {
		c.StaleAfter = parseDurationOrDefault(file.Watchdog.StaleAfter, c.StaleAfter)
	}
	if file.HTTP.Addr != "" {
		c.HTTPAddr = file.HTTP.Addr
	}
	if file.Webhooks.URL != "" {
		c.WebhookURL = file.Webhooks.URL
	}
	if file.Webhooks.Secret != "" {
		c.WebhookSecret = file.Webhooks.Secret
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FOREMAN_DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("FOREMAN_WORKER_REGISTRY"); v != "" {
		c.WorkerRegistryPath = v
	}
	if v := os.Getenv("FOREMAN_MAX_CONCURRENT"); v != "" {
		c.MaxConcurrent = parseIntOrDefault(v, c.MaxConcurrent)
	}
	if v := os.Getenv("FOREMAN_TASK_TIMEOUT"); v != "" {
		c.TaskTimeout = parseDurationOrDefault(v, c.TaskTimeout)
	}
	if v := os.Getenv("FOREMAN_MAX_ATTEMPTS"); v != "" {
		c.MaxTaskAttempts = parseIntOrDefault(v, c.MaxTaskAttempts)
	}
	if v := os.Getenv("FOREMAN_LEASE_SECONDS"); v != "" {
		c.LeaseSeconds = parseIntOrDefault(v, c.LeaseSeconds)
	}
	if v := os.Getenv("FOREMAN_POLL_INTERVAL"); v != "" {
		c.PollInterval = parseDurationOrDefault(v, c.PollInterval)
	}
	if v := os.Getenv("FOREMAN_WATCHDOG_INTERVAL"); v != "" {
		c.WatchdogInterval = parseDurationOrDefault(v, c.WatchdogInterval)
	}
	if v := os.Getenv("FOREMAN_STALE_AFTER"); v != "" {
		c.StaleAfter = parseDurationOrDefault(v, c.StaleAfter)
	}
	if v := os.Getenv("FOREMAN_AGENT_PATH"); v != "" {
		c.AgentPath = v
	}
	if v := os.Getenv("FOREMAN_HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv("FOREMAN_OTLP_ENDPOINT"); v != "" {
		c.OTLPEndpoint = v
	}
	if v := os.Getenv("FOREMAN_WEBHOOK_URL"); v != "" {
		c.WebhookURL = v
	}
	if v := os.Getenv("FOREMAN_WEBHOOK_SECRET"); v != "" {
		c.WebhookSecret = v
	}
	if v := os.Getenv("FOREMAN_VERBOSE"); v != "" {
		c.Verbose = v == "true" || v == "1"
	}
}

func parseIntOrDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
