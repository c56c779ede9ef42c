// Package config defines the AgentGate server configuration.
//
// Configuration is resolved in three layers, later layers overriding
// earlier ones:
//  1. Built-in defaults (Default)
//  2. YAML config file (LoadFrom)
//  3. Environment variables (AGENTGATE_*)
//
// Validate enforces the documented bounds after resolution; the server
// refuses to start on an out-of-range value.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
)

// Config is the root configuration for the AgentGate server.
type Config struct {
	// DataDir is the root directory for persisted state: work orders,
	// run artifacts, and sandbox workspaces.
	DataDir string `yaml:"data_dir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// LogFormat is one of auto, text, json. Auto picks text on a TTY
	// and json otherwise.
	LogFormat string `yaml:"log_format"`

	Server    ServerConfig    `yaml:"server"`
	Resources ResourceConfig  `yaml:"resources"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Execution ExecutionConfig `yaml:"execution"`
	Retry     RetryConfig     `yaml:"retry"`
	Events    EventsConfig    `yaml:"events"`
	Audit     AuditConfig     `yaml:"audit"`
	Agents    AgentsConfig    `yaml:"agents"`
	Hosting   HostingConfig   `yaml:"hosting"`

	// GatePlanPath points at a YAML gate plan applied to every run.
	// Empty uses the built-in verification gate.
	GatePlanPath string `yaml:"gate_plan_path"`

	// StrategyPath points at a YAML loop-strategy config. Empty uses
	// the fixed strategy with its default completion signals.
	StrategyPath string `yaml:"strategy_path"`
}

// ServerConfig controls the HTTP/WebSocket listener.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080" or "127.0.0.1:9090".
	Addr string `yaml:"addr"`
	// APIKey guards all /api/v1 routes via the X-API-Key header.
	// Empty disables authentication.
	APIKey string `yaml:"api_key"`
	// CORSOrigins lists allowed Origin values. "*" allows any.
	CORSOrigins []string `yaml:"cors_origins"`
}

// ResourceConfig controls the resource monitor.
type ResourceConfig struct {
	MaxConcurrentSlots int `yaml:"max_concurrent_slots"`
	MemoryPerSlotMB    int `yaml:"memory_per_slot_mb"`
	PollIntervalMs     int `yaml:"poll_interval_ms"`
}

// SchedulerConfig controls the work-order scheduler loop.
type SchedulerConfig struct {
	TickMs               int `yaml:"tick_ms"`
	StaggerDelayMs       int `yaml:"stagger_delay_ms"`
	StaleCheckIntervalMs int `yaml:"stale_check_interval_ms"`
	StaleThresholdMs     int `yaml:"stale_threshold_ms"`
	MaxRunningTimeMs     int `yaml:"max_running_time_ms"`
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
}

// ExecutionConfig controls run execution.
type ExecutionConfig struct {
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`
	TimeoutMs         int `yaml:"timeout_ms"`
	CleanupDelayMs    int `yaml:"cleanup_delay_ms"`
}

// RetryConfig controls backoff for retryable failures.
type RetryConfig struct {
	MaxRetries        int     `yaml:"max_retries"`
	BaseDelayMs       int     `yaml:"base_delay_ms"`
	MaxDelayMs        int     `yaml:"max_delay_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	JitterFactor      float64 `yaml:"jitter_factor"`
}

// EventsConfig controls event buffering and streaming rate limits.
type EventsConfig struct {
	MaxPerWorkOrder  int `yaml:"max_per_work_order"`
	MaxTotal         int `yaml:"max_total"`
	RetentionMinutes int `yaml:"retention_minutes"`
	MaxPerSecond     int `yaml:"max_per_second"`
	WSCatchUp        int `yaml:"ws_catch_up"`
}

// AuditConfig controls the in-memory audit log and its optional
// SQLite archive.
type AuditConfig struct {
	MaxEvents int `yaml:"max_events"`
	// ArchivePath is a SQLite database file. Empty disables archiving.
	ArchivePath string `yaml:"archive_path"`
}

// AgentsConfig holds paths to the coding agent binaries.
type AgentsConfig struct {
	ClaudePath   string `yaml:"claude_path"`
	CodexPath    string `yaml:"codex_path"`
	OpencodePath string `yaml:"opencode_path"`
}

// HostingConfig selects the git hosting provider used for PR
// publication and CI polling.
type HostingConfig struct {
	// Provider is github, gitlab, or auto (detect from the remote).
	Provider string `yaml:"provider"`
	// BaseURL points at a self-hosted instance. Empty means the public
	// service.
	BaseURL string `yaml:"base_url"`
	// TokenEnvVar overrides the environment variable the token is read
	// from.
	TokenEnvVar string `yaml:"token_env_var"`
}

// Default returns a Config with all built-in defaults.
func Default() *Config {
	return &Config{
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "auto",
		Server: ServerConfig{
			Addr:        ":8080",
			APIKey:      "",
			CORSOrigins: []string{"*"},
		},
		Resources: ResourceConfig{
			MaxConcurrentSlots: 3,
			MemoryPerSlotMB:    2048,
			PollIntervalMs:     5000,
		},
		Scheduler: SchedulerConfig{
			TickMs:               5000,
			StaggerDelayMs:       1000,
			StaleCheckIntervalMs: 60000,
			StaleThresholdMs:     600000,
			MaxRunningTimeMs:     14400000,
			ShutdownGraceSeconds: 30,
		},
		Execution: ExecutionConfig{
			MaxConcurrentRuns: 3,
			TimeoutMs:         1800000,
			CleanupDelayMs:    500,
		},
		Retry: RetryConfig{
			MaxRetries:        2,
			BaseDelayMs:       5000,
			MaxDelayMs:        300000,
			BackoffMultiplier: 2.0,
			JitterFactor:      0.1,
		},
		Events: EventsConfig{
			MaxPerWorkOrder:  1000,
			MaxTotal:         10000,
			RetentionMinutes: 60,
			MaxPerSecond:     50,
			WSCatchUp:        50,
		},
		Audit: AuditConfig{
			MaxEvents:   10000,
			ArchivePath: "",
		},
		Agents: AgentsConfig{
			ClaudePath:   "claude",
			CodexPath:    "codex",
			OpencodePath: "opencode",
		},
		Hosting: HostingConfig{
			Provider: "auto",
		},
	}
}

// LoadFrom loads configuration from a YAML file over the defaults,
// then applies environment overrides and validates. A missing file is
// not an error; the defaults plus environment apply.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, gateerrors.ErrConfigInvalid(path, "not valid YAML").WithCause(err)
		}
	}

	ApplyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the documented bounds. The first violation is
// returned as a config error naming the offending key.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return gateerrors.ErrConfigInvalid("data_dir", "must not be empty")
	}
	if c.Server.Addr == "" {
		return gateerrors.ErrConfigInvalid("server.addr", "must not be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return gateerrors.ErrConfigInvalid("log_level", "must be one of debug, info, warn, error")
	}
	switch c.LogFormat {
	case "auto", "text", "json":
	default:
		return gateerrors.ErrConfigInvalid("log_format", "must be one of auto, text, json")
	}

	type bound struct {
		key      string
		val      int
		min, max int
	}
	bounds := []bound{
		{"resources.max_concurrent_slots", c.Resources.MaxConcurrentSlots, 1, 64},
		{"resources.memory_per_slot_mb", c.Resources.MemoryPerSlotMB, 128, 65536},
		{"resources.poll_interval_ms", c.Resources.PollIntervalMs, 250, 300000},
		{"scheduler.tick_ms", c.Scheduler.TickMs, 100, 600000},
		{"scheduler.stagger_delay_ms", c.Scheduler.StaggerDelayMs, 0, 60000},
		{"scheduler.stale_check_interval_ms", c.Scheduler.StaleCheckIntervalMs, 1000, 600000},
		{"scheduler.stale_threshold_ms", c.Scheduler.StaleThresholdMs, 10000, 86400000},
		{"scheduler.max_running_time_ms", c.Scheduler.MaxRunningTimeMs, 60000, 86400000},
		{"scheduler.shutdown_grace_seconds", c.Scheduler.ShutdownGraceSeconds, 1, 600},
		{"execution.max_concurrent_runs", c.Execution.MaxConcurrentRuns, 1, 64},
		{"execution.timeout_ms", c.Execution.TimeoutMs, 1000, 86400000},
		{"execution.cleanup_delay_ms", c.Execution.CleanupDelayMs, 0, 60000},
		{"retry.max_retries", c.Retry.MaxRetries, 0, 10},
		{"retry.base_delay_ms", c.Retry.BaseDelayMs, 1, 3600000},
		{"events.max_per_work_order", c.Events.MaxPerWorkOrder, 10, 100000},
		{"events.retention_minutes", c.Events.RetentionMinutes, 1, 10080},
		{"events.max_per_second", c.Events.MaxPerSecond, 1, 10000},
		{"events.ws_catch_up", c.Events.WSCatchUp, 0, 1000},
		{"audit.max_events", c.Audit.MaxEvents, 100, 1000000},
	}
	for _, b := range bounds {
		if b.val < b.min || b.val > b.max {
			return gateerrors.ErrConfigInvalid(b.key,
				fmt.Sprintf("must be between %d and %d, got %d", b.min, b.max, b.val))
		}
	}

	if c.Retry.MaxDelayMs < c.Retry.BaseDelayMs {
		return gateerrors.ErrConfigInvalid("retry.max_delay_ms", "must be >= retry.base_delay_ms")
	}
	if c.Retry.BackoffMultiplier < 1.0 || c.Retry.BackoffMultiplier > 10.0 {
		return gateerrors.ErrConfigInvalid("retry.backoff_multiplier", "must be between 1.0 and 10.0")
	}
	if c.Retry.JitterFactor < 0.0 || c.Retry.JitterFactor > 1.0 {
		return gateerrors.ErrConfigInvalid("retry.jitter_factor", "must be between 0.0 and 1.0")
	}
	if c.Events.MaxTotal < c.Events.MaxPerWorkOrder {
		return gateerrors.ErrConfigInvalid("events.max_total", "must be >= events.max_per_work_order")
	}
	switch c.Hosting.Provider {
	case "", "auto", "github", "gitlab":
	default:
		return gateerrors.ErrConfigInvalid("hosting.provider", "must be one of auto, github, gitlab")
	}
	return nil
}

// Duration helpers. Components take time.Duration, not raw ms.

func (c *Config) SchedulerTick() time.Duration {
	return time.Duration(c.Scheduler.TickMs) * time.Millisecond
}

func (c *Config) StaggerDelay() time.Duration {
	return time.Duration(c.Scheduler.StaggerDelayMs) * time.Millisecond
}

func (c *Config) StaleCheckInterval() time.Duration {
	return time.Duration(c.Scheduler.StaleCheckIntervalMs) * time.Millisecond
}

func (c *Config) StaleThreshold() time.Duration {
	return time.Duration(c.Scheduler.StaleThresholdMs) * time.Millisecond
}

func (c *Config) MaxRunningTime() time.Duration {
	return time.Duration(c.Scheduler.MaxRunningTimeMs) * time.Millisecond
}

func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Scheduler.ShutdownGraceSeconds) * time.Second
}

func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.Execution.TimeoutMs) * time.Millisecond
}

func (c *Config) CleanupDelay() time.Duration {
	return time.Duration(c.Execution.CleanupDelayMs) * time.Millisecond
}

func (c *Config) MonitorPollInterval() time.Duration {
	return time.Duration(c.Resources.PollIntervalMs) * time.Millisecond
}

func (c *Config) EventRetention() time.Duration {
	return time.Duration(c.Events.RetentionMinutes) * time.Minute
}
