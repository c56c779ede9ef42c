package config

import (
	"os"
	"strconv"
	"strings"
)

// EnvVarMapping maps environment variables to config paths.
var EnvVarMapping = map[string]string{
	"AGENTGATE_DATA_DIR":   "data_dir",
	"AGENTGATE_LOG_LEVEL":  "log_level",
	"AGENTGATE_LOG_FORMAT": "log_format",

	"AGENTGATE_API_ADDR":     "server.addr",
	"AGENTGATE_API_KEY":      "server.api_key",
	"AGENTGATE_CORS_ORIGINS": "server.cors_origins",

	"AGENTGATE_MAX_CONCURRENT_SLOTS":      "resources.max_concurrent_slots",
	"AGENTGATE_MEMORY_PER_SLOT_MB":        "resources.memory_per_slot_mb",
	"AGENTGATE_MONITOR_POLL_INTERVAL_MS":  "resources.poll_interval_ms",

	"AGENTGATE_SCHEDULER_TICK_MS":        "scheduler.tick_ms",
	"AGENTGATE_STAGGER_DELAY_MS":         "scheduler.stagger_delay_ms",
	"AGENTGATE_STALE_CHECK_INTERVAL_MS":  "scheduler.stale_check_interval_ms",
	"AGENTGATE_STALE_THRESHOLD_MS":       "scheduler.stale_threshold_ms",
	"AGENTGATE_MAX_RUNNING_TIME_MS":      "scheduler.max_running_time_ms",
	"AGENTGATE_SHUTDOWN_GRACE_SECONDS":   "scheduler.shutdown_grace_seconds",

	"AGENTGATE_MAX_CONCURRENT_RUNS":  "execution.max_concurrent_runs",
	"AGENTGATE_EXECUTION_TIMEOUT_MS": "execution.timeout_ms",
	"AGENTGATE_CLEANUP_DELAY_MS":     "execution.cleanup_delay_ms",

	"AGENTGATE_MAX_RETRIES":              "retry.max_retries",
	"AGENTGATE_RETRY_BASE_DELAY_MS":      "retry.base_delay_ms",
	"AGENTGATE_RETRY_MAX_DELAY_MS":       "retry.max_delay_ms",
	"AGENTGATE_RETRY_BACKOFF_MULTIPLIER": "retry.backoff_multiplier",
	"AGENTGATE_RETRY_JITTER_FACTOR":      "retry.jitter_factor",

	"AGENTGATE_MAX_EVENTS_PER_WORK_ORDER": "events.max_per_work_order",
	"AGENTGATE_MAX_TOTAL_EVENTS":          "events.max_total",
	"AGENTGATE_EVENT_RETENTION_MINUTES":   "events.retention_minutes",
	"AGENTGATE_MAX_EVENTS_PER_SECOND":     "events.max_per_second",
	"AGENTGATE_WS_CATCH_UP_EVENTS":        "events.ws_catch_up",

	"AGENTGATE_AUDIT_MAX_EVENTS":   "audit.max_events",
	"AGENTGATE_AUDIT_ARCHIVE_PATH": "audit.archive_path",

	"AGENTGATE_CLAUDE_PATH":   "agents.claude_path",
	"AGENTGATE_CODEX_PATH":    "agents.codex_path",
	"AGENTGATE_OPENCODE_PATH": "agents.opencode_path",

	"AGENTGATE_HOSTING_PROVIDER":      "hosting.provider",
	"AGENTGATE_HOSTING_BASE_URL":      "hosting.base_url",
	"AGENTGATE_HOSTING_TOKEN_ENV_VAR": "hosting.token_env_var",

	"AGENTGATE_GATE_PLAN_PATH": "gate_plan_path",
	"AGENTGATE_STRATEGY_PATH":  "strategy_path",
}

// ApplyEnv applies environment variable overrides to cfg.
// Returns the config paths that were overridden.
func ApplyEnv(cfg *Config) []string {
	var overridden []string

	for envVar, path := range EnvVarMapping {
		value := os.Getenv(envVar)
		if value == "" {
			continue
		}
		if applyEnvVar(cfg, path, value) {
			overridden = append(overridden, path)
		}
	}

	return overridden
}

// applyEnvVar applies a single override. Returns true if applied.
// Unparseable numeric values are skipped; Validate catches genuinely
// bad configuration afterwards.
func applyEnvVar(cfg *Config, path, value string) bool {
	setInt := func(dst *int) bool {
		v, err := strconv.Atoi(value)
		if err != nil {
			return false
		}
		*dst = v
		return true
	}
	setFloat := func(dst *float64) bool {
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return false
		}
		*dst = v
		return true
	}

	switch path {
	case "data_dir":
		cfg.DataDir = value
	case "log_level":
		cfg.LogLevel = strings.ToLower(value)
	case "log_format":
		cfg.LogFormat = strings.ToLower(value)
	case "server.addr":
		cfg.Server.Addr = value
	case "server.api_key":
		cfg.Server.APIKey = value
	case "server.cors_origins":
		cfg.Server.CORSOrigins = splitCSV(value)
	case "resources.max_concurrent_slots":
		return setInt(&cfg.Resources.MaxConcurrentSlots)
	case "resources.memory_per_slot_mb":
		return setInt(&cfg.Resources.MemoryPerSlotMB)
	case "resources.poll_interval_ms":
		return setInt(&cfg.Resources.PollIntervalMs)
	case "scheduler.tick_ms":
		return setInt(&cfg.Scheduler.TickMs)
	case "scheduler.stagger_delay_ms":
		return setInt(&cfg.Scheduler.StaggerDelayMs)
	case "scheduler.stale_check_interval_ms":
		return setInt(&cfg.Scheduler.StaleCheckIntervalMs)
	case "scheduler.stale_threshold_ms":
		return setInt(&cfg.Scheduler.StaleThresholdMs)
	case "scheduler.max_running_time_ms":
		return setInt(&cfg.Scheduler.MaxRunningTimeMs)
	case "scheduler.shutdown_grace_seconds":
		return setInt(&cfg.Scheduler.ShutdownGraceSeconds)
	case "execution.max_concurrent_runs":
		return setInt(&cfg.Execution.MaxConcurrentRuns)
	case "execution.timeout_ms":
		return setInt(&cfg.Execution.TimeoutMs)
	case "execution.cleanup_delay_ms":
		return setInt(&cfg.Execution.CleanupDelayMs)
	case "retry.max_retries":
		return setInt(&cfg.Retry.MaxRetries)
	case "retry.base_delay_ms":
		return setInt(&cfg.Retry.BaseDelayMs)
	case "retry.max_delay_ms":
		return setInt(&cfg.Retry.MaxDelayMs)
	case "retry.backoff_multiplier":
		return setFloat(&cfg.Retry.BackoffMultiplier)
	case "retry.jitter_factor":
		return setFloat(&cfg.Retry.JitterFactor)
	case "events.max_per_work_order":
		return setInt(&cfg.Events.MaxPerWorkOrder)
	case "events.max_total":
		return setInt(&cfg.Events.MaxTotal)
	case "events.retention_minutes":
		return setInt(&cfg.Events.RetentionMinutes)
	case "events.max_per_second":
		return setInt(&cfg.Events.MaxPerSecond)
	case "events.ws_catch_up":
		return setInt(&cfg.Events.WSCatchUp)
	case "audit.max_events":
		return setInt(&cfg.Audit.MaxEvents)
	case "audit.archive_path":
		cfg.Audit.ArchivePath = value
	case "agents.claude_path":
		cfg.Agents.ClaudePath = value
	case "agents.codex_path":
		cfg.Agents.CodexPath = value
	case "agents.opencode_path":
		cfg.Agents.OpencodePath = value
	case "hosting.provider":
		cfg.Hosting.Provider = strings.ToLower(value)
	case "hosting.base_url":
		cfg.Hosting.BaseURL = value
	case "hosting.token_env_var":
		cfg.Hosting.TokenEnvVar = value
	case "gate_plan_path":
		cfg.GatePlanPath = value
	case "strategy_path":
		cfg.StrategyPath = value
	default:
		return false
	}
	return true
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
