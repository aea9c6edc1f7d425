// Package config handles environment-based configuration loading, the YAML
// device registry, and registry hot reload.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings (not
// hot-updatable).
type EnvConfig struct {
	// Directories
	DataDir string
	LogDir  string

	// Device registry
	RegistryPath      string
	RegistryHotReload bool

	// HTTP
	ListenAddress string
	HTTPPort      int

	// Bus
	BusConcurrency     int
	FailedScanInterval time.Duration

	// Persistence
	BatchInterval  time.Duration
	FlushThreshold int

	// Event store
	CompactionSchedule string
	EventMaxAge        time.Duration
	EventMaxAttempts   int

	// Error monitor
	ErrorDedupWindow    time.Duration
	ErrorRetention      time.Duration
	MaxRecoveryAttempts int

	// Logging
	LogLevel string
}

// LoadEnvConfig reads environment variables and returns a validated
// EnvConfig. Returns an error listing every invalid or missing value.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.DataDir = envStr("SPROUT_DATA_DIR", "/var/lib/sprout")
	cfg.LogDir = envStr("SPROUT_LOG_DIR", "/var/log/sprout")

	// --- Device registry ---
	cfg.RegistryPath = envStr("SPROUT_REGISTRY_PATH", "/etc/sprout/devices.yaml")
	cfg.RegistryHotReload = envBool("SPROUT_REGISTRY_HOT_RELOAD", true, &errs)

	// --- HTTP ---
	cfg.ListenAddress = strings.TrimSpace(envStr("SPROUT_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.HTTPPort = envInt("SPROUT_HTTP_PORT", 2460, &errs)

	// --- Bus ---
	cfg.BusConcurrency = envInt("SPROUT_BUS_CONCURRENCY", 4, &errs)
	cfg.FailedScanInterval = envDuration("SPROUT_FAILED_SCAN_INTERVAL", 5*time.Second, &errs)

	// --- Persistence ---
	cfg.BatchInterval = envDuration("SPROUT_BATCH_INTERVAL", time.Second, &errs)
	cfg.FlushThreshold = envInt("SPROUT_FLUSH_THRESHOLD", 256, &errs)

	// --- Event store ---
	cfg.CompactionSchedule = envStr("SPROUT_COMPACTION_SCHEDULE", "0 3 * * *")
	cfg.EventMaxAge = envDuration("SPROUT_EVENT_MAX_AGE", 7*24*time.Hour, &errs)
	cfg.EventMaxAttempts = envInt("SPROUT_EVENT_MAX_ATTEMPTS", 5, &errs)

	// --- Error monitor ---
	cfg.ErrorDedupWindow = envDuration("SPROUT_ERROR_DEDUP_WINDOW", 30*time.Second, &errs)
	cfg.ErrorRetention = envDuration("SPROUT_ERROR_RETENTION", time.Hour, &errs)
	cfg.MaxRecoveryAttempts = envInt("SPROUT_MAX_RECOVERY_ATTEMPTS", 3, &errs)

	// --- Logging ---
	cfg.LogLevel = envStr("SPROUT_LOG_LEVEL", "info")

	// --- Validation ---
	if cfg.ListenAddress == "" {
		errs = append(errs, "SPROUT_LISTEN_ADDRESS must not be empty")
	}
	validatePort("SPROUT_HTTP_PORT", cfg.HTTPPort, &errs)
	validatePositive("SPROUT_BUS_CONCURRENCY", cfg.BusConcurrency, &errs)
	validatePositive("SPROUT_FLUSH_THRESHOLD", cfg.FlushThreshold, &errs)
	validatePositive("SPROUT_EVENT_MAX_ATTEMPTS", cfg.EventMaxAttempts, &errs)
	validatePositive("SPROUT_MAX_RECOVERY_ATTEMPTS", cfg.MaxRecoveryAttempts, &errs)
	if cfg.FailedScanInterval <= 0 {
		errs = append(errs, "SPROUT_FAILED_SCAN_INTERVAL must be positive")
	}
	if cfg.BatchInterval <= 0 {
		errs = append(errs, "SPROUT_BATCH_INTERVAL must be positive")
	}
	if cfg.EventMaxAge <= 0 {
		errs = append(errs, "SPROUT_EVENT_MAX_AGE must be positive")
	}
	if cfg.ErrorDedupWindow <= 0 {
		errs = append(errs, "SPROUT_ERROR_DEDUP_WINDOW must be positive")
	}
	if cfg.ErrorRetention <= 0 {
		errs = append(errs, "SPROUT_ERROR_RETENTION must be positive")
	}
	if _, err := cron.ParseStandard(cfg.CompactionSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("SPROUT_COMPACTION_SCHEDULE: invalid cron expression %q: %v", cfg.CompactionSchedule, err))
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("SPROUT_LOG_LEVEL: invalid level %q (allowed: debug, info, warn, error)", cfg.LogLevel))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
