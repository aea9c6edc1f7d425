package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadEnvConfigDefaults(t *testing.T) {
	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("load with defaults: %v", err)
	}

	if cfg.DataDir != "/var/lib/sprout" {
		t.Fatalf("DataDir = %q", cfg.DataDir)
	}
	if cfg.RegistryPath != "/etc/sprout/devices.yaml" {
		t.Fatalf("RegistryPath = %q", cfg.RegistryPath)
	}
	if !cfg.RegistryHotReload {
		t.Fatal("RegistryHotReload should default to true")
	}
	if cfg.HTTPPort != 2460 {
		t.Fatalf("HTTPPort = %d", cfg.HTTPPort)
	}
	if cfg.BusConcurrency != 4 {
		t.Fatalf("BusConcurrency = %d", cfg.BusConcurrency)
	}
	if cfg.FailedScanInterval != 5*time.Second {
		t.Fatalf("FailedScanInterval = %s", cfg.FailedScanInterval)
	}
	if cfg.BatchInterval != time.Second {
		t.Fatalf("BatchInterval = %s", cfg.BatchInterval)
	}
	if cfg.FlushThreshold != 256 {
		t.Fatalf("FlushThreshold = %d", cfg.FlushThreshold)
	}
	if cfg.CompactionSchedule != "0 3 * * *" {
		t.Fatalf("CompactionSchedule = %q", cfg.CompactionSchedule)
	}
	if cfg.EventMaxAge != 7*24*time.Hour {
		t.Fatalf("EventMaxAge = %s", cfg.EventMaxAge)
	}
	if cfg.EventMaxAttempts != 5 {
		t.Fatalf("EventMaxAttempts = %d", cfg.EventMaxAttempts)
	}
	if cfg.MaxRecoveryAttempts != 3 {
		t.Fatalf("MaxRecoveryAttempts = %d", cfg.MaxRecoveryAttempts)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoadEnvConfigOverrides(t *testing.T) {
	t.Setenv("SPROUT_DATA_DIR", "/tmp/sprout-data")
	t.Setenv("SPROUT_HTTP_PORT", "9000")
	t.Setenv("SPROUT_BUS_CONCURRENCY", "8")
	t.Setenv("SPROUT_BATCH_INTERVAL", "250ms")
	t.Setenv("SPROUT_REGISTRY_HOT_RELOAD", "false")
	t.Setenv("SPROUT_LOG_LEVEL", "debug")

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/tmp/sprout-data" {
		t.Fatalf("DataDir = %q", cfg.DataDir)
	}
	if cfg.HTTPPort != 9000 {
		t.Fatalf("HTTPPort = %d", cfg.HTTPPort)
	}
	if cfg.BusConcurrency != 8 {
		t.Fatalf("BusConcurrency = %d", cfg.BusConcurrency)
	}
	if cfg.BatchInterval != 250*time.Millisecond {
		t.Fatalf("BatchInterval = %s", cfg.BatchInterval)
	}
	if cfg.RegistryHotReload {
		t.Fatal("RegistryHotReload override not applied")
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoadEnvConfigCollectsAllErrors(t *testing.T) {
	t.Setenv("SPROUT_HTTP_PORT", "99999")
	t.Setenv("SPROUT_BUS_CONCURRENCY", "not-a-number")
	t.Setenv("SPROUT_BATCH_INTERVAL", "soon")
	t.Setenv("SPROUT_COMPACTION_SCHEDULE", "whenever")
	t.Setenv("SPROUT_LOG_LEVEL", "loud")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	for _, want := range []string{
		"SPROUT_HTTP_PORT",
		"SPROUT_BUS_CONCURRENCY",
		"SPROUT_BATCH_INTERVAL",
		"SPROUT_COMPACTION_SCHEDULE",
		"SPROUT_LOG_LEVEL",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error does not mention %s:\n%v", want, err)
		}
	}
}

func TestLoadEnvConfigInvalidBool(t *testing.T) {
	t.Setenv("SPROUT_REGISTRY_HOT_RELOAD", "maybe")
	if _, err := LoadEnvConfig(); err == nil || !strings.Contains(err.Error(), "SPROUT_REGISTRY_HOT_RELOAD") {
		t.Fatalf("invalid bool not reported: %v", err)
	}
}
