// Package config loads process-wide crawler defaults via viper (spec.md
// §9 "process-wide state" / SPEC_FULL.md AMBIENT STACK): default user
// agent, default thread count, monitor tick interval, and a soft process
// memory limit. Per-task policy (maxDepth, strategy, etc.) is never
// config — it lives on store.TaskRecord, set by the control plane.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds process-wide defaults.
type Config struct {
	DefaultUserAgent       string
	DefaultThreadCount     int
	MonitorTickInterval    time.Duration
	ProcessMemoryLimitMB   int64
	RobotsFetchConcurrency int
	StorePath              string
}

// Load reads process-wide defaults from environment variables (prefixed
// TASKCRAWL_) and, if present, a YAML config file at path. An empty path
// skips file loading and relies on env vars and built-in defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("taskcrawl")
	v.AutomaticEnv()

	v.SetDefault("default_user_agent", "taskcrawl/1.0 (+managed crawler core)")
	v.SetDefault("default_thread_count", 4)
	v.SetDefault("monitor_tick_interval_ms", 2000)
	v.SetDefault("process_memory_limit_mb", 512)
	v.SetDefault("robots_fetch_concurrency", 20)
	v.SetDefault("store_path", "")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return Config{}, err
			}
		}
	}

	return Config{
		DefaultUserAgent:       v.GetString("default_user_agent"),
		DefaultThreadCount:     v.GetInt("default_thread_count"),
		MonitorTickInterval:    time.Duration(v.GetInt("monitor_tick_interval_ms")) * time.Millisecond,
		ProcessMemoryLimitMB:   v.GetInt64("process_memory_limit_mb"),
		RobotsFetchConcurrency: v.GetInt("robots_fetch_concurrency"),
		StorePath:              v.GetString("store_path"),
	}, nil
}
