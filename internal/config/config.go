// Package config loads server configuration from file and environment.
package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/propsync/backend/internal/logging"
)

// Config holds all tunables for the collaboration server.
type Config struct {
	ListenAddr string
	DataDir    string
	JWTSecret  string
	LogLevel   string

	// Background job intervals
	ConflictResolutionInterval time.Duration
	ValidationInterval         time.Duration
	SessionSweepInterval       time.Duration
	ConnectionSweepInterval    time.Duration

	// Inactivity windows
	SessionIdleWindow     time.Duration
	ConnectionStaleWindow time.Duration

	// Update retry budget
	MaxRetries int

	// Snapshot TTL for persisted update copies
	SnapshotTTL time.Duration
}

// Default returns the built-in configuration defaults.
func Default() Config {
	return Config{
		ListenAddr:                 ":8090",
		DataDir:                    "./data",
		LogLevel:                   "INFO",
		ConflictResolutionInterval: 5 * time.Second,
		ValidationInterval:         2 * time.Second,
		SessionSweepInterval:       5 * time.Minute,
		ConnectionSweepInterval:    5 * time.Minute,
		SessionIdleWindow:          30 * time.Minute,
		ConnectionStaleWindow:      10 * time.Minute,
		MaxRetries:                 3,
		SnapshotTTL:                time.Hour,
	}
}

// Load reads config.yaml from configPath (optional) with environment
// overrides prefixed COLLAB (e.g. COLLAB_LISTEN_ADDR, COLLAB_JWT_SECRET).
func Load(configPath string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AutomaticEnv()
	v.SetEnvPrefix("COLLAB")

	v.BindEnv("listen_addr")
	v.BindEnv("data_dir")
	v.BindEnv("jwt_secret")
	v.BindEnv("log_level")

	if err := v.ReadInConfig(); err != nil {
		logging.Debug("No config.yaml found, using defaults and env vars")
	} else {
		logging.Info("Loaded config file", map[string]interface{}{"file": v.ConfigFileUsed()})
	}

	if v.IsSet("listen_addr") {
		cfg.ListenAddr = v.GetString("listen_addr")
	}
	if v.IsSet("data_dir") {
		cfg.DataDir = v.GetString("data_dir")
	}
	if v.IsSet("jwt_secret") {
		cfg.JWTSecret = v.GetString("jwt_secret")
	}
	if v.IsSet("log_level") {
		cfg.LogLevel = v.GetString("log_level")
	}
	if v.IsSet("jobs.conflict_resolution_interval") {
		cfg.ConflictResolutionInterval = v.GetDuration("jobs.conflict_resolution_interval")
	}
	if v.IsSet("jobs.validation_interval") {
		cfg.ValidationInterval = v.GetDuration("jobs.validation_interval")
	}
	if v.IsSet("jobs.session_sweep_interval") {
		cfg.SessionSweepInterval = v.GetDuration("jobs.session_sweep_interval")
	}
	if v.IsSet("jobs.connection_sweep_interval") {
		cfg.ConnectionSweepInterval = v.GetDuration("jobs.connection_sweep_interval")
	}
	if v.IsSet("windows.session_idle") {
		cfg.SessionIdleWindow = v.GetDuration("windows.session_idle")
	}
	if v.IsSet("windows.connection_stale") {
		cfg.ConnectionStaleWindow = v.GetDuration("windows.connection_stale")
	}
	if v.IsSet("updates.max_retries") {
		cfg.MaxRetries = v.GetInt("updates.max_retries")
	}
	if v.IsSet("updates.snapshot_ttl") {
		cfg.SnapshotTTL = v.GetDuration("updates.snapshot_ttl")
	}

	return cfg, nil
}
