// Package config loads the engine's configuration: defaults, then
// config.yaml, then environment overrides, then normalization. A missing
// config file is not an error; the defaults run a working single-node engine.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LoopConfig holds the loop-detection thresholds.
type LoopConfig struct {
	CommentStormLimit     int `yaml:"comment_storm_limit"`
	CommentStormWindowMin int `yaml:"comment_storm_window_minutes"`
	ReviewLoopLimit       int `yaml:"review_loop_limit"`
	ReviewLoopWindowMin   int `yaml:"review_loop_window_minutes"`
	FailureStreakLimit    int `yaml:"failure_streak_limit"`
}

// SweepConfig holds the cron cadence for the maintenance jobs.
type SweepConfig struct {
	ApprovalExpiry string `yaml:"approval_expiry"`
	LoopDetection  string `yaml:"loop_detection"`
}

// OTelConfig mirrors the telemetry export settings.
type OTelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // otlp-http (default), stdout, none
	Endpoint string `yaml:"endpoint"` // OTLP HTTP endpoint
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// ApprovalTTLMinutes bounds how long a pending approval stays decidable.
	ApprovalTTLMinutes int `yaml:"approval_ttl_minutes"`

	Loops LoopConfig  `yaml:"loops"`
	Sweep SweepConfig `yaml:"sweep"`
	OTel  OTelConfig  `yaml:"otel"`
}

// ApprovalTTL returns the configured TTL as a duration.
func (c Config) ApprovalTTL() time.Duration {
	return time.Duration(c.ApprovalTTLMinutes) * time.Minute
}

// Fingerprint returns a stable hash of the active config for change logging.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|ttl=%d|loops=%+v|sweep=%+v",
		c.BindAddr, c.LogLevel, c.DBPath, c.ApprovalTTLMinutes, c.Loops, c.Sweep)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:           "127.0.0.1:18790",
		LogLevel:           "info",
		ApprovalTTLMinutes: 15,
		Loops: LoopConfig{
			CommentStormLimit:     20,
			CommentStormWindowMin: 10,
			ReviewLoopLimit:       3,
			ReviewLoopWindowMin:   60,
			FailureStreakLimit:    5,
		},
		Sweep: SweepConfig{
			ApprovalExpiry: "*/15 * * * *",
			LoopDetection:  "*/15 * * * *",
		},
	}
}

// HomeDir resolves the engine's home directory, honoring MCTL_HOME.
func HomeDir() string {
	if override := os.Getenv("MCTL_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".mctl")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PolicyPath returns the path of the bootstrap policy file the watcher tracks.
func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, "policy.yaml")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create mctl home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("MCTL_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("MCTL_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("MCTL_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("MCTL_APPROVAL_TTL_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ApprovalTTLMinutes = v
		}
	}
	if raw := os.Getenv("MCTL_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.OTel.Enabled = v
		}
	}
	if raw := os.Getenv("MCTL_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "mctl.db")
	}
	if cfg.ApprovalTTLMinutes <= 0 {
		cfg.ApprovalTTLMinutes = def.ApprovalTTLMinutes
	}
	if cfg.Loops.CommentStormLimit <= 0 {
		cfg.Loops.CommentStormLimit = def.Loops.CommentStormLimit
	}
	if cfg.Loops.CommentStormWindowMin <= 0 {
		cfg.Loops.CommentStormWindowMin = def.Loops.CommentStormWindowMin
	}
	if cfg.Loops.ReviewLoopLimit <= 0 {
		cfg.Loops.ReviewLoopLimit = def.Loops.ReviewLoopLimit
	}
	if cfg.Loops.ReviewLoopWindowMin <= 0 {
		cfg.Loops.ReviewLoopWindowMin = def.Loops.ReviewLoopWindowMin
	}
	if cfg.Loops.FailureStreakLimit <= 0 {
		cfg.Loops.FailureStreakLimit = def.Loops.FailureStreakLimit
	}
	if cfg.Sweep.ApprovalExpiry == "" {
		cfg.Sweep.ApprovalExpiry = def.Sweep.ApprovalExpiry
	}
	if cfg.Sweep.LoopDetection == "" {
		cfg.Sweep.LoopDetection = def.Sweep.LoopDetection
	}
}
