package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-foreman/internal/otel"
)

// StorageConfig holds the relational store settings. The pool limits are
// fixed policy, not flags: at most 10 open connections with idle keep-alive.
type StorageConfig struct {
	Path         string `yaml:"path"`           // sqlite database file; default {home}/foreman.db
	MaxOpenConns int    `yaml:"max_open_conns"` // default 10
	MaxIdleConns int    `yaml:"max_idle_conns"` // default 10
	BusyTimeout  int    `yaml:"busy_timeout_ms"`
}

// SupervisorConfig holds the process supervisor settings.
type SupervisorConfig struct {
	BaseDir         string   `yaml:"base_dir"` // default {home}/runner
	MaxLogSizeBytes int64    `yaml:"max_log_size_bytes"`
	StopTimeoutMs   int      `yaml:"stop_timeout_ms"`
	AllowedCwds     []string `yaml:"allowed_cwds"`
	BlockedEnv      []string `yaml:"blocked_env"`
}

// TelegramConfig configures the status-change notifier.
type TelegramConfig struct {
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
	Enabled bool   `yaml:"enabled"`
}

// MaintenanceConfig configures the background maintenance scheduler.
type MaintenanceConfig struct {
	PruneCron        string `yaml:"prune_cron"`         // 5-field cron; default hourly
	PruneOlderThanMs int64  `yaml:"prune_older_than_ms"`
	WorktreePrune    bool   `yaml:"worktree_prune"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	// Quiet suppresses stdout logging. When unset in config it is derived
	// from whether stdout is a terminal.
	Quiet *bool `yaml:"quiet,omitempty"`

	Storage     StorageConfig     `yaml:"storage"`
	Supervisor  SupervisorConfig  `yaml:"supervisor"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	OTel        otel.Config       `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:19300",
		LogLevel: "info",
		Storage: StorageConfig{
			MaxOpenConns: 10,
			MaxIdleConns: 10,
			BusyTimeout:  5000,
		},
		Supervisor: SupervisorConfig{
			MaxLogSizeBytes: 10 * 1024 * 1024,
			StopTimeoutMs:   5000,
		},
		Maintenance: MaintenanceConfig{
			PruneCron:        "0 * * * *",
			PruneOlderThanMs: int64(7 * 24 * 60 * 60 * 1000),
			WorktreePrune:    true,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("FOREMAN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".foreman")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml under the given home directory, applying
// defaults, env overrides, and normalization. A missing file is not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create foreman home: %w", err)
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

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:19300"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		cfg.Storage.Path = filepath.Join(cfg.HomeDir, "foreman.db")
	}
	if cfg.Storage.MaxOpenConns <= 0 {
		cfg.Storage.MaxOpenConns = 10
	}
	if cfg.Storage.MaxIdleConns <= 0 {
		cfg.Storage.MaxIdleConns = cfg.Storage.MaxOpenConns
	}
	if cfg.Storage.BusyTimeout <= 0 {
		cfg.Storage.BusyTimeout = 5000
	}
	if strings.TrimSpace(cfg.Supervisor.BaseDir) == "" {
		cfg.Supervisor.BaseDir = filepath.Join(cfg.HomeDir, "runner")
	}
	if cfg.Supervisor.MaxLogSizeBytes <= 0 {
		cfg.Supervisor.MaxLogSizeBytes = 10 * 1024 * 1024
	}
	if cfg.Supervisor.StopTimeoutMs <= 0 {
		cfg.Supervisor.StopTimeoutMs = 5000
	}
	if strings.TrimSpace(cfg.Maintenance.PruneCron) == "" {
		cfg.Maintenance.PruneCron = "0 * * * *"
	}
	if cfg.Maintenance.PruneOlderThanMs < 0 {
		cfg.Maintenance.PruneOlderThanMs = 0
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("FOREMAN_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("FOREMAN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("FOREMAN_DB_PATH"); raw != "" {
		cfg.Storage.Path = raw
	}
	if raw := os.Getenv("FOREMAN_RUNNER_DIR"); raw != "" {
		cfg.Supervisor.BaseDir = raw
	}
	if raw := os.Getenv("FOREMAN_STOP_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Supervisor.StopTimeoutMs = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Telegram.ChatID = v
		}
	}
}
