// Package config loads the static process configuration. The value
// returned by Load is immutable for the lifetime of the process and is
// injected into each component constructor.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ResetMode selects how session expiry is decided.
type ResetMode string

const (
	ResetModeDaily  ResetMode = "daily"
	ResetModeIdle   ResetMode = "idle"
	ResetModeManual ResetMode = "manual"
)

// ResetConfig controls the per-session reset policy.
type ResetConfig struct {
	// Mode is "daily", "idle", or "manual". Daily and idle may both be
	// active: daily is configured via Mode, idle via IdleMinutes > 0.
	Mode         ResetMode `yaml:"mode"`
	DailyHourUTC int       `yaml:"daily_hour_utc"`
	IdleMinutes  int       `yaml:"idle_minutes"`
	// Triggers are literal prefixes that force a reset when a message
	// starts with one of them (after trimming and case folding).
	Triggers []string `yaml:"triggers"`
}

// SessionConfig controls worker behavior.
type SessionConfig struct {
	Reset ResetConfig `yaml:"reset"`
	// SendTimeoutSeconds bounds a synchronous turn. Callers may lower it
	// per call but never below the floor.
	SendTimeoutSeconds      int `yaml:"send_timeout_seconds"`
	SendTimeoutFloorSeconds int `yaml:"send_timeout_floor_seconds"`
}

// CompactionConfig controls history compaction.
type CompactionConfig struct {
	Threshold        float64 `yaml:"threshold"`
	KeepRecent       int     `yaml:"keep_recent"`
	SummaryModel     string  `yaml:"summary_model"`
	MaxSummaryTokens int     `yaml:"max_summary_tokens"`
}

// SubagentConfig controls spawned child sessions.
type SubagentConfig struct {
	TimeoutSeconds    int `yaml:"timeout_seconds"`
	MaxTimeoutSeconds int `yaml:"max_timeout_seconds"`
	ResultMaxChars    int `yaml:"result_max_chars"`
}

// RunnerConfig describes the external turn engine process.
type RunnerConfig struct {
	// Command is the engine executable plus fixed arguments. Session
	// identity and model are passed via environment variables.
	Command      []string `yaml:"command"`
	SystemPrompt string   `yaml:"system_prompt"`
	Workspace    string   `yaml:"workspace"`
	AllowedTools []string `yaml:"allowed_tools"`
	DeniedTools  []string `yaml:"denied_tools"`
}

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// ChannelsConfig groups channel adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// MaintenanceConfig controls the background sweeper.
type MaintenanceConfig struct {
	// CronExpr schedules the sweep (5-field cron, UTC). Empty disables it.
	CronExpr             string `yaml:"cron_expr"`
	ArchiveIdleDays      int    `yaml:"archive_idle_days"`
	RetentionMessageDays int    `yaml:"retention_message_days"`
}

// OtelConfig configures tracing/metrics export.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout, none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the static process configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	AgentID      string `yaml:"agent_id"`
	DefaultModel string `yaml:"default_model"`

	Runner      RunnerConfig      `yaml:"runner"`
	Session     SessionConfig     `yaml:"session"`
	Compaction  CompactionConfig  `yaml:"compaction"`
	Subagent    SubagentConfig    `yaml:"subagent"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Otel        OtelConfig        `yaml:"otel"`

	// ContextLimits overrides the built-in context-window table,
	// keyed by model name.
	ContextLimits map[string]int `yaml:"context_limits"`
}

// SendTimeout returns the configured synchronous turn bound.
func (c Config) SendTimeout() time.Duration {
	return time.Duration(c.Session.SendTimeoutSeconds) * time.Second
}

// SendTimeoutFloor returns the minimum a caller can shrink the bound to.
func (c Config) SendTimeoutFloor() time.Duration {
	return time.Duration(c.Session.SendTimeoutFloorSeconds) * time.Second
}

// IdleTimeout returns the idle expiry, or 0 when idle reset is off.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.Session.Reset.IdleMinutes) * time.Minute
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|agent=%s|model=%s|reset=%s@%d/%dm|compact=%.2f/%d",
		c.LogLevel, c.AgentID, c.DefaultModel,
		c.Session.Reset.Mode, c.Session.Reset.DailyHourUTC, c.Session.Reset.IdleMinutes,
		c.Compaction.Threshold, c.Compaction.KeepRecent)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:     "info",
		AgentID:      "main",
		DefaultModel: "claude-sonnet-4",
		Session: SessionConfig{
			Reset: ResetConfig{
				Mode:         ResetModeDaily,
				DailyHourUTC: 4,
				Triggers:     []string{"/new", "/reset"},
			},
			SendTimeoutSeconds:      int((10 * time.Minute).Seconds()),
			SendTimeoutFloorSeconds: 30,
		},
		Compaction: CompactionConfig{
			Threshold:        0.8,
			KeepRecent:       10,
			MaxSummaryTokens: 1024,
		},
		Subagent: SubagentConfig{
			TimeoutSeconds:    600,
			MaxTimeoutSeconds: 3600,
			ResultMaxChars:    4000,
		},
		Maintenance: MaintenanceConfig{
			CronExpr:             "0 4 * * *",
			ArchiveIdleDays:      30,
			RetentionMessageDays: 90,
		},
	}
}

// HomeDir returns the clawd data directory.
func HomeDir() string {
	if override := os.Getenv("CLAWD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawd")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the clawd home, applies env overrides and
// normalizes defaults. Missing file is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create clawd home: %w", err)
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
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.AgentID == "" {
		cfg.AgentID = "main"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "clawd.db")
	}
	r := &cfg.Session.Reset
	switch r.Mode {
	case ResetModeDaily, ResetModeIdle, ResetModeManual:
	default:
		r.Mode = ResetModeDaily
	}
	if r.DailyHourUTC < 0 || r.DailyHourUTC > 23 {
		r.DailyHourUTC = 4
	}
	if len(r.Triggers) == 0 {
		r.Triggers = []string{"/new", "/reset"}
	}
	for i, trig := range r.Triggers {
		r.Triggers[i] = strings.ToLower(strings.TrimSpace(trig))
	}
	if cfg.Session.SendTimeoutSeconds <= 0 {
		cfg.Session.SendTimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.Session.SendTimeoutFloorSeconds <= 0 {
		cfg.Session.SendTimeoutFloorSeconds = 30
	}
	if cfg.Compaction.Threshold <= 0 || cfg.Compaction.Threshold > 1 {
		cfg.Compaction.Threshold = 0.8
	}
	if cfg.Compaction.KeepRecent <= 0 {
		cfg.Compaction.KeepRecent = 10
	}
	if cfg.Compaction.MaxSummaryTokens <= 0 {
		cfg.Compaction.MaxSummaryTokens = 1024
	}
	if cfg.Subagent.TimeoutSeconds <= 0 {
		cfg.Subagent.TimeoutSeconds = 600
	}
	if cfg.Subagent.MaxTimeoutSeconds <= 0 {
		cfg.Subagent.MaxTimeoutSeconds = 3600
	}
	if cfg.Subagent.TimeoutSeconds > cfg.Subagent.MaxTimeoutSeconds {
		cfg.Subagent.TimeoutSeconds = cfg.Subagent.MaxTimeoutSeconds
	}
	if cfg.Subagent.ResultMaxChars <= 0 {
		cfg.Subagent.ResultMaxChars = 4000
	}
	if cfg.Runner.Workspace == "" {
		cfg.Runner.Workspace = filepath.Join(cfg.HomeDir, "workspace")
	}
	if cfg.Maintenance.ArchiveIdleDays < 0 {
		cfg.Maintenance.ArchiveIdleDays = 0
	}
	if cfg.Maintenance.RetentionMessageDays < 0 {
		cfg.Maintenance.RetentionMessageDays = 0
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CLAWD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CLAWD_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CLAWD_DEFAULT_MODEL"); raw != "" {
		cfg.DefaultModel = raw
	}
	if raw := os.Getenv("CLAWD_RESET_MODE"); raw != "" {
		cfg.Session.Reset.Mode = ResetMode(strings.ToLower(strings.TrimSpace(raw)))
	}
	if raw := os.Getenv("CLAWD_RESET_HOUR_UTC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Session.Reset.DailyHourUTC = v
		}
	}
	if raw := os.Getenv("CLAWD_IDLE_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Session.Reset.IdleMinutes = v
		}
	}
	if raw := os.Getenv("CLAWD_RUNNER_COMMAND"); raw != "" {
		cfg.Runner.Command = strings.Fields(raw)
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}
