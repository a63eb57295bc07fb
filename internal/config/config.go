package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"sentinel-guard/internal/security"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DiscordToken     string                     `yaml:"discord_token"`
	DatabaseDriver   string                     `yaml:"database_driver"`
	DatabasePath     string                     `yaml:"database_path"`
	LogLevel         string                     `yaml:"log_level"`
	RetentionDays    int                        `yaml:"retention_days"`
	Health           HealthConfig               `yaml:"health"`
	Security         SecurityConfig             `yaml:"security"`
	Thresholds       map[string]ThresholdConfig `yaml:"thresholds"`
	Playbook         PlaybookConfig             `yaml:"playbook"`
	Lockdown         LockdownConfig             `yaml:"lockdown"`
	Notifications    NotifyConfig               `yaml:"notifications"`
	CommandsGuildID  string                     `yaml:"commands_guild_id"`
	AuditLookupLimit int                        `yaml:"audit_lookup_limit"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type SecurityConfig struct {
	DefaultPunishment        string  `yaml:"default_punishment"`
	MentionLimit             int     `yaml:"mention_limit"`
	ActiveIncidents          int     `yaml:"active_incidents"`
	ActiveIncidentTTLMinutes int     `yaml:"active_incident_ttl_minutes"`
	IncidentHistory          int     `yaml:"incident_history"`
	AlertsPerSecond          float64 `yaml:"alerts_per_second"`
	AlertBurst               int     `yaml:"alert_burst"`
	RetentionMinutes         int     `yaml:"retention_minutes"`
}

type ThresholdConfig struct {
	Count    int `yaml:"count"`
	WindowMS int `yaml:"window_ms"`
}

type PlaybookConfig struct {
	LockdownMinutes   int `yaml:"lockdown_minutes"`
	StrictModeMinutes int `yaml:"strict_mode_minutes"`
}

type LockdownConfig struct {
	DenySend bool `yaml:"deny_send"`
	Slowmode int  `yaml:"slowmode"`
}

type NotifyConfig struct {
	AuditToChannel bool        `yaml:"audit_to_channel"`
	EmbedColors    EmbedColors `yaml:"embed_colors"`
}

type EmbedColors struct {
	Alert  int `yaml:"alert"`
	Action int `yaml:"action"`
	Error  int `yaml:"error"`
}

func DefaultConfig() Config {
	return Config{
		DatabaseDriver: "sqlite",
		DatabasePath:   "/data/sentinel.db",
		LogLevel:       "info",
		RetentionDays:  14,
		Health:         HealthConfig{Enabled: false, Addr: ":8080"},
		Security: SecurityConfig{
			DefaultPunishment:        string(security.DefaultPunishment),
			MentionLimit:             security.DefaultMentionLimit,
			ActiveIncidents:          1024,
			ActiveIncidentTTLMinutes: 24 * 60,
			IncidentHistory:          100,
			AlertsPerSecond:          1,
			AlertBurst:               5,
			RetentionMinutes:         60,
		},
		Playbook:         PlaybookConfig{LockdownMinutes: 15, StrictModeMinutes: 10},
		Lockdown:         LockdownConfig{DenySend: true, Slowmode: 30},
		AuditLookupLimit: 5,
		Notifications: NotifyConfig{
			AuditToChannel: true,
			EmbedColors: EmbedColors{
				Alert:  0xEF4444,
				Action: 0xF59E0B,
				Error:  0xF97316,
			},
		},
	}
}

func Load() (Config, error) {
	cfg := DefaultConfig()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	if cfg.DiscordToken == "" {
		return Config{}, errors.New("DISCORD_TOKEN is required")
	}
	cfg.Security.DefaultPunishment = normalizePunishment(cfg.Security.DefaultPunishment)
	if _, err := cfg.BuildThresholds(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.DiscordToken = envString("DISCORD_TOKEN", cfg.DiscordToken)
	cfg.DatabaseDriver = envString("DATABASE_DRIVER", cfg.DatabaseDriver)
	cfg.DatabasePath = envString("DATABASE_PATH", cfg.DatabasePath)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.RetentionDays = envInt("RETENTION_DAYS", cfg.RetentionDays)
	cfg.CommandsGuildID = envString("COMMANDS_GUILD_ID", cfg.CommandsGuildID)
	cfg.Health.Enabled = envBool("HEALTH_ENABLED", cfg.Health.Enabled)
	cfg.Health.Addr = envString("HEALTH_ADDR", cfg.Health.Addr)
	cfg.Security.DefaultPunishment = envString("SECURITY_DEFAULT_PUNISHMENT", cfg.Security.DefaultPunishment)
	cfg.Security.MentionLimit = envInt("SECURITY_MENTION_LIMIT", cfg.Security.MentionLimit)
	cfg.Security.ActiveIncidents = envInt("SECURITY_ACTIVE_INCIDENTS", cfg.Security.ActiveIncidents)
	cfg.Security.IncidentHistory = envInt("SECURITY_INCIDENT_HISTORY", cfg.Security.IncidentHistory)
	cfg.Security.AlertBurst = envInt("SECURITY_ALERT_BURST", cfg.Security.AlertBurst)
	cfg.Security.AlertsPerSecond = envFloat("SECURITY_ALERTS_PER_SECOND", cfg.Security.AlertsPerSecond)
	cfg.Lockdown.DenySend = envBool("LOCKDOWN_DENY_SEND", cfg.Lockdown.DenySend)
	cfg.Lockdown.Slowmode = envInt("LOCKDOWN_SLOWMODE", cfg.Lockdown.Slowmode)
	cfg.Notifications.AuditToChannel = envBool("AUDIT_TO_CHANNEL", cfg.Notifications.AuditToChannel)
}

// BuildThresholds overlays the configured overrides on the default table.
func (c Config) BuildThresholds() (security.Thresholds, error) {
	names := make([]string, 0, len(c.Thresholds))
	for name := range c.Thresholds {
		names = append(names, name)
	}
	sort.Strings(names)

	overrides := make([]security.Threshold, 0, len(names))
	for _, name := range names {
		action, err := security.ParseActionType(name)
		if err != nil {
			return security.Thresholds{}, fmt.Errorf("thresholds: %w", err)
		}
		entry := c.Thresholds[name]
		overrides = append(overrides, security.Threshold{
			Action: action,
			Count:  entry.Count,
			Window: time.Duration(entry.WindowMS) * time.Millisecond,
		})
	}
	return security.DefaultThresholds().With(overrides...)
}

// MonitorOptions translates the security section into monitor options.
func (c Config) MonitorOptions() (security.Options, error) {
	thresholds, err := c.BuildThresholds()
	if err != nil {
		return security.Options{}, err
	}
	return security.Options{
		Thresholds: thresholds,
		Retention:  time.Duration(c.Security.RetentionMinutes) * time.Minute,
		Recorder: security.RecorderOptions{
			History:    c.Security.IncidentHistory,
			ActiveSize: c.Security.ActiveIncidents,
			ActiveTTL:  time.Duration(c.Security.ActiveIncidentTTLMinutes) * time.Minute,
		},
		AlertRate:  rate.Limit(c.Security.AlertsPerSecond),
		AlertBurst: c.Security.AlertBurst,
	}, nil
}

func BuildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl := strings.ToLower(level)
	switch lvl {
	case "debug", "info", "warn", "error":
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(lvl))
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "1" || lower == "true" || lower == "yes"
	}
	return fallback
}

// normalizePunishment keeps known modes and falls back to the default
// rather than silently disabling enforcement.
func normalizePunishment(value string) string {
	mode := security.PunishmentMode(strings.ToLower(strings.TrimSpace(value)))
	switch mode {
	case security.PunishmentBan, security.PunishmentKick, security.PunishmentQuarantine, security.PunishmentTimeout:
		return string(mode)
	default:
		return string(security.DefaultPunishment)
	}
}
