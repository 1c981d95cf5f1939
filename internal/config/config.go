package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DiscordToken  string          `yaml:"discord_token"`
	LogLevel      string          `yaml:"log_level"`
	RetentionDays int             `yaml:"retention_days"`
	LockStripes   int             `yaml:"lock_stripes"`
	Policy        string          `yaml:"policy"`
	Denylist      []string        `yaml:"denylist"`
	Database      DatabaseConfig  `yaml:"database"`
	Automod       AutomodConfig   `yaml:"automod"`
	Leveling      LevelingConfig  `yaml:"leveling"`
	Sweep         SweepConfig     `yaml:"sweep"`
	Scheduler     SchedulerConfig `yaml:"scheduler"`
	History       HistoryConfig   `yaml:"history"`
	Health        HealthConfig    `yaml:"health"`
	EmbedColors   EmbedColors     `yaml:"embed_colors"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	URL    string `yaml:"url"`
}

type AutomodConfig struct {
	Threshold      int  `yaml:"threshold"`
	TimeoutMinutes int  `yaml:"timeout_minutes"`
	DMNotices      bool `yaml:"dm_notices"`
}

type LevelingConfig struct {
	Award           int  `yaml:"award"`
	CooldownSeconds int  `yaml:"cooldown_seconds"`
	RankCards       bool `yaml:"rank_cards"`
}

type SweepConfig struct {
	IntervalMinutes int `yaml:"interval_minutes"`
}

type SchedulerConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	MaxAttempts     int `yaml:"max_attempts"`
}

type HistoryConfig struct {
	Backend    string      `yaml:"backend"`
	Size       int         `yaml:"size"`
	TTLMinutes int         `yaml:"ttl_minutes"`
	Redis      RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type EmbedColors struct {
	Action  int `yaml:"action"`
	Warning int `yaml:"warning"`
	Info    int `yaml:"info"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	HistoryMemory = "memory"
	HistoryRedis  = "redis"
)

func DefaultConfig() Config {
	return Config{
		LogLevel:      "info",
		RetentionDays: 14,
		LockStripes:   256,
		Policy:        "simple",
		Database:      DatabaseConfig{Driver: DriverSQLite, Path: "/data/guildwarden.db"},
		Automod:       AutomodConfig{Threshold: 3, TimeoutMinutes: 10, DMNotices: true},
		Leveling:      LevelingConfig{Award: 15, CooldownSeconds: 60, RankCards: true},
		Sweep:         SweepConfig{IntervalMinutes: 5},
		Scheduler:     SchedulerConfig{IntervalSeconds: 60, MaxAttempts: 5},
		History: HistoryConfig{
			Backend:    HistoryMemory,
			Size:       7,
			TTLMinutes: 10,
			Redis:      RedisConfig{Addr: "localhost:6379"},
		},
		Health: HealthConfig{Enabled: false, Addr: ":8080"},
		EmbedColors: EmbedColors{
			Action:  0xF59E0B,
			Warning: 0xEF4444,
			Info:    0x5865F2,
		},
	}
}

// Load reads .env, then the YAML file at path (or CONFIG_PATH, or
// config.yaml), then environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	_ = godotenv.Load()
	cfg := DefaultConfig()

	if path == "" {
		path = envString("CONFIG_PATH", "config.yaml")
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(&cfg)
	normalize(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RequireToken is checked by commands that connect to Discord.
func (c Config) RequireToken() error {
	if c.DiscordToken == "" {
		return errors.New("DISCORD_TOKEN is required")
	}
	return nil
}

func (c Config) validate() error {
	if c.Database.Driver == DriverPostgres && c.Database.URL == "" {
		return errors.New("database.url (DATABASE_URL) is required for the postgres driver")
	}
	if c.Automod.Threshold < 1 {
		return fmt.Errorf("automod.threshold must be at least 1, got %d", c.Automod.Threshold)
	}
	if c.Leveling.Award < 1 {
		return fmt.Errorf("leveling.award must be at least 1, got %d", c.Leveling.Award)
	}
	return nil
}

func (c Config) AutomodTimeout() time.Duration {
	return time.Duration(c.Automod.TimeoutMinutes) * time.Minute
}

func (c Config) LevelingCooldown() time.Duration {
	return time.Duration(c.Leveling.CooldownSeconds) * time.Second
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Sweep.IntervalMinutes) * time.Minute
}

func (c Config) SchedulerInterval() time.Duration {
	return time.Duration(c.Scheduler.IntervalSeconds) * time.Second
}

func (c Config) HistoryTTL() time.Duration {
	return time.Duration(c.History.TTLMinutes) * time.Minute
}

func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func applyEnv(cfg *Config) {
	cfg.DiscordToken = envString("DISCORD_TOKEN", cfg.DiscordToken)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.RetentionDays = envInt("RETENTION_DAYS", cfg.RetentionDays)
	cfg.LockStripes = envInt("LOCK_STRIPES", cfg.LockStripes)
	cfg.Policy = envString("AUTOMOD_POLICY", cfg.Policy)
	cfg.Denylist = envList("AUTOMOD_DENYLIST", cfg.Denylist)
	cfg.Database.Driver = envString("DATABASE_DRIVER", cfg.Database.Driver)
	cfg.Database.Path = envString("DATABASE_PATH", cfg.Database.Path)
	cfg.Database.URL = envString("DATABASE_URL", cfg.Database.URL)
	cfg.Automod.Threshold = envInt("AUTOMOD_THRESHOLD", cfg.Automod.Threshold)
	cfg.Automod.TimeoutMinutes = envInt("AUTOMOD_TIMEOUT_MINUTES", cfg.Automod.TimeoutMinutes)
	cfg.Automod.DMNotices = envBool("AUTOMOD_DM_NOTICES", cfg.Automod.DMNotices)
	cfg.Leveling.Award = envInt("LEVELING_AWARD", cfg.Leveling.Award)
	cfg.Leveling.CooldownSeconds = envInt("LEVELING_COOLDOWN_SECONDS", cfg.Leveling.CooldownSeconds)
	cfg.Leveling.RankCards = envBool("LEVELING_RANK_CARDS", cfg.Leveling.RankCards)
	cfg.Sweep.IntervalMinutes = envInt("SWEEP_INTERVAL_MINUTES", cfg.Sweep.IntervalMinutes)
	cfg.Scheduler.IntervalSeconds = envInt("SCHEDULER_INTERVAL_SECONDS", cfg.Scheduler.IntervalSeconds)
	cfg.Scheduler.MaxAttempts = envInt("SCHEDULER_MAX_ATTEMPTS", cfg.Scheduler.MaxAttempts)
	cfg.History.Backend = envString("HISTORY_BACKEND", cfg.History.Backend)
	cfg.History.Size = envInt("HISTORY_SIZE", cfg.History.Size)
	cfg.History.TTLMinutes = envInt("HISTORY_TTL_MINUTES", cfg.History.TTLMinutes)
	cfg.History.Redis.Addr = envString("REDIS_ADDR", cfg.History.Redis.Addr)
	cfg.History.Redis.Password = envString("REDIS_PASSWORD", cfg.History.Redis.Password)
	cfg.History.Redis.DB = envInt("REDIS_DB", cfg.History.Redis.DB)
	cfg.Health.Enabled = envBool("HEALTH_ENABLED", cfg.Health.Enabled)
	cfg.Health.Addr = envString("HEALTH_ADDR", cfg.Health.Addr)
}

func normalize(cfg *Config) {
	cfg.Policy = normalizePolicy(cfg.Policy)
	switch strings.ToLower(cfg.Database.Driver) {
	case DriverPostgres, "pg", "postgresql":
		cfg.Database.Driver = DriverPostgres
	default:
		cfg.Database.Driver = DriverSQLite
	}
	switch strings.ToLower(cfg.History.Backend) {
	case HistoryRedis:
		cfg.History.Backend = HistoryRedis
	default:
		cfg.History.Backend = HistoryMemory
	}
	if cfg.History.Size <= 0 {
		cfg.History.Size = 6
	}
	if cfg.Sweep.IntervalMinutes <= 0 {
		cfg.Sweep.IntervalMinutes = 5
	}
	if cfg.Scheduler.IntervalSeconds <= 0 {
		cfg.Scheduler.IntervalSeconds = 60
	}
	if cfg.Automod.TimeoutMinutes <= 0 {
		cfg.Automod.TimeoutMinutes = 10
	}
}

func normalizePolicy(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "strict":
		return "strict"
	default:
		return "simple"
	}
}

func BuildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(strings.ToLower(level)))
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

func envBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "1" || lower == "true" || lower == "yes"
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
