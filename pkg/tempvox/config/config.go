// Package config defines the tempvox configuration record and its loading
// rules. The daemon receives one explicit Config at startup; there is no
// process-wide configuration singleton.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default values for optional settings.
const (
	DefaultMaxConcurrentRooms   = 50
	DefaultRoomCreationDelay    = 100 * time.Millisecond
	DefaultReconcilePeriod      = 120 * time.Second
	DefaultMaxVoiceErrors       = 5
	DefaultCoupWindow           = 300 * time.Second
	DefaultRoomNameTemplate     = "{display_name}'s Channel"
	DefaultRateLimitMaxActions  = 5
	DefaultRateLimitWindow      = 10 * time.Second
)

// Config holds all daemon configuration.
type Config struct {
	// Token is the Discord bot token. Prefer TEMPVOX_TOKEN or the OS
	// keyring over storing it here in plaintext.
	Token string `yaml:"token,omitempty"`

	// GuildID is the single realm this process manages. Required.
	GuildID string `yaml:"guild_id"`

	// SpawnChannelIDs are the voice channels that trigger room creation.
	SpawnChannelIDs []string `yaml:"spawn_channel_ids"`

	// ExcludedChannelIDs are read-only rooms: presence is tracked but the
	// core never mutates them.
	ExcludedChannelIDs []string `yaml:"excluded_channel_ids"`

	// AFKChannelIDs are never tracked, in addition to channels whose name
	// contains "afk", "away" or "idle".
	AFKChannelIDs []string `yaml:"afk_channel_ids"`

	// MaxConcurrentRooms caps the number of user rooms per guild.
	MaxConcurrentRooms int `yaml:"max_concurrent_rooms"`

	// RoomCreationDelayMs is the spacing between successive room creates.
	RoomCreationDelayMs int `yaml:"room_creation_delay_ms"`

	// ReconcilePeriodS is the reconciler interval in seconds.
	ReconcilePeriodS int `yaml:"reconcile_period_s"`

	// MaxVoiceErrorsBeforeResync triggers a force resync for a user after
	// this many consecutive voice-handler failures.
	MaxVoiceErrorsBeforeResync int `yaml:"max_voice_errors_before_resync"`

	// CoupWindowS is the coup voting window in seconds.
	CoupWindowS int `yaml:"coup_window_s"`

	// RoomNameTemplate names new rooms; "{display_name}" is substituted.
	RoomNameTemplate string `yaml:"room_name_template"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// RateLimitConfig bounds command-driven mutations per user and action.
type RateLimitConfig struct {
	MaxActions   int `yaml:"max_actions"`
	TimeWindowMs int `yaml:"time_window_ms"`
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	// Backend is "sqlite" (default) or "postgres".
	Backend string `yaml:"backend"`

	// Path is the SQLite database file path.
	Path string `yaml:"path"`

	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`
}

// RedisConfig holds cache connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "json" (default) or "text".
	Format string `yaml:"format"`
}

// Default returns a Config with all optional settings at their defaults.
func Default() Config {
	return Config{
		MaxConcurrentRooms:         DefaultMaxConcurrentRooms,
		RoomCreationDelayMs:        int(DefaultRoomCreationDelay / time.Millisecond),
		ReconcilePeriodS:           int(DefaultReconcilePeriod / time.Second),
		MaxVoiceErrorsBeforeResync: DefaultMaxVoiceErrors,
		CoupWindowS:                int(DefaultCoupWindow / time.Second),
		RoomNameTemplate:           DefaultRoomNameTemplate,
		RateLimit: RateLimitConfig{
			MaxActions:   DefaultRateLimitMaxActions,
			TimeWindowMs: int(DefaultRateLimitWindow / time.Millisecond),
		},
		Database: DatabaseConfig{
			Backend: "sqlite",
			Path:    "./data/tempvox.db",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the config file at path, applies defaults, .env values and
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	// .env is optional; ignore a missing file.
	_ = godotenv.Load()

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: reading %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %q: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv applies TEMPVOX_* environment overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("TEMPVOX_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("TEMPVOX_GUILD_ID"); v != "" {
		c.GuildID = v
	}
	if v := os.Getenv("TEMPVOX_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("TEMPVOX_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
}

// Validate checks required settings and value ranges.
func (c *Config) Validate() error {
	if c.GuildID == "" {
		return fmt.Errorf("config: guild_id is required")
	}
	switch c.Database.Backend {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown database backend %q", c.Database.Backend)
	}
	if c.Database.Backend == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("config: database.dsn is required for the postgres backend")
	}
	if c.MaxConcurrentRooms <= 0 {
		return fmt.Errorf("config: max_concurrent_rooms must be positive")
	}
	if c.ReconcilePeriodS <= 0 {
		return fmt.Errorf("config: reconcile_period_s must be positive")
	}
	return nil
}

// Save writes the config as YAML to path, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: writing %q: %w", path, err)
	}
	return nil
}

// RoomCreationDelay returns the inter-create spacing as a duration.
func (c *Config) RoomCreationDelay() time.Duration {
	return time.Duration(c.RoomCreationDelayMs) * time.Millisecond
}

// ReconcilePeriod returns the reconciler interval as a duration.
func (c *Config) ReconcilePeriod() time.Duration {
	return time.Duration(c.ReconcilePeriodS) * time.Second
}

// CoupWindow returns the coup voting window as a duration.
func (c *Config) CoupWindow() time.Duration {
	return time.Duration(c.CoupWindowS) * time.Second
}

// RateLimitWindow returns the rate-limit window as a duration.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimit.TimeWindowMs) * time.Millisecond
}

// IsSpawnChannel reports whether id is a configured spawn channel.
func (c *Config) IsSpawnChannel(id string) bool { return contains(c.SpawnChannelIDs, id) }

// IsExcludedChannel reports whether id is a read-only room.
func (c *Config) IsExcludedChannel(id string) bool { return contains(c.ExcludedChannelIDs, id) }

// IsAFKChannel reports whether the channel should be skipped entirely,
// either by configured ID or by name.
func (c *Config) IsAFKChannel(id, name string) bool {
	if contains(c.AFKChannelIDs, id) {
		return true
	}
	lower := strings.ToLower(name)
	for _, marker := range []string{"afk", "away", "idle"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
