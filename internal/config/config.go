// Package config loads the gateway's runtime configuration from environment
// variables.
package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/sethvargo/go-envconfig"
)

// Config captures all runtime tunables for the presence gateway.
type Config struct {
	Env  string `env:"NODE_ENV,default=development"`
	Port int    `env:"PORT,default=8080"`

	WSPath   string `env:"WS_PATH,default=/websocket"`
	AdminKey string `env:"ADMIN_KEY,default=changeme-admin-key"`

	// WSPreAuthSecret, when non-empty, enables the optional pre-upgrade JWT
	// gate (SPEC_FULL §2.14); empty disables it, relying solely on the core
	// auth protocol frame.
	WSPreAuthSecret   string `env:"WS_PREAUTH_SECRET,default="`
	WSPreAuthLeewayMS int64  `env:"WS_PREAUTH_LEEWAY_MS,default=5000"`

	HeartbeatIntervalMS int64 `env:"WS_HEARTBEAT_INTERVAL,default=30000"`
	OfflineAfterMS      int64 `env:"OFFLINE_AFTER_MS,default=120000"`
	VerifyIntervalMS    int64 `env:"VERIFY_INTERVAL_MS,default=60000"`

	RateLimitWindowMS int64 `env:"RATE_LIMIT_WINDOW_MS,default=15000"`
	RateLimitMax      int   `env:"RATE_LIMIT_MAX,default=100"`

	LogLevel   string `env:"LOG_LEVEL,default=info"`
	CommitHash string `env:"COMMIT_HASH,default=dev"`

	Presence PresenceConfig
	Logging  LoggingConfig
}

// PresenceConfig selects and configures the presence store backend.
type PresenceConfig struct {
	Backend string `env:"PRESENCE_BACKEND,default=local"`

	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisDB   int    `env:"REDIS_DB,default=0"`

	MongoURI      string `env:"MONGO_URI,default=mongodb://localhost:27017"`
	MongoDatabase string `env:"MONGO_DB,default=presence_gateway"`

	LocalStatePath string `env:"PRESENCE_LOCAL_PATH,default=data/presence.snapshot"`
}

// LoggingConfig configures the rotating file sink backing the zerolog logger.
type LoggingConfig struct {
	Path       string `env:"LOG_PATH,default=gateway.log"`
	MaxSizeMB  int    `env:"LOG_MAX_SIZE_MB,default=100"`
	MaxBackups int    `env:"LOG_MAX_BACKUPS,default=10"`
	MaxAgeDays int    `env:"LOG_MAX_AGE_DAYS,default=7"`
	Compress   bool   `env:"LOG_COMPRESS,default=true"`
}

// Load reads configuration from environment variables, applying spec
// defaults and validating cross-field constraints.
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("config: WS_PATH must start with \"/\", got %q", c.WSPath)
	}
	if len(c.AdminKey) < 16 {
		return fmt.Errorf("config: ADMIN_KEY must be at least 16 characters")
	}
	switch c.Presence.Backend {
	case "local", "redis", "mongo":
	default:
		return fmt.Errorf("config: PRESENCE_BACKEND must be one of local|redis|mongo, got %q", c.Presence.Backend)
	}
	return nil
}

// HeartbeatTickMS clamps WS_HEARTBEAT_INTERVAL into the [5s, 10s] window
// required by the heartbeat loop (spec §4.5).
func (c *Config) HeartbeatTickMS() int64 {
	return clamp(c.HeartbeatIntervalMS, 5000, 10000)
}

// VerifyTickMS returns the effective verification period, or zero if disabled.
func (c *Config) VerifyTickMS() int64 {
	if c.VerifyIntervalMS <= 0 {
		return 0
	}
	return maxInt64(60000, c.VerifyIntervalMS)
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// IsDev reports whether the gateway is running in development mode.
func (c *Config) IsDev() bool {
	return strings.EqualFold(c.Env, "development")
}
