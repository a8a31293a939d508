// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `envconfig:"PORT" default:"8080"`
	Env       string `envconfig:"ENV" default:"development"` // "development", "staging", "production"
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// Database
	DatabaseURL string `envconfig:"DATABASE_URL"` // PostgreSQL connection string (optional, uses in-memory if not set)

	// Tracing
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// Ledger settings
	SharedDelegate bool   `envconfig:"SHARED_DELEGATE" default:"false"`
	TierDecay      string `envconfig:"TIER_DECAY" default:"reset"`

	// Renewal keeper
	KeeperEnabled   bool          `envconfig:"KEEPER_ENABLED" default:"false"`
	KeeperInterval  time.Duration `envconfig:"KEEPER_INTERVAL" default:"30s"`
	KeeperBatchSize int           `envconfig:"KEEPER_BATCH_SIZE" default:"100"`
	KeeperWorkers   int           `envconfig:"KEEPER_WORKERS" default:"4"`
	KeeperAddress   string        `envconfig:"KEEPER_ADDRESS"` // executor identity
	KeeperAccount   string        `envconfig:"KEEPER_ACCOUNT"` // token account collecting executor fees

	// Consecutive rejections before an agreement is backed off, and for how long.
	KeeperBreakerThreshold int           `envconfig:"KEEPER_BREAKER_THRESHOLD" default:"3"`
	KeeperBreakerCooldown  time.Duration `envconfig:"KEEPER_BREAKER_COOLDOWN" default:"10m"`

	// Security
	RateLimitRPM int      `envconfig:"RATE_LIMIT_RPM" default:"600"`
	CORSOrigins  []string `envconfig:"CORS_ORIGINS"`
}

// Defaults
const (
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultRateLimit = 600
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that the configuration is coherent
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENV must be development, staging or production, got %q", c.Env)
	}

	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}

	switch c.TierDecay {
	case "reset", "linear":
	default:
		return fmt.Errorf("TIER_DECAY must be reset or linear, got %q", c.TierDecay)
	}

	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}

	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}

	if c.KeeperEnabled {
		if !common.IsHexAddress(c.KeeperAddress) {
			return fmt.Errorf("KEEPER_ADDRESS must be a hex address when KEEPER_ENABLED is set")
		}
		if !common.IsHexAddress(c.KeeperAccount) {
			return fmt.Errorf("KEEPER_ACCOUNT must be a hex address when KEEPER_ENABLED is set")
		}
		if c.KeeperInterval <= 0 {
			return fmt.Errorf("KEEPER_INTERVAL must be positive")
		}
		if c.KeeperBatchSize <= 0 || c.KeeperWorkers <= 0 {
			return fmt.Errorf("KEEPER_BATCH_SIZE and KEEPER_WORKERS must be positive")
		}
		if c.KeeperBreakerThreshold <= 0 || c.KeeperBreakerCooldown <= 0 {
			return fmt.Errorf("KEEPER_BREAKER_THRESHOLD and KEEPER_BREAKER_COOLDOWN must be positive")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// KeeperIdentity returns the executor address and fee account.
func (c *Config) KeeperIdentity() (executor, account common.Address) {
	return common.HexToAddress(c.KeeperAddress), common.HexToAddress(c.KeeperAccount)
}
