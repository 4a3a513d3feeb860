package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// HTTP server
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// Database
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/mailpool.db"`

	// Security
	// MasterSecret seeds the vault key derivation. Rotating it makes all
	// previously encrypted credential fields permanently undecryptable.
	MasterSecret string `env:"MASTER_SECRET,required"`
	// ExternalAPIToken guards the caller-facing lease API.
	ExternalAPIToken string `env:"EXTERNAL_API_TOKEN,required"`

	// Upstream timeouts
	TokenTimeout    time.Duration `env:"TOKEN_TIMEOUT" envDefault:"30s"`
	MailTimeout     time.Duration `env:"MAIL_TIMEOUT" envDefault:"30s"`
	IMAPDialTimeout time.Duration `env:"IMAP_DIAL_TIMEOUT" envDefault:"30s"`

	// OAuth onboarding helper
	OAuthClientID    string `env:"OAUTH_CLIENT_ID" envDefault:"24d9a0ed-8787-4584-883c-2fd79308940a"`
	OAuthRedirectURI string `env:"OAUTH_REDIRECT_URI" envDefault:"http://localhost:8080"`

	// Scheduler
	SchedulerEnabled bool `env:"ENABLE_SCHEDULER" envDefault:"true"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// A trivially short secret defeats the key derivation
	if len(cfg.MasterSecret) < 16 {
		return nil, fmt.Errorf("MASTER_SECRET must be at least 16 bytes, got %d", len(cfg.MasterSecret))
	}

	return cfg, nil
}
