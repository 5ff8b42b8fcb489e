package session

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// MinSigningKeyBytes is the shortest accepted HMAC signing key.
const MinSigningKeyBytes = 32

// Config defines runtime configuration for credential issuing.
type Config struct {
	// Issuer is the value set in the "iss" claim of access tokens.
	Issuer string `env:"ACCOUNTS_AUTH_ISSUER" envDefault:"accounts"`

	// AccessTokenTTL defines the lifetime of access tokens.
	AccessTokenTTL time.Duration `env:"ACCOUNTS_AUTH_ACCESS_TTL" envDefault:"24h"`

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration `env:"ACCOUNTS_AUTH_CLOCK_SKEW" envDefault:"30s"`

	// SigningKey is the HS256 secret.
	SigningKey string `env:"ACCOUNTS_AUTH_SIGNING_KEY"`
}

// DefaultConfig returns defaults suitable for development. SigningKey is
// left empty and must be provided.
func DefaultConfig() Config {
	return Config{
		Issuer:         "accounts",
		AccessTokenTTL: 24 * time.Hour,
		ClockSkew:      30 * time.Second,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Required:
//   - ACCOUNTS_AUTH_SIGNING_KEY (>= 32 bytes)
//
// Optional (durations must be valid Go duration strings):
//   - ACCOUNTS_AUTH_ISSUER
//   - ACCOUNTS_AUTH_ACCESS_TTL
//   - ACCOUNTS_AUTH_CLOCK_SKEW
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, ErrConfig
	}
	cfg.SigningKey = strings.TrimSpace(cfg.SigningKey)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants NewManager relies on.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Issuer) == "" {
		return ErrConfig
	}
	if c.AccessTokenTTL <= 0 || c.ClockSkew < 0 {
		return ErrConfig
	}
	if len(c.SigningKey) < MinSigningKeyBytes {
		return ErrConfig
	}
	return nil
}
