package reset

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultTTL        = 15 * time.Minute
	defaultTokenBytes = 32
)

// Config controls reset token lifetime and size.
type Config struct {
	TTL        time.Duration `env:"ACCOUNTS_RESET_TTL" envDefault:"15m"`
	TokenBytes int           `env:"ACCOUNTS_RESET_TOKEN_BYTES" envDefault:"32"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{TTL: defaultTTL, TokenBytes: defaultTokenBytes}
}

// LoadConfigFromEnv parses ACCOUNTS_RESET_* variables.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces sane bounds.
func (c Config) Validate() error {
	if c.TTL < time.Minute || c.TTL > 24*time.Hour {
		return fmt.Errorf("%w: ttl must be between 1m and 24h", ErrConfig)
	}
	if c.TokenBytes < 16 || c.TokenBytes > 128 {
		return fmt.Errorf("%w: token bytes must be between 16 and 128", ErrConfig)
	}
	return nil
}
