package authapi

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// ErrConfig reports an invalid API configuration.
var ErrConfig = errors.New("authapi config invalid")

const minCookieKeyBytes = 32

// Config controls request limits and proxy trust.
type Config struct {
	MaxBodyBytes int64 `env:"ACCOUNTS_API_MAX_BODY_BYTES" envDefault:"1048576"`
	TrustProxy   bool  `env:"ACCOUNTS_API_TRUST_PROXY" envDefault:"false"`

	Cookie CookieConfig
}

// CookieConfig controls the client session cache cookie.
type CookieConfig struct {
	Name   string        `env:"ACCOUNTS_SESSION_COOKIE_NAME" envDefault:"accounts_session"`
	Key    string        `env:"ACCOUNTS_SESSION_COOKIE_KEY"`
	Secure bool          `env:"ACCOUNTS_SESSION_COOKIE_SECURE" envDefault:"true"`
	Domain string        `env:"ACCOUNTS_SESSION_COOKIE_DOMAIN"`
	MaxAge time.Duration `env:"ACCOUNTS_SESSION_COOKIE_MAX_AGE" envDefault:"24h"`
}

// DefaultConfig returns the built-in defaults with no cookie key.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes: 1 << 20,
		Cookie: CookieConfig{
			Name:   "accounts_session",
			Secure: true,
			MaxAge: 24 * time.Hour,
		},
	}
}

// LoadConfigFromEnv parses ACCOUNTS_API_* and ACCOUNTS_SESSION_COOKIE_*.
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

// Validate checks limits. An empty cookie key is allowed and makes the
// cache generate a process-local key.
func (c Config) Validate() error {
	if c.MaxBodyBytes <= 0 || c.MaxBodyBytes > 16<<20 {
		return fmt.Errorf("%w: ACCOUNTS_API_MAX_BODY_BYTES out of range", ErrConfig)
	}
	if strings.TrimSpace(c.Cookie.Name) == "" {
		return fmt.Errorf("%w: ACCOUNTS_SESSION_COOKIE_NAME is empty", ErrConfig)
	}
	if k := c.Cookie.Key; k != "" && len(k) < minCookieKeyBytes {
		return fmt.Errorf("%w: ACCOUNTS_SESSION_COOKIE_KEY must be at least %d bytes", ErrConfig, minCookieKeyBytes)
	}
	if c.Cookie.MaxAge < time.Minute {
		return fmt.Errorf("%w: ACCOUNTS_SESSION_COOKIE_MAX_AGE too short", ErrConfig)
	}
	return nil
}
