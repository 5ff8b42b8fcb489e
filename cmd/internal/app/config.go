package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"accounts/cmd/identity"

	"github.com/caarlos0/env/v11"
)

// ErrConfig is returned when the runtime configuration is unusable.
var ErrConfig = errors.New("app: invalid config")

// Store backends selectable through ACCOUNTS_STORE.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `env:"ACCOUNTS_HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel  string `env:"ACCOUNTS_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"ACCOUNTS_LOG_FORMAT" envDefault:"json"`

	ReadHeaderTimeout time.Duration `env:"ACCOUNTS_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"ACCOUNTS_HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"ACCOUNTS_HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"ACCOUNTS_HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"ACCOUNTS_HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`

	Store        string        `env:"ACCOUNTS_STORE" envDefault:"memory"`
	StoreTimeout time.Duration `env:"ACCOUNTS_STORE_TIMEOUT" envDefault:"5s"`

	DatabaseURL string `env:"ACCOUNTS_DATABASE_URL"`
	DBMaxConns  int32  `env:"ACCOUNTS_DB_MAX_CONNS" envDefault:"10"`
	DBMinConns  int32  `env:"ACCOUNTS_DB_MIN_CONNS" envDefault:"0"`
	DBSchema    string `env:"ACCOUNTS_DB_SCHEMA" envDefault:"accounts"`
	DBMigrate   bool   `env:"ACCOUNTS_DB_MIGRATE" envDefault:"true"`

	MongoURI      string `env:"ACCOUNTS_MONGO_URI"`
	MongoDatabase string `env:"ACCOUNTS_MONGO_DATABASE" envDefault:"accounts"`

	MetricsEnabled bool `env:"ACCOUNTS_METRICS_ENABLED" envDefault:"true"`

	// Browser origins allowed to call the JSON API. Empty disables CORS handling.
	CORSAllowedOrigins   []string `env:"ACCOUNTS_CORS_ALLOWED_ORIGINS" envSeparator:","`
	CORSAllowCredentials bool     `env:"ACCOUNTS_CORS_ALLOW_CREDENTIALS" envDefault:"true"`
	CORSMaxAgeSeconds    int      `env:"ACCOUNTS_CORS_MAX_AGE_SECONDS" envDefault:"600"`

	// If true, ACCOUNTS_TOKEN_HMAC_KEY must be set (>= 32 bytes) so reset
	// tokens are stored as HMAC digests.
	RequireTokenHMAC bool `env:"ACCOUNTS_REQUIRE_TOKEN_HMAC" envDefault:"false"`
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.MongoURI = strings.TrimSpace(cfg.MongoURI)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field rules the env tags cannot express.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("%w: ACCOUNTS_HTTP_ADDR is empty", ErrConfig)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("%w: ACCOUNTS_STORE_TIMEOUT must be positive", ErrConfig)
	}
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: ACCOUNTS_STORE=postgres needs ACCOUNTS_DATABASE_URL", ErrConfig)
		}
		if !identity.ValidSchemaName(c.DBSchema) {
			return fmt.Errorf("%w: ACCOUNTS_DB_SCHEMA is not a valid identifier", ErrConfig)
		}
		if c.DBMaxConns < 1 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("%w: ACCOUNTS_DB_MIN_CONNS/ACCOUNTS_DB_MAX_CONNS out of range", ErrConfig)
		}
	case StoreMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("%w: ACCOUNTS_STORE=mongo needs ACCOUNTS_MONGO_URI", ErrConfig)
		}
		if strings.TrimSpace(c.MongoDatabase) == "" {
			return fmt.Errorf("%w: ACCOUNTS_MONGO_DATABASE is empty", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown ACCOUNTS_STORE %q", ErrConfig, c.Store)
	}
	if c.CORSMaxAgeSeconds < 0 {
		return fmt.Errorf("%w: ACCOUNTS_CORS_MAX_AGE_SECONDS is negative", ErrConfig)
	}
	return nil
}
