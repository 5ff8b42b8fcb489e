package realtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// ErrConfig reports an invalid realtime configuration.
var ErrConfig = errors.New("realtime config invalid")

const (
	// Max bytes per websocket frame read.
	maxFrameBytes = 16 << 10

	minSendQueue = 8

	defaultRateEvents = 30
	defaultRateWindow = 10 * time.Second

	maxPingFailures = 3
	closeGrace      = time.Second
)

// Config controls origin policy, queues and timers for the profile channel.
type Config struct {
	AllowedOrigins    []string      `env:"ACCOUNTS_WS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost,http://127.0.0.1"`
	OriginRequired    bool          `env:"ACCOUNTS_WS_ORIGIN_REQUIRED" envDefault:"true"`
	SendQueue         int           `env:"ACCOUNTS_WS_SEND_QUEUE" envDefault:"64"`
	HeartbeatInterval time.Duration `env:"ACCOUNTS_WS_HEARTBEAT_INTERVAL" envDefault:"25s"`
	HeartbeatTimeout  time.Duration `env:"ACCOUNTS_WS_HEARTBEAT_TIMEOUT" envDefault:"5s"`
	WriteTimeout      time.Duration `env:"ACCOUNTS_WS_WRITE_TIMEOUT" envDefault:"5s"`
	RateEvents        int           `env:"ACCOUNTS_WS_RATE_EVENTS" envDefault:"30"`
	RateWindow        time.Duration `env:"ACCOUNTS_WS_RATE_WINDOW" envDefault:"10s"`
}

// DefaultConfig mirrors the envDefault tags.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		OriginRequired:    true,
		SendQueue:         64,
		HeartbeatInterval: 25 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		WriteTimeout:      5 * time.Second,
		RateEvents:        defaultRateEvents,
		RateWindow:        defaultRateWindow,
	}
}

// LoadConfigFromEnv parses ACCOUNTS_WS_* variables.
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

// Validate rejects timer and queue settings the gateway cannot run with.
func (c Config) Validate() error {
	switch {
	case c.SendQueue < minSendQueue:
		return fmt.Errorf("%w: ACCOUNTS_WS_SEND_QUEUE must be >= %d", ErrConfig, minSendQueue)
	case c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0:
		return fmt.Errorf("%w: heartbeat timers must be positive", ErrConfig)
	case c.HeartbeatTimeout >= c.HeartbeatInterval:
		return fmt.Errorf("%w: heartbeat timeout must be shorter than the interval", ErrConfig)
	case c.WriteTimeout <= 0:
		return fmt.Errorf("%w: ACCOUNTS_WS_WRITE_TIMEOUT must be positive", ErrConfig)
	case c.RateEvents <= 0 || c.RateWindow <= 0:
		return fmt.Errorf("%w: rate limit must be positive", ErrConfig)
	}
	return nil
}
