package password

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Policy controls password validation and anti-DoS boundaries.
type Policy struct {
	MinLength int `env:"ACCOUNTS_PASSWORD_MIN_LEN"`
	MaxLength int `env:"ACCOUNTS_PASSWORD_MAX_LEN"`
	// If true, enable an extra, minimal weak-pattern rejection.
	RejectVeryWeak bool `env:"ACCOUNTS_PASSWORD_REJECT_VERY_WEAK"`
}

// DefaultPolicy accepts passwords of 6 to 256 characters.
func DefaultPolicy() Policy {
	return Policy{
		MinLength:      6,
		MaxLength:      256,
		RejectVeryWeak: false,
	}
}

// FromEnv loads the policy from environment variables.
//
// Env surface:
// - ACCOUNTS_PASSWORD_MIN_LEN [1..1024]
// - ACCOUNTS_PASSWORD_MAX_LEN [1..4096]
// - ACCOUNTS_PASSWORD_REJECT_VERY_WEAK (true/false)
func FromEnv() (Policy, error) {
	p := DefaultPolicy()
	if err := env.Parse(&p); err != nil {
		return Policy{}, fmt.Errorf("parse env: %w", err)
	}

	if p.MinLength < 1 || p.MinLength > 1024 {
		return Policy{}, fmt.Errorf("%w: ACCOUNTS_PASSWORD_MIN_LEN out of range [1..1024]", ErrConfig)
	}
	if p.MaxLength < 1 || p.MaxLength > 4096 {
		return Policy{}, fmt.Errorf("%w: ACCOUNTS_PASSWORD_MAX_LEN out of range [1..4096]", ErrConfig)
	}
	// Final sanity.
	if p.MinLength > p.MaxLength {
		return Policy{}, fmt.Errorf(
			"%w: min_len(%d) > max_len(%d)",
			ErrConfig,
			p.MinLength,
			p.MaxLength,
		)
	}
	return p, nil
}
