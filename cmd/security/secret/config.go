package secret

import (
	"errors"
	"fmt"
	"math"
	"runtime"

	"github.com/caarlos0/env/v11"
)

// ErrConfig marks an out-of-range configuration value.
var ErrConfig = errors.New("secret: invalid config")

// Params controls Argon2id cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Params struct {
	MemoryKiB   uint32 `env:"ACCOUNTS_ARGON2_MEMORY_KIB"`
	Iterations  uint32 `env:"ACCOUNTS_ARGON2_ITERATIONS"`
	Parallelism uint32 `env:"ACCOUNTS_ARGON2_PARALLELISM"`
	KeyLength   uint32 `env:"ACCOUNTS_ARGON2_KEY_LEN"`
}

// DefaultParams returns an interactive-login baseline.
func DefaultParams() Params {
	// Clamp to [1..4] to keep resource usage predictable in containers.
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Params{
		MemoryKiB:   64 * 1024, // 64 MiB
		Iterations:  3,
		Parallelism: uint32(threads), // #nosec G115 -- clamped to [1..4] above.
		KeyLength:   32,
	}
}

// LoadParamsFromEnv starts from DefaultParams and applies ACCOUNTS_ARGON2_*.
func LoadParamsFromEnv() (Params, error) {
	p := DefaultParams()
	if err := env.Parse(&p); err != nil {
		return Params{}, fmt.Errorf("parse env: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// Validate range-checks every parameter.
func (p Params) Validate() error {
	switch {
	case p.MemoryKiB < 8 || p.MemoryKiB > 1024*1024: // up to 1 GiB
		return fmt.Errorf("%w: ACCOUNTS_ARGON2_MEMORY_KIB out of range [8..%d]", ErrConfig, 1024*1024)
	case p.Iterations < 1 || p.Iterations > 20:
		return fmt.Errorf("%w: ACCOUNTS_ARGON2_ITERATIONS out of range [1..20]", ErrConfig)
	case p.Parallelism < 1 || p.Parallelism > math.MaxUint8:
		return fmt.Errorf("%w: ACCOUNTS_ARGON2_PARALLELISM out of range [1..%d]", ErrConfig, math.MaxUint8)
	case p.KeyLength < 16 || p.KeyLength > 64:
		return fmt.Errorf("%w: ACCOUNTS_ARGON2_KEY_LEN out of range [16..64]", ErrConfig)
	}
	return nil
}

// withinReasonableBounds accepts secrets produced with older or smaller
// settings but rejects wildly larger ones, since stored strings are untrusted.
func withinReasonableBounds(got, limits Params) bool {
	if got.MemoryKiB > limits.MemoryKiB*2 {
		return false
	}
	if got.Iterations > limits.Iterations*2 {
		return false
	}
	if got.Parallelism > limits.Parallelism*2 || got.Parallelism > math.MaxUint8 {
		return false
	}
	if got.KeyLength < 16 || got.KeyLength > 128 {
		return false
	}
	return true
}
