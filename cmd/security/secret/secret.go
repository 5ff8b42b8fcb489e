package secret

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"accounts/cmd/identity/ids"
)

const argon2Version = 19 // argon2.Version is 0x13 (19)

// Deriver derives and verifies account secrets.
// The zero value is not usable; build one with New.
type Deriver struct {
	params Params
	now    func() time.Time
	salt   func(time.Time) (string, error)
}

// Option configures a Deriver.
type Option func(*Deriver)

// WithClock overrides the time component of generated salts.
func WithClock(now func() time.Time) Option {
	return func(d *Deriver) {
		if now != nil {
			d.now = now
		}
	}
}

// WithSaltSource overrides salt generation.
func WithSaltSource(fn func(time.Time) (string, error)) Option {
	return func(d *Deriver) {
		if fn != nil {
			d.salt = fn
		}
	}
}

// New returns a Deriver using p for new secrets and as the upper reference
// for the cost of stored ones.
func New(p Params, opts ...Option) (*Deriver, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	d := &Deriver{
		params: p,
		now:    time.Now,
		salt:   ids.New,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// Derive returns a fresh salt and the secret for plaintext under that salt.
// Empty plaintext, a salt-generation failure or a failure of the hashing
// primitive all yield an empty secret.
func (d *Deriver) Derive(plaintext string) (salt, secret string) {
	s, err := d.salt(d.now().UTC())
	if err != nil {
		return "", ""
	}
	if plaintext == "" {
		return s, ""
	}
	return s, d.compute(plaintext, s, d.params)
}

// Verify reports whether plaintext matches stored under salt.
// Empty or malformed input returns false.
func (d *Deriver) Verify(plaintext, salt, stored string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	if plaintext == "" || salt == "" || stored == "" {
		return false
	}

	p, _, err := decode(stored)
	if err != nil {
		return false
	}
	if !withinReasonableBounds(p, d.params) {
		return false
	}

	got := d.compute(plaintext, salt, p)
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(stored)) == 1
}

// compute runs Argon2id and encodes the result; it returns "" on any panic.
func (d *Deriver) compute(plaintext, salt string, p Params) (out string) {
	defer func() {
		if recover() != nil {
			out = ""
		}
	}()

	if p.Parallelism == 0 || p.Parallelism > 255 {
		return ""
	}
	key := argon2.IDKey(
		[]byte(plaintext),
		[]byte(salt),
		p.Iterations,
		p.MemoryKiB,
		uint8(p.Parallelism), // #nosec G115 -- bounded above.
		p.KeyLength,
	)
	return encode(p, key)
}

func encode(p Params, key []byte) string {
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s",
		argon2Version,
		p.MemoryKiB,
		p.Iterations,
		p.Parallelism,
		base64.RawStdEncoding.EncodeToString(key),
	)
}

// decode parses a stored secret into its params and key.
func decode(encoded string) (Params, []byte, error) {
	// Expected:
	// $argon2id$v=19$m=65536,t=3,p=1$<key>
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != "" || parts[1] != "argon2id" {
		return Params{}, nil, ErrMalformed
	}
	if parts[2] != "v=19" {
		return Params{}, nil, ErrMalformed
	}

	var mem, it, par uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &it, &par); err != nil {
		return Params{}, nil, ErrMalformed
	}
	if mem == 0 || it == 0 || par == 0 || par > 255 {
		return Params{}, nil, ErrMalformed
	}
	// Reject trailing garbage Sscanf would ignore.
	if parts[3] != fmt.Sprintf("m=%d,t=%d,p=%d", mem, it, par) {
		return Params{}, nil, ErrMalformed
	}

	key, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(key) == 0 {
		return Params{}, nil, ErrMalformed
	}

	return Params{
		MemoryKiB:   mem,
		Iterations:  it,
		Parallelism: par,
		KeyLength:   uint32(len(key)), // #nosec G115 -- bounded by withinReasonableBounds.
	}, key, nil
}
