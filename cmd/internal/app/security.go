package app

import (
	"errors"

	"accounts/cmd/security/token"
)

const minTokenHMACKeyBytes = 32

// tokenHasher builds the reset-token hasher and enforces the HMAC policy.
// Without ACCOUNTS_REQUIRE_TOKEN_HMAC a missing key falls back to SHA-256.
func tokenHasher(cfg Config) (token.Hasher, error) {
	if !cfg.RequireTokenHMAC {
		return token.HasherFromEnv(minTokenHMACKeyBytes)
	}

	key, err := token.HMACKeyFromEnv(minTokenHMACKeyBytes)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return token.Hasher{}, errors.New("security policy: ACCOUNTS_REQUIRE_TOKEN_HMAC=true but ACCOUNTS_TOKEN_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return token.Hasher{}, errors.New("security policy: ACCOUNTS_REQUIRE_TOKEN_HMAC=true but ACCOUNTS_TOKEN_HMAC_KEY is too short (min 32 bytes)")
		default:
			return token.Hasher{}, err
		}
	}

	h := token.NewHasher(key)
	if !h.Keyed() {
		return token.Hasher{}, errors.New("security policy: ACCOUNTS_REQUIRE_TOKEN_HMAC=true but token hasher is not in HMAC mode")
	}
	return h, nil
}
