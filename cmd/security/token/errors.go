package token

import "errors"

// Errors returned by HMACKeyFromEnv and HasherFromEnv.
var (
	ErrHMACKeyMissing  = errors.New("token: " + HMACEnvKey + " is not set")
	ErrHMACKeyTooShort = errors.New("token: " + HMACEnvKey + " is too short")
)
