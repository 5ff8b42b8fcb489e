// Package token hashes opaque one-time tokens (password reset links) for
// server-side storage.
//
// Modes:
// - SHA-256(token) when no HMAC key is configured (dev).
// - HMAC-SHA256(token, key) when ACCOUNTS_TOKEN_HMAC_KEY is set.
//
// Output is always 64-char lowercase hex, suitable for equality lookups.
package token
