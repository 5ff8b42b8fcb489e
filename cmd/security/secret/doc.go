// Package secret turns account passwords into stored secrets and checks
// attempts against them.
//
// Every derivation draws a fresh salt (a ULID: millisecond timestamp plus 80
// random bits) and computes an Argon2id key over the password with that salt.
// The stored secret is a self-describing string:
//
//	$argon2id$v=19$m=<KiB>,t=<iter>,p=<par>$<key_b64>
//
// Parameters travel with the secret, so raising the cost later keeps old
// secrets verifiable. The salt is stored beside the secret, not inside it.
//
// Neither Derive nor Verify returns an error. A failure of the primitive
// yields an empty secret, and verification fails closed.
package secret
