// Package account is the credential and profile-mutation authority.
//
// It owns three operations: Signup creates an identity with a derived
// secret, Authenticate checks an email/password pair, and UpdateProfile
// applies an authenticated caller's changes to a record. Callers are
// identified by an injected SessionVerifier; records live behind
// identity.Store; secrets come from an injected Deriver.
//
// Every failure is matchable with errors.Is against the sentinels in
// errors.go.
package account
