// Package session issues and checks the bearer credential handed out at
// signin.
//
// Access tokens are HS256 JWTs carrying the identity id (sub) and role.
// Manager implements account.SessionVerifier; when given an identity store
// it re-reads the record on every check so deleted accounts stop
// authenticating and role changes take effect immediately.
package session
