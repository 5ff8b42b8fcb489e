package account

import (
	"context"

	"accounts/cmd/identity"
)

// CredentialStatus is the outcome of checking a bearer credential.
type CredentialStatus int

const (
	CredentialMissing CredentialStatus = iota
	CredentialValid
	CredentialInvalid
	CredentialExpired
	// CredentialUnavailable means the credential could not be checked
	// against the identity store in time. It is never a grant.
	CredentialUnavailable
)

func (s CredentialStatus) String() string {
	switch s {
	case CredentialValid:
		return "valid"
	case CredentialInvalid:
		return "invalid"
	case CredentialExpired:
		return "expired"
	case CredentialUnavailable:
		return "unavailable"
	default:
		return "missing"
	}
}

// VerifyResult is what a SessionVerifier knows about a credential.
// IdentityID and Role are only meaningful when Status is CredentialValid.
type VerifyResult struct {
	Status     CredentialStatus
	IdentityID string
	Role       identity.Role
}

// Valid reports whether the credential authenticated a caller.
func (r VerifyResult) Valid() bool {
	return r.Status == CredentialValid && r.IdentityID != ""
}

// SessionVerifier validates an opaque bearer credential. It reports every
// outcome through VerifyResult and never returns an error.
type SessionVerifier interface {
	VerifyCredential(ctx context.Context, credential string) VerifyResult
}

// SessionVerifierFunc adapts a function to SessionVerifier.
type SessionVerifierFunc func(ctx context.Context, credential string) VerifyResult

func (f SessionVerifierFunc) VerifyCredential(ctx context.Context, credential string) VerifyResult {
	return f(ctx, credential)
}

// Deriver produces and checks stored secrets.
type Deriver interface {
	Derive(plaintext string) (salt, secret string)
	Verify(plaintext, salt, stored string) bool
}

// Notifier is told about every committed profile change.
// Implementations must not block.
type Notifier interface {
	ProfileUpdated(s Summary)
}

type nopNotifier struct{}

func (nopNotifier) ProfileUpdated(Summary) {}
