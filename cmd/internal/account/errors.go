package account

import (
	"context"
	"errors"
	"fmt"

	"accounts/cmd/identity"
)

// Public, stable errors for callers.
var (
	// ErrDuplicateIdentity: email collision at creation.
	ErrDuplicateIdentity = errors.New("duplicate identity")
	// ErrNotFound: the target record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnauthenticated: missing, invalid or expired credential. The client
	// should drop its session state.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidCredentials: email/password did not authenticate.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrTransient: store or timeout failure; the whole operation may be retried.
	ErrTransient = errors.New("transient failure")
	// ErrInvalidInput: rejected before reaching the store.
	ErrInvalidInput = errors.New("invalid input")
	// ErrForbidden: an authenticated non-admin targeted another record.
	ErrForbidden = errors.New("forbidden")
)

// Error carries the operation and the underlying cause next to a sentinel Kind.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func fail(op string, kind, cause error) error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

// storeError maps identity kinds onto the public taxonomy. Anything the
// store cannot classify is treated as transient.
func storeError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case identity.IsConflict(err):
		return fail(op, ErrDuplicateIdentity, err)
	case identity.IsNotFound(err):
		return fail(op, ErrNotFound, err)
	case identity.IsInvalidInput(err):
		return fail(op, ErrInvalidInput, err)
	default:
		return fail(op, ErrTransient, err)
	}
}

// outcome is the metrics label for err.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDuplicateIdentity):
		return "duplicate"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "error"
	}
}
