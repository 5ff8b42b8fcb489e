package identity

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxNameRunes bounds the display name length.
const MaxNameRunes = 32

// Role is the closed set of account roles.
type Role string

const (
	RoleSubscriber Role = "subscriber"
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSubscriber, RoleUser, RoleAdmin:
		return true
	default:
		return false
	}
}

// ParseRole maps a stored role string onto Role; unknown values fall back to
// RoleSubscriber so a corrupt row never grants more than the default.
func ParseRole(s string) Role {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return RoleSubscriber
	}
	return r
}

// Status is the closed set of account states.
type Status string

const (
	StatusDisabled Status = "disabled"
	StatusActive   Status = "active"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusDisabled || s == StatusActive
}

// User is the durable account record.
type User struct {
	ID             string
	Name           string
	Email          string
	EmailNorm      string
	OrgEmail       string
	OrgEmailDomain string
	Role           Role
	Status         Status

	Salt   string
	Secret string

	ResetToken     string
	ResetExpiresAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// clone returns a copy that shares no pointers with u.
func (u User) clone() User {
	if u.ResetExpiresAt != nil {
		t := *u.ResetExpiresAt
		u.ResetExpiresAt = &t
	}
	return u
}

// CreateUserInput carries a fully derived record for insertion.
// Salt and Secret are produced by the caller; the store never sees plaintext.
type CreateUserInput struct {
	Name     string
	Email    string
	OrgEmail string
	Role     Role
	Status   Status
	Salt     string
	Secret   string
	Now      time.Time
}

// MutateFunc edits a record in place inside Store.UpdateUser.
// Returning an error aborts the update without persisting anything.
type MutateFunc func(u *User) error

// Store is the persistence boundary for account records.
//
// UpdateUser is an atomic read-modify-write of one record: concurrent updates
// of the same id are serialized and the last committed write wins for the
// whole record. Implementations keep ID, Email, EmailNorm and CreatedAt
// immutable, recompute OrgEmailDomain, refresh UpdatedAt and bump Version.
type Store interface {
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByResetToken(ctx context.Context, tokenHash string) (User, error)
	UpdateUser(ctx context.Context, id string, mutate MutateFunc) (User, error)
	Ping(ctx context.Context) error
}

// newUser validates in and builds the record to insert.
func newUser(op string, in CreateUserInput) (User, error) {
	name := NormalizeName(in.Name)
	if name == "" {
		return User{}, invalid(op, "name is required")
	}
	if utf8.RuneCountInString(name) > MaxNameRunes {
		return User{}, invalid(op, "name too long")
	}

	email := strings.TrimSpace(in.Email)
	emailNorm := NormalizeEmail(email)
	if emailNorm == "" || EmailDomain(emailNorm) == "" {
		return User{}, invalid(op, "email is required")
	}

	role := in.Role
	if role == "" {
		role = RoleSubscriber
	}
	if !role.Valid() {
		return User{}, invalid(op, "invalid role")
	}
	status := in.Status
	if status == "" {
		status = StatusDisabled
	}
	if !status.Valid() {
		return User{}, invalid(op, "invalid status")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	now = now.UTC().Truncate(time.Millisecond)

	id, err := NewULID(now)
	if err != nil {
		return User{}, err
	}

	orgEmail := NormalizeEmail(in.OrgEmail)

	return User{
		ID:             id,
		Name:           name,
		Email:          emailNorm,
		EmailNorm:      emailNorm,
		OrgEmail:       orgEmail,
		OrgEmailDomain: EmailDomain(orgEmail),
		Role:           role,
		Status:         status,
		Salt:           in.Salt,
		Secret:         in.Secret,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}, nil
}

// applyMutation runs mutate on a copy of prev and re-establishes the record
// invariants every store guarantees.
func applyMutation(op string, prev User, mutate MutateFunc, now time.Time) (User, error) {
	next := prev.clone()
	if mutate != nil {
		if err := mutate(&next); err != nil {
			return User{}, err
		}
	}

	next.ID = prev.ID
	next.Email = prev.Email
	next.EmailNorm = prev.EmailNorm
	next.CreatedAt = prev.CreatedAt

	next.Name = NormalizeName(next.Name)
	if next.Name == "" {
		return User{}, invalid(op, "name is required")
	}
	if utf8.RuneCountInString(next.Name) > MaxNameRunes {
		return User{}, invalid(op, "name too long")
	}
	if !next.Role.Valid() {
		return User{}, invalid(op, "invalid role")
	}
	if !next.Status.Valid() {
		return User{}, invalid(op, "invalid status")
	}

	next.OrgEmail = NormalizeEmail(next.OrgEmail)
	next.OrgEmailDomain = EmailDomain(next.OrgEmail)

	if now.IsZero() {
		now = time.Now()
	}
	next.UpdatedAt = now.UTC().Truncate(time.Millisecond)
	next.Version = prev.Version + 1
	return next, nil
}
