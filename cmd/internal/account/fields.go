package account

import (
	"strings"

	"accounts/cmd/identity"
)

// Field names a profile attribute a caller may send.
type Field string

const (
	FieldName     Field = "name"
	FieldOrgEmail Field = "org_email"
	FieldPassword Field = "password"
)

// FieldSet is a set of fields.
type FieldSet map[Field]struct{}

// Has reports membership.
func (s FieldSet) Has(f Field) bool {
	_, ok := s[f]
	return ok
}

// AuthorizedFields returns the fields a caller may change on a profile. The
// set is the same for every role; role, email, status and id are never
// included.
func AuthorizedFields(identity.Role) FieldSet {
	return FieldSet{
		FieldName:     {},
		FieldOrgEmail: {},
		FieldPassword: {},
	}
}

// Fields is a profile change request. Nil means "not sent".
//
// Role, Email, Status and ID are accepted so a request can carry them, but
// UpdateProfile never applies them.
type Fields struct {
	Name     *string
	OrgEmail *string
	Password *string

	Role   *string
	Email  *string
	Status *string
	ID     *string
}

// wantsPassword reports whether f carries a non-empty new password.
func (f Fields) wantsPassword() bool {
	return f.Password != nil && *f.Password != ""
}

// Summary is the public projection of a record. It never carries salt or secret.
type Summary struct {
	ID       string        `json:"id"`
	Role     identity.Role `json:"role"`
	Name     string        `json:"name"`
	Email    string        `json:"email"`
	OrgEmail string        `json:"org_email"`
}

// Complete reports whether the profile has an organization email.
func (s Summary) Complete() bool { return strings.TrimSpace(s.OrgEmail) != "" }

// SummaryOf projects u.
func SummaryOf(u identity.User) Summary {
	return Summary{
		ID:       u.ID,
		Role:     u.Role,
		Name:     u.Name,
		Email:    u.Email,
		OrgEmail: u.OrgEmail,
	}
}
