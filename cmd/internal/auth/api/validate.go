package authapi

import (
	"errors"
	"html"
	"net/mail"
	"strings"
	"unicode/utf8"

	"accounts/cmd/identity"
	"accounts/cmd/security/password"

	"github.com/microcosm-cc/bluemonday"
)

var (
	errNameRequired = errors.New("name is required")
	errNameTooLong  = errors.New("name must be at most 32 characters")
	errEmailInvalid = errors.New("email is not a valid address")
)

// validator checks request fields before they reach the account core.
type validator struct {
	policy password.Policy
	strip  *bluemonday.Policy
}

func newValidator(p password.Policy) validator {
	return validator{policy: p, strip: bluemonday.StrictPolicy()}
}

// name strips markup and collapses whitespace.
func (v validator) name(raw string) (string, error) {
	clean := html.UnescapeString(v.strip.Sanitize(raw))
	clean = identity.NormalizeName(clean)
	if clean == "" {
		return "", errNameRequired
	}
	if utf8.RuneCountInString(clean) > identity.MaxNameRunes {
		return "", errNameTooLong
	}
	return clean, nil
}

// email accepts a bare address only and returns it lower-cased.
func (v validator) email(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errEmailInvalid
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw || addr.Name != "" {
		return "", errEmailInvalid
	}
	return identity.NormalizeEmail(addr.Address), nil
}

func (v validator) password(pw string) error {
	return v.policy.Validate(pw)
}

func (v validator) signup(req signupRequest) (signupRequest, error) {
	name, err := v.name(req.Name)
	if err != nil {
		return signupRequest{}, err
	}
	email, err := v.email(req.Email)
	if err != nil {
		return signupRequest{}, err
	}
	if err := v.password(req.Password); err != nil {
		return signupRequest{}, err
	}
	return signupRequest{Name: name, Email: email, Password: req.Password}, nil
}

func (v validator) signin(req signinRequest) (signinRequest, error) {
	email, err := v.email(req.Email)
	if err != nil {
		return signinRequest{}, err
	}
	if err := v.password(req.Password); err != nil {
		return signinRequest{}, err
	}
	return signinRequest{Email: email, Password: req.Password}, nil
}

// update validates only what the caller sent. An empty org_email clears it
// and an empty password leaves the secret alone.
func (v validator) update(req updateRequest) (updateRequest, error) {
	if req.Name != nil {
		name, err := v.name(*req.Name)
		if err != nil {
			return updateRequest{}, err
		}
		req.Name = &name
	}
	if req.OrgEmail != nil && strings.TrimSpace(*req.OrgEmail) != "" {
		org, err := v.email(*req.OrgEmail)
		if err != nil {
			return updateRequest{}, err
		}
		req.OrgEmail = &org
	}
	if req.Password != nil && *req.Password != "" {
		if err := v.password(*req.Password); err != nil {
			return updateRequest{}, err
		}
	}
	return req, nil
}
