package identity

import "strings"

// NormalizeEmail performs case-insensitive canonicalization.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeName trims and collapses inner whitespace runs to one space.
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// EmailDomain returns the lower-cased domain part of an address, or "" when
// the address has no '@' or nothing after it.
func EmailDomain(email string) string {
	email = NormalizeEmail(email)
	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return email[at+1:]
}
