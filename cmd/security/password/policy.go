package password

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// commonPasswords are rejected outright when RejectVeryWeak is set.
var commonPasswords = map[string]struct{}{
	"password":    {},
	"password1":   {},
	"password123": {},
	"123456":      {},
	"123456789":   {},
	"qwerty":      {},
	"qwerty123":   {},
	"letmein":     {},
	"welcome":     {},
	"iloveyou":    {},
	"subscriber":  {},
}

// Validate checks length in runes and, optionally, a small weak-pattern list.
func (p Policy) Validate(password string) error {
	n := utf8.RuneCountInString(password)
	switch {
	case n < p.MinLength:
		return ErrPasswordTooShort
	case n > p.MaxLength:
		return ErrPasswordTooLong
	case p.RejectVeryWeak && veryWeak(password):
		return ErrWeakPassword
	}
	return nil
}

// veryWeak catches a single repeated character, short all-digit PINs and
// the commonPasswords list. It is not a strength estimator.
func veryWeak(pw string) bool {
	s := strings.TrimSpace(pw)
	if s == "" {
		return true
	}
	if _, ok := commonPasswords[strings.ToLower(s)]; ok {
		return true
	}
	if _, size := utf8.DecodeRuneInString(s); strings.Count(s, s[:size])*size == len(s) {
		return true
	}
	return utf8.RuneCountInString(s) < 12 && strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) }) < 0
}
