// Package password holds the password policy applied before a password is
// turned into a stored secret.
//
// Hashing lives in package secret; this package only decides whether a
// candidate password is acceptable.
package password
